package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(injectSEUCmd)
}

var injectSEUCmd = &cobra.Command{
	Use:   "inject-seu [scenario-file]",
	Short: "Run a scenario with InjectSEU forced on, regardless of the file's own setting",
	Long: `inject-seu is a convenience wrapper around run: it loads the same scenario
format but overrides inject_seu to true, so a scenario authored for a clean
pass can be reused to exercise the driver's divergence path (a retry of the
PE, or an SEU report).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readScenarioInput(args)
		if err != nil {
			return err
		}
		var s Scenario
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("parse scenario: %w", err)
		}
		s.InjectSEU = true

		result, err := runScenario(&s)
		if err != nil {
			return err
		}
		if result.Action != "diverged-seu" && result.Action != "retry-pe" {
			fmt.Fprintf(os.Stderr, "warning: injected SEU but driver action was %q, not retry-pe or diverged-seu\n", result.Action)
		}
		printResult(result)
		return nil
	},
}
