package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [scenario-file]",
	Short: "Run a scripted PE through the simulated shadow/compare/commit backend",
	Long: `Run reads a scenario JSON (see Scenario in scenario.go) describing the
pages touched by a PE and the bytes each run writes into them, drives the
PE through the double-execution core end to end, and prints the resulting
driver action and metrics snapshot as JSON.

Scenario can be provided as a file argument or piped on stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readScenarioInput(args)
		if err != nil {
			return err
		}
		var s Scenario
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("parse scenario: %w", err)
		}

		result, err := runScenario(&s)
		if err != nil {
			return err
		}

		printResult(result)
		return nil
	},
}

func readScenarioInput(args []string) ([]byte, error) {
	if len(args) > 0 {
		return os.ReadFile(args[0])
	}
	return io.ReadAll(os.Stdin)
}

func printResult(r *ScenarioResult) {
	switch r.Action {
	case "committed":
		color.Green("PASS  action=%s", r.Action)
	case "diverged-seu":
		color.Red("SEU   action=%s", r.Action)
	default:
		color.Yellow("..    action=%s", r.Action)
	}
	out, _ := json.MarshalIndent(r, "", "  ")
	fmt.Println(string(out))
}
