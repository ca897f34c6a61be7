package cmd

import (
	"fmt"

	"github.com/novahv/dualpe"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Print the driver's default configuration and current metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := dualpe.DefaultConfig()
		fmt.Printf("max_instruction=%d overshoot_budget=%d start_counter=%d perf_max_count=%d scratch_slots=%d\n",
			cfg.MaxInstruction, cfg.OvershootBudget, cfg.StartCounter, cfg.PerfMaxCount, cfg.ScratchSlots)

		m := dualpe.GetMetrics()
		fmt.Printf("pes=%d cow_faults=%d commits=%d rollbacks=%d single_steps=%d seus=%d vmstack_reconciles=%d oom=%d stale_parked=%d\n",
			m.PEs, m.CowFaults, m.Commits, m.Rollbacks, m.SingleSteps, m.SEUsDetected, m.VMStackReconciles, m.OutOfFramesAborts, m.StaleParkedDropped)
		return nil
	},
}
