package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/workflows"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Run a phase on every case still pending it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		phaseName, _ := cmd.Flags().GetString("phase")
		limit, _ := cmd.Flags().GetInt("limit")
		viaTemporal, _ := cmd.Flags().GetBool("temporal")

		phase := model.Phase(phaseName)
		if !phase.Valid() {
			return eris.Errorf("pending: --phase must be listing or deep, got %q", phaseName)
		}

		if viaTemporal {
			if err := cfg.Validate("store"); err != nil {
				return err
			}
			tc, err := dialTemporal()
			if err != nil {
				return err
			}
			defer tc.Close()

			run, err := workflows.StartSweep(ctx, tc, cfg.Temporal.TaskQueue, workflows.SweepInput{
				Phase:       phase,
				Limit:       limit,
				Concurrency: cfg.Pipeline.MaxConcurrentCases,
			})
			if err != nil {
				return eris.Wrap(err, "start sweep workflow")
			}
			var summary model.PendingSummary
			if err := run.Get(ctx, &summary); err != nil {
				return eris.Wrap(err, "sweep workflow")
			}
			return printJSON(os.Stdout, &summary)
		}

		env, err := initEnv(ctx, "analyze")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Pipeline.RunPending(ctx, phase, limit)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, summary)
	},
}

func init() {
	pendingCmd.Flags().String("phase", string(model.PhaseListing), "phase to run (listing or deep)")
	pendingCmd.Flags().Int("limit", 0, "max number of cases to process (0 = store default of 10)")
	pendingCmd.Flags().Bool("temporal", false, "run as a Temporal workflow and wait for it")
	rootCmd.AddCommand(pendingCmd)
}
