package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/pipeline"
	"github.com/sells-group/tender-cli/internal/workflows"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <case-id>",
	Short: "Run the listing phase on a case",
	Long:  "Classifies the case documents, extracts the listing fields and stores the reconciled values with their provenance.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPhaseCmd(cmd, args[0], model.PhaseListing)
	},
}

var deepCmd = &cobra.Command{
	Use:   "deep <case-id>",
	Short: "Run the deep phase on a case",
	Long:  "Runs the deep extraction using the listing results as context. A completed deep analysis is returned from the store unless --force is set.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPhaseCmd(cmd, args[0], model.PhaseDeep)
	},
}

func runPhaseCmd(cmd *cobra.Command, caseID string, phase model.Phase) error {
	ctx := cmd.Context()

	force, _ := cmd.Flags().GetBool("force")
	viaTemporal, _ := cmd.Flags().GetBool("temporal")
	ro := pipeline.RunOptions{Force: force}

	if phase == model.PhaseListing {
		date, _ := cmd.Flags().GetString("deadline-date")
		tm, _ := cmd.Flags().GetString("deadline-time")
		if date != "" || tm != "" {
			ro.External = &model.ExternalDeadline{Date: date, Time: tm}
		}
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

		run, err := workflows.StartPhase(ctx, tc, cfg.Temporal.TaskQueue, workflows.PhaseInput{
			CaseID:   caseID,
			Phase:    phase,
			Force:    ro.Force,
			External: ro.External,
		})
		if err != nil {
			return eris.Wrap(err, "start phase workflow")
		}
		var summary model.RunSummary
		if err := run.Get(ctx, &summary); err != nil {
			return eris.Wrap(err, "phase workflow")
		}
		return printJSON(os.Stdout, &summary)
	}

	env, err := initEnv(ctx, "analyze")
	if err != nil {
		return err
	}
	defer env.Close()

	summary, err := env.Pipeline.Run(ctx, caseID, phase, ro)
	if summary != nil {
		if perr := printJSON(os.Stdout, summary); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if summary.Status == model.SummaryFailed {
		return eris.Errorf("%s phase failed for case %s", phase, caseID)
	}
	return nil
}

func dialTemporal() (client.Client, error) {
	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	zap.L().Debug("temporal connected",
		zap.String("host_port", cfg.Temporal.HostPort),
		zap.String("namespace", cfg.Temporal.Namespace),
	)
	return tc, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, c := range []*cobra.Command{analyzeCmd, deepCmd} {
		c.Flags().Bool("force", false, "re-run and replace unverified fields of this phase")
		c.Flags().Bool("temporal", false, "run as a Temporal workflow and wait for it")
	}
	analyzeCmd.Flags().String("deadline-date", "", "deadline date shown on the listing page (overrides extraction)")
	analyzeCmd.Flags().String("deadline-time", "", "deadline time shown on the listing page (overrides extraction)")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(deepCmd)
}
