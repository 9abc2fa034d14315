package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/pipeline"
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Print the reconciled views of a case as JSON",
}

// viewFunc loads one view of a case.
type viewFunc func(p *pipeline.Pipeline, cmd *cobra.Command, caseID string) (any, error)

func newViewCmd(use, short string, load viewFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <case-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := initEnv(cmd.Context(), "store")
			if err != nil {
				return err
			}
			defer env.Close()

			v, err := load(env.Pipeline, cmd, args[0])
			if err != nil {
				return eris.Wrapf(err, "view %s", use)
			}
			return printJSON(os.Stdout, v)
		},
	}
}

var viewRecordCmd = newViewCmd("record", "Show the extracted record of a phase",
	func(p *pipeline.Pipeline, cmd *cobra.Command, caseID string) (any, error) {
		phase, _ := cmd.Flags().GetString("phase")
		if !model.Phase(phase).Valid() {
			return nil, eris.Errorf("--phase must be listing or deep, got %q", phase)
		}
		return p.Record(cmd.Context(), caseID, model.Phase(phase))
	})

var viewLotsCmd = newViewCmd("lots", "Show the lots of a case, preferring the deep analysis",
	func(p *pipeline.Pipeline, cmd *cobra.Command, caseID string) (any, error) {
		return p.Lots(cmd.Context(), caseID)
	})

var viewExecutionCmd = newViewCmd("execution", "Show the execution dates from the deep analysis",
	func(p *pipeline.Pipeline, cmd *cobra.Command, caseID string) (any, error) {
		return p.Execution(cmd.Context(), caseID)
	})

var viewDeepStatusCmd = newViewCmd("deep-status", "Tell whether the deep phase can run on a case",
	func(p *pipeline.Pipeline, cmd *cobra.Command, caseID string) (any, error) {
		return p.DeepStatus(cmd.Context(), caseID)
	})

func init() {
	viewRecordCmd.Flags().String("phase", string(model.PhaseListing), "phase to show (listing or deep)")

	viewCmd.AddCommand(viewRecordCmd)
	viewCmd.AddCommand(viewLotsCmd)
	viewCmd.AddCommand(viewExecutionCmd)
	viewCmd.AddCommand(viewDeepStatusCmd)
	rootCmd.AddCommand(viewCmd)
}
