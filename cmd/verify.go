package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <case-id> <field>",
	Short: "Mark a stored field as verified, optionally correcting its value",
	Long:  "Verified fields are never overwritten or purged by later runs, including forced ones.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var value *string
		if cmd.Flags().Changed("value") {
			v, _ := cmd.Flags().GetString("value")
			value = &v
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		caseID, name := args[0], args[1]
		if err := st.VerifyField(ctx, caseID, name, value); err != nil {
			return eris.Wrapf(err, "verify %s", name)
		}
		f, err := st.GetField(ctx, caseID, name)
		if err != nil {
			return eris.Wrapf(err, "verify %s", name)
		}
		zap.L().Info("field verified",
			zap.String("case_id", caseID),
			zap.String("field", name),
			zap.Bool("corrected", value != nil),
		)
		return printJSON(os.Stdout, f)
	},
}

func init() {
	verifyCmd.Flags().String("value", "", "corrected value to store with the verification")
	rootCmd.AddCommand(verifyCmd)
}
