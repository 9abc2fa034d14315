package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/pipeline"
)

// lowConfidence marks values the oracle was unsure of.
const lowConfidence = 0.85

var provenanceCmd = &cobra.Command{
	Use:   "provenance <case-id>",
	Short: "Show every stored field with its source document and confidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		asJSON, _ := cmd.Flags().GetBool("json")

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := env.Pipeline.Provenance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "provenance")
		}
		if asJSON {
			return printJSON(os.Stdout, rows)
		}
		if len(rows) == 0 {
			fmt.Fprintln(os.Stderr, "No fields stored for this case.")
			return nil
		}

		formatProvenance(os.Stdout, rows)
		return nil
	},
}

func init() {
	provenanceCmd.Flags().Bool("json", false, "print rows as JSON")
	rootCmd.AddCommand(provenanceCmd)
}

// formatProvenance writes a tabular provenance report to out. Verified
// fields are green, external overrides cyan and low-confidence values
// yellow when out is a terminal.
func formatProvenance(out io.Writer, rows []pipeline.ProvenanceRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FIELD\tVALUE\tCONF\tSOURCE\tDOCUMENT\tVERIFIED\tORIGIN")
	_, _ = fmt.Fprintln(w, "-----\t-----\t----\t------\t--------\t--------\t------")

	for _, r := range rows {
		value := truncate(strings.ReplaceAll(r.Value, "\n", " "), 48)
		doc := r.SourceDocument
		if doc == "" {
			doc = "-"
		}
		verified := ""
		if r.IsVerified {
			verified = "yes"
		}

		// Origin is last so color codes do not skew the columns.
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\t%s\t%s\n",
			r.FieldName,
			value,
			r.Confidence,
			r.SourceLocation,
			doc,
			verified,
			originColor(r.ProvenanceField).Sprint(r.Origin),
		)
	}
	_ = w.Flush()
}

func originColor(f model.ProvenanceField) *color.Color {
	switch {
	case f.IsVerified:
		return color.New(color.FgHiGreen)
	case f.Origin == model.OriginExternal:
		return color.New(color.FgCyan)
	case f.Confidence < lowConfidence:
		return color.New(color.FgYellow)
	default:
		return color.New(color.Reset)
	}
}
