package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tender-cli/internal/model"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <case-id> <source>...",
	Short: "Extract document text and attach it to a case",
	Long:  "Each source is a local file or an http(s) or ftp URL. PDFs go through pdftotext with an OCR fallback; spreadsheets are flattened to text.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close()

		caseID := args[0]
		var failed int
		for _, source := range args[1:] {
			ex, err := env.Ingester.Ingest(ctx, source)
			if err != nil {
				failed++
				zap.L().Error("ingest failed",
					zap.String("source", source),
					zap.Error(err),
				)
				continue
			}
			doc, err := env.Pipeline.AddDocument(ctx, model.SourceDocument{
				CaseID:    caseID,
				Filename:  ex.Filename,
				Text:      ex.Text,
				PageCount: ex.PageCount,
			})
			if err != nil {
				return eris.Wrapf(err, "ingest %s", source)
			}
			fmt.Fprintf(os.Stdout, "%s\t%s\t%d pages\n", shortUUID(doc.ID), doc.Filename, doc.PageCount)
		}

		if failed > 0 {
			return eris.Errorf("ingest: %d of %d sources failed", failed, len(args)-1)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
