package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/store"
)

var caseCmd = &cobra.Command{
	Use:   "case",
	Short: "Create and inspect tender cases",
}

// -- case create --

var caseCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a case",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		reference, _ := cmd.Flags().GetString("reference")
		title, _ := cmd.Flags().GetString("title")
		deadline, _ := cmd.Flags().GetString("deadline")
		if reference == "" {
			return eris.New("case create: --reference is required")
		}

		c := model.Case{Reference: reference, Title: title}
		if deadline != "" {
			loc, err := cfg.Pipeline.DeadlineLocation()
			if err != nil {
				return err
			}
			t, err := parseDeadline(deadline, loc)
			if err != nil {
				return err
			}
			c.ExternalDeadline = &t
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		created, err := st.CreateCase(ctx, c)
		if err != nil {
			return eris.Wrap(err, "case create")
		}
		zap.L().Info("case created",
			zap.String("case_id", created.ID),
			zap.String("reference", created.Reference),
		)
		fmt.Fprintln(os.Stdout, created.ID)
		return nil
	},
}

// -- case list --

var caseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cases, err := st.ListCases(ctx, store.CaseFilter{
			Status: model.CaseStatus(status),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return eris.Wrap(err, "case list")
		}
		if len(cases) == 0 {
			fmt.Fprintln(os.Stderr, "No cases found.")
			return nil
		}

		formatCaseList(os.Stdout, cases)
		return nil
	},
}

// -- case show --

// caseDetail is the JSON printed by case show. Document text is omitted.
type caseDetail struct {
	*model.Case
	Documents []documentRow `json:"documents"`
}

type documentRow struct {
	ID         string             `json:"id"`
	Filename   string             `json:"filename"`
	Type       model.DocumentType `json:"type,omitempty"`
	PageCount  int                `json:"page_count"`
	TextLength int                `json:"text_length"`
}

var caseShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Show a case and its documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := st.GetCase(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "case show")
		}
		docs, err := st.ListDocuments(ctx, c.ID)
		if err != nil {
			return eris.Wrap(err, "case show: documents")
		}

		out := caseDetail{Case: c, Documents: make([]documentRow, 0, len(docs))}
		for _, d := range docs {
			out.Documents = append(out.Documents, documentRow{
				ID:         d.ID,
				Filename:   d.Filename,
				Type:       d.Type,
				PageCount:  d.PageCount,
				TextLength: model.TextChars(d.Text),
			})
		}

		return printJSON(os.Stdout, out)
	},
}

func init() {
	caseCreateCmd.Flags().String("reference", "", "tender reference (required)")
	caseCreateCmd.Flags().String("title", "", "tender title")
	caseCreateCmd.Flags().String("deadline", "", "deadline shown on the listing (RFC3339 or \"2006-01-02 15:04\")")

	caseListCmd.Flags().String("status", "", "filter by case status (pending, classified, extracting, reconciled, completed, failed)")
	caseListCmd.Flags().Int("limit", 50, "max number of cases to display")
	caseListCmd.Flags().Int("offset", 0, "number of cases to skip")

	caseCmd.AddCommand(caseCreateCmd)
	caseCmd.AddCommand(caseListCmd)
	caseCmd.AddCommand(caseShowCmd)
	rootCmd.AddCommand(caseCmd)
}

var deadlineLayouts = []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"}

// parseDeadline accepts the layouts operators type for a listing deadline.
// Times without a zone are read in loc.
func parseDeadline(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("invalid deadline %q", s)
}

// formatCaseList writes a tabular list of cases to out.
func formatCaseList(out io.Writer, cases []model.Case) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tREFERENCE\tSTATUS\tLISTING\tDEEP\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t---------\t------\t-------\t----\t-------")

	for _, c := range cases {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortUUID(c.ID),
			truncate(c.Reference, 40),
			c.Status,
			formatStamp(c.ListingAt),
			formatStamp(c.DeepAt),
			c.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func formatStamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04")
}

func shortUUID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
