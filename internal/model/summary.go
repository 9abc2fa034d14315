package model

// Summary status values reported to callers.
const (
	SummaryCompleted = "completed"
	SummaryPartial   = "partial"
	SummaryFailed    = "failed"
	SummaryCached    = "cached"
)

// RunSummary reports the outcome of one phase run on a case.
type RunSummary struct {
	CaseID            string   `json:"case_id"`
	Phase             Phase    `json:"phase"`
	Status            string   `json:"status"`
	Reference         string   `json:"reference,omitempty"`
	DocumentsAnalyzed int      `json:"documents_analyzed"`
	FieldsExtracted   int      `json:"fields_extracted"`
	Errors            []string `json:"errors"`
	Warnings          []string `json:"warnings,omitempty"`
}

// AddError records a per-document or per-batch error.
func (s *RunSummary) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// AddWarning records a degraded field.
func (s *RunSummary) AddWarning(msg string) {
	s.Warnings = append(s.Warnings, msg)
}

// PendingSummary reports a sweep over pending cases.
type PendingSummary struct {
	TotalPending int      `json:"total_pending"`
	Analyzed     int      `json:"analyzed"`
	Errors       []string `json:"errors"`
}
