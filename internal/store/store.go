// Package store persists cases, their source documents and provenance
// fields. Batches are committed all-or-nothing.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-cli/internal/model"
)

var (
	// ErrNotFound is wrapped by every lookup or update that matched no row.
	ErrNotFound = eris.New("store: not found")
	// ErrCaseClaimed is returned by ClaimCase while another run holds the case.
	ErrCaseClaimed = eris.New("store: case claimed by another run")
)

// CaseFilter specifies criteria for listing cases.
type CaseFilter struct {
	Status model.CaseStatus `json:"status,omitempty"`
	Limit  int              `json:"limit,omitempty"`
	Offset int              `json:"offset,omitempty"`
}

// Store defines the persistence interface of the reconciliation pipeline.
type Store interface {
	// Cases
	CreateCase(ctx context.Context, c model.Case) (*model.Case, error)
	GetCase(ctx context.Context, id string) (*model.Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]model.Case, error)
	UpdateCaseStatus(ctx context.Context, id string, status model.CaseStatus) error
	// ClaimCase moves a case to classified unless it is mid-run. A mid-run
	// case last updated before staleBefore is taken over.
	ClaimCase(ctx context.Context, id string, staleBefore time.Time) error
	// ListPending returns cases whose phase has never completed, oldest
	// first, skipping cases currently mid-run.
	ListPending(ctx context.Context, phase model.Phase, limit int) ([]model.Case, error)

	// Documents
	AddDocument(ctx context.Context, doc model.SourceDocument) (*model.SourceDocument, error)
	ListDocuments(ctx context.Context, caseID string) ([]model.SourceDocument, error)
	SetDocumentType(ctx context.Context, id string, t model.DocumentType) error

	// Provenance fields
	ListFields(ctx context.Context, caseID string) ([]model.ProvenanceField, error)
	GetField(ctx context.Context, caseID, name string) (*model.ProvenanceField, error)
	CommitBatch(ctx context.Context, b model.Batch) error
	DeleteAIFields(ctx context.Context, caseID string) (int, error)
	VerifyField(ctx context.Context, caseID, name string, value *string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// phaseColumn is the case column stamped when a phase completes.
func phaseColumn(p model.Phase) string {
	if p == model.PhaseDeep {
		return "deep_at"
	}
	return "listing_at"
}

// runningStatuses are held by a case while a run is in flight.
var runningStatuses = []any{
	string(model.CaseStatusClassified),
	string(model.CaseStatusExtracting),
	string(model.CaseStatusReconciled),
}

// pendingLimit bounds ListPending when no limit is given.
const pendingLimit = 10

func now() time.Time { return time.Now().UTC() }
