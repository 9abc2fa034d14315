package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/registry"
)

// FieldView is one stored value with its provenance.
type FieldView struct {
	Value          any             `json:"value"`
	ValueType      model.ValueType `json:"value_type"`
	SourceDocument string          `json:"source_document,omitempty"`
	DocumentID     string          `json:"document_id,omitempty"`
	SourceLocation string          `json:"source_location,omitempty"`
	Confidence     float64         `json:"confidence"`
	Origin         model.Origin    `json:"origin"`
	IsVerified     bool            `json:"is_verified"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RecordView is the reconciled record of a phase, nested by field key,
// with every leaf annotated by its provenance.
type RecordView struct {
	CaseID    string         `json:"case_id"`
	Phase     model.Phase    `json:"phase"`
	Completed *time.Time     `json:"completed_at,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// LotsView lists the lots of a case from its most detailed analysis.
type LotsView struct {
	CaseID    string           `json:"case_id"`
	Phase     model.Phase      `json:"phase"`
	LotsCount int              `json:"lots_count"`
	Lots      []map[string]any `json:"lots"`
}

// LotExecution is the execution date of one lot.
type LotExecution struct {
	LotNumber     string `json:"lot_number"`
	ExecutionDate string `json:"execution_date"`
}

// ExecutionView lists lot execution dates from the deep analysis.
type ExecutionView struct {
	CaseID         string         `json:"case_id"`
	HasDates       bool           `json:"has_dates"`
	ExecutionDates []LotExecution `json:"execution_dates"`
}

// ProvenanceRow is a stored field with the name of its source document.
type ProvenanceRow struct {
	model.ProvenanceField
	SourceDocument string `json:"source_document,omitempty"`
}

// DeepStatus tells whether the deep phase can or should run on a case.
type DeepStatus struct {
	CaseID        string `json:"case_id"`
	NeedsAnalysis bool   `json:"needs_analysis"`
	HasAnalysis   bool   `json:"has_analysis"`
	Message       string `json:"message"`
}

// ErrNoAnalysis is returned by views over a phase that never produced the
// requested fields.
var ErrNoAnalysis = eris.New("pipeline: no analysis available")

// Record returns the stored record of a phase.
func (p *Pipeline) Record(ctx context.Context, caseID string, phase model.Phase) (*RecordView, error) {
	if !phase.Valid() {
		return nil, eris.Errorf("pipeline: unknown phase %q", phase)
	}
	c, fields, names, err := p.load(ctx, caseID)
	if err != nil {
		return nil, err
	}

	reg := registry.For(phase)
	out := make(map[string]any)
	for _, f := range fields {
		rf := reg.ByStored(f.FieldName)
		if rf == nil {
			continue
		}
		v := FieldView{
			Value:          decodeValue(f),
			ValueType:      f.ValueType,
			SourceLocation: f.SourceLocation,
			Confidence:     f.Confidence,
			Origin:         f.Origin,
			IsVerified:     f.IsVerified,
			UpdatedAt:      f.UpdatedAt,
		}
		if f.DocumentID != nil {
			v.DocumentID = *f.DocumentID
			v.SourceDocument = names[*f.DocumentID]
		}
		setPath(out, rf.Key, v)
	}

	completed := c.ListingAt
	if phase == model.PhaseDeep {
		completed = c.DeepAt
	}
	return &RecordView{CaseID: c.ID, Phase: phase, Completed: completed, Fields: out}, nil
}

// Lots returns the deep lots of a case, falling back to the listing lots.
func (p *Pipeline) Lots(ctx context.Context, caseID string) (*LotsView, error) {
	_, fields, _, err := p.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for _, phase := range []model.Phase{model.PhaseDeep, model.PhaseListing} {
		lots, ok, err := lotsOf(fields, phase)
		if err != nil {
			return nil, err
		}
		if ok {
			return &LotsView{CaseID: caseID, Phase: phase, LotsCount: len(lots), Lots: lots}, nil
		}
	}
	return nil, eris.Wrapf(ErrNoAnalysis, "case %s has no lots", caseID)
}

// Execution returns the lot execution dates of the deep analysis.
func (p *Pipeline) Execution(ctx context.Context, caseID string) (*ExecutionView, error) {
	_, fields, _, err := p.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	lots, ok, err := lotsOf(fields, model.PhaseDeep)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, eris.Wrapf(ErrNoAnalysis, "case %s has no deep analysis", caseID)
	}

	view := &ExecutionView{CaseID: caseID, ExecutionDates: []LotExecution{}}
	for _, lot := range lots {
		date, _ := lot[registry.LotExecutionDate].(string)
		if date == "" {
			continue
		}
		number, _ := lot[registry.LotNumber].(string)
		view.ExecutionDates = append(view.ExecutionDates, LotExecution{LotNumber: number, ExecutionDate: date})
	}
	view.HasDates = len(view.ExecutionDates) > 0
	return view, nil
}

// Provenance lists every stored field of a case with its source document.
func (p *Pipeline) Provenance(ctx context.Context, caseID string) ([]ProvenanceRow, error) {
	_, fields, names, err := p.load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	rows := make([]ProvenanceRow, len(fields))
	for i, f := range fields {
		rows[i] = ProvenanceRow{ProvenanceField: f}
		if f.DocumentID != nil {
			rows[i].SourceDocument = names[*f.DocumentID]
		}
	}
	return rows, nil
}

// DeepStatus reports whether a case has a deep analysis and whether one
// can run on its documents.
func (p *Pipeline) DeepStatus(ctx context.Context, caseID string) (*DeepStatus, error) {
	c, err := p.getCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	st := &DeepStatus{CaseID: c.ID}
	_, err = p.store.GetField(ctx, c.ID, registry.Deep().Snapshot)
	switch {
	case err == nil:
		st.HasAnalysis = true
	case !isNotFound(err):
		return nil, eris.Wrap(err, "pipeline: load deep snapshot")
	}

	docs, err := p.store.ListDocuments(ctx, c.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load documents")
	}
	usable := 0
	for _, d := range docs {
		if d.Usable(p.opts.MinTextChars) {
			usable++
		}
	}

	switch {
	case st.HasAnalysis:
		st.Message = "deep analysis available"
	case usable == 0:
		st.Message = "no document with usable text"
	default:
		st.NeedsAnalysis = true
		st.Message = "deep analysis not run yet"
	}
	return st, nil
}

// load fetches a case, its fields and a document name index.
func (p *Pipeline) load(ctx context.Context, caseID string) (*model.Case, []model.ProvenanceField, map[string]string, error) {
	c, err := p.getCase(ctx, caseID)
	if err != nil {
		return nil, nil, nil, err
	}
	fields, err := p.store.ListFields(ctx, c.ID)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "pipeline: list fields")
	}
	docs, err := p.store.ListDocuments(ctx, c.ID)
	if err != nil {
		return nil, nil, nil, eris.Wrap(err, "pipeline: load documents")
	}
	names := make(map[string]string, len(docs))
	for _, d := range docs {
		names[d.ID] = d.Filename
	}
	return c, fields, names, nil
}

func lotsOf(fields []model.ProvenanceField, phase model.Phase) ([]map[string]any, bool, error) {
	lf := registry.For(phase).ByKey(registry.KeyLots)
	for _, f := range fields {
		if f.FieldName != lf.Stored {
			continue
		}
		var lots []map[string]any
		if err := decodeJSON(f.Value, &lots); err != nil {
			return nil, false, eris.Wrapf(err, "pipeline: decode %s", f.FieldName)
		}
		if lots == nil {
			lots = []map[string]any{}
		}
		return lots, true, nil
	}
	return nil, false, nil
}

func decodeValue(f model.ProvenanceField) any {
	switch f.ValueType {
	case model.ValueNumber:
		return json.Number(f.Value)
	case model.ValueList, model.ValueJSON:
		var v any
		if err := decodeJSON(f.Value, &v); err != nil {
			return f.Value
		}
		return v
	default:
		return f.Value
	}
}

func decodeJSON(s string, v any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}

func setPath(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	cur := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}
