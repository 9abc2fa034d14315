// Package reconcile merges partial extraction results into one record under
// the per-field strategies of a registry, then applies external overrides.
package reconcile

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-cli/internal/model"
)

// Mode is how the oracle was invoked for a phase.
type Mode string

const (
	// SingleCall sends every document in one oracle call.
	SingleCall Mode = "single"
	// MultiCall sends one oracle call per document.
	MultiCall Mode = "multi"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case SingleCall, "":
		return SingleCall, nil
	case MultiCall:
		return MultiCall, nil
	}
	return "", eris.Errorf("reconcile: unknown mode %q", s)
}

// Attribution names the document behind a value.
type Attribution struct {
	DocumentID string `json:"document_id,omitempty"`
	Source     string `json:"source,omitempty"`
	Annex      bool   `json:"-"`
}

// External is the attribution of injected overrides.
var External = Attribution{Source: model.SourceExternal}

func attributionOf(d *model.SourceDocument) Attribution {
	if d == nil {
		return Attribution{}
	}
	return Attribution{DocumentID: d.ID, Source: d.Filename, Annex: d.Type == model.DocumentAnnex}
}

// Resolved is the winning value of a field with its provenance. For list and
// composite fields Elements holds the attribution of each element, parallel
// to the value slice.
type Resolved struct {
	Value any
	Attribution
	Elements   []Attribution
	Origin     model.Origin
	Confidence float64
}

// Record is the reconciled output of one phase run.
type Record struct {
	Phase  model.Phase
	Mode   Mode
	Fields map[string]*Resolved
}

// NewRecord returns an empty record.
func NewRecord(phase model.Phase, mode Mode) *Record {
	return &Record{Phase: phase, Mode: mode, Fields: make(map[string]*Resolved)}
}

// Get returns the resolved field, or nil when nothing was claimed.
func (r *Record) Get(key string) *Resolved {
	if r == nil {
		return nil
	}
	return r.Fields[key]
}

// Value returns the resolved value of a field, or nil.
func (r *Record) Value(key string) any {
	if f := r.Get(key); f != nil {
		return f.Value
	}
	return nil
}

// Nested expands dotted keys into nested maps: the plain snapshot of the
// record without provenance.
func (r *Record) Nested() map[string]any {
	out := make(map[string]any)
	for key, f := range r.Fields {
		if f == nil || f.Value == nil {
			continue
		}
		setPath(out, key, f.Value)
	}
	return out
}

func setPath(m map[string]any, key string, v any) {
	parts := strings.Split(key, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// canonical renders v as JSON with sorted map keys, the identity used for
// structural equality.
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
