// Package registry declares, per extraction phase, every field the oracle may
// return: its value type, its merge strategy and the name it is stored under.
package registry

import (
	"github.com/sells-group/tender-cli/internal/model"
)

// Strategy selects how partial results for a field are merged.
type Strategy string

const (
	// Scalar keeps the first non-null claim unless an annex overrides it.
	Scalar Strategy = "scalar"
	// List unions values, deduplicated, first-seen order.
	List Strategy = "list"
	// Composite concatenates records, deduplicated by structural equality.
	Composite Strategy = "composite"
)

// Field describes one oracle output field.
type Field struct {
	// Key is the dotted path in the oracle reply, e.g. "submission_deadline.date".
	Key      string
	Type     model.ValueType
	Strategy Strategy
	// Enum restricts a text field to a closed set; other values become null.
	Enum []string
	// Children is the element schema of a composite field.
	Children []Field
	// Stored is the provenance field name; empty means the field only
	// appears in the phase snapshot.
	Stored string
	// Derived fields are computed locally; oracle values are discarded.
	Derived bool
}

// Child returns the child field with the given key, or nil.
func (f *Field) Child(key string) *Field {
	for i := range f.Children {
		if f.Children[i].Key == key {
			return &f.Children[i]
		}
	}
	return nil
}

// Allows reports whether v is accepted by the enum restriction.
func (f *Field) Allows(v string) bool {
	if len(f.Enum) == 0 {
		return true
	}
	for _, e := range f.Enum {
		if e == v {
			return true
		}
	}
	return false
}

// Registry is the ordered field table of one phase.
type Registry struct {
	Phase model.Phase
	// Snapshot is the stored name of the full reconciled record.
	Snapshot string
	Fields   []Field
	byKey    map[string]*Field
	byStored map[string]*Field
}

// New indexes fields for lookup by key and stored name.
func New(phase model.Phase, snapshot string, fields []Field) *Registry {
	r := &Registry{
		Phase:    phase,
		Snapshot: snapshot,
		Fields:   fields,
		byKey:    make(map[string]*Field, len(fields)),
		byStored: make(map[string]*Field, len(fields)),
	}
	for i := range r.Fields {
		f := &r.Fields[i]
		r.byKey[f.Key] = f
		if f.Stored != "" {
			r.byStored[f.Stored] = f
		}
	}
	return r
}

// ByKey returns the field for an oracle key, or nil.
func (r *Registry) ByKey(key string) *Field {
	return r.byKey[key]
}

// ByStored returns the field stored under name, or nil.
func (r *Registry) ByStored(name string) *Field {
	return r.byStored[name]
}

// Keys returns field keys in declaration order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = f.Key
	}
	return out
}

// StoredNames returns every provenance field name the phase writes,
// including the snapshot.
func (r *Registry) StoredNames() []string {
	out := make([]string, 0, len(r.byStored)+1)
	for _, f := range r.Fields {
		if f.Stored != "" {
			out = append(out, f.Stored)
		}
	}
	return append(out, r.Snapshot)
}

// For returns the registry of a phase.
func For(phase model.Phase) *Registry {
	if phase == model.PhaseDeep {
		return Deep()
	}
	return Listing()
}
