package reconcile

import (
	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/registry"
)

// ApplyExternal writes the parts of an external deadline that are present
// over the document-derived values, whatever their authority. A missing part
// leaves the document value in place. It returns the keys overridden.
func ApplyExternal(rec *Record, ext model.ExternalDeadline, confidence float64) []string {
	var applied []string
	set := func(key, value string) {
		if value == "" {
			return
		}
		rec.Fields[key] = &Resolved{
			Value:       value,
			Attribution: External,
			Origin:      model.OriginExternal,
			Confidence:  confidence,
		}
		applied = append(applied, key)
	}
	set(registry.KeyDeadlineDate, ext.Date)
	set(registry.KeyDeadlineTime, ext.Time)
	return applied
}
