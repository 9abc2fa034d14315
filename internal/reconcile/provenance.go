package reconcile

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/registry"
)

// Snapshot source locations, one per phase.
const (
	LocationListing = "listing_extraction"
	LocationDeep    = "deep_extraction"
)

// BuildFields converts a record into provenance rows, in registry order,
// followed by the snapshot row. Null values produce no row. Timestamps are
// left for the store to set.
func BuildFields(caseID string, rec *Record, reg *registry.Registry, primary *model.SourceDocument, policy registry.Policy) ([]model.ProvenanceField, error) {
	var out []model.ProvenanceField
	for i := range reg.Fields {
		f := &reg.Fields[i]
		res := rec.Get(f.Key)
		if res == nil || res.Value == nil || f.Stored == "" {
			continue
		}
		value, err := encodeValue(res)
		if err != nil {
			return nil, eris.Wrapf(err, "reconcile: encode %s", f.Key)
		}
		out = append(out, model.ProvenanceField{
			CaseID:         caseID,
			FieldName:      f.Stored,
			Value:          value,
			ValueType:      f.Type,
			DocumentID:     docRef(res.DocumentID),
			Confidence:     res.Confidence,
			SourceLocation: res.Source,
			Origin:         res.Origin,
		})
	}

	snap, err := json.Marshal(rec.Nested())
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: encode snapshot")
	}
	conf := policy.For(reg.Phase)
	snapConf := conf.SingleCall
	if rec.Mode == MultiCall {
		snapConf = conf.MultiCall
	}
	location := LocationListing
	if reg.Phase == model.PhaseDeep {
		location = LocationDeep
	}
	var primaryID string
	if primary != nil {
		primaryID = primary.ID
	}
	out = append(out, model.ProvenanceField{
		CaseID:         caseID,
		FieldName:      reg.Snapshot,
		Value:          string(snap),
		ValueType:      model.ValueJSON,
		DocumentID:     docRef(primaryID),
		Confidence:     snapConf,
		SourceLocation: location,
		Origin:         model.OriginAI,
	})
	return out, nil
}

func encodeValue(res *Resolved) (string, error) {
	switch v := res.Value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case []string:
		b, err := json.Marshal(v)
		return string(b), err
	case []map[string]any:
		// Each composite element records the document that supplied it.
		annotated := make([]map[string]any, len(v))
		for i, el := range v {
			cp := make(map[string]any, len(el)+2)
			for k, x := range el {
				cp[k] = x
			}
			if i < len(res.Elements) {
				cp["document_id"] = nullable(res.Elements[i].DocumentID)
				cp["source_document"] = nullable(res.Elements[i].Source)
			}
			annotated[i] = cp
		}
		b, err := json.Marshal(annotated)
		return string(b), err
	default:
		b, err := json.Marshal(v)
		return string(b), err
	}
}

func docRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
