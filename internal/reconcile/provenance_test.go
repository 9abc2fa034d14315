package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/registry"
)

func TestBuildFields(t *testing.T) {
	avis := testDoc("avis", model.DocumentNotice)
	e := newListingEngine()
	rec := e.Merge([]Contribution{
		{Document: avis, Fields: map[string]any{
			"subject":                "Travaux",
			"total_estimated_value":  json.Number("150000.50"),
			"keywords_fr":            []string{"voirie"},
			registry.KeyDeadlineDate: "2024-01-20",
			"lots":                   []map[string]any{{"lot_number": "1", "lot_subject": "Voirie", "lot_estimated_value": nil}},
		}},
	})
	ApplyExternal(rec, model.ExternalDeadline{Time: "10:00"}, 0.95)

	fields, err := BuildFields("case-1", rec, e.Registry(), avis, e.Policy())
	require.NoError(t, err)

	byName := map[string]model.ProvenanceField{}
	for _, f := range fields {
		assert.Equal(t, "case-1", f.CaseID)
		byName[f.FieldName] = f
	}

	subject := byName["avis_subject"]
	assert.Equal(t, "Travaux", subject.Value)
	assert.Equal(t, model.ValueText, subject.ValueType)
	require.NotNil(t, subject.DocumentID)
	assert.Equal(t, "avis", *subject.DocumentID)
	assert.Equal(t, "avis.pdf", subject.SourceLocation)

	assert.Equal(t, "150000.50", byName["avis_total_estimated_value"].Value)
	assert.Equal(t, `["voirie"]`, byName["keywords_fr"].Value)
	assert.Equal(t, model.ValueList, byName["keywords_fr"].ValueType)

	tm := byName["avis_submission_deadline_time"]
	assert.Equal(t, "10:00", tm.Value)
	assert.Nil(t, tm.DocumentID)
	assert.Equal(t, model.SourceExternal, tm.SourceLocation)
	assert.Equal(t, model.OriginExternal, tm.Origin)

	var lots []map[string]any
	require.NoError(t, json.Unmarshal([]byte(byName["avis_lots"].Value), &lots))
	require.Len(t, lots, 1)
	assert.Equal(t, "avis", lots[0]["document_id"])
	assert.Equal(t, "avis.pdf", lots[0]["source_document"])

	_, hasNull := byName["avis_reference_tender"]
	assert.False(t, hasNull, "null values are never stored")

	snap := byName["avis_metadata"]
	assert.Equal(t, model.ValueJSON, snap.ValueType)
	assert.Equal(t, LocationListing, snap.SourceLocation)
	var nested map[string]any
	require.NoError(t, json.Unmarshal([]byte(snap.Value), &nested))
	assert.Equal(t, "Travaux", nested["subject"])
	deadline := nested["submission_deadline"].(map[string]any)
	assert.Equal(t, "2024-01-20", deadline["date"])
	assert.Equal(t, "10:00", deadline["time"])
	assert.Equal(t, "avis_metadata", fields[len(fields)-1].FieldName, "snapshot row is last")
}

func TestBuildFields_DeepSnapshotConfidence(t *testing.T) {
	e := NewEngine(registry.Deep(), registry.DefaultPolicy())
	rec := e.Merge([]Contribution{{Document: testDoc("cps", model.DocumentSpecialConditions), Fields: map[string]any{"subject": "x"}}})
	fields, err := BuildFields("c", rec, e.Registry(), nil, e.Policy())
	require.NoError(t, err)
	require.Len(t, fields, 2)
	snap := fields[1]
	assert.Equal(t, "universal_analysis", snap.FieldName)
	assert.Equal(t, LocationDeep, snap.SourceLocation)
	assert.Nil(t, snap.DocumentID)
	assert.InDelta(t, registry.DefaultPolicy().Deep.MultiCall, snap.Confidence, 0.0001)
}
