package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/registry"
	"github.com/sells-group/tender-cli/internal/resilience"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.RatePerSec = 0
	opts.Timeout = time.Second
	return opts
}

func docs(names ...string) []model.SourceDocument {
	out := make([]model.SourceDocument, len(names))
	for i, n := range names {
		out[i] = model.SourceDocument{ID: n, Filename: n + ".pdf", Type: model.DocumentNotice, Text: "texte " + n}
	}
	return out
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "plain", raw: `{"subject":"x"}`, want: "x"},
		{name: "fenced", raw: "```json\n{\"subject\": \"x\"}\n```", want: "x"},
		{name: "prose around", raw: "Voici le résultat :\n{\"subject\": \"x\"}\nCordialement", want: "x"},
		{name: "no object", raw: "I could not read the document.", wantErr: true},
		{name: "broken", raw: `{"subject": "x",`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got["subject"])
		})
	}
}

func TestExtractJSON_KeepsNumbers(t *testing.T) {
	got, err := ExtractJSON(`{"total_estimated_value": 150000.50}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("150000.50"), got["total_estimated_value"])
}

func TestDecode(t *testing.T) {
	obj, err := ExtractJSON(`{
		"reference_tender": {"value": "AO 12/2024", "source_document": "avis.pdf"},
		"tender_type": "AOOX",
		"subject": "null",
		"total_estimated_value": 250000,
		"submission_deadline": {"date": "2024-01-20", "time": {"value": "10:00", "source_document": "RC"}},
		"keywords_fr": ["voirie", "", 12],
		"required_documents": "not a list",
		"lots": [
			{"lot_number": 1, "lot_subject": "Voirie", "lot_estimated_value": "100 000,00", "unknown": true},
			"garbage"
		]
	}`)
	require.NoError(t, err)

	d := Decode(registry.Listing(), obj)

	assert.Equal(t, "AO 12/2024", d.Fields["reference_tender"])
	assert.Equal(t, "avis.pdf", d.Attribution["reference_tender"])
	assert.NotContains(t, d.Fields, "tender_type", "enum mismatch is nulled")
	assert.NotContains(t, d.Fields, "subject", "null literal")
	assert.Equal(t, json.Number("250000"), d.Fields["total_estimated_value"])
	assert.Equal(t, "2024-01-20", d.Fields[registry.KeyDeadlineDate])
	assert.Equal(t, "10:00", d.Fields[registry.KeyDeadlineTime])
	assert.Equal(t, "RC", d.Attribution[registry.KeyDeadlineTime])
	assert.Equal(t, []string{"voirie", "12"}, d.Fields["keywords_fr"])
	assert.NotContains(t, d.Fields, "required_documents")

	lots := d.Fields["lots"].([]map[string]any)
	require.Len(t, lots, 1)
	assert.Equal(t, map[string]any{
		"lot_number":          "1",
		"lot_subject":         "Voirie",
		"lot_estimated_value": "100 000,00",
	}, lots[0])

	joined := strings.Join(d.Issues, "\n")
	assert.Contains(t, joined, "tender_type")
	assert.Contains(t, joined, "required_documents")
	assert.Contains(t, joined, "element 1")
	assert.Equal(t, 9, d.Matched)
}

func TestDecode_DeepDropsDerived(t *testing.T) {
	obj, err := ExtractJSON(`{"lots": [{"lot_number": "1", "estimated_caution_definitive_value": 42,
		"items": [{"item_name": "Ciment", "quantity": 10}]}]}`)
	require.NoError(t, err)

	d := Decode(registry.Deep(), obj)
	lots := d.Fields["lots"].([]map[string]any)
	require.Len(t, lots, 1)
	v, ok := lots[0][registry.LotGuaranteeValue]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Nil(t, lots[0]["caution_provisoire"])
	items := lots[0]["items"].([]map[string]any)
	assert.Equal(t, "10", items[0]["quantity"])
	assert.Nil(t, items[0]["technical_description_full"])
}

func TestBuildPrompt(t *testing.T) {
	d := docs("avis")
	d[0].Text = strings.Repeat("é", 20)
	p := BuildPrompt(registry.Listing(), d, 10, true, nil)

	assert.Equal(t, model.PhaseListing, p.Phase)
	assert.Equal(t, 4000, p.MaxTokens)
	assert.InDelta(t, 0.1, p.Temperature, 0.0001)
	assert.True(t, strings.HasPrefix(p.User, "[AVIS] avis.pdf\n"))
	assert.Contains(t, p.User, strings.Repeat("é", 10)+truncationMarker)
	assert.NotContains(t, p.User, strings.Repeat("é", 11))
	assert.Contains(t, p.System, "source_document")
	assert.Contains(t, p.System, `"AOON|AOOI|null"`)

	deep := BuildPrompt(registry.Deep(), d, 0, false, map[string]any{"subject": "x"})
	assert.Equal(t, 8000, deep.MaxTokens)
	assert.Zero(t, deep.Temperature)
	assert.NotContains(t, deep.System, "source_document")
	assert.NotContains(t, deep.System, registry.LotGuaranteeValue)
	assert.True(t, strings.HasPrefix(deep.User, "Earlier listing analysis"))
}

func TestBuildPrompt_PhasePrecedence(t *testing.T) {
	d := []model.SourceDocument{
		{Filename: "cps.pdf", Type: model.DocumentSpecialConditions, Text: "cps"},
		{Filename: "rc.pdf", Type: model.DocumentRegulation, Text: "rc"},
		{Filename: "avis.pdf", Type: model.DocumentNotice, Text: "avis"},
	}

	deep := BuildPrompt(registry.Deep(), d, 0, true, nil)
	assert.Contains(t, deep.System, "latest ANNEXE > CPS > RC > AVIS > UNKNOWN")
	assert.Contains(t, deep.System, "most recent one wins")

	listing := BuildPrompt(registry.Listing(), d, 0, true, nil)
	assert.Contains(t, listing.System, "latest ANNEXE > AVIS > RC > CPS > UNKNOWN")
	assert.NotContains(t, listing.System, "CPS > RC > AVIS")

	perDocument := BuildPrompt(registry.Deep(), d[:1], 0, false, nil)
	assert.NotContains(t, perDocument.System, "precedence")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 3))
	assert.Equal(t, "ab"+truncationMarker, Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 0))
}

func TestExtract(t *testing.T) {
	var seen Prompt
	p := ProviderFunc(func(_ context.Context, pr Prompt) (string, error) {
		seen = pr
		return "```json\n{\"subject\": \"Travaux\"}\n```", nil
	})
	e := NewExtractor(p, testOptions())

	res, err := e.Extract(context.Background(), Request{Registry: registry.Listing(), Documents: docs("a", "b")})
	require.NoError(t, err)
	assert.Equal(t, "Travaux", res.Fields["subject"])
	assert.Empty(t, res.Issues)
	assert.Contains(t, seen.User, "[AVIS] a.pdf")
	assert.Contains(t, seen.User, "[AVIS] b.pdf")
}

func TestExtract_Errors(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		req      Request
		want     Kind
		document string
	}{
		{
			name: "no provider",
			req:  Request{Registry: registry.Listing(), Documents: docs("a")},
			want: KindConfiguration,
		},
		{
			name:     "no documents",
			provider: ProviderFunc(func(context.Context, Prompt) (string, error) { return "{}", nil }),
			req:      Request{Registry: registry.Listing()},
			want:     KindInput,
		},
		{
			name: "provider failure",
			provider: ProviderFunc(func(context.Context, Prompt) (string, error) {
				return "", errors.New("connection refused")
			}),
			req:      Request{Registry: registry.Listing(), Documents: docs("a")},
			want:     KindOracle,
			document: "a.pdf",
		},
		{
			name: "timeout",
			provider: ProviderFunc(func(ctx context.Context, _ Prompt) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			}),
			req:  Request{Registry: registry.Listing(), Documents: docs("a", "b")},
			want: KindOracle,
		},
		{
			name: "malformed reply",
			provider: ProviderFunc(func(context.Context, Prompt) (string, error) {
				return `{"subject": "Travaux", "lots": [`, nil
			}),
			req:      Request{Registry: registry.Listing(), Documents: docs("a")},
			want:     KindParse,
			document: "a.pdf",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.Timeout = 20 * time.Millisecond
			e := NewExtractor(tt.provider, opts)
			_, err := e.Extract(context.Background(), tt.req)
			require.Error(t, err)

			var oe *Error
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, tt.want, oe.Kind)
			assert.Equal(t, tt.document, oe.Document)
			assert.Equal(t, tt.want, KindOf(err))
			if tt.want == KindParse {
				assert.Contains(t, oe.Excerpt, `"subject": "Travaux"`)
				assert.Contains(t, err.Error(), "reply:")
			}
		})
	}
}

func TestExtract_UnknownShapeIsAnIssue(t *testing.T) {
	p := ProviderFunc(func(context.Context, Prompt) (string, error) { return `{"foo": 1}`, nil })
	res, err := NewExtractor(p, testOptions()).Extract(context.Background(), Request{Registry: registry.Listing(), Documents: docs("a")})
	require.NoError(t, err)
	assert.Empty(t, res.Fields)
	assert.Equal(t, []string{"reply matched no known field"}, res.Issues)
}

func TestExtract_CircuitOpens(t *testing.T) {
	calls := 0
	p := ProviderFunc(func(context.Context, Prompt) (string, error) {
		calls++
		return "", resilience.Transient(errors.New("503"), 503)
	})
	opts := testOptions()
	opts.CircuitThreshold = 2
	e := NewExtractor(p, opts)
	req := Request{Registry: registry.Listing(), Documents: docs("a")}

	for i := 0; i < 3; i++ {
		_, err := e.Extract(context.Background(), req)
		assert.Equal(t, KindOracle, KindOf(err))
	}
	assert.Equal(t, 2, calls, "open circuit short-circuits the third call")
}

func TestFatal(t *testing.T) {
	assert.True(t, Fatal(&Error{Kind: KindConfiguration}))
	assert.True(t, Fatal(&Error{Kind: KindInput}))
	assert.False(t, Fatal(&Error{Kind: KindParse}))
	assert.False(t, Fatal(errors.New("x")))
}
