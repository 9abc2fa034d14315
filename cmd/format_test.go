package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-cli/internal/config"
	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/pipeline"
)

func TestFormatCaseList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	listed := now.Add(time.Hour)
	cases := []model.Case{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			Reference: "AO-2025-017",
			Status:    model.CaseStatusCompleted,
			ListingAt: &listed,
			CreatedAt: now,
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Reference: "Appel d'offres ouvert relatif aux travaux d'aménagement urbain",
			Status:    model.CaseStatusPending,
			CreatedAt: now,
		},
	}

	var buf bytes.Buffer
	formatCaseList(&buf, cases)

	out := buf.String()
	assert.Contains(t, out, "REFERENCE")
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "AO-2025-017")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "2025-06-15 11:30")
	assert.Contains(t, out, "Appel d'offres ouvert relatif aux tra...")
}

func TestFormatProvenance(t *testing.T) {
	prevNoColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prevNoColor })

	rows := []pipeline.ProvenanceRow{
		{
			ProvenanceField: model.ProvenanceField{
				FieldName:      "reference",
				Value:          "AO-2025-017",
				Confidence:     0.9,
				SourceLocation: "AVIS",
				Origin:         model.OriginAI,
			},
			SourceDocument: "avis.pdf",
		},
		{
			ProvenanceField: model.ProvenanceField{
				FieldName:      "deadline_date",
				Value:          "2025-07-01",
				Confidence:     0.95,
				SourceLocation: model.SourceExternal,
				Origin:         model.OriginExternal,
				IsVerified:     true,
			},
		},
	}

	var buf bytes.Buffer
	formatProvenance(&buf, rows)

	out := buf.String()
	assert.Contains(t, out, "FIELD")
	assert.Contains(t, out, "avis.pdf")
	assert.Contains(t, out, "0.90")
	assert.Contains(t, out, "external")
	assert.Contains(t, out, "yes")
	assert.NotContains(t, out, "\x1b[")
}

func TestOriginColor(t *testing.T) {
	verified := model.ProvenanceField{IsVerified: true, Origin: model.OriginAI, Confidence: 0.5}
	assert.Equal(t, color.New(color.FgHiGreen), originColor(verified))

	ext := model.ProvenanceField{Origin: model.OriginExternal, Confidence: 0.95}
	assert.Equal(t, color.New(color.FgCyan), originColor(ext))

	low := model.ProvenanceField{Origin: model.OriginAI, Confidence: 0.5}
	assert.Equal(t, color.New(color.FgYellow), originColor(low))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "éléme...", truncate("éléments du marché", 8))
}

func TestParseDeadline(t *testing.T) {
	plusOne := time.FixedZone("+01", 3600)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-07-01T10:00:00Z", time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)},
		{"2025-07-01 10:00", time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)},
		{"2025-07-01", time.Date(2025, 6, 30, 23, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDeadline(tt.in, plusOne)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, err := parseDeadline("next tuesday", time.UTC)
	assert.Error(t, err)
}

func TestOracleOptions(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = &config.Config{
		Oracle: config.OracleConfig{TimeoutSecs: 30, RatePerSec: 0.5, CircuitThreshold: 2},
		Pipeline: config.PipelineConfig{
			ListingMaxChars: 1000,
		},
	}
	opts := oracleOptions()
	assert.Equal(t, 30*time.Second, opts.Timeout)
	assert.Equal(t, 0.5, opts.RatePerSec)
	assert.Equal(t, 2, opts.CircuitThreshold)
	assert.Equal(t, 1000, opts.MaxChars[model.PhaseListing])
	assert.Equal(t, 40000, opts.MaxChars[model.PhaseDeep])
}

func TestInitProvider(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = &config.Config{
		Oracle:   config.OracleConfig{Provider: "deepseek"},
		DeepSeek: config.DeepSeekConfig{Model: "deepseek-chat"},
	}
	p, info := initProvider()
	assert.Nil(t, p)
	assert.False(t, info.Configured)
	assert.Equal(t, "deepseek", info.Provider)

	cfg.DeepSeek.Key = "sk-test"
	p, info = initProvider()
	require.NotNil(t, p)
	assert.True(t, info.Configured)
	assert.Equal(t, "deepseek", p.Name())

	cfg.Oracle.Provider = "anthropic"
	cfg.Anthropic = config.AnthropicConfig{Key: "sk-ant", Model: "claude-sonnet-4-5-20250929"}
	p, info = initProvider()
	require.NotNil(t, p)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, "claude-sonnet-4-5-20250929", info.Model)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}
	_, err := initStore(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}
