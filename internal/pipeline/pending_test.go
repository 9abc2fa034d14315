package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/oracle"
)

func TestRunPending(t *testing.T) {
	ctx := context.Background()
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		return listingReply(), nil
	}}
	p, st := newTestPipeline(t, o, func(o *Options) { o.MaxConcurrent = 2 })
	addCase(t, p, st, model.Case{Reference: "AO-P1"}, doc("avis.pdf", noticeText))
	addCase(t, p, st, model.Case{Reference: "AO-P2"}, doc("avis.pdf", noticeText))
	addCase(t, p, st, model.Case{Reference: "AO-P3"})

	s, err := p.RunPending(ctx, model.PhaseListing, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalPending)
	assert.Equal(t, 2, s.Analyzed)
	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "AO-P3")
	assert.Equal(t, 0, p.Cache().Len())

	again, err := p.RunPending(ctx, model.PhaseListing, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, again.TotalPending, "failed cases stay pending")

	deep, err := p.RunPending(ctx, model.PhaseDeep, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, deep.TotalPending, "deep sweeps honour the limit")
	assert.Equal(t, 1, deep.Analyzed)
}

func TestRunPending_Empty(t *testing.T) {
	p, _ := newTestPipeline(t, &stubOracle{}, nil)
	s, err := p.RunPending(context.Background(), model.PhaseDeep, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, s.TotalPending)
	assert.Empty(t, s.Errors)
}

func TestRunPending_UnknownPhase(t *testing.T) {
	p, _ := newTestPipeline(t, &stubOracle{}, nil)
	_, err := p.RunPending(context.Background(), model.Phase("x"), 5)
	assert.Error(t, err)
}
