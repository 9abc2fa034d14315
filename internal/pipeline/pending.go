package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/tender-cli/internal/model"
)

// RunPending runs a phase on up to limit pending cases (the store default
// when limit is 0), at most MaxConcurrent at a time. A failing case never
// stops the sweep; its errors are collected in the returned summary. The
// document cache is cleared when the sweep ends.
func (p *Pipeline) RunPending(ctx context.Context, phase model.Phase, limit int) (*model.PendingSummary, error) {
	if !phase.Valid() {
		return nil, eris.Errorf("pipeline: unknown phase %q", phase)
	}
	cases, err := p.store.ListPending(ctx, phase, limit)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list pending")
	}
	defer p.cache.Clear()

	summary := &model.PendingSummary{TotalPending: len(cases), Errors: []string{}}
	if len(cases) == 0 {
		return summary, nil
	}

	start := time.Now()
	zap.L().Info("pipeline: pending sweep started",
		zap.String("phase", string(phase)),
		zap.Int("cases", len(cases)),
	)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(max(1, p.opts.MaxConcurrent))
	for _, c := range cases {
		g.Go(func() error {
			s, err := p.Run(ctx, c.ID, phase, RunOptions{})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", c.Reference, err))
			case s.Status == model.SummaryFailed:
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", c.Reference, strings.Join(s.Errors, "; ")))
			default:
				summary.Analyzed++
			}
			return nil
		})
	}
	_ = g.Wait()

	zap.L().Info("pipeline: pending sweep finished",
		zap.String("phase", string(phase)),
		zap.Int("analyzed", summary.Analyzed),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if err := ctx.Err(); err != nil {
		return summary, eris.Wrap(err, "pipeline: pending sweep cancelled")
	}
	return summary, nil
}
