// Package oracle calls an external language model to extract structured
// fields from document text and coerces the reply onto a field registry.
package oracle

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/registry"
	"github.com/sells-group/tender-cli/internal/resilience"
)

// Request is one extraction call.
type Request struct {
	Registry  *registry.Registry
	Documents []model.SourceDocument
	// Attributed asks the model to cite a source document per field.
	Attributed bool
	// Prior is an optional earlier snapshot given as context.
	Prior map[string]any
}

// Result is a decoded reply. Issues are fields nulled during validation.
type Result struct {
	Fields      map[string]any
	Attribution map[string]string
	Issues      []string
	Raw         string
}

// Options configures an Extractor.
type Options struct {
	Timeout          time.Duration
	RatePerSec       float64
	CircuitThreshold int
	// MaxChars is the per-document truncation limit by phase.
	MaxChars map[model.Phase]int
}

// DefaultOptions returns the production call limits.
func DefaultOptions() Options {
	return Options{
		Timeout:          120 * time.Second,
		RatePerSec:       2,
		CircuitThreshold: 5,
		MaxChars: map[model.Phase]int{
			model.PhaseListing: 50000,
			model.PhaseDeep:    40000,
		},
	}
}

// Extractor paces, bounds and guards calls to a Provider. It is safe for
// concurrent use.
type Extractor struct {
	provider Provider
	opts     Options
	limiter  *rate.Limiter
	breaker  *resilience.Breaker
}

// NewExtractor creates an Extractor. A nil provider yields configuration
// errors on every call.
func NewExtractor(p Provider, opts Options) *Extractor {
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	name := "oracle"
	if p != nil {
		name = p.Name()
	}
	return &Extractor{
		provider: p,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  resilience.NewBreaker(name, opts.CircuitThreshold, 30*time.Second),
	}
}

// Extract sends the documents in the given order and decodes the reply.
// Errors are always *Error. The oracle is not retried here; a failed call
// degrades the document or batch it was made for.
func (e *Extractor) Extract(ctx context.Context, req Request) (*Result, error) {
	doc := ""
	if len(req.Documents) == 1 {
		doc = req.Documents[0].Filename
	}
	if e.provider == nil {
		return nil, &Error{Kind: KindConfiguration, Err: eris.New("no oracle provider configured")}
	}
	if req.Registry == nil {
		return nil, &Error{Kind: KindConfiguration, Err: eris.New("no field registry")}
	}
	if len(req.Documents) == 0 {
		return nil, &Error{Kind: KindInput, Err: eris.New("no documents")}
	}

	prompt := BuildPrompt(req.Registry, req.Documents, e.opts.MaxChars[req.Registry.Phase], req.Attributed, req.Prior)

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindOracle, Document: doc, Err: err}
	}

	callCtx := ctx
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := resilience.Call(callCtx, e.breaker, func(ctx context.Context) (string, error) {
		return e.provider.Complete(ctx, prompt)
	})
	if err != nil {
		return nil, &Error{Kind: KindOracle, Document: doc, Err: err}
	}
	zap.L().Debug("oracle: reply",
		zap.String("provider", e.provider.Name()),
		zap.String("phase", string(req.Registry.Phase)),
		zap.Int("documents", len(req.Documents)),
		zap.Int("reply_chars", len(raw)),
		zap.Duration("elapsed", time.Since(start)),
	)

	obj, err := ExtractJSON(raw)
	if err != nil {
		return nil, &Error{Kind: KindParse, Document: doc, Excerpt: excerpt(raw), Err: err}
	}

	d := Decode(req.Registry, obj)
	if d.Matched == 0 {
		d.Issues = append(d.Issues, "reply matched no known field")
	}
	return &Result{Fields: d.Fields, Attribution: d.Attribution, Issues: d.Issues, Raw: raw}, nil
}
