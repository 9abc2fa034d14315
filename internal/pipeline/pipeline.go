// Package pipeline runs the listing and deep phases of a case: classify,
// order, extract, reconcile, derive, override and commit.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-cli/internal/classify"
	"github.com/sells-group/tender-cli/internal/config"
	"github.com/sells-group/tender-cli/internal/derive"
	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/oracle"
	"github.com/sells-group/tender-cli/internal/priority"
	"github.com/sells-group/tender-cli/internal/reconcile"
	"github.com/sells-group/tender-cli/internal/registry"
	"github.com/sells-group/tender-cli/internal/store"
)

var (
	// ErrCaseBusy is returned when a run is requested for a case that is
	// already running, in this process or another sharing the store.
	ErrCaseBusy = eris.New("pipeline: case is already running")
	// ErrNotFound is returned for unknown cases.
	ErrNotFound = eris.New("pipeline: case not found")
)

// claimTTL bounds how long a run holds a case without a status update.
const claimTTL = 30 * time.Minute

// Oracle extracts registry fields from documents.
type Oracle interface {
	Extract(ctx context.Context, req oracle.Request) (*oracle.Result, error)
}

// Options configures a Pipeline.
type Options struct {
	ListingMode    reconcile.Mode
	DeepMode       reconcile.Mode
	FirstPageChars int
	MinTextChars   int
	MaxConcurrent  int
	Policy         registry.Policy
	// DeadlineZone is the zone a stored listing deadline is read in.
	DeadlineZone *time.Location
}

// DefaultOptions returns single-call modes and the default policy.
func DefaultOptions() Options {
	return Options{
		ListingMode:    reconcile.SingleCall,
		DeepMode:       reconcile.SingleCall,
		FirstPageChars: classify.DefaultFirstPage,
		MinTextChars:   100,
		MaxConcurrent:  4,
		Policy:         registry.DefaultPolicy(),
		DeadlineZone:   time.UTC,
	}
}

// OptionsFromConfig parses modes and loads the confidence policy file.
func OptionsFromConfig(cfg config.PipelineConfig) (Options, error) {
	opts := DefaultOptions()
	var err error
	if opts.ListingMode, err = reconcile.ParseMode(cfg.ListingMode); err != nil {
		return Options{}, err
	}
	if opts.DeepMode, err = reconcile.ParseMode(cfg.DeepMode); err != nil {
		return Options{}, err
	}
	if cfg.FirstPageChars > 0 {
		opts.FirstPageChars = cfg.FirstPageChars
	}
	if cfg.MinTextChars > 0 {
		opts.MinTextChars = cfg.MinTextChars
	}
	if cfg.MaxConcurrentCases > 0 {
		opts.MaxConcurrent = cfg.MaxConcurrentCases
	}
	if cfg.PolicyFile != "" {
		if opts.Policy, err = registry.LoadPolicy(cfg.PolicyFile); err != nil {
			return Options{}, err
		}
	}
	if opts.DeadlineZone, err = cfg.DeadlineLocation(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) mode(phase model.Phase) reconcile.Mode {
	if phase == model.PhaseDeep {
		return o.DeepMode
	}
	return o.ListingMode
}

// RunOptions tunes one run.
type RunOptions struct {
	// Force re-runs a completed deep phase and purges the phase's
	// unverified fields before writing.
	Force bool
	// External overrides the case's listing deadline.
	External *model.ExternalDeadline
}

// Pipeline orchestrates phase runs over a store and an oracle. It is safe
// for concurrent use; runs of the same case are rejected with ErrCaseBusy.
type Pipeline struct {
	store      store.Store
	oracle     Oracle
	classifier *classify.Classifier
	opts       Options
	cache      *DocumentCache
	guard      *Guard
}

// New creates a Pipeline.
func New(st store.Store, o Oracle, opts Options) *Pipeline {
	return &Pipeline{
		store:      st,
		oracle:     o,
		classifier: classify.New(classify.WithFirstPage(opts.FirstPageChars)),
		opts:       opts,
		cache:      NewDocumentCache(st.ListDocuments),
		guard:      NewGuard(),
	}
}

// Cache returns the document cache owned by the pipeline.
func (p *Pipeline) Cache() *DocumentCache {
	return p.cache
}

// AddDocument stores a document and invalidates the cached documents of
// its case.
func (p *Pipeline) AddDocument(ctx context.Context, doc model.SourceDocument) (*model.SourceDocument, error) {
	if _, err := p.getCase(ctx, doc.CaseID); err != nil {
		return nil, err
	}
	saved, err := p.store.AddDocument(ctx, doc)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: add document")
	}
	p.cache.Forget(doc.CaseID)
	return saved, nil
}

// RunListing runs the listing phase on a case.
func (p *Pipeline) RunListing(ctx context.Context, caseID string, ro RunOptions) (*model.RunSummary, error) {
	return p.Run(ctx, caseID, model.PhaseListing, ro)
}

// RunDeep runs the deep phase on a case. A case whose deep phase already
// completed returns its cached summary unless ro.Force is set.
func (p *Pipeline) RunDeep(ctx context.Context, caseID string, ro RunOptions) (*model.RunSummary, error) {
	return p.Run(ctx, caseID, model.PhaseDeep, ro)
}

// Run executes one phase on a case end to end. Document and oracle
// failures are reported in the summary; the returned error is reserved for
// unknown or busy cases, storage failures and cancellation.
func (p *Pipeline) Run(ctx context.Context, caseID string, phase model.Phase, ro RunOptions) (*model.RunSummary, error) {
	if !phase.Valid() {
		return nil, eris.Errorf("pipeline: unknown phase %q", phase)
	}
	release, ok := p.guard.Acquire(caseID)
	if !ok {
		return nil, eris.Wrapf(ErrCaseBusy, "case %s", caseID)
	}
	defer release()
	defer p.cache.Forget(caseID)

	c, err := p.getCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if phase == model.PhaseDeep && c.DeepAt != nil && !ro.Force {
		return cachedSummary(c), nil
	}
	if err := p.claim(ctx, c); err != nil {
		return nil, err
	}

	r := &run{
		p:     p,
		c:     c,
		phase: phase,
		ro:    ro,
		log:   zap.L().With(zap.String("case_id", caseID), zap.String("phase", string(phase))),
		summary: &model.RunSummary{
			CaseID:    c.ID,
			Phase:     phase,
			Reference: c.Reference,
			Errors:    []string{},
		},
	}
	start := time.Now()
	r.log.Info("pipeline: run started", zap.String("reference", c.Reference))

	summary, err := r.execute(ctx)
	if err != nil {
		return r.summary, r.abort(ctx, err)
	}
	r.log.Info("pipeline: run finished",
		zap.String("status", summary.Status),
		zap.Int("documents", summary.DocumentsAnalyzed),
		zap.Int("fields", summary.FieldsExtracted),
		zap.Int("errors", len(summary.Errors)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return summary, nil
}

// claim takes the case in the store so runs in other processes see it busy.
// A claim older than claimTTL is treated as left over by a dead process.
func (p *Pipeline) claim(ctx context.Context, c *model.Case) error {
	if !model.CanTransition(c.Status, model.CaseStatusClassified) {
		zap.L().Warn("pipeline: unexpected status transition",
			zap.String("case_id", c.ID),
			zap.String("from", string(c.Status)),
			zap.String("to", string(model.CaseStatusClassified)),
		)
	}
	err := p.store.ClaimCase(ctx, c.ID, time.Now().Add(-claimTTL))
	switch {
	case errors.Is(err, store.ErrCaseClaimed):
		return eris.Wrapf(ErrCaseBusy, "case %s", c.ID)
	case isNotFound(err):
		return eris.Wrapf(ErrNotFound, "case %s", c.ID)
	case err != nil:
		return eris.Wrapf(err, "pipeline: claim case %s", c.ID)
	}
	c.Status = model.CaseStatusClassified
	return nil
}

func (p *Pipeline) getCase(ctx context.Context, caseID string) (*model.Case, error) {
	c, err := p.store.GetCase(ctx, caseID)
	if isNotFound(err) {
		return nil, eris.Wrapf(ErrNotFound, "case %s", caseID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load case %s", caseID)
	}
	return c, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// run is the state of one phase run.
type run struct {
	p       *Pipeline
	c       *model.Case
	phase   model.Phase
	ro      RunOptions
	log     *zap.Logger
	summary *model.RunSummary
}

func (r *run) execute(ctx context.Context) (*model.RunSummary, error) {
	docs, err := r.p.cache.Get(ctx, r.c.ID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load documents")
	}

	usable := r.classify(ctx, docs)
	if len(usable) == 0 {
		r.summary.AddError(fmt.Sprintf("input error: no document has %d characters of text", r.p.opts.MinTextChars))
		return r.commit(ctx, nil, nil, 0)
	}

	seq := priority.Order(r.phase, usable)
	if r.phase == model.PhaseListing {
		seq = priority.ListingInputs(seq)
	}

	if err := r.advance(ctx, model.CaseStatusExtracting); err != nil {
		return nil, err
	}
	reg := registry.For(r.phase)
	engine := reconcile.NewEngine(reg, r.p.opts.Policy)
	prior := r.prior(ctx)

	var (
		rec         *reconcile.Record
		contributed int
	)
	if r.p.opts.mode(r.phase) == reconcile.MultiCall {
		rec, contributed, err = r.extractEach(ctx, engine, seq, prior)
	} else {
		rec, contributed, err = r.extractAll(ctx, engine, seq, prior)
	}
	if err != nil {
		return nil, err
	}

	if err := r.advance(ctx, model.CaseStatusReconciled); err != nil {
		return nil, err
	}
	if contributed == 0 {
		return r.commit(ctx, nil, nil, 0)
	}

	if r.phase == model.PhaseDeep {
		n := derive.Apply(rec, derive.GuaranteeRule)
		r.log.Debug("pipeline: derived values", zap.Int("computed", n))
	}
	if keys := reconcile.ApplyExternal(rec, r.external(), r.p.opts.Policy.External); len(keys) > 0 {
		r.log.Debug("pipeline: external overrides applied", zap.Strings("keys", keys))
	}

	fields, err := reconcile.BuildFields(r.c.ID, rec, reg, seq.Primary(), r.p.opts.Policy)
	if err != nil {
		return nil, err
	}
	return r.commit(ctx, reg, fields, contributed)
}

// classify recomputes document types, persists changed ones, detects annex
// dates and drops documents without usable text.
func (r *run) classify(ctx context.Context, docs []model.SourceDocument) []model.SourceDocument {
	classified := r.p.classifier.ClassifyAll(docs)
	usable := make([]model.SourceDocument, 0, len(classified))
	for i := range classified {
		d := classified[i]
		if d.Type != docs[i].Type {
			if err := r.p.store.SetDocumentType(ctx, d.ID, d.Type); err != nil {
				r.log.Warn("pipeline: persist document type", zap.String("document_id", d.ID), zap.Error(err))
			}
		}
		if d.Type == model.DocumentAnnex && d.IssuedAt == nil {
			d.IssuedAt = classify.DetectIssueDate(d.FirstPage(r.p.classifier.FirstPage()))
		}
		if !d.Usable(r.p.opts.MinTextChars) {
			r.summary.AddWarning(fmt.Sprintf("%s: skipped, %d characters of text", d.Filename, model.TextChars(d.Text)))
			continue
		}
		usable = append(usable, d)
	}
	return usable
}

// extractAll sends the whole sequence in one call.
func (r *run) extractAll(ctx context.Context, engine *reconcile.Engine, seq priority.Sequence, prior map[string]any) (*reconcile.Record, int, error) {
	docs := seq.All()
	res, err := r.p.oracle.Extract(ctx, oracle.Request{
		Registry:   engine.Registry(),
		Documents:  docs,
		Attributed: true,
		Prior:      prior,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		r.summary.AddError(err.Error())
		return reconcile.NewRecord(r.phase, reconcile.SingleCall), 0, nil
	}
	for _, issue := range res.Issues {
		r.summary.AddWarning(issue)
	}
	c := reconcile.Contribution{Fields: res.Fields, Attribution: res.Attribution}
	return engine.Adopt(c, docs, seq.Primary()), len(docs), nil
}

// extractEach calls the oracle once per document in sequence order. A
// failed document is listed and skipped; a configuration error stops the
// loop since every later call would fail the same way.
func (r *run) extractEach(ctx context.Context, engine *reconcile.Engine, seq priority.Sequence, prior map[string]any) (*reconcile.Record, int, error) {
	var contributions []reconcile.Contribution
	for _, d := range seq.All() {
		res, err := r.p.oracle.Extract(ctx, oracle.Request{
			Registry:  engine.Registry(),
			Documents: []model.SourceDocument{d},
			Prior:     prior,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, 0, ctx.Err()
			}
			r.summary.AddError(err.Error())
			r.log.Warn("pipeline: document failed", zap.String("document", d.Filename), zap.Error(err))
			if oracle.Fatal(err) {
				break
			}
			continue
		}
		for _, issue := range res.Issues {
			r.summary.AddWarning(d.Filename + ": " + issue)
		}
		contributions = append(contributions, reconcile.Contribution{Document: &d, Fields: res.Fields})
	}
	return engine.Merge(contributions), len(contributions), nil
}

// prior loads the listing snapshot as context for the deep phase.
func (r *run) prior(ctx context.Context) map[string]any {
	if r.phase != model.PhaseDeep {
		return nil
	}
	f, err := r.p.store.GetField(ctx, r.c.ID, registry.For(model.PhaseListing).Snapshot)
	if err != nil {
		if !isNotFound(err) {
			r.log.Warn("pipeline: load listing snapshot", zap.Error(err))
		}
		return nil
	}
	var snap map[string]any
	if err := json.Unmarshal([]byte(f.Value), &snap); err != nil {
		r.log.Warn("pipeline: decode listing snapshot", zap.Error(err))
		return nil
	}
	return snap
}

func (r *run) external() model.ExternalDeadline {
	if r.ro.External != nil {
		return *r.ro.External
	}
	if r.c.ExternalDeadline != nil {
		return model.DeadlineFromTime(*r.c.ExternalDeadline, r.p.opts.DeadlineZone)
	}
	return model.ExternalDeadline{}
}

// commit writes fields, status and summary in one batch. The case
// completes when at least one document contributed.
func (r *run) commit(ctx context.Context, reg *registry.Registry, fields []model.ProvenanceField, contributed int) (*model.RunSummary, error) {
	s := r.summary
	s.DocumentsAnalyzed = contributed
	if len(fields) > 0 {
		s.FieldsExtracted = len(fields) - 1
	}

	batch := model.Batch{CaseID: r.c.ID, Phase: r.phase, Fields: fields}
	switch {
	case contributed == 0:
		s.Status = model.SummaryFailed
		batch.Status = model.CaseStatusFailed
		batch.Fields = nil
	case len(s.Errors) > 0:
		s.Status = model.SummaryPartial
		batch.Status = model.CaseStatusCompleted
	default:
		s.Status = model.SummaryCompleted
		batch.Status = model.CaseStatusCompleted
	}
	if r.ro.Force && reg != nil && batch.Status == model.CaseStatusCompleted {
		batch.ReplaceAI = true
		batch.Owned = reg.StoredNames()
	}
	batch.Summary = *s

	if err := r.p.store.CommitBatch(ctx, batch); err != nil {
		return nil, eris.Wrap(err, "pipeline: commit batch")
	}
	r.c.Status = batch.Status
	return s, nil
}

func (r *run) advance(ctx context.Context, to model.CaseStatus) error {
	if !model.CanTransition(r.c.Status, to) {
		r.log.Warn("pipeline: unexpected status transition",
			zap.String("from", string(r.c.Status)),
			zap.String("to", string(to)),
		)
	}
	if err := r.p.store.UpdateCaseStatus(ctx, r.c.ID, to); err != nil {
		return eris.Wrapf(err, "pipeline: set status %s", to)
	}
	r.c.Status = to
	return nil
}

// abort marks the case failed without committing any field. It runs on a
// context detached from cancellation so a cancelled run still records its
// outcome.
func (r *run) abort(ctx context.Context, cause error) error {
	s := r.summary
	s.Status = model.SummaryFailed
	if ctx.Err() != nil {
		s.AddError("run cancelled: " + ctx.Err().Error())
		cause = eris.Wrap(ctx.Err(), "pipeline: run cancelled")
	} else {
		s.AddError(cause.Error())
	}

	batch := model.Batch{CaseID: r.c.ID, Phase: r.phase, Status: model.CaseStatusFailed, Summary: *s}
	if err := r.p.store.CommitBatch(context.WithoutCancel(ctx), batch); err != nil {
		r.log.Error("pipeline: mark case failed", zap.Error(err))
	}
	r.log.Error("pipeline: run aborted", zap.Error(cause))
	return cause
}

func cachedSummary(c *model.Case) *model.RunSummary {
	s := model.RunSummary{CaseID: c.ID, Phase: model.PhaseDeep, Reference: c.Reference, Errors: []string{}}
	if c.LastSummary != nil && c.LastSummary.Phase == model.PhaseDeep {
		s = *c.LastSummary
	}
	s.Status = model.SummaryCached
	return &s
}
