package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tender-cli/internal/config"
	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/oracle"
	"github.com/sells-group/tender-cli/internal/reconcile"
	"github.com/sells-group/tender-cli/internal/registry"
	"github.com/sells-group/tender-cli/internal/store"
)

var padding = strings.Repeat("Travaux d'entretien et de réfection des chaussées de la commune. ", 4)

var (
	noticeText     = "ROYAUME DU MAROC\nAVIS D'APPEL D'OFFRES OUVERT N° 12/2024\n" + padding
	regulationText = "REGLEMENT DE CONSULTATION\n" + padding
	cpsText        = "CAHIER DES PRESCRIPTIONS SPECIALES\n" + padding
)

func annexText(date string) string {
	return "AVENANT N°1 du " + date + "\n" + padding
}

// stubOracle answers with fn and records every request.
type stubOracle struct {
	mu    sync.Mutex
	calls []oracle.Request
	fn    func(ctx context.Context, req oracle.Request) (*oracle.Result, error)
}

func (s *stubOracle) Extract(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	return s.fn(ctx, req)
}

func (s *stubOracle) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// byDocument replies per document filename in multi-call mode.
func byDocument(replies map[string]any) func(context.Context, oracle.Request) (*oracle.Result, error) {
	return func(_ context.Context, req oracle.Request) (*oracle.Result, error) {
		switch r := replies[req.Documents[0].Filename].(type) {
		case error:
			return nil, r
		case map[string]any:
			return &oracle.Result{Fields: r}, nil
		}
		return &oracle.Result{Fields: map[string]any{}}, nil
	}
}

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Extract(ctx context.Context, req oracle.Request) (*oracle.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*oracle.Result)
	return res, args.Error(1)
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestPipeline(t *testing.T, o Oracle, mutate func(*Options)) (*Pipeline, *store.SQLiteStore) {
	t.Helper()
	st := newTestStore(t)
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	return New(st, o, opts), st
}

func multiCall(o *Options) {
	o.ListingMode = reconcile.MultiCall
	o.DeepMode = reconcile.MultiCall
}

func doc(filename, text string) model.SourceDocument {
	return model.SourceDocument{Filename: filename, Text: text, PageCount: 1}
}

// addCase creates a case with documents and returns the case ID and the
// stored document IDs by filename.
func addCase(t *testing.T, p *Pipeline, st store.Store, c model.Case, docs ...model.SourceDocument) (string, map[string]string) {
	t.Helper()
	ctx := context.Background()
	created, err := st.CreateCase(ctx, c)
	require.NoError(t, err)
	ids := make(map[string]string, len(docs))
	for _, d := range docs {
		d.CaseID = created.ID
		saved, err := p.AddDocument(ctx, d)
		require.NoError(t, err)
		ids[saved.Filename] = saved.ID
	}
	return created.ID, ids
}

func listingReply() *oracle.Result {
	return &oracle.Result{
		Fields: map[string]any{
			"subject":                "Travaux de voirie",
			"tender_type":            "AOON",
			registry.KeyDeadlineDate: "2024-03-01",
			registry.KeyDeadlineTime: "10:00",
			"keywords_fr":            []string{"voirie", "chaussée"},
			registry.KeyLots: []map[string]any{
				{registry.LotNumber: "1", registry.LotSubject: "Voirie", registry.LotEstimatedValue: json.Number("100000")},
			},
		},
		Attribution: map[string]string{"subject": "avis.pdf"},
	}
}

func TestRunListing_SingleCall(t *testing.T) {
	ctx := context.Background()
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		return listingReply(), nil
	}}
	p, st := newTestPipeline(t, o, nil)
	caseID, ids := addCase(t, p, st, model.Case{Reference: "AO-1"},
		doc("cps.pdf", cpsText),
		doc("avis.pdf", noticeText),
	)

	s, err := p.RunListing(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryCompleted, s.Status)
	assert.Equal(t, "AO-1", s.Reference)
	assert.Equal(t, 1, s.DocumentsAnalyzed)
	assert.Equal(t, 6, s.FieldsExtracted)
	assert.Empty(t, s.Errors)

	require.Equal(t, 1, o.Calls())
	req := o.calls[0]
	require.Len(t, req.Documents, 1, "listing sends the notice only")
	assert.Equal(t, "avis.pdf", req.Documents[0].Filename)
	assert.True(t, req.Attributed)
	assert.Nil(t, req.Prior)

	f, err := st.GetField(ctx, caseID, "avis_subject")
	require.NoError(t, err)
	assert.Equal(t, "Travaux de voirie", f.Value)
	require.NotNil(t, f.DocumentID)
	assert.Equal(t, ids["avis.pdf"], *f.DocumentID)
	assert.Equal(t, model.OriginAI, f.Origin)
	assert.InDelta(t, 0.90, f.Confidence, 0.0001)

	kw, err := st.GetField(ctx, caseID, "keywords_fr")
	require.NoError(t, err)
	assert.JSONEq(t, `["voirie","chaussée"]`, kw.Value)
	assert.InDelta(t, 0.85, kw.Confidence, 0.0001)

	snap, err := st.GetField(ctx, caseID, "avis_metadata")
	require.NoError(t, err)
	assert.Equal(t, reconcile.LocationListing, snap.SourceLocation)
	assert.Contains(t, snap.Value, `"subject":"Travaux de voirie"`)

	c, err := st.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusCompleted, c.Status)
	assert.NotNil(t, c.ListingAt)
	assert.Nil(t, c.DeepAt)
	require.NotNil(t, c.LastSummary)
	assert.Equal(t, model.SummaryCompleted, c.LastSummary.Status)

	docs, err := st.ListDocuments(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentSpecialConditions, docs[0].Type)
	assert.Equal(t, model.DocumentNotice, docs[1].Type)
}

func TestRunListing_RegulationStandsInForNotice(t *testing.T) {
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		return &oracle.Result{Fields: map[string]any{"subject": "Objet"}}, nil
	}}
	p, st := newTestPipeline(t, o, nil)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-RC"},
		doc("cps.pdf", cpsText),
		doc("rc.pdf", regulationText),
	)

	_, err := p.RunListing(context.Background(), caseID, RunOptions{})
	require.NoError(t, err)
	require.Len(t, o.calls[0].Documents, 1)
	assert.Equal(t, "rc.pdf", o.calls[0].Documents[0].Filename)
}

func TestRunListing_MultiCallAnnexOverrides(t *testing.T) {
	ctx := context.Background()
	o := &stubOracle{fn: byDocument(map[string]any{
		"avis.pdf":     map[string]any{"subject": "Travaux", registry.KeyDeadlineDate: "2024-03-01"},
		"avenant2.pdf": map[string]any{registry.KeyDeadlineDate: "2024-03-20"},
		"avenant1.pdf": map[string]any{registry.KeyDeadlineDate: "2024-03-10", "subject": nil},
	})}
	p, st := newTestPipeline(t, o, multiCall)
	// The later annex is discovered first; its date must still win.
	caseID, ids := addCase(t, p, st, model.Case{Reference: "AO-2"},
		doc("avis.pdf", noticeText),
		doc("avenant2.pdf", annexText("20/02/2024")),
		doc("avenant1.pdf", annexText("10/02/2024")),
	)

	s, err := p.RunListing(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryCompleted, s.Status)
	assert.Equal(t, 3, s.DocumentsAnalyzed)

	require.Equal(t, 3, o.Calls())
	assert.Equal(t, "avis.pdf", o.calls[0].Documents[0].Filename)
	assert.Equal(t, "avenant1.pdf", o.calls[1].Documents[0].Filename)
	assert.Equal(t, "avenant2.pdf", o.calls[2].Documents[0].Filename)
	assert.False(t, o.calls[0].Attributed)

	deadline, err := st.GetField(ctx, caseID, "avis_submission_deadline_date")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-20", deadline.Value)
	assert.Equal(t, ids["avenant2.pdf"], *deadline.DocumentID)
	assert.InDelta(t, 0.92, deadline.Confidence, 0.0001)

	subject, err := st.GetField(ctx, caseID, "avis_subject")
	require.NoError(t, err)
	assert.Equal(t, "Travaux", subject.Value, "a null annex claim never erases")
	assert.InDelta(t, 0.85, subject.Confidence, 0.0001)
}

func TestRunListing_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	o := &stubOracle{fn: byDocument(map[string]any{
		"avis.pdf": map[string]any{"subject": "Travaux"},
		"add1.pdf": &oracle.Error{Kind: oracle.KindParse, Document: "add1.pdf", Err: errors.New("no json object")},
		"add2.pdf": map[string]any{registry.KeyDeadlineTime: "11:00"},
	})}
	p, st := newTestPipeline(t, o, multiCall)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-3"},
		doc("avis.pdf", noticeText),
		doc("add1.pdf", annexText("01/02/2024")),
		doc("add2.pdf", annexText("05/02/2024")),
	)

	s, err := p.RunListing(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryPartial, s.Status)
	assert.Equal(t, 2, s.DocumentsAnalyzed)
	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "add1.pdf")

	c, err := st.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusCompleted, c.Status)

	f, err := st.GetField(ctx, caseID, "avis_submission_deadline_time")
	require.NoError(t, err)
	assert.Equal(t, "11:00", f.Value)
}

func TestRunListing_ConfigurationErrorStopsCase(t *testing.T) {
	ctx := context.Background()
	o := new(mockOracle)
	o.On("Extract", mock.Anything, mock.Anything).
		Return(nil, &oracle.Error{Kind: oracle.KindConfiguration, Err: errors.New("api key missing")}).
		Once()
	p, st := newTestPipeline(t, o, multiCall)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-4"},
		doc("avis.pdf", noticeText),
		doc("add.pdf", annexText("01/02/2024")),
	)

	s, err := p.RunListing(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryFailed, s.Status)
	assert.Equal(t, 0, s.DocumentsAnalyzed)
	o.AssertNumberOfCalls(t, "Extract", 1)

	c, err := st.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusFailed, c.Status)
	assert.Nil(t, c.ListingAt)
}

func TestRunListing_OracleFailureFailsCase(t *testing.T) {
	ctx := context.Background()
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		return nil, &oracle.Error{Kind: oracle.KindOracle, Err: errors.New("status 500")}
	}}
	p, st := newTestPipeline(t, o, nil)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-5"}, doc("avis.pdf", noticeText))

	s, err := p.RunListing(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryFailed, s.Status)
	require.Len(t, s.Errors, 1)

	fields, err := st.ListFields(ctx, caseID)
	require.NoError(t, err)
	assert.Empty(t, fields)

	c, err := st.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusFailed, c.Status)
	assert.Nil(t, c.ListingAt)
}

func TestRunListing_NoUsableDocuments(t *testing.T) {
	ctx := context.Background()
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		t.Fatal("oracle must not be called")
		return nil, nil
	}}
	p, st := newTestPipeline(t, o, nil)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-6"}, doc("scan.pdf", "  \f  \f "))

	s, err := p.RunListing(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryFailed, s.Status)
	require.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "input error")
	require.Len(t, s.Warnings, 1)
	assert.Contains(t, s.Warnings[0], "scan.pdf")

	c, err := st.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusFailed, c.Status)
}

func TestRunListing_SkipsUnusableDocument(t *testing.T) {
	o := &stubOracle{fn: byDocument(map[string]any{
		"avis.pdf": map[string]any{"subject": "Travaux"},
	})}
	p, st := newTestPipeline(t, o, multiCall)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-7"},
		doc("avis.pdf", noticeText),
		doc("add.pdf", "AVENANT"),
	)

	s, err := p.RunListing(context.Background(), caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryCompleted, s.Status)
	assert.Equal(t, 1, s.DocumentsAnalyzed)
	assert.Len(t, s.Warnings, 1)
	assert.Equal(t, 1, o.Calls())
}

func TestRunListing_ExternalDeadline(t *testing.T) {
	ctx := context.Background()
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		return listingReply(), nil
	}}
	p, st := newTestPipeline(t, o, nil)

	t.Run("explicit", func(t *testing.T) {
		caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-8"}, doc("avis.pdf", noticeText))
		_, err := p.RunListing(ctx, caseID, RunOptions{External: &model.ExternalDeadline{Date: "2024-03-05"}})
		require.NoError(t, err)

		date, err := st.GetField(ctx, caseID, "avis_submission_deadline_date")
		require.NoError(t, err)
		assert.Equal(t, "2024-03-05", date.Value)
		assert.Equal(t, model.OriginExternal, date.Origin)
		assert.Equal(t, model.SourceExternal, date.SourceLocation)
		assert.Nil(t, date.DocumentID)
		assert.InDelta(t, 0.95, date.Confidence, 0.0001)

		tm, err := st.GetField(ctx, caseID, "avis_submission_deadline_time")
		require.NoError(t, err)
		assert.Equal(t, "10:00", tm.Value, "a missing part keeps the document value")
		assert.Equal(t, model.OriginAI, tm.Origin)
	})

	t.Run("from case", func(t *testing.T) {
		deadline := time.Date(2024, 3, 7, 11, 30, 0, 0, time.UTC)
		caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-9", ExternalDeadline: &deadline}, doc("avis.pdf", noticeText))
		_, err := p.RunListing(ctx, caseID, RunOptions{})
		require.NoError(t, err)

		date, err := st.GetField(ctx, caseID, "avis_submission_deadline_date")
		require.NoError(t, err)
		assert.Equal(t, "2024-03-07", date.Value)
		tm, err := st.GetField(ctx, caseID, "avis_submission_deadline_time")
		require.NoError(t, err)
		assert.Equal(t, "11:30", tm.Value)
		assert.Equal(t, model.OriginExternal, tm.Origin)
	})

	t.Run("from case in deadline zone", func(t *testing.T) {
		zoned, zst := newTestPipeline(t, o, func(opts *Options) {
			opts.DeadlineZone = time.FixedZone("+01", 3600)
		})
		deadline := time.Date(2024, 3, 7, 23, 30, 0, 0, time.UTC)
		caseID, _ := addCase(t, zoned, zst, model.Case{Reference: "AO-9b", ExternalDeadline: &deadline}, doc("avis.pdf", noticeText))
		_, err := zoned.RunListing(ctx, caseID, RunOptions{})
		require.NoError(t, err)

		date, err := zst.GetField(ctx, caseID, "avis_submission_deadline_date")
		require.NoError(t, err)
		assert.Equal(t, "2024-03-08", date.Value)
		tm, err := zst.GetField(ctx, caseID, "avis_submission_deadline_time")
		require.NoError(t, err)
		assert.Equal(t, "00:30", tm.Value)
	})
}

func deepOracle() *stubOracle {
	return &stubOracle{fn: func(_ context.Context, req oracle.Request) (*oracle.Result, error) {
		if req.Registry.Phase == model.PhaseListing {
			return listingReply(), nil
		}
		return &oracle.Result{
			Fields: map[string]any{
				"subject": "Travaux de voirie et assainissement",
				registry.KeyLots: []map[string]any{{
					registry.LotNumber:              "1",
					registry.LotEstimatedValue:      json.Number("100000"),
					registry.LotGuaranteePercentage: json.Number("5"),
					registry.LotGuaranteeValue:      json.Number("999"),
					registry.LotExecutionDate:       "2024-06-30",
				}},
			},
			Attribution: map[string]string{"subject": "CPS"},
		}, nil
	}}
}

func TestRunDeep_DerivesAndCaches(t *testing.T) {
	ctx := context.Background()
	o := deepOracle()
	p, st := newTestPipeline(t, o, nil)
	caseID, ids := addCase(t, p, st, model.Case{Reference: "AO-10"},
		doc("avis.pdf", noticeText),
		doc("rc.pdf", regulationText),
		doc("cps.pdf", cpsText),
	)

	_, err := p.RunListing(ctx, caseID, RunOptions{})
	require.NoError(t, err)

	s, err := p.RunDeep(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryCompleted, s.Status)
	assert.Equal(t, 3, s.DocumentsAnalyzed)

	require.Equal(t, 2, o.Calls())
	req := o.calls[1]
	names := make([]string, len(req.Documents))
	for i, d := range req.Documents {
		names[i] = d.Filename
	}
	assert.Equal(t, []string{"cps.pdf", "rc.pdf", "avis.pdf"}, names)
	require.NotNil(t, req.Prior)
	assert.Equal(t, "Travaux de voirie", req.Prior["subject"])

	subject, err := st.GetField(ctx, caseID, "deep_subject")
	require.NoError(t, err)
	assert.Equal(t, ids["cps.pdf"], *subject.DocumentID)

	lots, err := p.Lots(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseDeep, lots.Phase)
	require.Equal(t, 1, lots.LotsCount)
	assert.Equal(t, json.Number("5000"), lots.Lots[0][registry.LotGuaranteeValue])

	c, err := st.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.NotNil(t, c.DeepAt)
	assert.NotNil(t, c.ListingAt)

	cached, err := p.RunDeep(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryCached, cached.Status)
	assert.Equal(t, 3, cached.DocumentsAnalyzed)
	assert.Equal(t, 2, o.Calls())

	forced, err := p.RunDeep(ctx, caseID, RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryCompleted, forced.Status)
	assert.Equal(t, 3, o.Calls())

	listing, err := st.GetField(ctx, caseID, "avis_subject")
	require.NoError(t, err, "a forced deep run keeps listing fields")
	assert.Equal(t, "Travaux de voirie", listing.Value)
}

func TestRunDeep_NonNumericOperandKeepsRun(t *testing.T) {
	ctx := context.Background()
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		return &oracle.Result{Fields: map[string]any{
			"subject": "Travaux de voirie",
			registry.KeyLots: []map[string]any{{
				registry.LotNumber:              "1",
				registry.LotEstimatedValue:      "NaN",
				registry.LotGuaranteePercentage: "3",
			}},
		}}, nil
	}}
	p, st := newTestPipeline(t, o, nil)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-10b"}, doc("cps.pdf", cpsText))

	s, err := p.RunDeep(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.SummaryCompleted, s.Status)

	_, err = st.GetField(ctx, caseID, "deep_subject")
	require.NoError(t, err)
	lots, err := p.Lots(ctx, caseID)
	require.NoError(t, err)
	require.Equal(t, 1, lots.LotsCount)
	assert.Nil(t, lots.Lots[0][registry.LotGuaranteeValue])
}

func TestRunListing_ForceReplacesUnverifiedFields(t *testing.T) {
	ctx := context.Background()
	first := true
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		if first {
			first = false
			return &oracle.Result{Fields: map[string]any{"subject": "Ancien objet", "tender_type": "AOON", "reference_tender": "12/2024"}}, nil
		}
		return &oracle.Result{Fields: map[string]any{"subject": "Nouvel objet", "reference_tender": "13/2024"}}, nil
	}}
	p, st := newTestPipeline(t, o, nil)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-11"}, doc("avis.pdf", noticeText))

	_, err := p.RunListing(ctx, caseID, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, st.VerifyField(ctx, caseID, "avis_subject", nil))

	_, err = p.RunListing(ctx, caseID, RunOptions{Force: true})
	require.NoError(t, err)

	subject, err := st.GetField(ctx, caseID, "avis_subject")
	require.NoError(t, err)
	assert.Equal(t, "Ancien objet", subject.Value, "verified fields are never overwritten")
	assert.True(t, subject.IsVerified)

	ref, err := st.GetField(ctx, caseID, "avis_reference_tender")
	require.NoError(t, err)
	assert.Equal(t, "13/2024", ref.Value)

	_, err = st.GetField(ctx, caseID, "avis_tender_type")
	assert.True(t, errors.Is(err, store.ErrNotFound), "stale unverified fields are purged")
}

func TestRun_CaseBusy(t *testing.T) {
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		return listingReply(), nil
	}}
	p, st := newTestPipeline(t, o, nil)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-12"}, doc("avis.pdf", noticeText))

	release, ok := p.guard.Acquire(caseID)
	require.True(t, ok)
	_, err := p.RunListing(context.Background(), caseID, RunOptions{})
	assert.True(t, errors.Is(err, ErrCaseBusy))
	release()

	_, err = p.RunListing(context.Background(), caseID, RunOptions{})
	assert.NoError(t, err)
}

func TestRun_CaseClaimedElsewhere(t *testing.T) {
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		return listingReply(), nil
	}}
	p, st := newTestPipeline(t, o, nil)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-12b"}, doc("avis.pdf", noticeText))
	ctx := context.Background()

	// Another process sharing the store is mid-run.
	require.NoError(t, st.UpdateCaseStatus(ctx, caseID, model.CaseStatusExtracting))
	_, err := p.RunListing(ctx, caseID, RunOptions{})
	assert.True(t, errors.Is(err, ErrCaseBusy))
	assert.Zero(t, o.Calls())

	c, err := st.GetCase(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusExtracting, c.Status, "the other run's status is left alone")
}

func TestRun_ReleasesCachedDocuments(t *testing.T) {
	o := &stubOracle{fn: func(context.Context, oracle.Request) (*oracle.Result, error) {
		return listingReply(), nil
	}}
	p, st := newTestPipeline(t, o, nil)
	ctx := context.Background()

	for _, ref := range []string{"AO-20", "AO-21", "AO-22"} {
		caseID, _ := addCase(t, p, st, model.Case{Reference: ref}, doc("avis.pdf", noticeText))
		_, err := p.RunListing(ctx, caseID, RunOptions{})
		require.NoError(t, err)
		_, err = p.Record(ctx, caseID, model.PhaseListing)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, p.Cache().Len())
}

func TestRun_NotFound(t *testing.T) {
	p, _ := newTestPipeline(t, &stubOracle{}, nil)
	_, err := p.RunListing(context.Background(), "missing", RunOptions{})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = p.Run(context.Background(), "missing", model.Phase("bogus"), RunOptions{})
	assert.Error(t, err)
}

func TestRun_CancelledMarksFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := &stubOracle{fn: func(ctx context.Context, _ oracle.Request) (*oracle.Result, error) {
		cancel()
		return nil, ctx.Err()
	}}
	p, st := newTestPipeline(t, o, nil)
	caseID, _ := addCase(t, p, st, model.Case{Reference: "AO-13"}, doc("avis.pdf", noticeText))

	s, err := p.RunListing(ctx, caseID, RunOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, s)
	assert.Equal(t, model.SummaryFailed, s.Status)

	bg := context.Background()
	c, err := st.GetCase(bg, caseID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusFailed, c.Status)
	assert.Nil(t, c.ListingAt)

	fields, err := st.ListFields(bg, caseID)
	require.NoError(t, err)
	assert.Empty(t, fields)
}

func TestOptionsFromConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts, err := OptionsFromConfig(configPipeline("multi", "single", ""))
		require.NoError(t, err)
		assert.Equal(t, reconcile.MultiCall, opts.ListingMode)
		assert.Equal(t, reconcile.SingleCall, opts.DeepMode)
		assert.Equal(t, registry.DefaultPolicy(), opts.Policy)
	})

	t.Run("bad mode", func(t *testing.T) {
		_, err := OptionsFromConfig(configPipeline("batch", "single", ""))
		assert.Error(t, err)
	})

	t.Run("missing policy file", func(t *testing.T) {
		_, err := OptionsFromConfig(configPipeline("single", "single", filepath.Join(t.TempDir(), "nope.yaml")))
		assert.Error(t, err)
	})
}

func configPipeline(listing, deep, policy string) config.PipelineConfig {
	return config.PipelineConfig{
		ListingMode:        listing,
		DeepMode:           deep,
		FirstPageChars:     3000,
		MinTextChars:       100,
		MaxConcurrentCases: 4,
		PolicyFile:         policy,
	}
}
