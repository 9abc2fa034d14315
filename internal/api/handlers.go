package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/tender-cli/internal/model"
	"github.com/sells-group/tender-cli/internal/pipeline"
	"github.com/sells-group/tender-cli/internal/store"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	info := s.opts.Oracle
	msg := "oracle ready"
	if !info.Configured {
		msg = "oracle not configured: set the " + info.Provider + " api key"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"configured": info.Configured,
		"provider":   info.Provider,
		"model":      info.Model,
		"message":    msg,
	})
}

type createCaseRequest struct {
	Reference        string     `json:"reference"`
	Title            string     `json:"title"`
	ExternalDeadline *time.Time `json:"external_deadline"`
}

func (s *Server) createCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		writeError(w, http.StatusBadRequest, "reference is required")
		return
	}

	c, err := s.store.CreateCase(r.Context(), model.Case{
		Reference:        req.Reference,
		Title:            req.Title,
		ExternalDeadline: req.ExternalDeadline,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.CaseFilter{Status: model.CaseStatus(q.Get("status"))}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	cases, err := s.store.ListCases(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if cases == nil {
		cases = []model.Case{}
	}
	writeJSON(w, http.StatusOK, cases)
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCase(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// addDocumentRequest carries either the document text or a source to
// ingest it from.
type addDocumentRequest struct {
	Filename  string `json:"filename"`
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
	Source    string `json:"source"`
}

func (s *Server) addDocument(w http.ResponseWriter, r *http.Request) {
	var req addDocumentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	doc := model.SourceDocument{
		CaseID:    chi.URLParam(r, "caseID"),
		Filename:  req.Filename,
		Text:      req.Text,
		PageCount: req.PageCount,
	}
	switch {
	case req.Source != "":
		if s.ingester == nil {
			writeError(w, http.StatusBadRequest, "ingestion is not configured")
			return
		}
		ex, err := s.ingester.Ingest(r.Context(), req.Source)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		doc.Text, doc.PageCount = ex.Text, ex.PageCount
		if doc.Filename == "" {
			doc.Filename = ex.Filename
		}
	case req.Text == "":
		writeError(w, http.StatusBadRequest, "text or source is required")
		return
	}
	if doc.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	saved, err := s.pipeline.AddDocument(r.Context(), doc)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	if _, err := s.store.GetCase(r.Context(), caseID); err != nil {
		writeErr(w, err)
		return
	}
	docs, err := s.store.ListDocuments(r.Context(), caseID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if docs == nil {
		docs = []model.SourceDocument{}
	}
	writeJSON(w, http.StatusOK, docs)
}

type runRequest struct {
	Force            bool                    `json:"force"`
	ExternalDeadline *model.ExternalDeadline `json:"external_deadline"`
}

// phaseRunner is a method expression such as (*pipeline.Pipeline).RunDeep.
type phaseRunner func(p *pipeline.Pipeline, ctx context.Context, caseID string, ro pipeline.RunOptions) (*model.RunSummary, error)

// runPhase runs a phase synchronously and returns its summary. A query
// parameter force=true is accepted as well as the body field.
func (s *Server) runPhase(run phaseRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if f, err := strconv.ParseBool(r.URL.Query().Get("force")); err == nil && f {
			req.Force = true
		}

		ro := pipeline.RunOptions{Force: req.Force, External: req.ExternalDeadline}
		summary, err := run(s.pipeline, r.Context(), chi.URLParam(r, "caseID"), ro)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func (s *Server) deepStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.DeepStatus(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	phase := model.Phase(r.URL.Query().Get("phase"))
	if phase == "" {
		phase = model.PhaseListing
	}
	if !phase.Valid() {
		writeError(w, http.StatusBadRequest, "phase must be listing or deep")
		return
	}
	rec, err := s.pipeline.Record(r.Context(), chi.URLParam(r, "caseID"), phase)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) lots(w http.ResponseWriter, r *http.Request) {
	v, err := s.pipeline.Lots(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) execution(w http.ResponseWriter, r *http.Request) {
	v, err := s.pipeline.Execution(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) provenance(w http.ResponseWriter, r *http.Request) {
	rows, err := s.pipeline.Provenance(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type verifyRequest struct {
	Value *string `json:"value"`
}

func (s *Server) verifyField(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	caseID, name := chi.URLParam(r, "caseID"), chi.URLParam(r, "name")
	if err := s.store.VerifyField(r.Context(), caseID, name, req.Value); err != nil {
		writeErr(w, err)
		return
	}
	f, err := s.store.GetField(r.Context(), caseID, name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) runPending(w http.ResponseWriter, r *http.Request) {
	phase := model.Phase(chi.URLParam(r, "phase"))
	if !phase.Valid() {
		writeError(w, http.StatusBadRequest, "phase must be listing or deep")
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	summary, err := s.pipeline.RunPending(r.Context(), phase, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return n, nil
}
