// Package api exposes cases, documents, phase runs and provenance views over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/tender-cli/internal/ingest"
	"github.com/sells-group/tender-cli/internal/pipeline"
	"github.com/sells-group/tender-cli/internal/store"
)

// Ingester extracts document text from a local path or URL.
type Ingester interface {
	Ingest(ctx context.Context, source string) (*ingest.Extracted, error)
}

// OracleInfo describes the configured oracle for the status endpoint.
type OracleInfo struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Configured bool   `json:"configured"`
}

// Options configures the HTTP handler.
type Options struct {
	AllowedOrigins []string
	Oracle         OracleInfo
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	pipeline *pipeline.Pipeline
	store    store.Store
	ingester Ingester
	opts     Options
}

// New creates a Server. ing may be nil, in which case documents must be
// posted with their text.
func New(p *pipeline.Pipeline, st store.Store, ing Ingester, opts Options) *Server {
	return &Server{pipeline: p, store: st, ingester: ing, opts: opts}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/status", s.status)

	r.Route("/cases", func(r chi.Router) {
		r.Post("/", s.createCase)
		r.Get("/", s.listCases)

		r.Route("/{caseID}", func(r chi.Router) {
			r.Get("/", s.getCase)
			r.Post("/documents", s.addDocument)
			r.Get("/documents", s.listDocuments)

			r.Post("/listing", s.runPhase((*pipeline.Pipeline).RunListing))
			r.Post("/deep", s.runPhase((*pipeline.Pipeline).RunDeep))
			r.Get("/deep/status", s.deepStatus)

			r.Get("/record", s.record)
			r.Get("/lots", s.lots)
			r.Get("/execution", s.execution)
			r.Get("/provenance", s.provenance)
			r.Post("/fields/{name}/verify", s.verifyField)
		})
	})

	r.Post("/pending/{phase}", s.runPending)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeErr maps pipeline and store errors to HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrCaseBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrNoAnalysis):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		zap.L().Error("api: internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
