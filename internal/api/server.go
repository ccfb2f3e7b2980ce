// Package api is the thin HTTP wrapper around the pipeline. All
// invariants live in the core packages; handlers only decode input,
// dispatch, and map the error taxonomy to status codes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/forgeline/reqforge/internal/pipeline"
	"github.com/forgeline/reqforge/internal/urs"
)

type Server struct {
	router   *chi.Mux
	port     int
	pipeline *pipeline.Orchestrator
	logger   *slog.Logger
}

func NewServer(port int, p *pipeline.Orchestrator, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:   router,
		port:     port,
		pipeline: p,
		logger:   logger,
	}

	router.Get("/health", s.health)
	router.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/{id}", s.getSession)
		r.Post("/{id}/normalize", s.normalize)
		r.Post("/{id}/clarify", s.clarify)
		r.Post("/{id}/answers", s.submitAnswers)
		r.Post("/{id}/generate", s.generate)
		r.Post("/{id}/review", s.review)
		r.Post("/{id}/approve", s.approve)
		r.Post("/{id}/cancel", s.cancel)
		r.Get("/{id}/document", s.document)
		r.Get("/{id}/report", s.report)
	})

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Addr() string { return fmt.Sprintf(":%d", s.port) }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateSessionRequest is the ingest payload.
type CreateSessionRequest struct {
	Classification string                    `json:"classification"`
	Metadata       urs.DocumentMetadata      `json:"metadata"`
	Documents      []pipeline.SourceDocument `json:"documents"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &urs.ValidationError{Msg: "invalid JSON body: " + err.Error()})
		return
	}

	sess, err := s.pipeline.Ingest(r.Context(), urs.Classification(req.Classification), req.Metadata, req.Documents)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) normalize(w http.ResponseWriter, r *http.Request) {
	facts, err := s.pipeline.Normalize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"facts": facts})
}

func (s *Server) clarify(w http.ResponseWriter, r *http.Request) {
	questions, err := s.pipeline.Clarify(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
}

// SubmitAnswersRequest carries stakeholder answers keyed by question ID.
type SubmitAnswersRequest struct {
	Answers map[string]string `json:"answers"`
}

func (s *Server) submitAnswers(w http.ResponseWriter, r *http.Request) {
	var req SubmitAnswersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &urs.ValidationError{Msg: "invalid JSON body: " + err.Error()})
		return
	}

	sess, err := s.pipeline.SubmitAnswers(r.Context(), chi.URLParam(r, "id"), req.Answers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GenerateRequest selects between first generation and an explicit
// regeneration. An empty body means plain generate.
type GenerateRequest struct {
	Regenerate bool `json:"regenerate"`
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, &urs.ValidationError{Msg: "invalid JSON body: " + err.Error()})
			return
		}
	}

	id := chi.URLParam(r, "id")
	var doc *urs.Document
	var err error
	if req.Regenerate {
		doc, err = s.pipeline.Regenerate(r.Context(), id)
	} else {
		doc, err = s.pipeline.Generate(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) review(w http.ResponseWriter, r *http.Request) {
	rep, err := s.pipeline.Review(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	doc, err := s.pipeline.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) document(w http.ResponseWriter, r *http.Request) {
	version := 0
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, &urs.ValidationError{Msg: "invalid version: " + v})
			return
		}
		version = n
	}

	doc, err := s.pipeline.Document(r.Context(), chi.URLParam(r, "id"), version)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	rep, err := s.pipeline.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy to HTTP status codes. Callers of
// the API see typed failures the same way callers of the core do.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var valErr *urs.ValidationError
	var orphanErr *urs.OrphanCitationError
	var policyErr *urs.PolicyViolationError
	var stateErr *urs.StateError
	var provErr *urs.ProviderError
	var schemaErr *urs.SchemaError
	switch {
	case errors.As(err, &valErr), errors.As(err, &orphanErr), errors.Is(err, urs.ErrNoContent):
		status = http.StatusBadRequest
	case errors.As(err, &policyErr):
		status = http.StatusForbidden
	case errors.As(err, &stateErr), errors.Is(err, urs.ErrCancelled):
		status = http.StatusConflict
	case errors.Is(err, urs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, urs.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, urs.ErrProviderUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &provErr), errors.As(err, &schemaErr):
		status = http.StatusBadGateway
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
