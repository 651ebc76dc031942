package kernel

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/manthysbr/variantforge/internal/config"
	"github.com/manthysbr/variantforge/internal/core/domain"
	"github.com/manthysbr/variantforge/internal/core/services"
)

type Server struct {
	logger    *slog.Logger
	runs      *services.RunService
	frames    FrameImporter
	eventBus  *services.EventBus
	settings  *config.SettingsStore
	validator *requestValidator
}

func NewServer(
	logger *slog.Logger,
	runs *services.RunService,
	frames FrameImporter,
	eventBus *services.EventBus,
	settings *config.SettingsStore,
) (*Server, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	return &Server{
		logger:    logger,
		runs:      runs,
		frames:    frames,
		eventBus:  eventBus,
		settings:  settings,
		validator: validator,
	}, nil
}

// Handler returns the http.Handler for the server. Every request is checked
// against the OpenAPI document first.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /v1/frames", s.handleImportFrames)

	mux.HandleFunc("POST /v1/runs", s.handleSubmitRun)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("DELETE /v1/runs/{id}", s.handleCancelRun)
	mux.HandleFunc("GET /v1/runs/{id}/jobs", s.handleListRunJobs)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.handleRunSSE)

	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)

	return s.validator.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// POST /v1/runs
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req domain.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	run, err := s.runs.Submit(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, run)
	case errors.Is(err, domain.ErrFrameNameInUse):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNoFrames), errors.Is(err, domain.ErrDuplicateFrameName):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("failed to submit run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit run")
	}
}

// GET /v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GET /v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), domain.RunID(r.PathValue("id")))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// DELETE /v1/runs/{id}
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Cancel(r.Context(), domain.RunID(r.PathValue("id"))); err != nil {
		s.writeRunError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GET /v1/runs/{id}/jobs
func (s *Server) handleListRunJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.runs.Jobs(r.Context(), domain.RunID(r.PathValue("id")))
	if err != nil {
		s.writeRunError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrRunNotActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("run request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
