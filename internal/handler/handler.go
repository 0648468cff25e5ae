package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pavelanni/autograder/internal/model"
	"github.com/pavelanni/autograder/internal/pipeline"
	"github.com/pavelanni/autograder/internal/store"
)

// DefaultMaxUpload caps the size of a POST /api/runs body.
const DefaultMaxUpload = 32 << 20

// Config holds the HTTP options.
type Config struct {
	// TokenHash is a bcrypt hash of the API token. Empty disables the guard.
	TokenHash string
	// MaxUpload is the request body limit in bytes.
	MaxUpload int64
	// Gatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	pipeline *pipeline.Pipeline
	config   Config
}

// New creates a new Handler.
func New(s *store.Store, p *pipeline.Pipeline, cfg Config) *Handler {
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = DefaultMaxUpload
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{store: s, pipeline: p, config: cfg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.config.Gatherer, promhttp.HandlerOpts{}))
	r.Route("/api", func(r chi.Router) {
		r.Use(h.requireToken)
		r.Post("/runs", h.handleCreateRun)
		r.Get("/runs", h.handleListRuns)
		r.Get("/runs/{runID}", h.handleGetRun)
		r.Get("/runs/{runID}/artifacts/{stage}", h.handleGetArtifact)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUpload)
	if err := r.ParseMultipartForm(h.config.MaxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, errorBody{Kind: "UploadTooLarge"}, "ErrUploadTooLarge", nil)
			return
		}
		writeError(w, r, http.StatusBadRequest, errorBody{Kind: "BadUpload"}, "ErrBadUpload", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	var docs [3]model.Document
	for i, field := range []string{"question", "faculty", "student"} {
		d, err := formDocument(r, field)
		if err != nil {
			slog.Warn("rejected upload", "field", field, "error", err)
			writeError(w, r, http.StatusBadRequest, errorBody{Kind: "BadUpload"}, "ErrBadUpload", nil)
			return
		}
		docs[i] = d
	}

	runID := uuid.NewString()
	report, err := h.pipeline.Run(r.Context(), pipeline.RunInput{
		QuestionPaper:     docs[0],
		FacultySolution:   docs[1],
		StudentSubmission: docs[2],
		StudentName:       r.FormValue("student_name"),
		RunID:             runID,
	})
	w.Header().Set("X-Run-ID", runID)
	if err != nil {
		writeStageError(w, r, runID, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func formDocument(r *http.Request, field string) (model.Document, error) {
	f, header, err := r.FormFile(field)
	if err != nil {
		return model.Document{}, fmt.Errorf("read %s: %w", field, err)
	}
	defer f.Close()
	return readDocument(f, header)
}

func readDocument(f multipart.File, header *multipart.FileHeader) (model.Document, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return model.Document{}, fmt.Errorf("read %s: %w", header.Filename, err)
	}
	if len(data) == 0 {
		return model.Document{}, fmt.Errorf("%s is empty", header.Filename)
	}
	return model.NewDocument(header.Filename, data), nil
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, errorBody{Kind: "BadRequest"}, "ErrBadRequest", map[string]any{"Param": "limit"})
			return
		}
		limit = n
	}
	runs, err := h.store.ListRuns(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list runs", "error", err)
		writeError(w, r, http.StatusInternalServerError, errorBody{Kind: "InternalError"}, "ErrInternal", nil)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type runView struct {
	Run       model.Run         `json:"run"`
	Report    *model.ReportCard `json:"report,omitempty"`
	Artifacts []string          `json:"artifacts"`
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		slog.Error("failed to get run", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, errorBody{RunID: runID, Kind: "InternalError"}, "ErrInternal", nil)
		return
	}
	if run == nil {
		writeError(w, r, http.StatusNotFound, errorBody{RunID: runID, Kind: "NotFound"}, "ErrNotFound", nil)
		return
	}
	report, err := h.store.GetReport(r.Context(), runID)
	if err != nil {
		slog.Error("failed to get report", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, errorBody{RunID: runID, Kind: "InternalError"}, "ErrInternal", nil)
		return
	}
	artifacts, err := h.store.ListArtifacts(r.Context(), runID)
	if err != nil {
		slog.Error("failed to list artifacts", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, errorBody{RunID: runID, Kind: "InternalError"}, "ErrInternal", nil)
		return
	}
	if artifacts == nil {
		artifacts = []string{}
	}
	writeJSON(w, http.StatusOK, runView{Run: *run, Report: report, Artifacts: artifacts})
}

var stageArtifacts = map[string]string{
	pipeline.StageStructure:      pipeline.ArtifactStructure,
	pipeline.StageFacultyKey:     pipeline.ArtifactFacultyKey,
	pipeline.StageStudentAnswers: pipeline.ArtifactAnswers,
	pipeline.StageGrading:        pipeline.ArtifactReport,
}

// artifactName accepts either a stage name or an artifact file name.
func artifactName(stage string) (string, bool) {
	if pipeline.IsArtifactName(stage) {
		return stage, true
	}
	name, ok := stageArtifacts[stage]
	return name, ok
}

func (h *Handler) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	name, ok := artifactName(chi.URLParam(r, "stage"))
	if !ok {
		writeError(w, r, http.StatusNotFound, errorBody{RunID: runID, Kind: "NotFound"}, "ErrNotFound", nil)
		return
	}
	data, err := h.store.GetArtifact(r.Context(), runID, name)
	if err != nil {
		slog.Error("failed to get artifact", "run_id", runID, "artifact", name, "error", err)
		writeError(w, r, http.StatusInternalServerError, errorBody{RunID: runID, Kind: "InternalError"}, "ErrInternal", nil)
		return
	}
	if data == nil {
		writeError(w, r, http.StatusNotFound, errorBody{RunID: runID, Kind: "NotFound"}, "ErrNotFound", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
