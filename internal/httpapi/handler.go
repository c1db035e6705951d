package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/rpattn/evalsandbox/internal/domain"
	"github.com/rpattn/evalsandbox/internal/dsl"
	"github.com/rpattn/evalsandbox/internal/export"
	"github.com/rpattn/evalsandbox/internal/middleware"
	"github.com/rpattn/evalsandbox/internal/repository"
)

const maxBodyBytes = 10 << 20

// Environments allocates and looks up sandbox environments.
type Environments interface {
	Allocate(ctx context.Context, template string) (domain.Environment, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Environment, error)
}

// Runs is the run lifecycle exposed over HTTP.
type Runs interface {
	StartRun(ctx context.Context, environmentID uuid.UUID, document []byte) (domain.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (domain.Run, error)
	EvaluateRun(ctx context.Context, runID uuid.UUID, document []byte) (domain.EvaluationResult, error)
	DiffRun(ctx context.Context, runID uuid.UUID) (domain.DiffResult, error)
	CancelRun(ctx context.Context, runID uuid.UUID) (domain.Run, error)
	ReleaseEnvironment(ctx context.Context, environmentID uuid.UUID) error
	ParseDocument(ctx context.Context, env domain.Environment, document []byte) (dsl.Document, error)
}

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	envs     Environments
	runs     Runs
	repo     repository.RunRepository
	health   Pinger
	exporter *export.WorkbookExporter
	origins  []string
	logger   *slog.Logger
	validate *validator.Validate
}

type Option func(*Handler)

// WithRunRepository enables per-request batching of run lookups.
func WithRunRepository(repo repository.RunRepository) Option {
	return func(h *Handler) {
		h.repo = repo
	}
}

func WithHealthCheck(p Pinger) Option {
	return func(h *Handler) {
		h.health = p
	}
}

func WithExporter(e *export.WorkbookExporter) Option {
	return func(h *Handler) {
		if e != nil {
			h.exporter = e
		}
	}
}

// WithAllowedOrigins sets the CORS origins. Empty disables CORS handling.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) {
		h.origins = origins
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(envs Environments, runs Runs, opts ...Option) *Handler {
	h := &Handler{
		envs:     envs,
		runs:     runs,
		exporter: export.NewWorkbookExporter(),
		logger:   slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes builds the full middleware-wrapped router.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /environments", h.handleCreateEnvironment)
	mux.HandleFunc("GET /environments/{id}", h.handleGetEnvironment)
	mux.HandleFunc("DELETE /environments/{id}", h.handleDeleteEnvironment)
	mux.HandleFunc("POST /runs", h.handleStartRun)
	mux.HandleFunc("GET /runs", h.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", h.handleGetRun)
	mux.HandleFunc("POST /runs/{id}/evaluate", h.handleEvaluateRun)
	mux.HandleFunc("POST /runs/{id}/diff", h.handleDiffRun)
	mux.HandleFunc("GET /runs/{id}/diff.xlsx", h.handleDiffWorkbook)
	mux.HandleFunc("POST /runs/{id}/cancel", h.handleCancelRun)
	mux.HandleFunc("POST /assertions/validate", h.handleValidateAssertions)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	if h.repo != nil {
		handler = middleware.DataLoaderMiddleware(h.repo)(handler)
	}
	handler = middleware.LoggingMiddleware(h.logger)(handler)
	if len(h.origins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins:   h.origins,
			AllowCredentials: true,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
		}).Handler(handler)
	}
	return handler
}

type createEnvironmentRequest struct {
	Template string `json:"template" validate:"required,max=63"`
}

type startRunRequest struct {
	EnvironmentID string          `json:"environment_id" validate:"required,uuid"`
	Document      json.RawMessage `json:"document"`
}

type evaluateRunRequest struct {
	Document json.RawMessage `json:"document"`
}

type listRunsResponse struct {
	Runs   []domain.Run    `json:"runs"`
	Errors []lookupFailure `json:"errors,omitempty"`
}

type lookupFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type validateResponse struct {
	Valid      bool   `json:"valid"`
	Version    string `json:"version"`
	Assertions int    `json:"assertions"`
}

func (h *Handler) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var payload createEnvironmentRequest
	if !h.decode(w, r, &payload, false) {
		return
	}
	env, err := h.envs.Allocate(r.Context(), strings.TrimSpace(payload.Template))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (h *Handler) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	env, err := h.envs.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (h *Handler) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.runs.ReleaseEnvironment(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var payload startRunRequest
	if !h.decode(w, r, &payload, false) {
		return
	}
	envID, err := uuid.Parse(payload.EnvironmentID)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid environment_id: %v", err), http.StatusBadRequest)
		return
	}
	run, err := h.runs.StartRun(r.Context(), envID, documentBytes(payload.Document))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var (
		run domain.Run
		err error
	)
	if loader := middleware.RunLoaderFromContext(r.Context()); loader != nil {
		run, err = loader.Load(r.Context(), id)
	} else {
		run, err = h.runs.GetRun(r.Context(), id)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		http.Error(w, "ids query parameter is required", http.StatusBadRequest)
		return
	}
	var ids []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid run id %q: %v", part, err), http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	response := listRunsResponse{Runs: make([]domain.Run, 0, len(ids))}
	if loader := middleware.RunLoaderFromContext(r.Context()); loader != nil {
		runs, errs := loader.LoadMany(r.Context(), ids)
		response.Runs = append(response.Runs, runs...)
		for i, err := range errs {
			if err != nil && i < len(ids) {
				response.Errors = append(response.Errors, lookupFailure{ID: ids[i].String(), Error: err.Error()})
			}
		}
	} else {
		for _, id := range ids {
			run, err := h.runs.GetRun(r.Context(), id)
			if err != nil {
				response.Errors = append(response.Errors, lookupFailure{ID: id.String(), Error: err.Error()})
				continue
			}
			response.Runs = append(response.Runs, run)
		}
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) handleEvaluateRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var payload evaluateRunRequest
	if !h.decode(w, r, &payload, true) {
		return
	}
	result, err := h.runs.EvaluateRun(r.Context(), id, documentBytes(payload.Document))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDiffRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	changes, err := h.runs.DiffRun(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

func (h *Handler) handleDiffWorkbook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	changes, err := h.runs.DiffRun(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="diff-%s.xlsx"`, id))
	if err := h.exporter.Write(w, changes); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to stream diff workbook", "run_id", id, "error", err)
	}
}

func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	run, err := h.runs.CancelRun(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleValidateAssertions checks a document body. With ?environment_id the
// entities are also checked against that environment's tables.
func (h *Handler) handleValidateAssertions(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	var doc dsl.Document
	if raw := r.URL.Query().Get("environment_id"); raw != "" {
		envID, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			http.Error(w, fmt.Sprintf("invalid environment_id: %v", parseErr), http.StatusBadRequest)
			return
		}
		env, getErr := h.envs.Get(r.Context(), envID)
		if getErr != nil {
			h.writeError(w, r, getErr)
			return
		}
		doc, err = h.runs.ParseDocument(r.Context(), env, body)
	} else {
		doc, err = dsl.Parse(body, nil)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true, Version: doc.Version, Assertions: len(doc.Assertions)})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into payload and validates it. allowEmpty accepts
// a missing body.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, payload any, allowEmpty bool) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(payload); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			return false
		}
	}
	if err := h.validate.Struct(payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid id: %v", err), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// documentBytes treats an absent or null document as no document.
func documentBytes(raw json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
