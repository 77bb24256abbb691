// internal/api/handler.go
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "gitpulse/internal/errors"
	"gitpulse/internal/metrics"
	"gitpulse/internal/model"
	"gitpulse/internal/store"
)

// SyncService triggers sync runs.
type SyncService interface {
	SyncOrganization(ctx context.Context, orgID int64, mode model.SyncMode) (*model.SyncResult, error)
	SyncRepository(ctx context.Context, repoID int64, mode model.SyncMode) (*model.SyncResult, error)
}

// MetricsService serves derived statistics.
type MetricsService interface {
	Summary(ctx context.Context, orgID int64, windowDays int) (*metrics.Summary, error)
	TimeSeries(ctx context.Context, orgID int64, days int, repositoryID *int64) ([]metrics.TimeSeriesPoint, error)
	TopContributors(ctx context.Context, orgID int64, windowDays, limit int) ([]metrics.ContributorStats, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	db      store.Store
	syncer  SyncService
	metrics MetricsService
	logger  *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db store.Store, sync SyncService, engine MetricsService, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:      db,
		syncer:  sync,
		metrics: engine,
		logger:  logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute)) // sync runs are synchronous

	r.Get("/health", h.healthCheck)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/organizations", h.registerOrganization)
		r.Post("/organizations/{orgID}/sync", h.syncOrganization)
		r.Get("/organizations/{orgID}/metrics/summary", h.getSummary)
		r.Get("/organizations/{orgID}/metrics/timeseries", h.getTimeSeries)
		r.Get("/organizations/{orgID}/metrics/contributors", h.getContributors)
		r.Get("/organizations/{orgID}/categories", h.listCategories)
		r.Post("/organizations/{orgID}/categories", h.createCategory)
		r.Post("/repositories/{repoID}/sync", h.syncRepository)
		r.Patch("/repositories/{repoID}/tracking", h.setRepositoryTracking)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		respondWithError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// registerOrganization records an already-resolved organization identity and
// its installation handle. Who the caller is was decided upstream.
// POST /v1/organizations
func (h *Handler) registerOrganization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalID     int64  `json:"external_id"`
		Name           string `json:"name"`
		AvatarURL      string `json:"avatar_url"`
		InstallationID *int64 `json:"installation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == 0 || req.Name == "" {
		respondWithError(w, http.StatusBadRequest, "external_id and name are required")
		return
	}

	org, _, err := h.db.UpsertOrganization(r.Context(), model.Organization{
		ExternalID: req.ExternalID,
		Name:       req.Name,
		AvatarURL:  req.AvatarURL,
	})
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to register organization")
		return
	}
	if req.InstallationID != nil {
		if err := h.db.SetOrganizationInstallation(r.Context(), org.ID, req.InstallationID); err != nil {
			h.respondWithServiceError(w, err, "Failed to set installation")
			return
		}
		org.InstallationID = req.InstallationID
	}
	respondWithJSON(w, http.StatusCreated, org)
}

// syncOrganization runs one sync for the organization and reports partial
// successes and per-resource failures.
// POST /v1/organizations/{orgID}/sync?mode=full|incremental
func (h *Handler) syncOrganization(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgID")
	if !ok {
		return
	}

	result, err := h.syncer.SyncOrganization(r.Context(), orgID, syncMode(r))
	if err != nil {
		h.respondWithSyncError(w, result, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// POST /v1/repositories/{repoID}/sync?mode=full|incremental
func (h *Handler) syncRepository(w http.ResponseWriter, r *http.Request) {
	repoID, ok := pathID(w, r, "repoID")
	if !ok {
		return
	}

	result, err := h.syncer.SyncRepository(r.Context(), repoID, syncMode(r))
	if err != nil {
		h.respondWithSyncError(w, result, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// GET /v1/organizations/{orgID}/metrics/summary?window=30
func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgID")
	if !ok {
		return
	}
	window, ok := queryInt(w, r, "window", metrics.DefaultWindowDays, 1, 365)
	if !ok {
		return
	}

	summary, err := h.metrics.Summary(r.Context(), orgID, window)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to compute summary")
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// GET /v1/organizations/{orgID}/metrics/timeseries?days=30&repository_id=N
func (h *Handler) getTimeSeries(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgID")
	if !ok {
		return
	}
	days, ok := queryInt(w, r, "days", metrics.DefaultSeriesDays, 1, 365)
	if !ok {
		return
	}

	var repoID *int64
	if raw := r.URL.Query().Get("repository_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "Invalid 'repository_id' parameter")
			return
		}
		repoID = &id
	}

	series, err := h.metrics.TimeSeries(r.Context(), orgID, days, repoID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to compute time series")
		return
	}
	respondWithJSON(w, http.StatusOK, series)
}

// GET /v1/organizations/{orgID}/metrics/contributors?window=30&limit=10
func (h *Handler) getContributors(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgID")
	if !ok {
		return
	}
	window, ok := queryInt(w, r, "window", metrics.DefaultWindowDays, 1, 365)
	if !ok {
		return
	}
	limit, ok := queryInt(w, r, "limit", metrics.DefaultTopContributors, 1, 100)
	if !ok {
		return
	}

	contributors, err := h.metrics.TopContributors(r.Context(), orgID, window, limit)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to compute contributors")
		return
	}
	respondWithJSON(w, http.StatusOK, contributors)
}

// GET /v1/organizations/{orgID}/categories
func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgID")
	if !ok {
		return
	}

	categories, err := h.db.ListCategories(r.Context(), orgID)
	if err != nil {
		h.respondWithServiceError(w, err, "Failed to list categories")
		return
	}
	respondWithJSON(w, http.StatusOK, categories)
}

// POST /v1/organizations/{orgID}/categories
func (h *Handler) createCategory(w http.ResponseWriter, r *http.Request) {
	orgID, ok := pathID(w, r, "orgID")
	if !ok {
		return
	}

	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Color       string `json:"color"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondWithError(w, http.StatusBadRequest, "name is required")
		return
	}

	category, err := h.db.CreateCategory(r.Context(), model.Category{
		OrganizationID: &orgID,
		Name:           req.Name,
		Description:    req.Description,
		Color:          req.Color,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			respondWithError(w, http.StatusConflict, "A category with this name already exists")
			return
		}
		h.respondWithServiceError(w, err, "Failed to create category")
		return
	}
	respondWithJSON(w, http.StatusCreated, category)
}

// setRepositoryTracking is the settings surface for the tracking flag; sync
// never writes it.
// PATCH /v1/repositories/{repoID}/tracking
func (h *Handler) setRepositoryTracking(w http.ResponseWriter, r *http.Request) {
	repoID, ok := pathID(w, r, "repoID")
	if !ok {
		return
	}

	var req struct {
		IsTracked *bool `json:"is_tracked"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.IsTracked == nil {
		respondWithError(w, http.StatusBadRequest, "is_tracked is required")
		return
	}

	if err := h.db.SetRepositoryTracking(r.Context(), repoID, *req.IsTracked); err != nil {
		h.respondWithServiceError(w, err, "Failed to update tracking")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]bool{"is_tracked": *req.IsTracked})
}

func (h *Handler) respondWithSyncError(w http.ResponseWriter, result *model.SyncResult, err error) {
	var authErr *apperrors.MissingAuthorizationError
	if errors.As(err, &authErr) {
		respondWithJSON(w, http.StatusUnauthorized, map[string]any{
			"error":  authErr.Error(),
			"result": result,
		})
		return
	}
	h.respondWithServiceError(w, err, "Sync failed")
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		respondWithError(w, http.StatusNotFound, "Not found")
		return
	}
	h.logger.Error(msg, "error", err)
	respondWithError(w, http.StatusInternalServerError, "Internal server error")
}

func syncMode(r *http.Request) model.SyncMode {
	if r.URL.Query().Get("mode") == string(model.SyncModeIncremental) {
		return model.SyncModeIncremental
	}
	return model.SyncModeFull
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid '"+name+"' parameter")
		return 0, false
	}
	return id, true
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, def, min, max int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || v > max {
		respondWithError(w, http.StatusBadRequest, "Invalid '"+name+"' parameter")
		return 0, false
	}
	return v, true
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
