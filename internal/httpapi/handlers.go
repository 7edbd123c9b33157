// Package httpapi serves the admin REST surface for server configs plus the
// health probe.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/dext-ai/dext-broker/internal/apperr"
	"github.com/dext-ai/dext-broker/internal/config"
	"github.com/dext-ai/dext-broker/internal/contracts"
	"github.com/dext-ai/dext-broker/internal/storage"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
	serverName       = "dext-broker"
)

// ServerAdmin is the write side of the registry the API drives.
type ServerAdmin interface {
	AddServer(ctx context.Context, cfg *config.ServerConfig, strict bool) (*config.ServerConfig, error)
	UpdateServer(ctx context.Context, cfg *config.ServerConfig) (*config.ServerConfig, error)
	DeleteServer(ctx context.Context, id string) (*config.ServerConfig, error)
	ServerState(name string) (connected bool, lastError string)
}

// Handler carries the REST dependencies.
type Handler struct {
	store   *storage.Store
	admin   ServerAdmin
	logger  *zap.Logger
	version string
	apiKey  string
	metrics http.Handler
}

func NewHandler(store *storage.Store, admin ServerAdmin, version, apiKey string, metrics http.Handler, logger *zap.Logger) *Handler {
	return &Handler{
		store:   store,
		admin:   admin,
		logger:  logger.Named("httpapi"),
		version: version,
		apiKey:  apiKey,
		metrics: metrics,
	}
}

// Router builds the chi router with the /api surface and /metrics.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.health)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAPIKey)
			r.Route("/mcp-servers", func(r chi.Router) {
				r.Get("/", h.listServers)
				r.Post("/", h.createServer)
				r.Get("/{id}", h.getServer)
				r.Put("/{id}", h.updateServer)
				r.Delete("/{id}", h.deleteServer)
			})
		})
	})
	return r
}

// requireAPIKey enforces the shared bearer token when one is configured.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if strings.TrimPrefix(header, "Bearer ") != h.apiKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or missing API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, contracts.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Server:    serverName,
		Version:   h.version,
	})
}

func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := storage.ServerFilter{Type: query.Get("server_type")}
	if raw := query.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, apperr.New(apperr.Validation, "invalid enabled value %q", raw))
			return
		}
		filter.Enabled = &enabled
	}

	page := queryInt(query.Get("page"), 1)
	limit := queryInt(query.Get("limit"), defaultPageLimit)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageLimit {
		limit = defaultPageLimit
	}
	includeTools, _ := strconv.ParseBool(query.Get("include_tools"))

	servers, total, err := h.store.ListServers(r.Context(), filter, page, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]contracts.ServerView, 0, len(servers))
	for _, cfg := range servers {
		view, err := h.serverView(r, cfg, includeTools)
		if err != nil {
			h.writeError(w, err)
			return
		}
		views = append(views, view)
	}

	totalPages := (total + limit - 1) / limit
	writeJSON(w, http.StatusOK, contracts.ListServersResponse{
		Data: views,
		Pagination: contracts.Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: totalPages,
		},
	})
}

func (h *Handler) getServer(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.store.GetServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	includeTools, _ := strconv.ParseBool(r.URL.Query().Get("include_tools"))
	view, err := h.serverView(r, cfg, includeTools)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contracts.ServerResponse{Data: view})
}

func (h *Handler) createServer(w http.ResponseWriter, r *http.Request) {
	var body contracts.ServerCreate
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, apperr.Wrap(apperr.Validation, err, "invalid request body"))
		return
	}

	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	cfg := &config.ServerConfig{
		Name:        body.Name,
		Type:        body.Type,
		URL:         body.URL,
		Command:     body.Command,
		Args:        body.Args,
		Headers:     body.Headers,
		Env:         body.Env,
		Description: body.Description,
		Enabled:     enabled,
	}

	created, err := h.admin.AddServer(r.Context(), cfg, body.Strict)
	if err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.serverView(r, created, false)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, contracts.ServerResponse{Data: view})
}

func (h *Handler) updateServer(w http.ResponseWriter, r *http.Request) {
	var body contracts.ServerPatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, apperr.Wrap(apperr.Validation, err, "invalid request body"))
		return
	}

	cfg, err := h.store.GetServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	applyPatch(cfg, &body)

	updated, err := h.admin.UpdateServer(r.Context(), cfg)
	if err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.serverView(r, updated, false)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contracts.ServerResponse{Data: view})
}

func (h *Handler) deleteServer(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.admin.DeleteServer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contracts.DeleteServerResponse{
		DeletedID:         deleted.ID,
		DeletedServerName: deleted.Name,
	})
}

func applyPatch(cfg *config.ServerConfig, patch *contracts.ServerPatch) {
	if patch.Name != nil {
		cfg.Name = *patch.Name
	}
	if patch.Type != nil {
		cfg.Type = *patch.Type
	}
	if patch.URL != nil {
		cfg.URL = *patch.URL
	}
	if patch.Command != nil {
		cfg.Command = *patch.Command
	}
	if patch.Args != nil {
		cfg.Args = patch.Args
	}
	if patch.Headers != nil {
		cfg.Headers = patch.Headers
	}
	if patch.Env != nil {
		cfg.Env = patch.Env
	}
	if patch.Description != nil {
		cfg.Description = *patch.Description
	}
	if patch.Enabled != nil {
		cfg.Enabled = *patch.Enabled
	}
}

func (h *Handler) serverView(r *http.Request, cfg *config.ServerConfig, includeTools bool) (contracts.ServerView, error) {
	connected, lastError := h.admin.ServerState(cfg.Name)
	view := contracts.ServerView{
		ID:          cfg.ID,
		Name:        cfg.Name,
		Type:        cfg.Type,
		URL:         cfg.URL,
		Command:     cfg.Command,
		Args:        cfg.Args,
		Headers:     cfg.Headers,
		Env:         cfg.Env,
		Description: cfg.Description,
		Enabled:     cfg.Enabled,
		Connected:   connected,
		LastError:   lastError,
		CreatedAt:   cfg.CreatedAt,
		UpdatedAt:   cfg.UpdatedAt,
	}
	if includeTools {
		tools, err := h.store.ListServerTools(r.Context(), cfg.Name)
		if err != nil {
			return contracts.ServerView{}, err
		}
		view.Tools = tools
	}
	return view, nil
}

// writeError maps error kinds to HTTP statuses per the API contract.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  apperr.KindOf(err).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
