package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/user/price-scraper-service/internal/delivery/http/response"
	"github.com/user/price-scraper-service/internal/entity"
	"github.com/user/price-scraper-service/internal/repository"
	"github.com/user/price-scraper-service/internal/usecase"
)

// ProxyPool is the part of the proxy pool served by the API.
type ProxyPool interface {
	Statistics(ctx context.Context) (*entity.ProxyPoolStats, error)
	Deactivate(ctx context.Context, id int64) error
	Invalidate()
}

type Handler struct {
	runs    usecase.RunLogService
	proxies ProxyPool
	logger  *zap.Logger
}

// NewHandler creates the ops API handler. proxies may be nil when the pool is disabled.
func NewHandler(runs usecase.RunLogService, proxies ProxyPool, logger *zap.Logger) *Handler {
	return &Handler{
		runs:    runs,
		proxies: proxies,
		logger:  logger.Named("http"),
	}
}

func (h *Handler) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, repository.ErrNotFound) {
		h.writeJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load run", zap.String("run_id", chi.URLParam(r, "id")), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, response.NewRunResponse(run))
}

func (h *Handler) HandleGetRunChain(w http.ResponseWriter, r *http.Request) {
	chain, err := h.runs.RetryChain(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, repository.ErrNotFound) {
		h.writeJSONError(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load retry chain", zap.String("run_id", chi.URLParam(r, "id")), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	resp := response.RunChainResponse{Runs: make([]response.RunResponse, 0, len(chain))}
	for _, run := range chain {
		resp.Runs = append(resp.Runs, response.NewRunResponse(run))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleRunStats accepts optional mapping_id, from and to (RFC 3339) query parameters.
func (h *Handler) HandleRunStats(w http.ResponseWriter, r *http.Request) {
	var filter entity.RunFilter
	q := r.URL.Query()

	if raw := q.Get("mapping_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeJSONError(w, "mapping_id must be an integer", http.StatusBadRequest)
			return
		}
		filter.MappingID = &id
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeJSONError(w, p.name+" must be an RFC 3339 timestamp", http.StatusBadRequest)
			return
		}
		*p.dst = &ts
	}

	stats, err := h.runs.GetStatistics(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to compute run statistics", zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) HandleProxyStats(w http.ResponseWriter, r *http.Request) {
	if h.proxies == nil {
		h.writeJSONError(w, "Proxy pool is disabled", http.StatusNotFound)
		return
	}
	stats, err := h.proxies.Statistics(r.Context())
	if err != nil {
		h.logger.Error("Failed to compute proxy statistics", zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// HandleProxyReload drops the cached pool so rows edited in storage take
// effect on the next selection.
func (h *Handler) HandleProxyReload(w http.ResponseWriter, r *http.Request) {
	if h.proxies == nil {
		h.writeJSONError(w, "Proxy pool is disabled", http.StatusNotFound)
		return
	}
	h.proxies.Invalidate()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (h *Handler) HandleProxyDeactivate(w http.ResponseWriter, r *http.Request) {
	if h.proxies == nil {
		h.writeJSONError(w, "Proxy pool is disabled", http.StatusNotFound)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeJSONError(w, "id must be an integer", http.StatusBadRequest)
		return
	}
	err = h.proxies.Deactivate(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		h.writeJSONError(w, "Proxy not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to deactivate proxy", zap.Int64("proxy_id", id), zap.Error(err))
		h.writeJSONError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}

func (h *Handler) writeJSONError(w http.ResponseWriter, message string, status int) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
