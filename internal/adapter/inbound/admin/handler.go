// Package admin serves the loopback-only operator API: pattern reload,
// recent audit records, and Prometheus metrics. It binds 127.0.0.1 and is
// never exposed on the proxy's main listener.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	auditfile "github.com/mithril-sec/mithril-proxy/internal/adapter/outbound/audit"
	"github.com/mithril-sec/mithril-proxy/internal/domain/scan"
)

// defaultRecentLimit caps /admin/audit/recent when no limit is given.
const defaultRecentLimit = 100

// Handler serves the admin routes.
type Handler struct {
	patterns *scan.PatternStore
	store    *auditfile.FileStore
	registry *prometheus.Registry
	logger   *slog.Logger
}

// NewHandler builds the admin handler. store may be nil when the audit sink
// is not file-backed; the recent endpoint then returns an empty list.
func NewHandler(patterns *scan.PatternStore, store *auditfile.FileStore, registry *prometheus.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{patterns: patterns, store: store, registry: registry, logger: logger}
}

// Routes builds the admin route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/reload-patterns", h.handleReloadPatterns)
	mux.HandleFunc("GET /admin/audit/recent", h.handleAuditRecent)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{Registry: h.registry}))
	return mux
}

// handleReloadPatterns re-reads the pattern directory and reports the count.
func (h *Handler) handleReloadPatterns(w http.ResponseWriter, _ *http.Request) {
	n, err := h.patterns.Reload()
	if err != nil {
		h.logger.Error("pattern reload failed", "error", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "pattern reload failed"})
		return
	}
	h.logger.Info("patterns reloaded", "loaded", n)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"loaded": n})
}

// handleAuditRecent returns the newest audit records, newest first.
func (h *Handler) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records := []any{}
	if h.store != nil {
		for _, rec := range h.store.Recent(limit) {
			records = append(records, rec)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(records)
}
