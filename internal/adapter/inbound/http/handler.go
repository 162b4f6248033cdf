// Package http is the inbound HTTP adapter: it routes the three MCP
// transports the proxy multiplexes (legacy SSE, Streamable HTTP, stdio via
// Streamable HTTP) onto the destination registry.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mithril-sec/mithril-proxy/internal/adapter/outbound/bridge"
	"github.com/mithril-sec/mithril-proxy/internal/adapter/outbound/upstream"
	"github.com/mithril-sec/mithril-proxy/internal/domain/audit"
	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
	"github.com/mithril-sec/mithril-proxy/internal/domain/scan"
	"github.com/mithril-sec/mithril-proxy/internal/domain/session"
	"github.com/mithril-sec/mithril-proxy/pkg/mcp"
)

// Handler serves every proxy route. One instance handles all destinations.
type Handler struct {
	registry *destination.Registry
	sessions *session.Map
	upstream *upstream.Client
	bridges  map[string]*bridge.Bridge
	scanner  *scan.Scanner
	sink     audit.Store
	policy   audit.BodyPolicy
	metrics  *Metrics
	logger   *slog.Logger

	// slots enforces MaxConnPerDestination for remote streamable_http
	// destinations; stdio destinations are capped by their bridge.
	slots map[string]*semaphore.Weighted
}

// Config carries the handler's collaborators, assembled in cmd.
type Config struct {
	Registry *destination.Registry
	Sessions *session.Map
	Upstream *upstream.Client
	Bridges  map[string]*bridge.Bridge
	Scanner  *scan.Scanner
	Sink     audit.Store
	Policy   audit.BodyPolicy
	Metrics  *Metrics
	Logger   *slog.Logger
	// MaxConnPerDestination caps concurrent streamable requests per remote
	// destination.
	MaxConnPerDestination int64
}

// NewHandler builds the handler and its per-destination semaphores.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConnPerDestination <= 0 {
		cfg.MaxConnPerDestination = bridge.DefaultMaxSessions
	}
	slots := make(map[string]*semaphore.Weighted)
	for _, d := range cfg.Registry.All() {
		if d.Kind == destination.KindStreamableHTTP {
			slots[d.Name] = semaphore.NewWeighted(cfg.MaxConnPerDestination)
		}
	}
	return &Handler{
		registry: cfg.Registry,
		sessions: cfg.Sessions,
		upstream: cfg.Upstream,
		bridges:  cfg.Bridges,
		scanner:  cfg.Scanner,
		sink:     cfg.Sink,
		policy:   cfg.Policy,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		slots:    slots,
	}
}

// Routes builds the proxy's route table.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /{dest}/sse", h.handleSSE)
	mux.HandleFunc("POST /{dest}/message", h.handleMessage)
	mux.HandleFunc("POST /{dest}/mcp", h.handleMCPPost)
	mux.HandleFunc("GET /{dest}/mcp", h.handleMCPGet)
	mux.HandleFunc("DELETE /{dest}/mcp", h.handleMCPDelete)
	return mux
}

// handleHealth is the liveness probe. Deliberately not audited or logged.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// lookup resolves the {dest} path segment, answering 404 itself on a miss.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) *destination.Destination {
	name := r.PathValue("dest")
	d, err := h.registry.Lookup(name)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Unknown destination: "+name)
		return nil
	}
	return d
}

// writeError sends a static JSON error body. Server-side detail never
// reaches the client; it belongs in the audit record.
func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeRPCError sends a synthesized JSON-RPC error with HTTP 200, carrying
// the caller's original id.
func (h *Handler) writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(mcp.NewError(id, code, msg))
}

// requestAudit accumulates the fields of the one audit record each request
// produces.
type requestAudit struct {
	rec      audit.Record
	start    time.Time
	reqBody  []byte
	respBody []byte
}

// beginAudit opens the audit record for a request.
func (h *Handler) beginAudit(r *http.Request, dest string) *requestAudit {
	return &requestAudit{
		start: time.Now(),
		rec: audit.Record{
			User:        userTag(r),
			SourceIP:    sourceIP(r),
			Destination: dest,
		},
	}
}

// setEnvelope fills the JSON-RPC fields from a parsed request envelope.
func (a *requestAudit) setEnvelope(env *mcp.Envelope) {
	if env == nil {
		return
	}
	if env.Method != "" {
		a.rec.MCPMethod = env.Method
	}
	a.rec.RPCID = env.RPCID()
}

// setDetection fills the scanner fields on monitor, redact, or block.
func (a *requestAudit) setDetection(res scan.Result) {
	if res.Action == scan.ActionPass {
		return
	}
	a.rec.DetectionAction = string(res.Action)
	a.rec.DetectionEngine = res.Engine
	a.rec.DetectionDetail = res.Detail
}

// finish writes the record exactly once and updates metrics.
func (h *Handler) finish(a *requestAudit, status int) {
	a.rec.Timestamp = time.Now().UTC()
	a.rec.StatusCode = status
	a.rec.LatencyMS = float64(time.Since(a.start).Microseconds()) / 1000.0
	h.policy.Apply(&a.rec, a.reqBody, a.respBody)
	h.sink.Log(a.rec)
	h.metrics.observe(a.rec.Destination, status, time.Since(a.start))
}
