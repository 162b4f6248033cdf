package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/mithril-sec/mithril-proxy/internal/adapter/outbound/bridge"
	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
	"github.com/mithril-sec/mithril-proxy/internal/domain/scan"
	"github.com/mithril-sec/mithril-proxy/internal/domain/session"
	"github.com/mithril-sec/mithril-proxy/pkg/mcp"
	"github.com/mithril-sec/mithril-proxy/pkg/sse"
)

// sessionHeader is the streamable transport's session id header.
const sessionHeader = "Mcp-Session-Id"

// statusClientClosed marks requests the client abandoned before a response
// was written. It appears in audit records and metrics, never on the wire.
const statusClientClosed = 499

// bridgeFor returns the destination's bridge, answering 503 on a miss.
func (h *Handler) bridgeFor(w http.ResponseWriter, d *destination.Destination, a *requestAudit) *bridge.Bridge {
	br, ok := h.bridges[d.Name]
	if !ok || !br.Available() {
		h.writeError(w, http.StatusServiceUnavailable, "Destination unavailable")
		h.finish(a, http.StatusServiceUnavailable)
		return nil
	}
	return br
}

// stdioSession resolves the request's session: absent header mints one,
// a present header must be a valid UUIDv4 naming a live session.
func (h *Handler) stdioSession(w http.ResponseWriter, r *http.Request, br *bridge.Bridge, a *requestAudit) (string, bool) {
	sid := r.Header.Get(sessionHeader)
	if sid == "" {
		sid, err := br.OpenSession()
		switch {
		case errors.Is(err, bridge.ErrCapacity):
			h.writeError(w, http.StatusServiceUnavailable, "Destination at capacity")
			h.finish(a, http.StatusServiceUnavailable)
			return "", false
		case err != nil:
			a.rec.Error = err.Error()
			h.writeError(w, http.StatusServiceUnavailable, "Destination unavailable")
			h.finish(a, http.StatusServiceUnavailable)
			return "", false
		}
		return sid, true
	}

	if !session.ValidStreamableID(sid) {
		h.writeError(w, http.StatusBadRequest, "Malformed Mcp-Session-Id")
		h.finish(a, http.StatusBadRequest)
		return "", false
	}
	if !br.HasSession(sid) {
		h.writeError(w, http.StatusNotFound, "Session not found")
		h.finish(a, http.StatusNotFound)
		return "", false
	}
	return sid, true
}

// stdioPost relays one POST body into the bridge. The request was already
// parsed and scanned by handleMCPPost.
func (h *Handler) stdioPost(w http.ResponseWriter, r *http.Request, d *destination.Destination, env *mcp.Envelope, body []byte, a *requestAudit) {
	br := h.bridgeFor(w, d, a)
	if br == nil {
		return
	}
	sid, ok := h.stdioSession(w, r, br, a)
	if !ok {
		return
	}

	if env.IsNotification() {
		if err := br.Notify(body); err != nil {
			a.rec.Error = err.Error()
			h.writeError(w, http.StatusServiceUnavailable, "Destination unavailable")
			h.finish(a, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set(sessionHeader, sid)
		w.WriteHeader(http.StatusAccepted)
		h.finish(a, http.StatusAccepted)
		return
	}

	resp, err := br.Call(r.Context(), env)
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		a.rec.Error = err.Error()
		h.writeError(w, http.StatusGatewayTimeout, "Upstream response timeout")
		h.finish(a, http.StatusGatewayTimeout)
		return
	case errors.Is(err, context.Canceled):
		// Client went away; the subprocess keeps running.
		h.finish(a, statusClientClosed)
		return
	case err != nil:
		a.rec.Error = err.Error()
		h.writeError(w, http.StatusServiceUnavailable, "Destination unavailable")
		h.finish(a, http.StatusServiceUnavailable)
		return
	}
	a.respBody = resp

	if res := h.scanner.Scan(r.Context(), resp, d, scan.DirResponse); res.Action != scan.ActionPass {
		a.setDetection(res)
		if res.Action == scan.ActionBlock {
			w.Header().Set(sessionHeader, sid)
			h.writeRPCError(w, env.ID, mcp.CodeInternalError, "response blocked by security policy")
			h.finish(a, http.StatusOK)
			return
		}
		resp = res.Body
		a.respBody = resp
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(sessionHeader, sid)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
	h.finish(a, http.StatusOK)
}

// stdioGet opens the notification stream for an existing session: one
// bounded queue per GET, drained as SSE data frames.
func (h *Handler) stdioGet(w http.ResponseWriter, r *http.Request, d *destination.Destination, a *requestAudit) {
	br := h.bridgeFor(w, d, a)
	if br == nil {
		return
	}

	sid := r.Header.Get(sessionHeader)
	if sid == "" || !session.ValidStreamableID(sid) {
		h.writeError(w, http.StatusBadRequest, "Missing or malformed Mcp-Session-Id")
		h.finish(a, http.StatusBadRequest)
		return
	}
	q, err := br.Subscribe(sid)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Session not found")
		h.finish(a, http.StatusNotFound)
		return
	}
	defer br.Unsubscribe(sid, q)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(sessionHeader, sid)
	w.WriteHeader(http.StatusOK)

	out, err := sse.NewWriter(w)
	if err != nil {
		a.rec.Error = err.Error()
		h.finish(a, http.StatusOK)
		return
	}

	for {
		item, ok := q.Pop(r.Context())
		if !ok {
			// Queue closed (session gone, subprocess exited, shutdown) or
			// the client disconnected.
			h.finish(a, http.StatusOK)
			return
		}
		if err := out.WriteData(item); err != nil {
			h.finish(a, http.StatusOK)
			return
		}
	}
}

// stdioDelete tears down one session. The subprocess stays up: the bridge
// is shared by the destination's other sessions.
func (h *Handler) stdioDelete(w http.ResponseWriter, r *http.Request, d *destination.Destination, a *requestAudit) {
	br := h.bridgeFor(w, d, a)
	if br == nil {
		return
	}

	sid := r.Header.Get(sessionHeader)
	if sid == "" || !session.ValidStreamableID(sid) {
		h.writeError(w, http.StatusBadRequest, "Missing or malformed Mcp-Session-Id")
		h.finish(a, http.StatusBadRequest)
		return
	}
	if err := br.CloseSession(sid); err != nil {
		h.writeError(w, http.StatusNotFound, "Session not found")
		h.finish(a, http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.finish(a, http.StatusNoContent)
}
