package http

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
	"github.com/mithril-sec/mithril-proxy/internal/domain/scan"
	"github.com/mithril-sec/mithril-proxy/internal/domain/session"
	"github.com/mithril-sec/mithril-proxy/pkg/mcp"
	"github.com/mithril-sec/mithril-proxy/pkg/sse"
)

// maxSSELineBytes caps one upstream SSE line.
const maxSSELineBytes = 1 << 20

// handleSSE serves GET /{dest}/sse: the legacy transport's long-lived event
// stream. The proxy relays upstream frames line by line, rewriting the
// endpoint event so the client posts messages back through the proxy.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	d := h.lookup(w, r)
	if d == nil {
		return
	}
	switch d.Kind {
	case destination.KindStdio:
		h.writeGone(w, d.Name)
		return
	case destination.KindStreamableHTTP:
		h.writeError(w, http.StatusBadRequest,
			"destination "+d.Name+" does not support the SSE transport; use /"+d.Name+"/mcp")
		return
	}

	a := h.beginAudit(r, d.Name)

	resp, err := h.upstream.Stream(r.Context(), http.MethodGet, d.URL+"/sse", filterRequestHeader(r.Header), nil)
	if err != nil {
		h.logger.Warn("sse upstream connect failed", "destination", d.Name, "error", err)
		a.rec.Error = err.Error()
		h.writeError(w, http.StatusBadGateway, "Upstream unavailable")
		h.finish(a, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		copyResponseHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		a.rec.Error = "upstream returned " + resp.Status
		h.finish(a, resp.StatusCode)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	out, err := sse.NewWriter(w)
	if err != nil {
		a.rec.Error = err.Error()
		h.finish(a, http.StatusOK)
		return
	}

	status, streamErr := h.relayLegacyStream(r, d, resp.Body, out)
	if streamErr != nil {
		a.rec.Error = streamErr.Error()
	}
	h.finish(a, status)
}

// relayLegacyStream forwards validated SSE lines, rewriting endpoint events.
// Sessions minted for this stream are removed when it ends.
func (h *Handler) relayLegacyStream(r *http.Request, d *destination.Destination, body io.Reader, out *sse.Writer) (int, error) {
	var minted []string
	defer func() {
		for _, id := range minted {
			h.sessions.Remove(id)
		}
	}()

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxSSELineBytes)

	eventType := ""
	for sc.Scan() {
		if err := r.Context().Err(); err != nil {
			return http.StatusOK, nil // client went away
		}
		line := sc.Bytes()

		if len(line) == 0 {
			eventType = ""
			if err := out.WriteLine(nil); err != nil {
				return http.StatusOK, nil
			}
			continue
		}
		if !sse.ValidLine(line) {
			// Outside the SSE grammar: dropped, never forwarded.
			continue
		}

		if name, ok := sse.FieldValue(line, "event"); ok {
			eventType = name
			if err := out.WriteLine(line); err != nil {
				return http.StatusOK, nil
			}
			continue
		}

		payload, isData := sse.FieldValue(line, "data")
		if isData && eventType == "endpoint" {
			eventType = ""
			rewritten, err := h.rewriteEndpoint(d, payload, &minted)
			if err != nil {
				return http.StatusOK, err
			}
			if err := out.WriteLine([]byte("data: " + rewritten)); err != nil {
				return http.StatusOK, nil
			}
			continue
		}

		if err := out.WriteLine(line); err != nil {
			return http.StatusOK, nil
		}
	}

	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return http.StatusOK, err
	}
	return http.StatusOK, nil
}

// rewriteEndpoint turns an upstream endpoint-event payload into the proxy's
// message URL, minting and registering a fresh session id.
func (h *Handler) rewriteEndpoint(d *destination.Destination, payload string, minted *[]string) (string, error) {
	if strings.HasPrefix(payload, "http://") || strings.HasPrefix(payload, "https://") {
		if !d.SameOrigin(payload) {
			return "", errors.New("endpoint event points away from the configured upstream")
		}
	}
	target, err := d.ResolveUpstream(payload)
	if err != nil {
		return "", err
	}

	id, err := session.GenerateID()
	if err != nil {
		return "", err
	}
	if err := h.sessions.Register(id, target); err != nil {
		return "", err
	}
	*minted = append(*minted, id)
	return "/" + d.Name + "/message?session_id=" + id, nil
}

// handleMessage serves POST /{dest}/message?session_id=...: the legacy
// transport's message leg, forwarded to the URL minted by the SSE stream.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	d := h.lookup(w, r)
	if d == nil {
		return
	}
	switch d.Kind {
	case destination.KindStdio:
		h.writeGone(w, d.Name)
		return
	case destination.KindStreamableHTTP:
		h.writeError(w, http.StatusBadRequest,
			"destination "+d.Name+" does not support the SSE transport; use /"+d.Name+"/mcp")
		return
	}

	a := h.beginAudit(r, d.Name)

	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		h.writeError(w, http.StatusBadRequest, "Missing session_id query parameter")
		h.finish(a, http.StatusBadRequest)
		return
	}
	if !session.ValidID(sid) {
		h.writeError(w, http.StatusBadRequest, "Malformed session_id")
		h.finish(a, http.StatusBadRequest)
		return
	}
	target, err := h.sessions.Resolve(sid)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Session not found: "+sid)
		h.finish(a, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Cannot read request body")
		h.finish(a, http.StatusBadRequest)
		return
	}
	a.reqBody = body

	env, _ := mcp.Parse(body)
	a.setEnvelope(env)

	if res := h.scanner.Scan(r.Context(), body, d, scan.DirRequest); res.Action != scan.ActionPass {
		a.setDetection(res)
		if res.Action == scan.ActionBlock {
			var id []byte
			if env != nil {
				id = env.ID
			}
			h.writeRPCError(w, id, mcp.CodeInvalidRequest, "request blocked by security policy")
			h.finish(a, http.StatusOK)
			return
		}
		body = res.Body
		a.reqBody = body
	}

	resp, err := h.upstream.Do(r.Context(), http.MethodPost, target, filterRequestHeader(r.Header), body)
	if err != nil {
		h.logger.Warn("message upstream failed", "destination", d.Name, "error", err)
		a.rec.Error = err.Error()
		h.writeError(w, http.StatusBadGateway, "Upstream unreachable")
		h.finish(a, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		a.rec.Error = err.Error()
		h.writeError(w, http.StatusBadGateway, "Upstream unreachable")
		h.finish(a, http.StatusBadGateway)
		return
	}
	a.respBody = respBody

	if res := h.scanner.Scan(r.Context(), respBody, d, scan.DirResponse); res.Action != scan.ActionPass {
		a.setDetection(res)
		if res.Action == scan.ActionBlock {
			var id []byte
			if env != nil {
				id = env.ID
			}
			h.writeRPCError(w, id, mcp.CodeInternalError, "response blocked by security policy")
			h.finish(a, http.StatusOK)
			return
		}
		respBody = res.Body
		a.respBody = respBody
	}

	copyResponseHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
	h.finish(a, resp.StatusCode)
}

// writeGone answers legacy routes on stdio destinations: 410 rather than
// 404 to signal deliberate removal.
func (h *Handler) writeGone(w http.ResponseWriter, dest string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGone)
	_, _ = w.Write([]byte(`{"error":"SSE transport is no longer available for stdio destinations; use /` + dest + `/mcp"}`))
}
