package http

import (
	"bufio"
	"io"
	"mime"
	"net/http"

	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
	"github.com/mithril-sec/mithril-proxy/internal/domain/scan"
	"github.com/mithril-sec/mithril-proxy/pkg/mcp"
	"github.com/mithril-sec/mithril-proxy/pkg/sse"
)

// handleMCPPost serves POST /{dest}/mcp for streamable_http and stdio
// destinations. The upstream reply is polymorphic: a JSON body is buffered
// and relayed, an SSE body is streamed frame by frame.
func (h *Handler) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	d := h.lookup(w, r)
	if d == nil {
		return
	}
	if d.Kind == destination.KindSSE {
		h.writeError(w, http.StatusBadRequest,
			"destination "+d.Name+" does not support the streamable transport; use /"+d.Name+"/sse")
		return
	}

	a := h.beginAudit(r, d.Name)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Cannot read request body")
		h.finish(a, http.StatusBadRequest)
		return
	}
	a.reqBody = body

	if mcp.IsBatch(body) {
		h.writeError(w, http.StatusBadRequest, "Batch requests are not supported")
		h.finish(a, http.StatusBadRequest)
		return
	}
	var env *mcp.Envelope
	if d.Kind == destination.KindStdio {
		// The bridge rewrites request ids, so the message must be a
		// well-formed JSON-RPC object.
		if _, err := mcp.Decode(body); err != nil {
			h.writeError(w, http.StatusBadRequest, "Body is not a JSON-RPC message")
			h.finish(a, http.StatusBadRequest)
			return
		}
		env, err = mcp.Parse(body)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Body is not a JSON-RPC message")
			h.finish(a, http.StatusBadRequest)
			return
		}
	} else {
		// Remote destinations get the body verbatim; envelope fields are
		// extracted best-effort for the audit record.
		env, _ = mcp.Parse(body)
	}
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

	if d.Kind == destination.KindStdio {
		h.stdioPost(w, r, d, env, body, a)
		return
	}

	slot := h.slots[d.Name]
	if !slot.TryAcquire(1) {
		h.writeError(w, http.StatusServiceUnavailable, "Destination at capacity")
		h.finish(a, http.StatusServiceUnavailable)
		return
	}
	defer slot.Release(1)

	resp, err := h.upstream.Stream(r.Context(), http.MethodPost, d.URL, filterRequestHeader(r.Header), body)
	if err != nil {
		h.logger.Warn("streamable upstream failed", "destination", d.Name, "error", err)
		a.rec.Error = err.Error()
		h.writeError(w, http.StatusBadGateway, "Upstream unavailable")
		h.finish(a, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	h.relayPolymorphic(w, r, d, resp, env, a)
}

// relayPolymorphic relays a streamable upstream response: JSON buffered,
// SSE streamed, anything else copied through.
func (h *Handler) relayPolymorphic(w http.ResponseWriter, r *http.Request, d *destination.Destination, resp *http.Response, env *mcp.Envelope, a *requestAudit) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	switch mediaType {
	case "text/event-stream":
		copyResponseHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		out, err := sse.NewWriter(w)
		if err != nil {
			a.rec.Error = err.Error()
			h.finish(a, resp.StatusCode)
			return
		}
		if err := relayEventStream(r, resp.Body, out); err != nil {
			a.rec.Error = err.Error()
		}
		h.finish(a, resp.StatusCode)

	case "application/json":
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			a.rec.Error = err.Error()
			h.writeError(w, http.StatusBadGateway, "Upstream unavailable")
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

	default:
		copyResponseHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		h.finish(a, resp.StatusCode)
	}
}

// relayEventStream forwards validated SSE lines until either side ends.
// Streaming bodies are never scanned frame by frame.
func relayEventStream(r *http.Request, body io.Reader, out *sse.Writer) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), maxSSELineBytes)
	for sc.Scan() {
		if r.Context().Err() != nil {
			return nil
		}
		line := sc.Bytes()
		if !sse.ValidLine(line) {
			continue
		}
		if err := out.WriteLine(line); err != nil {
			return nil // client went away
		}
	}
	return sc.Err()
}

// handleMCPGet serves GET /{dest}/mcp: the server-to-client notification
// stream of the streamable transport.
func (h *Handler) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	d := h.lookup(w, r)
	if d == nil {
		return
	}
	if d.Kind == destination.KindSSE {
		h.writeError(w, http.StatusBadRequest,
			"destination "+d.Name+" does not support the streamable transport; use /"+d.Name+"/sse")
		return
	}

	a := h.beginAudit(r, d.Name)

	if d.Kind == destination.KindStdio {
		h.stdioGet(w, r, d, a)
		return
	}

	slot := h.slots[d.Name]
	if !slot.TryAcquire(1) {
		h.writeError(w, http.StatusServiceUnavailable, "Destination at capacity")
		h.finish(a, http.StatusServiceUnavailable)
		return
	}
	defer slot.Release(1)

	resp, err := h.upstream.Stream(r.Context(), http.MethodGet, d.URL, filterRequestHeader(r.Header), nil)
	if err != nil {
		a.rec.Error = err.Error()
		h.writeError(w, http.StatusBadGateway, "Upstream unavailable")
		h.finish(a, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	h.relayPolymorphic(w, r, d, resp, nil, a)
}

// handleMCPDelete serves DELETE /{dest}/mcp: session teardown.
func (h *Handler) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	d := h.lookup(w, r)
	if d == nil {
		return
	}
	if d.Kind == destination.KindSSE {
		h.writeError(w, http.StatusBadRequest,
			"destination "+d.Name+" does not support the streamable transport; use /"+d.Name+"/sse")
		return
	}

	a := h.beginAudit(r, d.Name)

	if d.Kind == destination.KindStdio {
		h.stdioDelete(w, r, d, a)
		return
	}

	resp, err := h.upstream.Do(r.Context(), http.MethodDelete, d.URL, filterRequestHeader(r.Header), nil)
	if err != nil {
		a.rec.Error = err.Error()
		h.writeError(w, http.StatusBadGateway, "Upstream unavailable")
		h.finish(a, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyResponseHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	h.finish(a, resp.StatusCode)
}
