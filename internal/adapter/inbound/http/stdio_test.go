package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mithril-sec/mithril-proxy/internal/adapter/outbound/bridge"
	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
	"github.com/mithril-sec/mithril-proxy/internal/domain/session"
)

// stdioFixture backs a "pipe" destination with a cat subprocess, which echoes
// every request line back as its response.
func stdioFixture(t *testing.T) (*fixture, *bridge.Bridge) {
	t.Helper()
	return stdioFixtureCmd(t, "cat")
}

func stdioFixtureCmd(t *testing.T, command string) (*fixture, *bridge.Bridge) {
	t.Helper()
	d := &destination.Destination{Name: "pipe", Kind: destination.KindStdio, Command: command}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	br := bridge.New(d, bridge.Options{
		Logger:     slog.New(slog.DiscardHandler),
		RPCTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = br.Shutdown(ctx)
	})
	f := newFixture(t, []*destination.Destination{d}, fixtureOpts{
		bridges: map[string]*bridge.Bridge{"pipe": br},
	})
	return f, br
}

func TestStdioPostMintsSession(t *testing.T) {
	f, _ := stdioFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/pipe/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":"c1","method":"initialize","params":{}}`)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	sid := rec.Header().Get("Mcp-Session-Id")
	if !session.ValidStreamableID(sid) {
		t.Fatalf("minted session id %q is not a UUIDv4", sid)
	}

	// cat echoed the request; the bridge restored the caller's id.
	var resp struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "c1" {
		t.Errorf("id = %q, want the original client id", resp.ID)
	}

	// The minted session is reusable.
	req := httptest.NewRequest(http.MethodPost, "/pipe/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":"c2","method":"tools/list"}`))
	req.Header.Set("Mcp-Session-Id", sid)
	rec = f.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("second call status = %d", rec.Code)
	}
	if got := rec.Header().Get("Mcp-Session-Id"); got != sid {
		t.Errorf("session header changed: %q", got)
	}
}

func TestStdioPostNotificationAccepted(t *testing.T) {
	f, _ := stdioFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/pipe/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("202 carried a body: %s", rec.Body.String())
	}
	if sid := rec.Header().Get("Mcp-Session-Id"); !session.ValidStreamableID(sid) {
		t.Errorf("no session minted for the notification: %q", sid)
	}
}

func TestStdioPostRejectsMalformedMessage(t *testing.T) {
	f, _ := stdioFixture(t)

	// The bridge rewrites ids, so the body must pass strict JSON-RPC
	// decoding, not just envelope extraction.
	for _, body := range []string{
		`hello`,
		`{"id":1,"method":"ping"}`,
	} {
		rec := f.do(httptest.NewRequest(http.MethodPost, "/pipe/mcp", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestStdioPostClientGone(t *testing.T) {
	f, _ := stdioFixtureCmd(t, "sleep 60")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/pipe/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)).WithContext(ctx)
	rec := f.do(req)

	// An abandoned call gets no response body; the audit trail records it
	// under the client-closed status.
	if rec.Body.Len() != 0 {
		t.Errorf("abandoned call wrote a body: %s", rec.Body.String())
	}
	if got := f.sink.last(t); got.StatusCode != statusClientClosed {
		t.Errorf("audit status = %d, want %d", got.StatusCode, statusClientClosed)
	}
}

func TestStdioSessionErrors(t *testing.T) {
	f, _ := stdioFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/pipe/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Mcp-Session-Id", "not-a-uuid")
	if rec := f.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed session id: status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/pipe/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Mcp-Session-Id", session.GenerateStreamableID())
	if rec := f.do(req); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session id: status = %d, want 404", rec.Code)
	}
}

func TestStdioDelete(t *testing.T) {
	f, br := stdioFixture(t)

	sid, err := br.OpenSession()
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/pipe/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sid)
	if rec := f.do(req); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}

	// Second delete finds nothing.
	req = httptest.NewRequest(http.MethodDelete, "/pipe/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sid)
	if rec := f.do(req); rec.Code != http.StatusNotFound {
		t.Errorf("repeat delete status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/pipe/mcp", nil)
	if rec := f.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("missing header status = %d, want 400", rec.Code)
	}
}

func TestStdioGetRequiresSession(t *testing.T) {
	f, _ := stdioFixture(t)

	if rec := f.do(httptest.NewRequest(http.MethodGet, "/pipe/mcp", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("missing header status = %d, want 400", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/pipe/mcp", nil)
	req.Header.Set("Mcp-Session-Id", session.GenerateStreamableID())
	if rec := f.do(req); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}

func TestStdioGetStreamsNotifications(t *testing.T) {
	f, br := stdioFixture(t)

	sid, err := br.OpenSession()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/pipe/mcp", nil).WithContext(ctx)
	req.Header.Set("Mcp-Session-Id", sid)

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.mux.ServeHTTP(rec, req)
	}()

	// Pump notifications until the handler has subscribed and relayed one.
	// cat echoes each id-less line, which the bridge fans out to the stream.
	notification := []byte(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`)
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = br.Notify(notification)
			}
		}
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done
	close(stop)

	body := rec.Body.String()
	if !strings.Contains(body, `data: {"jsonrpc":"2.0","method":"notifications/message"`) {
		t.Errorf("no notification frame relayed:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := rec.Header().Get("Mcp-Session-Id"); got != sid {
		t.Errorf("session header = %q", got)
	}
}

func TestStdioBridgeMissing(t *testing.T) {
	// A stdio destination with no bridge wired is unavailable, not a panic.
	d := &destination.Destination{Name: "pipe", Kind: destination.KindStdio, Command: "cat"}
	f := newFixture(t, []*destination.Destination{d}, fixtureOpts{})

	rec := f.do(httptest.NewRequest(http.MethodPost, "/pipe/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
