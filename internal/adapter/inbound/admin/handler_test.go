package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	auditfile "github.com/mithril-sec/mithril-proxy/internal/adapter/outbound/audit"
	"github.com/mithril-sec/mithril-proxy/internal/domain/audit"
	"github.com/mithril-sec/mithril-proxy/internal/domain/scan"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newAdmin(t *testing.T, patternsDir string, store *auditfile.FileStore) http.Handler {
	t.Helper()
	patterns := scan.NewPatternStore(patternsDir, testLogger())
	return NewHandler(patterns, store, prometheus.NewRegistry(), testLogger()).Routes()
}

func TestReloadPatterns(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "p.txt"), []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mux := newAdmin(t, dir, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/reload-patterns", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["loaded"] != 2 {
		t.Errorf("loaded = %d, want 2", body["loaded"])
	}

	// GET is not a valid method for the reload route.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/reload-patterns", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestAuditRecent(t *testing.T) {
	store, err := auditfile.NewFileStore(filepath.Join(t.TempDir(), "proxy.log"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	for i := 0; i < 5; i++ {
		store.Log(audit.Record{Destination: "github", StatusCode: 200 + i})
	}
	mux := newAdmin(t, t.TempDir(), store)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/audit/recent?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var records []audit.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].StatusCode != 204 || records[1].StatusCode != 203 {
		t.Errorf("records not newest first: %d, %d", records[0].StatusCode, records[1].StatusCode)
	}
}

func TestAuditRecentBadLimit(t *testing.T) {
	mux := newAdmin(t, t.TempDir(), nil)
	for _, limit := range []string{"zero", "0", "-3"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/audit/recent?limit="+limit, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", limit, rec.Code)
		}
	}
}

func TestAuditRecentNoStore(t *testing.T) {
	mux := newAdmin(t, t.TempDir(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/audit/recent", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mithril",
		Name:      "requests_total",
		Help:      "Total proxied requests.",
	})
	reg.MustRegister(counter)
	counter.Add(3)

	patterns := scan.NewPatternStore(t.TempDir(), testLogger())
	mux := NewHandler(patterns, nil, reg, testLogger()).Routes()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mithril_requests_total 3") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}
