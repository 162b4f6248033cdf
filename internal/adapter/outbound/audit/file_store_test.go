package audit

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mithril-sec/mithril-proxy/internal/domain/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "logs", "proxy.log")
	store, err := NewFileStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestFileStoreAppendsJSONLines(t *testing.T) {
	store, path := newTestStore(t)

	for i := 0; i < 3; i++ {
		store.Log(audit.Record{
			Timestamp:   time.Now().UTC(),
			User:        "anonymous",
			Destination: "github",
			StatusCode:  200 + i,
		})
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec audit.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		if rec.StatusCode != 200+lines {
			t.Errorf("line %d status = %d, want %d", lines+1, rec.StatusCode, 200+lines)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("wrote %d lines, want 3", lines)
	}
}

func TestFileStoreRecentNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < 5; i++ {
		store.Log(audit.Record{StatusCode: 100 + i})
	}

	got := store.Recent(3)
	if len(got) != 3 {
		t.Fatalf("Recent(3) returned %d records", len(got))
	}
	for i, want := range []int{104, 103, 102} {
		if got[i].StatusCode != want {
			t.Errorf("Recent[%d].StatusCode = %d, want %d", i, got[i].StatusCode, want)
		}
	}

	// Asking for more than exists returns what exists.
	if got := store.Recent(100); len(got) != 5 {
		t.Errorf("Recent(100) returned %d records, want 5", len(got))
	}
	if got := store.Recent(0); got != nil {
		t.Errorf("Recent(0) = %v, want nil", got)
	}
}

func TestFileStoreRingWraps(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < cacheSize+10; i++ {
		store.Log(audit.Record{StatusCode: i})
	}

	got := store.Recent(2)
	if got[0].StatusCode != cacheSize+9 || got[1].StatusCode != cacheSize+8 {
		t.Errorf("after wrap Recent(2) = [%d %d], want [%d %d]",
			got[0].StatusCode, got[1].StatusCode, cacheSize+9, cacheSize+8)
	}
}

func TestFileStoreLogAfterClose(t *testing.T) {
	store, path := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	// Must not panic or write.
	store.Log(audit.Record{StatusCode: 500})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0 {
		t.Errorf("record written after close: %s", data)
	}
	// Double close is a no-op.
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestFileStoreConcurrentWrites(t *testing.T) {
	store, path := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				store.Log(audit.Record{StatusCode: n})
			}
		}(i)
	}
	wg.Wait()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if !json.Valid(sc.Bytes()) {
			t.Fatalf("interleaved write produced invalid JSON: %s", sc.Bytes())
		}
		lines++
	}
	if lines != 200 {
		t.Errorf("wrote %d lines, want 200", lines)
	}
}
