// Package audit provides the file-based audit sink: one JSON line per
// record, append-only, with an in-memory ring of recent entries for the
// admin API.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mithril-sec/mithril-proxy/internal/domain/audit"
)

// FileStore implements audit.Store over a single append-only JSONL file.
// Writes are serialized by one mutex; a failed write is downgraded to a
// warning so request handling is never affected by sink trouble.
type FileStore struct {
	mu     sync.Mutex
	file   *os.File
	cache  *recordCache
	logger *slog.Logger
	closed bool
}

// cacheSize is the number of recent records kept for the admin view.
const cacheSize = 1000

// NewFileStore opens (or creates) the audit log file, creating parent
// directories with restricted permissions.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileStore{
		file:   f,
		cache:  newRecordCache(cacheSize),
		logger: logger,
	}, nil
}

// Log appends one record as a JSON line. Failures are logged, not returned.
func (s *FileStore) Log(rec audit.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("audit record marshal failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("audit record dropped: sink closed")
		return
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		s.logger.Warn("audit record write failed", "error", err)
		return
	}
	s.cache.add(rec)
}

// Recent returns up to n recent records, newest first.
func (s *FileStore) Recent(n int) []audit.Record {
	return s.cache.recent(n)
}

// Close syncs and closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.file.Sync()
	return s.file.Close()
}

// Compile-time interface verification.
var _ audit.Store = (*FileStore)(nil)

// recordCache is a ring buffer of recent audit records.
type recordCache struct {
	mu      sync.RWMutex
	entries []audit.Record
	size    int
	head    int
	count   int
}

func newRecordCache(size int) *recordCache {
	return &recordCache{
		entries: make([]audit.Record, size),
		size:    size,
	}
}

func (c *recordCache) add(rec audit.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.head] = rec
	c.head = (c.head + 1) % c.size
	if c.count < c.size {
		c.count++
	}
}

// recent returns the last n entries, newest first.
func (c *recordCache) recent(n int) []audit.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if n <= 0 || c.count == 0 {
		return nil
	}
	if n > c.count {
		n = c.count
	}
	out := make([]audit.Record, n)
	for i := 0; i < n; i++ {
		idx := (c.head - 1 - i + c.size) % c.size
		out[i] = c.entries[idx]
	}
	return out
}
