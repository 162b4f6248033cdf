// Package scan implements the pluggable prompt-injection scanner hook.
//
// Two engines feed the hook: a deterministic regex engine loaded from flat
// pattern files, and an optional semantic engine registered at assembly
// time. Each destination selects a mode per engine (off, monitor, redact,
// block); when both engines trigger, the strictest mode wins.
package scan

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// PatternStore holds the compiled regex patterns, hot-reloadable from a
// directory of flat files (*.txt, *.conf; one pattern per line, # comments).
type PatternStore struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewPatternStore creates a store for the given directory and performs the
// initial load. A missing directory is not an error: the regex engine just
// has zero patterns until a reload.
func NewPatternStore(dir string, logger *slog.Logger) *PatternStore {
	s := &PatternStore{dir: dir, logger: logger}
	if _, err := s.Reload(); err != nil {
		logger.Warn("pattern load failed", "dir", dir, "error", err)
	}
	return s
}

// Reload re-reads the pattern directory and swaps the compiled set in one
// step. Returns the number of patterns loaded.
func (s *PatternStore) Reload() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.mu.Lock()
		s.patterns = nil
		s.mu.Unlock()
		if os.IsNotExist(err) {
			s.logger.Warn("patterns directory does not exist, regex engine has 0 patterns",
				"dir", s.dir)
			return 0, nil
		}
		return 0, fmt.Errorf("read patterns dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".txt" && ext != ".conf") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var compiled []*regexp.Regexp
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("cannot read pattern file", "file", name, "error", err)
			continue
		}
		for lineno, line := range strings.Split(string(data), "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			re, err := regexp.Compile("(?i)" + trimmed)
			if err != nil {
				s.logger.Warn("invalid regex pattern skipped",
					"file", name, "line", lineno+1, "error", err)
				continue
			}
			compiled = append(compiled, re)
		}
	}

	s.mu.Lock()
	s.patterns = compiled
	s.mu.Unlock()

	s.logger.Info("loaded regex patterns", "count", len(compiled), "dir", s.dir)
	return len(compiled), nil
}

// snapshot returns the current pattern set without holding the lock during
// matching.
func (s *PatternStore) snapshot() []*regexp.Regexp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.patterns
}

// Len returns the number of compiled patterns.
func (s *PatternStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}
