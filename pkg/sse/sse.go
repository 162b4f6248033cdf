// Package sse implements the Server-Sent Events line grammar used by the
// MCP SSE transports. The proxy forwards upstream streams line-by-line, so
// the package works on raw lines rather than assembled events.
package sse

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
)

// Field prefixes permitted by the SSE grammar. Lines outside this set are
// dropped by the proxy rather than forwarded.
var allowedPrefixes = []string{"data:", "event:", "id:", "retry:", ":"}

// ValidLine reports whether a raw SSE line (without trailing newline) may be
// forwarded. Empty lines terminate an event and are always valid.
func ValidLine(line []byte) bool {
	if len(line) == 0 {
		return true
	}
	for _, p := range allowedPrefixes {
		if bytes.HasPrefix(line, []byte(p)) {
			return true
		}
	}
	return false
}

// FieldValue returns the value of the given field if the line carries it,
// with the optional leading space stripped. The second return is false when
// the line is not that field.
func FieldValue(line []byte, field string) (string, bool) {
	prefix := field + ":"
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return "", false
	}
	return strings.TrimSpace(string(line[len(prefix):])), true
}

// Writer writes SSE frames to an http.ResponseWriter, flushing after every
// write so long-lived streams make progress through buffering layers.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps w for SSE output. Returns an error when the underlying
// writer cannot flush, since an unflushable SSE stream never delivers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported: %T cannot flush", w)
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteLine writes one raw line followed by a newline and flushes.
func (s *Writer) WriteLine(line []byte) error {
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteData writes a complete "data: <payload>\n\n" frame and flushes.
func (s *Writer) WriteData(payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteEvent writes a named event frame ("event: <name>\ndata: <payload>\n\n")
// and flushes.
func (s *Writer) WriteEvent(name string, payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
