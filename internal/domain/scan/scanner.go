package scan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
)

// Direction indicates which way the scanned body is flowing.
type Direction string

const (
	// DirRequest is a client-to-upstream body.
	DirRequest Direction = "request"
	// DirResponse is an upstream-to-client body.
	DirResponse Direction = "response"
)

// Action is the outcome of a scan.
type Action string

const (
	ActionPass    Action = "pass"
	ActionMonitor Action = "monitor"
	ActionRedact  Action = "redact"
	ActionBlock   Action = "block"
)

// RedactionPlaceholder replaces matched content in redact mode.
const RedactionPlaceholder = "**REDACTED**"

// modeSeverity orders modes for strictest-wins resolution.
var modeSeverity = map[destination.ScanMode]int{
	destination.ScanOff:     0,
	destination.ScanMonitor: 1,
	destination.ScanRedact:  2,
	destination.ScanBlock:   3,
}

// Result describes what the handler must do with the scanned body.
type Result struct {
	Action Action
	// Engine names the engine that triggered: "regex" or "ai".
	Engine string
	// Detail is the matched pattern or the confidence score.
	Detail string
	// Body is the body to forward; differs from the input only on redact.
	Body []byte
}

// Engine scores a body for prompt injection, returning a confidence in
// [0, 1]. Implementations must be safe for concurrent use and must do their
// own inference off the request path's critical section.
type Engine interface {
	Score(ctx context.Context, body string) (float64, error)
}

// Scanner is the pluggable inspector the transport handlers call on request
// and response bodies. SSE streaming bodies are never scanned frame-by-frame.
type Scanner struct {
	patterns  *PatternStore
	ai        Engine
	threshold float64
	logger    *slog.Logger
}

// NewScanner builds a scanner. ai may be nil, in which case ai_mode settings
// are inert. threshold is the global AI_INJECTION_THRESHOLD default.
func NewScanner(patterns *PatternStore, ai Engine, threshold float64, logger *slog.Logger) *Scanner {
	return &Scanner{patterns: patterns, ai: ai, threshold: threshold, logger: logger}
}

// Scan runs the configured engines over body per the destination's modes.
func (s *Scanner) Scan(ctx context.Context, body []byte, dest *destination.Destination, dir Direction) Result {
	pass := Result{Action: ActionPass, Body: body}
	if len(body) == 0 {
		return pass
	}

	cfg := dest.Scan
	regexMode := normalizeMode(cfg.RegexMode)
	aiMode := normalizeMode(cfg.AIMode)
	if regexMode == destination.ScanOff && aiMode == destination.ScanOff {
		return pass
	}

	best := pass
	bestMode := destination.ScanOff

	if regexMode != destination.ScanOff {
		for _, re := range s.patterns.snapshot() {
			if !re.Match(body) {
				continue
			}
			bestMode = regexMode
			best = Result{
				Action: Action(regexMode),
				Engine: "regex",
				Detail: re.String(),
				Body:   body,
			}
			if regexMode == destination.ScanRedact {
				best.Body = re.ReplaceAll(body, []byte(RedactionPlaceholder))
			}
			break // first match wins within the regex engine
		}
	}

	if aiMode != destination.ScanOff && bestMode != destination.ScanBlock && s.ai != nil {
		if maxChars := cfg.AIMaxChars; maxChars > 0 && len(body) > maxChars {
			s.logger.Warn("ai scan skipped: body exceeds limit",
				"destination", dest.Name, "limit", maxChars, "size", len(body))
		} else if score, err := s.ai.Score(ctx, string(body)); err != nil {
			s.logger.Warn("ai scan failed", "destination", dest.Name, "error", err)
		} else if score >= s.thresholdFor(dest) && modeSeverity[aiMode] > modeSeverity[bestMode] {
			bestMode = aiMode
			best = Result{
				Action: Action(aiMode),
				Engine: "ai",
				Detail: fmt.Sprintf("score=%.3f", score),
				Body:   body,
			}
			if aiMode == destination.ScanRedact {
				best.Body = []byte(RedactionPlaceholder)
			}
		}
	}

	if bestMode == destination.ScanOff {
		return pass
	}
	_ = dir // direction only affects the synthesized error code, chosen by the caller
	return best
}

func (s *Scanner) thresholdFor(dest *destination.Destination) float64 {
	if t := dest.Scan.AIThreshold; t > 0 {
		return t
	}
	return s.threshold
}

func normalizeMode(m destination.ScanMode) destination.ScanMode {
	switch m {
	case destination.ScanMonitor, destination.ScanRedact, destination.ScanBlock:
		return m
	default:
		return destination.ScanOff
	}
}
