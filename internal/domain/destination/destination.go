// Package destination contains domain types for proxy destinations: the
// upstream MCP servers the proxy multiplexes, keyed by URL path prefix.
package destination

import (
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strings"

	"github.com/google/shlex"
)

// Kind identifies the transport a destination speaks.
type Kind string

const (
	// KindSSE is the legacy MCP-over-SSE transport (GET /sse + POST /message).
	KindSSE Kind = "sse"
	// KindStreamableHTTP is the modern single-endpoint transport (/mcp).
	KindStreamableHTTP Kind = "streamable_http"
	// KindStdio is a locally spawned subprocess surfaced via /mcp.
	KindStdio Kind = "stdio"
)

// ScanMode selects what the scanner hook does on a detection.
type ScanMode string

const (
	ScanOff     ScanMode = "off"
	ScanMonitor ScanMode = "monitor"
	ScanRedact  ScanMode = "redact"
	ScanBlock   ScanMode = "block"
)

// namePattern restricts destination names used in URL paths.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// shellMetachars are rejected in stdio commands. The command is tokenized
// without a shell, so their presence indicates a misconfigured or malicious
// entry rather than intended syntax.
const shellMetachars = ";|&$<>()`\n\r"

// Sentinel errors for registry operations and validation.
var (
	ErrNotFound       = errors.New("destination not found")
	ErrInvalidName    = errors.New("destination name must match [A-Za-z0-9_-]{1,64}")
	ErrInvalidScheme  = errors.New("destination url must use http or https")
	ErrInvalidCommand = errors.New("destination command is invalid")
)

// ScanConfig holds the per-destination scanner hook settings.
type ScanConfig struct {
	// RegexMode controls the deterministic pattern engine.
	RegexMode ScanMode
	// AIMode controls the semantic engine, when one is registered.
	AIMode ScanMode
	// AIThreshold overrides the global injection threshold when > 0.
	AIThreshold float64
	// AIMaxChars caps the body size submitted to the semantic engine.
	AIMaxChars int
}

// Destination is one configured upstream, immutable after load.
type Destination struct {
	// Name is the URL path prefix, e.g. /{name}/sse.
	Name string
	// Kind selects the transport.
	Kind Kind
	// URL is the upstream base URL (sse and streamable_http only),
	// normalized without a trailing slash.
	URL string
	// Command is the raw configured command line (stdio only).
	Command string
	// Argv is Command tokenized POSIX-style without a shell (stdio only).
	Argv []string
	// Env holds extra environment variables for the subprocess, merged over
	// the allowlisted base and the destination's secrets.
	Env map[string]string
	// Scan holds the scanner hook settings.
	Scan ScanConfig
}

// Validate checks the invariants the registry enforces at load time.
// For stdio destinations it also resolves argv[0] on PATH, failing fast at
// boot rather than on first request.
func (d *Destination) Validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, d.Name)
	}

	switch d.Kind {
	case KindSSE, KindStreamableHTTP:
		u, err := url.Parse(d.URL)
		if err != nil {
			return fmt.Errorf("destination %q: parse url: %w", d.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("destination %q: %w (got %q)", d.Name, ErrInvalidScheme, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("destination %q: url %q has no host", d.Name, d.URL)
		}
	case KindStdio:
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("destination %q: %w: empty command", d.Name, ErrInvalidCommand)
		}
		if i := strings.IndexAny(d.Command, shellMetachars); i >= 0 {
			return fmt.Errorf("destination %q: %w: contains shell metacharacter %q",
				d.Name, ErrInvalidCommand, d.Command[i])
		}
		argv, err := shlex.Split(d.Command)
		if err != nil {
			return fmt.Errorf("destination %q: %w: %v", d.Name, ErrInvalidCommand, err)
		}
		if len(argv) == 0 {
			return fmt.Errorf("destination %q: %w: empty command", d.Name, ErrInvalidCommand)
		}
		if _, err := exec.LookPath(argv[0]); err != nil {
			return fmt.Errorf("destination %q: executable %q not found on PATH: %w",
				d.Name, argv[0], err)
		}
		d.Argv = argv
	default:
		return fmt.Errorf("destination %q: unknown kind %q", d.Name, d.Kind)
	}

	return nil
}

// SameOrigin reports whether raw shares scheme, host, and port with the
// destination's upstream URL. Used to reject endpoint events pointing away
// from the configured upstream.
func (d *Destination) SameOrigin(raw string) bool {
	base, err := url.Parse(d.URL)
	if err != nil {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == base.Scheme && u.Host == base.Host
}

// ResolveUpstream turns an endpoint-event payload into an absolute upstream
// URL. Relative payloads are resolved against the destination's base URL;
// absolute ones are returned as-is (the caller checks SameOrigin first).
func (d *Destination) ResolveUpstream(endpoint string) (string, error) {
	base, err := url.Parse(d.URL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
