package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mithril-sec/mithril-proxy/internal/domain/destination"
)

// destinationEntry is one nested destination mapping in the YAML file.
type destinationEntry struct {
	Type        string         `yaml:"type"`
	URL         string         `yaml:"url"`
	Command     string         `yaml:"command"`
	Env         map[string]any `yaml:"env"`
	RegexMode   string         `yaml:"regex_mode"`
	AIMode      string         `yaml:"ai_mode"`
	AIThreshold float64        `yaml:"ai_threshold"`
	AIMaxChars  int            `yaml:"ai_max_chars"`
}

// LoadDestinations parses the destinations YAML file. Two forms are
// accepted per entry: a bare string URL (shorthand for an sse destination)
// and a nested mapping with type, url or command, env, and scanner modes.
// The whole set may also sit under a top-level "destinations" key.
//
// The returned destinations are not yet validated; the registry does that.
func LoadDestinations(path string) ([]*destination.Destination, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf(
				"destinations config not found: %s (create it or set DESTINATIONS_CONFIG)", path)
		}
		return nil, fmt.Errorf("read destinations config: %w", err)
	}

	var root map[string]yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if root == nil {
		// Empty file is valid: no destinations configured yet.
		return nil, nil
	}

	entries := root
	if node, ok := root["destinations"]; ok && len(root) == 1 {
		nested := make(map[string]yaml.Node)
		if err := node.Decode(&nested); err != nil {
			return nil, fmt.Errorf("parse %s: destinations must be a mapping: %w", path, err)
		}
		entries = nested
	}

	dests := make([]*destination.Destination, 0, len(entries))
	for name, node := range entries {
		d, err := parseEntry(name, &node)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		dests = append(dests, d)
	}
	return dests, nil
}

func parseEntry(name string, node *yaml.Node) (*destination.Destination, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var raw string
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("destination %q: %w", name, err)
		}
		url := strings.TrimSpace(raw)
		if url == "" {
			return nil, fmt.Errorf("destination %q has an empty URL", name)
		}
		return &destination.Destination{
			Name: name,
			Kind: destination.KindSSE,
			URL:  strings.TrimRight(url, "/"),
		}, nil

	case yaml.MappingNode:
		var entry destinationEntry
		if err := node.Decode(&entry); err != nil {
			return nil, fmt.Errorf("destination %q: %w", name, err)
		}
		return entryToDestination(name, &entry)

	default:
		return nil, fmt.Errorf("destination %q must be a string URL or a mapping", name)
	}
}

func entryToDestination(name string, entry *destinationEntry) (*destination.Destination, error) {
	kind := destination.Kind(entry.Type)
	if entry.Type == "" {
		kind = destination.KindSSE
	}

	d := &destination.Destination{
		Name: name,
		Kind: kind,
		Env:  coerceEnv(entry.Env),
	}

	switch kind {
	case destination.KindSSE, destination.KindStreamableHTTP:
		url := strings.TrimSpace(entry.URL)
		if url == "" {
			return nil, fmt.Errorf("destination %q (type %s) requires a non-empty url", name, kind)
		}
		d.URL = strings.TrimRight(url, "/")
	case destination.KindStdio:
		command := strings.TrimSpace(entry.Command)
		if command == "" {
			return nil, fmt.Errorf("destination %q (type stdio) requires a non-empty command", name)
		}
		d.Command = command
	default:
		return nil, fmt.Errorf(
			"destination %q has unknown type %q (accepted: sse, streamable_http, stdio)",
			name, entry.Type)
	}

	scan, err := parseScanConfig(name, entry)
	if err != nil {
		return nil, err
	}
	d.Scan = scan
	return d, nil
}

func parseScanConfig(name string, entry *destinationEntry) (destination.ScanConfig, error) {
	regexMode, err := parseScanMode(name, "regex_mode", entry.RegexMode)
	if err != nil {
		return destination.ScanConfig{}, err
	}
	aiMode, err := parseScanMode(name, "ai_mode", entry.AIMode)
	if err != nil {
		return destination.ScanConfig{}, err
	}
	return destination.ScanConfig{
		RegexMode:   regexMode,
		AIMode:      aiMode,
		AIThreshold: entry.AIThreshold,
		AIMaxChars:  entry.AIMaxChars,
	}, nil
}

func parseScanMode(name, field, raw string) (destination.ScanMode, error) {
	switch destination.ScanMode(raw) {
	case destination.ScanOff, destination.ScanMonitor, destination.ScanRedact, destination.ScanBlock:
		return destination.ScanMode(raw), nil
	case "":
		return destination.ScanOff, nil
	default:
		return "", fmt.Errorf(
			"destination %q has invalid %s %q (accepted: off, monitor, redact, block)",
			name, field, raw)
	}
}

// coerceEnv stringifies YAML-parsed scalar values (ints, bools) so they pass
// cleanly into a subprocess environment.
func coerceEnv(env map[string]any) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// LoadSecrets parses the secrets YAML file: a mapping of destination name to
// env var names and values. A missing file is not an error.
func LoadSecrets(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read secrets config: %w", err)
	}

	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	out := make(map[string]map[string]string, len(raw))
	for dest, vars := range raw {
		out[dest] = coerceEnv(vars)
	}
	return out, nil
}

// ApplySecrets merges secrets-file variables into each destination's env.
// Explicit env entries in the destinations file win on conflict.
func ApplySecrets(dests []*destination.Destination, secrets map[string]map[string]string) {
	for _, d := range dests {
		vars, ok := secrets[d.Name]
		if !ok || len(vars) == 0 {
			continue
		}
		merged := make(map[string]string, len(vars)+len(d.Env))
		for k, v := range vars {
			merged[k] = v
		}
		for k, v := range d.Env {
			merged[k] = v
		}
		d.Env = merged
	}
}
