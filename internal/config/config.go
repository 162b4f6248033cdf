// Package config loads the proxy's runtime settings from environment
// variables and the destination and secrets files from YAML.
//
// Settings come from flat environment variables (no prefix), matching the
// deployment's systemd unit. Destinations and secrets are file-based: the
// destinations file is required, the secrets file is optional.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Defaults for unset environment variables.
const (
	DefaultListenAddr       = "0.0.0.0:3000"
	DefaultAdminPort        = 3001
	DefaultLogFile          = "/var/log/mithril-proxy/proxy.log"
	DefaultPatternsDir      = "/etc/mithril-proxy/patterns.d"
	DefaultDestinationsPath = "config/destinations.yml"
	DefaultSecretsPath      = "config/secrets.yml"
	DefaultMaxStdioConns    = 10
	DefaultMaxBodyBytes     = 32768
	DefaultRPCTimeoutSecs   = 30
	DefaultAIThreshold      = 0.85
)

// Settings holds every environment-derived knob.
type Settings struct {
	// ListenAddr is the main proxy listener (LISTEN_ADDR).
	ListenAddr string `mapstructure:"listen_addr" validate:"required,hostname_port"`
	// AdminPort is the loopback-only admin listener port (ADMIN_PORT).
	AdminPort int `mapstructure:"admin_port" validate:"min=1,max=65535"`
	// LogLevel sets the minimum slog level (LOG_LEVEL).
	LogLevel string `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	// LogFile is the JSONL audit log path (LOG_FILE).
	LogFile string `mapstructure:"log_file" validate:"required"`
	// AuditLogBodies gates request/response body capture (AUDIT_LOG_BODIES).
	AuditLogBodies bool `mapstructure:"audit_log_bodies"`
	// MaxStdioConnections caps concurrent sessions per destination
	// (MAX_STDIO_CONNECTIONS).
	MaxStdioConnections int `mapstructure:"max_stdio_connections" validate:"min=1"`
	// MaxBodyBytes caps a single captured audit body (MAX_BODY_BYTES).
	MaxBodyBytes int `mapstructure:"max_body_bytes" validate:"min=1"`
	// RPCResponseTimeoutSeconds bounds a stdio bridge call
	// (RPC_RESPONSE_TIMEOUT_SECONDS).
	RPCResponseTimeoutSeconds int `mapstructure:"rpc_response_timeout_seconds" validate:"min=1"`
	// AIInjectionThreshold is the semantic scanner's global confidence cutoff
	// (AI_INJECTION_THRESHOLD).
	AIInjectionThreshold float64 `mapstructure:"ai_injection_threshold" validate:"gte=0,lte=1"`
	// PatternsDir holds the regex scanner's pattern files (PATTERNS_DIR).
	PatternsDir string `mapstructure:"patterns_dir"`
	// DestinationsPath is the destinations YAML file (DESTINATIONS_CONFIG).
	DestinationsPath string `mapstructure:"destinations_config" validate:"required"`
	// SecretsPath is the optional secrets YAML file (SECRETS_CONFIG).
	SecretsPath string `mapstructure:"secrets_config"`
}

// RPCTimeout returns the bridge call deadline as a duration.
func (s *Settings) RPCTimeout() time.Duration {
	return time.Duration(s.RPCResponseTimeoutSeconds) * time.Second
}

// AdminAddr returns the loopback admin listen address.
func (s *Settings) AdminAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", s.AdminPort)
}

// envBindings maps viper keys to their environment variable names. The
// variables are flat and unprefixed to match the existing deployments.
var envBindings = map[string]string{
	"listen_addr":                  "LISTEN_ADDR",
	"admin_port":                   "ADMIN_PORT",
	"log_level":                    "LOG_LEVEL",
	"log_file":                     "LOG_FILE",
	"audit_log_bodies":             "AUDIT_LOG_BODIES",
	"max_stdio_connections":        "MAX_STDIO_CONNECTIONS",
	"max_body_bytes":               "MAX_BODY_BYTES",
	"rpc_response_timeout_seconds": "RPC_RESPONSE_TIMEOUT_SECONDS",
	"ai_injection_threshold":       "AI_INJECTION_THRESHOLD",
	"patterns_dir":                 "PATTERNS_DIR",
	"destinations_config":          "DESTINATIONS_CONFIG",
	"secrets_config":               "SECRETS_CONFIG",
}

// LoadSettings reads the environment into a validated Settings value.
func LoadSettings() (*Settings, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	v.SetDefault("listen_addr", DefaultListenAddr)
	v.SetDefault("admin_port", DefaultAdminPort)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", DefaultLogFile)
	v.SetDefault("audit_log_bodies", true)
	v.SetDefault("max_stdio_connections", DefaultMaxStdioConns)
	v.SetDefault("max_body_bytes", DefaultMaxBodyBytes)
	v.SetDefault("rpc_response_timeout_seconds", DefaultRPCTimeoutSecs)
	v.SetDefault("ai_injection_threshold", DefaultAIThreshold)
	v.SetDefault("patterns_dir", DefaultPatternsDir)
	v.SetDefault("destinations_config", DefaultDestinationsPath)
	v.SetDefault("secrets_config", DefaultSecretsPath)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}
	return &s, nil
}
