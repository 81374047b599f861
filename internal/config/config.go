// Package config provides the environment-driven configuration for the voice
// gateway. Configuration is read once at startup; the resulting [Config] is a
// process-wide singleton that is never mutated after [FromEnv] returns.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l onto the corresponding [slog.Level].
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Environment defaults.
const (
	DefaultPort     = 8080
	DefaultLocation = "us-central1"
	DefaultModel    = "gemini-2.0-flash-live-preview-04-09"
)

// Config is the root configuration for the gateway process.
type Config struct {
	// Port is the TCP port the HTTP/WebSocket listener binds to. PORT.
	Port int

	// Env is the deployment environment name. NODE_ENV; any value other
	// than "production" selects development behaviour (pretty logs, debug
	// level allowed, mock tokens permitted when enabled).
	Env string

	// LogLevel controls verbosity. LOG_LEVEL.
	LogLevel LogLevel

	// AllowedOrigins lists WebSocket origin patterns accepted during the
	// handshake. ALLOWED_ORIGINS, comma separated. Empty means same-host
	// only.
	AllowedOrigins []string

	// VertexProjectID is the Google Cloud project hosting the live model.
	// VERTEX_AI_PROJECT_ID. Required in production.
	VertexProjectID string

	// VertexLocation is the Vertex AI region. VERTEX_AI_LOCATION.
	VertexLocation string

	// VertexModel is the live model identifier. VERTEX_AI_MODEL.
	VertexModel string

	// FirebaseProjectID is the project whose Firebase ID tokens are
	// accepted. FIREBASE_PROJECT_ID; falls back to VertexProjectID.
	FirebaseProjectID string

	// AllowMockTokens enables the development-only token bypass.
	// ALLOW_MOCK_TOKENS. Ignored in production.
	AllowMockTokens bool

	// STTFallbackEnabled runs the fallback recognizer alongside the
	// upstream session. STT_FALLBACK_ENABLED, default true.
	STTFallbackEnabled bool

	// STTDisableOnVertex tears the fallback recognizer down once the
	// upstream produces a user transcript, instead of merely muting it.
	// STT_DISABLE_ON_VERTEX, default true.
	STTDisableOnVertex bool

	// AssistantEmitPartials forwards partial assistant transcripts to the
	// client in addition to finals. ASSISTANT_EMIT_PARTIALS, default false.
	AssistantEmitPartials bool

	// RedFlagsFile is an optional YAML file overriding the safety
	// scanner's built-in phrase lists. RED_FLAGS_FILE.
	RedFlagsFile string
}

// IsProduction reports whether the gateway runs with production behaviour.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// MockTokensAllowed reports whether the mock-token bypass is active. The
// switch is hard-disabled in production regardless of the environment value.
func (c *Config) MockTokensAllowed() bool {
	return c.AllowMockTokens && !c.IsProduction()
}

// Lookup resolves an environment variable, mirroring [os.LookupEnv].
// Injected in tests.
type Lookup func(key string) (string, bool)

// FromEnv builds a validated [Config] from the process environment.
func FromEnv() (*Config, error) {
	return Parse(os.LookupEnv)
}

// Parse builds a validated [Config] using lookup for every variable.
// Unknown or empty values take the documented defaults.
func Parse(lookup Lookup) (*Config, error) {
	var errs []error

	cfg := &Config{
		Port:               DefaultPort,
		Env:                getString(lookup, "NODE_ENV", "development"),
		LogLevel:           LogLevel(getString(lookup, "LOG_LEVEL", string(LogInfo))),
		VertexProjectID:    getString(lookup, "VERTEX_AI_PROJECT_ID", ""),
		VertexLocation:     getString(lookup, "VERTEX_AI_LOCATION", DefaultLocation),
		VertexModel:        getString(lookup, "VERTEX_AI_MODEL", DefaultModel),
		RedFlagsFile:       getString(lookup, "RED_FLAGS_FILE", ""),
		STTFallbackEnabled: true,
		STTDisableOnVertex: true,
	}
	cfg.FirebaseProjectID = getString(lookup, "FIREBASE_PROJECT_ID", cfg.VertexProjectID)

	if raw, ok := lookup("PORT"); ok && raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("PORT %q is not a valid TCP port", raw))
		} else {
			cfg.Port = port
		}
	}

	if raw, ok := lookup("ALLOWED_ORIGINS"); ok {
		for _, origin := range strings.Split(raw, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
			}
		}
	}

	var err error
	if cfg.AllowMockTokens, err = getBool(lookup, "ALLOW_MOCK_TOKENS", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.STTFallbackEnabled, err = getBool(lookup, "STT_FALLBACK_ENABLED", true); err != nil {
		errs = append(errs, err)
	}
	if cfg.STTDisableOnVertex, err = getBool(lookup, "STT_DISABLE_ON_VERTEX", true); err != nil {
		errs = append(errs, err)
	}
	if cfg.AssistantEmitPartials, err = getBool(lookup, "ASSISTANT_EMIT_PARTIALS", false); err != nil {
		errs = append(errs, err)
	}

	errs = append(errs, validate(cfg)...)

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// validate checks cross-field coherence and returns every failure found.
func validate(cfg *Config) []error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.IsProduction() {
		if cfg.VertexProjectID == "" {
			errs = append(errs, errors.New("VERTEX_AI_PROJECT_ID is required in production"))
		}
		if cfg.AllowMockTokens {
			slog.Warn("ALLOW_MOCK_TOKENS is set but ignored in production")
		}
	}

	return errs
}

func getString(lookup Lookup, key, def string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return def
}

func getBool(lookup Lookup, key string, def bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, fmt.Errorf("%s %q is not a boolean", key, raw)
	}
	return v, nil
}
