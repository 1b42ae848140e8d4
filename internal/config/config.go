// Package config loads server options from construction-time defaults,
// environment-variable overrides, and an optional YAML file, grounded on
// the teacher's cmd/main.go getEnv/getEnvInt helpers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/heleneproject/helene/internal/session"
)

// Options configures one Helene server instance.
type Options struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	WSPath   string `yaml:"wsPath"`
	HTTPPath string `yaml:"httpPath"`
	SSEPath  string `yaml:"ssePath"`

	AllowedOrigins []string `yaml:"allowedOrigins"`

	RateLimit session.RateLimit `yaml:"-"`

	// KeepAliveInterval is the WebSocket heartbeat tick (spec.md §4.2).
	KeepAliveInterval time.Duration `yaml:"-"`

	// AllowedContextKeys restricts what rpc:init projects back to the
	// client (spec.md §4.5).
	AllowedContextKeys []string `yaml:"allowedContextKeys"`

	ClusterBusURL    string `yaml:"clusterBusURL"`
	PresenceRedisURL string `yaml:"presenceRedisURL"`

	// AcceptConnections gates the WebSocket upgrade handler (spec.md
	// §4.6); false makes every upgrade respond 503.
	AcceptConnections bool `yaml:"-"`

	JWTSecret string `yaml:"-"`

	LogLevel string `yaml:"logLevel"`
	Pretty   bool   `yaml:"-"`

	InstanceID string `yaml:"-"`
}

// Default returns the construction-time defaults; callers then apply
// FromEnv and/or FromYAML on top.
func Default() Options {
	return Options{
		Host:               "0.0.0.0",
		Port:               8000,
		WSPath:             "/helene-ws",
		HTTPPath:           "/__h",
		SSEPath:            "/__h",
		RateLimit:          session.DefaultRateLimit,
		KeepAliveInterval:  10 * time.Second,
		AllowedContextKeys: nil,
		AcceptConnections:  true,
		LogLevel:           "info",
	}
}

// FromEnv overlays environment-variable overrides onto opts, mirroring
// the teacher's getEnv/getEnvInt convention.
func FromEnv(opts Options) Options {
	opts.Host = getEnv("HELENE_HOST", opts.Host)
	opts.Port = getEnvInt("HELENE_PORT", opts.Port)
	opts.WSPath = getEnv("HELENE_WS_PATH", opts.WSPath)
	opts.HTTPPath = getEnv("HELENE_HTTP_PATH", opts.HTTPPath)
	opts.SSEPath = getEnv("HELENE_SSE_PATH", opts.SSEPath)
	opts.ClusterBusURL = getEnv("HELENE_CLUSTER_BUS_URL", opts.ClusterBusURL)
	opts.PresenceRedisURL = getEnv("HELENE_PRESENCE_REDIS_URL", opts.PresenceRedisURL)
	opts.JWTSecret = getEnv("HELENE_JWT_SECRET", opts.JWTSecret)
	opts.LogLevel = getEnv("HELENE_LOG_LEVEL", opts.LogLevel)
	opts.Pretty = getEnv("HELENE_LOG_PRETTY", boolString(opts.Pretty)) == "true"
	opts.AcceptConnections = getEnv("HELENE_ACCEPT_CONNECTIONS", boolString(opts.AcceptConnections)) == "true"
	opts.InstanceID = getEnv("HELENE_INSTANCE_ID", opts.InstanceID)

	if origins := os.Getenv("HELENE_ALLOWED_ORIGINS"); origins != "" {
		opts.AllowedOrigins = splitCSV(origins)
	}
	if keys := os.Getenv("HELENE_ALLOWED_CONTEXT_KEYS"); keys != "" {
		opts.AllowedContextKeys = splitCSV(keys)
	}

	opts.RateLimit.Max = getEnvInt("HELENE_RATE_LIMIT_MAX", opts.RateLimit.Max)
	if v := os.Getenv("HELENE_RATE_LIMIT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.RateLimit.Interval = d
		}
	}
	if v := os.Getenv("HELENE_KEEP_ALIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.KeepAliveInterval = d
		}
	}

	return opts
}

// FromYAML overlays a YAML document onto opts. Fields tagged `yaml:"-"`
// (rate limit, keep-alive interval, accept-connections gate, JWT secret,
// pretty logging, instance id) are left to FromEnv/defaults.
func FromYAML(opts Options, data []byte) (Options, error) {
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("config: parse yaml: %w", err)
	}
	return opts, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
