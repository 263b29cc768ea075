// Package config loads relay observability settings: built-in defaults,
// then an optional YAML file, then RELAY_* environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/strongdm/ai-relay-observe/pkg/apperr"
)

// EnvPrefix is the prefix of environment overrides.
// RELAY_REPORTING_NETWORK_ENDPOINT sets reporting.network.endpoint.
const EnvPrefix = "RELAY_"

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Log       LogConfig       `koanf:"log"`
	Reporting ReportingConfig `koanf:"reporting"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServiceConfig struct {
	Name        string `koanf:"name"`
	Environment string `koanf:"environment"`
	Version     string `koanf:"version"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type ReportingConfig struct {
	// Enabled false installs a discarding sink.
	Enabled       bool          `koanf:"enabled"`
	Scrub         bool          `koanf:"scrub"`
	CaptureSystem bool          `koanf:"capture_system"`
	FlushDelay    time.Duration `koanf:"flush_delay"`

	Console ConsoleConfig `koanf:"console"`
	Network NetworkConfig `koanf:"network"`
	Webhook WebhookConfig `koanf:"webhook"`
	CXDB    CXDBConfig    `koanf:"cxdb"`
	Async   AsyncConfig   `koanf:"async"`
}

type ConsoleConfig struct {
	Enabled bool `koanf:"enabled"`
	Verbose bool `koanf:"verbose"`
}

// NetworkConfig enables the batching HTTP sink when Endpoint is set.
type NetworkConfig struct {
	Endpoint       string        `koanf:"endpoint"`
	APIKey         string        `koanf:"api_key"`
	BatchSize      int           `koanf:"batch_size"`
	FlushInterval  time.Duration `koanf:"flush_interval"`
	Retries        int           `koanf:"retries"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`
	Timeout        time.Duration `koanf:"timeout"`
	MaxQueueSize   int           `koanf:"max_queue_size"`
}

// WebhookConfig enables the chat webhook sink when URL is set.
type WebhookConfig struct {
	URL          string        `koanf:"url"`
	MinSeverity  string        `koanf:"min_severity"`
	IncludeStack bool          `koanf:"include_stack"`
	Mention      string        `koanf:"mention"`
	Username     string        `koanf:"username"`
	Timeout      time.Duration `koanf:"timeout"`
}

// CXDBConfig enables the cxdb sink when Addr is set.
type CXDBConfig struct {
	Addr      string   `koanf:"addr"`
	ClientTag string   `koanf:"client_tag"`
	Labels    []string `koanf:"labels"`
}

// AsyncConfig wraps the composed sink in a bounded background queue.
type AsyncConfig struct {
	Enabled   bool `koanf:"enabled"`
	QueueSize int  `koanf:"queue_size"`
}

type RateLimitConfig struct {
	Points        int           `koanf:"points"`
	Duration      time.Duration `koanf:"duration"`
	BlockDuration time.Duration `koanf:"block_duration"`
	MaxActors     int           `koanf:"max_actors"`
}

type TelemetryConfig struct {
	Exporter     string        `koanf:"exporter"` // none, stdout, otlp
	OTLPEndpoint string        `koanf:"otlp_endpoint"`
	OTLPInsecure bool          `koanf:"otlp_insecure"`
	Interval     time.Duration `koanf:"interval"`
}

var defaults = map[string]any{
	"service.name":        "discord-claude-relay",
	"service.environment": "development",
	"service.version":     "",

	"log.level":  "info",
	"log.format": "text",

	"reporting.enabled":        true,
	"reporting.scrub":          true,
	"reporting.capture_system": false,
	"reporting.flush_delay":    time.Second,

	"reporting.console.enabled": true,
	"reporting.console.verbose": false,

	"reporting.network.endpoint":         "",
	"reporting.network.api_key":          "",
	"reporting.network.batch_size":       10,
	"reporting.network.flush_interval":   30 * time.Second,
	"reporting.network.retries":          3,
	"reporting.network.retry_base_delay": time.Second,
	"reporting.network.timeout":          10 * time.Second,
	"reporting.network.max_queue_size":   0,

	"reporting.webhook.url":           "",
	"reporting.webhook.min_severity":  "high",
	"reporting.webhook.include_stack": false,
	"reporting.webhook.mention":       "",
	"reporting.webhook.username":      "",
	"reporting.webhook.timeout":       10 * time.Second,

	"reporting.cxdb.addr":       "",
	"reporting.cxdb.client_tag": "discord-claude-relay",
	"reporting.cxdb.labels":     []string{"error", "relay", "unlinked"},

	"reporting.async.enabled":    false,
	"reporting.async.queue_size": 1000,

	"ratelimit.points":         10,
	"ratelimit.duration":       60 * time.Second,
	"ratelimit.block_duration": 120 * time.Second,
	"ratelimit.max_actors":     10000,

	"telemetry.exporter":      "none",
	"telemetry.otlp_endpoint": "",
	"telemetry.otlp_insecure": false,
	"telemetry.interval":      time.Minute,
}

// Load reads the configuration. path may be empty to skip the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, apperr.NewConfiguration("failed to load config file",
				apperr.WithCause(err),
				apperr.WithField("path", path),
			)
		}
	}

	// 2. Load from ENV (RELAY_REPORTING_NETWORK_BATCH_SIZE -> reporting.network.batch_size)
	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyMapper(k.Keys())), nil); err != nil {
		return nil, apperr.NewConfiguration("failed to load environment config", apperr.WithCause(err))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, apperr.NewConfiguration("failed to decode config", apperr.WithCause(err))
	}

	return &cfg, nil
}

// envKeyMapper maps an environment variable name onto a known key, so
// keys containing underscores survive. Unknown names fall back to
// replacing every underscore with the delimiter.
func envKeyMapper(known []string) func(string) string {
	byEnv := make(map[string]string, len(known))
	for _, key := range known {
		byEnv[strings.ReplaceAll(key, ".", "_")] = key
	}
	return func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		if key, ok := byEnv[name]; ok {
			return key
		}
		return strings.ReplaceAll(name, "_", ".")
	}
}

// Validate reports the first invalid setting as a configuration error.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return invalid("service.name", "must not be empty")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return invalid("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}

	r := c.Reporting
	if r.Network.Endpoint != "" {
		if err := validateURL("reporting.network.endpoint", r.Network.Endpoint); err != nil {
			return err
		}
		if r.Network.BatchSize <= 0 {
			return invalid("reporting.network.batch_size", "must be positive")
		}
		if r.Network.Retries <= 0 {
			return invalid("reporting.network.retries", "must be positive")
		}
		if r.Network.MaxQueueSize < 0 {
			return invalid("reporting.network.max_queue_size", "must not be negative")
		}
	}
	if r.Webhook.URL != "" {
		if err := validateURL("reporting.webhook.url", r.Webhook.URL); err != nil {
			return err
		}
		if _, ok := apperr.ParseSeverity(r.Webhook.MinSeverity); !ok {
			return invalid("reporting.webhook.min_severity", fmt.Sprintf("unknown severity %q", r.Webhook.MinSeverity))
		}
	}
	if r.Async.Enabled && r.Async.QueueSize <= 0 {
		return invalid("reporting.async.queue_size", "must be positive")
	}

	if c.RateLimit.Points <= 0 {
		return invalid("ratelimit.points", "must be positive")
	}
	if c.RateLimit.Duration <= 0 {
		return invalid("ratelimit.duration", "must be positive")
	}
	if c.RateLimit.BlockDuration <= 0 {
		return invalid("ratelimit.block_duration", "must be positive")
	}

	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			return invalid("telemetry.otlp_endpoint", "required for the otlp exporter")
		}
	default:
		return invalid("telemetry.exporter", fmt.Sprintf("unknown exporter %q", c.Telemetry.Exporter))
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid(field, fmt.Sprintf("invalid URL %q", raw))
	}
	return nil
}

func invalid(field, reason string) error {
	return apperr.NewConfiguration(fmt.Sprintf("invalid %s: %s", field, reason),
		apperr.WithField("field", field),
	)
}
