// Package config loads the configuration tree for a slimta-go daemon:
// defaults, then an optional YAML file, then environment variables,
// layered with koanf the way teacher internal/config/config.go does, and
// validated with go-playground/validator struct tags the way teacher
// internal/pkg/validate.go does.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete daemon configuration.
type Config struct {
	Edges         EdgesConfig         `mapstructure:"edges" validate:"required"`
	Queue         QueueConfig         `mapstructure:"queue" validate:"required"`
	Relay         RelayConfig         `mapstructure:"relay" validate:"required"`
	Storage       StorageConfig       `mapstructure:"storage" validate:"required"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// EdgesConfig holds ingress settings.
type EdgesConfig struct {
	SMTP SMTPEdgeConfig `mapstructure:"smtp" validate:"required"`
}

// SMTPEdgeConfig holds inbound SMTP server settings, grounded on teacher
// SMTPInboundConfig, renamed and extended for the hand-rolled protocol
// engine's TLS and auth knobs.
type SMTPEdgeConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	Hostname          string        `mapstructure:"hostname" validate:"required,hostname_rfc1123"`
	MaxConns          int           `mapstructure:"max_conns" validate:"gte=0"`
	MaxMessageBytes   int           `mapstructure:"max_message_bytes" validate:"gt=0"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
	DataTimeout       time.Duration `mapstructure:"data_timeout" validate:"gt=0"`
	TLSCertFile       string        `mapstructure:"tls_cert_file"`
	TLSKeyFile        string        `mapstructure:"tls_key_file"`
	TLSImmediately    bool          `mapstructure:"tls_immediately"`
	RequireAuth       bool          `mapstructure:"require_auth"`
	AllowInsecureAuth bool          `mapstructure:"allow_insecure_auth"`
	ProxyMode         bool          `mapstructure:"proxy_mode"`
}

// QueueConfig holds scheduler settings, grounded on teacher WorkersConfig,
// restructured around the backoff schedule and bounded worker pools §4.7
// describes instead of asynq queue weights.
type QueueConfig struct {
	StorePoolSize  int      `mapstructure:"store_pool_size" validate:"gte=0"`
	RelayPoolSize  int      `mapstructure:"relay_pool_size" validate:"gte=0"`
	BouncePoolSize int      `mapstructure:"bounce_pool_size" validate:"gte=0"`
	BackoffSchedule []string `mapstructure:"backoff_schedule"`
	BounceQueue    string   `mapstructure:"bounce_queue"`
}

// ParseBackoffSchedule parses the string backoff delays into durations, the
// way WorkersConfig.ParseRetryDelays does for its worker retry delays.
func (q QueueConfig) ParseBackoffSchedule() ([]time.Duration, error) {
	delays := make([]time.Duration, 0, len(q.BackoffSchedule))
	for _, s := range q.BackoffSchedule {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid queue backoff delay %q: %w", s, err)
		}
		delays = append(delays, d)
	}
	return delays, nil
}

// RelayConfig holds egress settings for both relay strategies.
type RelayConfig struct {
	MX     MXRelayConfig     `mapstructure:"mx"`
	Static StaticRelayConfig `mapstructure:"static"`
}

// MXRelayConfig configures MxSmtpRelay and its DNSResolver, grounded on
// teacher DNSConfig plus SMTPOutboundConfig's TLS/timeout fields.
type MXRelayConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	PoolSize         int           `mapstructure:"pool_size" validate:"gte=0"`
	EhloAs           string        `mapstructure:"ehlo_as"`
	TLSPolicy        string        `mapstructure:"tls_policy" validate:"omitempty,oneof=none opportunistic required"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
	DataTimeout      time.Duration `mapstructure:"data_timeout" validate:"gt=0"`
	Nameserver       string        `mapstructure:"nameserver"`
	ResolverTimeout  time.Duration `mapstructure:"resolver_timeout" validate:"gt=0"`
	MXCacheTTL       time.Duration `mapstructure:"mx_cache_ttl" validate:"gt=0"`
	BreakerThreshold int           `mapstructure:"breaker_failure_threshold" validate:"gte=0"`
	BreakerReset     time.Duration `mapstructure:"breaker_reset_timeout" validate:"gte=0"`
}

// StaticRelayConfig configures StaticSmtpRelay, a fixed next-hop relay used
// for smart-host delivery or LMTP handoff to local delivery agents.
type StaticRelayConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Address        string        `mapstructure:"address" validate:"omitempty,hostname_port"`
	LMTP           bool          `mapstructure:"lmtp"`
	PoolSize       int           `mapstructure:"pool_size" validate:"gte=0"`
	EhloAs         string        `mapstructure:"ehlo_as"`
	TLSRequired    bool          `mapstructure:"tls_required"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
	DataTimeout    time.Duration `mapstructure:"data_timeout" validate:"gt=0"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
}

// StorageConfig selects and configures a QueueStorage backend, grounded on
// teacher StorageConfig's Type-selector/S3-sub-struct shape, replacing the
// attachment-store backends with the three QueueStorage implementations.
type StorageConfig struct {
	Type  string            `mapstructure:"type" validate:"required,oneof=memory disk redis"`
	Disk  DiskStorageConfig `mapstructure:"disk"`
	Redis RedisStorageConfig `mapstructure:"redis"`
}

// DiskStorageConfig configures DiskStorage. Dir is required when
// StorageConfig.Type is "disk"; that cross-field check is made by
// StorageConfig.Validate rather than a struct tag, since go-playground's
// required_if only compares sibling fields within the same struct.
type DiskStorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// RedisStorageConfig configures RedisStorage. Addr is required when
// StorageConfig.Type is "redis"; see DiskStorageConfig's comment.
type RedisStorageConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AuthConfig names which SASL mechanisms the SMTP edge offers and where
// credentials come from. Credential verification itself is wired by the
// daemon (§10 Auth: "enabled mechanisms, credential source"); this struct
// only carries the declarative policy.
type AuthConfig struct {
	Mechanisms []string `mapstructure:"mechanisms" validate:"dive,oneof=PLAIN LOGIN CRAM-MD5 XOAUTH2"`
}

// LoggingConfig holds logging settings, unchanged in shape from teacher
// LoggingConfig.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}

// ObservabilityConfig holds tracing/metrics settings.
type ObservabilityConfig struct {
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool    `mapstructure:"otlp_insecure"`
	SampleRate     float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	MetricsAddr    string  `mapstructure:"metrics_addr"`
	ServiceName    string  `mapstructure:"service_name"`
}

// defaults returns the default configuration as a flat map using koanf's
// "." delimiter for nested keys, mirroring teacher config.go's defaults().
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"edges.smtp.listen_addr":          ":25",
		"edges.smtp.hostname":             "localhost",
		"edges.smtp.max_conns":            1000,
		"edges.smtp.max_message_bytes":    26214400,
		"edges.smtp.command_timeout":      "5m",
		"edges.smtp.data_timeout":         "10m",
		"edges.smtp.tls_immediately":      false,
		"edges.smtp.require_auth":         false,
		"edges.smtp.allow_insecure_auth":  false,
		"edges.smtp.proxy_mode":           false,

		"queue.store_pool_size":  10,
		"queue.relay_pool_size":  10,
		"queue.bounce_pool_size": 5,
		"queue.backoff_schedule": []string{"5m", "20m", "2h", "6h"},
		"queue.bounce_queue":     "bounce",

		"relay.mx.enabled":                   true,
		"relay.mx.pool_size":                 10,
		"relay.mx.tls_policy":                "opportunistic",
		"relay.mx.connect_timeout":           "30s",
		"relay.mx.command_timeout":           "5m",
		"relay.mx.data_timeout":              "10m",
		"relay.mx.resolver_timeout":          "10s",
		"relay.mx.mx_cache_ttl":              "5m",
		"relay.mx.breaker_failure_threshold": 5,
		"relay.mx.breaker_reset_timeout":     "1m",

		"relay.static.enabled":         false,
		"relay.static.lmtp":            false,
		"relay.static.pool_size":       10,
		"relay.static.tls_required":    false,
		"relay.static.connect_timeout": "30s",
		"relay.static.command_timeout": "5m",
		"relay.static.data_timeout":    "10m",
		"relay.static.idle_timeout":    "1m",

		"storage.type":             "memory",
		"storage.redis.key_prefix": "slimta:queue:",

		"auth.mechanisms": []string{"PLAIN", "LOGIN"},

		"logging.level":  "info",
		"logging.format": "json",

		"observability.sample_rate":  0.1,
		"observability.service_name": "slimtad",
		"observability.metrics_addr": ":9090",
	}
}

// Load reads the configuration from defaults, an optional YAML file, and
// environment variables (prefix SLIMTA_). Later sources override earlier
// ones, mirroring teacher config.go's Load.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// SLIMTA_EDGES_SMTP_LISTEN_ADDR -> edges.smtp.listen_addr
	if err := k.Load(env.Provider("SLIMTA_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "SLIMTA_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var validate = validator.New()

// Validate runs struct validation using go-playground/validator tags,
// grounded on teacher internal/pkg/validate.go's Validate, plus the
// cross-field storage backend checks struct tags alone cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	switch cfg.Storage.Type {
	case "disk":
		if cfg.Storage.Disk.Dir == "" {
			return fmt.Errorf("storage.disk.dir is required when storage.type is %q", "disk")
		}
	case "redis":
		if cfg.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required when storage.type is %q", "redis")
		}
	}
	return nil
}

// ValidationErrors extracts a map of field names to failed validation tags
// from a validator.ValidationErrors error, grounded on teacher
// internal/pkg/validate.go's ValidationErrors.
func ValidationErrors(err error) map[string]string {
	out := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			out[e.Field()] = e.Tag()
		}
	}
	return out
}
