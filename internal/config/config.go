package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the relaygate gateway.
type Config struct {
	Port      int
	Version   string
	Telemetry TelemetryConfig
	Admission AdmissionConfig
	Provider  ProviderConfig
	Fanout    FanoutConfig
	Registry  RegistryConfig
	Quota     QuotaConfig
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// AdmissionConfig tunes the client-facing limiter and firewall.
type AdmissionConfig struct {
	// ChatPerMinute / AuthPerMinute / ReadPerMinute are the per-key budgets
	// for each route class.
	ChatPerMinute int
	AuthPerMinute int
	ReadPerMinute int
	Burst         int

	// ViolationTTL resets a key's firewall violation counter after this much
	// inactivity. Zero means the counter never resets on its own.
	ViolationTTL time.Duration
}

// ProviderConfig describes the upstream AI provider and proxy behavior.
type ProviderConfig struct {
	Kind     string // "openai", "anthropic", or any OpenAI-compatible kind
	Endpoint string
	APIKey   string

	// ModelMap translates caller-facing aliases to upstream native ids,
	// configured as "alias=native,alias2=native2".
	ModelMap map[string]string

	UpstreamPerMinute int           // per-API-key upstream call budget
	CacheTTL          time.Duration // completion cache time-to-live
	RetryInitialWait  time.Duration // first backoff interval
	MaxAttempts       int           // total attempts, including the first
	StreamHeartbeat   time.Duration // synthetic chunk interval while quiet
	MaxChunkBytes     int           // per-chunk memory bound
	RequestTimeout    time.Duration
}

type FanoutConfig struct {
	// NATSUrl selects the NATS-backed bus; empty falls back to the
	// in-process bus (single-instance deployments, tests).
	NATSUrl string
	Subject string
}

type RegistryConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
}

type QuotaConfig struct {
	// DefaultAllowance seeds the in-memory entitlement store per user.
	DefaultAllowance int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("RELAYGATE_PORT", 8080),
		Version: envStr("RELAYGATE_VERSION", "0.2.0"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "relaygate-gateway"),
		},
		Admission: AdmissionConfig{
			ChatPerMinute: envInt("ADMISSION_CHAT_PER_MINUTE", 30),
			AuthPerMinute: envInt("ADMISSION_AUTH_PER_MINUTE", 10),
			ReadPerMinute: envInt("ADMISSION_READ_PER_MINUTE", 120),
			Burst:         envInt("ADMISSION_BURST", 10),
			ViolationTTL:  envDur("ADMISSION_VIOLATION_TTL", 0),
		},
		Provider: ProviderConfig{
			Kind:              envStr("PROVIDER_KIND", "openai"),
			Endpoint:          envStr("PROVIDER_ENDPOINT", ""),
			APIKey:            envStr("PROVIDER_API_KEY", ""),
			ModelMap:          envMap("PROVIDER_MODEL_MAP", "default=gpt-4o-mini"),
			UpstreamPerMinute: envInt("PROVIDER_UPSTREAM_PER_MINUTE", 60),
			CacheTTL:          envDur("PROVIDER_CACHE_TTL", 5*time.Minute),
			RetryInitialWait:  envDur("PROVIDER_RETRY_INITIAL_WAIT", time.Second),
			MaxAttempts:       envInt("PROVIDER_MAX_ATTEMPTS", 3),
			StreamHeartbeat:   envDur("PROVIDER_STREAM_HEARTBEAT", 15*time.Second),
			MaxChunkBytes:     envInt("PROVIDER_MAX_CHUNK_BYTES", 8*1024),
			RequestTimeout:    envDur("PROVIDER_REQUEST_TIMEOUT", 120*time.Second),
		},
		Fanout: FanoutConfig{
			NATSUrl: envStr("NATS_URL", ""),
			Subject: envStr("FANOUT_SUBJECT", "relaygate.chat.events"),
		},
		Registry: RegistryConfig{
			PingInterval: envDur("REGISTRY_PING_INTERVAL", 15*time.Second),
			PongWait:     envDur("REGISTRY_PONG_WAIT", 30*time.Second),
		},
		Quota: QuotaConfig{
			DefaultAllowance: int64(envInt("QUOTA_DEFAULT_ALLOWANCE", 100)),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envMap parses "k=v,k2=v2" pairs.
func envMap(key, fallback string) map[string]string {
	raw := envStr(key, fallback)
	m := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && k != "" && v != "" {
			m[k] = v
		}
	}
	return m
}
