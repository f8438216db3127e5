package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP      HTTPConfig
	Graph     GraphConfig
	Logging   LoggingConfig
	Store     StoreConfig
	Identity  IdentityConfig
	Retry     RetryConfig
	Discovery DiscoveryConfig
}

// HTTPConfig governs the observation API server.
type HTTPConfig struct {
	Host              string
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MetricsEnabled    bool
	AllowedOriginsCSV string
}

// GraphConfig describes connectivity to the remote graph database.
type GraphConfig struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	Colored       bool
	IncludeCaller bool
}

// StoreConfig selects the social graph backend.
type StoreConfig struct {
	Backend string // neo4j|memory
	// VisibilityDelay simulates query propagation lag on the memory backend.
	VisibilityDelay time.Duration
}

// IdentityConfig points at the local device state database.
type IdentityConfig struct {
	StatePath string
}

// RetryConfig parameterizes the shared backoff policy.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// DiscoveryConfig controls both short-range transports and the dedup cache.
type DiscoveryConfig struct {
	Enabled            bool
	Interface          string
	CacheSize          int
	BeaconGroup        string
	BeaconInterval     time.Duration
	BeaconPrefixLength int
	MDNSService        string
	MDNSInterval       time.Duration
	PowerPollInterval  time.Duration
}

const (
	BackendNeo4j  = "neo4j"
	BackendMemory = "memory"
)

const (
	defaultHost               = "0.0.0.0"
	defaultPort               = 8080
	defaultReadTimeout        = 10 * time.Second
	defaultWriteTimeout       = 15 * time.Second
	defaultIdleTimeout        = 60 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultLoggingLevel       = "info"
	defaultLoggingFormat      = "text"
	defaultGraphMaxSessions   = 10
	defaultStatePath          = "unipass.db"
	defaultRetryBaseDelay     = 500 * time.Millisecond
	defaultRetryMaxAttempts   = 5
	maxRetryAttempts          = 32
	defaultCacheSize          = 4096
	defaultBeaconGroup        = "239.255.77.77:42424"
	defaultBeaconInterval     = 2 * time.Second
	defaultBeaconPrefixLength = 28
	defaultMDNSService        = "_unipass._udp"
	defaultMDNSInterval       = 10 * time.Second
	defaultPowerPollInterval  = 5 * time.Second
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Host: valueOrDefault("SERVER_HOST", defaultHost),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			Colored:       parseBoolWithDefault("LOG_COLOR", false),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		Graph: GraphConfig{
			URI:            os.Getenv("GRAPH_URI"),
			Database:       valueOrDefault("GRAPH_DATABASE", ""),
			Username:       os.Getenv("GRAPH_USERNAME"),
			Password:       os.Getenv("GRAPH_PASSWORD"),
			MaxConnections: parseIntWithDefault("GRAPH_MAX_CONNECTIONS", defaultGraphMaxSessions),
		},
		Identity: IdentityConfig{
			StatePath: valueOrDefault("STATE_PATH", defaultStatePath),
		},
		Retry: RetryConfig{
			MaxAttempts: parseIntWithDefault("RETRY_MAX_ATTEMPTS", defaultRetryMaxAttempts),
		},
		Discovery: DiscoveryConfig{
			Enabled:            parseBoolWithDefault("DISCOVERY_ENABLED", true),
			Interface:          os.Getenv("DISCOVERY_INTERFACE"),
			CacheSize:          parseIntWithDefault("DISCOVERY_CACHE_SIZE", defaultCacheSize),
			BeaconGroup:        valueOrDefault("BEACON_GROUP", defaultBeaconGroup),
			BeaconPrefixLength: parseIntWithDefault("BEACON_PREFIX_LENGTH", defaultBeaconPrefixLength),
			MDNSService:        valueOrDefault("MDNS_SERVICE", defaultMDNSService),
		},
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", defaultReadTimeout, &cfg.HTTP.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT", defaultWriteTimeout, &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", defaultIdleTimeout, &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout, &cfg.HTTP.ShutdownTimeout},
		{"RETRY_BASE_DELAY", defaultRetryBaseDelay, &cfg.Retry.BaseDelay},
		{"BEACON_INTERVAL", defaultBeaconInterval, &cfg.Discovery.BeaconInterval},
		{"MDNS_INTERVAL", defaultMDNSInterval, &cfg.Discovery.MDNSInterval},
		{"POWER_POLL_INTERVAL", defaultPowerPollInterval, &cfg.Discovery.PowerPollInterval},
		{"MEMORY_VISIBILITY_DELAY", 0, &cfg.Store.VisibilityDelay},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	cfg.HTTP.MetricsEnabled = parseBoolWithDefault("SERVER_METRICS_ENABLED", false)
	cfg.HTTP.AllowedOriginsCSV = os.Getenv("SERVER_ALLOWED_ORIGINS")

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	switch backend {
	case "":
		backend = BackendMemory
		if cfg.Graph.URI != "" {
			backend = BackendNeo4j
		}
	case BackendNeo4j, BackendMemory:
	default:
		return Config{}, fmt.Errorf("invalid STORE_BACKEND %q: must be %s or %s", backend, BackendNeo4j, BackendMemory)
	}
	cfg.Store.Backend = backend

	if cfg.Retry.MaxAttempts <= 0 || cfg.Retry.MaxAttempts > maxRetryAttempts {
		return Config{}, fmt.Errorf("RETRY_MAX_ATTEMPTS must be between 1 and %d, got %d", maxRetryAttempts, cfg.Retry.MaxAttempts)
	}
	if cfg.Discovery.BeaconPrefixLength < 20 {
		return Config{}, fmt.Errorf("BEACON_PREFIX_LENGTH must be at least 20, got %d", cfg.Discovery.BeaconPrefixLength)
	}

	return cfg, nil
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
