package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr     = ":8080"
	defaultStagingDir     = "staging"
	defaultLogLevel       = "info"
	defaultPoolCapacity   = 3
	defaultIdleTimeout    = 30 * time.Minute
	defaultAcquireTimeout = 90 * time.Second
	defaultMaxBacklog     = 64
	defaultMaxItemBytes   = 2 << 30 // 2 GiB
	defaultFreeActive     = 1
	defaultSweepInterval  = time.Minute
	defaultOrphanGrace    = 5 * time.Minute
	defaultShutdownGrace  = 10 * time.Second
	defaultTierCacheSize  = 1024
	defaultTierCacheTTL   = 5 * time.Minute
	defaultEventHistory   = 4096
)

// Platform configures the messaging-platform HTTP client factory.
type Platform struct {
	AuthURL string        `yaml:"auth_url" env:"RELAY_PLATFORM_AUTH_URL"`
	APIKey  string        `yaml:"api_key" env:"RELAY_PLATFORM_API_KEY"`
	Token   string        `yaml:"token" env:"RELAY_PLATFORM_TOKEN"`
	Timeout time.Duration `yaml:"timeout" env:"RELAY_PLATFORM_TIMEOUT"`
}

// Config describes runtime configuration for the daemon. Values come from
// the YAML file first, then RELAY_* environment variables override.
type Config struct {
	ListenAddr string `yaml:"listen_addr" env:"RELAY_LISTEN_ADDR"`
	LogLevel   string `yaml:"log_level" env:"RELAY_LOG_LEVEL"`
	StagingDir string `yaml:"staging_dir" env:"RELAY_STAGING_DIR"`

	PoolCapacity       int           `yaml:"pool_capacity" env:"RELAY_POOL_CAPACITY"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout" env:"RELAY_SESSION_IDLE_TIMEOUT"`
	AcquireTimeout     time.Duration `yaml:"acquire_timeout" env:"RELAY_ACQUIRE_TIMEOUT"`

	MaxBacklog        int      `yaml:"max_backlog" env:"RELAY_MAX_BACKLOG"`
	MaxItemBytes      int64    `yaml:"max_item_bytes" env:"RELAY_MAX_ITEM_BYTES"`
	AllowedMediaTypes []string `yaml:"allowed_media_types"`

	FreeActivePerUser    int           `yaml:"free_active_per_user" env:"RELAY_FREE_ACTIVE_PER_USER"`
	PremiumActivePerUser int           `yaml:"premium_active_per_user" env:"RELAY_PREMIUM_ACTIVE_PER_USER"`
	PremiumUsers         []int64       `yaml:"premium_users"`
	TierCacheSize        int           `yaml:"tier_cache_size" env:"RELAY_TIER_CACHE_SIZE"`
	TierCacheTTL         time.Duration `yaml:"tier_cache_ttl" env:"RELAY_TIER_CACHE_TTL"`

	SweepInterval    time.Duration `yaml:"sweep_interval" env:"RELAY_SWEEP_INTERVAL"`
	OrphanGrace      time.Duration `yaml:"orphan_grace" env:"RELAY_ORPHAN_GRACE"`
	MemoryLimitBytes uint64        `yaml:"memory_limit_bytes" env:"RELAY_MEMORY_LIMIT_BYTES"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"RELAY_SHUTDOWN_GRACE"`
	EventHistory  int           `yaml:"event_history" env:"RELAY_EVENT_HISTORY"`

	Platform Platform `yaml:"platform"`
}

// Default returns the configuration used when the file and environment
// provide nothing.
func Default() Config {
	return Config{
		ListenAddr:         defaultListenAddr,
		LogLevel:           defaultLogLevel,
		StagingDir:         defaultStagingDir,
		PoolCapacity:       defaultPoolCapacity,
		SessionIdleTimeout: defaultIdleTimeout,
		AcquireTimeout:     defaultAcquireTimeout,
		MaxBacklog:         defaultMaxBacklog,
		MaxItemBytes:       defaultMaxItemBytes,
		FreeActivePerUser:  defaultFreeActive,
		TierCacheSize:      defaultTierCacheSize,
		TierCacheTTL:       defaultTierCacheTTL,
		SweepInterval:      defaultSweepInterval,
		OrphanGrace:        defaultOrphanGrace,
		ShutdownGrace:      defaultShutdownGrace,
		EventHistory:       defaultEventHistory,
	}
}

// Load reads YAML config from the provided path, then applies RELAY_*
// environment overrides. If the file does not exist or is empty, defaults
// plus environment are returned with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return cfg, fmt.Errorf("decode environment: %w", err)
	}

	// basic normalization
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = defaultStagingDir
	}
	if cfg.SessionIdleTimeout <= 0 {
		cfg.SessionIdleTimeout = defaultIdleTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = defaultOrphanGrace
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if cfg.TierCacheSize <= 0 {
		cfg.TierCacheSize = defaultTierCacheSize
	}
	if cfg.TierCacheTTL <= 0 {
		cfg.TierCacheTTL = defaultTierCacheTTL
	}
	if cfg.EventHistory <= 0 {
		cfg.EventHistory = defaultEventHistory
	}
	cfg.AllowedMediaTypes = normalizeMediaTypes(cfg.AllowedMediaTypes)

	// concurrency and sizing limits must be explicit and sane
	if cfg.PoolCapacity < 1 {
		return cfg, fmt.Errorf("invalid pool_capacity: %d (must be >= 1)", cfg.PoolCapacity)
	}
	if cfg.MaxBacklog < 1 {
		return cfg, fmt.Errorf("invalid max_backlog: %d (must be >= 1)", cfg.MaxBacklog)
	}
	if cfg.MaxItemBytes < 0 {
		return cfg, fmt.Errorf("invalid max_item_bytes: %d (must be >= 0)", cfg.MaxItemBytes)
	}
	if cfg.FreeActivePerUser < 0 || cfg.PremiumActivePerUser < 0 {
		return cfg, errors.New("per-user active limits must be >= 0")
	}
	return cfg, nil
}

// normalizeMediaTypes lowercases, trims and dedupes the allow-list. An
// empty list means every media type is accepted.
func normalizeMediaTypes(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	normalized := make([]string, 0, len(in))
	for _, mt := range in {
		v := strings.ToLower(strings.TrimSpace(mt))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		normalized = append(normalized, v)
	}
	return normalized
}
