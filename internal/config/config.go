package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the search service configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Sources  SourcesConfig  `mapstructure:"sources"`
	Search   SearchConfig   `mapstructure:"search"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// DatabaseConfig represents the authoritative company store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// DSN builds the connection string for pgxpool. Pool sizing travels in the
// query string so pgxpool picks it up when parsing.
func (d DatabaseConfig) DSN() string {
	dsn := d.PlainDSN()
	if d.MaxConnections > 0 {
		dsn += fmt.Sprintf("&pool_max_conns=%d", d.MaxConnections)
	}
	if d.MinConnections > 0 {
		dsn += fmt.Sprintf("&pool_min_conns=%d", d.MinConnections)
	}
	if d.ConnMaxLifetime > 0 {
		dsn += fmt.Sprintf("&pool_max_conn_lifetime=%s", d.ConnMaxLifetime)
	}
	return dsn
}

// PlainDSN builds the connection string without pool parameters, for
// database/sql consumers such as the migration runner.
func (d DatabaseConfig) PlainDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// RedisConfig represents the optional Redis result-cache backend
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// Addr builds the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CacheConfig represents result cache and adaptive TTL configuration
type CacheConfig struct {
	// Backend selects the result cache implementation: "memory" or "redis".
	Backend       string        `mapstructure:"backend"`
	MaxEntries    int           `mapstructure:"max_entries"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	KeyPrefix     string        `mapstructure:"key_prefix"`

	// Adaptive TTL estimation.
	BaseTTL          time.Duration `mapstructure:"base_ttl"`
	MinTTL           time.Duration `mapstructure:"min_ttl"`
	MaxTTL           time.Duration `mapstructure:"max_ttl"`
	HotThreshold     int           `mapstructure:"hot_threshold"`
	WarmThreshold    int           `mapstructure:"warm_threshold"`
	HotFactor        float64       `mapstructure:"hot_factor"`
	WarmFactor       float64       `mapstructure:"warm_factor"`
	ColdFactor       float64       `mapstructure:"cold_factor"`
	PatternWindow    time.Duration `mapstructure:"pattern_window"`
	PatternRetention time.Duration `mapstructure:"pattern_retention"`
	PruneInterval    time.Duration `mapstructure:"prune_interval"`
}

// DedupConfig represents deduplication coordinator configuration
type DedupConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// BatchConfig represents batch window aggregator configuration
type BatchConfig struct {
	Size      int           `mapstructure:"size"`
	Window    time.Duration `mapstructure:"window"`
	MaxFetch  int           `mapstructure:"max_fetch"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
}

// SourcesConfig represents the upstream data source configuration
type SourcesConfig struct {
	RegistryA      RegistryConfig `mapstructure:"registry_a"`
	RegistryB      RegistryConfig `mapstructure:"registry_b"`
	FanoutTimeout  time.Duration  `mapstructure:"fanout_timeout"`
	RequestTimeout time.Duration  `mapstructure:"request_timeout"`
}

// RegistryConfig represents one external registry client
type RegistryConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateRPS   float64       `mapstructure:"rate_rps"`
	RateBurst int           `mapstructure:"rate_burst"`
}

// SearchConfig represents search pipeline configuration
type SearchConfig struct {
	DefaultLimit      int    `mapstructure:"default_limit"`
	MaxResults        int    `mapstructure:"max_results"`
	ScoringPolicyPath string `mapstructure:"scoring_policy_path"`
	PolicyReload      bool   `mapstructure:"policy_reload"`
}

// MetricsConfig represents Prometheus exposition and query telemetry
// configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`

	SlowQueryThreshold time.Duration `mapstructure:"slow_query_threshold"`
	VerySlowThreshold  time.Duration `mapstructure:"very_slow_threshold"`
	SlowRetention      time.Duration `mapstructure:"slow_retention"`
	PruneInterval      time.Duration `mapstructure:"prune_interval"`
	ErrorAlertRate     float64       `mapstructure:"error_alert_rate"`
	ErrorAlertFloor    int           `mapstructure:"error_alert_floor"`
	TopN               int           `mapstructure:"top_n"`
}

// ClusterConfig represents gossip-based cache invalidation configuration
type ClusterConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	NodeName       string   `mapstructure:"node_name"`
	BindAddr       string   `mapstructure:"bind_addr"`
	BindPort       int      `mapstructure:"bind_port"`
	Peers          []string `mapstructure:"peers"`
	RetransmitMult int      `mapstructure:"retransmit_mult"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if !isValidCacheBackend(c.Cache.Backend) {
		return errors.New("cache.backend must be one of: memory, redis")
	}
	if c.Cache.Backend == "redis" && c.Redis.Host == "" {
		return errors.New("redis.host is required when cache.backend is redis")
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	if c.Cache.MinTTL <= 0 || c.Cache.MaxTTL < c.Cache.MinTTL {
		return errors.New("cache.min_ttl must be positive and not exceed cache.max_ttl")
	}
	if c.Cache.BaseTTL < c.Cache.MinTTL || c.Cache.BaseTTL > c.Cache.MaxTTL {
		return errors.New("cache.base_ttl must lie within [cache.min_ttl, cache.max_ttl]")
	}
	if c.Cache.WarmThreshold <= 0 || c.Cache.HotThreshold <= c.Cache.WarmThreshold {
		return errors.New("cache.hot_threshold must exceed cache.warm_threshold, both positive")
	}
	if c.Dedup.Timeout <= 0 {
		return errors.New("dedup.timeout must be positive")
	}
	if c.Batch.Size <= 0 {
		return errors.New("batch.size must be positive")
	}
	if c.Batch.Window <= 0 {
		return errors.New("batch.window must be positive")
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxResults < c.Search.DefaultLimit {
		return errors.New("search.default_limit must be positive and not exceed search.max_results")
	}
	if c.Metrics.ErrorAlertRate < 0 || c.Metrics.ErrorAlertRate > 1 {
		return errors.New("metrics.error_alert_rate must be within [0, 1]")
	}
	if c.Cluster.Enabled && c.Cluster.BindPort <= 0 {
		return errors.New("cluster.bind_port must be positive when cluster.enabled")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// isValidCacheBackend checks if the cache backend is supported
func isValidCacheBackend(backend string) bool {
	switch backend {
	case "memory", "redis":
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    100,
			RateLimitBurst:  200,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "entreprise",
			User:            "entreprise",
			Password:        "",
			SSLMode:         "disable",
			MaxConnections:  50,
			MinConnections:  10,
			ConnMaxLifetime: 30 * time.Minute,
			MigrateOnStart:  true,
		},
		Redis: RedisConfig{
			Host:         "localhost",
			Port:         6379,
			Password:     "",
			DB:           0,
			MaxRetries:   3,
			PoolSize:     100,
			MinIdleConns: 10,
		},
		Cache: CacheConfig{
			Backend:          "memory",
			MaxEntries:       100,
			SweepInterval:    time.Minute,
			KeyPrefix:        "search:",
			BaseTTL:          5 * time.Minute,
			MinTTL:           time.Minute,
			MaxTTL:           30 * time.Minute,
			HotThreshold:     100,
			WarmThreshold:    10,
			HotFactor:        2.0,
			WarmFactor:       1.0,
			ColdFactor:       0.5,
			PatternWindow:    6 * time.Hour,
			PatternRetention: 24 * time.Hour,
			PruneInterval:    time.Hour,
		},
		Dedup: DedupConfig{
			Timeout: 10 * time.Second,
		},
		Batch: BatchConfig{
			Size:      5,
			Window:    100 * time.Millisecond,
			MaxFetch:  100,
			Workers:   8,
			QueueSize: 64,
		},
		Sources: SourcesConfig{
			RegistryA: RegistryConfig{
				Enabled:   true,
				BaseURL:   "https://registry-a.example.org",
				Timeout:   5 * time.Second,
				RateRPS:   5,
				RateBurst: 10,
			},
			RegistryB: RegistryConfig{
				Enabled: true,
				BaseURL: "https://registry-b.example.org",
				Timeout: 5 * time.Second,
			},
			FanoutTimeout:  8 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Search: SearchConfig{
			DefaultLimit:      20,
			MaxResults:        50,
			ScoringPolicyPath: "configs/scoring.yaml",
			PolicyReload:      true,
		},
		Metrics: MetricsConfig{
			Enabled:            true,
			Port:               9090,
			Path:               "/metrics",
			SlowQueryThreshold: time.Second,
			VerySlowThreshold:  5 * time.Second,
			SlowRetention:      time.Hour,
			PruneInterval:      time.Minute,
			ErrorAlertRate:     0.05,
			ErrorAlertFloor:    20,
			TopN:               5,
		},
		Cluster: ClusterConfig{
			Enabled:        false,
			NodeName:       "",
			BindAddr:       "0.0.0.0",
			BindPort:       7946,
			Peers:          nil,
			RetransmitMult: 3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
