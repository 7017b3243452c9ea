package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/goodtune/sitetime/internal/policy"
)

// Config holds the complete application configuration
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Collector CollectorConfig `mapstructure:"collector"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AgentConfig defines the accounting agent's timing and local API
type AgentConfig struct {
	APIAddress         string   `mapstructure:"api_address"`
	FlushInterval      string   `mapstructure:"flush_interval"`
	TickInterval       string   `mapstructure:"tick_interval"`
	MaxSessionDuration string   `mapstructure:"max_session_duration"`
	MinSessionDuration string   `mapstructure:"min_session_duration"`
	EventQueueSize     int      `mapstructure:"event_queue_size"`
	HostCacheSize      int      `mapstructure:"host_cache_size"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"` // e.g. chrome-extension://<id>
}

// TrackingConfig is the initial filter policy, used until one is stored
type TrackingConfig struct {
	Mode        string   `mapstructure:"mode"`
	Whitelist   []string `mapstructure:"whitelist"`
	WatchConfig bool     `mapstructure:"watch_config"`
}

// Settings converts the tracking section to a filter policy. The mode has
// already been checked by Load.
func (t TrackingConfig) Settings() policy.Settings {
	mode, _ := policy.ParseMode(t.Mode)
	list := t.Whitelist
	if list == nil {
		list = []string{}
	}
	return policy.Settings{Mode: mode, List: list}
}

// SinkConfig defines the remote collector the outbox is flushed to
type SinkConfig struct {
	URL      string `mapstructure:"url"`
	Timeout  string `mapstructure:"timeout"`
	RetryMax int    `mapstructure:"retry_max"`
	Timezone string `mapstructure:"timezone"` // IANA name; empty = detect
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// CollectorConfig defines the collector server settings
type CollectorConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	DatabasePath  string `mapstructure:"database_path"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddress string `mapstructure:"listen_address"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// WatchTracking calls fn with the tracking section every time it changes
// on disk. Writes that leave mode and whitelist as they were are ignored, so
// a policy edited at runtime is only replaced by an actual edit of the
// section. It returns once the watch is registered.
func WatchTracking(configPath string, fn func(TrackingConfig, error)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var initial TrackingConfig
	if err := v.UnmarshalKey("tracking", &initial); err != nil {
		return fmt.Errorf("failed to unmarshal tracking config: %w", err)
	}
	last := newTrackingState(initial)

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var tracking TrackingConfig
		if err := v.UnmarshalKey("tracking", &tracking); err != nil {
			fn(TrackingConfig{}, fmt.Errorf("failed to unmarshal tracking config: %w", err))
			return
		}
		if !last.changed(tracking) {
			return
		}
		fn(tracking, nil)
	})
	v.WatchConfig()
	return nil
}

// trackingState remembers the last tracking section seen on disk.
type trackingState struct {
	mu   sync.Mutex
	last policy.Settings
}

func newTrackingState(t TrackingConfig) *trackingState {
	return &trackingState{last: t.Settings()}
}

// changed reports whether t differs from the previous section and records it.
func (s *trackingState) changed(t TrackingConfig) bool {
	next := t.Settings()

	s.mu.Lock()
	defer s.mu.Unlock()
	if next.Mode == s.last.Mode && slices.Equal(next.List, s.last.List) {
		return false
	}
	s.last = next
	return true
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("SITETIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	// SetConfigFile with a missing path surfaces the raw os error
	return os.IsNotExist(err)
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Agent defaults
	v.SetDefault("agent.api_address", "127.0.0.1:7412")
	v.SetDefault("agent.flush_interval", "30s")
	v.SetDefault("agent.tick_interval", "1s")
	v.SetDefault("agent.max_session_duration", "15m")
	v.SetDefault("agent.min_session_duration", "1s")
	v.SetDefault("agent.event_queue_size", 64)
	v.SetDefault("agent.host_cache_size", 512)
	v.SetDefault("agent.allowed_origins", []string{})

	// Tracking defaults
	v.SetDefault("tracking.mode", "WHITELIST")
	v.SetDefault("tracking.whitelist", []string{})
	v.SetDefault("tracking.watch_config", true)

	// Sink defaults
	v.SetDefault("sink.url", "http://127.0.0.1:8000")
	v.SetDefault("sink.timeout", "10s")
	v.SetDefault("sink.retry_max", 2)
	v.SetDefault("sink.timezone", "")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/sitetime/sitetime.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "sitetime")

	// Collector defaults
	v.SetDefault("collector.listen_address", "0.0.0.0:8000")
	v.SetDefault("collector.database_path", "/var/lib/sitetime/collector.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_address", "127.0.0.1:9412")
}

// validate validates the configuration
func validate(cfg *Config) error {
	durations := map[string]string{
		"agent.flush_interval":       cfg.Agent.FlushInterval,
		"agent.tick_interval":        cfg.Agent.TickInterval,
		"agent.max_session_duration": cfg.Agent.MaxSessionDuration,
		"agent.min_session_duration": cfg.Agent.MinSessionDuration,
		"sink.timeout":               cfg.Sink.Timeout,
	}
	parsed := make(map[string]time.Duration, len(durations))
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, value)
		}
		parsed[key] = d
	}

	if parsed["agent.min_session_duration"] > parsed["agent.max_session_duration"] {
		return fmt.Errorf("agent.min_session_duration (%s) exceeds agent.max_session_duration (%s)",
			cfg.Agent.MinSessionDuration, cfg.Agent.MaxSessionDuration)
	}

	if _, err := policy.ParseMode(cfg.Tracking.Mode); err != nil {
		return err
	}

	if cfg.Sink.URL != "" {
		u, err := url.Parse(cfg.Sink.URL)
		if err != nil {
			return fmt.Errorf("invalid sink url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("sink url must be http or https, got %q", cfg.Sink.URL)
		}
	}
	if cfg.Sink.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Sink.Timezone); err != nil {
			return fmt.Errorf("invalid sink timezone: %w", err)
		}
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (must be bolt or redis)", cfg.Storage.Type)
	}

	return nil
}
