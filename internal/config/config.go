package config

import (
	"os"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds every runtime knob for the paneloom daemon. Values are
// resolved defaults < config file < environment, the same precedence the
// teacher used between flags and env.
type Config struct {
	LogLevel   string
	ListenHost string
	ListenPort int

	RetentionMs      int64
	MaxItemsPerPane  int
	DefaultRangeTag  string
	SnapshotPath     string
	SnapshotInterval time.Duration
	ConfigFile       string

	// UpstreamBaseURL/UpstreamToken address the external capture/session
	// source the Request Coordinator fronts (§4.7); APIToken gates
	// paneloom's own HTTP surface (§6's Auth section).
	UpstreamBaseURL string
	UpstreamToken   string
	APIToken        string
}

type fileConfig struct {
	LogLevel         string `toml:"log_level"`
	ListenHost       string `toml:"listen_host"`
	ListenPort       int    `toml:"listen_port"`
	RetentionMs      int64  `toml:"retention_ms"`
	MaxItemsPerPane  int    `toml:"max_items_per_pane"`
	DefaultRangeTag  string `toml:"default_range"`
	SnapshotPath     string `toml:"snapshot_path"`
	SnapshotInterval int64  `toml:"snapshot_interval_ms"`
	UpstreamBaseURL  string `toml:"upstream_base_url"`
	UpstreamToken    string `toml:"upstream_token"`
	APIToken         string `toml:"api_token"`
}

var (
	cacheTTL   = 10 * time.Second
	nowFunc    = time.Now
	cacheMu    sync.RWMutex
	cachedCfg  Config
	cachedAt   time.Time
	cacheValid bool
)

func defaults() Config {
	return Config{
		LogLevel:         "info",
		ListenHost:       "127.0.0.1",
		ListenPort:       4821,
		RetentionMs:      7 * 24 * 60 * 60 * 1000,
		MaxItemsPerPane:  1000,
		DefaultRangeTag:  "1h",
		SnapshotPath:     "",
		SnapshotInterval: 30 * time.Second,
	}
}

// LoadConfig resolves configuration once and refreshes the cache used by GetConfig.
func LoadConfig() Config {
	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg
}

// GetConfig returns the cached config, recomputing it once the cache TTL elapses.
func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func loadFromEnv() Config {
	cfg := defaults()

	cfg.ConfigFile = os.Getenv("PANELOOM_CONFIG_FILE")
	if fc, ok := readFileConfig(cfg.ConfigFile); ok {
		applyFileConfig(&cfg, fc)
	}

	if v := os.Getenv("PANELOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PANELOOM_LISTEN_HOST"); v != "" {
		cfg.ListenHost = v
	}
	if v := os.Getenv("PANELOOM_LISTEN_PORT"); v != "" {
		if n := atoiOrDefault(v, cfg.ListenPort); n > 0 {
			cfg.ListenPort = n
		}
	}
	if v := os.Getenv("PANELOOM_RETENTION_MS"); v != "" {
		if n := atoiOrDefault(v, int(cfg.RetentionMs)); n > 0 {
			cfg.RetentionMs = int64(n)
		}
	}
	if v := os.Getenv("PANELOOM_MAX_ITEMS_PER_PANE"); v != "" {
		if n := atoiOrDefault(v, cfg.MaxItemsPerPane); n > 0 {
			cfg.MaxItemsPerPane = n
		}
	}
	if v := os.Getenv("PANELOOM_DEFAULT_RANGE"); v != "" {
		cfg.DefaultRangeTag = v
	}
	if v := os.Getenv("PANELOOM_SNAPSHOT_PATH"); v != "" {
		cfg.SnapshotPath = v
	}
	if v := os.Getenv("PANELOOM_SNAPSHOT_INTERVAL_MS"); v != "" {
		if n := atoiOrDefault(v, int(cfg.SnapshotInterval.Milliseconds())); n > 0 {
			cfg.SnapshotInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("PANELOOM_UPSTREAM_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	if v := os.Getenv("PANELOOM_UPSTREAM_TOKEN"); v != "" {
		cfg.UpstreamToken = v
	}
	if v := os.Getenv("PANELOOM_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}

	return cfg
}

func readFileConfig(path string) (fileConfig, bool) {
	var fc fileConfig
	if path == "" {
		return fc, false
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fc, false
	}
	if err := toml.Unmarshal(raw, &fc); err != nil {
		return fc, false
	}
	return fc, true
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.ListenHost != "" {
		cfg.ListenHost = fc.ListenHost
	}
	if fc.ListenPort > 0 {
		cfg.ListenPort = fc.ListenPort
	}
	if fc.RetentionMs > 0 {
		cfg.RetentionMs = fc.RetentionMs
	}
	if fc.MaxItemsPerPane > 0 {
		cfg.MaxItemsPerPane = fc.MaxItemsPerPane
	}
	if fc.DefaultRangeTag != "" {
		cfg.DefaultRangeTag = fc.DefaultRangeTag
	}
	if fc.SnapshotPath != "" {
		cfg.SnapshotPath = fc.SnapshotPath
	}
	if fc.SnapshotInterval > 0 {
		cfg.SnapshotInterval = time.Duration(fc.SnapshotInterval) * time.Millisecond
	}
	if fc.UpstreamBaseURL != "" {
		cfg.UpstreamBaseURL = fc.UpstreamBaseURL
	}
	if fc.UpstreamToken != "" {
		cfg.UpstreamToken = fc.UpstreamToken
	}
	if fc.APIToken != "" {
		cfg.APIToken = fc.APIToken
	}
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
