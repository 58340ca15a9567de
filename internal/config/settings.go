package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"repsheet/internal/support"
)

type Config struct {
	Redis struct {
		Host          string `json:"host"`
		Port          int    `json:"port"`
		TimeoutMillis int    `json:"timeout_ms"`
		DB            int    `json:"db"`
		SyncConfig    bool   `json:"sync_config"`
	} `json:"redis"`

	Filter struct {
		ProxyHeader   string `json:"proxy_header"`
		UserHeader    string `json:"user_header"`
		FailClosed    bool   `json:"fail_closed"`
		RecordHistory bool   `json:"record_history"`
		CheckCountry  bool   `json:"check_country"`
	} `json:"filter"`

	History struct {
		MaxLength int   `json:"max_length"`
		TTL       Timer `json:"ttl"`
	} `json:"history"`

	Blacklist struct {
		DefaultTTL      Timer    `json:"default_ttl"`
		Sources         []string `json:"sources"`
		RefreshInterval Timer    `json:"refresh_interval"`
	} `json:"blacklist"`

	Proxy struct {
		Upstream       string `json:"upstream"`
		MaxConnections int    `json:"max_connections"`
	} `json:"proxy"`

	GeoLite struct {
		CountryDBPath  string `json:"country_db_path"`
		APIKey         string `json:"api_key"`
		UpdateInterval Timer  `json:"update_interval"`
		Distribute     bool   `json:"distribute"`
	} `json:"geolite"`
}

const (
	defaultRedisPort     = 6379
	defaultHistoryLength = 100
	defaultProxyHeader   = "X-Forwarded-For"
)

var (
	//go:embed default_settings.json
	defaultConfig []byte

	settingsFilePath = filepath.Join("data", "settings.json")

	configValue atomic.Value
	configMu    sync.Mutex

	InProductionMode bool
)

func init() {
	configValue.Store(withDefaults(Config{}))
}

func ReadSettings() {
	data, err := os.ReadFile(settingsFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Settings file not found, creating with default configuration", "path", settingsFilePath)

			if err := os.MkdirAll(filepath.Dir(settingsFilePath), 0o755); err != nil {
				log.Error("Error creating directory for settings file", "error", err)
				return
			}

			if err := os.WriteFile(settingsFilePath, defaultConfig, 0o644); err != nil {
				log.Error("Error writing default settings file", "error", err)
				return
			}

			data = defaultConfig
		} else {
			log.Error("Error reading settings file", "error", err)
			return
		}
	}

	var newConfig Config
	if err := json.Unmarshal(data, &newConfig); err != nil {
		log.Error("Error unmarshalling settings file", "error", err)
		return
	}

	if err := applyConfigUpdate(ApplyEnvOverrides(newConfig), configUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying configuration from settings file", "error", err)
		return
	}

	log.Debug("Settings file loaded successfully", "path", settingsFilePath)
}

// SetConfig applies cfg locally, persists it and publishes it to other
// instances when Redis synchronisation is enabled.
func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

// ApplyEnvOverrides lets deployment environment variables win over the
// settings file. ReadSettings applies it to the file contents.
func ApplyEnvOverrides(cfg Config) Config {
	cfg.Redis.Host = support.GetEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = support.GetEnvInt("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.TimeoutMillis = support.GetEnvInt("REDIS_TIMEOUT_MS", cfg.Redis.TimeoutMillis)
	cfg.Redis.DB = support.GetEnvInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.SyncConfig = support.GetEnvBool("REDIS_SYNC_CONFIG", cfg.Redis.SyncConfig)
	cfg.Proxy.Upstream = support.GetEnv("UPSTREAM_URL", cfg.Proxy.Upstream)
	cfg.Proxy.MaxConnections = support.GetEnvInt("PROXY_MAX_CONNS", cfg.Proxy.MaxConnections)
	cfg.GeoLite.CountryDBPath = support.GetEnv("GEOLITE_COUNTRY_DB", cfg.GeoLite.CountryDBPath)
	cfg.GeoLite.APIKey = support.GetEnv("GEOLITE_API_KEY", cfg.GeoLite.APIKey)
	cfg.GeoLite.Distribute = support.GetEnvBool("GEOLITE_DISTRIBUTE", cfg.GeoLite.Distribute)
	cfg.Filter.FailClosed = support.GetEnvBool("FILTER_FAIL_CLOSED", cfg.Filter.FailClosed)
	return withDefaults(cfg)
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	configMu.Lock()
	defer configMu.Unlock()

	newConfig = withDefaults(newConfig)
	configValue.Store(newConfig)

	var errs []error

	if opts.persistToFile {
		data, err := json.MarshalIndent(newConfig, "", "  ")
		if err != nil {
			log.Error("Error marshalling new configuration", "error", err)
			errs = append(errs, err)
		} else if err := os.WriteFile(settingsFilePath, data, 0o644); err != nil {
			log.Error("Error writing new configuration to file", "error", err)
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		payload, err := json.Marshal(newConfig)
		if err != nil {
			log.Error("Error serializing configuration for broadcast", "error", err)
			errs = append(errs, err)
		} else if err := broadcastConfigUpdate(payload); err != nil {
			log.Error("Error broadcasting configuration update", "error", err)
			errs = append(errs, err)
		}
	}

	if opts.source != "" {
		log.Debug("Configuration applied", "source", opts.source)
	} else {
		log.Debug("Configuration applied")
	}

	return errors.Join(errs...)
}

func withDefaults(cfg Config) Config {
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port <= 0 {
		cfg.Redis.Port = defaultRedisPort
	}
	if cfg.Filter.ProxyHeader == "" {
		cfg.Filter.ProxyHeader = defaultProxyHeader
	}
	if cfg.History.MaxLength <= 0 {
		cfg.History.MaxLength = defaultHistoryLength
	}
	return cfg
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

func SetProductionMode(productionMode bool) {
	InProductionMode = productionMode
}
