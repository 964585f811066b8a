package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// deprecatedKeys maps retired configuration keys to their replacements.
// The old spelling is still honored, with a warning.
var deprecatedKeys = map[string]string{
	"supervisionURLs":     "supervision_urls",
	"uiWebSocketServer":   "ui_server",
	"stationTemplateURLs": "station_template_urls",
}

// Loader reads the top-level configuration and watches it for changes.
type Loader struct {
	v   *viper.Viper
	log *zap.Logger

	mu       sync.Mutex
	onChange func(*Config)
}

// NewLoader builds a Loader rooted at the given config file path. An empty
// path falls back to config.yaml in the working directory.
func NewLoader(path string, log *zap.Logger) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("EMOBILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Common env vars accepted without the prefix for container deploys.
	_ = v.BindEnv("ui_server.port", "UI_SERVER_PORT", "EMOBILITY_UI_SERVER_PORT")
	_ = v.BindEnv("performance_storage.uri", "PERFORMANCE_STORAGE_URI")
	_ = v.BindEnv("log.level", "LOG_LEVEL")

	return &Loader{v: v, log: log}
}

// Load reads and unmarshals the configuration, applying defaults and
// translating deprecated keys.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	for old, current := range deprecatedKeys {
		if l.v.IsSet(old) {
			l.log.Warn("Deprecated configuration key, use its replacement",
				zap.String("key", old),
				zap.String("replacement", current),
			)
			if !l.v.IsSet(current) {
				l.v.Set(current, l.v.Get(old))
			}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg.WithDefaults(), nil
}

// Watch registers a reload callback and starts watching the config file. Rapid
// write events on the same file are delivered as a single reload by viper.
func (l *Loader) Watch(onChange func(*Config)) {
	l.mu.Lock()
	l.onChange = onChange
	l.mu.Unlock()

	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.log.Info("Configuration file changed", zap.String("file", e.Name))
		cfg, err := l.Load()
		if err != nil {
			l.log.Error("Failed to reload configuration", zap.Error(err))
			return
		}
		l.mu.Lock()
		cb := l.onChange
		l.mu.Unlock()
		if cb != nil {
			cb(cfg)
		}
	})
	l.v.WatchConfig()
}
