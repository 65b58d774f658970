package config

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/nostrhive/nostrhive/lib/types"
)

var (
	// Cache the configuration after first load
	cachedConfig   atomic.Value // stores *types.Config
	configLoadOnce sync.Once

	// Debounce timer for config file changes
	debounceTimer *time.Timer
	debounceMutex sync.Mutex
)

// InitConfig initializes the global viper configuration. The config file is
// created with defaults on first run; environment variables with the
// NOSTRHIVE_ prefix override file values.
func InitConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("NOSTRHIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if err := viper.WriteConfigAs("config.yaml"); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read created config: %w", err)
			}
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := reloadConfigCache(); err != nil {
		return fmt.Errorf("failed to load initial config: %w", err)
	}

	// Watch for config file changes with debouncing so partial writes on
	// slower machines are not picked up.
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		debounceMutex.Lock()
		defer debounceMutex.Unlock()

		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
			if err := reloadConfigCache(); err != nil {
				log.Printf("Error reloading config cache after file change: %v", err)
			}
		})
	})

	return nil
}

func setDefaults() {
	viper.SetDefault("server.bind_address", "0.0.0.0")
	viper.SetDefault("server.port", 9000)
	viper.SetDefault("database.path", "data/nostrhive.db")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.path", "logs")
	viper.SetDefault("relay.max_query_limit", 500)
	viper.SetDefault("relay.outbound_queue_size", 512)
	viper.SetDefault("relay.default_quota_bytes", 0)
	viper.SetDefault("relay.default_prune_enabled", true)
}

func reloadConfigCache() error {
	config := &types.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cachedConfig.Store(config)
	return nil
}

// GetConfig returns the cached configuration snapshot. Callers must treat
// the result as read-only.
func GetConfig() *types.Config {
	if cfg := cachedConfig.Load(); cfg != nil {
		return cfg.(*types.Config)
	}

	var err error
	configLoadOnce.Do(func() {
		err = reloadConfigCache()
	})
	if err != nil {
		log.Printf("Warning: failed to load config: %v", err)
		return &types.Config{}
	}
	return cachedConfig.Load().(*types.Config)
}

// GetPath resolves a directory relative to the database path's parent, so
// all state lives under one root by default.
func GetPath(sub string) string {
	base := filepath.Dir(GetConfig().Database.Path)
	return filepath.Join(base, sub)
}
