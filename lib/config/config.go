package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	// Debounce timer for config file changes
	debounceTimer *time.Timer
	debounceMutex sync.Mutex
)

// InitConfig initializes the global viper configuration
func InitConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("QUADSTR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file is fine, defaults and env vars apply
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Watch for config file changes with debouncing so partial writes
	// on slow disks are not picked up
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		debounceMutex.Lock()
		defer debounceMutex.Unlock()

		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
			fmt.Printf("Config file changed: %s\n", e.Name)
		})
	})

	return nil
}

func setDefaults() {
	// Server settings
	viper.SetDefault("server.port", 7777)
	viper.SetDefault("server.bind_address", "0.0.0.0")

	// Relay info (NIP-11)
	viper.SetDefault("relay.name", "quadstr")
	viper.SetDefault("relay.description", "quadstr nostr relay")
	viper.SetDefault("relay.contact", "")
	viper.SetDefault("relay.pubkey", "")
	viper.SetDefault("relay.software", "git+https://github.com/quadstr/quadstr")
	viper.SetDefault("relay.version", "0.1.0")
	viper.SetDefault("relay.supported_nips", []int{1, 2, 9, 11, 22, 77})

	// Store
	viper.SetDefault("store.path", "quadstr.db")
	viper.SetDefault("store.mmap_size", int64(1)<<34) // 16 GB
	viper.SetDefault("store.no_sync", false)

	// Event admission
	viper.SetDefault("events.reject_older_seconds", 94608000) // 3 years
	viper.SetDefault("events.reject_newer_seconds", 900)      // 15 minutes
	viper.SetDefault("events.max_tag_count", 2000)
	viper.SetDefault("events.max_tag_value_size", 1024)
	viper.SetDefault("events.ephemeral_lifetime_seconds", 300)
	viper.SetDefault("events.ephemeral_sweep_seconds", 60)

	// Worker pools
	viper.SetDefault("pools.ingester_threads", 3)
	viper.SetDefault("pools.reqworker_threads", 3)
	viper.SetDefault("pools.reqmonitor_threads", 3)
	viper.SetDefault("pools.ingester_queue", 1024)
	viper.SetDefault("pools.writer_queue", 1024)
	viper.SetDefault("pools.reqworker_queue", 256)
	viper.SetDefault("pools.monitor_queue", 1024)

	// Writer batching
	viper.SetDefault("writer.batch_size", 100)
	viper.SetDefault("writer.batch_window_ms", 10)
	viper.SetDefault("writer.commit_retries", 3)

	// Subscriptions
	viper.SetDefault("subscriptions.max_per_connection", 20)
	viper.SetDefault("subscriptions.query_timeslice_budget_microseconds", 10000)
	viper.SetDefault("subscriptions.max_filter_limit", 500)
	viper.SetDefault("subscriptions.outbound_queue", 256)

	// Negentropy
	viper.SetDefault("negentropy.enabled", true)
	viper.SetDefault("negentropy.max_sync_events", 1000000)
	viper.SetDefault("negentropy.frame_size_limit", 65536)

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.path", "./logs")
}
