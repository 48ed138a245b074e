// Package config loads FilmTrack backend configuration.
//
// Values come from an optional filmtrack.yaml in the data directory,
// overridden by FILMTRACK_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PoolConfig holds sizing for one connection pool.
type PoolConfig struct {
	MaxOpen        int
	MaxIdle        int
	AcquireTimeout time.Duration
}

// Config holds the full backend configuration.
type Config struct {
	DataDir    string
	ListenAddr string
	LogLevel   string

	// Connection pools (read / write / report)
	ReadPool   PoolConfig
	WritePool  PoolConfig
	ReportPool PoolConfig

	// Sync engine
	RemoteEndpoint string
	SyncInterval   time.Duration
	SyncBatchSize  int
	MaxAttempts    int
	RetryBackoff   time.Duration
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("filmtrack")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.filmtrack")

	v.SetEnvPrefix("FILMTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{
		DataDir:    v.GetString("data_dir"),
		ListenAddr: v.GetString("listen_addr"),
		LogLevel:   v.GetString("log_level"),
		ReadPool: PoolConfig{
			MaxOpen:        v.GetInt("pools.read.max_open"),
			MaxIdle:        v.GetInt("pools.read.max_idle"),
			AcquireTimeout: v.GetDuration("pools.read.acquire_timeout"),
		},
		WritePool: PoolConfig{
			MaxOpen:        v.GetInt("pools.write.max_open"),
			MaxIdle:        v.GetInt("pools.write.max_idle"),
			AcquireTimeout: v.GetDuration("pools.write.acquire_timeout"),
		},
		ReportPool: PoolConfig{
			MaxOpen:        v.GetInt("pools.report.max_open"),
			MaxIdle:        v.GetInt("pools.report.max_idle"),
			AcquireTimeout: v.GetDuration("pools.report.acquire_timeout"),
		},
		RemoteEndpoint: v.GetString("sync.remote_endpoint"),
		SyncInterval:   v.GetDuration("sync.interval"),
		SyncBatchSize:  v.GetInt("sync.batch_size"),
		MaxAttempts:    v.GetInt("sync.max_attempts"),
		RetryBackoff:   v.GetDuration("sync.retry_backoff"),
	}

	return cfg, nil
}

// setDefaults registers the default values for every key.
// Pool sizing follows the workload split: many short read connections,
// a small write pool with a longer wait, and a few long-lived report
// connections.
func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("listen_addr", "127.0.0.1:8090")
	v.SetDefault("log_level", "info")

	v.SetDefault("pools.read.max_open", 8)
	v.SetDefault("pools.read.max_idle", 4)
	v.SetDefault("pools.read.acquire_timeout", "2s")

	v.SetDefault("pools.write.max_open", 2)
	v.SetDefault("pools.write.max_idle", 1)
	v.SetDefault("pools.write.acquire_timeout", "10s")

	v.SetDefault("pools.report.max_open", 1)
	v.SetDefault("pools.report.max_idle", 1)
	v.SetDefault("pools.report.acquire_timeout", "60s")

	v.SetDefault("sync.remote_endpoint", "")
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.batch_size", 20)
	v.SetDefault("sync.max_attempts", 3)
	v.SetDefault("sync.retry_backoff", "60s")
}
