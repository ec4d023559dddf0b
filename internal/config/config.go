// Package config loads runtime configuration for the file storage server
// from environment variables and an optional config file, using viper the
// way the rest of the fleet does.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable named in the configuration keys list.
type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig controls capacity bounds and the eviction policy.
type StorageConfig struct {
	MaxFileNum      int    `mapstructure:"max_file_num"`
	MaxBytes        int64  `mapstructure:"max_bytes"`
	MaxLocks        int    `mapstructure:"max_locks"`
	ExpectedClients int    `mapstructure:"expected_clients"`
	EvictionPolicy  string `mapstructure:"eviction_policy"`
}

// ServerConfig controls the socket transport and worker pool.
type ServerConfig struct {
	SocketPath      string `mapstructure:"socket_path"`
	NWorkers        int    `mapstructure:"n_workers"`
	DimWorkersQueue int    `mapstructure:"dim_workers_queue"`
	Backlog         int    `mapstructure:"backlog"`
}

// LoggingConfig controls zap logger level/encoding and the CSV audit sink.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	LogFilePath string `mapstructure:"log_file_path"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Endpoint   string `mapstructure:"endpoint"`
}

// Load reads configuration from environment variables (prefix FSS_) and an
// optional config file named fsserver.{yaml,json,toml,...} found on the
// search path, falling back to built-in defaults for anything unset.
func Load(configPath string) (Config, error) {
	v := viper.New()

	v.SetDefault("storage.max_file_num", 128)
	v.SetDefault("storage.max_bytes", int64(64<<20))
	v.SetDefault("storage.max_locks", 64)
	v.SetDefault("storage.expected_clients", 256)
	v.SetDefault("storage.eviction_policy", "LRU")

	v.SetDefault("server.socket_path", "/tmp/fsserver.sock")
	v.SetDefault("server.n_workers", 8)
	v.SetDefault("server.dim_workers_queue", 128)
	v.SetDefault("server.backlog", 128)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.log_file_path", "fsserver_audit.csv")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetConfigName("fsserver")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("FSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.Storage.MaxFileNum < 1 {
		return Config{}, fmt.Errorf("config: storage.max_file_num must be >= 1")
	}
	if cfg.Storage.MaxBytes < 1 {
		return Config{}, fmt.Errorf("config: storage.max_bytes must be >= 1")
	}
	if cfg.Storage.MaxLocks < 1 {
		return Config{}, fmt.Errorf("config: storage.max_locks must be >= 1")
	}
	if cfg.Server.NWorkers < 1 {
		return Config{}, fmt.Errorf("config: server.n_workers must be >= 1")
	}
	if cfg.Server.DimWorkersQueue < 1 {
		return Config{}, fmt.Errorf("config: server.dim_workers_queue must be >= 1")
	}

	return cfg, nil
}
