// Package config loads the typed configuration for the proxy and
// coordinator processes. Values come from, in increasing priority: built-in
// defaults, a config file, and environment variables, generalizing a plain
// getenv(key, default) lookup into something a config file can override
// too. Settings are not read from command-line flags; the only input taken
// from the command line is the config file path.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Proxy holds the sharded proxy process's configuration.
type Proxy struct {
	// ListenAddr is the TCP address clients and UMCTL control connections
	// dial, e.g. ":6380".
	ListenAddr string
	// SelfAddr is this proxy's own address as advertised in routing/migration
	// metadata — the value other proxies' CLUSTER NODES output and this
	// proxy's own metadata installs will identify it by.
	SelfAddr string
	// MetricsAddr is the address the /metrics HTTP endpoint listens on.
	MetricsAddr string
	// LogLevel is the zap level name ("debug", "info", "warn", "error").
	LogLevel string
	// MigrationCheckInterval is the wait between PreCheck reachability
	// probes and between commit retries in the migration manager.
	MigrationCheckInterval time.Duration
}

// Coordinator holds the failure-detector/failover process's configuration.
type Coordinator struct {
	// BrokerAddr is the base URL of the external meta-broker service, e.g.
	// "http://broker:6699".
	BrokerAddr string
	// ReporterID identifies this coordinator instance to the broker when
	// voting on failures.
	ReporterID string
	// DetectInterval is how often RunOnce is invoked.
	DetectInterval time.Duration
	// MetricsAddr is the address the /metrics HTTP endpoint listens on.
	MetricsAddr string
	// LogLevel is the zap level name.
	LogLevel string
}

func newViper(prefix string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadProxy reads proxy configuration from cfgFile (if non-empty), then
// environment variables prefixed SHARDKV_PROXY_, applying defaults for
// anything left unset.
func LoadProxy(cfgFile string) (Proxy, error) {
	v := newViper("shardkv_proxy")
	v.SetDefault("listen_addr", ":6380")
	v.SetDefault("self_addr", "127.0.0.1:6380")
	v.SetDefault("metrics_addr", ":9121")
	v.SetDefault("log_level", "info")
	v.SetDefault("migration_check_interval", "200ms")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Proxy{}, fmt.Errorf("config: reading %s: %w", cfgFile, err)
		}
	}

	interval, err := time.ParseDuration(v.GetString("migration_check_interval"))
	if err != nil {
		return Proxy{}, fmt.Errorf("config: migration_check_interval: %w", err)
	}

	return Proxy{
		ListenAddr:             v.GetString("listen_addr"),
		SelfAddr:               v.GetString("self_addr"),
		MetricsAddr:            v.GetString("metrics_addr"),
		LogLevel:               v.GetString("log_level"),
		MigrationCheckInterval: interval,
	}, nil
}

// LoadCoordinator reads coordinator configuration from cfgFile (if
// non-empty), then environment variables prefixed SHARDKV_COORDINATOR_,
// applying defaults for anything left unset.
func LoadCoordinator(cfgFile string) (Coordinator, error) {
	v := newViper("shardkv_coordinator")
	v.SetDefault("broker_addr", "http://127.0.0.1:6699")
	v.SetDefault("reporter_id", "coordinator-1")
	v.SetDefault("detect_interval", "2s")
	v.SetDefault("metrics_addr", ":9122")
	v.SetDefault("log_level", "info")

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Coordinator{}, fmt.Errorf("config: reading %s: %w", cfgFile, err)
		}
	}

	interval, err := time.ParseDuration(v.GetString("detect_interval"))
	if err != nil {
		return Coordinator{}, fmt.Errorf("config: detect_interval: %w", err)
	}

	return Coordinator{
		BrokerAddr:     v.GetString("broker_addr"),
		ReporterID:     v.GetString("reporter_id"),
		DetectInterval: interval,
		MetricsAddr:    v.GetString("metrics_addr"),
		LogLevel:       v.GetString("log_level"),
	}, nil
}
