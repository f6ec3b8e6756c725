// Package config loads ambient, non-persisted engine defaults: debug
// verbosity, lock-wait and retry/backoff tuning, and optional default
// connection strings for network_init. It is layered the same way the
// teacher's internal/config loads bd's CLI config (project file, XDG config
// dir, home directory, environment variables, explicit defaults), scoped
// down to the subset that is legitimately ambient rather than part of the
// CRDT substrate's own persisted state (see SPEC_FULL.md §A.2 for the
// boundary: site id, schema hash registry and sync cursors always live in
// the settings/schema_versions relations, never here).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/cloudsync-go/cloudsync/internal/logging"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Safe to call more
// than once; each call replaces the prior singleton.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			p := filepath.Join(dir, ".cloudsync", "config.yaml")
			if _, err := os.Stat(p); err == nil {
				v.SetConfigFile(p)
				configFileSet = true
				break
			}
		}
	}
	if !configFileSet {
		if dir, err := os.UserConfigDir(); err == nil {
			p := filepath.Join(dir, "cloudsync", "config.yaml")
			if _, err := os.Stat(p); err == nil {
				v.SetConfigFile(p)
				configFileSet = true
			}
		}
	}
	if !configFileSet {
		if dir, err := os.UserHomeDir(); err == nil {
			p := filepath.Join(dir, ".cloudsync", "config.yaml")
			if _, err := os.Stat(p); err == nil {
				v.SetConfigFile(p)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("CLOUDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("debug", false)
	v.SetDefault("lock-timeout", "30s")
	v.SetDefault("merge-equal-values", true)
	v.SetDefault("network.retry.max-attempts", 5)
	v.SetDefault("network.retry.base-backoff", "250ms")
	v.SetDefault("network.retry.max-backoff", "30s")
	v.SetDefault("network.connection-string", "")

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: reading config file: %w", err)
		}
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			logging.Get().Info("config: reloaded", "op", e.Op.String(), "file", e.Name)
		})
	}

	return nil
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// LockTimeout is the default wait for savepoint/transaction acquisition.
func LockTimeout() time.Duration {
	d := GetDuration("lock-timeout")
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// MergeEqualValuesDefault is the process-level default for the
// merge_equal_values setting (SPEC_FULL.md §C.1) used the first time a
// database is initialized; subsequent reads come from the settings table.
func MergeEqualValuesDefault() bool {
	if v == nil {
		return true
	}
	return v.GetBool("merge-equal-values")
}

// RetryPolicy bundles the network retry/backoff ambient defaults.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// NetworkRetryPolicy returns the configured retry policy for network_sync.
func NetworkRetryPolicy() RetryPolicy {
	rp := RetryPolicy{MaxAttempts: 5, BaseBackoff: 250 * time.Millisecond, MaxBackoff: 30 * time.Second}
	if v == nil {
		return rp
	}
	if n := v.GetInt("network.retry.max-attempts"); n > 0 {
		rp.MaxAttempts = n
	}
	if d := v.GetDuration("network.retry.base-backoff"); d > 0 {
		rp.BaseBackoff = d
	}
	if d := v.GetDuration("network.retry.max-backoff"); d > 0 {
		rp.MaxBackoff = d
	}
	return rp
}

// DefaultConnectionString returns the optional default connection string
// for network_init, read from config.yaml/env, empty if unset.
func DefaultConnectionString() string {
	return GetString("network.connection-string")
}
