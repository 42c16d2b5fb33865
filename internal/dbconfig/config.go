// Package dbconfig is the configuration layer for the agent and agentctl
// binaries: a viper singleton generalized from the teacher's
// internal/config/config.go discovery chain (project dir → XDG config dir
// → home dir), renamed to this system's own directory and key surface.
package dbconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// DirName is the directory this system reads configuration from and writes
// its socket/pid/log/db files into, relative to the discovery roots below.
const DirName = "ai-cli-session-db"

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at process startup, before any Get* call.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	// yamlFileSet means tryConfigFile called SetConfigFile and still needs
	// ReadInConfig; a TOML hit merges immediately and needs no further read.
	configFileSet := false
	yamlFileSet := false

	// 1. Walk up from CWD looking for a project-local config file, so
	// commands work from subdirectories of a checked-out project.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			if found, isYAML := tryConfigFile(v, filepath.Join(dir, "."+DirName)); found {
				configFileSet, yamlFileSet = true, isYAML
				break
			}
		}
	}

	// 2. XDG/user config directory.
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			if found, isYAML := tryConfigFile(v, filepath.Join(configDir, DirName)); found {
				configFileSet, yamlFileSet = true, isYAML
			}
		}
	}

	// 3. Home directory.
	if !configFileSet {
		if home, err := os.UserHomeDir(); err == nil {
			if found, isYAML := tryConfigFile(v, filepath.Join(home, "."+DirName)); found {
				configFileSet, yamlFileSet = true, isYAML
			}
		}
	}

	v.SetEnvPrefix("AGENTDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if yamlFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("dbconfig: read config file: %w", err)
		}
	}

	return nil
}

// tryConfigFile looks for config.yaml then agent.toml in dir. found reports
// whether either was located; isYAML tells the caller whether it still
// needs to ReadInConfig (the TOML branch has already merged its data into
// v directly, bypassing viper's own TOML parser in favor of
// BurntSushi's, and needs no further read).
func tryConfigFile(v *viper.Viper, dir string) (found, isYAML bool) {
	yamlPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		v.SetConfigFile(yamlPath)
		return true, true
	}

	tomlPath := filepath.Join(dir, "agent.toml")
	if _, err := os.Stat(tomlPath); err == nil {
		var data map[string]interface{}
		if _, err := toml.DecodeFile(tomlPath, &data); err == nil {
			if err := v.MergeConfigMap(data); err == nil {
				return true, false
			}
		}
	}

	return false, false
}

func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "."
	}
	defaultDataDir := filepath.Join(home, "."+DirName)

	v.SetDefault("data-dir", defaultDataDir)
	v.SetDefault("idle-timeout", "30s")
	v.SetDefault("log-level", "info")
	v.SetDefault("log-file", filepath.Join(defaultDataDir, "agent.log"))

	v.SetDefault("coordinate.heartbeat-interval", "10s")
	v.SetDefault("coordinate.lease-timeout", "30s")
	v.SetDefault("coordinate.takeover-confirmations", 3)

	v.SetDefault("client.connect-retries", 3)
	v.SetDefault("client.retry-interval", "500ms")
	v.SetDefault("client.spawn-wait-attempts", 10)
	v.SetDefault("client.spawn-wait-interval", "200ms")
}

// DataDir returns the configured data directory, where the database,
// socket, pid file, and log file all live by default.
func DataDir() string { return GetString("data-dir") }

// IdleTimeout returns the Broker Server's configured idle shutdown window.
func IdleTimeout() time.Duration { return GetDuration("idle-timeout") }

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

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}
