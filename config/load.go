package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var globalConfig *Config
var viperInstance *viper.Viper

// ConfigSources tracks where each configuration key came from, keyed by
// dotted setting path (e.g. "queue.retry_delay_ms"). Populated during Load.
var ConfigSources = make(map[string]SourceInfo)

// Load reads the flywheel configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from %s: %w", configPath, err)
	}

	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
	ConfigSources = make(map[string]SourceInfo)
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix("FLYWHEEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific configuration values to environment variables
	BindSensitiveEnvVars(v)

	// Set defaults first
	SetDefaults(v)

	// Manually merge configs in precedence order: system -> user -> cli -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for flywheel.toml by walking up the directory tree.
// Returns the path to the first config file found, or empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	// Walk up the directory tree looking for a config file
	for {
		configPath := filepath.Join(dir, "flywheel.toml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root, stop searching
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles manually merges configuration files in the correct precedence order.
// Precedence (lowest to highest): system < user < cli-written < project < env vars.
// Each merged leaf key records its origin in ConfigSources.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	// Ensure ~/.flywheel directory exists
	flywheelDir := filepath.Join(homeDir, ".flywheel")
	os.MkdirAll(flywheelDir, DefaultDirPermissions)

	type configFile struct {
		path   string
		source ConfigSource
	}

	// Build config paths, with project config found via upward search
	configFiles := []configFile{
		{"/etc/flywheel/config.toml", SourceSystem},
		{filepath.Join(flywheelDir, "flywheel.toml"), SourceUser},
		{filepath.Join(flywheelDir, "flywheel_from_cli.toml"), SourceUserCLI},
	}

	// Add project config if found (highest file precedence, below env vars)
	if projectConfig := findProjectConfig(); projectConfig != "" {
		configFiles = append(configFiles, configFile{projectConfig, SourceProject})
	}

	for _, cf := range configFiles {
		if _, err := os.Stat(cf.path); err != nil {
			continue
		}

		// Config file exists, merge it
		tempViper := viper.New()
		tempViper.SetConfigFile(cf.path)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		// Merge leaf keys so later files override individual settings,
		// not whole sections, and record where each value came from
		flattened := make(map[string]interface{})
		flattenKeys(tempViper.AllSettings(), "", flattened)
		for key, value := range flattened {
			// Viper's Set layer outranks env vars, so an explicit env var
			// must suppress the file value to keep env highest precedence
			envKey := "FLYWHEEL_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			if os.Getenv(envKey) != "" {
				ConfigSources[key] = SourceInfo{Source: SourceEnvironment, Path: envKey}
				continue
			}
			v.Set(key, value)
			ConfigSources[key] = SourceInfo{Source: cf.source, Path: cf.path}
		}
	}
}

// flattenKeys converts nested settings maps into dotted leaf keys
func flattenKeys(settings map[string]interface{}, prefix string, out map[string]interface{}) {
	for key, value := range settings {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			flattenKeys(nested, fullKey, out)
			continue
		}
		out[fullKey] = value
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	v := initViper()
	return v.Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	v := initViper()
	return v.GetString(key)
}

// GetBool returns a configuration value as bool using dot notation
func GetBool(key string) bool {
	v := initViper()
	return v.GetBool(key)
}

// GetInt returns a configuration value as int using dot notation
func GetInt(key string) int {
	v := initViper()
	return v.GetInt(key)
}

// GetFloat64 returns a configuration value as float64 using dot notation
func GetFloat64(key string) float64 {
	v := initViper()
	return v.GetFloat64(key)
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	// Check for FLYWHEEL_DB_PATH environment variable first (for dev mode override)
	if dbPath := os.Getenv("FLYWHEEL_DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.Database.Path, nil
}
