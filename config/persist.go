package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/flywheel/errors"
)

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	// Check if file exists before backing up
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil // No file to backup
	}

	// Rotate backups: .back3 -> delete, .back2 -> .back3, .back1 -> .back2, current -> .back1
	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	// Delete oldest backup if exists
	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		// Log deletion failures (but don't fail config save)
		fmt.Printf("⚠️  Failed to delete old backup %s: %v\n", back3, err)
	}

	// Rotate .back2 to .back3
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}

	// Rotate .back1 to .back2
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	// Copy current to .back1
	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}

	return nil
}

// GetCLIConfigPath returns the path to the CLI-managed config file in ~/.flywheel/flywheel_from_cli.toml
func GetCLIConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".flywheel", "flywheel_from_cli.toml")
}

// loadOrInitializeCLIConfig loads the CLI config file, or creates an empty one if it doesn't exist
func loadOrInitializeCLIConfig() (map[string]interface{}, string, error) {
	configPath := GetCLIConfigPath()
	if configPath == "" {
		return nil, "", errors.New("could not determine home directory")
	}

	// Ensure ~/.flywheel directory exists
	flywheelDir := filepath.Dir(configPath)
	if err := os.MkdirAll(flywheelDir, 0750); err != nil {
		return nil, "", errors.Wrap(err, "failed to create .flywheel directory")
	}

	// Try to read existing config
	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		// File exists, parse it
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse CLI config")
		}
	} else {
		// File doesn't exist, create empty config
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveCLIConfig writes the config to the CLI config file with backup
func saveCLIConfig(config map[string]interface{}, configPath string) error {
	// Create backup
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	// Marshal to TOML
	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	// Write to file
	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write CLI config")
	}

	return nil
}

// UpdateSetting updates a single section.key value in the CLI config file
func UpdateSetting(section, key string, value interface{}) error {
	config, configPath, err := loadOrInitializeCLIConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load CLI config")
	}

	// Get or create the section
	var sectionMap map[string]interface{}
	if s, ok := config[section].(map[string]interface{}); ok {
		sectionMap = s
	} else {
		sectionMap = make(map[string]interface{})
	}

	sectionMap[key] = value
	config[section] = sectionMap

	return saveCLIConfig(config, configPath)
}

// UpdatePoolWorkers updates the pool.workers setting in CLI config
func UpdatePoolWorkers(workers int) error {
	return UpdateSetting("pool", "workers", workers)
}

// UpdatePoolStrategy updates the pool.strategy setting in CLI config
func UpdatePoolStrategy(strategy string) error {
	if strategy != "" && !validStrategies[strategy] {
		return errors.NewInvalidRequestError("unknown strategy %q", strategy)
	}
	return UpdateSetting("pool", "strategy", strategy)
}

// UpdateProcessorMaxConcurrent updates the processor.max_concurrent_jobs setting in CLI config
func UpdateProcessorMaxConcurrent(maxConcurrent int) error {
	return UpdateSetting("processor", "max_concurrent_jobs", maxConcurrent)
}

// UpdateLogTheme updates the log.theme setting in CLI config
func UpdateLogTheme(theme string) error {
	if theme != "gruvbox" && theme != "everforest" {
		return errors.NewInvalidRequestError("unknown log theme %q", theme)
	}
	return UpdateSetting("log", "theme", theme)
}
