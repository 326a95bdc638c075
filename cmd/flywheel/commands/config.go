package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"github.com/teranos/flywheel/config"
	"gopkg.in/yaml.v3"
)

// ConfigCmd represents the config command
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage flywheel configuration",
	Long: `Display and manage flywheel configuration settings.

Configuration sources (in order of precedence):
1. Environment variables (FLYWHEEL_* prefix)
2. Project config (./flywheel.toml, searches up directories)
3. CLI-written config (~/.flywheel/flywheel_from_cli.toml)
4. User config (~/.flywheel/flywheel.toml)
5. System config (/etc/flywheel/config.toml)
6. Default values

Examples:
  flywheel config show                # Show current configuration
  flywheel config show --format json  # Show configuration in JSON format
  flywheel config get database.path   # Get specific config value
  flywheel config validate            # Validate current configuration
  flywheel config where               # Show where settings come from`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the current flywheel configuration from all sources",
	RunE:  runConfigShow,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pool.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	Long:  "Validate that the current flywheel configuration is valid",
	RunE:  runConfigValidate,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Long: `Show the configuration cascade and which files were checked.

Lists all configuration sources in order of precedence, showing
which file or environment variable supplied each setting.`,
	RunE: runConfigWhere,
}

var configFormat string

func init() {
	configShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configGetCmd)
	ConfigCmd.AddCommand(configValidateCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# flywheel configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# flywheel configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := config.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}

	value := config.Get(key)
	fmt.Println(value)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	intro, err := config.GetConfigIntrospection()
	if err != nil {
		return fmt.Errorf("failed to get config introspection: %w", err)
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]   Built-in defaults")
	fmt.Println("  2. [SYSTEM]    /etc/flywheel/config.toml")
	fmt.Println("  3. [USER]      ~/.flywheel/flywheel.toml")
	fmt.Println("  4. [USER_CLI]  ~/.flywheel/flywheel_from_cli.toml")
	fmt.Println("  5. [PROJECT]   ./flywheel.toml (searches up directories)")
	fmt.Println("  6. [ENV]       FLYWHEEL_* environment variables")
	fmt.Println()

	// Group settings by their source file so each file prints once
	type fileGroup struct {
		source   config.ConfigSource
		path     string
		settings []config.SettingInfo
	}

	settingsByPath := make(map[string]*fileGroup)
	for _, setting := range intro.Settings {
		key := setting.SourcePath
		if key == "" {
			// Defaults have no path; key them by source
			key = string(setting.Source)
		}

		if group, exists := settingsByPath[key]; exists {
			group.settings = append(group.settings, setting)
		} else {
			settingsByPath[key] = &fileGroup{
				source:   setting.Source,
				path:     setting.SourcePath,
				settings: []config.SettingInfo{setting},
			}
		}
	}

	sourceOrder := []config.ConfigSource{
		config.SourceDefault,
		config.SourceSystem,
		config.SourceUser,
		config.SourceUserCLI,
		config.SourceProject,
		config.SourceEnvironment,
	}

	fmt.Println("Active configuration:")
	for _, source := range sourceOrder {
		var groups []*fileGroup
		for _, group := range settingsByPath {
			if group.source == source && len(group.settings) > 0 {
				groups = append(groups, group)
			}
		}
		sort.Slice(groups, func(i, j int) bool {
			return groups[i].path < groups[j].path
		})

		for _, group := range groups {
			// Env settings carry the variable name as their path
			if group.path != "" {
				fmt.Printf("\n%s: %d settings from %s\n", source, len(group.settings), group.path)
			} else {
				fmt.Printf("\n%s: %d settings\n", source, len(group.settings))
			}

			sort.Slice(group.settings, func(i, j int) bool {
				return group.settings[i].Key < group.settings[j].Key
			})
			for _, setting := range group.settings {
				valueStr := fmt.Sprintf("%v", setting.Value)
				if len(valueStr) > 50 {
					valueStr = valueStr[:47] + "..."
				}
				fmt.Printf("  %s = %s\n", setting.Key, valueStr)
			}
		}
	}

	return nil
}
