package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/teranos/flywheel/logger"
	"github.com/teranos/flywheel/queue"
	"github.com/teranos/flywheel/scheduler"
	"github.com/teranos/flywheel/sym"
)

// SchedulesCmd represents the schedules command - recurring job definitions
var SchedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: sym.Clock + " Manage recurring schedule definitions",
	Long: sym.Clock + ` Schedule definition management.

Reads and writes schedule definitions straight from the database. A
running daemon picks up changes on restart; definitions added while
the daemon is down are restored when it next starts.

Schedule commands:
  flywheel schedules ls                  # List all definitions
  flywheel schedules add ...             # Add a new definition
  flywheel schedules enable <id>         # Enable a definition
  flywheel schedules disable <id>        # Disable a definition
  flywheel schedules rm <id>             # Delete a definition

Example:
  flywheel schedules add --name nightly-digest --type digest --interval 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// SchedulesLsCmd lists schedule definitions
var SchedulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List schedule definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedulesLs()
	},
}

// SchedulesAddCmd adds a schedule definition
var SchedulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a schedule definition",
	Long: `Add an interval-based schedule definition.

The schedule fires for the first time on the daemon's next check after
it is added, then every --interval after each firing.

Examples:
  flywheel schedules add --name nightly-digest --type digest --interval 24h
  flywheel schedules add --name hourly-sync --type data-sync --interval 1h \
    --priority 5 --params '{"source":"primary"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		jobType, _ := cmd.Flags().GetString("type")
		interval, _ := cmd.Flags().GetDuration("interval")
		cooldown, _ := cmd.Flags().GetDuration("cooldown")
		priority, _ := cmd.Flags().GetInt("priority")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		paramsJSON, _ := cmd.Flags().GetString("params")
		disabled, _ := cmd.Flags().GetBool("disabled")
		return runSchedulesAdd(name, jobType, interval, cooldown, priority, maxRetries, paramsJSON, disabled)
	},
}

// SchedulesEnableCmd enables a schedule definition
var SchedulesEnableCmd = &cobra.Command{
	Use:   "enable <schedule-id>",
	Short: "Enable a schedule definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedulesSetEnabled(args[0], true)
	},
}

// SchedulesDisableCmd disables a schedule definition
var SchedulesDisableCmd = &cobra.Command{
	Use:   "disable <schedule-id>",
	Short: "Disable a schedule definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedulesSetEnabled(args[0], false)
	},
}

// SchedulesRmCmd deletes a schedule definition
var SchedulesRmCmd = &cobra.Command{
	Use:   "rm <schedule-id>",
	Short: "Delete a schedule definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchedulesRm(args[0])
	},
}

func init() {
	SchedulesAddCmd.Flags().String("name", "", "Human-readable schedule name (required)")
	SchedulesAddCmd.Flags().String("type", "", "Job type to enqueue (required)")
	SchedulesAddCmd.Flags().Duration("interval", 0, "Spacing between runs, e.g. 30m, 24h (required)")
	SchedulesAddCmd.Flags().Duration("cooldown", 0, "Minimum spacing between runs (0 = none)")
	SchedulesAddCmd.Flags().Int("priority", 0, "Priority of produced jobs")
	SchedulesAddCmd.Flags().Int("max-retries", 3, "Max retries for produced jobs")
	SchedulesAddCmd.Flags().String("params", "", "Job params as a JSON object")
	SchedulesAddCmd.Flags().Bool("disabled", false, "Create the schedule disabled")
	SchedulesAddCmd.MarkFlagRequired("name")
	SchedulesAddCmd.MarkFlagRequired("type")
	SchedulesAddCmd.MarkFlagRequired("interval")

	SchedulesCmd.AddCommand(SchedulesLsCmd)
	SchedulesCmd.AddCommand(SchedulesAddCmd)
	SchedulesCmd.AddCommand(SchedulesEnableCmd)
	SchedulesCmd.AddCommand(SchedulesDisableCmd)
	SchedulesCmd.AddCommand(SchedulesRmCmd)
}

// runSchedulesLs lists schedule definitions
func runSchedulesLs() error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := scheduler.NewStore(database, logger.Logger)
	defs, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}

	if len(defs) == 0 {
		fmt.Printf("%s No schedules found\n", sym.Clock)
		return nil
	}

	fmt.Printf("%-38s %-20s %-18s %-8s %-10s %s\n", "SCHEDULE ID", "NAME", "TYPE", "ENABLED", "INTERVAL", "NEXT RUN")
	fmt.Printf("%-38s %-20s %-18s %-8s %-10s %s\n", "-----------", "----", "----", "-------", "--------", "--------")

	for _, def := range defs {
		fmt.Printf("%-38s %-20s %-18s %-8t %-10s %s\n",
			def.ID,
			truncate(def.Name, 20),
			truncate(string(def.JobType), 18),
			def.Enabled,
			def.Interval,
			def.NextRun.Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d schedule(s)\n", len(defs))
	return nil
}

// runSchedulesAdd persists a new interval definition
func runSchedulesAdd(name, jobType string, interval, cooldown time.Duration, priority, maxRetries int, paramsJSON string, disabled bool) error {
	if !queue.IsValidType(jobType) {
		return fmt.Errorf("unknown job type %q (valid: %s)", jobType, joinTypes())
	}
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}
	if cooldown < 0 {
		return fmt.Errorf("--cooldown cannot be negative")
	}

	var params map[string]any
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return fmt.Errorf("invalid --params JSON: %w", err)
		}
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := scheduler.NewStore(database, logger.Logger)

	now := time.Now().UTC()
	def := &scheduler.Definition{
		ID:         uuid.NewString(),
		Name:       name,
		JobType:    queue.JobType(jobType),
		Params:     params,
		Priority:   priority,
		Enabled:    !disabled,
		MaxRetries: maxRetries,
		Interval:   interval,
		Cooldown:   cooldown,
		NextRun:    now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.Upsert(def); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	fmt.Printf("%s Schedule %q added\n", sym.Clock, name)
	fmt.Printf("  ID: %s\n", def.ID)
	fmt.Printf("  Type: %s\n", def.JobType)
	fmt.Printf("  Interval: %s\n", def.Interval)
	if def.Cooldown > 0 {
		fmt.Printf("  Cooldown: %s\n", def.Cooldown)
	}
	if !def.Enabled {
		fmt.Printf("  Enabled: false\n")
	}
	return nil
}

// runSchedulesSetEnabled flips a definition's enabled flag
func runSchedulesSetEnabled(scheduleID string, enabled bool) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := scheduler.NewStore(database, logger.Logger)

	def, err := store.GetByID(scheduleID)
	if err != nil {
		return fmt.Errorf("failed to get schedule: %w", err)
	}

	if def.Enabled == enabled {
		fmt.Printf("%s Schedule %q already %s\n", sym.Clock, def.Name, enabledWord(enabled))
		return nil
	}

	def.Enabled = enabled
	def.UpdatedAt = time.Now().UTC()
	if err := store.Upsert(def); err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}

	fmt.Printf("%s Schedule %q %s\n", sym.Clock, def.Name, enabledWord(enabled))
	return nil
}

// runSchedulesRm deletes a definition
func runSchedulesRm(scheduleID string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	store := scheduler.NewStore(database, logger.Logger)

	def, err := store.GetByID(scheduleID)
	if err != nil {
		return fmt.Errorf("failed to get schedule: %w", err)
	}

	if err := store.Delete(scheduleID); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}

	fmt.Printf("%s Schedule %q deleted\n", sym.Clock, def.Name)
	return nil
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
