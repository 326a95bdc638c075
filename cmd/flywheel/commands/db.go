package commands

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/flywheel/config"
	"github.com/teranos/flywheel/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the flywheel database",
	Long: sym.DB + ` Database operations.

Examples:
  flywheel db stats    # Show database statistics`,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  "Display job counts per status, schedule counts, and database file size",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}
	if dbPath == "" {
		dbPath = "flywheel.db"
	}

	database, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path: %s\n", dbPath)
	if info, err := os.Stat(dbPath); err == nil {
		fmt.Printf("Database Size: %.1f KB\n", float64(info.Size())/1024)
	}
	fmt.Println()

	// Job counts per status
	rows, err := database.Query(`
		SELECT status, COUNT(*)
		FROM jobs
		GROUP BY status
		ORDER BY status`)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query job counts: %w", err)
	}

	var totalJobs int
	fmt.Printf("Jobs by Status:\n")
	if err == nil {
		defer rows.Close()
		var hasJobs bool
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("failed to scan job count: %w", err)
			}
			hasJobs = true
			totalJobs += count
			fmt.Printf("  %-12s %d\n", status, count)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate job counts: %w", err)
		}
		if !hasJobs {
			fmt.Println("  No jobs recorded yet")
		}
	}
	fmt.Printf("  %-12s %d\n", "total", totalJobs)
	fmt.Println()

	// Schedule and digest counts
	var scheduleCount, enabledCount int
	err = database.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN enabled THEN 1 ELSE 0 END), 0)
		FROM schedules`).Scan(&scheduleCount, &enabledCount)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query schedule counts: %w", err)
	}
	fmt.Printf("Schedules: %d (%d enabled)\n", scheduleCount, enabledCount)

	var digestCount int
	err = database.QueryRow(`SELECT COUNT(*) FROM digests`).Scan(&digestCount)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to query digest count: %w", err)
	}
	fmt.Printf("Digests: %d\n", digestCount)

	return nil
}
