// Package sym defines canonical symbols for flywheel subsystems.
// Symbols are logged as the structured "symbol" field so log streams
// stay queryable per subsystem, and are stable across CLI and docs.
package sym

// Subsystem glyphs.
const (
	Wheel    = "꩜" // engine core: queue, dispatch, retry
	SpinUp   = "✿" // startup with orphaned-job recovery
	SpinDown = "❀" // graceful shutdown with in-flight drain
	DB       = "⊔" // database/storage layer
	Clock    = "✦" // scheduler: recurring job production
	Crew     = "⌬" // worker pool: health, scaling, balancing
	Watch    = "⟐" // monitor: metrics history and alerts
)

// All lists every symbol with its subsystem name, in display order.
func All() []struct{ Symbol, Name string } {
	return []struct{ Symbol, Name string }{
		{Wheel, "engine"},
		{SpinUp, "startup"},
		{SpinDown, "shutdown"},
		{DB, "storage"},
		{Clock, "scheduler"},
		{Crew, "workers"},
		{Watch, "monitor"},
	}
}
