package logger

// Output controls what categories of information are shown at each verbosity level.
//
// Unlike log levels (which filter by severity), output categories control
// WHAT types of information are displayed regardless of severity.
//
// Verbosity Levels:
//
//	0 (default) - User-facing output only: results, errors with hints, final status
//	1 (-v)      - + Progress, startup info, worker status, operation summaries
//	2 (-vv)     - + Dispatch decisions, timing, config loaded, alert evaluation
//	3 (-vvv)    - + Handler stdout/stderr, SQL queries, internal flow
//	4 (-vvvv)   - + Full job params/results, data structure dumps

// OutputCategory defines a category of output that can be enabled/disabled
type OutputCategory int

const (
	// Level 0 (default) - Always shown
	OutputResults    OutputCategory = iota // Command output, job results
	OutputErrors                           // Errors with hints and resolution steps
	OutputUserStatus                       // Final success/failure status

	// Level 1 (-v) - Informational
	OutputProgress      // Progress indicators (e.g., "Processing 50/100 jobs")
	OutputStartup       // Startup banners, config summary
	OutputWorkerStatus  // Worker registered/removed/health status
	OutputOperationInfo // High-level operation summaries

	// Level 2 (-vv) - Detailed
	OutputDispatch // Job dispatch and retry decisions
	OutputTiming   // Operation timing (e.g., "job took 42ms")
	OutputConfig   // Config values loaded/applied
	OutputAlerts   // Alert rule evaluation details
	OutputDBStats  // Database statistics and connection info

	// Level 3 (-vvv) - Debug
	OutputHandlerLogs // Handler subprocess stdout/stderr forwarding
	OutputSQLQueries  // Individual SQL queries executed
	OutputInternalOp  // Internal operation flow (function entry/exit)

	// Level 4 (-vvvv) - Full dump
	OutputJobParams  // Full job params and result payloads
	OutputDataDump   // Full data structure contents
)

// categoryLevels maps each output category to its minimum verbosity level
var categoryLevels = map[OutputCategory]int{
	// Level 0 - Always shown
	OutputResults:    VerbosityUser,
	OutputErrors:     VerbosityUser,
	OutputUserStatus: VerbosityUser,

	// Level 1 - Informational
	OutputProgress:      VerbosityInfo,
	OutputStartup:       VerbosityInfo,
	OutputWorkerStatus:  VerbosityInfo,
	OutputOperationInfo: VerbosityInfo,

	// Level 2 - Detailed
	OutputDispatch: VerbosityDebug,
	OutputTiming:   VerbosityDebug,
	OutputConfig:   VerbosityDebug,
	OutputAlerts:   VerbosityDebug,
	OutputDBStats:  VerbosityDebug,

	// Level 3 - Debug
	OutputHandlerLogs: VerbosityTrace,
	OutputSQLQueries:  VerbosityTrace,
	OutputInternalOp:  VerbosityTrace,

	// Level 4 - Full dump
	OutputJobParams: VerbosityAll,
	OutputDataDump:  VerbosityAll,
}

// ShouldOutput returns true if the given category should be shown at the given verbosity
func ShouldOutput(verbosity int, category OutputCategory) bool {
	minLevel, ok := categoryLevels[category]
	if !ok {
		// Unknown category, default to highest verbosity required
		return verbosity >= VerbosityAll
	}
	return verbosity >= minLevel
}

// categoryNames provides human-readable names for output categories
var categoryNames = map[OutputCategory]string{
	OutputResults:       "results",
	OutputErrors:        "errors",
	OutputUserStatus:    "status",
	OutputProgress:      "progress",
	OutputStartup:       "startup",
	OutputWorkerStatus:  "worker-status",
	OutputOperationInfo: "operation-info",
	OutputDispatch:      "dispatch",
	OutputTiming:        "timing",
	OutputConfig:        "config",
	OutputAlerts:        "alerts",
	OutputDBStats:       "db-stats",
	OutputHandlerLogs:   "handler-logs",
	OutputSQLQueries:    "sql",
	OutputInternalOp:    "internal",
	OutputJobParams:     "job-params",
	OutputDataDump:      "data-dump",
}

// CategoryName returns the human-readable name for an output category
func CategoryName(category OutputCategory) string {
	if name, ok := categoryNames[category]; ok {
		return name
	}
	return "unknown"
}

// EnabledCategories returns all output categories enabled at the given verbosity
func EnabledCategories(verbosity int) []OutputCategory {
	var enabled []OutputCategory
	for cat, minLevel := range categoryLevels {
		if verbosity >= minLevel {
			enabled = append(enabled, cat)
		}
	}
	return enabled
}

// VerbosityDescription returns a description of what's shown at each level
func VerbosityDescription(verbosity int) string {
	switch verbosity {
	case VerbosityUser:
		return "results and errors only"
	case VerbosityInfo:
		return "results, errors, progress, and status"
	case VerbosityDebug:
		return "above + dispatch, timing, config details"
	case VerbosityTrace:
		return "above + handler output and SQL"
	case VerbosityAll:
		return "full output including job params and results"
	default:
		if verbosity > VerbosityAll {
			return "maximum verbosity"
		}
		return "unknown verbosity level"
	}
}
