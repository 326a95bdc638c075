package logger

import (
	"github.com/teranos/flywheel/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// These functions log with the symbol as a structured field, not in the message.
//
// Usage:
//
//	// Instead of:
//	logger.Infow(sym.Wheel + " Job started", "job_id", id)
//
//	// Use:
//	logger.WheelInfow("Job started", "job_id", id)
//
// This makes logs queryable by symbol and keeps messages clean.

// WheelInfow logs an info message with the Wheel symbol (꩜)
func WheelInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Wheel}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// WheelDebugw logs a debug message with the Wheel symbol (꩜)
func WheelDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Wheel}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// WheelWarnw logs a warning message with the Wheel symbol (꩜)
func WheelWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Wheel}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// WheelErrorw logs an error message with the Wheel symbol (꩜)
func WheelErrorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Wheel}, keysAndValues...)
		Logger.Errorw(msg, fields...)
	}
}

// SpinUpInfow logs an info message with the SpinUp symbol (✿)
// Used for graceful startup operations
func SpinUpInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.SpinUp}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// SpinDownInfow logs an info message with the SpinDown symbol (❀)
// Used for graceful shutdown operations
func SpinDownInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.SpinDown}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// ClockInfow logs an info message with the Clock symbol (✦)
// Used for scheduler operations
func ClockInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Clock}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// ClockDebugw logs a debug message with the Clock symbol (✦)
func ClockDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Clock}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// DBInfow logs an info message with the DB symbol (⊔)
// Used for database/storage operations
func DBInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.DB}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// DBDebugw logs a debug message with the DB symbol (⊔)
func DBDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.DB}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// WithSymbol returns a logger with the given symbol as a field.
// For ad-hoc symbol usage not covered by the helpers above.
//
// Example:
//
//	symbolLogger := logger.WithSymbol(sym.Crew)
//	symbolLogger.Infow("Worker registered", "worker_id", id)
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}

// SymbolInfow logs with any symbol - for dynamic symbol usage
func SymbolInfow(symbol, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, symbol}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// ============================================================================
// Instance logger wrappers
// ============================================================================
// These functions wrap any logger with a symbol field, useful when you have
// an instance logger (e.g., s.logger, t.logger) rather than using the global Logger.
//
// Usage:
//
//	// At initialization:
//	type Scheduler struct {
//	    clockLog *zap.SugaredLogger
//	}
//	s.clockLog = logger.AddClockSymbol(baseLogger)
//
//	// Or inline:
//	logger.AddClockSymbol(s.logger).Infow("Scheduler started", "interval", interval)

// AddWheelSymbol wraps a logger with the Wheel symbol (꩜)
func AddWheelSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Wheel)
}

// AddSpinUpSymbol wraps a logger with the SpinUp symbol (✿)
func AddSpinUpSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.SpinUp)
}

// AddSpinDownSymbol wraps a logger with the SpinDown symbol (❀)
func AddSpinDownSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.SpinDown)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.DB)
}

// AddClockSymbol wraps a logger with the Clock symbol (✦)
func AddClockSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Clock)
}

// AddCrewSymbol wraps a logger with the Crew symbol (⌬)
func AddCrewSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Crew)
}

// AddWatchSymbol wraps a logger with the Watch symbol (⟐)
func AddWatchSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, sym.Watch)
}
