package core

import "github.com/hupe1980/actionmesh/logging"

// loggerAdapter wraps a logging.Logger, binds the run id to every entry and
// exposes convenience methods (LogDebug/LogInfo/LogWarn/LogError). It
// guarantees a non-nil logger by substituting a NoOpLogger when constructed
// with nil.
type loggerAdapter struct {
	logger logging.Logger
	runID  string
}

// newLoggerAdapter constructs a loggerAdapter with a non-nil logger.
func newLoggerAdapter(l logging.Logger, runID string) *loggerAdapter {
	if l == nil {
		l = logging.NoOpLogger{}
	}
	return &loggerAdapter{logger: l, runID: runID}
}

// Logger returns the underlying logger.
func (l *loggerAdapter) Logger() logging.Logger {
	return l.logger
}

func (l *loggerAdapter) with(args []any) []any {
	if l.runID == "" {
		return args
	}
	return append([]any{"run_id", l.runID}, args...)
}

// LogDebug logs a debug message.
func (l *loggerAdapter) LogDebug(msg string, args ...any) {
	l.logger.Debug(msg, l.with(args)...)
}

// LogInfo logs an info message.
func (l *loggerAdapter) LogInfo(msg string, args ...any) {
	l.logger.Info(msg, l.with(args)...)
}

// LogWarn logs a warning message.
func (l *loggerAdapter) LogWarn(msg string, args ...any) {
	l.logger.Warn(msg, l.with(args)...)
}

// LogError logs an error message.
func (l *loggerAdapter) LogError(msg string, args ...any) {
	l.logger.Error(msg, l.with(args)...)
}
