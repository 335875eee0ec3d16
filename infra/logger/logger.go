package logger

import corelogger "github.com/crewcall/crewcall/core/logger"

// Logger mirrors the core logger interface.
type Logger = corelogger.Logger

// NopLogger implements Logger with no-op methods.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...any)         {}
func (NopLogger) Debugw(string, map[string]any) {}
func (NopLogger) Infof(string, ...any)          {}
func (NopLogger) Warnf(string, ...any)          {}
func (NopLogger) Errorf(string, ...any)         {}

// New returns a zerolog-backed Logger for the given component. APP_ENV=dev
// switches to console output and LOG_LEVEL controls verbosity.
func New(component string) Logger {
	return newZerolog(component)
}
