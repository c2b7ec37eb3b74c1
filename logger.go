package tempovec

import (
	"io"

	"github.com/liliang-cn/tempovec/pkg/logging"
)

// Logger is the interface the store and its components log through. It is
// a re-export of pkg/logging.Logger so that callers configuring Config.Logger
// don't need to import the internal logging package directly.
type Logger = logging.Logger

// LogLevel mirrors logging.LogLevel.
type LogLevel = logging.LogLevel

// Log level constants, re-exported for convenience.
const (
	LevelDebug = logging.LevelDebug
	LevelInfo  = logging.LevelInfo
	LevelWarn  = logging.LevelWarn
	LevelError = logging.LevelError
)

// NewLogger creates a Logger writing to w, filtering below minLevel.
func NewLogger(w io.Writer, minLevel LogLevel) Logger {
	return logging.NewLogger(w, minLevel)
}

// NewStdLogger creates a Logger writing to stdout.
func NewStdLogger(minLevel LogLevel) Logger {
	return logging.NewStdLogger(minLevel)
}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return logging.NopLogger()
}
