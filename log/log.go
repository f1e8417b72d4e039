// Package log implements a minimal, debug-focused logging facade. Logging is
// disabled by default; call SetLogger to route debug output to a host
// application's logger of choice.
package log

import "github.com/google/uuid"

var logger Interface = noopLogger{}

// Interface is the minimal contract a host logger must satisfy.
type Interface interface {
	// Debugf logs v using a format string.
	Debugf(format string, v ...interface{})
}

// SetLogger installs l as the active logger and enables debug logging.
func SetLogger(l Interface) {
	logger = l
}

// Debugf writes to the currently configured logger.
func Debugf(format string, v ...interface{}) {
	if logger != nil {
		logger.Debugf(format, v...)
	}
}

// DebugEnabled reports whether a non-noop logger has been installed.
func DebugEnabled() bool {
	switch logger.(type) {
	case noopLogger, nil:
		return false
	default:
		return true
	}
}

// NewOperationID returns a short correlation id suitable for tying together
// the Debugf lines emitted by a single encrypt/decrypt call.
func NewOperationID() string {
	return uuid.NewString()
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
