package browser

import (
	"errors"

	"go.uber.org/zap"
)

var (
	// ErrLaunch means the browser engine could not be started. Fatal.
	ErrLaunch = errors.New("browser launch failed")
	// ErrSessionClosed is returned by operations on a stopped session.
	ErrSessionClosed = errors.New("browser session closed")
	// ErrNavigation means the login page could not be loaded.
	ErrNavigation = errors.New("navigation failed")
	// ErrExtractionIncomplete means the login finished without a session cookie.
	ErrExtractionIncomplete = errors.New("session cookie missing after login")
)

// Outcome is the result of a step that may fail without ending the session.
// A soft failure is logged and the flow goes on.
type Outcome struct {
	Err  error
	Soft bool
}

// Hard wraps an error that must end the step.
func Hard(err error) Outcome { return Outcome{Err: err} }

// Soft wraps an error that is only worth a warning.
func Soft(err error) Outcome { return Outcome{Err: err, Soft: true} }

// OK reports whether the step may be treated as successful.
func (o Outcome) OK() bool { return o.Err == nil || o.Soft }

// Log records a failed outcome at the level it deserves.
func (o Outcome) Log(logger *zap.Logger, msg string) {
	switch {
	case o.Err == nil:
	case o.Soft:
		logger.Warn(msg, zap.Error(o.Err))
	default:
		logger.Error(msg, zap.Error(o.Err))
	}
}
