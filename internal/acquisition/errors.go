package acquisition

import "errors"

// Attempt-level failures. All of them are recoverable: the orchestrator
// discards the attempt's resources and either retries or gives up.
var (
	ErrProxyUnavailable     = errors.New("no usable proxy node")
	ErrMailbox              = errors.New("mailbox failure")
	ErrCodeTimeout          = errors.New("verification code not received")
	ErrLoginStepFailed      = errors.New("login step failed")
	ErrExtractionIncomplete = errors.New("session cookie not extracted")
)
