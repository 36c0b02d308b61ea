package interview

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionClosed indicates the interview has ended and accepts no input.
	ErrSessionClosed = errors.New("interview session is closed")

	// ErrEmptyInput indicates a blank user message.
	ErrEmptyInput = errors.New("message is empty")

	// ErrTurnInFlight indicates another turn is still being answered.
	ErrTurnInFlight = errors.New("a reply is already in progress")

	// ErrNothingToRetry indicates the last turn already has a reply.
	ErrNothingToRetry = errors.New("no unanswered message to retry")
)

// ConfigurationError reports that no credential is available for the
// completion endpoint. The transcript is left untouched.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// GatewayError reports a failed completion call. The user turn that triggered
// it stays in the transcript; no assistant turn is recorded.
type GatewayError struct {
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("completion failed: %v", e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// PersistenceError reports that a finished transcript could not be written.
// The in-memory transcript is retained and finalization may be retried.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist transcript: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrorKind classifies an error for presentation adapters.
func ErrorKind(err error) string {
	var cfgErr *ConfigurationError
	var gwErr *GatewayError
	var persistErr *PersistenceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &gwErr):
		return "gateway"
	case errors.As(err, &persistErr):
		return "persistence"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	case errors.Is(err, ErrTurnInFlight):
		return "busy"
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrNothingToRetry):
		return "input"
	default:
		return "internal"
	}
}
