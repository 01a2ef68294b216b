package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/courierhq/courier/contracts"
)

var (
	// ErrStopWorker asks the worker to stop once the current envelope is settled.
	// A handler returning it (or an error wrapping it) is treated as successful.
	ErrStopWorker = errors.New("messaging: stop worker requested")

	// ErrNoHandler is returned when a message reaches the handle middleware without handlers
	ErrNoHandler = errors.New("messaging: no handler for message")

	// ErrUnknownTransport is returned when routing names a transport nobody registered
	ErrUnknownTransport = errors.New("messaging: unknown transport")

	// ErrMessageNotFound is returned by listable receivers for unknown ids
	ErrMessageNotFound = errors.New("messaging: message not found")

	// ErrQueuesNotSupported is returned when queues are requested from a plain receiver
	ErrQueuesNotSupported = errors.New("messaging: receiver does not support queues")
)

// RetryPolicy lets an error override the retry strategy's budget decision
type RetryPolicy int

const (
	// PolicyDefault leaves the decision to the retry strategy
	PolicyDefault RetryPolicy = iota
	// PolicyForceRetry retries regardless of the remaining budget
	PolicyForceRetry
	// PolicyForceFail fails immediately regardless of the remaining budget
	PolicyForceFail
)

func (p RetryPolicy) String() string {
	switch p {
	case PolicyForceRetry:
		return "force-retry"
	case PolicyForceFail:
		return "force-fail"
	default:
		return "default"
	}
}

// HandlingError carries an explicit retry policy for a handler error
type HandlingError struct {
	Err        error
	Policy     RetryPolicy
	RetryAfter time.Duration
}

func (e *HandlingError) Error() string {
	return e.Err.Error()
}

func (e *HandlingError) Unwrap() error {
	return e.Err
}

// Unrecoverable marks err so the message goes to the failure transport without retrying.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &HandlingError{Err: err, Policy: PolicyForceFail}
}

// Recoverable marks err so the message is always retried.
// A positive retryAfter replaces the delay computed by the retry strategy.
func Recoverable(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &HandlingError{Err: err, Policy: PolicyForceRetry, RetryAfter: retryAfter}
}

// PolicyOf returns the retry policy carried by err.
// For a HandlerFailedError the message is retried when any failure forces a retry
// and fails fast only when every failure forces a failure.
func PolicyOf(err error) RetryPolicy {
	var hf *HandlerFailedError
	if errors.As(err, &hf) {
		if len(hf.failures) == 0 {
			return PolicyDefault
		}
		allFail := true
		for _, f := range hf.failures {
			switch PolicyOf(f.Err) {
			case PolicyForceRetry:
				return PolicyForceRetry
			case PolicyDefault:
				allFail = false
			}
		}
		if allFail {
			return PolicyForceFail
		}
		return PolicyDefault
	}

	var he *HandlingError
	if errors.As(err, &he) {
		return he.Policy
	}
	return PolicyDefault
}

// RetryDelay returns the first explicit retry delay found in err
func RetryDelay(err error) (time.Duration, bool) {
	var hf *HandlerFailedError
	if errors.As(err, &hf) {
		for _, f := range hf.failures {
			if d, ok := RetryDelay(f.Err); ok {
				return d, true
			}
		}
		return 0, false
	}

	var he *HandlingError
	if errors.As(err, &he) && he.Policy == PolicyForceRetry && he.RetryAfter > 0 {
		return he.RetryAfter, true
	}
	return 0, false
}

// HandlerFailure is the error returned by one handler
type HandlerFailure struct {
	HandlerName string
	Err         error
}

// HandlerFailedError aggregates every handler failure of one dispatch.
// Its envelope carries HandledStamps for the handlers that succeeded.
type HandlerFailedError struct {
	envelope    *contracts.Envelope
	messageType string
	failures    []HandlerFailure
}

// NewHandlerFailedError creates an aggregate error for env
func NewHandlerFailedError(env *contracts.Envelope, messageType string, failures []HandlerFailure) *HandlerFailedError {
	return &HandlerFailedError{envelope: env, messageType: messageType, failures: failures}
}

func (e *HandlerFailedError) Error() string {
	if len(e.failures) == 0 {
		return fmt.Sprintf("Handling %q failed", e.messageType)
	}
	first := e.failures[0].Err.Error()
	if len(e.failures) == 1 {
		return fmt.Sprintf("Handling %q failed: %s", e.messageType, first)
	}
	return fmt.Sprintf("Handling %q failed: %d handlers failed. First failure is: %s", e.messageType, len(e.failures), first)
}

// Unwrap exposes every handler error to errors.Is and errors.As
func (e *HandlerFailedError) Unwrap() []error {
	errs := make([]error, len(e.failures))
	for i, f := range e.failures {
		errs[i] = f.Err
	}
	return errs
}

// Envelope returns the envelope as it was when the handlers finished
func (e *HandlerFailedError) Envelope() *contracts.Envelope {
	return e.envelope
}

// Failures returns the handler failures in invocation order
func (e *HandlerFailedError) Failures() []HandlerFailure {
	out := make([]HandlerFailure, len(e.failures))
	copy(out, e.failures)
	return out
}

// FirstCause unwraps nested HandlerFailedErrors down to the first underlying error.
func FirstCause(err error) error {
	for err != nil {
		var hf *HandlerFailedError
		if !errors.As(err, &hf) || len(hf.failures) == 0 {
			return err
		}
		err = hf.failures[0].Err
	}
	return err
}
