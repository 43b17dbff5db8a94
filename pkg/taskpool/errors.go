package taskpool

import (
	"fmt"
)

// ErrorKind classifies the failure conditions the task-execution core can
// surface to a caller. Every error returned from a public entry point wraps
// one of these so callers can branch with errors.As without parsing
// messages.
type ErrorKind int

const (
	// UnknownErr covers conditions that don't fit the other kinds.
	UnknownErr ErrorKind = iota
	// AdmissionErr covers double-submit, submit-after-shutdown, and
	// admission onto a terminated executor.
	AdmissionErr
	// ExecutionErr wraps a panic or error raised by user-supplied code.
	ExecutionErr
	// InterruptedErr covers a worker or drain loop observing cancellation
	// while parked or blocked.
	InterruptedErr
	// SaturationErr is reserved for pathological configuration (a max-total
	// of zero or below that can never be satisfied); ordinary saturation is
	// resolved internally by adaptive growth and never surfaces here.
	SaturationErr
	// InvariantViolationErr marks a parked worker observed in a state the
	// Thread Supplier does not expect (§4.B retrieval freshness rule).
	InvariantViolationErr
)

func (k ErrorKind) String() string {
	switch k {
	case AdmissionErr:
		return "admission"
	case ExecutionErr:
		return "execution"
	case InterruptedErr:
		return "interrupted"
	case SaturationErr:
		return "saturation"
	case InvariantViolationErr:
		return "invariant-violation"
	default:
		return "unknown"
	}
}

// Error is the single runtime error kind produced by this package. It
// carries a cause, a component/worker identity for logging, and a kind for
// programmatic branching — the library-internal convention spec.md §7
// requires ("convert checked conditions to a single runtime error kind with
// a cause"), modeled on the teacher's ClassifiedError
// (pkg/resilience/errors.go).
type Error struct {
	Kind      ErrorKind
	Component string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("[%s:%s]", e.Component, e.Kind)
	}
	return fmt.Sprintf("[%s:%s] %v", e.Component, e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// LogFields satisfies logging.Classified, letting LogError attach this
// error's kind/component identity to the log entry without logging
// importing this package.
func (e *Error) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"kind":      e.Kind.String(),
		"component": e.Component,
	}
}

// Is matches another *Error of the same Kind, so errors.Is(err,
// &Error{Kind: AdmissionErr}) matches any admission error. Sentinel causes
// such as ErrAlreadySubmitted are matched through Unwrap, not through Is.
func (e *Error) Is(target error) bool {
	if other, ok := target.(*Error); ok {
		return e.Kind == other.Kind
	}
	return false
}

func newError(kind ErrorKind, component string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Cause: cause}
}

// Sentinel causes wrapped by *Error for common admission failures, so
// callers can do errors.Is(err, taskpool.ErrAlreadySubmitted).
var (
	ErrAlreadySubmitted    = fmt.Errorf("task already submitted")
	ErrExecutorTerminated  = fmt.Errorf("executor terminated")
	ErrExecutorSuspended   = fmt.Errorf("executor suspended")
	ErrNegativeMaxTotal    = fmt.Errorf("configured max total thread count is permanently unsatisfiable")
	ErrSelfWaitSuppressed  = fmt.Errorf("waitForFinish suppressed: calling worker is the task's own worker")
	ErrDuplicateOnceKey    = fmt.Errorf("once-only key already registered to another task")
)
