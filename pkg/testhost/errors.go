package testhost

import (
	"errors"
	"fmt"
	"time"

	"github.com/lambdahost/lambdahost/pkg/rtapi"
)

// ErrStartTimeout is returned by Start when neither the startup signal, an
// init error, nor a host exit arrived within Config.StartTimeout.
var ErrStartTimeout = errors.New("testhost: runtime did not start within the configured timeout")

// InvalidStateError rejects an operation that is not legal in the host's
// current lifecycle state.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("testhost: %s is not valid in state %s", e.Op, e.State)
}

// TimeoutError is returned by Invoke when no completion arrived within the
// configured wait.  The pending invocation stays in the ledger as orphaned;
// the runtime may still complete it later.
type TimeoutError struct {
	CorrelationID string
	Wait          time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("testhost: invocation %s received no completion within %s", e.CorrelationID, e.Wait)
}

func (e *TimeoutError) Timeout() bool { return true }

// InvocationError carries the structured error the runtime posted for one
// invocation.  Unwrap exposes the wire payload (and through it the cause
// chain).
type InvocationError struct {
	CorrelationID string
	Response      *rtapi.ErrorResponse
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("testhost: invocation %s failed: %s", e.CorrelationID, e.Response.Error())
}

func (e *InvocationError) Unwrap() error { return e.Response }
