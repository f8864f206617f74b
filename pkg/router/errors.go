package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/lambdahost/lambdahost/pkg/rtapi"
)

// ErrClosed is returned by queue operations after the router has been
// released.
var ErrClosed = errors.New("router: closed")

// DuplicateError rejects a Submit whose correlation id is already pending.
type DuplicateError struct {
	CorrelationID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate correlation id %q", e.CorrelationID)
}

// UnknownInvocationError reports a result or error posted against a
// correlation id that is not in the ledger: either it never existed or it
// already completed.  Both indicate a protocol desync.
type UnknownInvocationError struct {
	CorrelationID string
}

func (e *UnknownInvocationError) Error() string {
	return fmt.Sprintf("no pending invocation for correlation id %q", e.CorrelationID)
}

// LateCompletionError reports a completion that arrived after the invoke
// caller's deadline.  The completion is still accepted; the orphaned ledger
// entry reconciles and the desync is surfaced here.
type LateCompletionError struct {
	CorrelationID string
	Deadline      time.Time
}

func (e *LateCompletionError) Error() string {
	return fmt.Sprintf("completion for %q arrived after its %s deadline",
		e.CorrelationID, e.Deadline.Format(time.RFC3339Nano))
}

// Desync describes a protocol desynchronization observed by the dispatcher:
// an unroutable request, an unknown-id completion, or a completion arriving
// after the invoke caller's deadline.
type Desync struct {
	Op            rtapi.Op
	CorrelationID string
	Err           error
}

// DesyncObserver receives desync reports.  Observers run on the dispatcher
// goroutine and must not block.
type DesyncObserver func(Desync)
