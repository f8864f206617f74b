package router

import (
	"time"

	"github.com/lambdahost/lambdahost/pkg/rtapi"
)

// Outcome is the settled result of one invocation: a success payload or a
// structured error, mutually exclusive.
type Outcome struct {
	Payload []byte
	Err     *rtapi.ErrorResponse
}

// PendingInvocation is one invocation submitted by test code that the runtime
// has not yet completed.
type PendingInvocation struct {
	// Invocation is the synthetic event served to the runtime when this
	// invocation is claimed by a poll.  Its CorrelationID keys the ledger.
	Invocation rtapi.Invocation

	// Deadline is when the invoke caller gives up waiting.  A completion
	// after this point is accepted but reported as a late arrival.
	Deadline time.Time

	result chan Outcome
}

func NewPendingInvocation(inv rtapi.Invocation, deadline time.Time) *PendingInvocation {
	return &PendingInvocation{
		Invocation: inv,
		Deadline:   deadline,
		result:     make(chan Outcome, 1),
	}
}

// Done exposes the completion future.  It yields exactly one Outcome.
func (p *PendingInvocation) Done() <-chan Outcome {
	return p.result
}

func (p *PendingInvocation) settle(out Outcome) {
	// The ledger removes an invocation before settling it and never settles
	// twice; capacity 1 means a settle after the caller timed out does not
	// block the dispatcher.
	p.result <- out
}

// ledger tracks pending invocations keyed by correlation id, plus the FIFO of
// ids not yet claimed by a poll.  It is owned by the dispatcher goroutine and
// is deliberately lock-free.
type ledger struct {
	pending   map[string]*PendingInvocation
	unclaimed []string
}

func newLedger() *ledger {
	return &ledger{pending: map[string]*PendingInvocation{}}
}

func (l *ledger) submit(p *PendingInvocation) error {
	id := p.Invocation.CorrelationID
	if _, ok := l.pending[id]; ok {
		return &DuplicateError{CorrelationID: id}
	}
	l.pending[id] = p
	l.unclaimed = append(l.unclaimed, id)
	return nil
}

// claimNext pops the oldest unclaimed invocation, if any.
func (l *ledger) claimNext() (*PendingInvocation, bool) {
	for len(l.unclaimed) > 0 {
		id := l.unclaimed[0]
		l.unclaimed = l.unclaimed[1:]
		if p, ok := l.pending[id]; ok {
			return p, true
		}
	}
	return nil, false
}

// restore returns a claimed invocation to the front of the unclaimed queue.
// Used when the poll it was about to be served on turned out to be canceled.
func (l *ledger) restore(id string) {
	l.unclaimed = append([]string{id}, l.unclaimed...)
}

// complete removes and returns the pending invocation for id.
func (l *ledger) complete(id string) (*PendingInvocation, error) {
	p, ok := l.pending[id]
	if !ok {
		return nil, &UnknownInvocationError{CorrelationID: id}
	}
	delete(l.pending, id)
	return p, nil
}

// drain removes and returns every pending invocation, claimed or not.
func (l *ledger) drain() []*PendingInvocation {
	out := make([]*PendingInvocation, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p)
	}
	l.pending = map[string]*PendingInvocation{}
	l.unclaimed = nil
	return out
}
