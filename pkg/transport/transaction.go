package transport

import (
	"context"
	"net/http"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Transaction pairs one intercepted request with a settle-once completion
// slot.  The interceptor creating the transaction owns it until it is handed
// to the dispatcher; from then on only the dispatcher may settle it, except
// for cancellation through Await.
type Transaction struct {
	// ID identifies the transaction in logs and desync reports.  It is not
	// part of the emulated protocol.
	ID  ulid.ULID
	Req *http.Request

	mu      sync.Mutex
	settled bool
	resp    *http.Response
	err     error
	done    chan struct{}
}

func NewTransaction(req *http.Request) *Transaction {
	return &Transaction{
		ID:   ulid.Make(),
		Req:  req,
		done: make(chan struct{}),
	}
}

// Settle resolves the transaction with a response or an error.  It reports
// whether this call won: false means the slot was already settled, typically
// because the caller canceled first.
func (t *Transaction) Settle(resp *http.Response, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled {
		return false
	}
	t.settled = true
	t.resp = resp
	t.err = err
	close(t.done)
	return true
}

// Settled reports whether the completion slot holds a value.
func (t *Transaction) Settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settled
}

// Await blocks until the transaction settles or ctx is done.  Cancellation is
// best effort: the dispatcher may already be settling this transaction, in
// which case its result wins and is returned.
func (t *Transaction) Await(ctx context.Context) (*http.Response, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		t.Settle(nil, &timeoutError{cause: ctx.Err()})
		<-t.done
	}
	return t.resp, t.err
}

// timeoutError surfaces cancellation to the runtime-under-test the way a real
// transport timeout would.
type timeoutError struct {
	cause error
}

func (e *timeoutError) Error() string   { return "transport: request canceled: " + e.cause.Error() }
func (e *timeoutError) Unwrap() error   { return e.cause }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
