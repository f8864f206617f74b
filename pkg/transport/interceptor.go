package transport

import (
	"net/http"
)

// Sink receives intercepted transactions for processing.  Implemented by the
// router's work queue.
type Sink interface {
	Enqueue(tx *Transaction) error
}

// Interceptor is an http.RoundTripper that answers every request from an
// in-memory dispatcher instead of a network.  The runtime-under-test builds
// its HTTP client around one of these and never notices the difference.
//
// The interceptor is a pure transport shim: it never inspects protocol
// semantics.  Every call becomes a Transaction, is handed to the sink, and
// the call blocks until the transaction settles.
type Interceptor struct {
	sink Sink
}

func NewInterceptor(sink Sink) *Interceptor {
	return &Interceptor{sink: sink}
}

var _ http.RoundTripper = (*Interceptor)(nil)

func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	tx := NewTransaction(req)
	if err := i.sink.Enqueue(tx); err != nil {
		return nil, err
	}
	return tx.Await(req.Context())
}
