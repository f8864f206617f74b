package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"

	"github.com/lambdahost/lambdahost/pkg/logger"
	"github.com/lambdahost/lambdahost/pkg/rtapi"
	"github.com/lambdahost/lambdahost/pkg/transport"
)

type Config struct {
	Matcher *rtapi.Matcher
	Clock   clockwork.Clock
	Log     *slog.Logger

	// OnDesync receives protocol desync reports.  Optional.
	OnDesync DesyncObserver

	// OnInitError is called when the runtime posts a startup failure.
	// Called at most once per error post, on the dispatcher goroutine.
	OnInitError func(*rtapi.ErrorResponse)

	// OnFirstPoll is called once, when the runtime's first next-invocation
	// poll is observed.  This is the startup-completion signal.
	OnFirstPoll func()
}

// Router is the single consumer of the transaction queue.  It owns the
// invocation ledger and the parked-poll FIFO outright: both are only ever
// touched from the Run goroutine, so neither needs locking.
type Router struct {
	cfg    Config
	q      *workQueue
	ledger *ledger

	// parked holds next-invocation polls waiting for work, in arrival order.
	parked []*transport.Transaction

	polled bool
}

func New(cfg Config) *Router {
	if cfg.Matcher == nil {
		cfg.Matcher = rtapi.NewMatcher("")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logger.Discard()
	}
	return &Router{
		cfg:    cfg,
		q:      newWorkQueue(),
		ledger: newLedger(),
	}
}

// Enqueue implements transport.Sink.  Safe for concurrent use.
func (r *Router) Enqueue(tx *transport.Transaction) error {
	return r.q.push(item{tx: tx})
}

// Submit registers a pending invocation through the dispatcher queue and
// waits for the registration to be processed.  A *DuplicateError is returned
// when the correlation id is already pending.
func (r *Router) Submit(ctx context.Context, inv *PendingInvocation) error {
	s := &submit{inv: inv, reply: make(chan error, 1)}
	if err := r.q.push(item{sub: s}); err != nil {
		return err
	}
	select {
	case err := <-s.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue one item at a time, in arrival order, until ctx is
// done or the router is closed.  A failure handling one item fails only that
// item; the loop keeps going.
func (r *Router) Run(ctx context.Context) error {
	for {
		it, err := r.q.pop(ctx)
		if err != nil {
			r.shutdown(err)
			return err
		}
		r.handle(it)
	}
}

// Close releases the queue.  Anything still queued, parked, or pending is
// failed; in-flight and future calls against the router error with ErrClosed.
func (r *Router) Close() {
	left := r.q.close()
	for _, it := range left {
		r.fail(it, ErrClosed)
	}
}

func (r *Router) handle(it item) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("router: panic handling item: %v", rec)
			r.cfg.Log.Error("dispatcher recovered from panic", "error", err)
			r.fail(it, err)
		}
	}()

	if it.sub != nil {
		r.handleSubmit(it.sub)
		return
	}
	r.handleTransaction(it.tx)
}

func (r *Router) handleSubmit(s *submit) {
	if err := r.ledger.submit(s.inv); err != nil {
		s.reply <- err
		return
	}
	s.reply <- nil
	r.cfg.Log.Debug("invocation submitted",
		"correlation_id", s.inv.Invocation.CorrelationID,
		"parked_polls", len(r.parked),
	)
	r.wakeParked()
}

func (r *Router) handleTransaction(tx *transport.Transaction) {
	route, err := r.cfg.Matcher.Match(tx.Req.Method, tx.Req.URL.Path)
	if err != nil {
		r.desync(Desync{Op: rtapi.OpNone, Err: err})
		tx.Settle(rtapi.JSONResponse(http.StatusNotFound, rtapi.ErrorResponse{
			ErrorType:    "InvalidRequest",
			ErrorMessage: err.Error(),
		}), nil)
		return
	}

	switch route.Op {
	case rtapi.OpNextInvocation:
		r.handleNext(tx)
	case rtapi.OpPostResult:
		body := readBody(tx)
		r.handleCompletion(tx, route, Outcome{Payload: body})
	case rtapi.OpPostError:
		r.handleCompletion(tx, route, Outcome{Err: decodeError(readBody(tx))})
	case rtapi.OpPostInitError:
		r.handleInitError(tx)
	}
}

func (r *Router) handleNext(tx *transport.Transaction) {
	if !r.polled {
		r.polled = true
		if r.cfg.OnFirstPoll != nil {
			r.cfg.OnFirstPoll()
		}
	}

	inv, ok := r.ledger.claimNext()
	if !ok {
		// No work: park the poll until a submit wakes it.
		r.parked = append(r.parked, tx)
		return
	}
	if !r.serve(tx, inv) {
		r.ledger.restore(inv.Invocation.CorrelationID)
	}
}

func (r *Router) handleCompletion(tx *transport.Transaction, route rtapi.Route, out Outcome) {
	p, err := r.ledger.complete(route.CorrelationID)
	if err != nil {
		r.desync(Desync{Op: route.Op, CorrelationID: route.CorrelationID, Err: err})
		tx.Settle(rtapi.JSONResponse(http.StatusBadRequest, rtapi.ErrorResponse{
			ErrorType:    "InvalidRequestID",
			ErrorMessage: err.Error(),
		}), nil)
		return
	}

	late := r.cfg.Clock.Now().After(p.Deadline)

	// Settle both sides before reporting anything: the entry left the ledger
	// above, so the completion must land no matter what an observer does.
	p.settle(out)
	tx.Settle(rtapi.AcceptedResponse(), nil)
	r.cfg.Log.Debug("invocation completed",
		"correlation_id", route.CorrelationID,
		"op", route.Op.String(),
	)

	if late {
		// The invoke caller already timed out.  The completion was accepted
		// so the ledger reconciles; surface the late arrival.
		r.desync(Desync{Op: route.Op, CorrelationID: route.CorrelationID, Err: &LateCompletionError{
			CorrelationID: route.CorrelationID,
			Deadline:      p.Deadline,
		}})
	}
}

func (r *Router) handleInitError(tx *transport.Transaction) {
	er := decodeError(readBody(tx))
	r.cfg.Log.Debug("runtime reported init error", "error_type", er.ErrorType)
	if r.cfg.OnInitError != nil {
		r.cfg.OnInitError(er)
	}
	// The hosted process is expected to exit after this; acknowledge with a
	// bare 202 so its post returns.
	tx.Settle(&http.Response{
		Status:     "202 Accepted",
		StatusCode: http.StatusAccepted,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Body:       http.NoBody,
	}, nil)
}

// serve settles a poll with a claimed invocation.  Returns false if the poll
// was already canceled, in which case the caller must put the invocation
// back.
func (r *Router) serve(tx *transport.Transaction, inv *PendingInvocation) bool {
	if !tx.Settle(inv.Invocation.Response(r.cfg.Clock.Now()), nil) {
		r.cfg.Log.Debug("dropping canceled poll", "transaction_id", tx.ID.String())
		return false
	}
	r.cfg.Log.Debug("poll served", "correlation_id", inv.Invocation.CorrelationID)
	return true
}

// wakeParked serves parked polls while both parked polls and unclaimed work
// exist, oldest first on both sides.
func (r *Router) wakeParked() {
	for len(r.parked) > 0 {
		inv, ok := r.ledger.claimNext()
		if !ok {
			return
		}
		tx := r.parked[0]
		r.parked = r.parked[1:]
		if !r.serve(tx, inv) {
			r.ledger.restore(inv.Invocation.CorrelationID)
		}
	}
}

// shutdown fails everything the router still holds: parked polls, queued
// items, and pending invocations.  Invoked exactly once, on loop exit.
func (r *Router) shutdown(cause error) {
	for _, it := range r.q.close() {
		r.fail(it, cause)
	}
	for _, tx := range r.parked {
		tx.Settle(nil, cause)
	}
	r.parked = nil
	for _, p := range r.ledger.drain() {
		p.settle(Outcome{Err: &rtapi.ErrorResponse{
			ErrorType:    "Host.Stopped",
			ErrorMessage: "host stopped before the invocation completed",
		}})
	}
}

func (r *Router) fail(it item, err error) {
	if it.sub != nil {
		it.sub.reply <- err
		return
	}
	it.tx.Settle(nil, err)
}

func (r *Router) desync(d Desync) {
	r.cfg.Log.Warn("protocol desync",
		"op", d.Op.String(),
		"correlation_id", d.CorrelationID,
		"error", d.Err,
	)
	if r.cfg.OnDesync == nil {
		return
	}
	// A panicking observer must not disturb transaction processing.
	defer func() {
		if rec := recover(); rec != nil {
			r.cfg.Log.Error("desync observer panicked", "panic", rec)
		}
	}()
	r.cfg.OnDesync(d)
}

func readBody(tx *transport.Transaction) []byte {
	if tx.Req.Body == nil {
		return nil
	}
	defer tx.Req.Body.Close()
	body, err := io.ReadAll(tx.Req.Body)
	if err != nil {
		return nil
	}
	return body
}

// decodeError parses a structured error body, falling back to a synthetic
// error when the body is not the documented shape.
func decodeError(body []byte) *rtapi.ErrorResponse {
	er := &rtapi.ErrorResponse{}
	if err := json.Unmarshal(body, er); err != nil || er.ErrorType == "" {
		return &rtapi.ErrorResponse{
			ErrorType:    "InvalidErrorShape",
			ErrorMessage: string(body),
		}
	}
	return er
}
