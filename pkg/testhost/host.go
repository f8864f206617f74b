// Package testhost drives a runtime-under-test end-to-end without a network:
// the hosted service's protocol calls are intercepted in process and answered
// by an in-memory dispatcher, while test code starts the host, invokes
// against it, and stops it.
package testhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/lambdahost/lambdahost/pkg/host"
	"github.com/lambdahost/lambdahost/pkg/router"
	"github.com/lambdahost/lambdahost/pkg/rtapi"
	"github.com/lambdahost/lambdahost/pkg/transport"
)

// State is the host's lifecycle phase.  It is owned exclusively by the
// controller; operations validate it as a precondition and nothing else
// mutates it.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StartOutcome says how the startup race resolved.
type StartOutcome int

const (
	// StartRunning means the runtime reached its polling loop.
	StartRunning StartOutcome = iota
	// StartInitFailed means the runtime reported a startup failure.
	StartInitFailed
	// StartHostExited means the hosted service returned before starting up.
	StartHostExited
)

func (o StartOutcome) String() string {
	switch o {
	case StartRunning:
		return "running"
	case StartInitFailed:
		return "init-failed"
	case StartHostExited:
		return "host-exited"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StartResult is the typed outcome of Start.
type StartResult struct {
	Outcome StartOutcome
	// InitError holds the reported startup failure for StartInitFailed.
	InitError *rtapi.ErrorResponse
	// RunErr holds the hosted service's Run error for StartHostExited.
	RunErr error
}

// Host is the lifecycle controller: it owns the dispatcher, the intercepting
// transport, and the hosted service, and gates every operation on the
// lifecycle state.
type Host struct {
	cfg         Config
	svc         host.Service
	rtr         *router.Router
	interceptor *transport.Interceptor

	mu        sync.Mutex
	state     State
	runCancel context.CancelFunc

	routerDone chan error
	svcDone    chan error
	initErrCh  chan *rtapi.ErrorResponse
	ready      chan struct{}
}

// New builds a host in the Created state.  build receives the intercepting
// transport and returns the hosted service wired to it; the service must
// perform all of its protocol calls through that transport.
func New(cfg Config, build func(rt http.RoundTripper) host.Service) *Host {
	cfg = cfg.withDefaults()
	h := &Host{
		cfg:        cfg,
		state:      StateCreated,
		routerDone: make(chan error, 1),
		svcDone:    make(chan error, 1),
		initErrCh:  make(chan *rtapi.ErrorResponse, 1),
		ready:      make(chan struct{}),
	}
	h.rtr = router.New(router.Config{
		Matcher:  rtapi.NewMatcher(cfg.APIVersion),
		Clock:    cfg.Clock,
		Log:      cfg.Log,
		OnDesync: cfg.OnDesync,
		OnInitError: func(er *rtapi.ErrorResponse) {
			select {
			case h.initErrCh <- er:
			default:
			}
		},
		// Fired at most once by the dispatcher.
		OnFirstPoll: func() { close(h.ready) },
	})
	h.interceptor = transport.NewInterceptor(h.rtr)
	h.svc = build(h.interceptor)
	return h
}

// Transport exposes the intercepting RoundTripper, for tests that build
// additional clients against the emulated endpoint.
func (h *Host) Transport() http.RoundTripper { return h.interceptor }

func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) setState(s State) {
	h.mu.Lock()
	// Disposed is terminal; a concurrent teardown must not resurrect the
	// host into Stopped.
	if h.state != StateDisposed {
		h.state = s
	}
	h.mu.Unlock()
}

// Start boots the dispatcher and the hosted service and races three
// outcomes: the runtime reaching its polling loop, the runtime reporting a
// startup failure, and the hosted service exiting early.  The losing
// outcomes stay observable to later operations through their channels.
func (h *Host) Start(ctx context.Context) (StartResult, error) {
	h.mu.Lock()
	if h.state != StateCreated {
		h.mu.Unlock()
		return StartResult{}, &InvalidStateError{Op: "Start", State: h.state}
	}
	h.state = StateStarting
	runCtx, cancel := context.WithCancel(context.Background())
	h.runCancel = cancel
	h.mu.Unlock()

	log := h.cfg.Log.With("service", h.svc.Name())

	go func() { h.routerDone <- h.rtr.Run(runCtx) }()

	// Initialize the service first; a runtime that fails init reports on the
	// init-error route before Pre returns, so the dispatcher must already be
	// draining.
	preCh := make(chan error, 1)
	go func() { preCh <- h.svc.Pre(runCtx) }()
	select {
	case err := <-preCh:
		if err != nil {
			res := StartResult{Outcome: StartInitFailed}
			select {
			case er := <-h.initErrCh:
				res.InitError = er
			default:
				res.InitError = &rtapi.ErrorResponse{
					ErrorType:    "Runtime.InitError",
					ErrorMessage: err.Error(),
				}
			}
			h.abortStart()
			log.Warn("host init failed", "error_type", res.InitError.ErrorType)
			return res, nil
		}
	case <-h.cfg.Clock.After(h.cfg.StartTimeout):
		h.abortStart()
		return StartResult{}, ErrStartTimeout
	case <-ctx.Done():
		h.abortStart()
		return StartResult{}, ctx.Err()
	}

	go func() { h.svcDone <- h.svc.Run(runCtx) }()
	log.Debug("host starting")

	select {
	case <-h.ready:
		h.setState(StateRunning)
		log.Debug("runtime polling; host running")
		return StartResult{Outcome: StartRunning}, nil
	case er := <-h.initErrCh:
		h.abortStart()
		log.Warn("host init failed", "error_type", er.ErrorType)
		return StartResult{Outcome: StartInitFailed, InitError: er}, nil
	case err := <-h.svcDone:
		h.abortStart()
		log.Warn("hosted service exited during startup", "error", err)
		return StartResult{Outcome: StartHostExited, RunErr: err}, nil
	case err := <-h.routerDone:
		h.abortStart()
		return StartResult{}, fmt.Errorf("testhost: dispatcher failed during startup: %w", err)
	case <-h.cfg.Clock.After(h.cfg.StartTimeout):
		h.abortStart()
		return StartResult{}, ErrStartTimeout
	case <-ctx.Done():
		h.abortStart()
		return StartResult{}, ctx.Err()
	}
}

func (h *Host) abortStart() {
	h.mu.Lock()
	cancel := h.runCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	h.rtr.Close()
	h.setState(StateStopped)
}

// Invoke submits one synthetic invocation and waits for the runtime to
// complete it.  Concurrent calls are independent: each gets its own
// correlation id and future, and completions may arrive in any order.
func (h *Host) Invoke(ctx context.Context, event any) (json.RawMessage, error) {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return nil, &InvalidStateError{Op: "Invoke", State: h.state}
	}
	h.mu.Unlock()

	payload, err := marshalEvent(event)
	if err != nil {
		return nil, fmt.Errorf("testhost: marshal event: %w", err)
	}

	id := h.cfg.CorrelationID()
	now := h.cfg.Clock.Now()
	inv := router.NewPendingInvocation(rtapi.Invocation{
		CorrelationID: id,
		Payload:       payload,
		Deadline:      now.Add(h.cfg.FunctionTimeout),
		FunctionARN:   h.cfg.FunctionARN,
		TraceID:       h.cfg.TraceID(),
	}, now.Add(h.cfg.InvokeTimeout))

	if err := h.rtr.Submit(ctx, inv); err != nil {
		return nil, err
	}

	select {
	case out := <-inv.Done():
		if out.Err != nil {
			return nil, &InvocationError{CorrelationID: id, Response: out.Err}
		}
		return out.Payload, nil
	case <-h.cfg.Clock.After(h.cfg.InvokeTimeout):
		// Orphans the ledger entry; a late completion reconciles it and is
		// reported as a desync.
		return nil, &TimeoutError{CorrelationID: id, Wait: h.cfg.InvokeTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InvokeAs invokes and decodes the success payload into T.
func InvokeAs[T any](ctx context.Context, h *Host, event any) (T, error) {
	var out T
	raw, err := h.Invoke(ctx, event)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("testhost: decode response: %w", err)
	}
	return out, nil
}

// Stop shuts the hosted service and the dispatcher down and waits for both.
// Failures along the way are aggregated, not dropped.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		return &InvalidStateError{Op: "Stop", State: h.state}
	}
	h.state = StateStopping
	cancel := h.runCancel
	h.mu.Unlock()

	var errs *multierror.Error
	var emu sync.Mutex
	appendErr := func(err error) {
		emu.Lock()
		errs = multierror.Append(errs, err)
		emu.Unlock()
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, stopTimeout(h.svc))
	defer stopCancel()
	if err := h.svc.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		appendErr(fmt.Errorf("stopping %s: %w", h.svc.Name(), err))
	}

	cancel()

	// Join the run loop and the dispatcher.  Each failure is collected on
	// its own; eg only provides the join.
	eg := &errgroup.Group{}
	eg.Go(func() error {
		select {
		case err := <-h.svcDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				appendErr(fmt.Errorf("hosted service run: %w", err))
			}
		case <-ctx.Done():
			appendErr(fmt.Errorf("hosted service did not finish: %w", ctx.Err()))
		}
		return nil
	})
	eg.Go(func() error {
		select {
		case err := <-h.routerDone:
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, router.ErrClosed) {
				appendErr(fmt.Errorf("dispatcher: %w", err))
			}
		case <-ctx.Done():
			appendErr(fmt.Errorf("dispatcher did not finish: %w", ctx.Err()))
		}
		return nil
	})
	_ = eg.Wait()

	h.rtr.Close()
	h.setState(StateStopped)
	h.cfg.Log.Debug("host stopped")
	return errs.ErrorOrNil()
}

// Dispose is idempotent-safe from any non-terminal state: it best-effort
// stops a running host, releases the queue, and transitions to Disposed.
func (h *Host) Dispose(ctx context.Context) error {
	h.mu.Lock()
	state := h.state
	cancel := h.runCancel
	h.mu.Unlock()

	switch state {
	case StateDisposed:
		return nil
	case StateRunning:
		if err := h.Stop(ctx); err != nil {
			h.cfg.Log.Warn("stop during dispose", "error", err)
		}
	case StateStarting, StateStopping:
		if cancel != nil {
			cancel()
		}
	}

	h.rtr.Close()
	h.setState(StateDisposed)
	return nil
}

var defaultStopTimeout = 30 * time.Second

func stopTimeout(s host.Service) time.Duration {
	if t, ok := s.(host.StopTimeouter); ok {
		return t.StopTimeout()
	}
	return defaultStopTimeout
}

func marshalEvent(event any) ([]byte, error) {
	switch v := event.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(event)
	}
}
