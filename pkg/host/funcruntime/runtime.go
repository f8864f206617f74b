// Package funcruntime is a reference runtime-under-test: the standard
// long-poll loop of a Lambda runtime interface client, performed over an
// injected transport so the whole protocol round-trips in memory.
package funcruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"

	"github.com/lambdahost/lambdahost/pkg/logger"
	"github.com/lambdahost/lambdahost/pkg/rtapi"
)

// Handler processes one invocation payload and returns the response payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// JSON adapts a typed function into a Handler with a JSON codec on both
// sides.  Decode failures surface as *InvalidPayloadError with the decode
// error as cause.
func JSON[T, R any](fn func(ctx context.Context, event T) (R, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var event T
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, &InvalidPayloadError{cause: err}
		}
		out, err := fn(ctx, event)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}
}

type Option func(*Runtime)

func WithAPIVersion(v string) Option {
	return func(r *Runtime) {
		r.base = baseURL(v)
	}
}

// WithInit registers an initialization function run during Pre.  A failure is
// reported on the init-error route before Pre returns it.
func WithInit(fn func(ctx context.Context) error) Option {
	return func(r *Runtime) {
		r.init = fn
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		r.log = l
	}
}

func WithName(name string) Option {
	return func(r *Runtime) {
		r.name = name
	}
}

// Runtime drives the poll / execute / report loop against the runtime API.
// It implements host.Service.
type Runtime struct {
	name    string
	client  *http.Client
	base    string
	handler Handler
	init    func(ctx context.Context) error
	log     *slog.Logger
}

func New(rt http.RoundTripper, handler Handler, opts ...Option) *Runtime {
	r := &Runtime{
		name:    "funcruntime",
		client:  &http.Client{Transport: rt},
		base:    baseURL(rtapi.DefaultAPIVersion),
		handler: handler,
		log:     logger.Discard(),
	}
	for _, apply := range opts {
		apply(r)
	}
	return r
}

// baseURL builds the endpoint prefix.  The host part is arbitrary: the
// injected transport answers everything, nothing ever resolves it.
func baseURL(apiVersion string) string {
	if apiVersion == "" {
		apiVersion = rtapi.DefaultAPIVersion
	}
	return "http://lambda/" + apiVersion
}

func (r *Runtime) Name() string { return r.name }

func (r *Runtime) Pre(ctx context.Context) error {
	if r.init == nil {
		return nil
	}
	if err := r.init(ctx); err != nil {
		r.reportInitError(ctx, err)
		return err
	}
	return nil
}

// Run polls for invocations until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		inv, err := r.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("funcruntime: next invocation: %w", err)
		}
		r.invoke(ctx, inv)
	}
}

func (r *Runtime) Stop(ctx context.Context) error {
	// The poll loop exits with its run context; nothing else to release.
	return nil
}

type invocation struct {
	id       string
	payload  []byte
	arn      string
	traceID  string
	deadline time.Time
}

func (r *Runtime) next(ctx context.Context) (invocation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/runtime/invocation/next", nil)
	if err != nil {
		return invocation{}, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return invocation{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return invocation{}, fmt.Errorf("unexpected poll status %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return invocation{}, err
	}

	inv := invocation{
		id:      resp.Header.Get(rtapi.HeaderRequestID),
		payload: payload,
		arn:     resp.Header.Get(rtapi.HeaderFunctionARN),
		traceID: resp.Header.Get(rtapi.HeaderTraceID),
	}
	if ms, err := strconv.ParseInt(resp.Header.Get(rtapi.HeaderDeadlineMS), 10, 64); err == nil {
		inv.deadline = time.UnixMilli(ms)
	}
	return inv, nil
}

func (r *Runtime) invoke(ctx context.Context, inv invocation) {
	lctx := lambdacontext.NewContext(ctx, &lambdacontext.LambdaContext{
		AwsRequestID:       inv.id,
		InvokedFunctionArn: inv.arn,
	})
	if !inv.deadline.IsZero() {
		var cancel context.CancelFunc
		lctx, cancel = context.WithDeadline(lctx, inv.deadline)
		defer cancel()
	}

	payload, err := r.call(lctx, inv.payload)
	if err != nil {
		r.log.Debug("handler errored", "correlation_id", inv.id, "error", err)
		body, _ := json.Marshal(ErrorFrom(err))
		r.post(ctx, "/runtime/invocation/"+inv.id+"/error", body)
		return
	}
	r.post(ctx, "/runtime/invocation/"+inv.id+"/response", payload)
}

// call runs the handler, converting a panic into an error so one bad
// invocation doesn't kill the poll loop.
func (r *Runtime) call(ctx context.Context, payload []byte) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return r.handler(ctx, payload)
}

func (r *Runtime) post(ctx context.Context, path string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(body))
	if err != nil {
		r.log.Error("building post request", "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("post failed", "path", path, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		r.log.Warn("post not accepted", "path", path, "status", resp.StatusCode)
	}
}

func (r *Runtime) reportInitError(ctx context.Context, initErr error) {
	body, _ := json.Marshal(ErrorFrom(initErr))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/runtime/init/error", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("init error report failed", "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
}
