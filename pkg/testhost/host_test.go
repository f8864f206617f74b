package testhost

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lambdahost/lambdahost/pkg/host"
	"github.com/lambdahost/lambdahost/pkg/host/funcruntime"
	"github.com/lambdahost/lambdahost/pkg/rtapi"
)

type mockService struct {
	name string
	pre  func(ctx context.Context) error
	run  func(ctx context.Context) error
	stop func(ctx context.Context) error
}

func (m *mockService) Name() string {
	if m.name != "" {
		return m.name
	}
	return "mock"
}

func (m *mockService) Pre(ctx context.Context) error {
	if m.pre == nil {
		return nil
	}
	return m.pre(ctx)
}

func (m *mockService) Run(ctx context.Context) error {
	if m.run == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.run(ctx)
}

func (m *mockService) Stop(ctx context.Context) error {
	if m.stop == nil {
		return nil
	}
	return m.stop(ctx)
}

func greeter(rt http.RoundTripper) host.Service {
	return funcruntime.New(rt, funcruntime.JSON(func(ctx context.Context, name string) (string, error) {
		return "Hello " + name + "!", nil
	}))
}

func startRunning(t *testing.T, cfg Config, build func(http.RoundTripper) host.Service) *Host {
	t.Helper()
	h := New(cfg, build)
	res, err := h.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StartRunning, res.Outcome)
	require.Equal(t, StateRunning, h.State())
	t.Cleanup(func() { _ = h.Dispose(context.Background()) })
	return h
}

func TestInvokeHelloJames(t *testing.T) {
	h := startRunning(t, Config{}, greeter)

	out, err := InvokeAs[string](context.Background(), h, "James")
	require.NoError(t, err)
	require.Equal(t, "Hello James!", out)

	require.NoError(t, h.Stop(context.Background()))
	require.Equal(t, StateStopped, h.State())
}

func TestInvokeDeserializationError(t *testing.T) {
	h := startRunning(t, Config{}, greeter)

	_, err := h.Invoke(context.Background(), 2)
	var ierr *InvocationError
	require.ErrorAs(t, err, &ierr)
	require.Equal(t, "funcruntime.InvalidPayloadError", ierr.Response.ErrorType)
	require.NotNil(t, ierr.Response.Cause)
	require.Equal(t, "json.UnmarshalTypeError", ierr.Response.Cause.ErrorType)
	require.NotEmpty(t, ierr.Response.StackTrace)

	// The host survives a failed invocation.
	out, err := InvokeAs[string](context.Background(), h, "again")
	require.NoError(t, err)
	require.Equal(t, "Hello again!", out)
}

func TestConcurrentInvokesPermutationIndependence(t *testing.T) {
	const n = 5

	// A runtime that claims all n invocations first and then completes them
	// in reverse claim order: correlation, not poll order, must route each
	// reply to its caller.
	build := func(rt http.RoundTripper) host.Service {
		client := &http.Client{Transport: rt}
		base := "http://lambda/" + rtapi.DefaultAPIVersion
		return &mockService{
			name: "reverser",
			run: func(ctx context.Context) error {
				type claimed struct {
					id      string
					payload []byte
				}
				var invs []claimed
				for len(invs) < n {
					req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/runtime/invocation/next", nil)
					if err != nil {
						return err
					}
					resp, err := client.Do(req)
					if err != nil {
						return ctx.Err()
					}
					body, _ := io.ReadAll(resp.Body)
					resp.Body.Close()
					invs = append(invs, claimed{id: resp.Header.Get(rtapi.HeaderRequestID), payload: body})
				}
				for i := len(invs) - 1; i >= 0; i-- {
					req, err := http.NewRequestWithContext(ctx, http.MethodPost,
						base+"/runtime/invocation/"+invs[i].id+"/response",
						bytes.NewReader(invs[i].payload))
					if err != nil {
						return err
					}
					resp, err := client.Do(req)
					if err != nil {
						return ctx.Err()
					}
					resp.Body.Close()
				}
				<-ctx.Done()
				return ctx.Err()
			},
		}
	}

	h := startRunning(t, Config{}, build)

	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = InvokeAs[string](context.Background(), h, fmt.Sprintf("event-%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, fmt.Sprintf("event-%d", i), results[i], "caller %d got someone else's reply", i)
	}
}

func TestInvokeTimeoutLeavesHostRunning(t *testing.T) {
	// Polls forever, never posts anything back.
	build := func(rt http.RoundTripper) host.Service {
		client := &http.Client{Transport: rt}
		return &mockService{
			name: "sinkhole",
			run: func(ctx context.Context) error {
				for {
					req, err := http.NewRequestWithContext(ctx, http.MethodGet,
						"http://lambda/"+rtapi.DefaultAPIVersion+"/runtime/invocation/next", nil)
					if err != nil {
						return err
					}
					resp, err := client.Do(req)
					if err != nil {
						return ctx.Err()
					}
					_, _ = io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
			},
		}
	}

	h := startRunning(t, Config{InvokeTimeout: 50 * time.Millisecond}, build)

	start := time.Now()
	_, err := h.Invoke(context.Background(), "lost")
	elapsed := time.Since(start)

	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	require.True(t, terr.Timeout())
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 150*time.Millisecond)

	require.Equal(t, StateRunning, h.State())
}

func TestStartInitError(t *testing.T) {
	build := func(rt http.RoundTripper) host.Service {
		return funcruntime.New(rt,
			funcruntime.JSON(func(ctx context.Context, name string) (string, error) { return name, nil }),
			funcruntime.WithInit(func(ctx context.Context) error {
				return errors.New("cannot load handler assembly")
			}),
		)
	}

	h := New(Config{}, build)
	res, err := h.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StartInitFailed, res.Outcome)
	require.NotNil(t, res.InitError)
	require.Equal(t, "errors.errorString", res.InitError.ErrorType)
	require.Equal(t, "cannot load handler assembly", res.InitError.ErrorMessage)
	require.Equal(t, StateStopped, h.State())

	_, err = h.Invoke(context.Background(), "nope")
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, StateStopped, serr.State)
}

func TestStartHostExited(t *testing.T) {
	exitErr := errors.New("process crashed on boot")
	h := New(Config{}, func(rt http.RoundTripper) host.Service {
		return &mockService{run: func(ctx context.Context) error { return exitErr }}
	})

	res, err := h.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StartHostExited, res.Outcome)
	require.ErrorIs(t, res.RunErr, exitErr)
	require.Equal(t, StateStopped, h.State())
}

func TestStartRejectedOutsideCreated(t *testing.T) {
	h := startRunning(t, Config{}, greeter)

	_, err := h.Start(context.Background())
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "Start", serr.Op)
	require.Equal(t, StateRunning, serr.State)
}

func TestStopAggregatesErrors(t *testing.T) {
	stopErr := errors.New("flush failed")
	runErr := errors.New("poll loop corrupted")

	build := func(rt http.RoundTripper) host.Service {
		client := &http.Client{Transport: rt}
		return &mockService{
			run: func(ctx context.Context) error {
				// Poll once so the host reaches Running, then fail on
				// shutdown with a real error instead of ctx.Err().
				req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
					"http://lambda/"+rtapi.DefaultAPIVersion+"/runtime/invocation/next", nil)
				_, _ = client.Do(req)
				return runErr
			},
			stop: func(ctx context.Context) error { return stopErr },
		}
	}

	h := New(Config{}, build)
	res, err := h.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, StartRunning, res.Outcome)

	err = h.Stop(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "flush failed")
	require.ErrorContains(t, err, "poll loop corrupted")
	require.Equal(t, StateStopped, h.State())
}

func TestStopRejectedOutsideRunning(t *testing.T) {
	h := New(Config{}, greeter)
	err := h.Stop(context.Background())
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, StateCreated, serr.State)
}

func TestDisposeIdempotent(t *testing.T) {
	h := New(Config{}, greeter)
	require.NoError(t, h.Dispose(context.Background()))
	require.Equal(t, StateDisposed, h.State())
	require.NoError(t, h.Dispose(context.Background()))

	_, err := h.Start(context.Background())
	var serr *InvalidStateError
	require.ErrorAs(t, err, &serr)
}

func TestDisposeStopsRunningHost(t *testing.T) {
	h := startRunning(t, Config{}, greeter)
	require.NoError(t, h.Dispose(context.Background()))
	require.Equal(t, StateDisposed, h.State())
}

func TestXRayTraceIDsUseConfiguredClock(t *testing.T) {
	at := time.Unix(1700000000, 0)
	gen := XRayTraceIDs(clockwork.NewFakeClockAt(at))

	for i := 0; i < 2; i++ {
		id := gen()
		require.True(t, strings.HasPrefix(id, fmt.Sprintf("Root=1-%08x-", at.Unix())), id)
	}
}

func TestDisposeSurvivesRacingStartTeardown(t *testing.T) {
	h := New(Config{}, greeter)
	require.NoError(t, h.Dispose(context.Background()))

	// A Start losing the race tears down via abortStart; that must not pull
	// the host back out of Disposed.
	h.abortStart()
	require.Equal(t, StateDisposed, h.State())
}

func TestCorrelationIDsMonotonic(t *testing.T) {
	ids := MonotonicIDs()
	require.Equal(t, "000000000001", ids())
	require.Equal(t, "000000000002", ids())
	require.Equal(t, "000000000003", ids())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("LAMBDAHOST_INVOKE_TIMEOUT", "50ms")
	t.Setenv("LAMBDAHOST_FUNCTION_TIMEOUT", "2s")
	t.Setenv("LAMBDAHOST_API_VERSION", "2023-01-01")
	t.Setenv("LAMBDAHOST_FUNCTION_ARN", "arn:aws:lambda:eu-west-1:000000000000:function:from-env")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, 50*time.Millisecond, cfg.InvokeTimeout)
	require.Equal(t, 2*time.Second, cfg.FunctionTimeout)
	require.Equal(t, "2023-01-01", cfg.APIVersion)
	require.Equal(t, "arn:aws:lambda:eu-west-1:000000000000:function:from-env", cfg.FunctionARN)
}

func TestFromEnvBadDuration(t *testing.T) {
	t.Setenv("LAMBDAHOST_INVOKE_TIMEOUT", "soon")
	_, err := FromEnv()
	require.Error(t, err)
}

