package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTransactionSettleOnce(t *testing.T) {
	tx := NewTransaction(httptest.NewRequest(http.MethodGet, "/x", nil))

	ok := tx.Settle(&http.Response{StatusCode: http.StatusOK}, nil)
	require.True(t, ok)
	require.True(t, tx.Settled())

	ok = tx.Settle(&http.Response{StatusCode: http.StatusTeapot}, nil)
	require.False(t, ok)

	resp, err := tx.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTransactionAwaitCancellation(t *testing.T) {
	tx := NewTransaction(httptest.NewRequest(http.MethodGet, "/x", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tx.Await(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var nerr net.Error
	require.ErrorAs(t, err, &nerr)
	require.True(t, nerr.Timeout())

	// The dispatcher loses the settle race after cancellation.
	require.False(t, tx.Settle(&http.Response{StatusCode: http.StatusOK}, nil))
}

func TestTransactionCancelRaceSingleWinner(t *testing.T) {
	tx := NewTransaction(httptest.NewRequest(http.MethodGet, "/x", nil))

	ctx, cancel := context.WithCancel(context.Background())
	wins := make(chan bool, 2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := tx.Await(ctx)
		wins <- err == nil
	}()
	go func() {
		defer wg.Done()
		wins <- tx.Settle(&http.Response{StatusCode: http.StatusOK}, nil)
	}()
	cancel()
	wg.Wait()

	// Whoever won, exactly one value was assigned.
	require.True(t, tx.Settled())
}

type sinkFunc func(tx *Transaction) error

func (f sinkFunc) Enqueue(tx *Transaction) error { return f(tx) }

func TestInterceptorRoundTrip(t *testing.T) {
	var got *Transaction
	i := NewInterceptor(sinkFunc(func(tx *Transaction) error {
		got = tx
		go tx.Settle(&http.Response{StatusCode: http.StatusAccepted}, nil)
		return nil
	}))

	req := httptest.NewRequest(http.MethodPost, "/2018-06-01/runtime/invocation/1/response", nil)
	resp, err := i.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotNil(t, got)
	require.Equal(t, req, got.Req)
}

func TestInterceptorEnqueueError(t *testing.T) {
	boom := errors.New("queue closed")
	i := NewInterceptor(sinkFunc(func(tx *Transaction) error { return boom }))

	_, err := i.RoundTrip(httptest.NewRequest(http.MethodGet, "/x", nil))
	require.ErrorIs(t, err, boom)
}
