package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLedgerClaimOrder(t *testing.T) {
	l := newLedger()
	deadline := time.Now().Add(time.Minute)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, l.submit(pending(id, deadline)))
	}

	p, ok := l.claimNext()
	require.True(t, ok)
	require.Equal(t, "a", p.Invocation.CorrelationID)

	// A restored id comes back before everything still unclaimed.
	l.restore("a")
	p, ok = l.claimNext()
	require.True(t, ok)
	require.Equal(t, "a", p.Invocation.CorrelationID)

	p, ok = l.claimNext()
	require.True(t, ok)
	require.Equal(t, "b", p.Invocation.CorrelationID)
}

func TestLedgerCompleteRemoves(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.submit(pending("a", time.Now().Add(time.Minute))))

	p, err := l.complete("a")
	require.NoError(t, err)
	require.Equal(t, "a", p.Invocation.CorrelationID)

	_, err = l.complete("a")
	var unknown *UnknownInvocationError
	require.ErrorAs(t, err, &unknown)
}

func TestLedgerClaimSkipsCompletedIDs(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.submit(pending("a", time.Now().Add(time.Minute))))
	require.NoError(t, l.submit(pending("b", time.Now().Add(time.Minute))))

	// "a" completes (late, unclaimed) before any poll arrives; its stale
	// unclaimed entry must not be served.
	_, err := l.complete("a")
	require.NoError(t, err)

	p, ok := l.claimNext()
	require.True(t, ok)
	require.Equal(t, "b", p.Invocation.CorrelationID)

	_, ok = l.claimNext()
	require.False(t, ok)
}

func TestLedgerDrain(t *testing.T) {
	l := newLedger()
	require.NoError(t, l.submit(pending("a", time.Now().Add(time.Minute))))
	require.NoError(t, l.submit(pending("b", time.Now().Add(time.Minute))))

	drained := l.drain()
	require.Len(t, drained, 2)
	require.Empty(t, l.pending)
	require.Empty(t, l.unclaimed)
}
