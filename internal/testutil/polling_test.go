package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoll_ConvergesToTrue(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), func() bool {
		calls++
		return calls >= 3
	}, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestPoll_TimeoutExceeded(t *testing.T) {
	err := Poll(context.Background(), func() bool { return false }, 20*time.Millisecond, time.Millisecond)
	require.Error(t, err)
	require.Contains(t, err.Error(), "timeout")
}

func TestPoll_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{})
	go func() {
		<-called
		cancel()
	}()

	first := true
	err := Poll(ctx, func() bool {
		if first {
			first = false
			close(called)
		}
		return false
	}, 5*time.Second, time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitForState_ReturnsMatchingValue(t *testing.T) {
	n := 0
	v, err := WaitForState(context.Background(), func() int {
		n++
		return n
	}, func(v int) bool { return v == 4 }, time.Second, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 4, v)
}
