package subscriber

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlowControllerFastPath(t *testing.T) {
	f := NewFlowController(FlowControlSettings{MaxOutstandingMessages: 10, MaxOutstandingBytes: 1000, LimitBehavior: Block})
	require.NoError(t, f.Reserve(context.Background(), 3, 300))
	count, bytes := f.Outstanding()
	require.Equal(t, 3, count)
	require.Equal(t, 300, bytes)
}

func TestFlowControllerBlocksUntilReleased(t *testing.T) {
	f := NewFlowController(FlowControlSettings{MaxOutstandingMessages: 1, MaxOutstandingBytes: Unlimited, LimitBehavior: Block})
	require.NoError(t, f.Reserve(context.Background(), 1, 0))

	done := make(chan struct{})
	go func() {
		require.NoError(t, f.Reserve(context.Background(), 1, 0))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("reserve should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	f.Release(1, 0)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reserve should have unblocked after release")
	}
}

func TestFlowControllerIgnoreNeverBlocks(t *testing.T) {
	f := NewFlowController(FlowControlSettings{MaxOutstandingMessages: 1, MaxOutstandingBytes: Unlimited, LimitBehavior: Ignore})
	require.NoError(t, f.Reserve(context.Background(), 1, 0))
	require.NoError(t, f.Reserve(context.Background(), 5, 0))
}

func TestFlowControllerContextCancelWhileBlocked(t *testing.T) {
	f := NewFlowController(FlowControlSettings{MaxOutstandingMessages: 1, MaxOutstandingBytes: Unlimited, LimitBehavior: Block})
	require.NoError(t, f.Reserve(context.Background(), 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.Reserve(ctx, 1, 0) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("reserve should have returned after cancel")
	}

	count, _ := f.Outstanding()
	require.Equal(t, 1, count)
}

func TestFlowControllerFIFOFairness(t *testing.T) {
	f := NewFlowController(FlowControlSettings{MaxOutstandingMessages: 1, MaxOutstandingBytes: Unlimited, LimitBehavior: Block})
	require.NoError(t, f.Reserve(context.Background(), 1, 0))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, f.Reserve(context.Background(), 1, 0))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			f.Release(1, 0)
		}(i)
		time.Sleep(10 * time.Millisecond) // serialize enqueue order
	}
	f.Release(1, 0)
	wg.Wait()
	require.Equal(t, []int{0, 1, 2}, order)
}
