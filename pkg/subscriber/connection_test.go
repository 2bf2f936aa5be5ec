package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeStreamTransport is an in-memory StreamTransport double: the test
// feeds a buffered channel via deliver(), Recv drains it until Close
// closes the channel Open created, and
// SendAckOperations/SetStreamAckDeadline are recorded for assertion.
type fakeStreamTransport struct {
	mu sync.Mutex

	openErr   error
	recvErr   error
	opened    int
	closed    int
	requested int

	incoming chan []Message
	closedCh chan struct{}

	sentAcks    []AckID
	sentModAcks []modifyAckDeadline
	deadlines   []time.Duration
}

func newFakeStreamTransport() *fakeStreamTransport {
	return &fakeStreamTransport{incoming: make(chan []Message, 16)}
}

func (f *fakeStreamTransport) Open(ctx context.Context, subscription string, streamAckDeadline time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	f.closedCh = make(chan struct{})
	if f.openErr != nil {
		return f.openErr
	}
	return nil
}

func (f *fakeStreamTransport) Recv() ([]Message, error) {
	f.mu.Lock()
	recvErr := f.recvErr
	closedCh := f.closedCh
	f.mu.Unlock()
	if recvErr != nil {
		return nil, recvErr
	}
	select {
	case msgs := <-f.incoming:
		return msgs, nil
	case <-closedCh:
		return nil, errors.New("fake: closed")
	}
}

func (f *fakeStreamTransport) Request(n int) {
	f.mu.Lock()
	f.requested += n
	f.mu.Unlock()
}

func (f *fakeStreamTransport) SendAckOperations(acks []AckID, modAcks []ModifyAckDeadlineFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentAcks = append(f.sentAcks, acks...)
	f.sentModAcks = append(f.sentModAcks, modAcks...)
	return nil
}

func (f *fakeStreamTransport) SetStreamAckDeadline(d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlines = append(f.deadlines, d)
	return nil
}

func (f *fakeStreamTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	if f.closedCh != nil {
		select {
		case <-f.closedCh:
		default:
			close(f.closedCh)
		}
	}
	return nil
}

func (f *fakeStreamTransport) deliver(msgs ...Message) {
	f.incoming <- msgs
}

func (f *fakeStreamTransport) snapshot() (acks []AckID, modAcks []modifyAckDeadline) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AckID{}, f.sentAcks...), append([]modifyAckDeadline{}, f.sentModAcks...)
}

func newTestConnection(t *testing.T, clock quartz.Clock, handler Handler, transport *fakeStreamTransport) (*Connection, *FlowController, *distribution) {
	t.Helper()
	flow := NewFlowController(FlowControlSettings{MaxOutstandingMessages: Unlimited, MaxOutstandingBytes: Unlimited, LimitBehavior: Block})
	dist := newDistribution()
	metrics := newMetrics(nil)
	strat := newStreamingStrategy(transport, "projects/p/subscriptions/s")
	c := newConnection(clock, "projects/p/subscriptions/s", handler, flow, dist, metrics, DefaultRetryableClassifier, time.Second, 10*time.Second, log.NewNopLogger(), strat)
	return c, flow, dist
}

func TestConnectionAckSingleMessage(t *testing.T) {
	clock := quartz.NewMock(t)
	transport := newFakeStreamTransport()
	handler := func(msg Message, acker Acker) { acker.Ack() }
	c, _, _ := newTestConnection(t, clock, handler, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.StartAsync(ctx))
	require.NoError(t, c.AwaitRunning(ctx))

	transport.deliver(Message{AckID: "A", Data: []byte("x"), Received: clock.Now()})

	require.Eventually(t, func() bool {
		acks, _ := transport.snapshot()
		return len(acks) == 0 // not yet flushed; flush is alarm-driven
	}, time.Second, 10*time.Millisecond)

	clock.Advance(pendingAcksSendDelay).MustWait(ctx)

	require.Eventually(t, func() bool {
		acks, modAcks := transport.snapshot()
		return len(acks) == 1 && len(modAcks) == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, c))
}

func TestConnectionNackOnHandlerOutcome(t *testing.T) {
	clock := quartz.NewMock(t)
	transport := newFakeStreamTransport()
	handler := func(msg Message, acker Acker) { acker.Nack() }
	c, _, _ := newTestConnection(t, clock, handler, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.StartAsync(ctx))
	require.NoError(t, c.AwaitRunning(ctx))

	transport.deliver(Message{AckID: "A", Data: []byte("x"), Received: clock.Now()})
	// The handler runs on its own goroutine; the send alarm only exists
	// once its nack is queued, so wait for that before advancing the clock.
	require.Eventually(t, func() bool {
		c.pump.mu.Lock()
		defer c.pump.mu.Unlock()
		_, queued := c.pump.pendingNacks["A"]
		return queued
	}, time.Second, 10*time.Millisecond)
	clock.Advance(pendingAcksSendDelay).MustWait(ctx)

	require.Eventually(t, func() bool {
		_, modAcks := transport.snapshot()
		return len(modAcks) == 1 && modAcks[0].DeadlineExtension == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, c))
}

func TestConnectionErrorOutcomeNacksLikeNack(t *testing.T) {
	clock := quartz.NewMock(t)
	transport := newFakeStreamTransport()
	handler := func(msg Message, acker Acker) { acker.Error(errors.New("handler blew up")) }
	c, _, _ := newTestConnection(t, clock, handler, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.StartAsync(ctx))
	require.NoError(t, c.AwaitRunning(ctx))

	transport.deliver(Message{AckID: "A", Data: []byte("x"), Received: clock.Now()})
	// The handler runs on its own goroutine; the send alarm only exists
	// once its nack is queued, so wait for that before advancing the clock.
	require.Eventually(t, func() bool {
		c.pump.mu.Lock()
		defer c.pump.mu.Unlock()
		_, queued := c.pump.pendingNacks["A"]
		return queued
	}, time.Second, 10*time.Millisecond)
	clock.Advance(pendingAcksSendDelay).MustWait(ctx)

	require.Eventually(t, func() bool {
		_, modAcks := transport.snapshot()
		return len(modAcks) == 1 && modAcks[0].DeadlineExtension == 0
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(ctx, c))
}

func TestConnectionFatalErrorFails(t *testing.T) {
	clock := quartz.NewMock(t)
	transport := newFakeStreamTransport()
	transport.openErr = status.Error(codes.InvalidArgument, "bad subscription")
	handler := func(msg Message, acker Acker) { acker.Ack() }
	c, _, _ := newTestConnection(t, clock, handler, transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.StartAsync(ctx))

	require.Eventually(t, func() bool {
		return c.FailureCause() != nil
	}, time.Second, 10*time.Millisecond)

	err := c.FailureCause()
	require.Error(t, err)
	st, ok := status.FromError(c.FailureCause())
	require.True(t, ok)
	require.Equal(t, codes.InvalidArgument, st.Code())
}
