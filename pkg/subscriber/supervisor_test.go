package subscriber

import (
	"context"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSupervisorNumChannelsDefault(t *testing.T) {
	cfg := Config{Subscription: "s", MaxOutstandingMessages: 10, MaxOutstandingBytes: 10, LimitBehaviorBlock: true, InitialStreamAckDeadline: 10 * time.Second, AckDeadlineUpdatePeriod: time.Minute}
	n := cfg.numChannels()
	require.Greater(t, n, 0)

	built := 0
	factory := func(ctx context.Context) (StreamTransport, error) {
		built++
		return newFakeStreamTransport(), nil
	}
	sup, err := NewStreamingSupervisor(cfg, func(Message, Acker) {}, factory, DefaultRetryableClassifier, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.Equal(t, n, built)
	require.Len(t, sup.connections, n)
}

func TestSupervisorConfigInvalidRejected(t *testing.T) {
	cfg := Config{Subscription: ""}
	_, err := NewStreamingSupervisor(cfg, func(Message, Acker) {}, func(ctx context.Context) (StreamTransport, error) {
		return newFakeStreamTransport(), nil
	}, nil, log.NewNopLogger(), prometheus.NewRegistry())
	require.Error(t, err)
	var cfgErr *ErrConfigInvalid
	require.ErrorAs(t, err, &cfgErr)
}

func TestSupervisorStartStop(t *testing.T) {
	cfg := Config{
		Subscription:             "s",
		NumChannels:               2,
		MaxOutstandingMessages:    100,
		MaxOutstandingBytes:       1 << 20,
		LimitBehaviorBlock:        true,
		InitialStreamAckDeadline:  10 * time.Second,
		AckDeadlineUpdatePeriod:   time.Minute,
	}
	transports := []*fakeStreamTransport{}
	factory := func(ctx context.Context) (StreamTransport, error) {
		ft := newFakeStreamTransport()
		transports = append(transports, ft)
		return ft, nil
	}
	sup, err := NewStreamingSupervisor(cfg, func(Message, Acker) {}, factory, DefaultRetryableClassifier, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAsync(ctx))
	require.NoError(t, sup.AwaitRunning(ctx))

	sup.StopAsync()
	require.NoError(t, sup.AwaitTerminated(context.Background()))

	for _, ft := range transports {
		require.GreaterOrEqual(t, ft.closed, 1)
	}
}

func TestSupervisorRetunesStreamAckDeadline(t *testing.T) {
	clock := quartz.NewMock(t)
	cfg := Config{
		Subscription:             "s",
		NumChannels:               1,
		MaxOutstandingMessages:    100,
		MaxOutstandingBytes:       1 << 20,
		LimitBehaviorBlock:        true,
		InitialStreamAckDeadline:  20 * time.Second,
		AckExpirationPadding:      time.Second,
		AckDeadlineUpdatePeriod:   time.Minute,
	}
	require.NoError(t, cfg.Validate())

	transport := newFakeStreamTransport()
	flow := NewFlowController(cfg.flowControlSettings())
	dist := newDistribution()
	metrics := newMetrics(nil)
	strat := newStreamingStrategy(transport, cfg.Subscription)
	c := newConnection(clock, cfg.Subscription, func(Message, Acker) {}, flow, dist, metrics, DefaultRetryableClassifier, cfg.AckExpirationPadding, cfg.InitialStreamAckDeadline, log.NewNopLogger(), strat)
	sup := newSupervisor(cfg, []*Connection{c}, flow, dist, metrics, clock, log.NewNopLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.StartAsync(ctx))
	require.NoError(t, sup.AwaitRunning(ctx))

	for i := 0; i < 1000; i++ {
		dist.record(10)
	}

	clock.Advance(cfg.AckDeadlineUpdatePeriod).MustWait(ctx)

	require.Eventually(t, func() bool {
		return c.getStreamAckDeadline() == 10*time.Second
	}, time.Second, 10*time.Millisecond)

	sup.StopAsync()
	require.NoError(t, sup.AwaitTerminated(context.Background()))
}
