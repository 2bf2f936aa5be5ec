package subscriber

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
)

// TransportFactory builds the transport for one Connection. The
// Supervisor calls it once per fan-out slot so each Connection gets its
// own stream or its own unary-RPC client, per the one-transport-per-
// connection contract in §5.
type TransportFactory func(ctx context.Context) (StreamTransport, error)

// PullTransportFactory is TransportFactory's analogue for the polling
// strategy.
type PullTransportFactory func(ctx context.Context) (PullTransport, error)

// Supervisor owns a fixed-size pool of Connections that share one
// FlowController, one latency distribution, and one adaptive
// deadline-tuning loop. It implements services.Service: Running means
// every Connection reached Running, and a fatal failure on any one
// Connection fails the Supervisor and stops its peers, per §4.5.
type Supervisor struct {
	services.Service

	cfg     Config
	logger  log.Logger
	clock   quartz.Clock
	metrics *Metrics

	flow *FlowController
	dist *distribution

	connections []*Connection
	watcher     *services.FailureWatcher

	mu           sync.Mutex
	failureCause error
}

// NewStreamingSupervisor builds a Supervisor whose Connections each open
// their own StreamTransport via newTransport.
func NewStreamingSupervisor(cfg Config, handler Handler, newTransport TransportFactory, classify RetryableClassifier, logger log.Logger, reg prometheus.Registerer) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classify == nil {
		classify = DefaultRetryableClassifier
	}
	clock := quartz.NewReal()
	metrics := newMetrics(reg)
	flow := NewFlowController(cfg.flowControlSettings())
	flow.SetOnBlock(func() { metrics.flowControlBlocked.Inc() })
	dist := newDistribution()

	n := cfg.numChannels()
	connections := make([]*Connection, n)
	for i := 0; i < n; i++ {
		transport, err := newTransport(context.Background())
		if err != nil {
			return nil, fmt.Errorf("building transport for connection %d: %w", i, err)
		}
		strat := newStreamingStrategy(transport, cfg.Subscription)
		connections[i] = newConnection(clock, cfg.Subscription, handler, flow, dist, metrics, classify, cfg.AckExpirationPadding, cfg.InitialStreamAckDeadline, log.With(logger, "connection", i), strat)
	}
	return newSupervisor(cfg, connections, flow, dist, metrics, clock, logger), nil
}

// NewPollingSupervisor builds a Supervisor whose Connections each Pull
// from a shared or per-connection PullTransport.
func NewPollingSupervisor(cfg Config, handler Handler, newTransport PullTransportFactory, classify RetryableClassifier, logger log.Logger, reg prometheus.Registerer) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classify == nil {
		classify = DefaultRetryableClassifier
	}
	clock := quartz.NewReal()
	metrics := newMetrics(reg)
	flow := NewFlowController(cfg.flowControlSettings())
	flow.SetOnBlock(func() { metrics.flowControlBlocked.Inc() })
	dist := newDistribution()

	n := cfg.numChannels()
	connections := make([]*Connection, n)
	for i := 0; i < n; i++ {
		transport, err := newTransport(context.Background())
		if err != nil {
			return nil, fmt.Errorf("building transport for connection %d: %w", i, err)
		}
		strat := newPollingStrategy(transport, cfg.Subscription, clock)
		connections[i] = newConnection(clock, cfg.Subscription, handler, flow, dist, metrics, classify, cfg.AckExpirationPadding, cfg.InitialStreamAckDeadline, log.With(logger, "connection", i), strat)
	}
	return newSupervisor(cfg, connections, flow, dist, metrics, clock, logger), nil
}

func newSupervisor(cfg Config, connections []*Connection, flow *FlowController, dist *distribution, metrics *Metrics, clock quartz.Clock, logger log.Logger) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		logger:      logger,
		clock:       clock,
		metrics:     metrics,
		flow:        flow,
		dist:        dist,
		connections: connections,
		watcher:     services.NewFailureWatcher(),
	}
	for _, c := range connections {
		s.watcher.WatchService(c)
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

// FailureCause returns the error that failed the Supervisor, or nil.
func (s *Supervisor) FailureCause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCause
}

// FlowController exposes the shared flow controller for diagnostics and
// tests.
func (s *Supervisor) FlowController() *FlowController {
	return s.flow
}

func (s *Supervisor) setFailureCause(err error) {
	s.mu.Lock()
	if s.failureCause == nil {
		s.failureCause = err
	}
	s.mu.Unlock()
}

// starting brings every Connection to Running in parallel and waits for
// all of them, per §4.5's fan-out contract.
func (s *Supervisor) starting(ctx context.Context) error {
	for _, c := range s.connections {
		if err := c.StartAsync(ctx); err != nil {
			return fmt.Errorf("starting connection: %w", err)
		}
	}
	for _, c := range s.connections {
		if err := c.AwaitRunning(ctx); err != nil {
			return fmt.Errorf("waiting for connection to start: %w", err)
		}
	}
	s.metrics.activeConnections.Set(float64(len(s.connections)))
	return nil
}

// running holds the Supervisor in Running while driving the periodic
// ack-deadline tuning loop, until the context is cancelled or a
// Connection reports a fatal failure.
func (s *Supervisor) running(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.AckDeadlineUpdatePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.watcher.Chan():
			s.setFailureCause(err)
			return fmt.Errorf("connection failed: %w", err)
		case <-ticker.C:
			s.retuneStreamAckDeadline()
		}
	}
}

// retuneStreamAckDeadline implements the Supervisor's adaptive tuning:
// read the shared latency distribution's 99th percentile, clamp it to
// [10, 600] seconds, and, if it differs from the currently applied
// deadline, push the new value to every Connection. A p99 of 0 (no
// samples yet, or a 99th percentile under one second) leaves the
// deadline unchanged.
func (s *Supervisor) retuneStreamAckDeadline() {
	p99 := s.dist.percentile(0.99)
	if p99 == 0 {
		return
	}
	target := clampDeadline(time.Duration(p99) * time.Second)

	current := s.connections[0].getStreamAckDeadline()
	if target == current {
		return
	}
	level.Info(s.logger).Log("msg", "retuning stream ack deadline", "from", current, "to", target, "p99_seconds", p99)
	s.metrics.streamAckDeadline.Set(target.Seconds())
	for _, c := range s.connections {
		c.UpdateStreamAckDeadline(target)
	}
}

// stopping signals every Connection to stop and waits for them all to
// terminate, aggregating any errors.
func (s *Supervisor) stopping(failureCause error) error {
	for _, c := range s.connections {
		c.StopAsync()
	}
	var errs []error
	for _, c := range s.connections {
		if err := c.AwaitTerminated(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	s.metrics.activeConnections.Set(0)
	if failureCause != nil && !errors.Is(failureCause, context.Canceled) {
		errs = append(errs, failureCause)
	}
	return errors.Join(errs...)
}
