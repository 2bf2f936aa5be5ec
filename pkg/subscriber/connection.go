package subscriber

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
)

// initialChannelReconnectBackoff and maxChannelReconnectBackoff bound
// the exponential backoff applied between retryable stream failures.
// The initial value matches the reference client's
// INITIAL_CHANNEL_RECONNECT_BACKOFF exactly; the cap is the "few
// seconds" the spec leaves unspecified beyond "capped".
const (
	initialChannelReconnectBackoff = 100 * time.Millisecond
	maxChannelReconnectBackoff     = 4 * time.Second
)

// strategy is the capability set a Connection needs from its transport:
// open/receive/send/update/close. Streaming and Polling each implement
// it against a StreamTransport or PullTransport respectively. Modeling
// it this way — rather than subclassing a Connection base type — keeps
// the lifecycle and retry-loop skeleton in one place per §9's design
// note on the polymorphic Connection.
type strategy interface {
	open(ctx context.Context, streamAckDeadline time.Duration) error
	// receive blocks until at least one message is available, the
	// context is done, or the transport fails. Implementations are
	// responsible for self-pacing (polling) or manual inbound flow
	// control (streaming).
	receive(ctx context.Context) ([]Message, error)
	sendAckOperations(acks []AckID, modAcks []modifyAckDeadline) error
	updateStreamAckDeadline(d time.Duration) error
	close() error
}

// Connection drives one logical message stream: it owns an Ack Pump and
// a transport strategy, translates delivered frames into Handler
// invocations, and translates Handler completions into ack/nack intents.
// It implements services.Service, whose six states (New, Starting,
// Running, Stopping, Terminated, Failed) are exactly the lifecycle in
// §4.4.
type Connection struct {
	services.Service

	logger       log.Logger
	clock        quartz.Clock
	subscription string
	handler      Handler
	flow         *FlowController
	dist         *distribution
	metrics      *Metrics
	classify     RetryableClassifier

	ackExpirationPadding time.Duration

	mu                sync.RWMutex
	streamAckDeadline time.Duration
	failureCause      error

	pump     *ackPump
	strategy strategy

	wg sync.WaitGroup
}

func newConnection(
	clock quartz.Clock,
	subscription string,
	handler Handler,
	flow *FlowController,
	dist *distribution,
	metrics *Metrics,
	classify RetryableClassifier,
	ackExpirationPadding time.Duration,
	initialStreamAckDeadline time.Duration,
	logger log.Logger,
	strat strategy,
) *Connection {
	c := &Connection{
		logger:                logger,
		clock:                 clock,
		subscription:          subscription,
		handler:               handler,
		flow:                  flow,
		dist:                  dist,
		metrics:               metrics,
		classify:              classify,
		ackExpirationPadding:  ackExpirationPadding,
		streamAckDeadline:     initialStreamAckDeadline,
		strategy:              strat,
	}
	c.pump = newAckPump(clock, initialStreamAckDeadline, ackExpirationPadding, c.sendAckOperations, logger)
	c.Service = services.NewBasicService(nil, c.running, c.stopping)
	return c
}

// FailureCause returns the fatal error that moved the Connection to the
// Failed state, or nil if it has not failed.
func (c *Connection) FailureCause() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failureCause
}

func (c *Connection) getStreamAckDeadline() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamAckDeadline
}

func (c *Connection) setFailureCause(err error) {
	c.mu.Lock()
	c.failureCause = err
	c.mu.Unlock()
}

// UpdateStreamAckDeadline informs the transport of a new stream-level
// ack-deadline (streaming only is expected to act on this before the
// next frame) and reseeds the Ack Pump's extension interval.
func (c *Connection) UpdateStreamAckDeadline(d time.Duration) {
	d = clampDeadline(d)
	c.mu.Lock()
	c.streamAckDeadline = d
	c.mu.Unlock()
	c.pump.updateStreamAckDeadline(d)
	if err := c.strategy.updateStreamAckDeadline(d); err != nil {
		level.Warn(c.logger).Log("msg", "failed to update stream ack deadline", "err", err)
	}
}

func clampDeadline(d time.Duration) time.Duration {
	if d < minExtensionSeconds*time.Second {
		return minExtensionSeconds * time.Second
	}
	if d > maxExtensionSeconds*time.Second {
		return maxExtensionSeconds * time.Second
	}
	return d
}

// running is the Service's main loop: the retry skeleton described in
// §4.4. It opens the strategy, pumps messages until the stream fails or
// the context is cancelled, and reconnects with bounded backoff on
// retryable errors. A fatal error, classified per §4.4, ends the loop
// and is surfaced as this Connection's failure cause.
func (c *Connection) running(ctx context.Context) error {
	bo := backoff.New(ctx, backoff.Config{
		MinBackoff: initialChannelReconnectBackoff,
		MaxBackoff: maxChannelReconnectBackoff,
		MaxRetries: 0,
	})

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := c.strategy.open(ctx, c.getStreamAckDeadline()); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !c.classify(err) {
				c.setFailureCause(err)
				return err
			}
			level.Warn(c.logger).Log("msg", "failed to open stream, retrying", "err", err, "retries", bo.NumRetries())
			c.metrics.reconnects.Inc()
			bo.Wait()
			continue
		}
		bo.Reset()

		runErr := c.pumpMessages(ctx)
		if closeErr := c.strategy.close(); closeErr != nil {
			level.Debug(c.logger).Log("msg", "error closing stream", "err", closeErr)
		}

		if ctx.Err() != nil {
			return nil
		}
		if runErr == nil || errors.Is(runErr, io.EOF) {
			// Clean end of stream: reopen without penalty since the prior
			// open succeeded and backoff was already reset.
			continue
		}
		if !c.classify(runErr) {
			c.setFailureCause(runErr)
			return runErr
		}
		level.Warn(c.logger).Log("msg", "stream failed, reconnecting", "err", runErr, "retries", bo.NumRetries())
		c.metrics.reconnects.Inc()
		bo.Wait()
	}
}

// pumpMessages repeatedly calls strategy.receive and dispatches whatever
// it returns until receive fails or ctx is cancelled.
func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		msgs, err := c.strategy.receive(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			c.dispatch(ctx, m)
		}
	}
}

// dispatch reserves flow-control capacity for one message, registers it
// with the Ack Pump, and invokes the Handler. The completion callback
// records the elapsed time into the shared latency distribution,
// releases the flow-control reservation, and then enqueues an ack or
// nack, in that order.
func (c *Connection) dispatch(ctx context.Context, m Message) {
	if err := c.flow.Reserve(ctx, 1, len(m.Data)); err != nil {
		// Context cancelled while waiting for capacity: the message is
		// simply never delivered to the handler and will be redelivered
		// by the server once its deadline lapses.
		return
	}
	c.reportOutstanding()
	c.pump.onMessageReceived(m.AckID, m.Received)
	c.metrics.messagesReceived.Inc()

	ak := &acker{ackID: m.AckID, received: m.Received, complete: c.completionFor(len(m.Data))}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.handler(m, ak)
	}()
}

// completionFor binds the reserved byte size to a completion closure so
// Release gives back exactly what Reserve took.
func (c *Connection) completionFor(size int) func(ackID AckID, received time.Time, outcome Outcome, cause error) {
	return func(ackID AckID, received time.Time, outcome Outcome, cause error) {
		c.onHandlerComplete(ackID, received, outcome, cause, size)
	}
}

func (c *Connection) onHandlerComplete(ackID AckID, received time.Time, outcome Outcome, cause error, size int) {
	elapsed := c.clock.Since(received)
	c.dist.record(int(elapsed / time.Second))
	c.flow.Release(1, size)
	c.reportOutstanding()
	if outcome == Ack {
		c.pump.onAck(ackID, received)
		c.metrics.acksSent.Inc()
		return
	}
	if cause != nil {
		c.pump.logNack(ackID, cause)
	}
	c.pump.onNack(ackID, received)
	c.metrics.nacksSent.Inc()
}

// reportOutstanding publishes the shared FlowController's current
// reservation totals. Multiple Connections under one Supervisor share
// one FlowController and one Metrics instance, so this is naturally
// idempotent across callers.
func (c *Connection) reportOutstanding() {
	count, bytes := c.flow.Outstanding()
	c.metrics.outstandingMessages.Set(float64(count))
	c.metrics.outstandingBytes.Set(float64(bytes))
}

// sendAckOperations is the Ack Pump's flush target: it forwards one
// batch to the transport strategy and never fails the pump on error —
// per §4.3, flush errors are the Connection's problem (they surface
// through the next receive/open and trigger the retry loop), not the
// pump's.
func (c *Connection) sendAckOperations(acks []AckID, modAcks []modifyAckDeadline) {
	if err := c.strategy.sendAckOperations(acks, modAcks); err != nil {
		level.Warn(c.logger).Log("msg", "failed to send ack operations", "err", err, "acks", len(acks), "mod_acks", len(modAcks))
	}
}

// stopping implements the Service's shutdown: a best-effort final flush
// of whatever the Ack Pump still has queued, then closing the transport.
// In-flight handlers are not forcibly cancelled; their eventual ack/nack
// is dropped silently once the pump is stopped (ErrShutdownInProgress
// semantics), since the server will simply redeliver after the lease
// lapses.
func (c *Connection) stopping(_ error) error {
	acks, modAcks := c.pump.stop()
	c.pump.flushBatches(acks, modAcks)
	if err := c.strategy.close(); err != nil {
		level.Debug(c.logger).Log("msg", "error closing stream during stop", "err", err)
	}
	c.wg.Wait()
	return nil
}
