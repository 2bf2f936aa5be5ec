package subscriber

import (
	"context"
	"time"

	"github.com/coder/quartz"
)

// defaultPollMaxMessages bounds how many messages a single Pull call may
// return. The streaming strategy paces itself via Request(1); polling
// has no equivalent backpressure signal from the server, so the polling
// strategy caps each Pull instead.
const defaultPollMaxMessages = 1000

// emptyPollBackoff is the short pause after a pull returns zero messages,
// per §4.4.2's "wait a short interval" self-pacing rule, so an idle
// subscription doesn't spin the poll loop.
const emptyPollBackoff = 500 * time.Millisecond

// pollingStrategy drives a PullTransport with repeated unary Pull calls.
// It is the fallback strategy for transports that cannot or need not
// hold a long-lived stream open; every ack and deadline-extension batch
// becomes its own unary RPC rather than a frame on a shared stream.
type pollingStrategy struct {
	transport   PullTransport
	subName     string
	maxMessages int
	clock       quartz.Clock
}

func newPollingStrategy(transport PullTransport, subName string, clock quartz.Clock) *pollingStrategy {
	return &pollingStrategy{transport: transport, subName: subName, maxMessages: defaultPollMaxMessages, clock: clock}
}

func (s *pollingStrategy) open(ctx context.Context, streamAckDeadline time.Duration) error {
	// A PullTransport has no connection to establish; Pull calls are
	// independent unary RPCs authenticated per-call.
	return nil
}

func (s *pollingStrategy) receive(ctx context.Context) ([]Message, error) {
	msgs, err := s.transport.Pull(ctx, s.subName, s.maxMessages)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		s.waitEmptyPollBackoff(ctx)
	}
	return msgs, nil
}

// waitEmptyPollBackoff pauses briefly, returning early if ctx is done.
func (s *pollingStrategy) waitEmptyPollBackoff(ctx context.Context) {
	done := make(chan struct{})
	timer := s.clock.AfterFunc(emptyPollBackoff, func() { close(done) })
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (s *pollingStrategy) sendAckOperations(acks []AckID, modAcks []modifyAckDeadline) error {
	ctx := context.Background()
	for _, m := range modAcks {
		if err := s.transport.ModifyAckDeadline(ctx, s.subName, m.AckIDs, m.DeadlineExtension); err != nil {
			return err
		}
	}
	if len(acks) > 0 {
		if err := s.transport.Acknowledge(ctx, s.subName, acks); err != nil {
			return err
		}
	}
	return nil
}

func (s *pollingStrategy) updateStreamAckDeadline(d time.Duration) error {
	// Polling has no persistent stream-level deadline; each extension is
	// sent explicitly via ModifyAckDeadline by the Ack Pump instead.
	return nil
}

func (s *pollingStrategy) close() error {
	return nil
}
