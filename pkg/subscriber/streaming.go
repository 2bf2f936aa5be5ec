package subscriber

import (
	"context"
	"time"
)

// streamingStrategy drives one bidirectional StreamTransport. It is the
// default strategy: after each Recv it asks the transport for exactly
// one more frame, so the handler backlog never outruns the flow
// controller's admission limit — the manual inbound flow control
// described for the streaming pull protocol.
type streamingStrategy struct {
	transport StreamTransport
	subName   string
}

func newStreamingStrategy(transport StreamTransport, subName string) *streamingStrategy {
	return &streamingStrategy{transport: transport, subName: subName}
}

func (s *streamingStrategy) open(ctx context.Context, streamAckDeadline time.Duration) error {
	if err := s.transport.Open(ctx, s.subName, streamAckDeadline); err != nil {
		return err
	}
	s.transport.Request(1)
	return nil
}

func (s *streamingStrategy) receive(ctx context.Context) ([]Message, error) {
	// Recv takes no context, so closing the transport is what unblocks it
	// once ctx is done.
	stop := context.AfterFunc(ctx, func() { _ = s.transport.Close() })
	defer stop()
	msgs, err := s.transport.Recv()
	if err != nil {
		return nil, err
	}
	s.transport.Request(1)
	return msgs, nil
}

func (s *streamingStrategy) sendAckOperations(acks []AckID, modAcks []modifyAckDeadline) error {
	return s.transport.SendAckOperations(acks, modAcks)
}

func (s *streamingStrategy) updateStreamAckDeadline(d time.Duration) error {
	return s.transport.SetStreamAckDeadline(d)
}

func (s *streamingStrategy) close() error {
	return s.transport.Close()
}
