package subscriber

import (
	"context"
	"time"
)

// StreamTransport is the bidirectional-streaming half of the transport
// interface described in §6: open one stream per Connection, send
// ack/modify-deadline/deadline-change frames on it, and receive
// delivered-message frames from it with manual inbound flow control.
//
// Implementations are expected to wrap a generated gRPC client stub; see
// gcppubsub for a concrete adapter over the real Pub/Sub API. The
// subscriber package never constructs channels, credentials, or wire
// messages itself — those are the caller's responsibility, per §1's
// scope boundary.
type StreamTransport interface {
	// Open starts the stream for subscription, sending the initial frame
	// with the given stream ack-deadline. It must not block past the
	// point where the stream is ready to Send/Recv.
	Open(ctx context.Context, subscription string, streamAckDeadline time.Duration) error

	// Recv blocks for the next batch of delivered messages. It returns
	// io.EOF when the stream ends cleanly, and any other error is
	// classified as retryable or fatal by the Connection.
	Recv() ([]Message, error)

	// Request asks the transport to deliver n more response frames. The
	// streaming strategy calls Request(1) once after Open and again each
	// time Recv returns a frame, before that frame's messages are
	// dispatched; it does not wait for the frame to be processed.
	Request(n int)

	// SendAckOperations transmits one batch of ack-ids and deadline
	// extensions/nacks on the stream. Never exceeds MAX_PER_REQUEST_CHANGES
	// combined entries; the Ack Pump already chunks to that bound.
	SendAckOperations(acks []AckID, modAcks []ModifyAckDeadlineFrame) error

	// SetStreamAckDeadline sends a frame that changes the stream-level
	// ack-deadline without any accompanying ack/modify entries.
	SetStreamAckDeadline(d time.Duration) error

	// Close closes the stream. Safe to call more than once.
	Close() error
}

// PullTransport is the unary-RPC half of the transport interface used
// by the Polling strategy: repeated Pull calls for intake, and a unary
// ModifyAckDeadline for both deadline extension and nack (extension 0).
type PullTransport interface {
	Pull(ctx context.Context, subscription string, maxMessages int) ([]Message, error)
	ModifyAckDeadline(ctx context.Context, subscription string, acks []AckID, d time.Duration) error
	Acknowledge(ctx context.Context, subscription string, acks []AckID) error
}

// ModifyAckDeadlineFrame is the wire-facing shape of a modifyAckDeadline
// batch: ack-ids paired with one extension (0 == nack). It is an alias
// for the pump's internal modifyAckDeadline type so transport
// implementations outside this package have a name to refer to.
type ModifyAckDeadlineFrame = modifyAckDeadline
