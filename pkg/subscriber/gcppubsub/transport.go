// Package gcppubsub adapts the Google Cloud Pub/Sub subscriber gRPC
// client to the subscriber package's StreamTransport and PullTransport
// interfaces. It talks to the real wire API directly through
// vkit.SubscriberClient rather than through the high-level
// cloud.google.com/go/pubsub package, mirroring the way the reference
// client's own messageIterator drives subc.Pull/Acknowledge/
// ModifyAckDeadline/StreamingPull.
package gcppubsub

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	vkit "cloud.google.com/go/pubsub/apiv1"
	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc"

	"github.com/mprokhorenko/pubsub/pkg/subscriber"
)

// maxSendRecvBytes matches the backend's per-RPC message size limit. It
// is set as the receive limit on StreamingPull and Pull, so large
// responses are not rejected by the default gRPC receive limit;
// Acknowledge and ModifyAckDeadline use the default limits.
const maxSendRecvBytes = 1 << 28 // 256 MiB

// StreamTransport wraps a vkit.SubscriberClient's bidirectional
// StreamingPull RPC as a subscriber.StreamTransport.
type StreamTransport struct {
	client *vkit.SubscriberClient

	mu     sync.Mutex
	stream pb.Subscriber_StreamingPullClient
	cancel context.CancelFunc
}

// NewStreamTransport builds a StreamTransport over an existing
// SubscriberClient. A StreamTransport holds one stream at a time; the
// Connection that owns it calls Open again after Close to start the next.
func NewStreamTransport(client *vkit.SubscriberClient) *StreamTransport {
	return &StreamTransport{client: client}
}

func (t *StreamTransport) Open(ctx context.Context, subscription string, streamAckDeadline time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := t.client.StreamingPull(ctx, gax.WithGRPCOptions(grpc.MaxCallRecvMsgSize(maxSendRecvBytes)))
	if err != nil {
		cancel()
		return fmt.Errorf("opening streaming pull: %w", err)
	}
	if err := stream.Send(&pb.StreamingPullRequest{
		Subscription:             subscription,
		StreamAckDeadlineSeconds:  int32(streamAckDeadline / time.Second),
	}); err != nil {
		cancel()
		return fmt.Errorf("sending initial streaming pull request: %w", err)
	}
	t.mu.Lock()
	t.stream = stream
	t.cancel = cancel
	t.mu.Unlock()
	return nil
}

func (t *StreamTransport) Recv() ([]subscriber.Message, error) {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return nil, io.EOF
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, err
	}
	msgs := make([]subscriber.Message, 0, len(resp.ReceivedMessages))
	now := time.Now()
	for _, rm := range resp.ReceivedMessages {
		if rm.Message == nil {
			continue
		}
		msgs = append(msgs, subscriber.Message{
			AckID:    subscriber.AckID(rm.AckId),
			Data:     rm.Message.Data,
			Received: now,
		})
	}
	return msgs, nil
}

// Request sends an empty StreamingPullRequest frame on the open stream
// and ignores n: the initial request sets no MaxOutstandingMessages, so
// the server applies no extra limit, and the actual admission control
// happens client-side in FlowController.
func (t *StreamTransport) Request(n int) {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return
	}
	_ = stream.Send(&pb.StreamingPullRequest{})
	_ = n
}

func (t *StreamTransport) SendAckOperations(acks []subscriber.AckID, modAcks []subscriber.ModifyAckDeadlineFrame) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("gcppubsub: stream not open")
	}
	req := &pb.StreamingPullRequest{}
	for _, id := range acks {
		req.AckIds = append(req.AckIds, string(id))
	}
	for _, m := range modAcks {
		ext := int32(m.DeadlineExtension / time.Second)
		for _, id := range m.AckIDs {
			req.ModifyDeadlineAckIds = append(req.ModifyDeadlineAckIds, string(id))
			req.ModifyDeadlineSeconds = append(req.ModifyDeadlineSeconds, ext)
		}
	}
	if len(req.AckIds) == 0 && len(req.ModifyDeadlineAckIds) == 0 {
		return nil
	}
	return stream.Send(req)
}

func (t *StreamTransport) SetStreamAckDeadline(d time.Duration) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("gcppubsub: stream not open")
	}
	return stream.Send(&pb.StreamingPullRequest{StreamAckDeadlineSeconds: int32(d / time.Second)})
}

func (t *StreamTransport) Close() error {
	t.mu.Lock()
	stream := t.stream
	cancel := t.cancel
	t.stream = nil
	t.cancel = nil
	t.mu.Unlock()
	if stream != nil {
		_ = stream.CloseSend()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// PullTransport wraps a vkit.SubscriberClient's unary Pull,
// ModifyAckDeadline and Acknowledge RPCs as a subscriber.PullTransport.
type PullTransport struct {
	client *vkit.SubscriberClient
}

// NewPullTransport builds a PullTransport over an existing
// SubscriberClient. Unlike StreamTransport, a PullTransport holds no
// stateful stream and may be shared by multiple Connections.
func NewPullTransport(client *vkit.SubscriberClient) *PullTransport {
	return &PullTransport{client: client}
}

func (t *PullTransport) Pull(ctx context.Context, subscription string, maxMessages int) ([]subscriber.Message, error) {
	res, err := t.client.Pull(ctx, &pb.PullRequest{
		Subscription: subscription,
		MaxMessages:  int32(maxMessages),
	}, gax.WithGRPCOptions(grpc.MaxCallRecvMsgSize(maxSendRecvBytes)))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	msgs := make([]subscriber.Message, 0, len(res.ReceivedMessages))
	for _, rm := range res.ReceivedMessages {
		if rm.Message == nil {
			continue
		}
		msgs = append(msgs, subscriber.Message{
			AckID:    subscriber.AckID(rm.AckId),
			Data:     rm.Message.Data,
			Received: now,
		})
	}
	return msgs, nil
}

func (t *PullTransport) ModifyAckDeadline(ctx context.Context, subscription string, acks []subscriber.AckID, d time.Duration) error {
	ids := make([]string, len(acks))
	for i, id := range acks {
		ids[i] = string(id)
	}
	err := t.client.ModifyAckDeadline(ctx, &pb.ModifyAckDeadlineRequest{
		Subscription:       subscription,
		AckIds:              ids,
		AckDeadlineSeconds: int32(d / time.Second),
	})
	return err
}

func (t *PullTransport) Acknowledge(ctx context.Context, subscription string, acks []subscriber.AckID) error {
	ids := make([]string, len(acks))
	for i, id := range acks {
		ids[i] = string(id)
	}
	err := t.client.Acknowledge(ctx, &pb.AcknowledgeRequest{
		Subscription: subscription,
		AckIds:       ids,
	})
	return err
}
