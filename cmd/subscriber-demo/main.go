// Command subscriber-demo wires a Supervisor against the real Google
// Cloud Pub/Sub API and prints every delivered message's ack-id, size
// and age, acking it immediately. It exists to exercise the subscriber package
// end-to-end against a live subscription; it is not a general-purpose
// client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	vkit "cloud.google.com/go/pubsub/apiv1"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mprokhorenko/pubsub/pkg/subscriber"
	"github.com/mprokhorenko/pubsub/pkg/subscriber/gcppubsub"
)

func main() {
	cfg := subscriber.Config{}
	fs := flag.NewFlagSet("subscriber-demo", flag.ExitOnError)
	cfg.RegisterFlagsWithPrefix("", fs)
	_ = fs.Parse(os.Args[1:])

	logger := log.NewLogfmtLogger(os.Stderr)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := run(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "exiting with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg subscriber.Config, logger log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := vkit.NewSubscriberClient(ctx)
	if err != nil {
		return fmt.Errorf("creating subscriber client: %w", err)
	}
	defer client.Close()

	handler := func(msg subscriber.Message, acker subscriber.Acker) {
		fmt.Printf("received ack-id=%s bytes=%d age=%s\n", msg.AckID, len(msg.Data), time.Since(msg.Received))
		acker.Ack()
	}

	newTransport := func(ctx context.Context) (subscriber.StreamTransport, error) {
		return gcppubsub.NewStreamTransport(client), nil
	}

	reg := prometheus.NewRegistry()
	sup, err := subscriber.NewStreamingSupervisor(cfg, handler, newTransport, subscriber.DefaultRetryableClassifier, logger, reg)
	if err != nil {
		return fmt.Errorf("building supervisor: %w", err)
	}

	if err := sup.StartAsync(ctx); err != nil {
		return fmt.Errorf("starting supervisor: %w", err)
	}
	if err := sup.AwaitRunning(ctx); err != nil {
		return fmt.Errorf("waiting for supervisor to start: %w", err)
	}

	<-ctx.Done()
	level.Info(logger).Log("msg", "shutting down")

	sup.StopAsync()
	if err := sup.AwaitTerminated(context.Background()); err != nil {
		return fmt.Errorf("stopping supervisor: %w", err)
	}
	if cause := sup.FailureCause(); cause != nil {
		return fmt.Errorf("supervisor failed: %w", cause)
	}
	return nil
}
