package subscriber

import (
	"flag"
	"runtime"
	"time"
)

// defaultChannelsPerCoreStreaming and defaultChannelsPerCorePolling are
// the per-CPU fan-out multipliers the Supervisor uses to size its
// Connection pool when NumChannels is left at zero: four concurrent
// streams per core for streaming pull, since each stream is cheap and
// mostly idle waiting on the network, and one per core for polling,
// since each Pull call already blocks a goroutine for its full RPC.
const (
	defaultChannelsPerCoreStreaming = 4
	defaultChannelsPerCorePolling   = 1
)

// defaultAckDeadlineUpdatePeriod is how often the Supervisor re-reads
// the shared latency distribution's p99 and retunes every Connection's
// stream ack-deadline.
const defaultAckDeadlineUpdatePeriod = 60 * time.Second

// defaultAckExpirationPadding is subtracted from the stream ack-deadline
// to compute each renewal's extension length, so the renewal lands
// comfortably before the deadline actually lapses.
const defaultAckExpirationPadding = 5 * time.Second

// Config configures a Supervisor. The zero value is not valid; use
// RegisterFlagsWithPrefix to populate defaults before Validate.
type Config struct {
	Subscription string `yaml:"subscription"`

	// NumChannels overrides the automatic cores*channelsPerCore fan-out.
	// 0 selects the automatic default for the chosen strategy (Polling
	// or streaming).
	NumChannels int `yaml:"num_channels"`

	// Polling selects the PullTransport strategy instead of the default
	// StreamTransport strategy.
	Polling bool `yaml:"polling"`

	MaxOutstandingMessages int           `yaml:"max_outstanding_messages"`
	MaxOutstandingBytes    int           `yaml:"max_outstanding_bytes"`
	LimitBehaviorBlock     bool          `yaml:"limit_behavior_block"`
	AckExpirationPadding   time.Duration `yaml:"ack_expiration_padding"`
	AckDeadlineUpdatePeriod time.Duration `yaml:"ack_deadline_update_period"`
	InitialStreamAckDeadline time.Duration `yaml:"initial_stream_ack_deadline"`
}

// RegisterFlagsWithPrefix registers this Config's flags, prefixing each
// flag name with prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Subscription, prefix+"subscription", "", "Full subscription name to receive messages from.")
	f.IntVar(&cfg.NumChannels, prefix+"num-channels", 0, "Number of concurrent connections to maintain. 0 selects an automatic default based on GOMAXPROCS and the chosen mode.")
	f.BoolVar(&cfg.Polling, prefix+"polling", false, "Use unary Pull RPCs instead of the streaming pull protocol.")
	f.IntVar(&cfg.MaxOutstandingMessages, prefix+"max-outstanding-messages", 1000, "Maximum number of messages held by the handler pipeline at once. -1 disables the limit.")
	f.IntVar(&cfg.MaxOutstandingBytes, prefix+"max-outstanding-bytes", 1000*1000*1000, "Maximum total byte size of messages held by the handler pipeline at once. -1 disables the limit.")
	f.BoolVar(&cfg.LimitBehaviorBlock, prefix+"limit-behavior-block", true, "When true, exceeding an outstanding limit blocks further receipt until capacity frees up. When false, the limit is advisory only.")
	f.DurationVar(&cfg.AckExpirationPadding, prefix+"ack-expiration-padding", defaultAckExpirationPadding, "Time subtracted from the stream ack-deadline when computing each deadline-renewal extension.")
	f.DurationVar(&cfg.AckDeadlineUpdatePeriod, prefix+"ack-deadline-update-period", defaultAckDeadlineUpdatePeriod, "How often the adaptive deadline-tuning loop re-reads the p99 ack latency and retunes the stream ack-deadline.")
	f.DurationVar(&cfg.InitialStreamAckDeadline, prefix+"initial-stream-ack-deadline", 10*time.Second, "Stream ack-deadline used before the first adaptive tuning cycle completes.")
}

// Validate checks cfg for internal consistency, returning an
// *ErrConfigInvalid describing the first problem found.
func (cfg *Config) Validate() error {
	if cfg.Subscription == "" {
		return &ErrConfigInvalid{Reason: "subscription must not be empty"}
	}
	if cfg.NumChannels < 0 {
		return &ErrConfigInvalid{Reason: "num_channels must be >= 0"}
	}
	if cfg.MaxOutstandingMessages < -1 || cfg.MaxOutstandingMessages == 0 {
		return &ErrConfigInvalid{Reason: "max_outstanding_messages must be -1 or > 0"}
	}
	if cfg.MaxOutstandingBytes < -1 || cfg.MaxOutstandingBytes == 0 {
		return &ErrConfigInvalid{Reason: "max_outstanding_bytes must be -1 or > 0"}
	}
	if cfg.InitialStreamAckDeadline < minExtensionSeconds*time.Second || cfg.InitialStreamAckDeadline > maxExtensionSeconds*time.Second {
		return &ErrConfigInvalid{Reason: "initial_stream_ack_deadline must be within [10s, 600s]"}
	}
	if cfg.AckDeadlineUpdatePeriod <= 0 {
		return &ErrConfigInvalid{Reason: "ack_deadline_update_period must be > 0"}
	}
	return nil
}

func (cfg *Config) limitBehavior() LimitBehavior {
	if cfg.LimitBehaviorBlock {
		return Block
	}
	return Ignore
}

func (cfg *Config) flowControlSettings() FlowControlSettings {
	settings := FlowControlSettings{
		MaxOutstandingMessages: cfg.MaxOutstandingMessages,
		MaxOutstandingBytes:    cfg.MaxOutstandingBytes,
		LimitBehavior:          cfg.limitBehavior(),
	}
	if cfg.MaxOutstandingMessages == -1 {
		settings.MaxOutstandingMessages = Unlimited
	}
	if cfg.MaxOutstandingBytes == -1 {
		settings.MaxOutstandingBytes = Unlimited
	}
	return settings
}

// numChannels resolves the effective connection fan-out, applying the
// automatic cores*channelsPerCore default when NumChannels is 0.
func (cfg *Config) numChannels() int {
	if cfg.NumChannels > 0 {
		return cfg.NumChannels
	}
	perCore := defaultChannelsPerCoreStreaming
	if cfg.Polling {
		perCore = defaultChannelsPerCorePolling
	}
	n := runtime.GOMAXPROCS(0) * perCore
	if n < 1 {
		n = 1
	}
	return n
}
