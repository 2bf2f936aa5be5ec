package subscriber

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrShutdownInProgress names the shutdown-in-progress condition. No
// function in this package returns it: acks and nacks submitted after
// Stop are dropped silently, and starting a stopped Connection or
// Supervisor fails with the services package's own state error.
var ErrShutdownInProgress = errors.New("subscriber: shutdown in progress")

// ErrConfigInvalid wraps a configuration error detected synchronously
// by Config.Validate, which NewStreamingSupervisor and
// NewPollingSupervisor call before building anything.
type ErrConfigInvalid struct {
	Reason string
}

func (e *ErrConfigInvalid) Error() string {
	return "subscriber: invalid configuration: " + e.Reason
}

// fatalCodes are classified as permanent: the subscription or the
// request is wrong in a way that retrying cannot fix.
var fatalCodes = map[codes.Code]bool{
	codes.InvalidArgument:    true,
	codes.NotFound:           true,
	codes.PermissionDenied:   true,
	codes.Unauthenticated:    true,
	codes.FailedPrecondition: true,
}

// RetryableClassifier decides whether a stream/RPC error should trigger
// a reconnect-with-backoff (true) or a fatal transition (false).
// Configuring a custom classifier lets callers override the built-in
// gRPC status code mapping.
type RetryableClassifier func(err error) bool

// DefaultRetryableClassifier implements the classification in §4.4:
// transient server errors, network resets, internal errors, unavailable,
// deadline exceeded, resource exhausted, and cancelled are retryable;
// invalid argument, not found, permission denied, unauthenticated, and
// failed-precondition are fatal. Anything else not recognized as fatal
// is treated as retryable, since an unclassified transport error is
// more likely to be transient than a permanent misconfiguration.
func DefaultRetryableClassifier(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	if fatalCodes[st.Code()] {
		return false
	}
	return true
}
