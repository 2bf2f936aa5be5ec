// Package subscriber implements the client-side receiving half of a
// cloud pub/sub message-delivery service: it pumps messages off one or
// more long-lived pull streams, dispatches them to a user handler, and
// batches the resulting acks and deadline extensions back to the server.
package subscriber

import (
	"sync"
	"time"
)

// AckID is the opaque token the server issues with each delivered
// message. It is required to ack, nack, or extend a message's lease.
type AckID string

// Message is a single delivery received from the subscription.
type Message struct {
	AckID   AckID
	Data    []byte
	Received time.Time
}

// Outcome is the deferred result a handler resolves a Message with.
type Outcome int

const (
	// Ack acknowledges the message; the server may delete it.
	Ack Outcome = iota
	// Nack negatively acknowledges the message; the server redelivers it
	// immediately (a modify-ack-deadline with extension 0).
	Nack
	// errorOutcome is Nack's ERROR variant: the handler failed rather
	// than deliberately declining the message. It is otherwise handled
	// identically to Nack, except the cause is logged.
	errorOutcome
)

// Handler processes one delivered message and reports the outcome by
// calling exactly one of the methods on the Acker passed to it, either
// synchronously or after returning, from any goroutine.
type Handler func(msg Message, acker Acker)

// Acker is the one-shot completion hook a Handler uses to resolve a
// message. Calling more than one of its methods, or the same one twice,
// has no effect beyond the first call.
type Acker interface {
	Ack()
	Nack()
	// Error reports application-code failure: treated identically to
	// Nack, except cause is logged against the message's ack-id.
	Error(cause error)
}

// acker is the concrete Acker bound to one received message. It ensures
// the handler's resolution is reported to its owning Connection exactly
// once, regardless of how many times or from how many goroutines one of
// its methods is called.
type acker struct {
	once     sync.Once
	ackID    AckID
	received time.Time
	complete func(ackID AckID, received time.Time, outcome Outcome, cause error)
}

func (a *acker) Ack() {
	a.once.Do(func() { a.complete(a.ackID, a.received, Ack, nil) })
}

func (a *acker) Nack() {
	a.once.Do(func() { a.complete(a.ackID, a.received, Nack, nil) })
}

func (a *acker) Error(cause error) {
	a.once.Do(func() { a.complete(a.ackID, a.received, errorOutcome, cause) })
}
