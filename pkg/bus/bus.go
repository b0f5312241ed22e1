// Package bus defines C5: the Bus port, adapted from the teacher's pkg/queue
// contracts (Envelope, Producer, Consumer, DeadLetter) to Orbit's domain: messages are
// (OpId, Command) pairs to re-drive through the executor, not arbitrary payloads.
//
// Delivery guarantee: at-least-once. Duplicate delivery of the same OpId is expected
// and handled by idempotency, not by the bus. There is no cross-key ordering
// guarantee, and no per-OpId ordering guarantee either — only the Store's CAS commits
// progress (spec.md §4.4).
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/orbitcore/orbit/pkg/opid"
)

var (
	ErrEmpty   = errors.New("bus: empty")
	ErrClosed  = errors.New("bus: closed")
	ErrInvalid = errors.New("bus: invalid")
)

// Message is one unit of redelivery: an OpId plus the Command to re-execute, with a
// backend-managed Attempt counter.
type Message struct {
	OpId    opid.OpId
	Command opid.Command
	Attempt int
}

// Receipt is an opaque token a poller must present to Ack/Nack/DeadLetter/Extend the
// message it was issued for.
type Receipt string

// Delivery pairs a polled Message with the Receipt needed to settle it.
type Delivery struct {
	Message Message
	Receipt Receipt
}

// Bus is the C5 port.
type Bus interface {
	// Enqueue schedules (opId, command) for re-execution after afterDelay. Must
	// survive process restart.
	Enqueue(ctx context.Context, id opid.OpId, cmd opid.Command, afterDelay time.Duration) error

	// Poll fetches the next due message, making it invisible for visibilityTimeout.
	// Returns ErrEmpty if nothing is due within the backend's poll window.
	Poll(ctx context.Context, visibilityTimeout time.Duration) (Delivery, error)

	// Ack permanently removes a leased message.
	Ack(ctx context.Context, receipt Receipt) error

	// Nack returns a leased message to the queue, visible again after requeueDelay.
	Nack(ctx context.Context, receipt Receipt, requeueDelay time.Duration) error

	// DeadLetter moves a leased message to the DLQ; DLQ is inspectable via DeadLetterStore.
	DeadLetter(ctx context.Context, receipt Receipt, reason string) error
}

// DeadLetterRecord captures why a message was dead-lettered, adapted from the
// teacher's pkg/queue.DLQRecord.
type DeadLetterRecord struct {
	OpId          opid.OpId
	Command       opid.Command
	FinalAttempt  int
	Reason        string
	DeadLetteredAt time.Time
}

// DeadLetterStore is the inspectable DLQ surface referenced in spec.md §4.4.
type DeadLetterStore interface {
	List(ctx context.Context, limit int) ([]DeadLetterRecord, error)
	Get(ctx context.Context, id opid.OpId) (DeadLetterRecord, error)
}
