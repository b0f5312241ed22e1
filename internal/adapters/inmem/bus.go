package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orbitcore/orbit/pkg/bus"
	"github.com/orbitcore/orbit/pkg/opid"
)

type busItem struct {
	msg            bus.Message
	dueAt          time.Time
	leased         bool
	receipt        bus.Receipt
	leaseExpiresAt time.Time
}

// Bus is an in-memory implementation of the C5 port and the DLQ inspection surface.
type Bus struct {
	mu       sync.Mutex
	items    []*busItem
	attempts map[opid.OpId]int
	seq      uint64
	dlq      []bus.DeadLetterRecord

	Clock func() time.Time
}

// NewBus builds an empty in-memory Bus.
func NewBus() *Bus {
	return &Bus{attempts: make(map[opid.OpId]int), Clock: func() time.Time { return time.Now().UTC() }}
}

func (b *Bus) now() time.Time { return b.Clock() }

func (b *Bus) Enqueue(_ context.Context, id opid.OpId, cmd opid.Command, afterDelay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts[id]++
	b.items = append(b.items, &busItem{
		msg:   bus.Message{OpId: id, Command: cmd, Attempt: b.attempts[id]},
		dueAt: b.now().Add(afterDelay),
	})
	return nil
}

func (b *Bus) Poll(_ context.Context, visibilityTimeout time.Duration) (bus.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	for _, it := range b.items {
		if it.leased && it.leaseExpiresAt.After(now) {
			continue
		}
		if it.dueAt.After(now) {
			continue
		}
		b.seq++
		it.leased = true
		it.receipt = bus.Receipt(fmt.Sprintf("r-%d", b.seq))
		it.leaseExpiresAt = now.Add(visibilityTimeout)
		return bus.Delivery{Message: it.msg, Receipt: it.receipt}, nil
	}
	return bus.Delivery{}, bus.ErrEmpty
}

func (b *Bus) find(receipt bus.Receipt) (int, *busItem) {
	for i, it := range b.items {
		if it.leased && it.receipt == receipt {
			return i, it
		}
	}
	return -1, nil
}

func (b *Bus) Ack(_ context.Context, receipt bus.Receipt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, it := b.find(receipt)
	if it == nil {
		return bus.ErrInvalid
	}
	b.items = append(b.items[:i], b.items[i+1:]...)
	return nil
}

func (b *Bus) Nack(_ context.Context, receipt bus.Receipt, requeueDelay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, it := b.find(receipt)
	if it == nil {
		return bus.ErrInvalid
	}
	it.leased = false
	it.dueAt = b.now().Add(requeueDelay)
	return nil
}

func (b *Bus) DeadLetter(_ context.Context, receipt bus.Receipt, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, it := b.find(receipt)
	if it == nil {
		return bus.ErrInvalid
	}
	b.dlq = append(b.dlq, bus.DeadLetterRecord{
		OpId:           it.msg.OpId,
		Command:        it.msg.Command,
		FinalAttempt:   it.msg.Attempt,
		Reason:         reason,
		DeadLetteredAt: b.now(),
	})
	b.items = append(b.items[:i], b.items[i+1:]...)
	return nil
}

func (b *Bus) List(_ context.Context, limit int) ([]bus.DeadLetterRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.dlq) {
		limit = len(b.dlq)
	}
	out := make([]bus.DeadLetterRecord, limit)
	copy(out, b.dlq[:limit])
	return out, nil
}

func (b *Bus) Get(_ context.Context, id opid.OpId) (bus.DeadLetterRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range b.dlq {
		if r.OpId == id {
			return r, nil
		}
	}
	return bus.DeadLetterRecord{}, bus.ErrInvalid
}
