package conversation

import (
	"sync"
	"time"

	"github.com/dmourab/whatsflow/internal/clock"
)

// Flush reasons reported to the flush callback.
const (
	FlushQuiet   = "quiet"
	FlushMaxWait = "max_wait"
)

// PendingBatch accumulates inbound events that have not been flushed yet.
// Exactly one batch is live per buffer at a time; it is detached atomically at
// flush and the next submit starts a fresh one.
type PendingBatch struct {
	events  []InboundEvent
	firstAt time.Time
	timer   clock.Timer
	flushed bool
}

// Events returns the accumulated events in arrival order.
func (b *PendingBatch) Events() []InboundEvent {
	return b.events
}

// Buffer coalesces bursts of near-simultaneous inbound messages for one
// conversation into a single unit of work, the way a human reads several
// quick texts before composing one reply.
//
// Each arrival re-arms the flush timer at quietPeriod, but the deadline never
// exceeds maxWait after the batch's first event, which bounds delay under
// sustained chatter.
type Buffer struct {
	conversationID string
	quietPeriod    time.Duration
	maxWait        time.Duration
	clk            clock.Clock
	flushFn        func(events []InboundEvent, reason string)

	mu      sync.Mutex
	pending *PendingBatch
	nextSeq uint64
}

// NewBuffer creates a debounce buffer. flushFn receives each flushed batch's
// events in arrival order plus the flush reason; it is invoked outside the
// buffer's lock.
func NewBuffer(conversationID string, quietPeriod, maxWait time.Duration, clk clock.Clock, flushFn func(events []InboundEvent, reason string)) *Buffer {
	if conversationID == "" {
		panic("conversation: buffer conversationID cannot be empty")
	}
	if flushFn == nil {
		panic("conversation: buffer flushFn cannot be nil")
	}
	if clk == nil {
		clk = clock.System()
	}
	if quietPeriod <= 0 {
		quietPeriod = 5 * time.Second
	}
	if maxWait < quietPeriod {
		maxWait = quietPeriod
	}
	return &Buffer{
		conversationID: conversationID,
		quietPeriod:    quietPeriod,
		maxWait:        maxWait,
		clk:            clk,
		flushFn:        flushFn,
	}
}

// Submit appends the event to the live batch, creating one if needed, and
// re-arms the flush timer. Assigns the event's sequence number.
func (b *Buffer) Submit(event InboundEvent) {
	b.mu.Lock()
	now := b.clk.Now()
	if event.ArrivedAt.IsZero() {
		event.ArrivedAt = now
	}
	b.nextSeq++
	event.Seq = b.nextSeq

	if b.pending == nil {
		b.pending = &PendingBatch{firstAt: now}
	}
	b.pending.events = append(b.pending.events, event)
	b.rearmLocked(now)
	b.mu.Unlock()
}

// Touch extends the quiet period without adding an event, used when presence
// updates show the remote party is still composing. No-op without a live
// batch; the maxWait cap still applies.
func (b *Buffer) Touch() {
	b.mu.Lock()
	if b.pending != nil {
		b.rearmLocked(b.clk.Now())
	}
	b.mu.Unlock()
}

// rearmLocked schedules the flush at min(now+quietPeriod, firstAt+maxWait).
func (b *Buffer) rearmLocked(now time.Time) {
	batch := b.pending
	deadline := now.Add(b.quietPeriod)
	if cap := batch.firstAt.Add(b.maxWait); deadline.After(cap) {
		deadline = cap
	}
	wait := deadline.Sub(now)
	if wait < 0 {
		wait = 0
	}
	if batch.timer != nil {
		batch.timer.Stop()
	}
	batch.timer = b.clk.AfterFunc(wait, b.Flush)
}

// Flush atomically detaches the live batch and hands its events to flushFn.
// A batch is flushed exactly once: concurrent submits either land in the
// batch before detachment or start the next one.
func (b *Buffer) Flush() {
	b.mu.Lock()
	batch := b.pending
	if batch == nil || batch.flushed || len(batch.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch.flushed = true
	if batch.timer != nil {
		batch.timer.Stop()
	}
	b.pending = nil
	events := batch.events
	reason := FlushQuiet
	if b.clk.Now().Sub(batch.firstAt) >= b.maxWait-time.Millisecond {
		reason = FlushMaxWait
	}
	b.mu.Unlock()

	b.flushFn(events, reason)
}

// HasPending reports whether a live batch with events exists.
func (b *Buffer) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil && len(b.pending.events) > 0
}

// Stop cancels any armed flush timer. Pending events stay buffered.
func (b *Buffer) Stop() {
	b.mu.Lock()
	if b.pending != nil && b.pending.timer != nil {
		b.pending.timer.Stop()
	}
	b.mu.Unlock()
}
