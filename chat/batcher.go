package chat

import (
	"sync"
	"time"
)

// Batcher coalesces a high-frequency stream of items into bounded batches so
// downstream processing runs per batch instead of per item. A batch is flushed
// when it reaches MaxBatchSize, when the wait timer fires, when the consumer
// reports a foreground transition, or on Close. Items are handed to the flush
// handler exactly once, in arrival order, in contiguous batches.
type Batcher[T any] struct {
	maxBatchSize int
	maxWait      time.Duration
	onFlush      func([]T)

	// flushMu is held from buffer swap through onFlush return so concurrent
	// flush triggers (timer, size, foreground, close) deliver in swap order.
	// Lock order: flushMu before mu.
	flushMu sync.Mutex

	mu     sync.Mutex
	buf    []T
	timer  *time.Timer
	closed bool
}

const (
	// DefaultMaxBatchSize forces a flush once this many items are pending.
	DefaultMaxBatchSize = 50
	// DefaultMaxWait bounds how long an item sits in the buffer before a
	// timer-driven flush when the size trigger never fires.
	DefaultMaxWait = 250 * time.Millisecond
)

// NewBatcher returns a batcher delivering batches to onFlush. Zero or negative
// options fall back to the defaults. onFlush runs on the timer goroutine or on
// the caller's goroutine for size/foreground/close flushes; deliveries are
// serialized, so it is never invoked concurrently with itself for the same
// batcher and batches arrive in the order their items did.
func NewBatcher[T any](onFlush func([]T), maxBatchSize int, maxWait time.Duration) *Batcher[T] {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Batcher[T]{maxBatchSize: maxBatchSize, maxWait: maxWait, onFlush: onFlush}
}

// Add appends an item. Reaching the size bound flushes synchronously (after
// any in-flight delivery finishes); otherwise a flush is scheduled if none is
// pending.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, item)
	full := len(b.buf) >= b.maxBatchSize
	if !full && b.timer == nil {
		b.timer = time.AfterFunc(b.maxWait, b.timerFlush)
	}
	b.mu.Unlock()
	if full {
		b.deliverPending()
	}
}

// Foreground flushes any pending items immediately. Consumers call this when
// the display becomes visible again so a backlog accumulated while hidden is
// not replayed on the next timer tick.
func (b *Batcher[T]) Foreground() {
	b.deliverPending()
}

// Close flushes remaining items synchronously and stops the batcher. Add
// becomes a no-op afterwards; no item is silently dropped.
func (b *Batcher[T]) Close() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.swapLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.onFlush(batch)
	}
}

// Len reports the number of pending items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

func (b *Batcher[T]) timerFlush() {
	b.deliverPending()
}

// deliverPending swaps the buffer out and runs the flush handler under
// flushMu. A trigger that loses the race to an earlier flush finds the buffer
// empty and no-ops, so every item is delivered exactly once.
func (b *Batcher[T]) deliverPending() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	if b.closed || len(b.buf) == 0 {
		// Clear a timer that raced an empty buffer (e.g. after a size flush).
		if b.timer != nil {
			b.timer.Stop()
			b.timer = nil
		}
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.swapLocked()
	b.mu.Unlock()
	b.onFlush(batch)
}

// swapLocked atomically takes the buffered batch; items added while the
// handler runs start a fresh batch. Caller holds b.mu.
func (b *Batcher[T]) swapLocked() []T {
	batch := b.buf
	b.buf = nil
	return batch
}
