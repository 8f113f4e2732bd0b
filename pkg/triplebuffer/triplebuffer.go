// Package triplebuffer implements the lock-free 3-slot handoff between
// the realtime producer and the storage consumer described in spec.md
// section 4.2. The teacher repository has no analogue (CANopen's
// busManager hands frames off through channels); this is a from-scratch
// implementation of the classic triple-buffer technique, sized for N
// payload cells per slot as the spec requires.
package triplebuffer

import "sync/atomic"

// Cell is one payload slot. Valid is false until the producer has fully
// populated it for the current generation, letting the consumer detect
// a slot it observed before the producer finished writing (e.g. at
// startup).
type Cell[T any] struct {
	Value T
	Valid bool
}

type slot[T any] struct {
	cells []Cell[T]
}

func newSlot[T any](n int) *slot[T] {
	return &slot[T]{cells: make([]Cell[T], n)}
}

// TripleBuffer is a 3-slot handoff: one producer-private slot, one
// consumer-private slot, and one shared "latest" slot exchanged
// atomically between them.
type TripleBuffer[T any] struct {
	slots    [3]*slot[T]
	producer atomic.Int32 // index into slots, owned by the producer
	latest   atomic.Int32 // index into slots, the most recently published generation, plus freshBit
	consumer atomic.Int32 // index into slots, owned by the consumer
}

// freshBit is set in latest while the slot it names holds a generation
// the consumer has not swapped in yet.
const freshBit = 4

// New creates a TripleBuffer with each of the 3 slots carrying n cells.
func New[T any](n int) *TripleBuffer[T] {
	tb := &TripleBuffer[T]{
		slots: [3]*slot[T]{newSlot[T](n), newSlot[T](n), newSlot[T](n)},
	}
	tb.producer.Store(0)
	tb.latest.Store(1)
	tb.consumer.Store(2)
	return tb
}

// InitCells applies init to every cell across all 3 slots. Callers that
// hand the producer a per-cell buffer to reuse (spec.md section 9: the
// producer must not allocate) call this once at construction, before
// Start, instead of allocating on the realtime path.
func (tb *TripleBuffer[T]) InitCells(init func(*T)) {
	for _, s := range tb.slots {
		for i := range s.cells {
			init(&s.cells[i].Value)
		}
	}
}

// ProducerCells returns the producer's private slot for in-place writes.
// Never blocks, never allocates once the buffer is constructed.
func (tb *TripleBuffer[T]) ProducerCells() []Cell[T] {
	return tb.slots[tb.producer.Load()].cells
}

// SwapProducer atomically exchanges the producer's private slot with the
// shared "latest" slot, publishing every cell the producer just wrote.
func (tb *TripleBuffer[T]) SwapProducer() {
	prodIdx := tb.producer.Load()
	latestIdx := tb.latest.Swap(prodIdx | freshBit)
	tb.producer.Store(latestIdx &^ freshBit)
}

// SwapConsumer atomically exchanges the "latest" shared slot into the
// consumer's private slot, leaving what the consumer had behind for the
// producer to reuse. If nothing was published since the previous call,
// the consumer keeps its current slot. Returns the consumer's (now
// current) cells.
func (tb *TripleBuffer[T]) SwapConsumer() []Cell[T] {
	if tb.latest.Load()&freshBit != 0 {
		latestIdx := tb.latest.Swap(tb.consumer.Load())
		tb.consumer.Store(latestIdx &^ freshBit)
	}
	return tb.slots[tb.consumer.Load()].cells
}
