// Package search implements SearchList, the append-only, time-indexed
// history store described in spec.md section 4.1: single writer, many
// concurrent readers, lookup by time via doubling "stride" pointers
// (see findNode for its cost), and cooperative tail eviction that never frees a node a live
// view still reaches.
//
// The teacher repository has no equivalent of this component (CANopen's
// object dictionary is not a time series); the design here follows
// spec.md's algorithm description directly, expressed the way the
// teacher expresses other owning-handle/shared-reference data structures
// (e.g. pkg/od's Streamer holds a pointer into a parent Variable's byte
// slice rather than copying).
package search

import (
	"sync"
	"sync/atomic"

	ek "github.com/etherkitten/etherkitten"
)

// nodeCapacity is K in spec.md: samples packed per node for cache locality.
const nodeCapacity = 32

// strideGrowthPeriod is S in spec.md: the stride doubles every S nodes.
const strideGrowthPeriod = 4

// node is one link in the chain. Only the values/times slices of the
// current head node may still be appended to; next is stored once, when
// the following node is published (release-stored into next/head,
// acquire-loaded by readers, per spec.md section 5's ordering guarantee),
// and stride/strideRefs change only on eviction, as described below.
type node[T any] struct {
	values []T
	times  []ek.TimeStamp
	order  uint64 // position of this node from the tail

	// stride is this node's backward skip pointer, built at append time
	// and nulled out by RemoveOldest if the target node it points to is
	// evicted -- so it is atomic: a reader in findNode may load it
	// concurrently with the writer clearing it.
	stride atomic.Pointer[node[T]]
	// strideRefs lists the nodes whose stride pointer targets this node.
	// RemoveOldest walks it before freeing this node and clears every
	// listed stride pointer, so a still-live node's skip pointer can
	// never keep an evicted node reachable.
	strideRefs []*node[T]

	next atomic.Pointer[node[T]]
	// refs counts live views that hold a reference to this node.
	// RemoveOldest only frees a node once refs drops to zero.
	refs atomic.Int64
}

func (n *node[T]) lastTime() ek.TimeStamp { return n.times[len(n.times)-1] }

// SearchList is an append-only history store for one series of typed,
// timestamped samples.
type SearchList[T any] struct {
	mu   sync.Mutex // serializes Append/RemoveOldest against each other; readers never take it
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]] // oldest live node, walked by RemoveOldest

	length    atomic.Int64
	bytesHint int // approximate per-sample byte size, for RemoveOldest budgeting

	// history is a queue of currently-live nodes in append order --
	// history[0] is always the current tail -- used only to resolve a new
	// node's stride target by position at append time. RemoveOldest pops
	// its front as nodes are evicted, so it never outgrows the live node
	// count and never keeps an evicted node reachable by itself. Only the
	// writer touches it (under mu), so it needs no synchronization of its
	// own.
	history []*node[T]
}

func NewSearchList[T any](bytesPerSample int) *SearchList[T] {
	return &SearchList[T]{bytesHint: bytesPerSample}
}

// Append adds one timestamped sample. Single-writer only: the caller
// must guarantee time is >= every previously appended time, and must not
// call Append concurrently with itself.
func (l *SearchList[T]) Append(value T, time ek.TimeStamp) {
	l.mu.Lock()
	defer l.mu.Unlock()

	head := l.head.Load()
	if head != nil && len(head.values) < nodeCapacity {
		head.values = append(head.values, value)
		head.times = append(head.times, time)
		return
	}

	n := &node[T]{
		values: make([]T, 1, nodeCapacity),
		times:  make([]ek.TimeStamp, 1, nodeCapacity),
	}
	n.values[0] = value
	n.times[0] = time
	if head == nil {
		n.order = 0
	} else {
		n.order = head.order + 1
	}
	if delta := strideDelta(n.order); delta > 0 && delta <= n.order {
		target := n.order - delta
		if tail := l.tail.Load(); tail != nil && target >= tail.order {
			if idx := target - tail.order; idx < uint64(len(l.history)) {
				targetNode := l.history[idx]
				n.stride.Store(targetNode)
				targetNode.strideRefs = append(targetNode.strideRefs, n)
			}
		}
		// target already evicted: leave n.stride nil. findNode falls back
		// to a linear walk in that case, which only happens for samples
		// old enough to have already aged out of the budget anyway.
	}
	l.history = append(l.history, n)

	if head == nil {
		l.tail.Store(n)
	} else {
		head.next.Store(n)
	}
	l.head.Store(n)
	l.length.Add(1)
}

// strideDelta returns Δ = 2^floor(log2(order/S)) for order >= S, else 0.
func strideDelta(order uint64) uint64 {
	if order < strideGrowthPeriod {
		return 0
	}
	n := order / strideGrowthPeriod
	shift := uint64(0)
	for (uint64(1) << (shift + 1)) <= n {
		shift++
	}
	return uint64(1) << shift
}

// View is a forward-only cursor over a SearchList. New views may be
// requested at any time; an existing view only moves forward. It keeps
// the node it currently points at alive by holding a reference.
type View[T any] struct {
	list      *SearchList[T]
	series    ek.TimeSeries
	cur       *node[T]
	idx       int // index into cur.values of the next unread sample
	lastYield ek.TimeStamp
	started   bool
}

// GetView returns a lazy cursor positioned at the first node with
// time >= series.StartTime.
func (l *SearchList[T]) GetView(series ek.TimeSeries) *View[T] {
	start := l.findNode(series.StartTime)
	if start != nil {
		start.refs.Add(1)
	}
	return &View[T]{list: l, series: series, cur: start}
}

// findNode starts at head and follows stride links backward (toward the
// tail) while the stride target's last sample time is still greater than
// startTime, then walks forward one node at a time from the first
// undershooting position. The backward hops are logarithmic in the node
// count, but the forward walk can cover the whole span of the last
// stride (up to a quarter of the nodes before it), so the worst-case
// positioning cost is linear, not O(log N).
func (l *SearchList[T]) findNode(startTime ek.TimeStamp) *node[T] {
	head := l.head.Load()
	if head == nil {
		return nil
	}
	n := head
	for {
		s := n.stride.Load()
		if s == nil || s.lastTime() <= startTime {
			break
		}
		n = s
	}
	if s := n.stride.Load(); s != nil {
		n = s // first node known to undershoot (or land exactly)
	} else {
		n = l.tail.Load() // no stride available; walk forward from the oldest live node
	}
	for n != nil && n.lastTime() < startTime {
		next := n.next.Load()
		if next == nil {
			break
		}
		n = next
	}
	return n
}

// IsEmpty reports whether the view has no node to read from at all.
func (v *View[T]) IsEmpty() bool { return v.cur == nil }

// HasNext reports whether advancing would yield another qualifying sample.
func (v *View[T]) HasNext() bool {
	cur := v.cur
	idx := v.idx
	for cur != nil {
		for idx < len(cur.values) {
			t := cur.times[idx]
			if !v.started || t >= v.lastYield+ek.TimeStamp(v.series.MicroStep) {
				return true
			}
			idx++
		}
		cur = cur.next.Load()
		idx = 0
	}
	return false
}

// Next advances the cursor and returns the next qualifying sample.
// Callers must check HasNext first.
func (v *View[T]) Next() (T, ek.TimeStamp) {
	for v.cur != nil {
		for v.idx < len(v.cur.values) {
			value, t := v.cur.values[v.idx], v.cur.times[v.idx]
			v.idx++
			if !v.started || t >= v.lastYield+ek.TimeStamp(v.series.MicroStep) {
				v.started = true
				v.lastYield = t
				return value, t
			}
		}
		nextNode := v.cur.next.Load()
		if nextNode != nil {
			nextNode.refs.Add(1)
		}
		v.cur.refs.Add(-1)
		v.cur = nextNode
		v.idx = 0
	}
	var zero T
	return zero, 0
}

// Time returns the timestamp of the last sample returned by Next.
func (v *View[T]) Time() ek.TimeStamp { return v.lastYield }

// Close releases the view's reference, allowing RemoveOldest to free the
// node it last held if no other view still needs it.
func (v *View[T]) Close() {
	if v.cur != nil {
		v.cur.refs.Add(-1)
		v.cur = nil
	}
}

// RemoveOldest deallocates oldest tail nodes whose combined size does not
// exceed maxBytes and which no live view still references, returning the
// number of bytes freed.
func (l *SearchList[T]) RemoveOldest(maxBytes int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	freed := 0
	for freed < maxBytes {
		tail := l.tail.Load()
		if tail == nil || tail == l.head.Load() {
			break // never free the head, even if unreferenced
		}
		if tail.refs.Load() > 0 {
			break // a live view still reaches this node
		}
		next := tail.next.Load()
		if next == nil {
			break
		}
		nodeBytes := len(tail.values) * l.bytesHint
		if freed+nodeBytes > maxBytes {
			break
		}

		// Clear any live node's stride pointer into tail before dropping
		// it, and pop it off history, so no remaining strong reference
		// keeps it reachable once it falls out of the next-chain below.
		for _, ref := range tail.strideRefs {
			ref.stride.Store(nil)
		}
		tail.strideRefs = nil
		if len(l.history) > 0 && l.history[0] == tail {
			l.history = l.history[1:]
		}

		l.tail.Store(next)
		l.length.Add(-1)
		freed += nodeBytes
	}
	return freed
}

// Len returns the number of live nodes (not samples).
func (l *SearchList[T]) Len() int64 { return l.length.Load() }

// NewestTime returns the timestamp of the most recent sample, or false
// if the list is empty.
func (l *SearchList[T]) NewestTime() (ek.TimeStamp, bool) {
	head := l.head.Load()
	if head == nil {
		return 0, false
	}
	return head.lastTime(), true
}
