// Package coeproxy implements the CoE cache & proxy described in
// spec.md section 4.7: it caches the newest DataPoint per CoEObject
// that the bus reader publishes after a CoE request, exposing it through a
// newest-value-view whose cache swap is a single atomic pointer store
// so concurrent readers always observe a consistent point. Grounded on
// gocanopen's emergency consumer (pkg/emergency), which keeps the
// latest received emergency message behind an atomic-guarded field for
// lock-free reads from other goroutines.
package coeproxy

import (
	"sync"
	"sync/atomic"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
)

// DataPoint pairs a raw value buffer with the time it was observed.
type DataPoint struct {
	Value []byte
	Time  ek.TimeStamp
}

// Cache caches the newest DataPoint per CoEObject.
type Cache struct {
	mu      sync.RWMutex
	pointer map[dataobject.CoEObject]*atomic.Pointer[DataPoint]
}

func NewCache() *Cache {
	return &Cache{pointer: map[dataobject.CoEObject]*atomic.Pointer[DataPoint]{}}
}

func (c *Cache) slot(obj dataobject.CoEObject) *atomic.Pointer[DataPoint] {
	c.mu.RLock()
	p, ok := c.pointer[obj]
	c.mu.RUnlock()
	if ok {
		return p
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pointer[obj]; ok {
		return p
	}
	p = &atomic.Pointer[DataPoint]{}
	c.pointer[obj] = p
	return p
}

// Publish atomically swaps in a new cached point for obj. value is
// copied so later mutation of the caller's buffer cannot race readers.
func (c *Cache) Publish(obj dataobject.CoEObject, value []byte, time ek.TimeStamp) {
	owned := make([]byte, len(value))
	copy(owned, value)
	c.slot(obj).Store(&DataPoint{Value: owned, Time: time})
}

// NewestValueView dereferences to the latest point for one CoEObject,
// or reports empty until the first reply arrives.
type NewestValueView struct {
	slot *atomic.Pointer[DataPoint]
}

func (c *Cache) NewestValueView(obj dataobject.CoEObject) NewestValueView {
	return NewestValueView{slot: c.slot(obj)}
}

// Objects returns a snapshot of every CoEObject that has ever been
// published to this cache, for callers (the logger) that need to poll
// every tracked object rather than look one up by key.
func (c *Cache) Objects() []dataobject.CoEObject {
	c.mu.RLock()
	defer c.mu.RUnlock()
	objs := make([]dataobject.CoEObject, 0, len(c.pointer))
	for obj := range c.pointer {
		objs = append(objs, obj)
	}
	return objs
}

func (v NewestValueView) IsEmpty() bool {
	return v.slot.Load() == nil
}

// Point returns the current cached point and whether one exists yet.
func (v NewestValueView) Point() (DataPoint, bool) {
	p := v.slot.Load()
	if p == nil {
		return DataPoint{}, false
	}
	return *p, true
}
