// Package busqueue implements the single-producer-single-consumer
// request/reply queues between client threads and the realtime bus
// reader, per spec.md section 4.6: CoE update, PDO write,
// register-reset, and error publication. Each queue type is an
// unbounded slice guarded by a mutex (CoEQueue also broadcasts on a
// condition variable) rather than a lock-free
// structure -- gocanopen's own SDO client (pkg/sdo) serialises its
// request/response pairs behind a mutex in exactly this shape, so this
// follows that idiom instead of reaching for atomics where a blocking
// rendezvous is simpler and just as correct for one writer/one reader.
package busqueue

import (
	"sync"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
)

// RequestStatus is the lifecycle of a client request handled by the
// realtime loop.
type RequestStatus uint8

const (
	Pending RequestStatus = iota
	Processed
	Failed
)

// CoERequest is a CoE read or write request/reply record.
type CoERequest struct {
	Object      dataobject.CoEObject
	ValueBuffer []byte
	IsRead      bool
	Status      RequestStatus
}

// PDOWriteRequest writes valuePoint into the current IOMap at the PDO's
// absolute bit offset.
type PDOWriteRequest struct {
	PDO        dataobject.PDO
	ValuePoint []byte
	Status     RequestStatus
}

// RegisterResetRequest asks the bus reader to zero a slave's
// error-counter registers.
type RegisterResetRequest struct {
	SlaveID uint32
	Status  RequestStatus
}

// CoEQueue is a single-producer-single-consumer queue of CoE requests.
// Clients enqueue; the bus reader dequeues at most one per cycle and
// calls Complete, which sets Status in place under the queue's lock and
// broadcasts on the queue's condition variable.
type CoEQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*CoERequest
}

func NewCoEQueue() *CoEQueue {
	q := &CoEQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *CoEQueue) Submit(req *CoERequest) {
	q.mu.Lock()
	q.items = append(q.items, req)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// TryDequeue returns the oldest pending request, if any, without blocking.
func (q *CoEQueue) TryDequeue() *CoERequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req
}

// Complete marks req processed (or failed) and wakes any waiter.
func (q *CoEQueue) Complete(req *CoERequest, status RequestStatus) {
	q.mu.Lock()
	req.Status = status
	q.mu.Unlock()
	q.cond.Broadcast()
}

// PDOQueue is the SPSC queue of pending PDO write requests.
type PDOQueue struct {
	mu    sync.Mutex
	items []*PDOWriteRequest
}

func NewPDOQueue() *PDOQueue { return &PDOQueue{} }

func (q *PDOQueue) Submit(req *PDOWriteRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
}

func (q *PDOQueue) TryDequeue() *PDOWriteRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req
}

// ResetQueue is the SPSC queue of pending register-reset requests.
type ResetQueue struct {
	mu    sync.Mutex
	items []*RegisterResetRequest
}

func NewResetQueue() *ResetQueue { return &ResetQueue{} }

func (q *ResetQueue) Submit(req *RegisterResetRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
}

func (q *ResetQueue) TryDequeue() *RegisterResetRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req
}

// ErrorPublisher is the producer-only sink errors flow into before
// landing in the error SearchList; it exists as a seam so the realtime
// loop doesn't depend on pkg/search directly.
type ErrorPublisher interface {
	PublishError(ek.ErrorMessage)
}
