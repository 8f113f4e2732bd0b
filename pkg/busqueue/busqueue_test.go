package busqueue

import (
	"testing"

	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/stretchr/testify/assert"
)

func TestCoEQueueSubmitDequeueComplete(t *testing.T) {
	q := NewCoEQueue()
	assert.Nil(t, q.TryDequeue())

	req := &CoERequest{Object: dataobject.CoEObject{SlaveID: 1, Index: 0x6000}, IsRead: true}
	q.Submit(req)

	dequeued := q.TryDequeue()
	assert.Same(t, req, dequeued)
	assert.Nil(t, q.TryDequeue())

	q.Complete(req, Processed)
	assert.Equal(t, Processed, req.Status)
}

func TestPDOQueueFIFO(t *testing.T) {
	q := NewPDOQueue()
	first := &PDOWriteRequest{PDO: dataobject.PDO{SlaveID: 1, Index: 1}}
	second := &PDOWriteRequest{PDO: dataobject.PDO{SlaveID: 1, Index: 2}}
	q.Submit(first)
	q.Submit(second)

	assert.Same(t, first, q.TryDequeue())
	assert.Same(t, second, q.TryDequeue())
	assert.Nil(t, q.TryDequeue())
}

func TestResetQueueFIFO(t *testing.T) {
	q := NewResetQueue()
	q.Submit(&RegisterResetRequest{SlaveID: 3})
	req := q.TryDequeue()
	assert.Equal(t, uint32(3), req.SlaveID)
	assert.Nil(t, q.TryDequeue())
}
