package search

import (
	"testing"

	ek "github.com/etherkitten/etherkitten"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndViewOrder(t *testing.T) {
	l := NewSearchList[int](8)
	for i := 0; i < 200; i++ {
		l.Append(i, ek.TimeStamp(i*100))
	}
	view := l.GetView(ek.TimeSeries{StartTime: 0, MicroStep: 0})
	require.False(t, view.IsEmpty())
	count := 0
	var lastTime ek.TimeStamp
	for view.HasNext() {
		v, ts := view.Next()
		assert.Equal(t, count, v)
		assert.GreaterOrEqual(t, ts, lastTime)
		lastTime = ts
		count++
	}
	assert.Equal(t, 200, count)
}

func TestViewStartTimeSkipsEarlierSamples(t *testing.T) {
	l := NewSearchList[int](8)
	for i := 0; i < 500; i++ {
		l.Append(i, ek.TimeStamp(i))
	}
	view := l.GetView(ek.TimeSeries{StartTime: 250, MicroStep: 0})
	require.True(t, view.HasNext())
	v, ts := view.Next()
	assert.Equal(t, 250, v)
	assert.EqualValues(t, 250, ts)
}

func TestViewMicroStepCadence(t *testing.T) {
	l := NewSearchList[int](8)
	for i := 0; i < 100; i++ {
		l.Append(i, ek.TimeStamp(i))
	}
	view := l.GetView(ek.TimeSeries{StartTime: 0, MicroStep: 10})
	var prev ek.TimeStamp
	first := true
	for view.HasNext() {
		_, ts := view.Next()
		if !first {
			assert.GreaterOrEqual(t, ts, prev+10)
		}
		first = false
		prev = ts
	}
}

func TestEmptyListView(t *testing.T) {
	l := NewSearchList[int](8)
	view := l.GetView(ek.TimeSeries{})
	assert.True(t, view.IsEmpty())
	assert.False(t, view.HasNext())
}

func TestRemoveOldestPreservesLiveViewChain(t *testing.T) {
	l := NewSearchList[int](8) // one node is 8*nodeCapacity bytes, so the budget below covers 20 nodes
	for i := 0; i < nodeCapacity*10; i++ {
		l.Append(i, ek.TimeStamp(i))
	}
	// A view parked near the start keeps its chain alive.
	oldView := l.GetView(ek.TimeSeries{StartTime: 0, MicroStep: 0})
	require.True(t, oldView.HasNext())
	v, ts := oldView.Next()
	assert.Equal(t, 0, v)
	assert.EqualValues(t, 0, ts)

	freed := l.RemoveOldest(8 * nodeCapacity * 20)
	assert.Zero(t, freed, "the node the live view references must not be freed")

	// The view can still walk forward through the whole history.
	count := 1
	for oldView.HasNext() {
		oldView.Next()
		count++
	}
	assert.Equal(t, nodeCapacity*10, count)
}

func TestRemoveOldestFreesUnreferencedNodes(t *testing.T) {
	bytesPerSample := 8
	l := NewSearchList[int](bytesPerSample)
	for i := 0; i < nodeCapacity*5; i++ {
		l.Append(i, ek.TimeStamp(i))
	}
	freed := l.RemoveOldest(bytesPerSample * nodeCapacity * 2)
	assert.Greater(t, freed, 0)

	view := l.GetView(ek.TimeSeries{StartTime: 0, MicroStep: 0})
	require.True(t, view.HasNext())
	_, ts := view.Next()
	assert.Greater(t, ts, ek.TimeStamp(0), "early samples should have been evicted")
}

func TestRemoveOldestDropsHistoryAndStrideRefs(t *testing.T) {
	bytesPerSample := 8
	l := NewSearchList[int](bytesPerSample)
	for i := 0; i < nodeCapacity*50; i++ {
		l.Append(i, ek.TimeStamp(i))
	}
	beforeLen := int64(len(l.history))
	assert.Equal(t, l.length.Load(), beforeLen, "history should track exactly the live nodes")

	evicted := 0
	for {
		freed := l.RemoveOldest(bytesPerSample * nodeCapacity)
		if freed == 0 {
			break
		}
		evicted++
		if evicted > 1000 {
			t.Fatal("RemoveOldest never converges")
		}
	}

	assert.Equal(t, l.length.Load(), int64(len(l.history)), "history must shrink in lockstep with eviction, never retain evicted nodes")

	tail := l.tail.Load()
	head := l.head.Load()
	for n := tail; n != nil; n = n.next.Load() {
		for _, ref := range n.strideRefs {
			assert.GreaterOrEqual(t, ref.order, tail.order, "a live node cannot be strideRef'd by an already-evicted node")
		}
		if n == head {
			break
		}
	}
}

func TestStrideDeltaGrowth(t *testing.T) {
	assert.EqualValues(t, 0, strideDelta(0))
	assert.EqualValues(t, 0, strideDelta(3))
	assert.EqualValues(t, 1, strideDelta(4))
	assert.EqualValues(t, 1, strideDelta(7))
	assert.EqualValues(t, 2, strideDelta(8))
}
