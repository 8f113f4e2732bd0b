package coeproxy

import (
	"testing"

	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/stretchr/testify/assert"
)

func TestNewestValueViewEmptyUntilFirstPublish(t *testing.T) {
	c := NewCache()
	obj := dataobject.CoEObject{SlaveID: 1, Index: 0x6000}
	view := c.NewestValueView(obj)
	assert.True(t, view.IsEmpty())

	c.Publish(obj, []byte{1, 2, 3}, 100)
	assert.False(t, view.IsEmpty())

	point, ok := view.Point()
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, point.Value)
}

func TestPublishCopiesBuffer(t *testing.T) {
	c := NewCache()
	obj := dataobject.CoEObject{SlaveID: 1, Index: 0x6001}
	buf := []byte{9, 9}
	c.Publish(obj, buf, 1)
	buf[0] = 0

	point, _ := c.NewestValueView(obj).Point()
	assert.Equal(t, byte(9), point.Value[0])
}

func TestDistinctObjectsIndependentSlots(t *testing.T) {
	c := NewCache()
	a := dataobject.CoEObject{SlaveID: 1, Index: 1}
	b := dataobject.CoEObject{SlaveID: 1, Index: 2}
	c.Publish(a, []byte{1}, 1)
	assert.True(t, c.NewestValueView(b).IsEmpty())
}

func TestObjectsListsEveryPublishedKey(t *testing.T) {
	c := NewCache()
	a := dataobject.CoEObject{SlaveID: 1, Index: 1}
	b := dataobject.CoEObject{SlaveID: 1, Index: 2}
	c.Publish(a, []byte{1}, 1)
	c.Publish(b, []byte{2}, 1)

	objs := c.Objects()
	assert.ElementsMatch(t, []dataobject.CoEObject{a, b}, objs)
}
