package triplebuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProducerNeverBlocksConsumerSeesLatest(t *testing.T) {
	tb := New[int](4)

	for gen := 1; gen <= 1000; gen++ {
		cells := tb.ProducerCells()
		for i := range cells {
			cells[i] = Cell[int]{Value: gen, Valid: true}
		}
		tb.SwapProducer()
	}

	cells := tb.SwapConsumer()
	gen := cells[0].Value
	for _, c := range cells {
		assert.True(t, c.Valid)
		assert.Equal(t, gen, c.Value, "every cell in one slot must come from the same generation")
	}
	assert.GreaterOrEqual(t, gen, 1)
	assert.LessOrEqual(t, gen, 1000)
}

func TestConsumerNeverSeesHalfWrittenSlot(t *testing.T) {
	tb := New[int](4)

	cells := tb.ProducerCells()
	for i := range cells {
		cells[i] = Cell[int]{Value: 1, Valid: true}
	}
	tb.SwapProducer()

	// Producer starts generation 2 but has only written half the cells
	// when the consumer swaps.
	cells = tb.ProducerCells()
	cells[0] = Cell[int]{Value: 2, Valid: true}
	cells[1] = Cell[int]{Value: 2, Valid: true}

	got := tb.SwapConsumer()
	gen := got[0].Value
	for _, c := range got {
		assert.Equal(t, gen, c.Value)
	}
}

func TestStartupSlotNotValid(t *testing.T) {
	tb := New[int](2)
	cells := tb.SwapConsumer()
	for _, c := range cells {
		assert.False(t, c.Valid)
	}
}

func TestMultipleConsumerSwapsWithoutNewGenerationRepeat(t *testing.T) {
	tb := New[int](2)
	cells := tb.ProducerCells()
	cells[0] = Cell[int]{Value: 5, Valid: true}
	cells[1] = Cell[int]{Value: 5, Valid: true}
	tb.SwapProducer()

	first := tb.SwapConsumer()
	assert.Equal(t, 5, first[0].Value)
	second := tb.SwapConsumer()
	assert.Equal(t, 5, second[0].Value, "missing a new generation still yields the most recent completed one")
}
