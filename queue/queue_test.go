package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMinHeapOrder(t *testing.T) {
	pq := NewMin(4)
	for _, d := range []float32{3, 1, 4, 1.5, 0.5} {
		pq.PushItem(Item{Row: uint32(d * 10), Distance: d})
	}
	assert.Equal(t, float32(0.5), pq.Top().Distance)

	prev := float32(-1)
	for pq.Len() > 0 {
		it := pq.PopItem()
		assert.GreaterOrEqual(t, it.Distance, prev)
		prev = it.Distance
	}
}

func TestMaxHeapDrainIsWorstToBest(t *testing.T) {
	pq := NewMax(4)
	for _, d := range []float32{3, 1, 4, 1.5} {
		pq.PushItem(Item{Distance: d})
	}
	assert.Equal(t, float32(4), pq.Top().Distance)

	items := pq.Drain()
	assert.Len(t, items, 4)
	for i := 1; i < len(items); i++ {
		assert.LessOrEqual(t, items[i].Distance, items[i-1].Distance)
	}
	assert.Zero(t, pq.Len())
}

func TestReset(t *testing.T) {
	pq := NewMin(2)
	pq.PushItem(Item{Distance: 1})
	pq.Reset()
	assert.Zero(t, pq.Len())
}
