// Package queue provides the distance-ordered priority queues used by
// graph traversal.
package queue

import "container/heap"

// Item is one entry in a priority queue: a row and its distance to the
// query.
type Item struct {
	Row      uint32
	Distance float32
}

// PriorityQueue is a binary heap of Items. Max controls the ordering:
// a min-heap explores closest-first, a max-heap keeps the K best results
// by evicting the worst.
type PriorityQueue struct {
	items []Item
	max   bool
}

// NewMin creates a min-heap (closest item on top).
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]Item, 0, capacity)}
}

// NewMax creates a max-heap (farthest item on top).
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]Item, 0, capacity), max: true}
}

// Len returns the number of queued items.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Less implements heap.Interface.
func (pq *PriorityQueue) Less(i, j int) bool {
	if pq.max {
		return pq.items[i].Distance > pq.items[j].Distance
	}
	return pq.items[i].Distance < pq.items[j].Distance
}

// Swap implements heap.Interface.
func (pq *PriorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
}

// Push implements heap.Interface. Use PushItem instead.
func (pq *PriorityQueue) Push(x any) {
	pq.items = append(pq.items, x.(Item))
}

// Pop implements heap.Interface. Use PopItem instead.
func (pq *PriorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	pq.items = old[:n-1]
	return item
}

// PushItem adds an item preserving heap order.
func (pq *PriorityQueue) PushItem(it Item) {
	heap.Push(pq, it)
}

// PopItem removes and returns the top item.
func (pq *PriorityQueue) PopItem() Item {
	return heap.Pop(pq).(Item)
}

// Top returns the top item without removing it.
func (pq *PriorityQueue) Top() Item {
	return pq.items[0]
}

// Reset empties the queue, retaining capacity.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}

// Drain pops all items into a slice ordered worst-to-best for a max-heap
// and best-to-worst for a min-heap.
func (pq *PriorityQueue) Drain() []Item {
	out := make([]Item, 0, pq.Len())
	for pq.Len() > 0 {
		out = append(out, pq.PopItem())
	}
	return out
}
