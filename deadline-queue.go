package fanproxy

import "container/heap"

// Priority queue of in-flight queries ordered by deadline. Queries track their own
// position in the heap so they can be removed when they complete early. Not safe
// for concurrent use, it's owned by the coordinator.
type deadlineQueue struct {
	items deadlineHeap
}

func (d *deadlineQueue) push(q *Query) {
	heap.Push(&d.items, q)
}

// Returns the query with the earliest deadline without removing it, or nil.
func (d *deadlineQueue) peek() *Query {
	if len(d.items) == 0 {
		return nil
	}
	return d.items[0]
}

func (d *deadlineQueue) pop() *Query {
	if len(d.items) == 0 {
		return nil
	}
	return heap.Pop(&d.items).(*Query)
}

// Removes a query from anywhere in the queue. Returns false if it wasn't queued.
func (d *deadlineQueue) remove(q *Query) bool {
	i := q.heapIndex
	if i < 0 || i >= len(d.items) || d.items[i] != q {
		return false
	}
	heap.Remove(&d.items, i)
	return true
}

func (d *deadlineQueue) len() int {
	return len(d.items)
}

type deadlineHeap []*Query

func (h deadlineHeap) Len() int { return len(h) }

func (h deadlineHeap) Less(i, j int) bool {
	if h[i].Deadline.Equal(h[j].Deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].Deadline.Before(h[j].Deadline)
}

func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *deadlineHeap) Push(x any) {
	q := x.(*Query)
	q.heapIndex = len(*h)
	*h = append(*h, q)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	q := old[n-1]
	old[n-1] = nil
	q.heapIndex = -1
	*h = old[:n-1]
	return q
}
