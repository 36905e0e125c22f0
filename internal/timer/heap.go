package timer

import (
	"container/heap"
	"time"
)

// entry is one scheduled callback. idx is the heap position, or -1 once the
// entry has left the heap for the ready queue.
type entry struct {
	id     int64
	fireAt time.Time
	seq    uint64
	cb     Callback
	idx    int
	dead   bool
}

// entryHeap orders by (fireAt, seq): equal fire times keep insertion order.
type entryHeap []*entry

var _ heap.Interface = (*entryHeap)(nil)

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.idx = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}
