package admission

import (
	"container/heap"
	"time"

	"github.com/marmos91/dittodav/pkg/dav"
)

// entry is a queued request together with its completion ticket.
type entry struct {
	req      *dav.Request
	ticket   *Ticket
	priority dav.Priority
	enqueued time.Time
	deadline time.Time
	seq      uint64
	index    int
}

// entryHeap orders entries by priority descending, then enqueue order.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// priorityQueue wraps the heap with per-tier depth counters. It is not
// synchronized; the pool guards it with its mutex.
type priorityQueue struct {
	h      entryHeap
	byTier [dav.PriorityCritical + 1]int
	peak   int
}

func (q *priorityQueue) Len() int { return q.h.Len() }

func (q *priorityQueue) push(e *entry) {
	heap.Push(&q.h, e)
	q.byTier[e.priority]++
	if n := q.h.Len(); n > q.peak {
		q.peak = n
	}
}

func (q *priorityQueue) pop() *entry {
	if q.h.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*entry)
	q.byTier[e.priority]--
	return e
}

// drain removes and returns every entry in dispatch order.
func (q *priorityQueue) drain() []*entry {
	out := make([]*entry, 0, q.h.Len())
	for e := q.pop(); e != nil; e = q.pop() {
		out = append(out, e)
	}
	return out
}
