package sim

import (
	"container/heap"
	"sort"
)

// PollingLinkQueue holds events for links whose receiver polls via
// Link.Recv instead of registering a handler. Ordering is by delivery time
// only; the polling API hands items over at or after their delivery time, so
// priority never matters here. Same-cycle events come out in insertion
// order, tracked by an arrival counter local to the queue.
type PollingLinkQueue struct {
	data    pollHeap
	arrival uint64
}

// NewPollingLinkQueue creates an empty polling queue.
func NewPollingLinkQueue() *PollingLinkQueue {
	pq := &PollingLinkQueue{}
	heap.Init(&pq.data)
	return pq
}

func (pq *PollingLinkQueue) Empty() bool { return len(pq.data) == 0 }
func (pq *PollingLinkQueue) Size() int   { return len(pq.data) }

func (pq *PollingLinkQueue) Insert(a Activity) error {
	pq.arrival++
	heap.Push(&pq.data, pollEntry{a: a, arrival: pq.arrival})
	return nil
}

func (pq *PollingLinkQueue) Pop() Activity {
	if len(pq.data) == 0 {
		return nil
	}
	return heap.Pop(&pq.data).(pollEntry).a
}

func (pq *PollingLinkQueue) Front() Activity {
	if len(pq.data) == 0 {
		return nil
	}
	return pq.data[0].a
}

// Ordered returns a copy of the contents in readiness order without
// disturbing the queue.
func (pq *PollingLinkQueue) Ordered() []Activity {
	entries := make([]pollEntry, len(pq.data))
	copy(entries, pq.data)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].a.DeliveryTime() != entries[j].a.DeliveryTime() {
			return entries[i].a.DeliveryTime() < entries[j].a.DeliveryTime()
		}
		return entries[i].arrival < entries[j].arrival
	})
	out := make([]Activity, len(entries))
	for i, e := range entries {
		out[i] = e.a
	}
	return out
}

type pollEntry struct {
	a       Activity
	arrival uint64
}

type pollHeap []pollEntry

func (h pollHeap) Len() int { return len(h) }
func (h pollHeap) Less(i, j int) bool {
	if h[i].a.DeliveryTime() != h[j].a.DeliveryTime() {
		return h[i].a.DeliveryTime() < h[j].a.DeliveryTime()
	}
	return h[i].arrival < h[j].arrival
}
func (h pollHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pollHeap) Push(x any) {
	*h = append(*h, x.(pollEntry))
}

func (h *pollHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}
