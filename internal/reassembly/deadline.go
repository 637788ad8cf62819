package reassembly

import (
	"container/heap"
	"time"
)

// deadlineHeap orders pending messages by their next quiescence check.
// Every accumulating peer owns exactly one entry.
type deadlineHeap []*pendingMessage

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].checkAt.Before(h[j].checkAt) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	pm := x.(*pendingMessage)
	pm.index = len(*h)
	*h = append(*h, pm)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	pm := old[n-1]
	old[n-1] = nil
	pm.index = -1
	*h = old[:n-1]
	return pm
}

func (h *deadlineHeap) schedule(pm *pendingMessage, at time.Time) {
	pm.checkAt = at
	if pm.index >= 0 {
		heap.Fix(h, pm.index)
		return
	}
	heap.Push(h, pm)
}

func (h *deadlineHeap) unschedule(pm *pendingMessage) {
	if pm.index >= 0 {
		heap.Remove(h, pm.index)
	}
}

func (h deadlineHeap) next() (*pendingMessage, bool) {
	if len(h) == 0 {
		return nil, false
	}
	return h[0], true
}
