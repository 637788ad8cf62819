// Package inbox implements the hand-off queue between transport listeners
// and the dispatcher.
package inbox

import (
	"fmt"
	"sync"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/metrics"
)

// DropPolicy decides what happens when a bounded inbox is full.
type DropPolicy string

const (
	// DropTail rejects the incoming fragment.
	DropTail DropPolicy = "tail"
	// DropHead evicts the oldest queued fragment to make room.
	DropHead DropPolicy = "head"
	// Block makes Push wait until the dispatcher frees a slot.
	Block DropPolicy = "block"
)

// ParseDropPolicy validates a configured policy name.
func ParseDropPolicy(s string) (DropPolicy, error) {
	switch p := DropPolicy(s); p {
	case DropTail, DropHead, Block:
		return p, nil
	case "":
		return DropTail, nil
	}
	return "", fmt.Errorf("%w: unknown drop policy %q", core.ErrConfigInvalid, s)
}

// Inbox is a FIFO of fragments. Capacity 0 means unbounded.
type Inbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []core.Fragment
	capacity int
	policy   DropPolicy
	closed   bool
	dropped  uint64

	// OnDrop, when set, observes every fragment discarded by the policy.
	OnDrop func(core.Fragment)
}

// New creates an inbox with the given capacity and overflow policy.
func New(capacity int, policy DropPolicy) *Inbox {
	if policy == "" {
		policy = DropTail
	}
	q := &Inbox{
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push enqueues a fragment. Under DropTail a full inbox returns
// core.ErrInboxFull; under DropHead the oldest fragment is evicted and Push
// succeeds; under Block Push waits for space. Push on a closed inbox returns
// core.ErrClosed.
func (q *Inbox) Push(f core.Fragment) error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return core.ErrClosed
	}

	var evicted *core.Fragment
	if q.capacity > 0 && len(q.items) >= q.capacity {
		switch q.policy {
		case DropHead:
			old := q.items[0]
			q.items[0] = core.Fragment{}
			q.items = q.items[1:]
			q.dropped++
			evicted = &old
		case Block:
			for !q.closed && len(q.items) >= q.capacity {
				q.notFull.Wait()
			}
			if q.closed {
				q.mu.Unlock()
				return core.ErrClosed
			}
		default:
			q.dropped++
			q.mu.Unlock()
			q.drop(f)
			return core.ErrInboxFull
		}
	}

	q.items = append(q.items, f)
	metrics.InboxDepth.Set(float64(len(q.items)))
	q.notEmpty.Signal()
	q.mu.Unlock()

	if evicted != nil {
		q.drop(*evicted)
	}
	return nil
}

func (q *Inbox) drop(f core.Fragment) {
	if q.OnDrop != nil {
		q.OnDrop(f)
	}
}

// DrainAll blocks until at least one fragment is queued and returns every
// queued fragment in arrival order. After Close it returns whatever is left
// and then core.ErrClosed once empty.
func (q *Inbox) DrainAll() ([]core.Fragment, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, core.ErrClosed
	}

	batch := q.items
	q.items = nil
	metrics.InboxDepth.Set(0)
	q.notFull.Broadcast()
	return batch, nil
}

// Len returns the number of queued fragments.
func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many fragments the overflow policy discarded.
func (q *Inbox) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes every waiter. Pending fragments remain drainable.
func (q *Inbox) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}
