// Package reassembly turns per-peer fragments into complete messages.
//
// Datagram peers are completed by a quiescence heuristic: a message is done
// once its length stayed unchanged for a full interval. A single watcher
// goroutine checks every accumulating peer from a deadline heap.
package reassembly

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/metrics"
)

const DefaultQuiescence = 2 * time.Second

// Options bounds the reassembly table.
type Options struct {
	// Quiescence is the silence that marks a datagram message complete.
	Quiescence time.Duration
	// MaxMessageBytes completes a message as soon as it reaches this size.
	// Zero disables the cap.
	MaxMessageBytes int
	// MaxAccumulation completes a message that has been accumulating longer
	// than this, even if fragments keep arriving. Zero disables it.
	MaxAccumulation time.Duration
	// MaxPeers caps concurrently accumulating peers. Zero means unbounded.
	MaxPeers int
}

// CompleteFunc receives every finalized message. It is called outside the
// table lock and must not block for long.
type CompleteFunc func(core.Message)

type pendingMessage struct {
	peer        core.PeerID
	buf         []byte
	firstSeen   time.Time
	lastTouched time.Time
	baseline    int
	checkAt     time.Time
	index       int
}

func (pm *pendingMessage) finalize(reason core.CompletionReason) core.Message {
	return core.Message{
		Peer:      pm.peer,
		Data:      pm.buf,
		FirstSeen: pm.firstSeen,
		LastSeen:  pm.lastTouched,
		Reason:    reason,
	}
}

// Table owns the PeerID -> pending message mapping. All access goes through
// its methods, which serialize on one mutex.
type Table struct {
	opts       Options
	onComplete CompleteFunc

	mu      sync.Mutex
	pending map[core.PeerID]*pendingMessage
	checks  deadlineHeap
	closed  bool

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewTable creates a table and starts its watcher.
func NewTable(opts Options, onComplete CompleteFunc) *Table {
	if opts.Quiescence <= 0 {
		opts.Quiescence = DefaultQuiescence
	}
	t := &Table{
		opts:       opts,
		onComplete: onComplete,
		pending:    make(map[core.PeerID]*pendingMessage),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go t.watch()
	return t
}

// Append adds a datagram fragment to its peer's pending message, creating
// the message and its quiescence watch on the first fragment.
func (t *Table) Append(f core.Fragment) error {
	now := time.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.ErrClosed
	}

	pm, ok := t.pending[f.Peer]
	if !ok {
		if t.opts.MaxPeers > 0 && len(t.pending) >= t.opts.MaxPeers {
			t.mu.Unlock()
			metrics.PeersRejectedTotal.Inc()
			return core.ErrTooManyPeers
		}
		pm = &pendingMessage{
			peer:        f.Peer,
			buf:         append([]byte(nil), f.Data...),
			firstSeen:   now,
			lastTouched: now,
			index:       -1,
		}
		pm.baseline = len(pm.buf)
		t.pending[f.Peer] = pm
		t.checks.schedule(pm, now.Add(t.opts.Quiescence))
		metrics.PendingMessages.Set(float64(len(t.pending)))
		t.signal()
	} else {
		pm.buf = append(pm.buf, f.Data...)
		if now.After(pm.lastTouched) {
			pm.lastTouched = now
		}
	}

	var completed []core.Message
	if t.opts.MaxMessageBytes > 0 && len(pm.buf) >= t.opts.MaxMessageBytes {
		completed = append(completed, t.removeLocked(pm, core.ReasonMaxBytes))
	}
	t.mu.Unlock()

	t.emit(completed)
	return nil
}

// Complete handles a fragment that is already a whole message. It goes
// through the table so a peer never has two live messages, then completes
// immediately without a quiescence watch.
func (t *Table) Complete(f core.Fragment) error {
	now := time.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return core.ErrClosed
	}
	pm, ok := t.pending[f.Peer]
	if ok {
		pm.buf = append(pm.buf, f.Data...)
		pm.lastTouched = now
	} else {
		pm = &pendingMessage{
			peer:        f.Peer,
			buf:         append([]byte(nil), f.Data...),
			firstSeen:   now,
			lastTouched: now,
			index:       -1,
		}
		t.pending[f.Peer] = pm
	}
	msg := t.removeLocked(pm, core.ReasonStream)
	t.mu.Unlock()

	t.emit([]core.Message{msg})
	return nil
}

// Has reports whether a message is accumulating for peer.
func (t *Table) Has(peer core.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[peer]
	return ok
}

// Len returns the number of accumulating peers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close stops the watcher. With flush every accumulating message is
// completed with core.ReasonShutdown, otherwise they are discarded.
func (t *Table) Close(flush bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true

	var completed []core.Message
	remaining := make([]*pendingMessage, 0, len(t.pending))
	for _, pm := range t.pending {
		remaining = append(remaining, pm)
	}
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].firstSeen.Before(remaining[j].firstSeen)
	})
	for _, pm := range remaining {
		msg := t.removeLocked(pm, core.ReasonShutdown)
		if flush {
			completed = append(completed, msg)
		}
	}
	t.mu.Unlock()

	close(t.stop)
	<-t.done

	if !flush && len(remaining) > 0 {
		log.GetLogger().WithField("pending", len(remaining)).Warn("discarding unfinished messages on close")
	}
	t.emit(completed)
}

// removeLocked takes pm out of the table and the heap and finalizes it.
func (t *Table) removeLocked(pm *pendingMessage, reason core.CompletionReason) core.Message {
	t.checks.unschedule(pm)
	delete(t.pending, pm.peer)
	metrics.PendingMessages.Set(float64(len(t.pending)))
	return pm.finalize(reason)
}

func (t *Table) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Table) emit(msgs []core.Message) {
	for _, msg := range msgs {
		metrics.MessagesCompletedTotal.WithLabelValues(string(msg.Reason)).Inc()
		metrics.MessageSizeBytes.Observe(float64(len(msg.Data)))
		if t.onComplete != nil {
			t.onComplete(msg)
		}
	}
}

// watch is the single watcher loop. It sleeps until the earliest scheduled
// check, re-reads the message length and either reschedules or completes.
func (t *Table) watch() {
	defer close(t.done)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		completed, wait, idle := t.runDue(time.Now())
		t.emit(completed)

		if idle {
			select {
			case <-t.stop:
				return
			case <-t.wake:
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-t.stop:
			return
		case <-t.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}
	}
}

// runDue processes every check whose deadline has passed and returns the
// completed messages plus the delay to the next check.
func (t *Table) runDue(now time.Time) (completed []core.Message, wait time.Duration, idle bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		pm, ok := t.checks.next()
		if !ok {
			return completed, 0, true
		}
		if d := pm.checkAt.Sub(now); d > 0 {
			return completed, d, false
		}
		heap.Pop(&t.checks)

		switch {
		case t.opts.MaxAccumulation > 0 && now.Sub(pm.firstSeen) >= t.opts.MaxAccumulation:
			completed = append(completed, t.removeLocked(pm, core.ReasonMaxAge))
		case len(pm.buf) != pm.baseline:
			pm.baseline = len(pm.buf)
			t.checks.schedule(pm, now.Add(t.opts.Quiescence))
		default:
			completed = append(completed, t.removeLocked(pm, core.ReasonQuiescence))
		}
	}
}
