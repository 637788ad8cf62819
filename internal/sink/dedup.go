package sink

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/metrics"
)

// Dedup suppresses repeated (user, fingerprint) reports within a window.
// Only successful deliveries are remembered. A repeat that arrives while the
// same key is in flight waits for that outcome before deciding.
type Dedup struct {
	next   Sink
	window time.Duration
	seen   *cache.Cache

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// WithDedup wraps next with a Dedup decorator. A non-positive window returns
// next unchanged.
func WithDedup(next Sink, window time.Duration) Sink {
	if window <= 0 {
		return next
	}
	return &Dedup{
		next:     next,
		window:   window,
		seen:     cache.New(window, 2*window),
		inflight: make(map[string]chan struct{}),
	}
}

func (d *Dedup) Name() string {
	return d.next.Name()
}

func (d *Dedup) Deliver(ctx context.Context, r *core.Report) error {
	key := r.User + "\x00" + r.Fingerprint
	for {
		d.mu.Lock()
		if _, found := d.seen.Get(key); found {
			d.mu.Unlock()
			metrics.DedupSuppressedTotal.Inc()
			log.GetLogger().WithField("user", r.User).WithField("fingerprint", r.Fingerprint).
				Debug("duplicate report suppressed")
			return nil
		}
		done, busy := d.inflight[key]
		if !busy {
			d.inflight[key] = make(chan struct{})
			d.mu.Unlock()
			break
		}
		d.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := d.next.Deliver(ctx, r)

	d.mu.Lock()
	if err == nil {
		d.seen.SetDefault(key, struct{}{})
	}
	close(d.inflight[key])
	delete(d.inflight, key)
	d.mu.Unlock()
	return err
}

func (d *Dedup) Close(ctx context.Context) error {
	d.seen.Flush()
	return d.next.Close(ctx)
}
