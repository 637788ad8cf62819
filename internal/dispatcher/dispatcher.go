// Package dispatcher moves fragments from the inbox into the reassembly
// table.
package dispatcher

import (
	"errors"
	"sync"

	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/log"
)

// Source is the queue side the dispatcher drains.
type Source interface {
	DrainAll() ([]core.Fragment, error)
}

// Router is the reassembly side fragments are routed into.
type Router interface {
	Append(f core.Fragment) error
	Complete(f core.Fragment) error
}

// Dispatcher drains a Source in batches and routes every fragment by peer.
type Dispatcher struct {
	source Source
	router Router

	wg      sync.WaitGroup
	routed  uint64
	refused uint64
	mu      sync.Mutex
}

// New creates a dispatcher.
func New(source Source, router Router) *Dispatcher {
	return &Dispatcher{source: source, router: router}
}

// Start runs the dispatch loop in its own goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Run()
	}()
}

// Wait blocks until the loop started by Start returns, which happens once
// the source is closed and drained.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Run drains the source until it reports core.ErrClosed.
func (d *Dispatcher) Run() {
	logger := log.GetLogger()
	logger.Debug("dispatcher started")
	defer logger.Debug("dispatcher stopped")

	for {
		batch, err := d.source.DrainAll()
		if err != nil {
			if !errors.Is(err, core.ErrClosed) {
				logger.WithError(err).Error("inbox drain failed")
			}
			return
		}
		for _, f := range batch {
			d.route(f)
		}
	}
}

func (d *Dispatcher) route(f core.Fragment) {
	var err error
	if f.Mode.WholeMessage() {
		err = d.router.Complete(f)
	} else {
		err = d.router.Append(f)
	}

	d.mu.Lock()
	if err != nil {
		d.refused++
	} else {
		d.routed++
	}
	d.mu.Unlock()

	if err != nil {
		log.GetLogger().WithError(err).
			WithField("peer", f.Peer.String()).
			WithField("bytes", len(f.Data)).
			Warn("fragment not routed")
	}
}

// Stats returns how many fragments were routed and refused so far.
func (d *Dispatcher) Stats() (routed, refused uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.routed, d.refused
}
