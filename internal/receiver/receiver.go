// Package receiver wires the listener, inbox, dispatcher, reassembly table,
// extraction pipeline and sink into one running process.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/kpanic/internal/config"
	"firestige.xyz/kpanic/internal/core"
	"firestige.xyz/kpanic/internal/dispatcher"
	"firestige.xyz/kpanic/internal/extract"
	"firestige.xyz/kpanic/internal/extract/builtin"
	"firestige.xyz/kpanic/internal/inbox"
	"firestige.xyz/kpanic/internal/log"
	"firestige.xyz/kpanic/internal/metrics"
	"firestige.xyz/kpanic/internal/reassembly"
	"firestige.xyz/kpanic/internal/sink"
	"firestige.xyz/kpanic/internal/transport"

	// Sink implementations register themselves by name.
	_ "firestige.xyz/kpanic/internal/sink/console"
	_ "firestige.xyz/kpanic/internal/sink/kafka"
	_ "firestige.xyz/kpanic/internal/sink/sentry"
)

const shutdownTimeout = 10 * time.Second

// Receiver owns every component of a running kernel panic receiver.
type Receiver struct {
	// Configuration
	config     *config.Config
	configPath string
	pidFile    string

	// Core components
	registry      *extract.Registry
	pipeline      *extract.Pipeline
	sink          sink.Sink
	listener      transport.Listener
	inbox         *inbox.Inbox
	table         *reassembly.Table
	dispatcher    *dispatcher.Dispatcher
	metricsServer *metrics.Server // nil if metrics disabled

	completed chan core.Message
	workers   sync.WaitGroup

	// Lifecycle management
	ctx        context.Context
	cancel     context.CancelFunc
	listenDone chan error
	started    bool
	stopOnce   sync.Once
	sigChan    chan os.Signal
}

// Option customizes a Receiver.
type Option func(*Receiver)

// WithSink delivers reports to s instead of the configured sink type.
func WithSink(s sink.Sink) Option {
	return func(r *Receiver) { r.sink = s }
}

// WithPIDFile writes the process id to path while running.
func WithPIDFile(path string) Option {
	return func(r *Receiver) { r.pidFile = path }
}

// WithConfigPath records where cfg was loaded from so SIGHUP can reload it.
func WithConfigPath(path string) Option {
	return func(r *Receiver) { r.configPath = path }
}

// New builds a receiver from cfg. Nothing is bound until Start.
func New(cfg *config.Config, opts ...Option) (*Receiver, error) {
	r := &Receiver{
		config:     cfg,
		listenDone: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.registry = extract.NewRegistry(extract.WithModuleTags(cfg.Pipeline.ModuleTags...))
	if err := applyHooks(r.registry, cfg.Pipeline.Hooks); err != nil {
		return nil, err
	}

	decode, err := extract.NewDecoder(cfg.Pipeline.Charset)
	if err != nil {
		return nil, err
	}

	if r.sink == nil {
		s, err := sink.New(cfg.Sink.Type, cfg.Sink.Options)
		if err != nil {
			return nil, err
		}
		r.sink = s
	}
	r.sink = sink.WithDedup(r.sink, cfg.Sink.DedupWindow)
	r.pipeline = extract.NewPipeline(r.registry, decode, r.sink)

	policy, err := inbox.ParseDropPolicy(cfg.Inbox.DropPolicy)
	if err != nil {
		return nil, err
	}
	r.inbox = inbox.New(cfg.Inbox.Capacity, policy)
	r.inbox.OnDrop = func(f core.Fragment) {
		metrics.InboxDroppedTotal.Inc()
		log.GetLogger().WithField("peer", f.Peer.String()).WithField("bytes", len(f.Data)).Debug("inbox full, fragment dropped")
	}

	r.completed = make(chan core.Message, cfg.Pipeline.QueueSize)
	return r, nil
}

func applyHooks(reg *extract.Registry, hooks config.HooksConfig) error {
	if hooks.Check != "" {
		if err := builtin.Apply(reg, builtin.KindCheck, []string{hooks.Check}); err != nil {
			return err
		}
	}
	if err := builtin.Apply(reg, builtin.KindTag, hooks.Tags); err != nil {
		return err
	}
	return builtin.Apply(reg, builtin.KindExtra, hooks.Extras)
}

// Registry exposes the hook registry so embedders can add their own hooks.
func (r *Receiver) Registry() *extract.Registry {
	return r.registry
}

// Addr returns the bound transport address, nil before Start or in pcap mode.
func (r *Receiver) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Start binds the listener and starts every goroutine. Configuration and
// bind errors are returned before anything is served.
func (r *Receiver) Start(ctx context.Context) error {
	log.GetLogger().WithFields(map[string]interface{}{
		"mode": r.config.Listen.Mode,
		"host": r.config.Listen.Host,
		"port": r.config.Listen.Port,
		"sink": r.sink.Name(),
	}).Info("starting kpanic receiver")

	mode, err := core.ParseMode(r.config.Listen.Mode)
	if err != nil {
		return err
	}
	listener, err := transport.Open(transport.Config{
		Mode:         mode,
		Host:         r.config.Listen.Host,
		Port:         r.config.Listen.Port,
		MaxConns:     r.config.Listen.MaxConns,
		ReadTimeout:  r.config.Listen.ReadTimeout,
		PcapFile:     r.config.Listen.Pcap.File,
		PcapPort:     r.config.Listen.Pcap.Port,
		PcapRealtime: r.config.Listen.Pcap.Realtime,
	})
	if err != nil {
		return fmt.Errorf("failed to open listener: %w", err)
	}
	r.listener = listener

	r.ctx, r.cancel = context.WithCancel(ctx)

	// 1. Metrics
	if err := r.startMetrics(); err != nil {
		_ = listener.Close()
		r.cancel()
		return err
	}

	// 2. PID file
	if err := r.writePIDFile(); err != nil {
		_ = listener.Close()
		r.stopMetrics()
		r.cancel()
		return err
	}

	// 3. Completion workers
	for i := 0; i < r.config.Pipeline.Workers; i++ {
		r.workers.Add(1)
		go r.work()
	}

	// 4. Reassembly table and dispatcher
	r.table = reassembly.NewTable(reassembly.Options{
		Quiescence:      r.config.Reassembly.Quiescence,
		MaxMessageBytes: r.config.Reassembly.MaxMessageBytes,
		MaxAccumulation: r.config.Reassembly.MaxAccumulation,
		MaxPeers:        r.config.Reassembly.MaxPeers,
	}, func(msg core.Message) {
		r.completed <- msg
	})
	r.dispatcher = dispatcher.New(r.inbox, r.table)
	r.dispatcher.Start()

	// 5. Listener
	go func() {
		r.listenDone <- r.listener.Listen(r.ctx, r.inbox)
	}()

	r.started = true
	log.GetLogger().WithField("addr", addrString(listener.Addr())).Info("kpanic receiver started")
	return nil
}

// work runs completed messages through the pipeline until the completion
// channel is closed.
func (r *Receiver) work() {
	defer r.workers.Done()
	for msg := range r.completed {
		// deliveries outlive r.ctx so messages flushed at shutdown still go out
		ctx, cancel := context.WithTimeout(context.Background(), r.config.Pipeline.DeliverTimeout)
		_, err := r.pipeline.Process(ctx, msg)
		cancel()
		if err != nil && errors.Is(err, core.ErrSink) {
			log.GetLogger().WithError(err).WithField("peer", msg.Peer.String()).Error("report delivery failed")
		}
	}
}

// Stop shuts down in dependency order: no new fragments, drain the inbox,
// flush pending messages, finish deliveries, close the sink.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		if !r.started {
			return
		}
		logger := log.GetLogger()
		logger.Info("initiating graceful shutdown")

		// 1. Stop the listener
		r.cancel()
		_ = r.listener.Close()
		if err := <-r.listenDone; err != nil {
			logger.WithError(err).Error("listener stopped with error")
		}

		// 2. Drain the inbox
		r.inbox.Close()
		r.dispatcher.Wait()

		// 3. Flush accumulating messages and finish deliveries
		r.table.Close(true)
		close(r.completed)
		r.workers.Wait()

		// 4. Close the sink
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := r.sink.Close(ctx); err != nil {
			logger.WithError(err).Error("error closing sink")
		}

		// 5. Metrics and PID file
		r.stopMetrics()
		if err := r.removePIDFile(); err != nil {
			logger.WithError(err).Error("error removing PID file")
		}
		if r.sigChan != nil {
			signal.Stop(r.sigChan)
		}

		routed, refused := r.dispatcher.Stats()
		logger.WithFields(map[string]interface{}{
			"routed":        routed,
			"refused":       refused,
			"inbox_dropped": r.inbox.Dropped(),
		}).Info("kpanic receiver stopped")
	})
}

// Run starts the receiver and blocks until ctx is cancelled or SIGTERM or
// SIGINT arrives. SIGHUP reloads the log settings.
func (r *Receiver) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	r.sigChan = make(chan os.Signal, 1)
	signal.Notify(r.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case sig := <-r.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
				r.Stop()
				return nil
			case syscall.SIGHUP:
				if err := r.Reload(); err != nil {
					log.GetLogger().WithError(err).Error("failed to reload config")
				}
			}
		case <-ctx.Done():
			r.Stop()
			return nil
		}
	}
}

// Reload re-reads the configuration file and applies the hot-reloadable
// settings. Only logging is hot-reloadable; everything else needs a restart.
func (r *Receiver) Reload() error {
	if r.configPath == "" {
		return fmt.Errorf("no config file to reload")
	}
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log.LoggerConfig()); err != nil {
		return fmt.Errorf("failed to apply log config: %w", err)
	}
	r.config.Log = cfg.Log
	log.GetLogger().WithField("level", cfg.Log.Level).Info("configuration reloaded")
	return nil
}

func (r *Receiver) startMetrics() error {
	if !r.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}
	r.metricsServer = metrics.NewServer(r.config.Metrics.Listen, r.config.Metrics.Path)
	if err := r.metricsServer.Start(r.ctx); err != nil {
		r.metricsServer = nil
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	return nil
}

func (r *Receiver) stopMetrics() {
	if r.metricsServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.metricsServer.Stop(ctx); err != nil {
		log.GetLogger().WithError(err).Error("error stopping metrics server")
	}
}

// writePIDFile writes the current process ID to the PID file.
func (r *Receiver) writePIDFile() error {
	if r.pidFile == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(r.pidFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", r.pidFile, err)
	}
	return nil
}

// removePIDFile removes the PID file.
func (r *Receiver) removePIDFile() error {
	if r.pidFile == "" {
		return nil
	}
	if err := os.Remove(r.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", r.pidFile, err)
	}
	return nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
