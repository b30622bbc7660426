// Package scheduler runs the recurring drain pass over the pending queue:
// snapshot, capacity-gated admission in enqueue order, paced session
// activation, and cooperative shutdown of the live fleet.
package scheduler

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/botfleet/botfleet/internal/manager/admission"
	"github.com/botfleet/botfleet/internal/manager/domain"
	"github.com/botfleet/botfleet/internal/manager/lifecycle"
	"github.com/botfleet/botfleet/internal/manager/pool"
	"github.com/botfleet/botfleet/internal/manager/provider"
	"github.com/botfleet/botfleet/internal/manager/storage"
)

const (
	defaultPollInterval  = 30 * time.Second
	defaultInitialDelay  = 2 * time.Second
	defaultPacingDelay   = 3 * time.Second
	defaultShutdownGrace = 10 * time.Second
)

// Config controls loop timing.
type Config struct {
	// PollInterval is the fixed delay between drain passes.
	PollInterval time.Duration
	// InitialDelay is the short wait before the first pass after startup.
	InitialDelay time.Duration
	// PacingDelay is the fixed wait between successive admissions within
	// one pass, smoothing connection-establishment load on the network.
	PacingDelay time.Duration
	// ShutdownGrace bounds the wait for live sessions to finish closing.
	ShutdownGrace time.Duration
	// Logf receives operational log lines. Defaults to log.Printf.
	Logf func(format string, args ...any)
}

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.PacingDelay <= 0 {
		c.PacingDelay = defaultPacingDelay
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.Logf == nil {
		c.Logf = log.Printf
	}
	return c
}

// Loop discovers pending sessions and promotes them into running bots.
type Loop struct {
	store     storage.Store
	provider  provider.Provider
	registry  *pool.Registry
	control   *admission.Controller
	handler   domain.MessageHandler
	cfg       Config
	lifecycle lifecycle.Config

	// draining guards against overlapping passes; a pass that outlives
	// the poll interval would otherwise double-admit records that have
	// not yet been removed from the store.
	draining atomic.Bool
}

// New creates a scheduler loop.
func New(store storage.Store, prov provider.Provider, registry *pool.Registry, control *admission.Controller, handler domain.MessageHandler, cfg Config, lifecycleCfg lifecycle.Config) *Loop {
	return &Loop{
		store:     store,
		provider:  prov,
		registry:  registry,
		control:   control,
		handler:   handler,
		cfg:       cfg.normalized(),
		lifecycle: lifecycleCfg,
	}
}

// Run fires an initial pass after a short delay and then drains the queue
// at a fixed interval until ctx is cancelled, at which point the live
// fleet is closed cooperatively.
func (l *Loop) Run(ctx context.Context) error {
	initial := time.NewTimer(l.cfg.InitialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return nil
		case <-initial.C:
			go l.runPass(ctx)
		case <-ticker.C:
			go l.runPass(ctx)
		}
	}
}

// runPass executes one guarded drain pass. Firings that overlap an ongoing
// pass are skipped, not queued.
func (l *Loop) runPass(ctx context.Context) {
	if !l.draining.CompareAndSwap(false, true) {
		l.cfg.Logf("drain pass already in progress, skipping firing")
		return
	}
	defer l.draining.Store(false)
	l.drain(ctx)
}

// drain snapshots the pending queue and admits records in store order.
// Records enqueued during the pass wait for the next firing. Capacity is
// rechecked before each record; once exhausted the rest of the snapshot is
// deferred rather than skipped, preserving enqueue order across passes.
func (l *Loop) drain(ctx context.Context) {
	records, err := l.store.ListPending(ctx)
	if err != nil {
		l.cfg.Logf("list pending sessions: %v", err)
		return
	}
	if len(records) == 0 {
		return
	}
	l.cfg.Logf("drain pass: %d pending session(s)", len(records))

	for i, record := range records {
		if ctx.Err() != nil {
			return
		}

		decision, err := l.control.Admit(ctx)
		if err != nil {
			l.cfg.Logf("admission check: %v", err)
			return
		}
		if decision == admission.DeferCapacity {
			l.cfg.Logf("fleet at capacity (%d), deferring %d pending session(s)", l.control.MaxBots(), len(records)-i)
			return
		}

		driver, err := lifecycle.NewDriver(lifecycle.Deps{
			Store:    l.store,
			Provider: l.provider,
			Registry: l.registry,
			Control:  l.control,
			Handler:  l.handler,
		}, record, l.lifecycle)
		if err != nil {
			l.cfg.Logf("new driver for session %s: %v", record.ID, err)
			continue
		}
		if err := driver.Start(ctx); err != nil {
			l.cfg.Logf("start session %s: %v", record.ID, err)
		}

		if i < len(records)-1 {
			l.pace(ctx)
		}
	}
}

// pace waits the fixed inter-admission delay, or less if ctx ends first.
func (l *Loop) pace(ctx context.Context) {
	timer := time.NewTimer(l.cfg.PacingDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// shutdown closes every live session and waits for terminal bookkeeping up
// to the grace period.
func (l *Loop) shutdown() {
	closed := 0
	l.registry.ForEach(func(bot pool.Bot) bool {
		if err := bot.Close(); err != nil {
			l.cfg.Logf("close bot %s: %v", bot.BotID(), err)
		}
		closed++
		return true
	})
	if closed == 0 {
		return
	}
	l.cfg.Logf("shutdown: closing %d live session(s)", closed)

	deadline := time.Now().Add(l.cfg.ShutdownGrace)
	for l.registry.Count() > 0 {
		if time.Now().After(deadline) {
			l.cfg.Logf("shutdown grace elapsed with %d session(s) still open", l.registry.Count())
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	l.cfg.Logf("shutdown: all sessions closed")
}
