// Package runtime wires the orchestrator's components together behind one
// explicit dependency struct instead of relying on package-level globals.
package runtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
	"github.com/dancegit/tmux-orchestrator/internal/events"
	"github.com/dancegit/tmux-orchestrator/internal/events/bus"
	"github.com/dancegit/tmux-orchestrator/internal/lock"
	"github.com/dancegit/tmux-orchestrator/internal/messenger"
	"github.com/dancegit/tmux-orchestrator/internal/notifications/providers"
	"github.com/dancegit/tmux-orchestrator/internal/notify"
	"github.com/dancegit/tmux-orchestrator/internal/queuedispatcher"
	"github.com/dancegit/tmux-orchestrator/internal/recovery"
	"github.com/dancegit/tmux-orchestrator/internal/session"
	"github.com/dancegit/tmux-orchestrator/internal/sessionmonitor"
	"github.com/dancegit/tmux-orchestrator/internal/store"
	"github.com/dancegit/tmux-orchestrator/internal/taskdispatcher"
	"github.com/dancegit/tmux-orchestrator/internal/watchdog"
)

// Runtime holds every long-lived dependency the daemon needs, threaded
// through explicitly rather than reached for as package state.
type Runtime struct {
	Config          *config.Config
	Clock           clock.Clock
	Store           *store.Store
	LockManager     *lock.Manager
	EventBus        bus.EventBus
	SessionDriver   session.Driver
	Notifications   *notify.Sink
	Messenger       *messenger.Messenger
	TaskDispatcher  *taskdispatcher.Dispatcher
	QueueDispatcher *queuedispatcher.Dispatcher
	SessionMonitor  *sessionmonitor.Monitor
	Recovery        *recovery.Manager
	Watchdog        *watchdog.Watchdog
	Log             *logger.Logger

	closeBus func() error
	group    *errgroup.Group
	cancel   context.CancelFunc
}

// New builds a Runtime from cfg, opening the store, building the daemon lock
// manager, and constructing every scheduling component, but starting nothing.
// The lock itself is acquired by Start.
func New(cfg *config.Config, log *logger.Logger) (*Runtime, error) {
	c := clock.New()

	s, err := store.Open(cfg.Database, cfg.Scheduler, c)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	lockMgr := lock.New(cfg.Lock.Path, time.Duration(cfg.Lock.StaleLockThresholdSec)*time.Second, c)

	provided, closeBus, err := events.Provide(cfg, log, c, "logs/events")
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("provide event bus: %w", err)
	}

	driver := session.NewPTYDriver()
	setup := &DefaultSetup{Driver: driver}

	sink := notify.New(providers.NewSystemProvider(), cfg.Notification, log)
	msgr := messenger.New(driver, provided.Bus, c, cfg.Messenger)

	taskDisp := taskdispatcher.New(s, msgr, driver, c, log, cfg.Scheduler, cfg.Monitor)
	queueDisp := queuedispatcher.New(s, driver, setup, provided.Bus, c, log, cfg.Scheduler, cfg.Watchdog, 0)
	mon := sessionmonitor.New(s, driver, provided.Bus, c, log, cfg.Scheduler, cfg.Monitor)
	rec := recovery.New(s, driver, mon, provided.Bus, c, log)
	wd := watchdog.New(s, provided.Bus, c, log, cfg.Scheduler, cfg.Watchdog)

	return &Runtime{
		Config:          cfg,
		Clock:           c,
		Store:           s,
		LockManager:     lockMgr,
		EventBus:        provided.Bus,
		SessionDriver:   driver,
		Notifications:   sink,
		Messenger:       msgr,
		TaskDispatcher:  taskDisp,
		QueueDispatcher: queueDisp,
		SessionMonitor:  mon,
		Recovery:        rec,
		Watchdog:        wd,
		Log:             log,
		closeBus:        closeBus,
	}, nil
}

// Start acquires the single-writer lock, runs startup recovery, and spawns
// every background loop. ctx's cancellation stops them all.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.LockManager.Acquire(); err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}

	summary := r.Recovery.Run(ctx)
	r.Log.Info("startup recovery complete",
		zap.Int("heartbeated", summary.Heartbeated),
		zap.Int("repaired", summary.Repaired),
		zap.Int("failed", summary.Failed),
		zap.Int("cleared_claims", summary.ClearedClaims))

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	group, groupCtx := errgroup.WithContext(runCtx)
	r.group = group

	loops := []func(context.Context){
		r.TaskDispatcher.Run,
		r.QueueDispatcher.Run,
		r.SessionMonitor.Run,
		r.Watchdog.Run,
	}
	for _, loop := range loops {
		fn := loop
		group.Go(func() error {
			fn(groupCtx)
			return nil
		})
	}

	return nil
}

// Stop cancels every background loop, waits up to ShutdownGraceSec for them
// to exit, flushes the notification sink, releases the daemon lock, and
// closes the store.
func (r *Runtime) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		if r.group != nil {
			_ = r.group.Wait()
		}
		close(done)
	}()

	grace := time.Duration(r.Config.Scheduler.ShutdownGraceSec) * time.Second
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		r.Log.Warn("shutdown grace period elapsed with loops still running")
	}

	r.Notifications.Close()

	var errs []error
	if err := r.LockManager.Release(); err != nil {
		errs = append(errs, err)
	}
	if r.closeBus != nil {
		if err := r.closeBus(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.Store.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
