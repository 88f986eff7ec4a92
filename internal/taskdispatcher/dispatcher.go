// Package taskdispatcher runs the periodic loop that delivers due tasks into
// their target panes and records the outcome back into the Store.
package taskdispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
	"github.com/dancegit/tmux-orchestrator/internal/messenger"
	"github.com/dancegit/tmux-orchestrator/internal/orcherr"
	"github.com/dancegit/tmux-orchestrator/internal/session"
	"github.com/dancegit/tmux-orchestrator/internal/store"
	"github.com/dancegit/tmux-orchestrator/internal/tracing"
)

// Dispatcher delivers Store.TasksDue into panes on a fixed cadence,
// recording the outcome of each delivery back into the Store.
type Dispatcher struct {
	store     *store.Store
	messenger *messenger.Messenger
	driver    session.Driver
	clock     clock.Clock
	log       *logger.Logger
	cfg       config.SchedulerConfig
	monitor   config.MonitorConfig

	// firstSeenMissing tracks, per session name, when a task's target
	// session was first observed absent. It resets on any observation of
	// the session existing. Exceeding orphan_grace_sec disables the task
	// with reason "session_gone" rather than retrying forever.
	firstSeenMissing map[string]time.Time
}

// New builds a Dispatcher.
func New(s *store.Store, m *messenger.Messenger, driver session.Driver, c clock.Clock, log *logger.Logger, cfg config.SchedulerConfig, monitor config.MonitorConfig) *Dispatcher {
	return &Dispatcher{
		store:            s,
		messenger:        m,
		driver:           driver,
		clock:            c,
		log:              log.WithFields(zap.String("component", "task_dispatcher")),
		cfg:              cfg,
		monitor:          monitor,
		firstSeenMissing: make(map[string]time.Time),
	}
}

// Run blocks, processing due tasks every PollIntervalSec until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := time.Duration(d.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	d.log.Info("task dispatcher starting", zap.Duration("poll_interval", interval))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("task dispatcher stopping")
			return
		case <-d.clock.After(interval):
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	ctx, span := tracing.Tracer("task_dispatcher").Start(ctx, "tick")
	defer span.End()

	due, err := d.store.TasksDue(ctx, d.clock.Now())
	if err != nil {
		d.log.Error("failed to list due tasks", zap.Error(err))
		return
	}
	for _, task := range due {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.process(ctx, task)
	}
}

func (d *Dispatcher) process(ctx context.Context, task store.Task) {
	log := d.log.WithTaskID(task.ID).WithSessionName(task.SessionName)

	if d.isPoisoned(ctx, task) {
		if err := d.store.DisableTask(ctx, task.ID, "session_gone"); err != nil {
			log.Error("failed to disable poisoned task", zap.Error(err))
		} else {
			log.Warn("task disabled: target session gone beyond grace period")
		}
		return
	}

	deliverErr := d.messenger.Deliver(ctx, task.SessionName, task.Payload)
	now := d.clock.Now()
	success := deliverErr == nil

	err := d.store.RecordTaskResult(ctx, task.ID, success, deliverErr, now, d.cfg.BackoffBaseSec, d.cfg.BackoffMultiplier)
	if err != nil && orcherr.KindOf(err) != orcherr.Exhausted {
		log.Error("failed to record task result", zap.Error(err))
		return
	}
	if orcherr.KindOf(err) == orcherr.Exhausted {
		log.Warn("task exceeded retry cap and was disabled")
		return
	}
	if !success {
		log.Warn("task delivery failed, scheduled for retry", zap.Error(deliverErr))
	}
}

// isPoisoned reports whether task's target session has been absent for
// longer than orphan_grace_sec, in which case retrying is pointless.
func (d *Dispatcher) isPoisoned(ctx context.Context, task store.Task) bool {
	has, err := d.driver.HasSession(ctx, task.SessionName)
	if err != nil || has {
		delete(d.firstSeenMissing, task.SessionName)
		return false
	}

	grace := time.Duration(d.monitor.OrphanGraceSec) * time.Second
	if grace <= 0 {
		return false
	}

	first, tracked := d.firstSeenMissing[task.SessionName]
	if !tracked {
		d.firstSeenMissing[task.SessionName] = d.clock.Now()
		return false
	}
	return d.clock.Now().Sub(first) > grace
}
