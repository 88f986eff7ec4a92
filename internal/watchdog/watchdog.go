// Package watchdog enforces per-project soft and hard deadlines on a fixed
// cadence, and exposes Heartbeat for external callers to push a project's
// hard deadline out before it fires.
package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
	"github.com/dancegit/tmux-orchestrator/internal/events"
	"github.com/dancegit/tmux-orchestrator/internal/events/bus"
	"github.com/dancegit/tmux-orchestrator/internal/store"
)

// Watchdog walks PROCESSING projects every tick, firing a soft-timeout event
// once started_at+est_duration has passed and failing the project once
// timeout_deadline (the hard deadline) has passed.
type Watchdog struct {
	store    *store.Store
	eventBus bus.EventBus
	clock    clock.Clock
	log      *logger.Logger
	cfg      config.SchedulerConfig
	watchdog config.WatchdogConfig

	// softFired remembers which projects already got their one soft-timeout
	// event, so a slow poller doesn't republish it every tick.
	softFired map[int64]bool
}

// New builds a Watchdog.
func New(s *store.Store, eb bus.EventBus, c clock.Clock, log *logger.Logger, cfg config.SchedulerConfig, wd config.WatchdogConfig) *Watchdog {
	return &Watchdog{
		store:     s,
		eventBus:  eb,
		clock:     c,
		log:       log.WithFields(zap.String("component", "watchdog")),
		cfg:       cfg,
		watchdog:  wd,
		softFired: make(map[int64]bool),
	}
}

// Run blocks, checking deadlines every PollIntervalSec until ctx is
// cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	interval := time.Duration(w.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	w.log.Info("watchdog starting", zap.Duration("poll_interval", interval))
	for {
		select {
		case <-ctx.Done():
			w.log.Info("watchdog stopping")
			return
		case <-w.clock.After(interval):
			w.tick(ctx)
		}
	}
}

func (w *Watchdog) tick(ctx context.Context) {
	processing, err := w.store.ProjectsByStatus(ctx, store.StatusProcessing)
	if err != nil {
		w.log.Error("failed to list processing projects", zap.Error(err))
		return
	}
	now := w.clock.Now()
	for _, p := range processing {
		w.checkProject(ctx, p, now)
	}
}

func (w *Watchdog) checkProject(ctx context.Context, p store.Project, now time.Time) {
	if p.TimeoutDeadline != nil && now.Unix() >= *p.TimeoutDeadline {
		delete(w.softFired, p.ID)
		msg := "hard timeout"
		if err := w.store.Transition(ctx, p.ID, store.StatusProcessing, store.StatusFailed, store.TransitionPatch{
			ErrorMessage: &msg,
		}); err != nil {
			w.log.Error("failed to fail project on hard timeout", zap.Int64("project_id", p.ID), zap.Error(err))
			return
		}
		w.log.Warn("project hit hard timeout", zap.Int64("project_id", p.ID))
		w.publish(ctx, events.ProjectFailed, p.ID)
		return
	}

	soft := w.softDeadline(p)
	if soft == nil || w.softFired[p.ID] || now.Unix() < *soft {
		return
	}
	w.softFired[p.ID] = true
	w.publish(ctx, events.ProjectSoftTimeout, p.ID)
}

// softDeadline reconstructs started_at+est_duration from the stored fields:
// timeout_deadline was set at dispatch time to started_at + est_duration*factor,
// so est_duration = (timeout_deadline-started_at)/factor.
func (w *Watchdog) softDeadline(p store.Project) *int64 {
	if p.StartedAt == nil || p.TimeoutDeadline == nil {
		return nil
	}
	factor := w.watchdog.Factor
	if factor <= 0 {
		factor = 1
	}
	estDuration := float64(*p.TimeoutDeadline-*p.StartedAt) / factor
	deadline := *p.StartedAt + int64(estDuration)
	return &deadline
}

// Heartbeat extends projectID's hard deadline per the configured
// heartbeat_extension_sec, up to heartbeat_max_extensions times. Calls past
// the limit are accepted but extend nothing.
func (w *Watchdog) Heartbeat(ctx context.Context, projectID int64) error {
	return w.store.Heartbeat(ctx, projectID, w.clock.Now(), w.watchdog.HeartbeatMaxExtensions, w.watchdog.HeartbeatExtensionSec)
}

func (w *Watchdog) publish(ctx context.Context, eventType string, projectID int64) {
	evt := bus.NewEvent(eventType, "watchdog", map[string]interface{}{"project_id": projectID})
	_ = w.eventBus.Publish(ctx, events.BuildProjectSubject(projectID), evt)
}
