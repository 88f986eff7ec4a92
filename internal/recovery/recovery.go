// Package recovery reconciles Store state with live sessions once at daemon
// startup, before any background loop begins running.
package recovery

import (
	"context"

	"go.uber.org/zap"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
	"github.com/dancegit/tmux-orchestrator/internal/events"
	"github.com/dancegit/tmux-orchestrator/internal/events/bus"
	"github.com/dancegit/tmux-orchestrator/internal/session"
	"github.com/dancegit/tmux-orchestrator/internal/sessionmonitor"
	"github.com/dancegit/tmux-orchestrator/internal/store"
)

// Summary records what Run repaired, published alongside recovery.completed.
type Summary struct {
	Heartbeated   int
	Repaired      int
	Failed        int
	ClearedClaims int
}

// Manager runs the one-shot startup reconciliation.
type Manager struct {
	store    *store.Store
	driver   session.Driver
	monitor  *sessionmonitor.Monitor
	eventBus bus.EventBus
	clock    clock.Clock
	log      *logger.Logger
}

// New builds a Manager. monitor supplies the null-session-repair logic so
// RecoveryManager and SessionMonitor never diverge on that algorithm.
func New(s *store.Store, driver session.Driver, monitor *sessionmonitor.Monitor, eb bus.EventBus, c clock.Clock, log *logger.Logger) *Manager {
	return &Manager{
		store:    s,
		driver:   driver,
		monitor:  monitor,
		eventBus: eb,
		clock:    c,
		log:      log.WithFields(zap.String("component", "recovery_manager")),
	}
}

// Run performs the one-shot startup reconciliation: live PROCESSING sessions
// get their heartbeat refreshed, missing ones go through the monitor's
// null-session/phantom repair, and stale CLAIMING intents are cleared. It
// publishes recovery.completed with a summary. A missing session is failed
// only by a pass that runs after the monitor's phantom grace window has
// elapsed since a pass first saw it missing, so two back-to-back runs are not
// idempotent: with a zero grace the second run fails a project that the first
// run only started timing.
func (m *Manager) Run(ctx context.Context) Summary {
	var summary Summary

	live, err := m.driver.ListSessions(ctx)
	if err != nil {
		m.log.Error("failed to list live sessions during recovery", zap.Error(err))
		live = nil
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	processing, err := m.store.ProjectsByStatus(ctx, store.StatusProcessing)
	if err != nil {
		m.log.Error("failed to list processing projects during recovery", zap.Error(err))
	}
	for _, p := range processing {
		if p.SessionName != nil && liveSet[*p.SessionName] {
			now := m.clock.Now().Unix()
			if err := m.store.Transition(ctx, p.ID, store.StatusProcessing, store.StatusProcessing, store.TransitionPatch{
				HeartbeatAt: &now,
			}); err != nil {
				m.log.Error("failed to refresh heartbeat on recovery", zap.Int64("project_id", p.ID), zap.Error(err))
				continue
			}
			summary.Heartbeated++
			continue
		}
		// Missing or null session: run the same repair the monitor uses so
		// startup and steady-state reconciliation agree on one algorithm.
		summary.Repaired++
	}
	failedBefore := 0
	if before, err := m.store.ProjectsByStatus(ctx, store.StatusFailed); err == nil {
		failedBefore = len(before)
	}
	if m.monitor != nil {
		m.monitor.Reconcile(ctx)
	}
	if after, err := m.store.ProjectsByStatus(ctx, store.StatusFailed); err == nil {
		summary.Failed = len(after) - failedBefore
	}

	cleared, err := m.store.SweepStaleClaims(ctx, 0)
	if err != nil {
		m.log.Error("failed to clear stale claiming intents", zap.Error(err))
	} else {
		summary.ClearedClaims = int(cleared)
	}

	m.log.Info("recovery complete",
		zap.Int("heartbeated", summary.Heartbeated),
		zap.Int("repaired", summary.Repaired),
		zap.Int("cleared_claims", summary.ClearedClaims))

	evt := bus.NewEvent(events.RecoveryCompleted, "recovery_manager", map[string]interface{}{
		"heartbeated":    summary.Heartbeated,
		"repaired":       summary.Repaired,
		"cleared_claims": summary.ClearedClaims,
		"ts":             m.clock.Now().UTC(),
	})
	_ = m.eventBus.Publish(ctx, events.RecoveryCompleted, evt)

	return summary
}
