// Package sessionmonitor periodically reconciles the Store's view of
// PROCESSING/PAUSED projects against the SessionDriver's live sessions,
// repairing phantom, orphan, and null-session-name rows.
package sessionmonitor

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
	"github.com/dancegit/tmux-orchestrator/internal/events"
	"github.com/dancegit/tmux-orchestrator/internal/events/bus"
	"github.com/dancegit/tmux-orchestrator/internal/session"
	"github.com/dancegit/tmux-orchestrator/internal/store"
)

const nullSessionRepairAttempts = 3

// Monitor reconciles Store state against SessionDriver reality on a fixed
// cadence.
type Monitor struct {
	store    *store.Store
	driver   session.Driver
	eventBus bus.EventBus
	clock    clock.Clock
	log      *logger.Logger
	cfg      config.SchedulerConfig
	monitor  config.MonitorConfig

	// firstMissingAt tracks, per project id, when a PROCESSING/PAUSED row's
	// session_name was first observed absent from the live set. It resets
	// whenever the session is seen alive again.
	firstMissingAt map[int64]time.Time
}

// New builds a Monitor.
func New(s *store.Store, driver session.Driver, eb bus.EventBus, c clock.Clock, log *logger.Logger, cfg config.SchedulerConfig, monitor config.MonitorConfig) *Monitor {
	return &Monitor{
		store:          s,
		driver:         driver,
		eventBus:       eb,
		clock:          c,
		log:            log.WithFields(zap.String("component", "session_monitor")),
		cfg:            cfg,
		monitor:        monitor,
		firstMissingAt: make(map[int64]time.Time),
	}
}

// Run blocks, reconciling every StateSyncIntervalSec until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.StateSyncIntervalSec) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}

	m.log.Info("session monitor starting", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			m.log.Info("session monitor stopping")
			return
		case <-m.clock.After(interval):
			m.Reconcile(ctx)
		}
	}
}

// Reconcile runs one phantom/orphan/null-session pass. It is exported so
// RecoveryManager can reuse the same repair logic at startup.
func (m *Monitor) Reconcile(ctx context.Context) {
	live, err := m.driver.ListSessions(ctx)
	if err != nil {
		m.log.Error("failed to list live sessions", zap.Error(err))
		return
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	known, err := m.store.ProjectsByStatus(ctx, store.StatusProcessing, store.StatusPaused)
	if err != nil {
		m.log.Error("failed to list non-terminal projects", zap.Error(err))
		return
	}

	knownSessions := make(map[string]bool, len(known))
	for _, p := range known {
		if p.SessionName == nil || *p.SessionName == "" {
			m.repairNullSession(ctx, p)
			continue
		}
		knownSessions[*p.SessionName] = true
		if liveSet[*p.SessionName] {
			delete(m.firstMissingAt, p.ID)
			continue
		}
		m.handlePhantom(ctx, p)
	}

	m.handleOrphans(ctx, live, knownSessions)
}

func (m *Monitor) handlePhantom(ctx context.Context, p store.Project) {
	grace := time.Duration(m.monitor.PhantomGraceSec) * time.Second
	first, tracked := m.firstMissingAt[p.ID]
	if !tracked {
		m.firstMissingAt[p.ID] = m.clock.Now()
		return
	}
	if grace > 0 && m.clock.Now().Sub(first) <= grace {
		return
	}

	delete(m.firstMissingAt, p.ID)
	msg := "session missing after grace period"
	if err := m.store.Transition(ctx, p.ID, p.Status, store.StatusFailed, store.TransitionPatch{
		ErrorMessage: &msg,
	}); err != nil {
		m.log.Error("failed to fail phantom project", zap.Int64("project_id", p.ID), zap.Error(err))
		return
	}
	m.publish(ctx, events.ProjectFailed, p.ID)
}

func (m *Monitor) handleOrphans(ctx context.Context, live []string, known map[string]bool) {
	grace := time.Duration(m.monitor.OrphanGraceSec) * time.Second
	for _, name := range live {
		if known[name] {
			continue
		}
		startedAt, err := m.driver.StartedAt(ctx, name)
		if err != nil {
			continue
		}
		if grace > 0 && m.clock.Now().Sub(startedAt) <= grace {
			continue
		}
		if err := m.driver.KillSession(ctx, name); err != nil {
			m.log.Error("failed to kill orphan session", zap.String("session_name", name), zap.Error(err))
			continue
		}
		m.log.Warn("killed orphan session", zap.String("session_name", name))
		evt := bus.NewEvent(events.SessionOrphanKilled, "session_monitor", map[string]interface{}{"session_name": name})
		_ = m.eventBus.Publish(ctx, events.SessionOrphanKilled, evt)
	}
}

func (m *Monitor) repairNullSession(ctx context.Context, p store.Project) {
	prefix := canonicalPrefix(p.ProjectPath)
	for attempt := 0; attempt < nullSessionRepairAttempts; attempt++ {
		if attempt > 0 {
			m.clock.Sleep(time.Second)
		}
		if name, ok := m.findByPrefix(ctx, prefix); ok {
			if err := m.store.Transition(ctx, p.ID, p.Status, p.Status, store.TransitionPatch{
				SessionName: &name,
			}); err != nil {
				m.log.Error("failed to repair null session name", zap.Int64("project_id", p.ID), zap.Error(err))
				return
			}
			return
		}
	}

	msg := "unrecoverable null session name"
	if err := m.store.Transition(ctx, p.ID, p.Status, store.StatusFailed, store.TransitionPatch{
		ErrorMessage: &msg,
	}); err != nil {
		m.log.Error("failed to fail project with unrecoverable null session", zap.Int64("project_id", p.ID), zap.Error(err))
		return
	}
	m.publish(ctx, events.ProjectFailed, p.ID)
}

func (m *Monitor) findByPrefix(ctx context.Context, prefix string) (string, bool) {
	if prefix == "" {
		return "", false
	}
	live, err := m.driver.ListSessions(ctx)
	if err != nil {
		return "", false
	}
	for _, name := range live {
		if strings.HasPrefix(name, prefix) {
			return name, true
		}
	}
	return "", false
}

func canonicalPrefix(projectPath string) string {
	base := filepath.Base(strings.TrimRight(projectPath, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func (m *Monitor) publish(ctx context.Context, eventType string, projectID int64) {
	evt := bus.NewEvent(eventType, "session_monitor", map[string]interface{}{"project_id": projectID})
	_ = m.eventBus.Publish(ctx, events.BuildProjectSubject(projectID), evt)
}
