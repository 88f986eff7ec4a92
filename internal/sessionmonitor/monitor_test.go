package sessionmonitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
	"github.com/dancegit/tmux-orchestrator/internal/events/bus"
	"github.com/dancegit/tmux-orchestrator/internal/session"
	"github.com/dancegit/tmux-orchestrator/internal/store"
)

func newTestMonitor(t *testing.T, monCfg config.MonitorConfig) (*Monitor, *store.Store, *session.FakeDriver, *clock.Fake) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := store.Open(config.DatabaseConfig{Driver: "sqlite", Path: dbPath}, config.SchedulerConfig{}, fc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	driver := session.NewFakeDriverWithClock(fc)
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	eb := bus.NewMemoryEventBus(log)

	m := New(s, driver, eb, fc, log, config.SchedulerConfig{}, monCfg)
	return m, s, driver, fc
}

func processProject(t *testing.T, s *store.Store, ctx context.Context, projectPath, sessionName string, fc *clock.Fake) int64 {
	t.Helper()
	id, err := s.Enqueue(ctx, "spec.md", projectPath, nil)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	now := fc.Now().Unix()
	err = s.Transition(ctx, id, store.StatusClaiming, store.StatusProcessing, store.TransitionPatch{
		SessionName: &sessionName,
		StartedAt:   &now,
	})
	require.NoError(t, err)
	return id
}

func TestReconcileFailsPhantomAfterGrace(t *testing.T) {
	m, s, _, fc := newTestMonitor(t, config.MonitorConfig{PhantomGraceSec: 60})
	ctx := context.Background()

	id := processProject(t, s, ctx, "/work/a", "a-session", fc)

	m.Reconcile(ctx) // first observation: starts the grace window
	p, err := s.GetProject(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusProcessing, p.Status)

	fc.Advance(2 * time.Minute)
	m.Reconcile(ctx)

	p, err = s.GetProject(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, p.Status)
}

func TestReconcileKillsOrphanSession(t *testing.T) {
	m, _, driver, fc := newTestMonitor(t, config.MonitorConfig{OrphanGraceSec: 60})
	ctx := context.Background()

	require.NoError(t, driver.CreateSession(ctx, "stray", "/tmp", ""))
	fc.Advance(2 * time.Minute)

	m.Reconcile(ctx)

	has, err := driver.HasSession(ctx, "stray")
	require.NoError(t, err)
	require.False(t, has)
}

func TestReconcileLeavesKnownLiveSessionAlone(t *testing.T) {
	m, s, driver, fc := newTestMonitor(t, config.MonitorConfig{PhantomGraceSec: 60, OrphanGraceSec: 60})
	ctx := context.Background()

	id := processProject(t, s, ctx, "/work/b", "b-session", fc)
	require.NoError(t, driver.CreateSession(ctx, "b-session", "/work/b", ""))

	fc.Advance(2 * time.Minute)
	m.Reconcile(ctx)

	p, err := s.GetProject(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusProcessing, p.Status)

	has, err := driver.HasSession(ctx, "b-session")
	require.NoError(t, err)
	require.True(t, has)
}
