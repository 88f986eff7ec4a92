package recovery

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
	"github.com/dancegit/tmux-orchestrator/internal/sessionmonitor"
	"github.com/dancegit/tmux-orchestrator/internal/store"
)

func newTestManager(t *testing.T, monCfg config.MonitorConfig) (*Manager, *store.Store, *session.FakeDriver, *clock.Fake) {
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

	mon := sessionmonitor.New(s, driver, eb, fc, log, config.SchedulerConfig{}, monCfg)
	m := New(s, driver, mon, eb, fc, log)
	return m, s, driver, fc
}

func claimProcessing(t *testing.T, s *store.Store, ctx context.Context, projectPath, sessionName string, fc *clock.Fake) int64 {
	t.Helper()
	id, err := s.Enqueue(ctx, "spec.md", projectPath, nil)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	now := fc.Now().Unix()
	require.NoError(t, s.Transition(ctx, id, store.StatusClaiming, store.StatusProcessing, store.TransitionPatch{
		SessionName: &sessionName,
		StartedAt:   &now,
	}))
	return id
}

func TestRecoveryRefreshesHeartbeatForLiveSession(t *testing.T) {
	m, s, driver, fc := newTestManager(t, config.MonitorConfig{})
	ctx := context.Background()

	id := claimProcessing(t, s, ctx, "/work/live", "live-session", fc)
	require.NoError(t, driver.CreateSession(ctx, "live-session", "/work/live", ""))

	fc.Advance(time.Minute)
	summary := m.Run(ctx)

	require.Equal(t, 1, summary.Heartbeated)
	p, err := s.GetProject(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p.HeartbeatAt)
	require.Equal(t, fc.Now().Unix(), *p.HeartbeatAt)
	require.Equal(t, store.StatusProcessing, p.Status)
}

func TestRecoveryFailsProjectWithUnrecoverableMissingSession(t *testing.T) {
	m, s, _, fc := newTestManager(t, config.MonitorConfig{PhantomGraceSec: 0})
	ctx := context.Background()

	id := claimProcessing(t, s, ctx, "/work/gone", "gone-session", fc)

	// First pass only starts the phantom grace window (matching the
	// monitor's own tolerance for a transient blip); the second pass, with
	// the window already open, fails it.
	summary := m.Run(ctx)
	require.Equal(t, 1, summary.Repaired)
	summary = m.Run(ctx)
	require.Equal(t, 1, summary.Failed)

	p, err := s.GetProject(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, p.Status)
}

func TestRecoveryClearsStaleClaims(t *testing.T) {
	m, s, _, ctxClock := newTestManager(t, config.MonitorConfig{})
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "spec.md", "/work/stuck", nil)
	require.NoError(t, err)
	_, err = s.ClaimNext(ctx)
	require.NoError(t, err)

	ctxClock.Advance(time.Hour)
	summary := m.Run(ctx)
	require.Equal(t, 1, summary.ClearedClaims)
}
