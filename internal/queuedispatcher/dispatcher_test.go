package queuedispatcher

import (
	"context"
	"fmt"
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

type fakeSetup struct {
	result SetupResult
	err    error
	calls  int
}

func (f *fakeSetup) Setup(_ context.Context, _, _ string, _ time.Time) (SetupResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestDispatcher(t *testing.T, schedCfg config.SchedulerConfig, setup SetupCollaborator) (*Dispatcher, *store.Store, *session.FakeDriver, *clock.Fake) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := store.Open(config.DatabaseConfig{Driver: "sqlite", Path: dbPath}, schedCfg, fc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	driver := session.NewFakeDriver()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	eb := bus.NewMemoryEventBus(log)

	d := New(s, driver, setup, eb, fc, log, schedCfg, config.WatchdogConfig{Factor: 2}, time.Second)
	return d, s, driver, fc
}

func TestDispatcherResumesLiveSession(t *testing.T) {
	setup := &fakeSetup{}
	d, s, driver, _ := newTestDispatcher(t, config.SchedulerConfig{MaxConcurrent: 5}, setup)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "spec.md", "/work/myproject", nil)
	require.NoError(t, err)

	require.NoError(t, driver.CreateSession(ctx, "myproject-abc123", "/work/myproject", ""))

	claimed, err := d.tick(ctx)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Zero(t, setup.calls, "resumable session should short-circuit setup")

	p, err := s.GetProject(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusProcessing, p.Status)
	require.NotNil(t, p.SessionName)
	require.Equal(t, "myproject-abc123", *p.SessionName)
}

func TestDispatcherSetsUpNewProject(t *testing.T) {
	setup := &fakeSetup{result: SetupResult{SessionName: "brand-new", EstDurationSec: 3600}}
	d, s, _, fc := newTestDispatcher(t, config.SchedulerConfig{MaxConcurrent: 5}, setup)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "spec.md", "/work/fresh", nil)
	require.NoError(t, err)

	claimed, err := d.tick(ctx)
	require.NoError(t, err)
	require.True(t, claimed)
	require.Equal(t, 1, setup.calls)

	p, err := s.GetProject(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusProcessing, p.Status)
	require.Equal(t, "brand-new", *p.SessionName)
	require.NotNil(t, p.TimeoutDeadline)
	require.Equal(t, fc.Now().Unix()+3600*2, *p.TimeoutDeadline)
}

func TestDispatcherRequeuesOnSetupFailure(t *testing.T) {
	setup := &fakeSetup{err: fmt.Errorf("collaborator unavailable")}
	d, s, _, _ := newTestDispatcher(t, config.SchedulerConfig{MaxConcurrent: 5, MaxProjectRetries: 5}, setup)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "spec.md", "/work/flaky", nil)
	require.NoError(t, err)

	claimed, err := d.tick(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	p, err := s.GetProject(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, p.Status)
	require.Equal(t, 1, p.RetryCount)
}

func TestDispatcherRespectsCapacity(t *testing.T) {
	setup := &fakeSetup{result: SetupResult{SessionName: "s", EstDurationSec: 60}}
	d, s, _, _ := newTestDispatcher(t, config.SchedulerConfig{MaxConcurrent: 1}, setup)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "spec.md", "/work/a", nil)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "spec.md", "/work/b", nil)
	require.NoError(t, err)

	claimed, err := d.tick(ctx)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = d.tick(ctx)
	require.NoError(t, err)
	require.False(t, claimed, "second claim should be blocked by max_concurrent")
}
