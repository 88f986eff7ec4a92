package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/db"
	"github.com/dancegit/tmux-orchestrator/internal/orcherr"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "orchestrator.db")

	writerRaw, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	readerRaw, err := db.OpenSQLiteReader(dbPath)
	require.NoError(t, err)

	pool := db.NewPool(sqlx.NewDb(writerRaw, "sqlite3"), sqlx.NewDb(readerRaw, "sqlite3"))

	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	schedCfg := config.SchedulerConfig{
		BackoffBaseSec:    30,
		BackoffMultiplier: 2,
		MaxTaskRetries:    5,
	}
	s := New(pool, schedCfg, "sqlite3", fc)
	require.NoError(t, s.migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, fc
}

func TestEnqueueAndClaimNext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "spec.md", "/work/proj", nil)
	require.NoError(t, err)
	assert.NotZero(t, id)

	claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, id, claimed.ID)
	assert.Equal(t, StatusClaiming, claimed.Status)

	// Already claimed, so a second claim should find nothing.
	next, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestClaimNextRespectsDependsOn(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	base, err := s.Enqueue(ctx, "spec.md", "/work/base", nil)
	require.NoError(t, err)
	dependent, err := s.Enqueue(ctx, "spec.md", "/work/dependent", []int64{base})
	require.NoError(t, err)

	// dependent is not eligible until base is COMPLETED: claim should return base.
	claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, base, claimed.ID)

	// Nothing else eligible yet.
	next, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, s.Transition(ctx, base, StatusClaiming, StatusProcessing, TransitionPatch{}))
	require.NoError(t, s.Transition(ctx, base, StatusProcessing, StatusCompleted, TransitionPatch{}))

	claimed, err = s.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, dependent, claimed.ID)
}

func TestTransitionRejectsStateConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "spec.md", "/work/proj", nil)
	require.NoError(t, err)

	err = s.Transition(ctx, id, StatusProcessing, StatusCompleted, TransitionPatch{})
	require.Error(t, err)
	assert.Equal(t, orcherr.StateConflict, orcherr.KindOf(err))
}

func TestRecordTaskResultOneShotDeletesOnSuccess(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()

	taskID, err := s.InsertTask(ctx, Task{
		SessionName: "proj-1", Payload: "hello", ScheduledAt: fc.Now().Unix(), MaxRetries: 5,
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordTaskResult(ctx, taskID, true, nil, fc.Now(), 30, 2))

	due, err := s.TasksDue(ctx, fc.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestRecordTaskResultBackoffAndExhaustion(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()

	taskID, err := s.InsertTask(ctx, Task{
		SessionName: "proj-1", Payload: "hello", ScheduledAt: fc.Now().Unix(), MaxRetries: 2,
	})
	require.NoError(t, err)

	// First failure: retry_count 0 -> 1, delay = 30 * 2^1 = 60s.
	err = s.RecordTaskResult(ctx, taskID, false, assert.AnError, fc.Now(), 30, 2)
	require.NoError(t, err)

	// Second failure: retry_count 1 -> 2, still within max_retries (2).
	err = s.RecordTaskResult(ctx, taskID, false, assert.AnError, fc.Now(), 30, 2)
	require.NoError(t, err)

	// Third failure: retry_count 2 -> 3, exceeds max_retries (2): disabled.
	err = s.RecordTaskResult(ctx, taskID, false, assert.AnError, fc.Now(), 30, 2)
	require.Error(t, err)
	assert.Equal(t, orcherr.Exhausted, orcherr.KindOf(err))

	fc.Advance(10 * time.Hour)
	due, err := s.TasksDue(ctx, fc.Now())
	require.NoError(t, err)
	assert.Empty(t, due, "disabled tasks must never appear in tasks_due")
}

func TestSweepStaleClaims(t *testing.T) {
	s, fc := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, "spec.md", "/work/proj", nil)
	require.NoError(t, err)
	claimed, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	fc.Advance(2 * time.Hour)
	n, err := s.SweepStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	p, err := s.GetProject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, p.Status)
}
