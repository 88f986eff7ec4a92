package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Driver = (*FakeDriver)(nil)
var _ Driver = (*PTYDriver)(nil)

func TestFakeDriverLifecycle(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()

	ok, err := d.HasSession(ctx, "proj-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.CreateSession(ctx, "proj-1", "/work", ""))
	ok, err = d.HasSession(ctx, "proj-1")
	require.NoError(t, err)
	assert.True(t, ok)

	names, err := d.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"proj-1"}, names)

	require.NoError(t, d.SendKeys(ctx, "proj-1", 0, "echo hi"))
	out, err := d.CapturePane(ctx, "proj-1", 0, 10)
	require.NoError(t, err)
	assert.Contains(t, out, "echo hi")

	require.NoError(t, d.KillSession(ctx, "proj-1"))
	ok, err = d.HasSession(ctx, "proj-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFakeDriverCreateSessionConflict(t *testing.T) {
	ctx := context.Background()
	d := NewFakeDriver()
	require.NoError(t, d.CreateSession(ctx, "proj-1", "/work", ""))
	err := d.CreateSession(ctx, "proj-1", "/work", "")
	require.Error(t, err)
}
