package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dancegit/tmux-orchestrator/internal/common/constants"
	"github.com/dancegit/tmux-orchestrator/internal/queuedispatcher"
	"github.com/dancegit/tmux-orchestrator/internal/session"
)

// DefaultSetup creates a bare tmux session named after the project's
// canonical path prefix plus a short random suffix, so a later restart's
// prefix-match lookup in queuedispatcher/sessionmonitor can find it again.
// It does not launch any agent process inside the session; that is outside
// this daemon's concern.
type DefaultSetup struct {
	Driver         session.Driver
	EstDurationSec int64
}

var _ queuedispatcher.SetupCollaborator = (*DefaultSetup)(nil)

// Setup implements queuedispatcher.SetupCollaborator.
func (d *DefaultSetup) Setup(ctx context.Context, specPath, projectPath string, deadline time.Time) (queuedispatcher.SetupResult, error) {
	prefix := filepath.Base(strings.TrimRight(projectPath, "/"))
	if prefix == "." || prefix == "" {
		prefix = "project"
	}
	name := fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])

	setupCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if err := d.Driver.CreateSession(setupCtx, name, projectPath, ""); err != nil {
		return queuedispatcher.SetupResult{}, fmt.Errorf("create session for %s: %w", specPath, err)
	}

	est := d.EstDurationSec
	if est <= 0 {
		est = int64(constants.PromptTimeout.Seconds())
	}
	return queuedispatcher.SetupResult{SessionName: name, EstDurationSec: est}, nil
}
