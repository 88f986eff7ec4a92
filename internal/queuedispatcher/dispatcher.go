// Package queuedispatcher runs the loop that claims queued projects, resumes
// or sets up their session, and transitions them into PROCESSING.
package queuedispatcher

import (
	"context"
	"fmt"
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

// SetupResult is what a SetupCollaborator returns on success: the name of
// the session it created, and the duration it expects the project to run
// for (used to derive the hard watchdog deadline).
type SetupResult struct {
	SessionName    string
	EstDurationSec int64
}

// SetupCollaborator is the external project-setup collaborator: given a spec
// and a working directory, it creates and names a terminal session before
// returning, or fails within deadline.
type SetupCollaborator interface {
	Setup(ctx context.Context, specPath, projectPath string, deadline time.Time) (SetupResult, error)
}

// Dispatcher claims queued projects and drives them into PROCESSING, either
// by resuming a live session or by invoking the SetupCollaborator.
type Dispatcher struct {
	store        *store.Store
	driver       session.Driver
	setup        SetupCollaborator
	eventBus     bus.EventBus
	clock        clock.Clock
	log          *logger.Logger
	cfg          config.SchedulerConfig
	watchdog     config.WatchdogConfig
	setupTimeout time.Duration
}

// New builds a Dispatcher. setupTimeout bounds each call to the
// SetupCollaborator.
func New(s *store.Store, driver session.Driver, setup SetupCollaborator, eb bus.EventBus, c clock.Clock, log *logger.Logger, cfg config.SchedulerConfig, watchdog config.WatchdogConfig, setupTimeout time.Duration) *Dispatcher {
	if setupTimeout <= 0 {
		setupTimeout = 30 * time.Second
	}
	return &Dispatcher{
		store:        s,
		driver:       driver,
		setup:        setup,
		eventBus:     eb,
		clock:        c,
		log:          log.WithFields(zap.String("component", "queue_dispatcher")),
		cfg:          cfg,
		watchdog:     watchdog,
		setupTimeout: setupTimeout,
	}
}

// Run blocks, claiming and driving projects every PollIntervalSec until ctx
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := time.Duration(d.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	d.log.Info("queue dispatcher starting", zap.Duration("poll_interval", interval))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("queue dispatcher stopping")
			return
		default:
		}

		claimed, err := d.tick(ctx)
		if err != nil {
			d.log.Error("queue dispatcher tick failed", zap.Error(err))
		}
		if claimed {
			continue // keep draining while work is available
		}

		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(interval):
		}
	}
}

// tick performs one capacity-check/claim/dispatch cycle. It returns true if
// a project was claimed (whether or not it succeeded), signaling the caller
// to retry immediately instead of sleeping a full interval.
func (d *Dispatcher) tick(ctx context.Context) (bool, error) {
	atCapacity, err := d.atCapacity(ctx)
	if err != nil {
		return false, err
	}
	if atCapacity {
		return false, nil
	}

	project, err := d.store.ClaimNext(ctx)
	if err != nil {
		return false, err
	}
	if project == nil {
		return false, nil
	}

	d.dispatch(ctx, project)
	return true, nil
}

func (d *Dispatcher) atCapacity(ctx context.Context) (bool, error) {
	if d.cfg.MaxConcurrent <= 0 {
		return false, nil
	}
	processing, err := d.store.ProjectsByStatus(ctx, store.StatusProcessing)
	if err != nil {
		return false, err
	}
	return len(processing) >= d.cfg.MaxConcurrent, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, p *store.Project) {
	log := d.log.WithProjectID(p.ID)

	if sessionName, ok := d.findResumableSession(ctx, p); ok {
		now := d.clock.Now().Unix()
		err := d.store.Transition(ctx, p.ID, store.StatusClaiming, store.StatusProcessing, store.TransitionPatch{
			SessionName: &sessionName,
			StartedAt:   &now,
		})
		if err != nil {
			log.Error("failed to transition resumed project to processing", zap.Error(err))
			d.requeue(ctx, p, fmt.Sprintf("resume transition failed: %v", err))
			return
		}
		d.publish(ctx, events.ProjectResumed, p.ID, sessionName)
		log.Info("resumed project from live session", zap.String("session_name", sessionName))
		return
	}

	d.setupProject(ctx, p, log)
}

// findResumableSession asks the driver for any live session whose name
// matches the project's canonical path-derived prefix, so a restarted
// daemon adopts an already-running session instead of re-running setup.
// See DESIGN.md for why prefix matching was chosen over sidecar recording.
func (d *Dispatcher) findResumableSession(ctx context.Context, p *store.Project) (string, bool) {
	prefix := canonicalPrefix(p.ProjectPath)
	if prefix == "" {
		return "", false
	}
	live, err := d.driver.ListSessions(ctx)
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

func (d *Dispatcher) setupProject(ctx context.Context, p *store.Project, log *logger.Logger) {
	deadline := d.clock.Now().Add(d.setupTimeout)
	setupCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	result, err := d.setup.Setup(setupCtx, p.SpecPath, p.ProjectPath, deadline)
	if err != nil {
		d.handleSetupFailure(ctx, p, err, log)
		return
	}

	now := d.clock.Now()
	factor := d.watchdog.Factor
	if factor <= 0 {
		factor = 1
	}
	deadlineUnix := now.Unix() + int64(float64(result.EstDurationSec)*factor)
	startedAt := now.Unix()

	err = d.store.Transition(ctx, p.ID, store.StatusClaiming, store.StatusProcessing, store.TransitionPatch{
		SessionName:     &result.SessionName,
		StartedAt:       &startedAt,
		TimeoutDeadline: &deadlineUnix,
	})
	if err != nil {
		log.Error("failed to transition set-up project to processing", zap.Error(err))
		d.requeue(ctx, p, fmt.Sprintf("setup transition failed: %v", err))
		return
	}
	d.publish(ctx, events.ProjectStarted, p.ID, result.SessionName)
	log.Info("project set up and started", zap.String("session_name", result.SessionName))
}

func (d *Dispatcher) handleSetupFailure(ctx context.Context, p *store.Project, setupErr error, log *logger.Logger) {
	log.Warn("project setup failed", zap.Error(setupErr))

	newRetryCount := p.RetryCount + 1
	maxRetries := d.cfg.MaxProjectRetries
	if maxRetries > 0 && newRetryCount >= maxRetries {
		msg := setupErr.Error()
		if err := d.store.Transition(ctx, p.ID, store.StatusClaiming, store.StatusFailed, store.TransitionPatch{
			ErrorMessage: &msg,
			RetryCount:   &newRetryCount,
		}); err != nil {
			log.Error("failed to fail out project after setup retries exhausted", zap.Error(err))
		}
		d.publish(ctx, events.ProjectFailed, p.ID, "")
		return
	}

	d.requeue(ctx, p, setupErr.Error())
}

func (d *Dispatcher) requeue(ctx context.Context, p *store.Project, reason string) {
	newRetryCount := p.RetryCount + 1
	if err := d.store.Transition(ctx, p.ID, store.StatusClaiming, store.StatusQueued, store.TransitionPatch{
		RetryCount:   &newRetryCount,
		ErrorMessage: &reason,
	}); err != nil {
		d.log.Error("failed to requeue project after setup failure", zap.Int64("project_id", p.ID), zap.Error(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, projectID int64, sessionName string) {
	data := map[string]interface{}{"project_id": projectID}
	if sessionName != "" {
		data["session_name"] = sessionName
	}
	evt := bus.NewEvent(eventType, "queue_dispatcher", data)
	_ = d.eventBus.Publish(ctx, events.BuildProjectSubject(projectID), evt)
}
