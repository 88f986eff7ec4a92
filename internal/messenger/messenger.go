// Package messenger delivers payloads into a target pane, gating delivery
// on pane readiness and publishing message.sent / message.failed events.
package messenger

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/events"
	"github.com/dancegit/tmux-orchestrator/internal/events/bus"
	"github.com/dancegit/tmux-orchestrator/internal/orcherr"
	"github.com/dancegit/tmux-orchestrator/internal/session"
)

const windowTarget = 0

// keystrokes sent to clear any in-progress input before the payload, spaced
// by the configured gap so the pane's line editor sees discrete events
// rather than one merged write.
const (
	keyCancel    = "\x03" // Ctrl-C
	keyEscape    = "\x1b"
	keyLineClear = "\x15" // Ctrl-U
)

// defaultReadyPromptPattern matches a shell-like prompt: the pane's last
// line ends with '$' or '#', optionally followed by trailing whitespace.
const defaultReadyPromptPattern = `[\$#]\s*$`

// Messenger delivers keystrokes into a pane behind a readiness check.
type Messenger struct {
	driver       session.Driver
	eventBus     bus.EventBus
	clock        clock.Clock
	readyRe      *regexp.Regexp
	keystrokeGap time.Duration
}

// New builds a Messenger. An empty or invalid ReadyPromptPattern falls back
// to the default shell-prompt pattern.
func New(driver session.Driver, eb bus.EventBus, c clock.Clock, cfg config.MessengerConfig) *Messenger {
	pattern := strings.TrimSpace(cfg.ReadyPromptPattern)
	re, err := regexp.Compile(pattern)
	if pattern == "" || err != nil {
		re = regexp.MustCompile(defaultReadyPromptPattern)
	}
	gap := time.Duration(cfg.KeystrokeGapMS) * time.Millisecond
	if gap <= 0 {
		gap = 100 * time.Millisecond
	}
	return &Messenger{
		driver:       driver,
		eventBus:     eb,
		clock:        c,
		readyRe:      re,
		keystrokeGap: gap,
	}
}

// Deliver sends payload into target's pane, returning orcherr.SessionUnavailable
// if the pane is not ready for input and orcherr.Transient for driver
// failures. A mandatory trailing newline is always appended.
func (m *Messenger) Deliver(ctx context.Context, target, payload string) error {
	ready, err := m.isReady(ctx, target)
	if err != nil {
		return err
	}
	if !ready {
		return orcherr.New(orcherr.SessionUnavailable, fmt.Sprintf("pane %s is not ready for input", target))
	}

	if err := m.resetInputState(ctx, target); err != nil {
		m.publishFailed(ctx, target, err)
		return orcherr.Wrap(orcherr.Transient, "reset input state", err)
	}

	if err := m.driver.SendKeys(ctx, target, windowTarget, payload+"\n"); err != nil {
		m.publishFailed(ctx, target, err)
		return orcherr.Wrap(orcherr.Transient, "send payload", err)
	}

	m.publishSent(ctx, target, len(payload))
	return nil
}

func (m *Messenger) isReady(ctx context.Context, target string) (bool, error) {
	has, err := m.driver.HasSession(ctx, target)
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "check session existence", err)
	}
	if !has {
		return false, nil
	}

	text, err := m.driver.CapturePane(ctx, target, windowTarget, 1)
	if err != nil {
		return false, orcherr.Wrap(orcherr.Transient, "capture pane", err)
	}
	lastLine := lastNonEmptyLine(text)
	return !m.readyRe.MatchString(lastLine), nil
}

func lastNonEmptyLine(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return lines[i]
		}
	}
	return ""
}

func (m *Messenger) resetInputState(ctx context.Context, target string) error {
	keys := []string{keyCancel, keyEscape, keyLineClear}
	for i, k := range keys {
		if err := m.driver.SendKeys(ctx, target, windowTarget, k); err != nil {
			return err
		}
		if i < len(keys)-1 {
			m.clock.Sleep(m.keystrokeGap)
		}
	}
	m.clock.Sleep(m.keystrokeGap)
	return nil
}

func (m *Messenger) publishSent(ctx context.Context, target string, size int) {
	evt := bus.NewEvent(events.MessageSent, "messenger", map[string]interface{}{
		"target": target,
		"size":   size,
		"ts":     m.clock.Now().UTC(),
	})
	_ = m.eventBus.Publish(ctx, events.MessageSent, evt)
}

func (m *Messenger) publishFailed(ctx context.Context, target string, cause error) {
	evt := bus.NewEvent(events.MessageFailed, "messenger", map[string]interface{}{
		"target": target,
		"error":  cause.Error(),
		"ts":     m.clock.Now().UTC(),
	})
	_ = m.eventBus.Publish(ctx, events.MessageFailed, evt)
}
