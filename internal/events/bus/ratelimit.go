package bus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
)

// LoggedBus decorates any EventBus with the two cross-cutting concerns every
// publisher in the orchestrator needs: a durable JSONL append before
// fan-out, and a per-topic rate limit that critical-severity events bypass.
// Subscribe/QueueSubscribe/Request/Close/IsConnected all pass straight
// through to the wrapped bus, which already provides per-subscription FIFO
// ordering and bounded-drop semantics.
type LoggedBus struct {
	inner     EventBus
	logDir    string
	clock     clock.Clock
	log       *logger.Logger
	perMinute int

	mu      sync.Mutex
	file    *os.File
	fileDay string
	counts  map[string]*topicWindow
}

type topicWindow struct {
	windowStart time.Time
	count       int
}

var _ EventBus = (*LoggedBus)(nil)

// NewLoggedBus wraps inner with JSONL logging under logDir and a per-topic
// rate limit of perMinute non-critical publishes.
func NewLoggedBus(inner EventBus, logDir string, perMinute int, c clock.Clock, log *logger.Logger) *LoggedBus {
	return &LoggedBus{
		inner:     inner,
		logDir:    logDir,
		clock:     c,
		log:       log,
		perMinute: perMinute,
		counts:    make(map[string]*topicWindow),
	}
}

// Publish appends the event to today's JSONL log synchronously, enforces the
// per-topic rate limit (bypassed by critical severity), and then fans out
// through the wrapped bus.
func (b *LoggedBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := b.appendJSONL(subject, event); err != nil {
		b.log.Warn("failed to append event log", zap.Error(err))
	}

	if event.Severity != SeverityCritical && b.rateLimited(subject) {
		b.log.Warn("event dropped: rate limit exceeded", zap.String("subject", subject))
		return nil
	}

	return b.inner.Publish(ctx, subject, event)
}

func (b *LoggedBus) rateLimited(subject string) bool {
	if b.perMinute <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	w, ok := b.counts[subject]
	if !ok || now.Sub(w.windowStart) >= time.Minute {
		w = &topicWindow{windowStart: now, count: 0}
		b.counts[subject] = w
	}
	w.count++
	return w.count > b.perMinute
}

func (b *LoggedBus) appendJSONL(subject string, event *Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := b.clock.Now().Format("2006-01-02")
	if b.file == nil || b.fileDay != day {
		if b.file != nil {
			_ = b.file.Close()
		}
		if err := os.MkdirAll(b.logDir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(b.logDir, day+".jsonl")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		b.file = f
		b.fileDay = day
	}

	record := struct {
		Subject string `json:"subject"`
		Event   *Event `json:"event"`
	}{Subject: subject, Event: event}

	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = b.file.Write(line)
	return err
}

func (b *LoggedBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.inner.Subscribe(subject, handler)
}

func (b *LoggedBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.inner.QueueSubscribe(subject, queue, handler)
}

func (b *LoggedBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	return b.inner.Request(ctx, subject, event, timeout)
}

func (b *LoggedBus) Close() {
	b.inner.Close()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		_ = b.file.Close()
		b.file = nil
	}
}

func (b *LoggedBus) IsConnected() bool { return b.inner.IsConnected() }
