// Package notify wraps an opaque notification provider behind a bounded
// channel and a dedicated worker, so callers never block on outbound
// delivery.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dancegit/tmux-orchestrator/internal/common/config"
	"github.com/dancegit/tmux-orchestrator/internal/common/logger"
	"github.com/dancegit/tmux-orchestrator/internal/notifications/providers"
)

// Severity classifies a notification for the opaque notifier.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const sendTimeout = 5 * time.Second

type item struct {
	severity Severity
	subject  string
	body     string
}

// Sink is the NotificationSink: a single public method, notify, that
// enqueues to a bounded channel drained by one worker goroutine. A full
// channel drops the notification with a logged warning rather than block
// the caller.
type Sink struct {
	provider providers.Provider
	channel  string
	queue    chan item
	log      *logger.Logger
	done     chan struct{}
}

// New builds a Sink around provider, sized by cfg.QueueDepth (a depth of
// zero or less falls back to 16). The worker goroutine starts immediately
// and runs until Close.
func New(provider providers.Provider, cfg config.NotificationConfig, log *logger.Logger) *Sink {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 16
	}
	s := &Sink{
		provider: provider,
		channel:  cfg.Channel,
		queue:    make(chan item, depth),
		log:      log,
		done:     make(chan struct{}),
	}
	go s.worker()
	return s
}

// Notify enqueues a notification without blocking. If the queue is full the
// notification is dropped and a warning is logged.
func (s *Sink) Notify(severity Severity, subject, body string) {
	select {
	case s.queue <- item{severity: severity, subject: subject, body: body}:
	default:
		s.log.Warn("notification dropped: sink queue full",
			zap.String("severity", string(severity)),
			zap.String("subject", subject))
	}
}

func (s *Sink) worker() {
	defer close(s.done)
	for it := range s.queue {
		s.deliver(it)
	}
}

func (s *Sink) deliver(it item) {
	if s.provider == nil || !s.provider.Available() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	msg := providers.Message{
		EventType: string(it.severity),
		Title:     it.subject,
		Body:      it.body,
		Config: map[string]interface{}{
			"channel": s.channel,
		},
	}
	if err := s.provider.Send(ctx, msg); err != nil {
		s.log.Error("notification delivery failed",
			zap.String("severity", string(it.severity)),
			zap.String("subject", it.subject),
			zap.Error(err))
	}
}

// Close stops accepting new notifications and waits for the worker to
// drain the queue.
func (s *Sink) Close() {
	close(s.queue)
	<-s.done
}
