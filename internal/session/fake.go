package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/orcherr"
)

// FakeDriver is an in-memory Driver implementation backing unit tests for
// every component layered above SessionDriver, playing the same role the
// teacher's mock repositories and mock agent-manager client play in its own
// test suite.
type FakeDriver struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	clock    clock.Clock
}

type fakeSession struct {
	lines     []string
	startedAt time.Time
	alive     bool
}

// NewFakeDriver constructs an empty FakeDriver backed by the system clock.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{sessions: make(map[string]*fakeSession), clock: clock.New()}
}

// NewFakeDriverWithClock constructs an empty FakeDriver whose session
// start times are stamped from c, so tests driving a clock.Fake see
// consistent age calculations across the driver and the component under
// test.
func NewFakeDriverWithClock(c clock.Clock) *FakeDriver {
	return &FakeDriver{sessions: make(map[string]*fakeSession), clock: c}
}

func (f *FakeDriver) ListSessions(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sessions))
	for name, s := range f.sessions {
		if s.alive {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *FakeDriver) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	return ok && s.alive, nil
}

func (f *FakeDriver) CreateSession(_ context.Context, name, _, initialCommand string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok && s.alive {
		return orcherr.New(orcherr.StateConflict, fmt.Sprintf("session %q already exists", name))
	}
	f.sessions[name] = &fakeSession{startedAt: f.clock.Now(), alive: true, lines: []string{"$ "}}
	if initialCommand != "" {
		f.sessions[name].lines = append(f.sessions[name].lines, initialCommand)
	}
	return nil
}

func (f *FakeDriver) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return orcherr.New(orcherr.NotFound, fmt.Sprintf("session %q", name))
	}
	s.alive = false
	return nil
}

func (f *FakeDriver) SendKeys(_ context.Context, name string, _ int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok || !s.alive {
		return orcherr.New(orcherr.NotFound, fmt.Sprintf("session %q", name))
	}
	s.lines = append(s.lines, text)
	return nil
}

func (f *FakeDriver) CapturePane(_ context.Context, name string, _ int, maxLines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return "", orcherr.New(orcherr.NotFound, fmt.Sprintf("session %q", name))
	}
	lines := s.lines
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n"), nil
}

func (f *FakeDriver) StartedAt(_ context.Context, name string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[name]
	if !ok {
		return time.Time{}, orcherr.New(orcherr.NotFound, fmt.Sprintf("session %q", name))
	}
	return s.startedAt, nil
}

// SetPaneLines overwrites the simulated pane contents directly, letting tests
// stage a shell-prompt or mid-output state without replaying SendKeys.
func (f *FakeDriver) SetPaneLines(name string, lines []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[name]; ok {
		s.lines = lines
	}
}
