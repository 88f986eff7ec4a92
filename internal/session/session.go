// Package session implements the SessionDriver capability set over named PTY
// processes: list_sessions, has_session, create_session, kill_session,
// send_keys, and capture_pane. Grounded on the PTY-backed shell session
// (creack/pty, ring-buffered output, OS-aware shell detection) and on the
// vt10x-based terminal emulation used to turn raw PTY bytes into a stable
// rendered-text view for state detection.
package session

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/tuzig/vt10x"

	"github.com/dancegit/tmux-orchestrator/internal/orcherr"
)

const (
	termCols = 120
	termRows = 40
)

// Driver is the capability set every component above it depends on. A real
// driver backs production; FakeDriver backs unit tests.
type Driver interface {
	ListSessions(ctx context.Context) ([]string, error)
	HasSession(ctx context.Context, name string) (bool, error)
	CreateSession(ctx context.Context, name, cwd, initialCommand string) error
	KillSession(ctx context.Context, name string) error
	SendKeys(ctx context.Context, name string, windowIndex int, text string) error
	CapturePane(ctx context.Context, name string, windowIndex int, maxLines int) (string, error)
	// StartedAt reports when the named session was created, used by
	// SessionMonitor to judge orphan age.
	StartedAt(ctx context.Context, name string) (time.Time, error)
}

// pane is a single named PTY process plus its terminal emulator.
type pane struct {
	name      string
	cwd       string
	pty       *os.File
	cmd       *exec.Cmd
	term      vt10x.Terminal
	startedAt time.Time

	mu      sync.Mutex
	running bool
}

// PTYDriver is the production SessionDriver backed by real PTY processes.
type PTYDriver struct {
	mu     sync.RWMutex
	panes  map[string]*pane
}

// NewPTYDriver constructs an empty PTYDriver.
func NewPTYDriver() *PTYDriver {
	return &PTYDriver{panes: make(map[string]*pane)}
}

func (d *PTYDriver) ListSessions(_ context.Context) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.panes))
	for name, p := range d.panes {
		p.mu.Lock()
		alive := p.running
		p.mu.Unlock()
		if alive {
			names = append(names, name)
		}
	}
	return names, nil
}

func (d *PTYDriver) HasSession(_ context.Context, name string) (bool, error) {
	d.mu.RLock()
	p, ok := d.panes[name]
	d.mu.RUnlock()
	if !ok {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, nil
}

func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", nil
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	return "/bin/sh", nil
}

func (d *PTYDriver) CreateSession(ctx context.Context, name, cwd, initialCommand string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.panes[name]; ok {
		existing.mu.Lock()
		alive := existing.running
		existing.mu.Unlock()
		if alive {
			return orcherr.New(orcherr.StateConflict, fmt.Sprintf("session %q already exists", name))
		}
	}

	shell, args := detectShell()
	cmd := exec.CommandContext(context.Background(), shell, args...) //nolint:contextcheck // session must outlive the caller's request context
	cmd.Dir = cwd

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: termCols, Rows: termRows})
	if err != nil {
		return orcherr.Wrap(orcherr.Fatal, "start pty", err)
	}

	p := &pane{
		name:      name,
		cwd:       cwd,
		pty:       f,
		cmd:       cmd,
		term:      vt10x.New(vt10x.WithSize(termCols, termRows)),
		startedAt: time.Now(),
		running:   true,
	}
	d.panes[name] = p

	go p.pump()

	if initialCommand != "" {
		if err := d.SendKeys(ctx, name, 0, initialCommand); err != nil {
			return err
		}
	}
	return nil
}

// pump continuously feeds PTY output into the terminal emulator so
// CapturePane always reflects the current screen.
func (p *pane) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := p.pty.Read(buf)
		if n > 0 {
			_, _ = p.term.Write(buf[:n])
		}
		if err != nil {
			p.mu.Lock()
			p.running = false
			p.mu.Unlock()
			return
		}
	}
}

func (d *PTYDriver) KillSession(_ context.Context, name string) error {
	d.mu.Lock()
	p, ok := d.panes[name]
	if ok {
		delete(d.panes, name)
	}
	d.mu.Unlock()
	if !ok {
		return orcherr.New(orcherr.NotFound, fmt.Sprintf("session %q", name))
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	_ = p.pty.Close()
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return nil
}

// SendKeys writes text to the pane followed by a mandatory newline; messages
// without it are never valid input per the capability contract.
func (d *PTYDriver) SendKeys(_ context.Context, name string, _ int, text string) error {
	d.mu.RLock()
	p, ok := d.panes[name]
	d.mu.RUnlock()
	if !ok {
		return orcherr.New(orcherr.NotFound, fmt.Sprintf("session %q", name))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return orcherr.New(orcherr.NotFound, fmt.Sprintf("session %q is not running", name))
	}
	if _, err := p.pty.Write([]byte(text + "\n")); err != nil {
		return orcherr.Wrap(orcherr.Transient, "write to pty", err)
	}
	return nil
}

// CapturePane renders the current screen through vt10x and returns the last
// maxLines non-empty lines, the rendered-text view a raw byte dump cannot
// give: a shell prompt repaint never shows up as trailing blank noise.
func (d *PTYDriver) CapturePane(_ context.Context, name string, _ int, maxLines int) (string, error) {
	d.mu.RLock()
	p, ok := d.panes[name]
	d.mu.RUnlock()
	if !ok {
		return "", orcherr.New(orcherr.NotFound, fmt.Sprintf("session %q", name))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	lines := make([]string, 0, termRows)
	for row := 0; row < termRows; row++ {
		var chars []rune
		for col := 0; col < termCols; col++ {
			g := p.term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines = append(lines, string(chars))
	}

	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}

	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out, nil
}

func (d *PTYDriver) StartedAt(_ context.Context, name string) (time.Time, error) {
	d.mu.RLock()
	p, ok := d.panes[name]
	d.mu.RUnlock()
	if !ok {
		return time.Time{}, orcherr.New(orcherr.NotFound, fmt.Sprintf("session %q", name))
	}
	return p.startedAt, nil
}
