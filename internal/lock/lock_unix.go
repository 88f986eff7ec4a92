// Package lock implements the single-writer advisory file lock that keeps two
// orchestrator daemons from running against the same OS-user namespace.
// Uses golang.org/x/sys/unix.Flock for the exclusive advisory lock, and a
// write-then-rename sidecar record so a reader never observes a partial
// heartbeat write.
package lock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dancegit/tmux-orchestrator/internal/clock"
	"github.com/dancegit/tmux-orchestrator/internal/orcherr"
)

// sidecar is the heartbeat record written next to the lock file.
type sidecar struct {
	PID         int    `json:"pid"`
	Host        string `json:"host"`
	AcquiredAt  int64  `json:"acquired_at"`
	HeartbeatAt int64  `json:"heartbeat_at"`
}

// Manager owns the single-writer lock for this OS-user namespace.
type Manager struct {
	path               string
	sidecarPath        string
	staleLockThreshold time.Duration
	clock              clock.Clock

	mu       sync.Mutex
	fd       int
	held     bool
	stopHB   chan struct{}
	hbDoneWg sync.WaitGroup
}

// New constructs a Manager for the lock file at path.
func New(path string, staleLockThreshold time.Duration, c clock.Clock) *Manager {
	return &Manager{
		path:               path,
		sidecarPath:        path + ".heartbeat",
		staleLockThreshold: staleLockThreshold,
		clock:              c,
	}
}

// Acquire implements the LockManager protocol: exclusive non-blocking flock,
// takeover of a provably-dead predecessor, or LockHeld.
func (m *Manager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return orcherr.Wrap(orcherr.Configuration, "create lock directory", err)
	}

	fd, err := unix.Open(m.path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return orcherr.Wrap(orcherr.Configuration, "open lock file", err)
	}

	if flockErr := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); flockErr != nil {
		takeover, checkErr := m.canTakeOver()
		if checkErr != nil || !takeover {
			_ = unix.Close(fd)
			return orcherr.New(orcherr.LockHeld, "another orchestrator daemon owns the lock")
		}
		// Predecessor is provably dead: retry the lock now that its process
		// has exited (its flock is released by the kernel on process death).
		if flockErr := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); flockErr != nil {
			_ = unix.Close(fd)
			return orcherr.New(orcherr.LockHeld, "lock contended during takeover")
		}
	}

	m.fd = fd
	m.held = true
	now := m.clock.Now()
	if err := m.writeSidecar(now, now); err != nil {
		_ = m.releaseLocked()
		return err
	}

	m.stopHB = make(chan struct{})
	m.hbDoneWg.Add(1)
	go m.heartbeatLoop(now)

	return nil
}

// canTakeOver reads the sidecar and returns true if the recorded heartbeat is
// older than staleLockThreshold and the recorded pid is not alive on this host.
func (m *Manager) canTakeOver() (bool, error) {
	data, err := os.ReadFile(m.sidecarPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No sidecar yet: treat as contended, not stale.
			return false, nil
		}
		return false, err
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return false, err
	}
	age := m.clock.Now().Unix() - sc.HeartbeatAt
	if age <= int64(m.staleLockThreshold/time.Second) {
		return false, nil
	}
	return !processAlive(sc.PID), nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs error checking only; ESRCH means the pid is gone.
	return unix.Kill(pid, 0) == nil
}

func (m *Manager) writeSidecar(acquiredAt, heartbeatAt time.Time) error {
	sc := sidecar{
		PID:         os.Getpid(),
		Host:        hostname(),
		AcquiredAt:  acquiredAt.Unix(),
		HeartbeatAt: heartbeatAt.Unix(),
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return orcherr.Wrap(orcherr.Fatal, "marshal lock sidecar", err)
	}
	tmp := m.sidecarPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return orcherr.Wrap(orcherr.Fatal, "write lock sidecar temp file", err)
	}
	if err := os.Rename(tmp, m.sidecarPath); err != nil {
		return orcherr.Wrap(orcherr.Fatal, "rename lock sidecar into place", err)
	}
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// heartbeatLoop refreshes heartbeat_at every staleLockThreshold/3, the
// interval chosen so a stale threshold always survives at least two missed
// beats before a successor may take over.
func (m *Manager) heartbeatLoop(acquiredAt time.Time) {
	defer m.hbDoneWg.Done()
	interval := m.staleLockThreshold / 3
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-m.stopHB:
			return
		case <-m.clock.After(interval):
			m.mu.Lock()
			if !m.held {
				m.mu.Unlock()
				return
			}
			_ = m.writeSidecar(acquiredAt, m.clock.Now())
			m.mu.Unlock()
		}
	}
}

// Release stops the heartbeat and drops the advisory lock. The lock also
// releases automatically if the process dies without calling Release.
func (m *Manager) Release() error {
	m.mu.Lock()
	err := m.releaseLocked()
	m.mu.Unlock()
	if m.stopHB != nil {
		m.hbDoneWg.Wait()
	}
	return err
}

func (m *Manager) releaseLocked() error {
	if !m.held {
		return nil
	}
	if m.stopHB != nil {
		close(m.stopHB)
		m.stopHB = nil
	}
	m.held = false
	if err := unix.Flock(m.fd, unix.LOCK_UN); err != nil {
		_ = unix.Close(m.fd)
		return orcherr.Wrap(orcherr.Transient, "unlock flock", err)
	}
	if err := unix.Close(m.fd); err != nil {
		return orcherr.Wrap(orcherr.Transient, "close lock fd", err)
	}
	return nil
}

// Held reports whether this Manager currently holds the lock.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held
}
