// Package lock guards a working directory against concurrent server
// instances. Two dispatchers over one store would double-poll jobs and
// race batch timers, so serve refuses to start while a live process
// holds the guard.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFileName is the guard file written under the autodev directory.
const PIDFileName = "autodev.pid"

// PIDGuard claims a working directory for one server process.
type PIDGuard struct {
	dir string
}

// NewPIDGuard creates a guard over dir.
func NewPIDGuard(dir string) *PIDGuard {
	return &PIDGuard{dir: dir}
}

func (g *PIDGuard) path() string {
	return filepath.Join(g.dir, PIDFileName)
}

// Acquire claims the directory for this process. A stale pidfile left
// by a dead process is cleaned up; a live holder fails the claim.
func (g *PIDGuard) Acquire() error {
	if err := g.check(); err != nil {
		return err
	}

	if err := os.MkdirAll(g.dir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", g.dir, err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(g.path(), []byte(pid), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the pidfile. Safe to call when nothing is held.
func (g *PIDGuard) Release() {
	os.Remove(g.path())
}

func (g *PIDGuard) check() error {
	data, err := os.ReadFile(g.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		// Unreadable guard, treat as stale.
		os.Remove(g.path())
		return nil
	}

	if processAlive(pid) {
		return &AlreadyRunningError{PID: pid}
	}

	os.Remove(g.path())
	return nil
}

// AlreadyRunningError reports the live process holding the guard.
type AlreadyRunningError struct {
	PID int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("autodev server already running (pid %d)", e.PID)
}

// processAlive reports whether pid names a live process. FindProcess
// always succeeds on Unix; signal 0 does the real probe.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
