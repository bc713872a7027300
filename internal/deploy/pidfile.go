// Package deploy holds the process-level plumbing of the server: the PID
// file guarding a single `serve` instance and OS service unit generation.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const pidFileName = "customlambda.pid"

var (
	// ErrAlreadyRunning is returned by Acquire when a live server owns the PID file.
	ErrAlreadyRunning = errors.New("server already running")
	// ErrNotRunning is returned by Stop when no live server owns the PID file.
	ErrNotRunning = errors.New("server is not running")
)

// PIDFile records the pid of the running server in the data directory.
type PIDFile struct {
	path string
}

// NewPIDFile returns the PID file for dataDir.
func NewPIDFile(dataDir string) *PIDFile {
	return &PIDFile{path: filepath.Join(dataDir, pidFileName)}
}

func (p *PIDFile) Path() string { return p.path }

// Acquire claims the PID file for the current process. A file left by a
// dead process is replaced.
func (p *PIDFile) Acquire() error {
	if pid, ok := p.Running(); ok {
		return fmt.Errorf("%w (pid=%d)", ErrAlreadyRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Release removes the PID file if it still names the current process.
func (p *PIDFile) Release() error {
	pid, err := p.pid()
	if err != nil || pid != os.Getpid() {
		return err
	}
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}

// Running returns the recorded pid when that process is alive. Stale files
// are removed.
func (p *PIDFile) Running() (int, bool) {
	pid, err := p.pid()
	if err != nil || pid == 0 {
		return 0, false
	}
	if !alive(pid) {
		os.Remove(p.path)
		return 0, false
	}
	return pid, true
}

func (p *PIDFile) pid() (int, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", p.path, err)
	}
	return pid, nil
}

func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Stop sends SIGTERM to the server recorded in dataDir and waits until it
// exits or ctx is done.
func Stop(ctx context.Context, dataDir string) (int, error) {
	pf := NewPIDFile(dataDir)
	pid, ok := pf.Running()
	if !ok {
		return 0, ErrNotRunning
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal %d: %w", pid, err)
	}

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for alive(pid) {
		select {
		case <-ctx.Done():
			return pid, fmt.Errorf("waiting for %d to exit: %w", pid, ctx.Err())
		case <-tick.C:
		}
	}
	return pid, nil
}
