// Package lockfile enforces the single-orchestrator contract with a
// PID lockfile in the data directory. A second instance that observes a
// live lock exits without side effects; a lock left by a dead process
// is reclaimed.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrContended reports that another live process holds the lock.
var ErrContended = errors.New("lock held by another process")

// Lock is an acquired lockfile.
type Lock struct {
	path string
}

// Acquire takes the lock at path, reclaiming it if the recorded process
// is gone.
func Acquire(path string) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lockfile: %w", errors.Join(werr, cerr))
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lockfile %s: %w", path, err)
		}

		pid, readErr := readPID(path)
		if readErr == nil && processAlive(pid) {
			return nil, fmt.Errorf("%w: pid %d (lockfile %s)", ErrContended, pid, path)
		}
		// Stale or unreadable lock: remove and retry once.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("failed to remove stale lockfile %s: %w", path, rmErr)
		}
	}
	return nil, fmt.Errorf("%w: lockfile %s keeps reappearing", ErrContended, path)
}

// Release removes the lockfile.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lockfile: %w", err)
	}
	return nil
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive probes the pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
