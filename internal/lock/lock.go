// Package lock enforces the single-instance guarantee through a JSON lock
// file: one agentd per lock path. Liveness of the recorded pid decides
// whether an existing lock is honored or reclaimed as stale.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
)

// Payload is the lock file contents. Incomplete or unparseable payloads are
// treated as stale locks.
type Payload struct {
	PID        int    `json:"pid"`
	Port       int    `json:"port"`
	GoVersion  string `json:"go_version"`
	StartedAt  string `json:"started_at"`
	InstanceID string `json:"instance_id"`
}

// AlreadyRunningError reports a live foreign instance holding the lock.
type AlreadyRunningError struct {
	Payload Payload
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("another instance is already running (pid %d, port %d)",
		e.Payload.PID, e.Payload.Port)
}

// IsAlreadyRunning reports whether err is an AlreadyRunningError.
func IsAlreadyRunning(err error) bool {
	var target *AlreadyRunningError
	return errors.As(err, &target)
}

// Manager owns the instance lock file.
type Manager struct {
	path       string
	port       int
	instanceID string
	log        *logger.Logger

	mu       sync.Mutex
	acquired bool
}

// NewManager creates a lock manager for the given lock file path.
func NewManager(path string, port int, instanceID string, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		path:       path,
		port:       port,
		instanceID: instanceID,
		log:        log.WithComponent("lock"),
	}
}

// Path returns the lock file path.
func (m *Manager) Path() string {
	return m.path
}

// Acquire writes the lock file for this process, creating parent directories
// as needed. When a live foreign instance already holds the lock the error
// carries its payload.
func (m *Manager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}
		// Someone holds the file. A live owner wins; a dead or corrupt one
		// is reclaimed.
		if payload, readErr := m.Read(); readErr == nil && isProcessAlive(payload.PID) {
			return &AlreadyRunningError{Payload: *payload}
		}
		if removeErr := os.Remove(m.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("failed to replace stale lock: %w", removeErr)
		}
		f, err = os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create lock file: %w", err)
		}
	}

	payload := Payload{
		PID:        os.Getpid(),
		Port:       m.port,
		GoVersion:  runtime.Version(),
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: m.instanceID,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		_ = f.Close()
		_ = os.Remove(m.path)
		return fmt.Errorf("failed to serialize lock payload: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(m.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(m.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}

	m.acquired = true
	m.log.Info("instance lock acquired",
		zap.String("path", m.path), zap.Int("pid", payload.PID))
	return nil
}

// Read loads and validates the lock file payload.
func (m *Manager) Read() (*Payload, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("malformed lock file: %w", err)
	}
	if payload.PID <= 0 {
		return nil, errors.New("malformed lock file: missing pid")
	}
	return &payload, nil
}

// HasRunningInstance reports whether the lock file names a live process.
// Missing or malformed lock files count as no running instance.
func (m *Manager) HasRunningInstance() bool {
	payload, err := m.Read()
	if err != nil {
		return false
	}
	return isProcessAlive(payload.PID)
}

// CleanupStale removes the lock file when its owner is dead or the payload
// cannot be parsed. Reports whether a file was removed.
func (m *Manager) CleanupStale() (bool, error) {
	payload, err := m.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		// Corrupted or incomplete lock: stale by definition.
		m.log.Warn("removing malformed lock file",
			zap.String("path", m.path), zap.Error(err))
		if removeErr := os.Remove(m.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return false, removeErr
		}
		return true, nil
	}

	if isProcessAlive(payload.PID) {
		return false, nil
	}
	m.log.Info("removing stale lock",
		zap.String("path", m.path), zap.Int("stale_pid", payload.PID))
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return false, err
	}
	return true, nil
}

// Release removes the lock file when this process owns it. Safe to call more
// than once and when the lock was never acquired.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.acquired {
		return nil
	}
	m.acquired = false

	payload, err := m.Read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Unreadable but ours until released: remove it anyway.
		m.log.Warn("releasing unreadable lock file", zap.Error(err))
	} else if payload.PID != os.Getpid() {
		// The file was replaced by another instance; leave it alone.
		m.log.Warn("lock file owned by another process, not removing",
			zap.Int("owner_pid", payload.PID))
		return nil
	}

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	m.log.Info("instance lock released", zap.String("path", m.path))
	return nil
}

// isProcessAlive probes pid with signal 0. Permission errors still mean the
// process exists.
func isProcessAlive(pid int) bool {
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
