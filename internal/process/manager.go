// Package process spawns provider CLI processes and supervises their
// lifecycle: line-oriented stdout delivery, bounded stderr capture, and
// process-group termination.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentd/agentd/internal/common/logger"
)

const (
	// Stream-JSON lines can carry whole tool results, so the stdout
	// scanner must tolerate very large single-line payloads (up to 10MB).
	initialScanBuffer = 64 * 1024
	maxScanBuffer     = 10 * 1024 * 1024

	// maxStderrLines bounds the retained stderr tail used for error
	// reporting when a process exits non-zero.
	maxStderrLines = 50

	// DefaultKillWait is how long a terminated process may linger after
	// SIGTERM before its group is force-killed.
	DefaultKillWait = 5 * time.Second
)

// ansiPattern matches ANSI escape sequences so stderr diagnostics stay
// readable in logs and API responses.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Spec describes a process to spawn.
type Spec struct {
	// Command is the binary to execute, or the full shell line when
	// UseShell is set.
	Command string
	// Args are passed verbatim to the binary.
	Args []string
	// Dir is the working directory. Empty means inherit.
	Dir string
	// Env entries are appended to the parent environment.
	Env map[string]string
	// UseShell runs Command through the platform shell so operators can
	// configure pipelines or wrapper scripts as provider binaries.
	UseShell bool
}

// LineHandler receives each non-empty stdout line. Handlers run on the
// reader goroutine, so a slow handler applies backpressure to the child
// through the pipe instead of buffering unboundedly.
type LineHandler func(line string)

// Manager spawns and signals processes.
type Manager struct {
	log      *logger.Logger
	killWait time.Duration
}

// NewManager returns a Manager that logs through log.
func NewManager(log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		log:      log.WithComponent("process"),
		killWait: DefaultKillWait,
	}
}

// Spawn starts the process described by spec and wires its stdout to
// onLine. The returned Proc is already running; callers observe exit via
// Done and stop it via Stop. The context only gates the spawn itself:
// once started, the process outlives the caller's context and is
// terminated explicitly.
func (m *Manager) Spawn(ctx context.Context, spec Spec, onLine LineHandler) (*Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("process: command is required")
	}

	// exec.Command rather than exec.CommandContext: the spawning context
	// routinely ends (HTTP request scope) while the agent process keeps
	// running. Termination is driven through Stop and Kill instead.
	var cmd *exec.Cmd
	if spec.UseShell {
		shell, flag := shellCommand()
		line := spec.Command
		if len(spec.Args) > 0 {
			line += " " + strings.Join(spec.Args, " ")
		}
		cmd = exec.Command(shell, flag, line)
	} else {
		cmd = exec.Command(spec.Command, spec.Args...)
	}
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("process: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: start %s: %w", spec.Command, err)
	}

	p := &Proc{
		cmd:      cmd,
		stdin:    stdin,
		log:      m.log,
		killWait: m.killWait,
		done:     make(chan struct{}),
	}
	p.running.Store(true)

	p.readers.Add(2)
	go p.readStdout(stdout, onLine)
	go p.readStderr(stderr)
	go p.waitForExit()

	m.log.Info("process started",
		zap.String("command", spec.Command),
		zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// IsRunning reports whether pid refers to a live process, probed with
// signal 0. A permission error still counts as running.
func (m *Manager) IsRunning(pid int) bool {
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

// Kill terminates the process group for pid without a Proc handle, for
// example when reclaiming an orphan recorded by a previous instance.
// SIGTERM first, then SIGKILL once the kill wait expires.
func (m *Manager) Kill(ctx context.Context, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("process: invalid pid %d", pid)
	}
	if !m.IsRunning(pid) {
		return nil
	}
	if err := terminateProcessGroup(pid); err != nil {
		m.log.Warn("graceful terminate failed, escalating",
			zap.Int("pid", pid), zap.Error(err))
		return killProcessGroup(pid)
	}

	deadline := time.NewTimer(m.killWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = killProcessGroup(pid)
			return ctx.Err()
		case <-deadline.C:
			m.log.Warn("process ignored SIGTERM, sending SIGKILL", zap.Int("pid", pid))
			return killProcessGroup(pid)
		case <-tick.C:
			if !m.IsRunning(pid) {
				return nil
			}
		}
	}
}

// Proc is a spawned process under supervision.
type Proc struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	log      *logger.Logger
	killWait time.Duration

	readers  sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	running  atomic.Bool
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	mu         sync.Mutex
	stderrTail []string
}

// errorWrapper lets an error live in an atomic.Value, which cannot hold
// a nil interface directly.
type errorWrapper struct {
	err error
}

// PID returns the operating system process id.
func (p *Proc) PID() int {
	return p.cmd.Process.Pid
}

// Running reports whether the process has not yet exited.
func (p *Proc) Running() bool {
	return p.running.Load()
}

// Done is closed once the process has exited and its pipes are drained.
func (p *Proc) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits or ctx is cancelled.
func (p *Proc) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode returns the exit code recorded at process exit. It is only
// meaningful once Done is closed. Exits caused by signals map to -1.
func (p *Proc) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitErr returns the error from the process wait, if any.
func (p *Proc) ExitErr() error {
	if wrapped, ok := p.exitErr.Load().(errorWrapper); ok {
		return wrapped.err
	}
	return nil
}

// RecentStderr returns a copy of the retained stderr tail.
func (p *Proc) RecentStderr() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.stderrTail))
	copy(out, p.stderrTail)
	return out
}

// Stop shuts the process down: stdin is closed, the process group gets
// SIGTERM, and if it is still alive after the kill wait (or ctx ends
// first) the group is force-killed. Safe to call more than once.
func (p *Proc) Stop(ctx context.Context) error {
	pid := p.cmd.Process.Pid
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		if p.running.Load() {
			if err := terminateProcessGroup(pid); err != nil {
				p.log.Debug("terminate signal failed",
					zap.Int("pid", pid), zap.Error(err))
			}
		}
	})

	graceful := time.NewTimer(p.killWait)
	defer graceful.Stop()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	case <-graceful.C:
		p.log.Warn("process ignored SIGTERM, sending SIGKILL", zap.Int("pid", pid))
	}

	if p.running.Load() {
		_ = killProcessGroup(pid)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

func (p *Proc) readStdout(r io.Reader, onLine LineHandler) {
	defer p.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), maxScanBuffer)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if onLine != nil {
			onLine(line)
		}
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug("stdout reader stopped",
			zap.Int("pid", p.cmd.Process.Pid), zap.Error(err))
	}
}

func (p *Proc) readStderr(r io.Reader) {
	defer p.readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), maxScanBuffer)
	for scanner.Scan() {
		p.appendStderr(scanner.Text())
	}
}

func (p *Proc) appendStderr(line string) {
	line = ansiPattern.ReplaceAllString(line, "")
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stderrTail = append(p.stderrTail, line)
	if len(p.stderrTail) > maxStderrLines {
		p.stderrTail = p.stderrTail[len(p.stderrTail)-maxStderrLines:]
	}
}

// waitForExit reaps the process after both pipe readers finish, records
// the exit code, and releases stdio.
func (p *Proc) waitForExit() {
	p.readers.Wait()

	err := p.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
		p.exitErr.Store(errorWrapper{err: err})
	}
	p.exitCode.Store(int32(code))
	p.running.Store(false)
	_ = p.stdin.Close()
	close(p.done)

	p.log.Debug("process exited",
		zap.Int("pid", p.cmd.Process.Pid),
		zap.Int("exit_code", code))
}
