// Package agent supervises the ACP agent subprocess and speaks JSON-RPC
// over its stdio.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acpproxy/acp-proxy/internal/common/logger"
	"go.uber.org/zap"
)

// Status represents the agent process status.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// stopGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
const stopGracePeriod = 3 * time.Second

// stderrBufferSize is the number of recent stderr lines kept for error context.
const stderrBufferSize = 50

// errorWrapper wraps an error so it can be stored in atomic.Value (which
// cannot store nil).
type errorWrapper struct {
	err error
}

// Process runs one agent subprocess: argv + working directory in, stdio
// pipes out. The caller owns the stdin/stdout pipes (they carry the JSON-RPC
// connection); stderr is drained into a ring buffer for diagnostics.
type Process struct {
	argv    []string
	workDir string
	env     []string
	logger  *logger.Logger

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	status   atomic.Value // Status
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	stderrBuffer []string
	stderrMu     sync.RWMutex

	wg     sync.WaitGroup
	doneCh chan struct{}

	startMu sync.Mutex
}

// NewProcess creates a process supervisor for the given command line.
func NewProcess(argv []string, workDir string, env []string, log *logger.Logger) *Process {
	p := &Process{
		argv:    argv,
		workDir: workDir,
		env:     env,
		logger:  log.WithComponent("agent-process"),
	}
	p.status.Store(StatusStopped)
	p.exitCode.Store(-1)
	return p
}

// Status returns the current process status.
func (p *Process) Status() Status {
	return p.status.Load().(Status)
}

// ExitCode returns the exit code (-1 if not exited).
func (p *Process) ExitCode() int {
	return int(p.exitCode.Load())
}

// ExitError returns the exit error if any.
func (p *Process) ExitError() error {
	if v := p.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// Stdin returns the subprocess stdin pipe. Valid after Start.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the subprocess stdout pipe. Valid after Start.
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Done returns a channel closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.doneCh }

// Start launches the subprocess with pipes wired up. Pipes must be created
// before cmd.Start; the process runs in its own process group so children
// die with it.
func (p *Process) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.Status() == StatusRunning || p.Status() == StatusStarting {
		return fmt.Errorf("agent is already running")
	}
	if len(p.argv) == 0 {
		return fmt.Errorf("no agent command configured")
	}

	p.logger.Info("starting agent process",
		zap.Strings("args", p.argv),
		zap.String("workdir", p.workDir))

	p.status.Store(StatusStarting)
	p.exitCode.Store(-1)
	p.exitErr.Store(errorWrapper{err: nil})

	// NOTE: not exec.CommandContext; the caller context must not kill the
	// agent when it completes.
	p.cmd = exec.Command(p.argv[0], p.argv[1:]...)
	p.cmd.Dir = p.workDir
	if len(p.env) > 0 {
		p.cmd.Env = p.env
	}
	setProcGroup(p.cmd)

	var err error
	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	p.stdout, err = p.cmd.StdoutPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	p.stderr, err = p.cmd.StderrPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("failed to start agent: %w", err)
	}

	p.doneCh = make(chan struct{})
	p.wg.Add(2)
	go p.readStderr()
	go p.waitForExit()

	p.status.Store(StatusRunning)
	p.logger.Info("agent process started", zap.Int("pid", p.cmd.Process.Pid))
	return nil
}

// Stop shuts the agent down: close stdin (EOF is the polite exit signal for
// stdio agents), then SIGTERM the process group, then SIGKILL after the grace
// period. Idempotent.
func (p *Process) Stop(ctx context.Context) error {
	status := p.Status()
	if status == StatusStopped || status == StatusStopping {
		return nil
	}
	p.status.Store(StatusStopping)
	p.logger.Info("stopping agent process")

	if p.doneCh == nil {
		p.status.Store(StatusStopped)
		return nil
	}

	if p.stdin != nil {
		if err := p.stdin.Close(); err != nil {
			p.logger.Debug("failed to close stdin", zap.Error(err))
		}
	}

	select {
	case <-p.doneCh:
		p.status.Store(StatusStopped)
		return nil
	case <-time.After(100 * time.Millisecond):
	}

	if p.cmd != nil && p.cmd.Process != nil {
		pid := p.cmd.Process.Pid
		if err := terminateProcessGroup(pid); err != nil {
			p.logger.Debug("failed to terminate process group", zap.Error(err))
			_ = p.cmd.Process.Signal(termSignal())
		}

		select {
		case <-p.doneCh:
		case <-time.After(stopGracePeriod):
			p.logger.Warn("agent did not exit after SIGTERM, killing process group",
				zap.Int("pid", pid))
			if err := killProcessGroup(pid); err != nil {
				p.logger.Debug("failed to kill process group, trying single process", zap.Error(err))
				if err := p.cmd.Process.Kill(); err != nil {
					p.logger.Warn("failed to kill process", zap.Error(err))
				}
			}
			<-p.doneCh
		case <-ctx.Done():
			_ = killProcessGroup(pid)
		}
	}

	p.wg.Wait()
	p.status.Store(StatusStopped)
	p.logger.Info("agent process stopped")
	return nil
}

// readStderr drains and logs stderr from the agent.
func (p *Process) readStderr() {
	defer p.wg.Done()

	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("agent stderr", zap.String("line", line))
		p.appendStderr(line)
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// ansiEscapeRegex matches ANSI escape sequences.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// appendStderr adds a line to the stderr ring buffer.
func (p *Process) appendStderr(line string) {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	cleanLine := stripANSI(line)
	if len(p.stderrBuffer) >= stderrBufferSize {
		p.stderrBuffer = p.stderrBuffer[1:]
	}
	p.stderrBuffer = append(p.stderrBuffer, cleanLine)
}

// RecentStderr returns a copy of the recent stderr lines.
func (p *Process) RecentStderr() []string {
	p.stderrMu.RLock()
	defer p.stderrMu.RUnlock()

	result := make([]string, len(p.stderrBuffer))
	copy(result, p.stderrBuffer)
	return result
}

// waitForExit waits for the process to exit and records the outcome.
func (p *Process) waitForExit() {
	defer p.wg.Done()
	defer close(p.doneCh)

	err := p.cmd.Wait()
	if err != nil {
		p.exitErr.Store(errorWrapper{err: err})
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		p.exitCode.Store(int32(exitCode))
		recentStderr := p.RecentStderr()
		p.logger.Error("agent process exited with error",
			zap.Error(err),
			zap.Int("exit_code", exitCode),
			zap.Strings("recent_stderr", recentStderr))
	} else {
		p.exitCode.Store(0)
		p.logger.Info("agent process exited successfully")
	}

	p.status.Store(StatusStopped)
}

// ExitSummary describes a process exit for user-facing error messages,
// including the tail of stderr when the exit was unclean.
func (p *Process) ExitSummary() string {
	code := p.ExitCode()
	msg := fmt.Sprintf("agent process exited with code %d", code)
	if code != 0 {
		if stderr := p.RecentStderr(); len(stderr) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, strings.Join(stderr, "; "))
		}
	}
	return msg
}
