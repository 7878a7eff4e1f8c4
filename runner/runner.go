package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skyform-io/skyform/log"
	"github.com/skyform-io/skyform/types"
)

// Defaults.
const (
	// DefaultTimeout bounds a command when the caller does not.
	DefaultTimeout = 10 * time.Minute
	// DefaultOutputCap bounds combined stdout+stderr capture (8 MiB).
	DefaultOutputCap = 8 << 20
	// DefaultKillGrace is the SIGTERM-to-SIGKILL escalation delay.
	DefaultKillGrace = 5 * time.Second
	// TruncationMarker is appended when captured output hits the cap.
	TruncationMarker = "\n[output truncated]"

	readChunkSize = 4096
)

// Result is the outcome of one subprocess execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Output returns stdout and stderr merged with a marker, the form persisted
// on queue commands.
func (r *Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n--- stderr ---\n" + r.Stderr
}

// Options configures one execution.
type Options struct {
	// Dir is the working directory. Empty inherits the process cwd.
	Dir string
	// Env is the full environment for the subprocess. Nil inherits.
	Env []string
	// Timeout bounds execution (default DefaultTimeout).
	Timeout time.Duration
	// OutputCap bounds combined capture in bytes (default DefaultOutputCap).
	OutputCap int
	// Correlation, when set, publishes stdout/stderr/end frames to the hub
	// under this key.
	Correlation string
}

// Runner executes commands under the host shell with capped capture, timeout
// enforcement, and optional streaming to Hub subscribers.
type Runner struct {
	shell     string
	logger    *log.Logger
	hub       *Hub
	killGrace time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithShell overrides the shell binary (default /bin/sh).
func WithShell(shell string) RunnerOption {
	return func(r *Runner) { r.shell = shell }
}

// WithKillGrace overrides the SIGTERM-to-SIGKILL delay.
func WithKillGrace(d time.Duration) RunnerOption {
	return func(r *Runner) { r.killGrace = d }
}

// New creates a Runner publishing to hub. hub may be nil when no caller
// streams.
func New(logger *log.Logger, hub *Hub, opts ...RunnerOption) *Runner {
	r := &Runner{
		shell:     "/bin/sh",
		logger:    logger,
		hub:       hub,
		killGrace: DefaultKillGrace,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes command and captures its output.
//
// The command runs under the shell for correct quoting. A non-zero exit is
// not an error here; callers inspect Result.ExitCode. Errors are reserved for
// spawn failures, timeouts (types.TimeoutError with partial output), and
// context cancellation.
func (r *Runner) Run(ctx context.Context, command string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	capBytes := opts.OutputCap
	if capBytes <= 0 {
		capBytes = DefaultOutputCap
	}

	cmd := exec.Command(r.shell, "-c", command)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	// Own process group so the whole pipeline dies on kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "stderr pipe", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, types.WrapErr(types.KindSubprocessFailed, "start command", err)
	}

	capture := newCapBuffer(capBytes)
	var wg sync.WaitGroup
	wg.Add(2)
	go r.drain(stdout, capture.stdoutWriter(), opts.Correlation, types.EventStdout, &wg)
	go r.drain(stderr, capture.stderrWriter(), opts.Correlation, types.EventStderr, &wg)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		r.kill(cmd)
		waitErr = <-done
	case <-ctx.Done():
		r.kill(cmd)
		<-done
		r.publishEnd(opts.Correlation, -1, capture)
		return nil, ctx.Err()
	}

	result := &Result{
		ExitCode: exitCode(waitErr),
		Stdout:   capture.stdout(),
		Stderr:   capture.stderr(),
		Duration: time.Since(start),
	}

	if timedOut {
		r.logger.Warn("command timed out",
			zap.String("command", command), zap.Duration("timeout", timeout))
		r.publishEnd(opts.Correlation, result.ExitCode, capture)
		return nil, &types.TimeoutError{Command: command, PartialOutput: result.Output()}
	}
	if waitErr != nil && result.ExitCode < 0 {
		return nil, types.WrapErr(types.KindSubprocessFailed, "wait for command", waitErr)
	}

	r.publishEnd(opts.Correlation, result.ExitCode, capture)
	return result, nil
}

// drain copies chunks from rd into w, forwarding each chunk verbatim to hub
// subscribers when a correlation is set.
func (r *Runner) drain(rd io.Reader, w io.Writer, correlation string, et types.EventType, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
			if r.hub != nil && correlation != "" {
				r.hub.Publish(correlation, types.StreamEvent{
					Type: et,
					Data: string(buf[:n]),
				})
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) publishEnd(correlation string, exitCode int, capture *capBuffer) {
	if r.hub == nil || correlation == "" {
		return
	}
	code := exitCode
	out := capture.stdout()
	if serr := capture.stderr(); serr != "" {
		if out != "" {
			out += "\n--- stderr ---\n"
		}
		out += serr
	}
	r.hub.Publish(correlation, types.StreamEvent{
		Type:     types.EventEnd,
		ExitCode: &code,
		Data:     out,
	})
}

// kill terminates the process group: SIGTERM, then SIGKILL after the grace
// period if the group is still alive.
func (r *Runner) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	go func() {
		time.Sleep(r.killGrace)
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}()
}

// exitCode extracts the subprocess exit code from cmd.Wait's error. Returns
// -1 when the code cannot be determined.
func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

// capBuffer accumulates stdout and stderr under a shared byte cap. Excess is
// truncated with a marker; writers never fail.
type capBuffer struct {
	mu        sync.Mutex
	limit     int
	used      int
	truncated bool
	out       bytes.Buffer
	errBuf    bytes.Buffer
}

func newCapBuffer(limit int) *capBuffer { return &capBuffer{limit: limit} }

type capWriter struct {
	cb  *capBuffer
	dst *bytes.Buffer
}

func (w capWriter) Write(p []byte) (int, error) {
	w.cb.mu.Lock()
	defer w.cb.mu.Unlock()
	remaining := w.cb.limit - w.cb.used
	if remaining <= 0 {
		if !w.cb.truncated {
			w.cb.truncated = true
			w.dst.WriteString(TruncationMarker)
		}
		return len(p), nil
	}
	n := len(p)
	if n > remaining {
		n = remaining
	}
	w.dst.Write(p[:n])
	w.cb.used += n
	if n < len(p) && !w.cb.truncated {
		w.cb.truncated = true
		w.dst.WriteString(TruncationMarker)
	}
	return len(p), nil
}

func (c *capBuffer) stdoutWriter() io.Writer { return capWriter{cb: c, dst: &c.out} }
func (c *capBuffer) stderrWriter() io.Writer { return capWriter{cb: c, dst: &c.errBuf} }

func (c *capBuffer) stdout() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *capBuffer) stderr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errBuf.String()
}
