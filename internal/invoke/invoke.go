package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/mattjoyce/tinyc/internal/log"
)

const (
	// MaxOutputBytes caps the amount of stdout and stderr kept per stream.
	MaxOutputBytes = 64 * 1024

	// DefaultTimeout applies when a Command carries no timeout of its own.
	DefaultTimeout = 60 * time.Second

	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/tinyc/internal/invoke Runner

// Runner executes a single external command.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Command describes one tool invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
	// Env entries are appended to the inherited environment.
	Env []string
}

// String renders the command line for logs and reports.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the immutable record of one finished invocation.
type Result struct {
	Command   string        `json:"command"`
	Args      []string      `json:"args,omitempty"`
	Dir       string        `json:"dir"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration_ns"`
	Truncated bool          `json:"truncated,omitempty"`
}

// Success reports a zero exit code.
func (r Result) Success() bool { return r.ExitCode == 0 }

// CommandLine renders the invoked command and its arguments.
func (r Result) CommandLine() string {
	return Command{Name: r.Command, Args: r.Args}.String()
}

// Invoker is the os/exec backed Runner.
type Invoker struct {
	grace          time.Duration
	defaultTimeout time.Duration
	maxOutput      int
	logger         *slog.Logger
}

var _ Runner = (*Invoker)(nil)

// Option customises an Invoker.
type Option func(*Invoker)

// WithGracePeriod sets the SIGTERM→SIGKILL grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.grace = d
		}
	}
}

// WithDefaultTimeout sets the timeout for commands that carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.defaultTimeout = d
		}
	}
}

// New creates an Invoker.
func New(opts ...Option) *Invoker {
	i := &Invoker{
		grace:          DefaultGracePeriod,
		defaultTimeout: DefaultTimeout,
		maxOutput:      MaxOutputBytes,
		logger:         log.WithComponent("invoke"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Run starts c in c.Dir and blocks until it exits, times out, or ctx is done.
func (i *Invoker) Run(ctx context.Context, c Command) (Result, error) {
	res := Result{
		Command: c.Name,
		Args:    append([]string(nil), c.Args...),
		Dir:     c.Dir,
	}
	if strings.TrimSpace(c.Name) == "" {
		return res, &SpawnError{Command: c.String(), Err: errors.New("command name is empty")}
	}
	if strings.TrimSpace(c.Dir) == "" {
		return res, &SpawnError{Command: c.String(), Err: errors.New("working directory is required")}
	}
	if err := ctx.Err(); err != nil {
		return res, &CanceledError{Command: c.String(), Result: res, Err: err}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = i.defaultTimeout
	}

	// Termination is managed here rather than through CommandContext so the
	// whole process group gets SIGTERM before SIGKILL.
	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.WaitDelay = i.grace
	setProcessGroup(cmd)

	stdout := &cappedBuffer{limit: i.maxOutput}
	stderr := &cappedBuffer{limit: i.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger := i.logger.With("command", c.String(), "dir", c.Dir)
	logger.Debug("starting tool", "timeout", timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return res, &SpawnError{Command: c.String(), Err: err}
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	finish := func(exitCode int) Result {
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		res.Truncated = stdout.truncated || stderr.truncated
		res.ExitCode = exitCode
		res.Duration = time.Since(start)
		return res
	}

	select {
	case <-timer.C:
		logger.Warn("tool timed out, terminating", "timeout", timeout)
		i.terminate(cmd, waitErr, logger)
		return finish(-1), &TimeoutError{Command: c.String(), Timeout: timeout, Result: finish(-1)}

	case <-ctx.Done():
		logger.Warn("tool cancelled, terminating")
		i.terminate(cmd, waitErr, logger)
		return finish(-1), &CanceledError{Command: c.String(), Result: finish(-1), Err: ctx.Err()}

	case err := <-waitErr:
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return finish(-1), fmt.Errorf("wait for %s: %w", c.String(), err)
			}
			exitCode = exitErr.ExitCode()
		}
		r := finish(exitCode)
		logger.Debug("tool exited", "exit_code", exitCode, "duration_ms", r.Duration.Milliseconds())
		return r, nil
	}
}

// terminate sends SIGTERM to the process group, waits for the grace period,
// then SIGKILLs whatever is left. It returns once Wait has returned.
func (i *Invoker) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if err := signalTerminate(cmd); err != nil {
		logger.Debug("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(i.grace)
	defer grace.Stop()

	select {
	case <-waitErr:
		return
	case <-grace.C:
		logger.Warn("tool did not exit after SIGTERM, sending SIGKILL")
		if err := signalKill(cmd); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

// cappedBuffer keeps the first limit bytes written and silently drops the
// rest so the child never blocks on a full pipe.
type cappedBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }
