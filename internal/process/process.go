// Package process runs external commands in their own process group, streaming combined output
// line by line and retaining the tail for diagnostics.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/kforge/internal/logging"
)

const (
	DefaultGracePeriod = 10 * time.Second
	DefaultTailLines   = 40

	maxLineSize = 1 << 20
)

// Command describes a single external invocation.
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	// Env entries are appended to the current environment.
	Env []string `json:"env,omitempty"`
	// Stdin is not forwarded to privileged helpers.
	Stdin io.Reader `json:"-"`
}

// New is shorthand for Command{Name: name, Args: args}.
func New(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// In returns a copy of c that runs in dir.
func (c Command) In(dir string) Command {
	c.Dir = dir
	return c
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// LineFunc receives each line of combined stdout and stderr.
type LineFunc func(line string)

// Tee returns a LineFunc that writes each line to w before passing it to next.
func Tee(w io.Writer, next LineFunc) LineFunc {
	return func(line string) {
		if w != nil {
			_, _ = io.WriteString(w, line+"\n")
		}
		if next != nil {
			next(line)
		}
	}
}

// Result summarises a finished command.
type Result struct {
	Tail     []string
	Duration time.Duration
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command, onLine LineFunc) (Result, error)
}

// ExitError reports a command that ran but exited with a non-zero status.
type ExitError struct {
	Command Command
	Code    int
	Tail    []string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exit status %d", e.Command.Name, e.Code)
}

// Local runs commands on the host as the current user.
type Local struct {
	Logger *slog.Logger
	// GracePeriod is the delay between SIGTERM and SIGKILL on cancellation.
	GracePeriod time.Duration
	TailLines   int
}

var _ Runner = (*Local)(nil)

// Run starts cmd in a new process group and blocks until it exits. Cancelling ctx terminates the
// whole group, escalating to SIGKILL after the grace period.
func (l *Local) Run(ctx context.Context, c Command, onLine LineFunc) (Result, error) {
	logger := logging.Ensure(l.Logger).With("command", c.Name)
	tail := NewTail(l.tailLines())
	started := time.Now()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	reader, writer, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("create output pipe: %w", err)
	}

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = c.Stdin
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logger.Debug("starting command", "args", strings.Join(c.Args, " "), "dir", c.Dir)
	if err := cmd.Start(); err != nil {
		reader.Close()
		writer.Close()
		return Result{}, fmt.Errorf("start %s: %w", c.Name, err)
	}
	writer.Close()

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		defer reader.Close()
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			tail.Add(line)
			if onLine != nil {
				onLine(line)
			}
		}
	}()

	waited := make(chan error, 1)
	go func() {
		waited <- cmd.Wait()
	}()

	var waitErr error
	cancelled := false
	select {
	case waitErr = <-waited:
	case <-ctx.Done():
		cancelled = true
		waitErr = l.terminate(logger, cmd.Process.Pid, waited)
	}
	<-scanned

	result := Result{Tail: tail.Lines(), Duration: time.Since(started)}
	if cancelled {
		return result, fmt.Errorf("%s terminated: %w", c.Name, ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return result, &ExitError{Command: c, Code: exitErr.ExitCode(), Tail: result.Tail}
		}
		return result, fmt.Errorf("wait %s: %w", c.Name, waitErr)
	}
	return result, nil
}

func (l *Local) terminate(logger *slog.Logger, pid int, waited <-chan error) error {
	logger.Info("terminating process group", "pgid", pid, "grace_period", l.gracePeriod())
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Warn("sending SIGTERM failed", "error", err)
	}

	timer := time.NewTimer(l.gracePeriod())
	defer timer.Stop()
	select {
	case err := <-waited:
		return err
	case <-timer.C:
	}

	logger.Warn("process group ignored SIGTERM, killing", "pgid", pid)
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		logger.Warn("sending SIGKILL failed", "error", err)
	}
	return <-waited
}

func (l *Local) gracePeriod() time.Duration {
	if l.GracePeriod > 0 {
		return l.GracePeriod
	}
	return DefaultGracePeriod
}

func (l *Local) tailLines() int {
	if l.TailLines > 0 {
		return l.TailLines
	}
	return DefaultTailLines
}

// LookPath reports the absolute path of name on PATH, or "" when it is missing.
func LookPath(name string) string {
	path, err := exec.LookPath(name)
	if err != nil {
		return ""
	}
	return path
}
