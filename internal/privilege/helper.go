package privilege

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/process"
)

// HelperCommand is the hidden subcommand that serves the helper protocol.
const HelperCommand = "privileged-helper"

// Exit codes pkexec uses when authorization fails or the dialog is dismissed.
const (
	pkexecNotAuthorized = 127
	pkexecDismissed     = 126
)

const (
	requestRun    = "run"
	requestCancel = "cancel"

	eventReady = "ready"
	eventLine  = "line"
	eventExit  = "exit"
)

// helperRequest is one line on the helper's stdin.
type helperRequest struct {
	Type    string          `json:"type"`
	ID      int             `json:"id"`
	Command process.Command `json:"command,omitzero"`
}

// helperEvent is one line on the helper's stdout.
type helperEvent struct {
	Type      string   `json:"type"`
	ID        int      `json:"id,omitempty"`
	Line      string   `json:"line,omitempty"`
	Code      int      `json:"code,omitempty"`
	Error     string   `json:"error,omitempty"`
	Cancelled bool     `json:"cancelled,omitempty"`
	Tail      []string `json:"tail,omitempty"`
}

type eventWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *eventWriter) send(ev helperEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(ev)
}

// ServeHelper runs commands received on in with runner and reports their output on out. It
// returns when in is closed, cancelling a command that is still running.
func ServeHelper(ctx context.Context, in io.Reader, out io.Writer, runner process.Runner) error {
	events := &eventWriter{enc: json.NewEncoder(out)}
	if err := events.send(helperEvent{Type: eventReady}); err != nil {
		return fmt.Errorf("write ready: %w", err)
	}

	requests := make(chan helperRequest)
	readDone := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			var req helperRequest
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				readDone <- fmt.Errorf("decode request: %w", err)
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
		readDone <- scanner.Err()
	}()

	type active struct {
		id     int
		cancel context.CancelFunc
		done   chan struct{}
	}
	var current *active
	defer func() {
		if current != nil {
			current.cancel()
			<-current.done
		}
	}()

	for {
		var finished <-chan struct{}
		if current != nil {
			finished = current.done
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readDone:
			return err
		case <-finished:
			current = nil
		case req := <-requests:
			switch req.Type {
			case requestCancel:
				if current != nil && current.id == req.ID {
					current.cancel()
				}
			case requestRun:
				if current != nil {
					select {
					case <-current.done:
						current = nil
					default:
						_ = events.send(helperEvent{Type: eventExit, ID: req.ID, Code: -1, Error: "helper is busy"})
						continue
					}
				}
				runCtx, cancel := context.WithCancel(ctx)
				run := &active{id: req.ID, cancel: cancel, done: make(chan struct{})}
				current = run
				go func() {
					defer cancel()
					result, err := runner.Run(runCtx, req.Command, func(line string) {
						_ = events.send(helperEvent{Type: eventLine, ID: req.ID, Line: line})
					})
					ev := exitEvent(req.ID, result, err, runCtx.Err() != nil)
					// done closes first so the next request never sees a busy helper.
					close(run.done)
					_ = events.send(ev)
				}()
			default:
				_ = events.send(helperEvent{Type: eventExit, ID: req.ID, Code: -1, Error: fmt.Sprintf("unknown request %q", req.Type)})
			}
		}
	}
}

func exitEvent(id int, result process.Result, err error, cancelled bool) helperEvent {
	ev := helperEvent{Type: eventExit, ID: id, Tail: result.Tail}
	if err == nil {
		return ev
	}
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		ev.Code = exitErr.Code
		ev.Tail = exitErr.Tail
		return ev
	}
	ev.Code = -1
	ev.Error = err.Error()
	ev.Cancelled = cancelled
	return ev
}

// helperChannel is the client side of the helper protocol.
type helperChannel struct {
	mu     sync.Mutex
	w      io.WriteCloser
	enc    *json.Encoder
	events chan helperEvent
	nextID int
	wait   func() error

	closeOnce sync.Once
	closeErr  error
}

func newHelperChannel(w io.WriteCloser, r io.Reader, wait func() error) *helperChannel {
	c := &helperChannel{w: w, enc: json.NewEncoder(w), events: make(chan helperEvent, 64), wait: wait}
	go func() {
		defer close(c.events)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			var ev helperEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			c.events <- ev
		}
	}()
	return c
}

// ready blocks until the helper announced itself. It reports false when the helper exited first.
func (c *helperChannel) ready(ctx context.Context) (bool, error) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return false, nil
			}
			if ev.Type == eventReady {
				return true, nil
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (c *helperChannel) Run(ctx context.Context, cmd process.Command, onLine process.LineFunc) (process.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return process.Result{}, err
	}
	c.nextID++
	id := c.nextID
	cmd.Stdin = nil
	if err := c.enc.Encode(helperRequest{Type: requestRun, ID: id, Command: cmd}); err != nil {
		return process.Result{}, fmt.Errorf("send %s to privileged helper: %w", cmd.Name, err)
	}

	done := ctx.Done()
	tail := []string{}
	for {
		select {
		case <-done:
			done = nil
			if err := c.enc.Encode(helperRequest{Type: requestCancel, ID: id}); err != nil {
				return process.Result{Tail: tail}, fmt.Errorf("%s terminated: %w", cmd.Name, ctx.Err())
			}
		case ev, ok := <-c.events:
			if !ok {
				return process.Result{Tail: tail}, fmt.Errorf("privileged helper exited while running %s", cmd.Name)
			}
			if ev.ID != id {
				continue
			}
			switch ev.Type {
			case eventLine:
				tail = append(tail, ev.Line)
				if onLine != nil {
					onLine(ev.Line)
				}
			case eventExit:
				result := process.Result{Tail: ev.Tail}
				switch {
				case ev.Cancelled && ctx.Err() != nil:
					return result, fmt.Errorf("%s terminated: %w", cmd.Name, ctx.Err())
				case ev.Error != "":
					return result, fmt.Errorf("privileged %s: %s", cmd.Name, ev.Error)
				case ev.Code != 0:
					return result, &process.ExitError{Command: cmd, Code: ev.Code, Tail: ev.Tail}
				}
				return result, nil
			}
		}
	}
}

func (c *helperChannel) Close() error {
	c.closeOnce.Do(func() {
		err := c.w.Close()
		for range c.events {
		}
		if c.wait != nil {
			err = errors.Join(err, c.wait())
		}
		c.closeErr = err
	})
	return c.closeErr
}

// Pkexec starts one privileged helper through polkit, so a job authenticates once.
type Pkexec struct {
	Logger *slog.Logger
	// Executable is re-executed as the helper. Defaults to os.Executable.
	Executable string
}

var _ Escalator = (*Pkexec)(nil)

func (p *Pkexec) Name() string { return string(MethodPkexec) }

func (p *Pkexec) Open(ctx context.Context) (Channel, error) {
	logger := logging.Ensure(p.Logger).With("method", "pkexec")
	self := p.Executable
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		self = exe
	}

	cmd := exec.Command("pkexec", self, HelperCommand)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pkexec: %w", err)
	}
	logger.Debug("privileged helper started", "pid", cmd.Process.Pid)

	channel := newHelperChannel(stdin, stdout, cmd.Wait)
	ok, err := channel.ready(ctx)
	if ok {
		return channel, nil
	}
	if err != nil {
		_ = cmd.Process.Kill()
	}
	waitErr := channel.Close()

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		switch exitErr.ExitCode() {
		case pkexecNotAuthorized, pkexecDismissed:
			return nil, fmt.Errorf("%w: pkexec exited with %d", ErrPrivilegeDenied, exitErr.ExitCode())
		}
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("privileged helper exited before it was ready: %w", waitErr)
}
