package privilege

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/process"
)

// Method selects an Escalator.
type Method string

const (
	MethodAuto   Method = "auto"
	MethodRoot   Method = "root"
	MethodSudo   Method = "sudo"
	MethodPkexec Method = "pkexec"
)

// ParseMethod accepts the method names; empty means auto.
func ParseMethod(value string) (Method, error) {
	switch Method(value) {
	case "", MethodAuto:
		return MethodAuto, nil
	case MethodRoot, MethodSudo, MethodPkexec:
		return Method(value), nil
	default:
		return "", fmt.Errorf("unknown privilege method %q", value)
	}
}

// Environment is what method resolution looks at.
type Environment struct {
	EUID     int
	Getenv   func(string) string
	LookPath func(string) string
}

// CurrentEnvironment describes the running process.
func CurrentEnvironment() Environment {
	return Environment{EUID: unix.Geteuid(), Getenv: os.Getenv, LookPath: process.LookPath}
}

// Resolve turns auto into a concrete method: root when already root, pkexec inside a graphical
// session, sudo otherwise.
func (m Method) Resolve(env Environment) Method {
	if m != MethodAuto && m != "" {
		return m
	}
	if env.EUID == 0 {
		return MethodRoot
	}
	graphical := env.Getenv != nil && (env.Getenv("DISPLAY") != "" || env.Getenv("WAYLAND_DISPLAY") != "")
	if graphical && (env.LookPath == nil || env.LookPath("pkexec") != "") {
		return MethodPkexec
	}
	return MethodSudo
}

// Options configure NewEscalator.
type Options struct {
	Logger *slog.Logger
	// Runner executes the escalation tooling itself. Defaults to process.Local.
	Runner process.Runner
	// Executable is the binary re-executed as the pkexec helper. Defaults to os.Executable.
	Executable string
	// KeepAlive is the sudo timestamp refresh interval.
	KeepAlive time.Duration
}

// NewEscalator builds the escalator for method.
func NewEscalator(method Method, env Environment, opts Options) (Escalator, error) {
	logger := logging.Ensure(opts.Logger)
	runner := opts.Runner
	if runner == nil {
		runner = &process.Local{Logger: logger}
	}
	switch method.Resolve(env) {
	case MethodRoot:
		if env.EUID != 0 {
			return nil, fmt.Errorf("privilege method root requires running as root (euid %d)", env.EUID)
		}
		return &Root{Runner: runner}, nil
	case MethodSudo:
		return &Sudo{Logger: logger, Runner: runner, KeepAlive: opts.KeepAlive}, nil
	case MethodPkexec:
		return &Pkexec{Logger: logger, Executable: opts.Executable}, nil
	default:
		return nil, fmt.Errorf("unknown privilege method %q", method)
	}
}

// Root runs commands directly; the process already has the privileges.
type Root struct {
	Runner process.Runner
}

var _ Escalator = (*Root)(nil)

func (r *Root) Name() string { return string(MethodRoot) }

func (r *Root) Open(ctx context.Context) (Channel, error) {
	return rootChannel{Runner: r.Runner}, nil
}

type rootChannel struct {
	process.Runner
}

func (rootChannel) Close() error { return nil }

// DefaultKeepAlive refreshes the sudo timestamp well inside its default five minute lifetime.
const DefaultKeepAlive = time.Minute

// Sudo primes the sudo timestamp once and runs every command non-interactively.
type Sudo struct {
	Logger *slog.Logger
	Runner process.Runner
	// Password is asked for when no cached credentials exist. Defaults to a terminal prompt.
	Password  func() ([]byte, error)
	KeepAlive time.Duration
}

var _ Escalator = (*Sudo)(nil)

func (s *Sudo) Name() string { return string(MethodSudo) }

func (s *Sudo) Open(ctx context.Context) (Channel, error) {
	logger := logging.Ensure(s.Logger).With("method", "sudo")

	if _, err := s.Runner.Run(ctx, process.New("sudo", "-n", "-v"), nil); err != nil {
		var exitErr *process.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run sudo: %w", err)
		}
		password, err := s.password()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPrivilegeDenied, err)
		}
		validate := process.New("sudo", "-S", "-p", "", "-v")
		validate.Stdin = bytes.NewReader(append(password, '\n'))
		if _, err := s.Runner.Run(ctx, validate, nil); err != nil {
			return nil, fmt.Errorf("%w: sudo authentication failed: %w", ErrPrivilegeDenied, err)
		}
	}
	logger.Debug("sudo timestamp primed")

	channel := &sudoChannel{runner: s.Runner, logger: logger, stop: make(chan struct{})}
	channel.wg.Add(1)
	go channel.keepAlive(s.keepAlive())
	return channel, nil
}

func (s *Sudo) keepAlive() time.Duration {
	if s.KeepAlive > 0 {
		return s.KeepAlive
	}
	return DefaultKeepAlive
}

func (s *Sudo) password() ([]byte, error) {
	if s.Password != nil {
		return s.Password()
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("sudo needs a password and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "[kforge] sudo password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return password, nil
}

type sudoChannel struct {
	runner    process.Runner
	logger    *slog.Logger
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// SudoCommand wraps cmd for non-interactive execution through sudo.
func SudoCommand(cmd process.Command) process.Command {
	args := []string{"-n", "--"}
	if len(cmd.Env) > 0 {
		args = append(args, "env")
		args = append(args, cmd.Env...)
	}
	args = append(args, cmd.Name)
	args = append(args, cmd.Args...)
	return process.Command{Name: "sudo", Args: args, Dir: cmd.Dir}
}

func (c *sudoChannel) Run(ctx context.Context, cmd process.Command, onLine process.LineFunc) (process.Result, error) {
	return c.runner.Run(ctx, SudoCommand(cmd), onLine)
}

func (c *sudoChannel) keepAlive(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.runner.Run(context.Background(), process.New("sudo", "-n", "-v"), nil); err != nil {
				c.logger.Warn("refreshing sudo timestamp failed", "error", err)
			}
		}
	}
}

func (c *sudoChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		if _, kerr := c.runner.Run(context.Background(), process.New("sudo", "-k"), nil); kerr != nil {
			err = fmt.Errorf("invalidate sudo timestamp: %w", kerr)
		}
	})
	return err
}
