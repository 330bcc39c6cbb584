// Package privilege obtains root for the privileged stages of a job with a single authentication
// and hands it out to one owner at a time.
package privilege

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/process"
)

var (
	// ErrSessionBusy is returned under the reject policy while another owner holds the grant.
	ErrSessionBusy = errors.New("privileged session is held by another job")
	// ErrPrivilegeDenied is returned when authentication is rejected or dismissed.
	ErrPrivilegeDenied = errors.New("privilege denied")
	// ErrGrantReleased is returned by the runner of a released grant.
	ErrGrantReleased = errors.New("privilege grant released")
)

// BusyPolicy decides what Acquire does while the session is held.
type BusyPolicy string

const (
	BusyReject BusyPolicy = "reject"
	BusyQueue  BusyPolicy = "queue"
)

// ParseBusyPolicy accepts "reject" and "queue"; empty means reject.
func ParseBusyPolicy(value string) (BusyPolicy, error) {
	switch BusyPolicy(value) {
	case "", BusyReject:
		return BusyReject, nil
	case BusyQueue:
		return BusyQueue, nil
	default:
		return "", fmt.Errorf("unknown busy policy %q", value)
	}
}

// Escalator authenticates once and returns a channel that runs commands as root.
type Escalator interface {
	Name() string
	Open(ctx context.Context) (Channel, error)
}

// Channel runs commands with elevated privileges until closed.
type Channel interface {
	process.Runner
	Close() error
}

// Session serializes access to an Escalator. A Session must be created with NewSession.
type Session struct {
	logger    *slog.Logger
	escalator Escalator
	policy    BusyPolicy

	slot  chan struct{}
	mu    sync.Mutex
	owner string
}

// NewSession returns a session that authenticates through escalator.
func NewSession(escalator Escalator, policy BusyPolicy, logger *slog.Logger) *Session {
	if policy == "" {
		policy = BusyReject
	}
	return &Session{
		logger:    logging.Ensure(logger).With("component", "privilege"),
		escalator: escalator,
		policy:    policy,
		slot:      make(chan struct{}, 1),
	}
}

// Holder returns the owner of the current grant, or "".
func (s *Session) Holder() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Acquire authenticates and returns a grant owned by owner. Authentication failures are reported
// as ErrPrivilegeDenied; in that case nothing privileged was run.
func (s *Session) Acquire(ctx context.Context, owner string) (*Grant, error) {
	if s.escalator == nil {
		return nil, fmt.Errorf("%w: no escalation method configured", ErrPrivilegeDenied)
	}
	logger := s.logger.With("owner", owner, "method", s.escalator.Name())

	switch s.policy {
	case BusyQueue:
		select {
		case s.slot <- struct{}{}:
		default:
			logger.Info("waiting for privileged session", "holder", s.Holder())
			select {
			case s.slot <- struct{}{}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	default:
		select {
		case s.slot <- struct{}{}:
		default:
			return nil, fmt.Errorf("%w: %s", ErrSessionBusy, s.Holder())
		}
	}

	channel, err := s.escalator.Open(ctx)
	if err != nil {
		<-s.slot
		if errors.Is(err, ErrPrivilegeDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrPrivilegeDenied, err)
	}

	s.mu.Lock()
	s.owner = owner
	s.mu.Unlock()
	logger.Info("privileged session acquired")
	return &Grant{session: s, owner: owner, channel: channel}, nil
}

func (s *Session) release(g *Grant) error {
	err := g.channel.Close()
	s.mu.Lock()
	s.owner = ""
	s.mu.Unlock()
	<-s.slot
	s.logger.Info("privileged session released", "owner", g.owner)
	return err
}

// Grant is the proof of an authenticated session held by one owner.
type Grant struct {
	session  *Session
	owner    string
	channel  Channel
	released atomic.Bool
	once     sync.Once
	err      error
}

// Owner returns the owner passed to Acquire.
func (g *Grant) Owner() string { return g.owner }

// Released reports whether Release was called.
func (g *Grant) Released() bool { return g.released.Load() }

// Runner runs commands as root while the grant is held.
func (g *Grant) Runner() process.Runner { return grantRunner{grant: g} }

// Release closes the channel and frees the session. It is safe to call more than once.
func (g *Grant) Release() error {
	if g == nil {
		return nil
	}
	g.once.Do(func() {
		g.released.Store(true)
		g.err = g.session.release(g)
	})
	return g.err
}

type grantRunner struct {
	grant *Grant
}

func (r grantRunner) Run(ctx context.Context, cmd process.Command, onLine process.LineFunc) (process.Result, error) {
	if r.grant.released.Load() {
		return process.Result{}, ErrGrantReleased
	}
	return r.grant.channel.Run(ctx, cmd, onLine)
}
