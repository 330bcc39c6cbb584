package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cochaviz/kforge/internal/build"
	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/removal"
)

// Jobs is the view of the build pipeline the server drives.
type Jobs interface {
	Start(ctx context.Context, req build.Request, sink build.EventSink) (string, error)
	Cancel(id string) error
	Snapshot(id string) (build.Snapshot, error)
	List() []build.Snapshot
}

// Releases resolves a version to a catalog release.
type Releases interface {
	Lookup(ctx context.Context, version string) (catalog.KernelRelease, error)
}

// History lists recorded installations.
type History interface {
	List() ([]ledger.Entry, error)
}

// Remover uninstalls kernels.
type Remover interface {
	Remove(ctx context.Context, version string) (removal.Result, error)
}

// ErrUnknownJob is returned for job IDs the server never saw.
var ErrUnknownJob = errors.New("unknown job")

// Server answers IPC requests on a unix socket.
type Server struct {
	Logger     *slog.Logger
	SocketPath string
	Jobs       Jobs
	Releases   Releases
	History    History
	Remover    Remover
	// Retention bounds the events kept per job.
	Retention int

	mu   sync.Mutex
	logs map[string]*eventLog
}

// RemoveResult is the payload of a remove response. Error carries a partial removal's reason.
type RemoveResult struct {
	Result removal.Result `json:"result"`
	Error  string         `json:"error,omitempty"`
}

const requestTimeout = 30 * time.Second

// Serve listens until ctx is done. Jobs started through the server stay bound to ctx, so
// stopping the server cancels them.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	logger := s.logger().With("socket", s.socketPath())
	logger.Info("daemon listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})
	g.Go(func() error {
		var conns sync.WaitGroup
		defer conns.Wait()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			conns.Add(1)
			go func() {
				defer conns.Done()
				s.handle(ctx, conn)
			}()
		}
	})

	err = g.Wait()
	_ = os.Remove(s.socketPath())
	logger.Info("daemon stopped")
	return err
}

func (s *Server) listen() (net.Listener, error) {
	path := s.socketPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	// A socket left behind by a crashed daemon blocks the bind.
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return nil, fmt.Errorf("daemon already listening on %s", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		listener.Close()
		return nil, err
	}
	return listener, nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger()

	_ = conn.SetReadDeadline(time.Now().Add(requestTimeout))
	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		logger.Warn("invalid request", "error", err)
		s.reply(conn, IPCResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	logger.Debug("request", "command", req.Command, "id", req.ID)
	data, err := s.dispatch(ctx, req)
	if err != nil {
		logger.Debug("request failed", "command", req.Command, "error", err)
		s.reply(conn, IPCResponse{Error: err.Error(), Code: errorCode(err)})
		return
	}
	s.reply(conn, IPCResponse{OK: true, Data: data})
}

func (s *Server) reply(conn net.Conn, resp IPCResponse) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger().Warn("write response failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req IPCRequest) (any, error) {
	switch req.Command {
	case CommandStart:
		return s.start(ctx, req.Payload)
	case CommandCancel:
		return nil, s.Jobs.Cancel(req.ID)
	case CommandStatus:
		return s.Jobs.Snapshot(req.ID)
	case CommandList:
		return s.Jobs.List(), nil
	case CommandEvents:
		log, ok := s.eventLog(req.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownJob, req.ID)
		}
		return log.since(req.Since), nil
	case CommandHistory:
		if s.History == nil {
			return nil, errors.New("history is not available")
		}
		return s.History.List()
	case CommandRemove:
		if s.Remover == nil {
			return nil, errors.New("removal is not available")
		}
		result, err := s.Remover.Remove(ctx, req.Version)
		if err != nil && !errors.Is(err, removal.ErrRemovalPartial) {
			return nil, err
		}
		out := RemoveResult{Result: result}
		if err != nil {
			out.Error = err.Error()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}

func (s *Server) start(ctx context.Context, payload json.RawMessage) (any, error) {
	var start StartRequest
	if err := json.Unmarshal(payload, &start); err != nil {
		return nil, fmt.Errorf("decode start request: %w", err)
	}

	release := catalog.KernelRelease{Version: start.Version, Channel: start.Channel}
	if s.Releases != nil {
		found, err := s.Releases.Lookup(ctx, start.Version)
		if err != nil {
			return nil, err
		}
		if start.Channel != "" && found.Channel != start.Channel {
			return nil, fmt.Errorf("%w: %s is a %s release, not %s", build.ErrInvalidRequest, found.Version, found.Channel, start.Channel)
		}
		release = found
	}

	log := newEventLog(s.Retention)
	id, err := s.Jobs.Start(ctx, build.Request{
		Release:      release,
		Profile:      start.Profile,
		CustomName:   start.CustomName,
		Custom:       start.Custom,
		Cleanup:      start.Cleanup,
		DebugSymbols: start.DebugSymbols,
	}, log)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.logs == nil {
		s.logs = map[string]*eventLog{}
	}
	s.logs[id] = log
	s.mu.Unlock()
	return map[string]string{"id": id}, nil
}

func (s *Server) eventLog(id string) (*eventLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.logs[id]
	return log, ok
}

func (s *Server) socketPath() string {
	if s.SocketPath != "" {
		return s.SocketPath
	}
	return DefaultSocketPath
}

func (s *Server) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "daemon")
}

// PipelineJobs adapts a build pipeline to Jobs.
type PipelineJobs struct {
	Pipeline *build.Pipeline
}

var _ Jobs = PipelineJobs{}

func (p PipelineJobs) Start(ctx context.Context, req build.Request, sink build.EventSink) (string, error) {
	job, err := p.Pipeline.Start(ctx, req, sink)
	if err != nil {
		return "", err
	}
	return job.ID(), nil
}

func (p PipelineJobs) Cancel(id string) error {
	job, ok := p.Pipeline.Job(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	job.Cancel()
	return nil
}

func (p PipelineJobs) Snapshot(id string) (build.Snapshot, error) {
	job, ok := p.Pipeline.Job(id)
	if !ok {
		return build.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return job.Snapshot(), nil
}

func (p PipelineJobs) List() []build.Snapshot { return p.Pipeline.Jobs() }
