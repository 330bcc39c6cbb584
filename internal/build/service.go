// Package build runs the kernel build state machine: download, extract, configure, compile,
// install and register a kernel, reporting every step as an ordered event stream.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/process"
)

// Pipeline starts build jobs. Each job runs on its own goroutine.
type Pipeline struct {
	Logger     *slog.Logger
	Prober     HostProber
	Resolver   SourceResolver
	Privileges Privileges
	Ledger     Recorder
	// Runner executes unprivileged commands. Defaults to process.Local.
	Runner process.Runner
	Client *http.Client
	// WorkDir holds one directory per kernel version.
	WorkDir string
	// Parallelism is passed to make -j. Defaults to the number of CPUs.
	Parallelism int
	TailLines   int
	Retry       catalog.Retry
	// Root prefixes /boot and /proc when looking for the baseline config.
	Root     string
	LookPath func(string) string
	// Tick is the interval of time-based progress estimates.
	Tick time.Duration
	Now  func() time.Time

	mu     sync.Mutex
	active map[string]*Job
	jobs   []*Job
}

// Start validates req and launches a job. It never waits for the job. A second job for a version
// that is still building is rejected with ErrJobActive. Cancelling ctx cancels the job.
func (p *Pipeline) Start(ctx context.Context, req Request, sink EventSink) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if p.WorkDir == "" {
		return nil, errors.New("build work directory is not configured")
	}

	version := req.Release.Version
	p.mu.Lock()
	if p.active == nil {
		p.active = map[string]*Job{}
	}
	if running, ok := p.active[version]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (job %s)", ErrJobActive, version, running.id)
	}

	id := uuid.NewString()
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &Job{
		id:        id,
		request:   req,
		startedAt: p.now(),
		sink:      sink,
		logger:    p.logger().With("job", id, "version", version, "profile", req.Profile),
		now:       p.now,
		state:     StatePending,
		tail:      process.NewTail(p.tailLines()),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.active[version] = job
	p.jobs = append(p.jobs, job)
	p.mu.Unlock()

	job.emit(EventJobCreated, nil)
	stop := context.AfterFunc(ctx, job.Cancel)
	go func() {
		defer stop()
		p.run(jobCtx, job)
	}()
	return job, nil
}

// Job returns the job with id.
func (p *Pipeline) Job(id string) (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, job := range p.jobs {
		if job.id == id {
			return job, true
		}
	}
	return nil, false
}

// Jobs returns snapshots of every job started by p, oldest first.
func (p *Pipeline) Jobs() []Snapshot {
	p.mu.Lock()
	jobs := slices.Clone(p.jobs)
	p.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

func (p *Pipeline) run(ctx context.Context, job *Job) {
	defer close(job.done)
	defer job.cancel()

	x := &execution{p: p, job: job, logger: job.logger}
	err := x.execute(ctx)
	x.cleanup()
	job.finish(err)
	x.closeLog()

	p.mu.Lock()
	delete(p.active, job.request.Release.Version)
	p.mu.Unlock()
}

func (p *Pipeline) logger() *slog.Logger {
	return logging.Ensure(p.Logger).With("component", "build")
}

func (p *Pipeline) runner() process.Runner {
	if p.Runner != nil {
		return p.Runner
	}
	return &process.Local{Logger: p.Logger, TailLines: p.tailLines()}
}

func (p *Pipeline) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p *Pipeline) parallelism() int {
	if p.Parallelism > 0 {
		return p.Parallelism
	}
	return runtime.NumCPU()
}

func (p *Pipeline) tailLines() int {
	if p.TailLines > 0 {
		return p.TailLines
	}
	return process.DefaultTailLines
}

func (p *Pipeline) lookPath(name string) string {
	if p.LookPath != nil {
		return p.LookPath(name)
	}
	return process.LookPath(name)
}

func (p *Pipeline) tick() time.Duration {
	if p.Tick > 0 {
		return p.Tick
	}
	return time.Second
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Pipeline) path(rel string) string {
	if p.Root == "" {
		return rel
	}
	return filepath.Join(p.Root, rel)
}

// failure wraps err for state, taking the diagnostic from the failing command or, when no
// command exited, the job's recent output.
func (x *execution) failure(state State, err error) error {
	f := &StageFailure{State: state, ExitCode: -1, Err: err}
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		f.ExitCode = exitErr.Code
		f.Diagnostic = exitErr.Tail
	}
	if len(f.Diagnostic) == 0 {
		f.Diagnostic = x.job.tail.Lines()
	}
	return f
}

// cleanup removes everything but the build log from the version directory when requested.
func (x *execution) cleanup() {
	if !x.job.request.Cleanup || x.dir == "" {
		return
	}
	entries, err := os.ReadDir(x.dir)
	if err != nil {
		x.logger.Warn("cleanup failed", "error", err)
		return
	}
	var errs []error
	for _, entry := range entries {
		if entry.Name() == buildLogName {
			continue
		}
		errs = append(errs, os.RemoveAll(filepath.Join(x.dir, entry.Name())))
	}
	if err := errors.Join(errs...); err != nil {
		x.logger.Warn("cleanup incomplete", "error", err)
		return
	}
	x.logger.Info("removed build artifacts", "dir", x.dir)
}

func (x *execution) closeLog() {
	if x.log == nil {
		return
	}
	x.job.emitMu.Lock()
	x.job.log = nil
	x.job.emitMu.Unlock()
	if err := x.log.Close(); err != nil {
		x.logger.Warn("closing build log failed", "error", err)
	}
}

// workDirName keeps versions apart inside the work directory.
func workDirName(version string) string {
	return "linux-build-" + strings.ReplaceAll(version, "/", "_")
}
