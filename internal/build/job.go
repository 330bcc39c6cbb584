package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/kforge/internal/process"
)

// ErrCancelled is the error of a job that ended in the cancelled state.
var ErrCancelled = errors.New("build cancelled")

// Job is one running or finished build. All methods are safe for concurrent use.
type Job struct {
	id        string
	request   Request
	startedAt time.Time
	sink      EventSink
	logger    *slog.Logger
	now       func() time.Time

	mu              sync.Mutex
	state           State
	percent         int
	cancelRequested bool
	kernelRelease   string
	err             error
	finishedAt      time.Time

	emitMu sync.Mutex
	seq    int
	tail   *process.Tail
	log    io.Writer

	cancel context.CancelFunc
	done   chan struct{}
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Request returns the request the job was started with.
func (j *Job) Request() Request { return j.request }

// Done is closed after the terminal event was delivered.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancel requests cancellation. Interruptible stages stop immediately; otherwise the job is
// cancelled before its next stage. Cancelling a finished job does nothing.
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.state.Terminal() || j.cancelRequested {
		j.mu.Unlock()
		return
	}
	j.cancelRequested = true
	j.mu.Unlock()

	j.logger.Info("cancellation requested")
	j.cancel()
}

// CancelRequested reports whether Cancel was called.
func (j *Job) CancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

// Wait blocks until the job finished or ctx is done.
func (j *Job) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-j.done:
		return j.Snapshot(), j.Err()
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

// Err is nil while running and after completion, ErrCancelled after cancellation, and a
// *StageFailure after a failure.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Snapshot copies the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	snap := Snapshot{
		ID:              j.id,
		Release:         j.request.Release,
		Profile:         j.request.Profile,
		CustomName:      j.request.customName(),
		Cleanup:         j.request.Cleanup,
		State:           j.state,
		Percent:         j.percent,
		StartedAt:       j.startedAt,
		FinishedAt:      j.finishedAt,
		CancelRequested: j.cancelRequested,
		KernelRelease:   j.kernelRelease,
	}
	if j.err != nil {
		snap.Err = j.err.Error()
	}
	return snap
}

func (j *Job) emit(kind EventKind, fill func(e *Event)) {
	j.emitMu.Lock()
	defer j.emitMu.Unlock()

	j.mu.Lock()
	e := Event{JobID: j.id, Kind: kind, Time: j.now(), State: j.state, Percent: j.percent}
	j.mu.Unlock()

	e.Seq = j.seq
	j.seq++
	if fill != nil {
		fill(&e)
	}
	if j.sink != nil {
		j.sink.Emit(e)
	}
}

func (j *Job) transition(state State) {
	j.mu.Lock()
	j.state = state
	if lo := spans[state].lo; lo > j.percent {
		j.percent = lo
	}
	j.mu.Unlock()

	j.logger.Info("entering state", "state", state)
	j.emit(EventStateTransition, nil)
}

// advance raises the percentage within the current stage. Lower values are ignored so progress
// never moves backwards.
func (j *Job) advance(percent int) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	if s, ok := spans[j.state]; ok && percent > s.hi {
		percent = s.hi
	}
	if percent <= j.percent {
		j.mu.Unlock()
		return
	}
	j.percent = percent
	j.mu.Unlock()

	j.emit(EventProgress, nil)
}

// line records a line of output in the tail, the build log, and the event stream.
func (j *Job) line(text string) {
	j.tail.Add(text)
	j.emitMu.Lock()
	if j.log != nil {
		_, _ = io.WriteString(j.log, text+"\n")
	}
	j.emitMu.Unlock()
	j.emit(EventLogLine, func(e *Event) { e.Line = text })
}

func (j *Job) linef(format string, args ...any) {
	j.line(fmt.Sprintf(format, args...))
}

func (j *Job) setKernelRelease(krel string) {
	j.mu.Lock()
	j.kernelRelease = krel
	j.mu.Unlock()
}

// finish moves the job to its terminal state and emits the single terminal event.
func (j *Job) finish(err error) {
	var failure *StageFailure
	j.mu.Lock()
	switch {
	case err == nil:
		j.state = StateCompleted
		j.percent = 100
	case errors.Is(err, ErrCancelled):
		j.state = StateCancelled
		err = ErrCancelled
	default:
		j.state = StateFailed
		errors.As(err, &failure)
	}
	j.err = err
	j.finishedAt = j.now()
	state := j.state
	j.mu.Unlock()

	switch state {
	case StateCompleted:
		j.logger.Info("build completed")
		j.emit(EventCompleted, func(e *Event) { e.Outcome = "success" })
	case StateCancelled:
		j.logger.Info("build cancelled")
		j.emit(EventCancelled, nil)
	default:
		j.logger.Error("build failed", "error", err)
		j.emit(EventFailed, func(e *Event) {
			e.Error = err.Error()
			if failure != nil {
				e.Diagnostic = failure.Diagnostic
			}
		})
	}
}
