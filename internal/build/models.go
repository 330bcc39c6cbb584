package build

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/kconfig"
	"github.com/cochaviz/kforge/internal/profile"
)

// State is a step of the build state machine.
type State string

// Build states in pipeline order, followed by the terminal failure states.
const (
	StatePending            State = "pending"
	StateDownloading        State = "downloading"
	StateExtracting         State = "extracting"
	StateConfiguring        State = "configuring"
	StateCompiling          State = "compiling"
	StateInstallingModules  State = "installing-modules"
	StateInstallingKernel   State = "installing-kernel"
	StateUpdatingInitramfs  State = "updating-initramfs"
	StateUpdatingBootloader State = "updating-bootloader"
	StateCompleted          State = "completed"
	StateCancelled          State = "cancelled"
	StateFailed             State = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

func (s State) String() string { return string(s) }

// span is the percent range a stage reports within.
type span struct{ lo, hi int }

var spans = map[State]span{
	StatePending:            {0, 0},
	StateDownloading:        {0, 10},
	StateExtracting:         {10, 20},
	StateConfiguring:        {20, 25},
	StateCompiling:          {25, 85},
	StateInstallingModules:  {85, 90},
	StateInstallingKernel:   {90, 94},
	StateUpdatingInitramfs:  {94, 97},
	StateUpdatingBootloader: {97, 99},
	StateCompleted:          {100, 100},
}

// Request asks for one kernel to be built and installed.
type Request struct {
	Release catalog.KernelRelease `json:"release"`
	Profile profile.Profile       `json:"profile"`
	// CustomName prefixes the LOCALVERSION suffix. Defaults to "kforge".
	CustomName string `json:"custom_name,omitempty"`
	// Custom holds the directives of the custom profile.
	Custom       kconfig.DirectiveSet `json:"custom,omitempty"`
	Cleanup      bool                 `json:"cleanup,omitempty"`
	DebugSymbols bool                 `json:"debug_symbols,omitempty"`
}

// DefaultCustomName is used when a request names no custom name.
const DefaultCustomName = "kforge"

func (r Request) customName() string {
	if name := strings.TrimSpace(r.CustomName); name != "" {
		return name
	}
	return DefaultCustomName
}

// LocalVersion is the CONFIG_LOCALVERSION value for the request.
func (r Request) LocalVersion() string {
	return "-" + r.customName() + "-" + r.Profile.Suffix()
}

// Validate rejects requests the pipeline cannot start.
func (r Request) Validate() error {
	if _, err := catalog.ParseVersion(r.Release.Version); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if _, err := profile.Parse(string(r.Profile)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if strings.ContainsAny(r.customName(), " \t/\"'") {
		return fmt.Errorf("%w: custom name %q contains invalid characters", ErrInvalidRequest, r.CustomName)
	}
	if r.Profile == profile.Custom && len(r.Custom) == 0 {
		return fmt.Errorf("%w: custom profile without directives", ErrInvalidRequest)
	}
	return nil
}

// Snapshot is a point-in-time copy of a job.
type Snapshot struct {
	ID              string                `json:"id"`
	Release         catalog.KernelRelease `json:"release"`
	Profile         profile.Profile       `json:"profile"`
	CustomName      string                `json:"custom_name"`
	Cleanup         bool                  `json:"cleanup"`
	State           State                 `json:"state"`
	Percent         int                   `json:"percent"`
	StartedAt       time.Time             `json:"started_at"`
	FinishedAt      time.Time             `json:"finished_at,omitzero"`
	CancelRequested bool                  `json:"cancel_requested"`
	KernelRelease   string                `json:"kernel_release,omitempty"`
	Err             string                `json:"error,omitempty"`
}

// EventKind names an event in a job's stream.
type EventKind string

const (
	EventJobCreated      EventKind = "job-created"
	EventStateTransition EventKind = "state-transition"
	EventProgress        EventKind = "progress"
	EventLogLine         EventKind = "log-line"
	EventCompleted       EventKind = "completed"
	EventCancelled       EventKind = "cancelled"
	EventFailed          EventKind = "failed"
)

// Terminal reports whether k ends the stream.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventCancelled || k == EventFailed
}

// Event is delivered to a job's sink in the order it happened.
type Event struct {
	Seq     int       `json:"seq"`
	JobID   string    `json:"job_id"`
	Kind    EventKind `json:"kind"`
	Time    time.Time `json:"time"`
	State   State     `json:"state,omitempty"`
	Percent int       `json:"percent"`
	Line    string    `json:"line,omitempty"`
	// Outcome is set on completed events.
	Outcome string `json:"outcome,omitempty"`
	// Diagnostic and Error are set on failed events.
	Diagnostic []string `json:"diagnostic,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// EventSink receives a job's events synchronously and in order. Implementations must not block
// for long; the job waits for each call.
type EventSink interface {
	Emit(Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

var (
	// ErrJobActive is returned when a job for the same version is still running.
	ErrJobActive = errors.New("a build for this version is already running")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid build request")
)

// StageFailure describes the stage that failed a job.
type StageFailure struct {
	State State
	// ExitCode is the exit status of the failing command, or -1 when no command exited.
	ExitCode   int
	Diagnostic []string
	Err        error
}

func (f *StageFailure) Error() string {
	if f.ExitCode >= 0 {
		return fmt.Sprintf("%s failed (exit status %d): %v", f.State, f.ExitCode, f.Err)
	}
	return fmt.Sprintf("%s failed: %v", f.State, f.Err)
}

func (f *StageFailure) Unwrap() error { return f.Err }
