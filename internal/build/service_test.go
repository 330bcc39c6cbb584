package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/kconfig"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/privilege"
	"github.com/cochaviz/kforge/internal/process"
	"github.com/cochaviz/kforge/internal/profile"
)

var allStages = []State{
	StateDownloading,
	StateExtracting,
	StateConfiguring,
	StateCompiling,
	StateInstallingModules,
	StateInstallingKernel,
	StateUpdatingInitramfs,
	StateUpdatingBootloader,
}

func TestFedoraMinimalBuildCompletes(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, snap, events, err := h.run(t, minimalRequest())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 100, snap.Percent)
	assert.Equal(t, "6.6.10-kforge-minimal", snap.KernelRelease)
	assert.Equal(t, allStages, events.transitions())

	assert.Equal(t, []string{"rpm", "kernel-install", "dracut", "grub2-mkconfig"}, h.channel.names())
	assert.Equal(t, []string{"--force", "/boot/initramfs-6.6.10-kforge-minimal.img", "6.6.10-kforge-minimal"}, h.channel.commands[2].Args)
	assert.Equal(t, int32(1), h.escalator.opens.Load())
	assert.Empty(t, h.session.Holder())

	config, err := os.ReadFile(filepath.Join(h.tree(), ".config"))
	require.NoError(t, err)
	value, state := kconfig.Lookup(config, "LOCALVERSION")
	assert.Equal(t, kconfig.Present, state)
	assert.Equal(t, `"-kforge-minimal"`, value)
	_, state = kconfig.Lookup(config, "PREEMPT")
	assert.Equal(t, kconfig.Unset, state)
	_, state = kconfig.Lookup(config, "DEBUG_INFO")
	assert.Equal(t, kconfig.Unset, state)

	entries, err := h.ledger.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, testVersion, entries[0].Version)
	assert.Equal(t, "minimal", entries[0].Profile)
	assert.Equal(t, ledger.OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, "6.6.10-kforge-minimal", entries[0].KernelRelease)

	log, err := os.ReadFile(filepath.Join(h.work, workDirName(testVersion), buildLogName))
	require.NoError(t, err)
	assert.Contains(t, string(log), "CC      kernel/fork.o")
}

func TestEventStreamIsOrderedAndMonotonic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	job, _, events, err := h.run(t, minimalRequest())
	require.NoError(t, err)

	all := events.all()
	require.NotEmpty(t, all)
	assert.Equal(t, EventJobCreated, all[0].Kind)

	terminal := 0
	last := 0
	for i, e := range all {
		assert.Equal(t, i, e.Seq)
		assert.Equal(t, job.ID(), e.JobID)
		assert.GreaterOrEqual(t, e.Percent, last, "event %d (%s)", i, e.Kind)
		last = e.Percent
		if e.Kind.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
	assert.Equal(t, EventCompleted, all[len(all)-1].Kind)
	assert.Equal(t, "success", all[len(all)-1].Outcome)
}

func TestResumeOverExistingWorkDirectory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, snap, _, err := h.run(t, minimalRequest())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, int32(1), h.source.gets.Load())

	// A second run over the same directory reuses the archive and the extracted tree.
	_, snap, events, err := h.run(t, minimalRequest())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, int32(1), h.source.gets.Load())
	assert.Contains(t, events.lines(), "reusing linux-6.6.10.tar.gz")
	assert.Contains(t, events.lines(), "reusing extracted tree linux-6.6.10")

	entries, err := h.ledger.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCleanupAfterSuccessKeepsBuildLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := minimalRequest()
	req.Cleanup = true
	_, snap, _, err := h.run(t, req)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, snap.State)

	entries, err := os.ReadDir(filepath.Join(h.work, workDirName(testVersion)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, buildLogName, entries[0].Name())
}

func TestResumeWithoutCatalog(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, snap, _, err := h.run(t, minimalRequest())
	require.NoError(t, err)
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, int32(1), h.source.resolves.Load())

	h.source.offline.Store(true)
	_, snap, events, err := h.run(t, minimalRequest())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, int32(1), h.source.resolves.Load())
	assert.Equal(t, int32(1), h.source.gets.Load())
	assert.Contains(t, events.lines(), "reusing linux-6.6.10.tar.gz")
}

func TestDownloadNeedsCatalogWithoutArchive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.source.offline.Store(true)
	_, snap, _, err := h.run(t, minimalRequest())
	require.ErrorIs(t, err, catalog.ErrCatalogUnavailable)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, int32(0), h.source.gets.Load())
}

func TestResumeReplacesIncompleteTree(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, os.MkdirAll(filepath.Join(h.tree(), "stale"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.tree(), "stale", "junk.c"), nil, 0o644))
	// Without a baseline config the pipeline falls back to defconfig.
	require.NoError(t, os.RemoveAll(filepath.Join(h.root, "boot")))

	_, snap, events, err := h.run(t, minimalRequest())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, snap.State)
	assert.NoDirExists(t, filepath.Join(h.tree(), "stale"))
	assert.FileExists(t, filepath.Join(h.tree(), "kernel", "fork.c"))
	assert.Contains(t, events.lines(), "removing incomplete tree linux-6.6.10")
	assert.True(t, h.runner.ran("defconfig"))
	assert.True(t, h.runner.ran("olddefconfig"))
}

func TestCancelDuringCompileReleasesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := make(chan struct{})
	h.runner.compile = func(ctx context.Context, cmd process.Command, onLine process.LineFunc) error {
		onLine("  CC      kernel/fork.o")
		close(started)
		<-ctx.Done()
		return fmt.Errorf("%s terminated: %w", cmd.Name, ctx.Err())
	}

	req := minimalRequest()
	req.Cleanup = true
	events := &recorder{}
	job, err := h.pipeline.Start(context.Background(), req, events)
	require.NoError(t, err)

	<-started
	job.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := job.Wait(ctx)
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, StateCancelled, snap.State)
	assert.True(t, snap.CancelRequested)
	assert.Equal(t, int32(0), h.escalator.opens.Load())
	assert.Empty(t, h.session.Holder())

	all := events.all()
	assert.Equal(t, EventCancelled, all[len(all)-1].Kind)

	// Cleanup keeps only the build log.
	entries, err := os.ReadDir(filepath.Join(h.work, workDirName(testVersion)))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, buildLogName, entries[0].Name())

	_, err = h.ledger.Get(testVersion)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCancelDuringModuleInstallStopsBeforeKernel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.channel.hook = func(cmd process.Command) error {
		if cmd.Name == "rpm" {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	}

	events := &recorder{}
	job, err := h.pipeline.Start(context.Background(), minimalRequest(), events)
	require.NoError(t, err)

	<-entered
	job.Cancel()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := job.Wait(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, snap.State)

	// The module step ran to completion; nothing after it started.
	assert.Equal(t, allStages[:5], events.transitions())
	assert.Equal(t, []string{"rpm"}, h.channel.names())
	assert.Empty(t, h.session.Holder())

	var after []EventKind
	seen := false
	for _, e := range events.all() {
		if e.Kind == EventStateTransition && e.State == StateInstallingModules {
			seen = true
			continue
		}
		if seen && e.Kind != EventLogLine && e.Kind != EventProgress {
			after = append(after, e.Kind)
		}
	}
	assert.Equal(t, []EventKind{EventCancelled}, after)
}

func TestCompileFailureCarriesDiagnostic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.runner.compile = func(_ context.Context, cmd process.Command, onLine process.LineFunc) error {
		onLine("kernel/fork.c:1: error: boom")
		return &process.ExitError{Command: cmd, Code: 2, Tail: []string{"kernel/fork.c:1: error: boom"}}
	}

	_, snap, events, err := h.run(t, minimalRequest())
	var failure *StageFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StateCompiling, failure.State)
	assert.Equal(t, 2, failure.ExitCode)
	assert.Equal(t, []string{"kernel/fork.c:1: error: boom"}, failure.Diagnostic)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, int32(0), h.escalator.opens.Load())

	all := events.all()
	last := all[len(all)-1]
	assert.Equal(t, EventFailed, last.Kind)
	assert.Equal(t, []string{"kernel/fork.c:1: error: boom"}, last.Diagnostic)

	// The tree is preserved for inspection.
	assert.DirExists(t, h.tree())
}

func TestPrivilegeDeniedFailsBeforeInstalling(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.escalator.err = errors.New("authentication dismissed")

	_, snap, _, err := h.run(t, minimalRequest())
	require.ErrorIs(t, err, privilege.ErrPrivilegeDenied)
	var failure *StageFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StateInstallingModules, failure.State)
	assert.Equal(t, StateFailed, snap.State)
	assert.Empty(t, h.channel.names())
}

func TestSecondJobForSameVersionIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := make(chan struct{})
	h.runner.compile = func(ctx context.Context, cmd process.Command, _ process.LineFunc) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	job, err := h.pipeline.Start(context.Background(), minimalRequest(), nil)
	require.NoError(t, err)
	<-started

	_, err = h.pipeline.Start(context.Background(), minimalRequest(), nil)
	require.ErrorIs(t, err, ErrJobActive)

	running, ok := h.pipeline.Job(job.ID())
	require.True(t, ok)
	assert.Equal(t, StateCompiling, running.Snapshot().State)

	job.Cancel()
	<-job.Done()
	assert.Len(t, h.pipeline.Jobs(), 1)
}

func TestCancellingStartContextCancelsJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := make(chan struct{})
	h.runner.compile = func(ctx context.Context, cmd process.Command, _ process.LineFunc) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	job, err := h.pipeline.Start(ctx, minimalRequest(), nil)
	require.NoError(t, err)
	<-started
	cancel()
	<-job.Done()
	assert.ErrorIs(t, job.Err(), ErrCancelled)
}

func TestStartValidatesRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cases := []Request{
		{Release: catalog.KernelRelease{Version: "six"}, Profile: profile.Minimal},
		{Release: catalog.KernelRelease{Version: testVersion}, Profile: "turbo"},
		{Release: catalog.KernelRelease{Version: testVersion}, Profile: profile.Custom},
		{Release: catalog.KernelRelease{Version: testVersion}, Profile: profile.Gaming, CustomName: "my kernel"},
	}
	for _, req := range cases {
		_, err := h.pipeline.Start(context.Background(), req, nil)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Empty(t, h.pipeline.Jobs())
}

func TestLocalVersion(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "-kforge-lowlatency", Request{Profile: profile.AudioVideo}.LocalVersion())
	assert.Equal(t, "-desk-optimized", Request{Profile: profile.HardwareOptimized, CustomName: " desk "}.LocalVersion())
}

func TestProgressHelpers(t *testing.T) {
	t.Parallel()

	s := spans[StateCompiling]
	assert.Equal(t, s.lo, fractionPercent(s, 0, 0))
	assert.Equal(t, 55, fractionPercent(s, 50, 100))
	assert.Less(t, fractionPercent(s, 500, 100), s.hi)
	assert.Less(t, heuristicPercent(s, time.Hour, time.Second), s.hi)
	assert.GreaterOrEqual(t, heuristicPercent(s, 0, time.Second), s.lo)

	assert.True(t, isCompileMarker("  CC      kernel/fork.o"))
	assert.True(t, isCompileMarker("  LD [M]  fs/ext4/ext4.ko"))
	assert.False(t, isCompileMarker("  HOSTCC  scripts/basic/fixdep"))
	assert.False(t, isCompileMarker("CC"))
	assert.False(t, strings.Contains(workDirName("6.8-rc1"), "/"))
}
