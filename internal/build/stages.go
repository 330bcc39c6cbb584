package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cochaviz/kforge/arch"
	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/host"
	"github.com/cochaviz/kforge/internal/kconfig"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/privilege"
	"github.com/cochaviz/kforge/internal/process"
	"github.com/cochaviz/kforge/internal/profile"
)

const buildLogName = "build.log"

type stage struct {
	state         State
	privileged    bool
	interruptible bool
	// expected drives the time-based progress estimate; zero means the stage reports its own.
	expected time.Duration
	run      func(x *execution, ctx context.Context) error
}

var stages = []stage{
	{state: StateDownloading, interruptible: true, run: (*execution).download},
	{state: StateExtracting, interruptible: true, run: (*execution).extract},
	{state: StateConfiguring, expected: 20 * time.Second, run: (*execution).configure},
	{state: StateCompiling, interruptible: true, run: (*execution).compile},
	{state: StateInstallingModules, privileged: true, expected: 30 * time.Second, run: (*execution).installModules},
	{state: StateInstallingKernel, privileged: true, expected: 20 * time.Second, run: (*execution).installKernel},
	{state: StateUpdatingInitramfs, privileged: true, expected: 40 * time.Second, run: (*execution).updateInitramfs},
	{state: StateUpdatingBootloader, privileged: true, expected: 10 * time.Second, run: (*execution).updateBootloader},
}

// execution is the working state of one job run.
type execution struct {
	p      *Pipeline
	job    *Job
	logger *slog.Logger

	facts      host.HostFacts
	directives kconfig.DirectiveSet
	dir        string
	log        *os.File
	archive    string
	format     catalog.ArchiveFormat
	tree       string
	krel       string
	sources    int
	plan       *host.InstallPlan
	grant      *privilege.Grant
}

// execute runs every stage in order. The grant is released before it returns, so no terminal
// state is ever reached while privileges are held.
func (x *execution) execute(ctx context.Context) error {
	defer x.releaseGrant()

	if err := x.prepare(ctx); err != nil {
		if x.job.CancelRequested() {
			return ErrCancelled
		}
		return x.failure(StatePending, err)
	}

	for _, st := range stages {
		if x.job.CancelRequested() {
			return ErrCancelled
		}
		if st.privileged && x.grant == nil {
			if x.p.Privileges == nil {
				return x.failure(st.state, fmt.Errorf("%w: no privileged session configured", privilege.ErrPrivilegeDenied))
			}
			grant, err := x.p.Privileges.Acquire(ctx, x.job.id)
			if err != nil {
				if x.job.CancelRequested() {
					return ErrCancelled
				}
				return x.failure(st.state, fmt.Errorf("acquire privileges: %w", err))
			}
			x.grant = grant
		}

		x.job.transition(st.state)
		stageCtx := ctx
		if !st.interruptible {
			stageCtx = context.WithoutCancel(ctx)
		}
		stop := x.job.estimate(st.state, st.expected, x.p.tick())
		err := st.run(x, stageCtx)
		stop()
		if err != nil {
			if st.interruptible && x.job.CancelRequested() {
				return ErrCancelled
			}
			return x.failure(st.state, err)
		}
		x.job.advance(spans[st.state].hi)
	}

	x.record()
	return nil
}

func (x *execution) releaseGrant() {
	if x.grant == nil {
		return
	}
	if err := x.grant.Release(); err != nil {
		x.logger.Warn("releasing privileges failed", "error", err)
	}
	x.grant = nil
}

// prepare probes the host, resolves the profile and opens the build log.
func (x *execution) prepare(ctx context.Context) error {
	req := x.job.request
	x.dir = filepath.Join(x.p.WorkDir, workDirName(req.Release.Version))
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return fmt.Errorf("create work directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(x.dir, buildLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open build log: %w", err)
	}
	x.log = logFile
	x.job.emitMu.Lock()
	x.job.log = logFile
	x.job.emitMu.Unlock()
	x.job.linef("==> job %s: linux %s, profile %s", x.job.id, req.Release.Version, req.Profile)

	if x.p.Prober == nil {
		return errors.New("host prober is not configured")
	}
	facts, err := x.p.Prober.Probe(ctx)
	if err != nil {
		return err
	}
	x.facts = facts

	directives, err := profile.Resolve(req.Profile, facts, profile.Options{DebugSymbols: req.DebugSymbols, Custom: req.Custom})
	if err != nil {
		return err
	}
	x.directives = directives
	x.preflight()
	return nil
}

// preflight reports conditions that do not stop a build but are likely to hurt it.
func (x *execution) preflight() {
	if !x.facts.Online {
		x.warn("no default route; downloading the source will probably fail")
	}
	if x.facts.InitramfsTool == host.InitramfsNone {
		x.warn("no initramfs tool detected; the initramfs will not be regenerated")
	}
	if x.facts.Bootloader == host.BootloaderUnknown {
		x.warn("bootloader not detected; the boot menu must be updated by hand")
	}
}

func (x *execution) warn(message string) {
	x.logger.Warn(message)
	x.job.line("warning: " + message)
}

// runLocal runs cmd unprivileged, streaming its output into the job.
func (x *execution) runLocal(ctx context.Context, cmd process.Command, onLine process.LineFunc) error {
	return x.runWith(ctx, x.p.runner(), cmd, onLine)
}

func (x *execution) runPrivileged(ctx context.Context, cmds []process.Command) error {
	for _, cmd := range cmds {
		if err := x.runWith(ctx, x.grant.Runner(), cmd, nil); err != nil {
			return err
		}
	}
	return nil
}

func (x *execution) runWith(ctx context.Context, runner process.Runner, cmd process.Command, onLine process.LineFunc) error {
	x.job.linef("$ %s", cmd)
	_, err := runner.Run(ctx, cmd, func(line string) {
		x.job.line(line)
		if onLine != nil {
			onLine(line)
		}
	})
	return err
}

func (x *execution) download(ctx context.Context) error {
	if x.p.Resolver == nil {
		return errors.New("source resolver is not configured")
	}
	release := x.job.request.Release
	// A complete archive from an earlier run needs no catalog, so resuming works offline.
	for _, format := range []catalog.ArchiveFormat{catalog.FormatTarXZ, catalog.FormatTarGZ} {
		archive := x.archivePath(format)
		if archiveComplete(archive) {
			x.format = format
			x.archive = archive
			x.job.linef("reusing %s", filepath.Base(archive))
			return nil
		}
	}

	source, err := x.p.Resolver.ResolveDownload(ctx, release)
	if err != nil {
		return err
	}
	x.format = source.Format
	x.archive = x.archivePath(source.Format)

	x.job.linef("downloading %s", source.URL)
	s := spans[StateDownloading]
	attempts, err := x.p.Retry.Do(ctx, func(ctx context.Context) error {
		return fetch(ctx, x.p.client(), source.URL, x.archive, func(done, total int64) {
			x.job.advance(fractionPercent(s, done, total))
		})
	})
	if err != nil {
		return fmt.Errorf("download after %d attempt(s): %w", attempts, err)
	}
	return nil
}

func (x *execution) archivePath(format catalog.ArchiveFormat) string {
	return filepath.Join(x.dir, fmt.Sprintf("linux-%s.%s", x.job.request.Release.Version, format))
}

func (x *execution) extract(ctx context.Context) error {
	x.tree = filepath.Join(x.dir, "linux-"+x.job.request.Release.Version)
	stamp, err := extractionStamp(x.archive)
	if err != nil {
		return err
	}
	if treeComplete(x.tree, stamp) {
		x.job.linef("reusing extracted tree %s", filepath.Base(x.tree))
		return nil
	}

	if _, err := os.Stat(x.tree); err == nil {
		x.job.linef("removing incomplete tree %s", filepath.Base(x.tree))
	}
	if err := os.RemoveAll(x.tree); err != nil {
		return err
	}

	s := spans[StateExtracting]
	if err := untar(ctx, x.archive, x.format, x.tree, func(done, total int64) {
		x.job.advance(fractionPercent(s, done, total))
	}); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(x.archive), err)
	}
	return os.WriteFile(filepath.Join(x.tree, extractedMarker), []byte(stamp), 0o644)
}

func (x *execution) compile(ctx context.Context) error {
	s := spans[StateCompiling]
	expected := int64(float64(x.sources) * compileUnitsPerSource)
	var done int64
	cmd := host.CompileCommand(x.facts.DistroFamily, x.tree, x.p.parallelism())
	return x.runLocal(ctx, cmd, func(line string) {
		if isCompileMarker(line) {
			done++
			x.job.advance(fractionPercent(s, done, expected))
		}
	})
}

func (x *execution) installPlan() (host.InstallPlan, error) {
	if x.plan != nil {
		return *x.plan, nil
	}
	plan, err := host.PlanInstall(x.facts.DistroFamily, host.InstallInput{
		Tree:          x.tree,
		KernelRelease: x.krel,
		Arch:          arch.Normalize(x.facts.Machine),
	})
	if err != nil {
		return host.InstallPlan{}, err
	}
	x.plan = &plan
	return plan, nil
}

func (x *execution) installModules(ctx context.Context) error {
	plan, err := x.installPlan()
	if err != nil {
		return err
	}
	return x.runPrivileged(ctx, plan.Modules)
}

func (x *execution) installKernel(ctx context.Context) error {
	plan, err := x.installPlan()
	if err != nil {
		return err
	}
	return x.runPrivileged(ctx, plan.Kernel)
}

func (x *execution) updateInitramfs(ctx context.Context) error {
	cmds := host.InitramfsCommands(x.facts.InitramfsTool, x.krel)
	if len(cmds) == 0 {
		x.job.line("no initramfs tool, skipping")
		return nil
	}
	return x.runPrivileged(ctx, cmds)
}

func (x *execution) updateBootloader(ctx context.Context) error {
	cmds := host.BootloaderCommands(x.facts.Bootloader, host.BootloaderAdd, x.krel, x.p.lookPath)
	if len(cmds) == 0 {
		x.warn("bootloader unknown, add " + x.krel + " to the boot menu by hand")
		return nil
	}
	return x.runPrivileged(ctx, cmds)
}

// record registers the installed kernel. The kernel is installed at this point, so a ledger
// failure is reported but does not fail the job.
func (x *execution) record() {
	if x.p.Ledger == nil {
		return
	}
	req := x.job.request
	_, err := x.p.Ledger.Record(ledger.Entry{
		Version:       req.Release.Version,
		KernelRelease: x.krel,
		Profile:       string(req.Profile),
		CustomName:    req.customName(),
	})
	if err != nil {
		x.warn(fmt.Sprintf("recording the installation failed: %v", err))
	}
}
