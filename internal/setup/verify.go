package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/kforge/internal/host"
	"github.com/cochaviz/kforge/internal/process"
)

// MinFreeSpace is the work directory space below which Verify warns. A distribution-config build
// with packaging needs roughly this much.
const MinFreeSpace = 25 << 30

// Severity of a failed check.
type Severity string

const (
	SeverityOK    Severity = "ok"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Check is one line of the doctor report.
type Check struct {
	Name     string   `json:"name" yaml:"name"`
	Severity Severity `json:"severity" yaml:"severity"`
	Detail   string   `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Report collects check results.
type Report []Check

// Failed reports whether any check has error severity.
func (r Report) Failed() bool {
	for _, c := range r {
		if c.Severity == SeverityError {
			return true
		}
	}
	return false
}

// VerifyOptions are the host hooks used by Verify.
type VerifyOptions struct {
	Runner   process.Runner
	LookPath func(string) string
	// FreeSpace reports available bytes at path. Defaults to statfs(2).
	FreeSpace func(path string) (uint64, error)
}

// Verify checks that s points at usable directories and that the build toolchain is installed
// and working.
func Verify(ctx context.Context, s Settings, opts VerifyOptions) Report {
	if opts.LookPath == nil {
		opts.LookPath = process.LookPath
	}
	if opts.Runner == nil {
		opts.Runner = &process.Local{Logger: packageLogger}
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = freeSpace
	}

	report := Report{
		writable("work directory", s.WorkDir),
		writable("state directory", s.StateDir),
		space(s.WorkDir, opts.FreeSpace),
	}

	missing := host.MissingTools(opts.LookPath)
	if len(missing) > 0 {
		report = append(report, Check{
			Name:     "build tools",
			Severity: SeverityError,
			Detail:   "missing " + strings.Join(missing, ", ") + " (run: kforge deps install)",
		})
	} else {
		report = append(report, Check{Name: "build tools", Severity: SeverityOK})
	}

	if opts.LookPath("gcc") != "" {
		report = append(report, headers(ctx, opts.Runner))
	}
	return report
}

func writable(name, dir string) Check {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{Name: name, Severity: SeverityError, Detail: err.Error()}
	}
	probe, err := os.CreateTemp(dir, ".kforge-write-*")
	if err != nil {
		return Check{Name: name, Severity: SeverityError, Detail: fmt.Sprintf("%s is not writable: %v", dir, err)}
	}
	probe.Close()
	os.Remove(probe.Name())
	return Check{Name: name, Severity: SeverityOK, Detail: dir}
}

func space(dir string, free func(string) (uint64, error)) Check {
	avail, err := free(dir)
	if err != nil {
		return Check{Name: "free space", Severity: SeverityWarn, Detail: err.Error()}
	}
	detail := fmt.Sprintf("%.1f GiB available in %s", float64(avail)/(1<<30), dir)
	if avail < MinFreeSpace {
		return Check{Name: "free space", Severity: SeverityWarn, Detail: detail}
	}
	return Check{Name: "free space", Severity: SeverityOK, Detail: detail}
}

func freeSpace(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}

const headerProbe = "#include <linux/limits.h>\n#include <sys/types.h>\nint main() { return 0; }\n"

// headers compiles a file including the kernel uapi headers. Some distributions ship gcc without
// them, which only surfaces deep into a build.
func headers(ctx context.Context, runner process.Runner) Check {
	dir, err := os.MkdirTemp("", "kforge-headers-")
	if err != nil {
		return Check{Name: "kernel headers", Severity: SeverityWarn, Detail: err.Error()}
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, "probe.c")
	if err := os.WriteFile(src, []byte(headerProbe), 0o644); err != nil {
		return Check{Name: "kernel headers", Severity: SeverityWarn, Detail: err.Error()}
	}

	_, err = runner.Run(ctx, process.New("gcc", "-c", src, "-o", os.DevNull), nil)
	if err != nil {
		detail := err.Error()
		var exit *process.ExitError
		if errors.As(err, &exit) && len(exit.Tail) > 0 {
			detail = exit.Tail[len(exit.Tail)-1]
		}
		return Check{Name: "kernel headers", Severity: SeverityError, Detail: "linux/limits.h does not compile: " + detail}
	}
	return Check{Name: "kernel headers", Severity: SeverityOK}
}

// ClearState removes the ledger and its moved-aside corrupt copies from s.StateDir. Installed
// kernels are left alone.
func ClearState(s Settings) error {
	entries, err := os.ReadDir(s.StateDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state directory: %w", err)
	}
	var errs []error
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "ledger.") {
			continue
		}
		path := filepath.Join(s.StateDir, entry.Name())
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		packageLogger.Info("removed", "path", path)
	}
	return errors.Join(errs...)
}
