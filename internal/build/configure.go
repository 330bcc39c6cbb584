package build

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/kconfig"
	"github.com/cochaviz/kforge/internal/process"
)

// configure regenerates .config from the baseline on every run, so a resumed tree always gets the
// directives of the current request.
func (x *execution) configure(ctx context.Context) error {
	req := x.job.request
	dotConfig := filepath.Join(x.tree, ".config")

	baseline, source, err := x.baseline()
	if err != nil {
		return err
	}
	if baseline == nil {
		x.job.line("no baseline config found, generating defconfig")
		if err := x.runLocal(ctx, process.New("make", "defconfig").In(x.tree), nil); err != nil {
			return err
		}
		if baseline, err = os.ReadFile(dotConfig); err != nil {
			return fmt.Errorf("read defconfig: %w", err)
		}
		source = "defconfig"
	}
	x.job.linef("baseline config: %s", source)

	config := kconfig.Apply(baseline, x.directives)
	config = kconfig.SetLocalVersion(config, req.LocalVersion())
	if err := os.WriteFile(dotConfig, config, 0o644); err != nil {
		return fmt.Errorf("write .config: %w", err)
	}
	x.job.linef("applied %d directive(s), LOCALVERSION=%s", len(x.directives.Effective()), req.LocalVersion())

	if err := x.runLocal(ctx, process.New("make", "olddefconfig").In(x.tree), nil); err != nil {
		return err
	}

	krel, err := x.kernelRelease(ctx)
	if err != nil {
		return err
	}
	x.krel = krel
	x.job.setKernelRelease(krel)
	x.job.linef("kernel release: %s", krel)

	x.sources = countSources(x.tree)
	return nil
}

// baseline returns the running kernel's config, or nil when none is available.
func (x *execution) baseline() ([]byte, string, error) {
	if x.facts.KernelRelease != "" {
		path := x.p.path(filepath.Join("/boot", "config-"+x.facts.KernelRelease))
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("read baseline config: %w", err)
		}
	}

	path := x.p.path("/proc/config.gz")
	data, err := readGzip(path)
	if err == nil {
		return data, path, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		x.logger.Warn("unreadable kernel config", "path", path, "error", err)
	}
	return nil, "", nil
}

func readGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// kernelRelease asks kbuild for the release string, falling back to the name kbuild would derive
// from the version and LOCALVERSION.
func (x *execution) kernelRelease(ctx context.Context) (string, error) {
	var last string
	err := x.runLocal(ctx, process.New("make", "-s", "kernelrelease").In(x.tree), func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			last = line
		}
	})
	if err != nil {
		return "", err
	}
	if last != "" {
		return last, nil
	}

	req := x.job.request
	version, err := catalog.ParseVersion(req.Release.Version)
	if err != nil {
		return "", err
	}
	return version.Normalized() + req.LocalVersion(), nil
}

// countSources counts the .c files under tree.
func countSources(tree string) int {
	count := 0
	_ = filepath.WalkDir(tree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".c") {
			count++
		}
		return nil
	})
	return count
}
