package build

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/host"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/privilege"
	"github.com/cochaviz/kforge/internal/process"
	"github.com/cochaviz/kforge/internal/profile"
)

const testVersion = "6.6.10"

func fedoraFacts() host.HostFacts {
	return host.HostFacts{
		DistroID:       "fedora",
		DistroFamily:   host.FamilyFedora,
		PackageManager: "dnf",
		Bootloader:     host.BootloaderGRUB2,
		InitramfsTool:  host.InitramfsDracut,
		CPUVendor:      host.VendorAMD,
		Hypervisor:     host.HypervisorNone,
		KernelRelease:  "6.5.0-test",
		Machine:        "x86_64",
		Online:         true,
	}
}

// sourceArchive returns a gzip-compressed tarball shaped like a kernel.org release.
func sourceArchive(t *testing.T, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	top := "linux-" + version + "/"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: top, Typeflag: tar.TypeDir, Mode: 0o755}))
	files := map[string]string{
		"Makefile":       "VERSION = 6\n",
		"kernel/fork.c":  "int fork;\n",
		"init/main.c":    "int main;\n",
		"scripts/gen.sh": "#!/bin/sh\n",
	}
	for _, name := range []string{"Makefile", "init/main.c", "kernel/fork.c", "scripts/gen.sh"} {
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: top + name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type source struct {
	url      string
	gets     atomic.Int32
	resolves atomic.Int32
	offline  atomic.Bool
}

func (s *source) ResolveDownload(_ context.Context, release catalog.KernelRelease) (catalog.ArchiveSource, error) {
	s.resolves.Add(1)
	if s.offline.Load() {
		return catalog.ArchiveSource{}, fmt.Errorf("%w: dial tcp: network is unreachable", catalog.ErrCatalogUnavailable)
	}
	return catalog.ArchiveSource{URL: s.url + "/linux-" + release.Version + ".tar.gz", Format: catalog.FormatTarGZ}, nil
}

type staticProber struct{ facts host.HostFacts }

func (p staticProber) Probe(context.Context) (host.HostFacts, error) { return p.facts, nil }

// makeRunner stands in for the kbuild toolchain.
type makeRunner struct {
	krel string

	mu       sync.Mutex
	commands []process.Command

	// compile, when set, replaces the default compile behaviour.
	compile func(ctx context.Context, cmd process.Command, onLine process.LineFunc) error
}

func (m *makeRunner) Run(ctx context.Context, cmd process.Command, onLine process.LineFunc) (process.Result, error) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	m.mu.Unlock()

	emit := func(line string) {
		if onLine != nil {
			onLine(line)
		}
	}
	switch {
	case slices.Equal(cmd.Args, []string{"defconfig"}):
		return process.Result{}, os.WriteFile(filepath.Join(cmd.Dir, ".config"), []byte("CONFIG_DEFAULT=y\n"), 0o644)
	case slices.Equal(cmd.Args, []string{"olddefconfig"}):
		return process.Result{}, nil
	case slices.Equal(cmd.Args, []string{"-s", "kernelrelease"}):
		emit(m.krel)
		return process.Result{}, nil
	case len(cmd.Args) > 0 && strings.HasPrefix(cmd.Args[0], "-j"):
		if m.compile != nil {
			return process.Result{}, m.compile(ctx, cmd, onLine)
		}
		for _, unit := range []string{"kernel/fork.o", "init/main.o", "vmlinux"} {
			emit("  CC      " + unit)
		}
		rpms := filepath.Join(cmd.Dir, "rpmbuild", "RPMS", "x86_64")
		if err := os.MkdirAll(rpms, 0o755); err != nil {
			return process.Result{}, err
		}
		pkg := filepath.Join(rpms, "kernel-"+host.RPMVersion(m.krel)+"-1.x86_64.rpm")
		return process.Result{}, os.WriteFile(pkg, nil, 0o644)
	}
	return process.Result{}, fmt.Errorf("unexpected command %s", cmd)
}

func (m *makeRunner) ran(args ...string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cmd := range m.commands {
		if slices.Equal(cmd.Args, args) {
			return true
		}
	}
	return false
}

type rootChannel struct {
	mu       sync.Mutex
	commands []process.Command
	hook     func(cmd process.Command) error
	closed   bool
}

func (c *rootChannel) Run(_ context.Context, cmd process.Command, onLine process.LineFunc) (process.Result, error) {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	hook := c.hook
	c.mu.Unlock()
	if onLine != nil {
		onLine("ok: " + cmd.Name)
	}
	if hook != nil {
		return process.Result{}, hook(cmd)
	}
	return process.Result{}, nil
}

func (c *rootChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *rootChannel) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.commands))
	for _, cmd := range c.commands {
		names = append(names, cmd.Name)
	}
	return names
}

type escalator struct {
	channel *rootChannel
	err     error
	opens   atomic.Int32
}

func (e *escalator) Name() string { return "test" }

func (e *escalator) Open(context.Context) (privilege.Channel, error) {
	e.opens.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	return e.channel, nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) transitions() []State {
	var states []State
	for _, e := range r.all() {
		if e.Kind == EventStateTransition {
			states = append(states, e.State)
		}
	}
	return states
}

func (r *recorder) lines() []string {
	var lines []string
	for _, e := range r.all() {
		if e.Kind == EventLogLine {
			lines = append(lines, e.Line)
		}
	}
	return lines
}

type harness struct {
	pipeline  *Pipeline
	runner    *makeRunner
	channel   *rootChannel
	escalator *escalator
	session   *privilege.Session
	ledger    *ledger.Store
	source    *source
	root      string
	work      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	archive := sourceArchive(t, testVersion)
	src := &source{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src.gets.Add(1)
		http.ServeContent(w, r, "linux.tar.gz", time.Time{}, bytes.NewReader(archive))
	}))
	t.Cleanup(server.Close)
	src.url = server.URL

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "boot"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "boot", "config-6.5.0-test"), []byte("CONFIG_PREEMPT=y\nCONFIG_HZ_1000=y\n"), 0o644))

	channel := &rootChannel{}
	esc := &escalator{channel: channel}
	session := privilege.NewSession(esc, privilege.BusyReject, logging.Discard())
	store := ledger.NewStore(t.TempDir(), logging.Discard())
	runner := &makeRunner{krel: "6.6.10-kforge-minimal"}
	work := t.TempDir()

	return &harness{
		pipeline: &Pipeline{
			Logger:     logging.Discard(),
			Prober:     staticProber{facts: fedoraFacts()},
			Resolver:   src,
			Privileges: session,
			Ledger:     store,
			Runner:     runner,
			Client:     server.Client(),
			WorkDir:    work,
			Root:       root,
			LookPath: func(name string) string {
				if name == "grub2-mkconfig" {
					return "/usr/sbin/grub2-mkconfig"
				}
				return ""
			},
			Tick: 5 * time.Millisecond,
		},
		runner:    runner,
		channel:   channel,
		escalator: esc,
		session:   session,
		ledger:    store,
		source:    src,
		root:      root,
		work:      work,
	}
}

func minimalRequest() Request {
	return Request{
		Release: catalog.KernelRelease{Version: testVersion, Channel: catalog.Stable},
		Profile: profile.Minimal,
	}
}

func (h *harness) run(t *testing.T, req Request) (*Job, Snapshot, *recorder, error) {
	t.Helper()
	events := &recorder{}
	job, err := h.pipeline.Start(context.Background(), req, events)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := job.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return job, snap, events, err
}

func (h *harness) tree() string {
	return filepath.Join(h.work, workDirName(testVersion), "linux-"+testVersion)
}
