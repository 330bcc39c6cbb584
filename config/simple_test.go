package simple

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kforge/internal/build"
	"github.com/cochaviz/kforge/internal/catalog"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/profile"
	"github.com/cochaviz/kforge/internal/setup"
)

const index = `{"releases": [
	{"moniker": "mainline", "version": "6.8-rc3", "source": "https://git.kernel.org/torvalds/t/linux-6.8-rc3.tar.gz"},
	{"moniker": "stable", "version": "6.7.4", "source": "https://cdn.kernel.org/pub/linux/kernel/v6.x/linux-6.7.4.tar.xz"},
	{"moniker": "longterm", "version": "6.6.16", "source": "https://cdn.kernel.org/pub/linux/kernel/v6.x/linux-6.6.16.tar.xz"}
]}`

func newEngine(t *testing.T, mutate func(s *setup.Settings)) *Engine {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(index))
	}))
	t.Cleanup(server.Close)

	root := t.TempDir()
	s := setup.Settings{
		WorkDir:   filepath.Join(root, "work"),
		StateDir:  filepath.Join(root, "state"),
		Catalog:   setup.CatalogSettings{IndexURL: server.URL},
		Privilege: setup.PrivilegeSettings{Method: "sudo"},
		Daemon:    setup.DaemonSettings{Socket: filepath.Join(root, "kforge.sock")},
	}
	if mutate != nil {
		mutate(&s)
	}
	engine, err := New(s, logging.Discard())
	require.NoError(t, err)
	return engine
}

func TestNewWiresSettings(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(s *setup.Settings) {
		s.Build.Jobs = 3
		s.Ledger.MaxRemoved = 7
		s.Catalog.RCTemplates = []string{"https://mirror.example/linux-{{.Version}}.tar.gz"}
	})

	assert.Equal(t, engine.Settings.WorkDir, engine.Pipeline.WorkDir)
	assert.Equal(t, 3, engine.Pipeline.Parallelism)
	assert.Equal(t, 7, engine.Ledger.MaxRemoved)
	assert.Equal(t, engine.Settings.StateDir, engine.Ledger.Dir)
	assert.Equal(t, []string{"https://mirror.example/linux-{{.Version}}.tar.gz"}, engine.Catalog.RCTemplates)
	assert.Equal(t, engine.Settings.Daemon.Socket, engine.Server().SocketPath)
	assert.Same(t, engine.Ledger, engine.Server().History)
}

func TestNewRejectsInvalidPrivilegeSettings(t *testing.T) {
	t.Parallel()

	_, err := New(setup.Settings{Privilege: setup.PrivilegeSettings{Method: "doas"}}, logging.Discard())
	assert.ErrorContains(t, err, "privilege.method")

	_, err = New(setup.Settings{Privilege: setup.PrivilegeSettings{Method: "sudo", BusyPolicy: "later"}}, logging.Discard())
	assert.ErrorContains(t, err, "privilege.busy_policy")
}

func TestVersionsFiltersChannels(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, nil)
	releases, err := engine.Versions(context.Background(), catalog.Longterm)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	assert.Equal(t, "6.6.16", releases[0].Version)

	all, err := engine.Versions(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRequestAppliesSettingsDefaults(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, func(s *setup.Settings) {
		s.Build.Cleanup = true
		s.Build.CustomName = "lab"
	})

	req, err := engine.Request(context.Background(), BuildOptions{Version: "6.7.4", Profile: profile.Gaming})
	require.NoError(t, err)
	assert.Equal(t, catalog.Stable, req.Release.Channel)
	assert.Equal(t, catalog.FormatTarXZ, req.Release.ArchiveFormat)
	assert.True(t, req.Cleanup)
	assert.Equal(t, "lab", req.CustomName)
	assert.Equal(t, "-lab-gaming", req.LocalVersion())
}

func TestRequestChecksChannel(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, nil)
	_, err := engine.Request(context.Background(), BuildOptions{Version: "6.6.16", Channel: catalog.Stable, Profile: profile.Minimal})
	assert.ErrorIs(t, err, build.ErrInvalidRequest)
}

func TestRequestLoadsCustomFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "studio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: studio\ndirectives:\n  - {key: preempt_rt, action: enable}\n"), 0o644))

	engine := newEngine(t, nil)
	req, err := engine.Request(context.Background(), BuildOptions{Version: "6.7.4", CustomFile: path})
	require.NoError(t, err)
	assert.Equal(t, profile.Custom, req.Profile)
	require.Len(t, req.Custom, 1)
	assert.Equal(t, "CONFIG_PREEMPT_RT", req.Custom[0].Key)
	assert.NoError(t, req.Validate())
}

func TestHistoryReadsLedger(t *testing.T) {
	t.Parallel()

	engine := newEngine(t, nil)
	_, err := engine.Ledger.Record(ledger.Entry{Version: "6.7.4", KernelRelease: "6.7.4-kforge-gaming", Profile: "gaming"})
	require.NoError(t, err)

	entries, err := engine.History()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Active())
}
