package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const indexFixture = `{
  "latest_stable": {"version": "6.7.2"},
  "releases": [
    {"moniker": "mainline", "version": "6.8-rc1", "source": "https://git.kernel.org/torvalds/t/linux-6.8-rc1.tar.gz", "released": {"timestamp": 1705851465}},
    {"moniker": "stable", "version": "6.7.2", "source": "https://cdn.kernel.org/pub/linux/kernel/v6.x/linux-6.7.2.tar.xz", "released": {"timestamp": 1706000000}},
    {"moniker": "stable", "version": "6.6.10", "source": "https://cdn.kernel.org/pub/linux/kernel/v6.x/linux-6.6.10.tar.xz", "released": {"timestamp": 1704800000}},
    {"moniker": "longterm", "version": "6.1.74", "source": "https://cdn.kernel.org/pub/linux/kernel/v6.x/linux-6.1.74.tar.xz", "released": {"timestamp": 1705000000}},
    {"moniker": "longterm", "version": "6.6.13", "source": "https://cdn.kernel.org/pub/linux/kernel/v6.x/linux-6.6.13.tar.xz", "released": {"timestamp": 1705400000}},
    {"moniker": "linux-next", "version": "next-20240125", "source": null, "released": {"timestamp": 1706140800}}
  ]
}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() Retry {
	return Retry{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}
}

func indexServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, indexFixture)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func versions(t *testing.T, c *Catalog, filter Filter) []string {
	t.Helper()
	releases, err := c.Versions(context.Background(), filter)
	require.NoError(t, err)
	out := []string{}
	for _, r := range releases {
		out = append(out, string(r.Channel)+":"+r.Version)
	}
	return out
}

func TestListVersionsOrdersByChannelThenNewest(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := indexServer(t, &hits)
	c := &Catalog{Logger: quietLogger(), IndexURL: srv.URL, Retry: fastRetry()}

	assert.Equal(t, []string{
		"stable:6.7.2",
		"stable:6.6.10",
		"longterm:6.6.13",
		"longterm:6.1.74",
		"rc:6.8-rc1",
	}, versions(t, c, Filter{}))
	assert.Equal(t, []string{"longterm:6.6.13", "longterm:6.1.74"}, versions(t, c, Filter{Channels: []Channel{Longterm}}))
	assert.Equal(t, int32(1), hits.Load())

	c.Refresh()
	versions(t, c, Filter{})
	assert.Equal(t, int32(2), hits.Load())
}

func TestListVersionsStopsEarly(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := indexServer(t, &hits)
	c := &Catalog{Logger: quietLogger(), IndexURL: srv.URL, Retry: fastRetry()}

	count := 0
	for release, err := range c.ListVersions(context.Background(), Filter{}) {
		require.NoError(t, err)
		assert.Equal(t, "6.7.2", release.Version)
		assert.Equal(t, FormatTarXZ, release.ArchiveFormat)
		assert.Equal(t, time.Unix(1706000000, 0).UTC(), release.ReleasedAt)
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestListVersionsUnavailable(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	c := &Catalog{Logger: quietLogger(), IndexURL: srv.URL, Retry: fastRetry()}

	pairs := 0
	for release, err := range c.ListVersions(context.Background(), Filter{}) {
		pairs++
		assert.ErrorIs(t, err, ErrCatalogUnavailable)
		assert.Equal(t, KernelRelease{}, release)
	}
	assert.Equal(t, 1, pairs)
	assert.Equal(t, int32(3), hits.Load())
}

func TestListVersionsDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	c := &Catalog{Logger: quietLogger(), IndexURL: srv.URL, Retry: fastRetry()}

	_, err := c.Versions(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrCatalogUnavailable)
	assert.Equal(t, int32(1), hits.Load())
}

type requestLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *requestLog) add(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

func (l *requestLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// archiveServer answers 200 for the paths in available and 404 for everything else.
func archiveServer(t *testing.T, available ...string) (*httptest.Server, *requestLog) {
	t.Helper()
	seen := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.add(r.Method + " " + r.URL.Path)
		for _, path := range available {
			if r.URL.Path == path {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func stableTemplates(base string) []string {
	return []string{
		base + "/pub/v{{.Major}}.x/linux-{{.Version}}.tar.xz",
		base + "/pub/v{{.Major}}.x/linux-{{.Version}}.tar.gz",
	}
}

func TestResolveDownloadXZOnly(t *testing.T) {
	t.Parallel()

	srv, _ := archiveServer(t, "/pub/v6.x/linux-6.6.10.tar.xz")
	c := &Catalog{Logger: quietLogger(), StableTemplates: stableTemplates(srv.URL), Retry: fastRetry()}

	source, err := c.ResolveDownload(context.Background(), KernelRelease{Version: "6.6.10", Channel: Stable})
	require.NoError(t, err)
	assert.Equal(t, ArchiveSource{URL: srv.URL + "/pub/v6.x/linux-6.6.10.tar.xz", Format: FormatTarXZ}, source)
}

func TestResolveDownloadGZOnly(t *testing.T) {
	t.Parallel()

	srv, seen := archiveServer(t, "/pub/v6.x/linux-6.6.10.tar.gz")
	c := &Catalog{Logger: quietLogger(), StableTemplates: stableTemplates(srv.URL), Retry: fastRetry()}

	source, err := c.ResolveDownload(context.Background(), KernelRelease{
		Version:    "6.6.10",
		Channel:    Stable,
		ArchiveURL: srv.URL + "/mirror/linux-6.6.10.tar.xz",
	})
	require.NoError(t, err)
	assert.Equal(t, FormatTarGZ, source.Format)
	// 404 moves on without retrying.
	assert.Equal(t, []string{
		"HEAD /mirror/linux-6.6.10.tar.xz",
		"HEAD /pub/v6.x/linux-6.6.10.tar.xz",
		"HEAD /pub/v6.x/linux-6.6.10.tar.gz",
	}, seen.all())
}

func TestResolveDownloadRCFallsBackToSnapshot(t *testing.T) {
	t.Parallel()

	srv, _ := archiveServer(t, "/snapshot/linux-6.8-rc1.tar.gz")
	c := &Catalog{
		Logger: quietLogger(),
		RCTemplates: []string{
			srv.URL + "/t/linux-{{.Version}}.tar.gz",
			srv.URL + "/snapshot/linux-{{.Version}}.tar.gz",
		},
		Retry: fastRetry(),
	}

	source, err := c.ResolveDownload(context.Background(), KernelRelease{Version: "6.8-rc1", Channel: RC})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/snapshot/linux-6.8-rc1.tar.gz", source.URL)
	assert.Equal(t, FormatTarGZ, source.Format)
}

func TestResolveDownloadFallsBackToRangedGet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = io.WriteString(w, "x")
	}))
	t.Cleanup(srv.Close)
	c := &Catalog{Logger: quietLogger(), StableTemplates: stableTemplates(srv.URL), Retry: fastRetry()}

	source, err := c.ResolveDownload(context.Background(), KernelRelease{Version: "6.7", Channel: Mainline})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(source.URL, "/pub/v6.x/linux-6.7.tar.xz"))
}

func TestResolveDownloadRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	c := &Catalog{Logger: quietLogger(), StableTemplates: stableTemplates(srv.URL), Retry: fastRetry()}

	source, err := c.ResolveDownload(context.Background(), KernelRelease{Version: "6.6.10", Channel: Stable})
	require.NoError(t, err)
	assert.Equal(t, FormatTarXZ, source.Format)
	assert.Equal(t, int32(3), hits.Load())
}

func TestResolveDownloadNothingReachable(t *testing.T) {
	t.Parallel()

	srv, _ := archiveServer(t)
	c := &Catalog{Logger: quietLogger(), StableTemplates: stableTemplates(srv.URL), Retry: fastRetry()}

	_, err := c.ResolveDownload(context.Background(), KernelRelease{Version: "6.6.10", Channel: Stable})
	assert.ErrorIs(t, err, ErrCatalogUnavailable)

	_, err = c.ResolveDownload(context.Background(), KernelRelease{Version: "six", Channel: Stable})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCatalogUnavailable))
}

func TestLookupSynthesizesUnknownVersions(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := indexServer(t, &hits)
	c := &Catalog{Logger: quietLogger(), IndexURL: srv.URL, Retry: fastRetry()}

	release, err := c.Lookup(context.Background(), "6.1.74")
	require.NoError(t, err)
	assert.Equal(t, Longterm, release.Channel)

	release, err = c.Lookup(context.Background(), "5.10.1")
	require.NoError(t, err)
	assert.Equal(t, KernelRelease{Version: "5.10.1", Channel: Stable}, release)

	release, err = c.Lookup(context.Background(), "6.9-rc3")
	require.NoError(t, err)
	assert.Equal(t, RC, release.Channel)

	_, err = c.Lookup(context.Background(), "latest")
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	v, err := ParseVersion("6.8-rc1")
	require.NoError(t, err)
	assert.Equal(t, Version{Major: 6, Minor: 8, RC: 1}, v)
	assert.Equal(t, "6.8.0-rc1", v.Normalized())

	v, err = ParseVersion("6.6.10")
	require.NoError(t, err)
	assert.Equal(t, "6.6.10", v.Normalized())

	for _, bad := range []string{"", "6", "6.x", "6.1.2.3", "6.8-rc", "6.8-rcx"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, bad)
	}

	parse := func(s string) Version {
		v, err := ParseVersion(s)
		require.NoError(t, err)
		return v
	}
	assert.Equal(t, -1, parse("6.8-rc1").Compare(parse("6.8")))
	assert.Equal(t, 1, parse("6.8-rc2").Compare(parse("6.8-rc1")))
	assert.Equal(t, 1, parse("6.10").Compare(parse("6.9.12")))
	assert.Equal(t, 0, parse("6.7").Compare(parse("6.7.0")))
}

func TestRetryHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	attempts, err := Retry{Attempts: 5, Initial: time.Hour}.Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("flaky")
	})
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}
