// Package catalog lists kernel releases published on kernel.org and resolves reachable source
// archives for them.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"text/template"

	"github.com/cochaviz/kforge/internal/logging"
)

// Default download templates, tried in order.
var (
	DefaultStableTemplates = []string{
		"https://cdn.kernel.org/pub/linux/kernel/v{{.Major}}.x/linux-{{.Version}}.tar.xz",
		"https://cdn.kernel.org/pub/linux/kernel/v{{.Major}}.x/linux-{{.Version}}.tar.gz",
	}
	DefaultRCTemplates = []string{
		"https://git.kernel.org/torvalds/t/linux-{{.Version}}.tar.gz",
		"https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git/snapshot/linux-{{.Version}}.tar.gz",
	}
)

const userAgent = "kforge/1"

// Catalog is safe for concurrent use. The index is fetched once and cached until Refresh.
type Catalog struct {
	Logger *slog.Logger
	Client *http.Client
	// IndexURL defaults to DefaultIndexURL.
	IndexURL string
	// StableTemplates apply to stable, longterm and mainline releases after the index source.
	StableTemplates []string
	// RCTemplates apply to release candidates.
	RCTemplates []string
	Retry       Retry

	mu       sync.Mutex
	releases []KernelRelease
}

// New returns a Catalog with default settings.
func New(logger *slog.Logger) *Catalog {
	return &Catalog{Logger: logger}
}

func (c *Catalog) logger() *slog.Logger {
	return logging.Ensure(c.Logger).With("component", "catalog")
}

func (c *Catalog) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *Catalog) indexURL() string {
	if c.IndexURL != "" {
		return c.IndexURL
	}
	return DefaultIndexURL
}

// Refresh drops the cached index; the next listing fetches it again.
func (c *Catalog) Refresh() {
	c.mu.Lock()
	c.releases = nil
	c.mu.Unlock()
}

// ListVersions yields releases admitted by filter, in channel order then newest first. The
// sequence can be iterated any number of times. When the index cannot be fetched it yields a
// single zero release with an error wrapping ErrCatalogUnavailable.
func (c *Catalog) ListVersions(ctx context.Context, filter Filter) iter.Seq2[KernelRelease, error] {
	return func(yield func(KernelRelease, error) bool) {
		releases, err := c.index(ctx)
		if err != nil {
			yield(KernelRelease{}, err)
			return
		}
		for _, release := range releases {
			if !filter.admits(release.Channel) {
				continue
			}
			if !yield(release, nil) {
				return
			}
		}
	}
}

// Versions collects ListVersions.
func (c *Catalog) Versions(ctx context.Context, filter Filter) ([]KernelRelease, error) {
	out := []KernelRelease{}
	for release, err := range c.ListVersions(ctx, filter) {
		if err != nil {
			return nil, err
		}
		out = append(out, release)
	}
	return out, nil
}

// Lookup finds version in the index. When the index has no entry the release is synthesized
// from the version string so that older releases can still be built.
func (c *Catalog) Lookup(ctx context.Context, version string) (KernelRelease, error) {
	parsed, err := ParseVersion(version)
	if err != nil {
		return KernelRelease{}, err
	}
	for release, err := range c.ListVersions(ctx, Filter{}) {
		if err != nil {
			c.logger().Warn("release index unavailable, using version as given", "version", version, "error", err)
			break
		}
		if release.Version == version {
			return release, nil
		}
	}
	channel := Stable
	if parsed.IsRC() {
		channel = RC
	}
	return KernelRelease{Version: version, Channel: channel}, nil
}

func (c *Catalog) index(ctx context.Context) ([]KernelRelease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.releases != nil {
		return c.releases, nil
	}

	url := c.indexURL()
	logger := c.logger().With("url", url)
	var releases []KernelRelease
	attempts, err := c.Retry.Do(ctx, func(ctx context.Context) error {
		body, err := c.get(ctx, url)
		if err != nil {
			return err
		}
		parsed, err := parseIndex(bytes.NewReader(body))
		if err != nil {
			return Permanent(err)
		}
		releases = parsed
		return nil
	})
	if err != nil {
		logger.Warn("release index fetch failed", "attempts", attempts, "error", err)
		return nil, fmt.Errorf("%w: fetch %s after %d attempt(s): %w", ErrCatalogUnavailable, url, attempts, err)
	}

	logger.Debug("release index fetched", "releases", len(releases))
	c.releases = releases
	return releases, nil
}

func (c *Catalog) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := classify(resp.StatusCode); err != nil {
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// ResolveDownload returns the first reachable archive for release.
func (c *Catalog) ResolveDownload(ctx context.Context, release KernelRelease) (ArchiveSource, error) {
	candidates, err := c.candidates(release)
	if err != nil {
		return ArchiveSource{}, err
	}
	logger := c.logger().With("version", release.Version, "channel", release.Channel)

	var errs []error
	for _, url := range candidates {
		format, ok := FormatOf(url)
		if !ok {
			continue
		}
		attempts, err := c.Retry.Do(ctx, func(ctx context.Context) error {
			return c.probe(ctx, url)
		})
		if err == nil {
			logger.Info("resolved source archive", "url", url)
			return ArchiveSource{URL: url, Format: format}, nil
		}
		if ctx.Err() != nil {
			return ArchiveSource{}, ctx.Err()
		}
		logger.Debug("download candidate unreachable", "url", url, "attempts", attempts, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", url, err))
	}
	return ArchiveSource{}, fmt.Errorf("%w: no reachable archive for %s: %w", ErrCatalogUnavailable, release.Version, errors.Join(errs...))
}

// candidates renders the download URLs for release, without duplicates.
func (c *Catalog) candidates(release KernelRelease) ([]string, error) {
	version, err := ParseVersion(release.Version)
	if err != nil {
		return nil, err
	}

	patterns := c.StableTemplates
	if len(patterns) == 0 {
		patterns = DefaultStableTemplates
	}
	urls := []string{}
	if version.IsRC() || release.Channel == RC {
		patterns = c.RCTemplates
		if len(patterns) == 0 {
			patterns = DefaultRCTemplates
		}
	} else if release.ArchiveURL != "" {
		urls = append(urls, release.ArchiveURL)
	}

	data := struct {
		Version string
		Major   int
		Minor   int
		Patch   int
		Channel Channel
	}{release.Version, version.Major, version.Minor, version.Patch, release.Channel}

	for _, pattern := range patterns {
		tmpl, err := template.New("download").Option("missingkey=error").Parse(pattern)
		if err != nil {
			return nil, fmt.Errorf("parse download template %q: %w", pattern, err)
		}
		var out strings.Builder
		if err := tmpl.Execute(&out, data); err != nil {
			return nil, fmt.Errorf("render download template %q: %w", pattern, err)
		}
		if url := out.String(); !slices.Contains(urls, url) {
			urls = append(urls, url)
		}
	}
	return urls, nil
}

// probe checks url with HEAD, falling back to a one-byte ranged GET when HEAD is refused.
func (c *Catalog) probe(ctx context.Context, url string) error {
	status, err := c.request(ctx, http.MethodHead, url)
	if err != nil {
		return err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		if status, err = c.request(ctx, http.MethodGet, url); err != nil {
			return err
		}
	}
	return classify(status)
}

func (c *Catalog) request(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, Permanent(err)
	}
	req.Header.Set("User-Agent", userAgent)
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	resp.Body.Close()
	return resp.StatusCode, nil
}

// classify maps a status code to nil, a retryable error, or a permanent one.
func classify(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return fmt.Errorf("server returned %d", status)
	default:
		return Permanent(fmt.Errorf("server returned %d", status))
	}
}
