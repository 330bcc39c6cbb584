package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Channel is the release stream a kernel version belongs to.
type Channel string

const (
	Stable   Channel = "stable"
	Longterm Channel = "longterm"
	RC       Channel = "rc"
	Mainline Channel = "mainline"
)

// Channels returns every channel in listing order.
func Channels() []Channel {
	return []Channel{Stable, Longterm, RC, Mainline}
}

func (c Channel) String() string { return string(c) }

func (c Channel) rank() int {
	if i := slices.Index(Channels(), c); i >= 0 {
		return i
	}
	return len(Channels())
}

// ParseChannel accepts a channel name, case-insensitively. "lts" is accepted for longterm.
func ParseChannel(value string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "stable":
		return Stable, nil
	case "longterm", "lts":
		return Longterm, nil
	case "rc":
		return RC, nil
	case "mainline":
		return Mainline, nil
	default:
		return "", fmt.Errorf("unknown channel %q", value)
	}
}

// ArchiveFormat is the compression of a source tarball.
type ArchiveFormat string

const (
	FormatTarXZ ArchiveFormat = "tar.xz"
	FormatTarGZ ArchiveFormat = "tar.gz"
)

// FormatOf derives the archive format from a URL or file name.
func FormatOf(name string) (ArchiveFormat, bool) {
	switch {
	case strings.HasSuffix(name, ".tar.xz"):
		return FormatTarXZ, true
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return FormatTarGZ, true
	default:
		return "", false
	}
}

// KernelRelease is one entry of the catalog. Version and Channel identify it.
type KernelRelease struct {
	Version       string        `json:"version"`
	Channel       Channel       `json:"channel"`
	ArchiveURL    string        `json:"archive_url,omitempty"`
	ArchiveFormat ArchiveFormat `json:"archive_format,omitempty"`
	ReleasedAt    time.Time     `json:"released_at,omitzero"`
}

// ArchiveSource is a reachable download location.
type ArchiveSource struct {
	URL    string        `json:"url"`
	Format ArchiveFormat `json:"format"`
}

// Filter narrows a listing. The zero value admits every channel.
type Filter struct {
	Channels []Channel
}

func (f Filter) admits(c Channel) bool {
	return len(f.Channels) == 0 || slices.Contains(f.Channels, c)
}

// ErrCatalogUnavailable is returned when the index or every download candidate is unreachable.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

// Version is a parsed kernel version.
type Version struct {
	Major, Minor, Patch int
	// RC is zero for final releases.
	RC int
}

// ParseVersion parses "major.minor[.patch][-rcN]".
func ParseVersion(value string) (Version, error) {
	var v Version
	base, rc, hasRC := strings.Cut(strings.TrimSpace(value), "-rc")
	if hasRC {
		n, err := strconv.Atoi(rc)
		if err != nil || n <= 0 {
			return Version{}, fmt.Errorf("invalid kernel version %q", value)
		}
		v.RC = n
	}
	parts := strings.Split(base, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Version{}, fmt.Errorf("invalid kernel version %q", value)
	}
	fields := []*int{&v.Major, &v.Minor, &v.Patch}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid kernel version %q", value)
		}
		*fields[i] = n
	}
	return v, nil
}

// IsRC reports whether v is a release candidate.
func (v Version) IsRC() bool { return v.RC > 0 }

// Normalized renders v as "a.b.c[-rcN]", the form make kernelrelease prints.
func (v Version) Normalized() string {
	out := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.IsRC() {
		out += fmt.Sprintf("-rc%d", v.RC)
	}
	return out
}

// Compare orders versions; a release candidate sorts before its final release.
func (v Version) Compare(other Version) int {
	for _, d := range []int{v.Major - other.Major, v.Minor - other.Minor, v.Patch - other.Patch} {
		if d != 0 {
			return sign(d)
		}
	}
	switch {
	case v.RC == other.RC:
		return 0
	case v.RC == 0:
		return 1
	case other.RC == 0:
		return -1
	default:
		return sign(v.RC - other.RC)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
