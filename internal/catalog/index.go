package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"
)

// DefaultIndexURL is the kernel.org release index.
const DefaultIndexURL = "https://www.kernel.org/releases.json"

type indexDocument struct {
	Releases []indexRelease `json:"releases"`
}

type indexRelease struct {
	Moniker  string `json:"moniker"`
	Version  string `json:"version"`
	Source   string `json:"source"`
	Released struct {
		Timestamp int64 `json:"timestamp"`
	} `json:"released"`
}

// parseIndex decodes releases.json into catalog order. Unknown monikers and unparsable versions
// are skipped.
func parseIndex(r io.Reader) ([]KernelRelease, error) {
	var doc indexDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode release index: %w", err)
	}

	seen := map[string]bool{}
	releases := []KernelRelease{}
	for _, entry := range doc.Releases {
		channel, ok := channelFor(entry.Moniker, entry.Version)
		if !ok {
			continue
		}
		if _, err := ParseVersion(entry.Version); err != nil {
			continue
		}
		id := string(channel) + "/" + entry.Version
		if seen[id] {
			continue
		}
		seen[id] = true

		release := KernelRelease{
			Version:    entry.Version,
			Channel:    channel,
			ArchiveURL: entry.Source,
		}
		if format, ok := FormatOf(entry.Source); ok {
			release.ArchiveFormat = format
		}
		if entry.Released.Timestamp > 0 {
			release.ReleasedAt = time.Unix(entry.Released.Timestamp, 0).UTC()
		}
		releases = append(releases, release)
	}

	sortReleases(releases)
	return releases, nil
}

func channelFor(moniker, version string) (Channel, bool) {
	switch moniker {
	case "stable":
		return Stable, true
	case "longterm":
		return Longterm, true
	case "mainline":
		if strings.Contains(version, "-rc") {
			return RC, true
		}
		return Mainline, true
	default:
		return "", false
	}
}

func sortReleases(releases []KernelRelease) {
	slices.SortStableFunc(releases, func(a, b KernelRelease) int {
		if d := a.Channel.rank() - b.Channel.rank(); d != 0 {
			return d
		}
		va, _ := ParseVersion(a.Version)
		vb, _ := ParseVersion(b.Version)
		return vb.Compare(va)
	})
}
