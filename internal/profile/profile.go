package profile

import (
	"fmt"
	"strings"

	"github.com/cochaviz/kforge/internal/host"
	"github.com/cochaviz/kforge/internal/kconfig"
)

// Profile names an optimization strategy resolved to directives at build time.
type Profile string

const (
	Gaming            Profile = "gaming"
	AudioVideo        Profile = "audio-video"
	Minimal           Profile = "minimal"
	HardwareOptimized Profile = "hardware-optimized"
	Custom            Profile = "custom"
)

// DirectivesVersion identifies the revision of the built-in directive lists. Bump it whenever a
// static list changes so recorded builds can be traced to their directives.
const DirectivesVersion = 3

// All returns the profiles in display order.
func All() []Profile {
	return []Profile{Gaming, AudioVideo, Minimal, HardwareOptimized, Custom}
}

func (p Profile) String() string { return string(p) }

// Suffix is appended to LOCALVERSION for kernels built with p.
func (p Profile) Suffix() string {
	switch p {
	case Gaming:
		return "gaming"
	case AudioVideo:
		return "lowlatency"
	case Minimal:
		return "minimal"
	case HardwareOptimized:
		return "optimized"
	case Custom:
		return "custom"
	default:
		return string(p)
	}
}

// Parse accepts canonical names and a few common spellings.
func Parse(value string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "gaming", "game":
		return Gaming, nil
	case "audio-video", "audiovideo", "audio", "lowlatency", "low-latency":
		return AudioVideo, nil
	case "minimal", "min":
		return Minimal, nil
	case "hardware-optimized", "hardwareoptimized", "hardware", "optimized", "hw":
		return HardwareOptimized, nil
	case "custom":
		return Custom, nil
	default:
		return "", fmt.Errorf("unknown profile %q", value)
	}
}

// Options adjust resolution.
type Options struct {
	// DebugSymbols keeps debug information that is otherwise stripped from every profile.
	DebugSymbols bool
	// Custom holds the directives of the Custom profile.
	Custom kconfig.DirectiveSet
}

// Resolve returns the directives for p. It only reads its arguments, so identical input always
// yields an identical set.
func Resolve(p Profile, facts host.HostFacts, opts Options) (kconfig.DirectiveSet, error) {
	var body kconfig.DirectiveSet
	switch p {
	case Gaming:
		body = gaming()
	case AudioVideo:
		body = audioVideo()
	case Minimal:
		body = minimal()
	case HardwareOptimized:
		body = hardwareOptimized(facts)
	case Custom:
		if err := opts.Custom.Validate(); err != nil {
			return nil, fmt.Errorf("custom profile: %w", err)
		}
		body = append(kconfig.DirectiveSet{}, opts.Custom...)
	default:
		return nil, fmt.Errorf("unknown profile %q", p)
	}

	set := make(kconfig.DirectiveSet, 0, len(body)+len(debugTrailer)+len(hygieneTrailer))
	set = append(set, body...)
	if !opts.DebugSymbols {
		set = append(set, debugTrailer...)
	}
	set = append(set, hygieneTrailer...)
	return set, nil
}

// debugTrailer keeps build time and artifact size bounded.
var debugTrailer = kconfig.DirectiveSet{
	kconfig.N("DEBUG_INFO"),
	kconfig.N("DEBUG_INFO_BTF"),
	kconfig.N("DEBUG_INFO_DWARF_TOOLCHAIN_DEFAULT"),
	kconfig.N("DEBUG_INFO_DWARF4"),
	kconfig.N("DEBUG_INFO_DWARF5"),
	kconfig.Y("DEBUG_INFO_NONE"),
}

// hygieneTrailer drops references to distribution signing keys that a local build cannot access.
var hygieneTrailer = kconfig.DirectiveSet{
	kconfig.V("SYSTEM_TRUSTED_KEYS", ""),
	kconfig.V("SYSTEM_REVOCATION_KEYS", ""),
	kconfig.N("MODULE_SIG"),
	kconfig.N("MODULE_SIG_ALL"),
	kconfig.V("MODULE_SIG_KEY", ""),
}
