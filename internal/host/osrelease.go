package host

import (
	"fmt"
	"strings"

	"gopkg.in/ini.v1"
)

var osReleasePaths = []string{"/etc/os-release", "/usr/lib/os-release"}

type osRelease struct {
	id     string
	idLike []string
	name   string
}

var familyIDs = map[string]DistroFamily{
	"debian":     FamilyDebian,
	"ubuntu":     FamilyDebian,
	"linuxmint":  FamilyDebian,
	"pop":        FamilyDebian,
	"elementary": FamilyDebian,
	"zorin":      FamilyDebian,
	"kali":       FamilyDebian,
	"raspbian":   FamilyDebian,

	"fedora":    FamilyFedora,
	"rhel":      FamilyFedora,
	"centos":    FamilyFedora,
	"rocky":     FamilyFedora,
	"almalinux": FamilyFedora,
	"nobara":    FamilyFedora,

	"arch":        FamilyArch,
	"manjaro":     FamilyArch,
	"endeavouros": FamilyArch,
	"garuda":      FamilyArch,
	"artix":       FamilyArch,

	"mageia":       FamilyMageia,
	"mandriva":     FamilyMageia,
	"openmandriva": FamilyMageia,
	"rosa":         FamilyMageia,
	"pclinuxos":    FamilyMageia,
}

func (p *Prober) readOSRelease() (osRelease, error) {
	for _, rel := range osReleasePaths {
		if !p.exists(rel) {
			continue
		}
		cfg, err := ini.LoadSources(ini.LoadOptions{
			IgnoreInlineComment:     true,
			SkipUnrecognizableLines: true,
		}, p.path(rel))
		if err != nil {
			return osRelease{}, fmt.Errorf("read %s: %w", rel, err)
		}
		section := cfg.Section(ini.DefaultSection)
		release := osRelease{
			id:     strings.ToLower(section.Key("ID").String()),
			idLike: strings.Fields(strings.ToLower(section.Key("ID_LIKE").String())),
			name:   section.Key("PRETTY_NAME").String(),
		}
		return release, nil
	}
	return osRelease{}, &ProbeError{Reason: "no os-release file found"}
}

// familyFor matches ID before each ID_LIKE token.
func familyFor(release osRelease) (DistroFamily, bool) {
	if family, ok := familyIDs[release.id]; ok {
		return family, true
	}
	for _, like := range release.idLike {
		if family, ok := familyIDs[like]; ok {
			return family, true
		}
	}
	return "", false
}
