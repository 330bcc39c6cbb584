package host

import (
	"slices"

	"github.com/cochaviz/kforge/internal/process"
)

var buildPackages = map[DistroFamily][]string{
	FamilyDebian: {"build-essential", "bc", "bison", "cpio", "debhelper", "dwarves", "flex", "kmod", "libelf-dev", "libncurses-dev", "libssl-dev", "rsync"},
	FamilyFedora: {"bc", "bison", "dwarves", "elfutils-libelf-devel", "flex", "gcc", "make", "ncurses-devel", "openssl-devel", "perl", "rpm-build", "rsync"},
	FamilyArch:   {"base-devel", "bc", "cpio", "inetutils", "kmod", "pahole", "xmlto"},
	FamilyMageia: {"bc", "bison", "dwarves", "flex", "gcc", "libelf-devel", "make", "ncurses-devel", "openssl-devel", "perl"},
}

// BuildTools must be on PATH before a build can start.
var BuildTools = []string{"make", "gcc", "flex", "bison", "bc", "perl"}

// RequiredPackages lists the packages providing the kernel build toolchain on family.
func RequiredPackages(family DistroFamily) []string {
	return slices.Clone(buildPackages[family])
}

// InstallPackagesCommand returns the package manager invocation installing pkgs.
func InstallPackagesCommand(facts HostFacts, pkgs []string) (process.Command, bool) {
	if len(pkgs) == 0 {
		return process.Command{}, false
	}
	switch facts.PackageManager {
	case "apt":
		return process.New("apt-get", append([]string{"install", "-y"}, pkgs...)...), true
	case "dnf":
		return process.New("dnf", append([]string{"install", "-y"}, pkgs...)...), true
	case "pacman":
		return process.New("pacman", append([]string{"-S", "--needed", "--noconfirm"}, pkgs...)...), true
	case "urpmi":
		return process.New("urpmi", append([]string{"--auto"}, pkgs...)...), true
	default:
		return process.Command{}, false
	}
}

// MissingTools returns the build tools not found by lookPath.
func MissingTools(lookPath func(string) string) []string {
	if lookPath == nil {
		lookPath = process.LookPath
	}
	var missing []string
	for _, tool := range BuildTools {
		if lookPath(tool) == "" {
			missing = append(missing, tool)
		}
	}
	return missing
}
