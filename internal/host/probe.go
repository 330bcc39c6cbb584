package host

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/kforge/internal/logging"
	"github.com/cochaviz/kforge/internal/process"
)

// Prober inspects the host. It only reads files and process state.
type Prober struct {
	Logger *slog.Logger
	// Root prefixes every inspected path. Empty means "/".
	Root string
	// LookPath reports the path of an executable or "". Defaults to a PATH lookup.
	LookPath func(name string) string
	// Uname returns the running kernel release and machine. Defaults to uname(2).
	Uname func() (release, machine string, err error)
	// DefaultRoute reports whether the host has a default route. Defaults to a netlink query.
	DefaultRoute func() (bool, error)
}

// NewProber returns a Prober for the live host.
func NewProber(logger *slog.Logger) *Prober {
	return &Prober{Logger: logger}
}

// Probe gathers HostFacts. Only an unidentifiable distribution is an error; every other fact
// degrades to its unknown value.
func (p *Prober) Probe(ctx context.Context) (HostFacts, error) {
	logger := logging.Ensure(p.Logger).With("component", "host.probe")

	release, err := p.readOSRelease()
	if err != nil {
		return HostFacts{}, err
	}
	family, ok := familyFor(release)
	if !ok {
		return HostFacts{}, &ProbeError{ID: release.id, IDLike: release.idLike}
	}
	if err := ctx.Err(); err != nil {
		return HostFacts{}, err
	}

	facts := HostFacts{
		DistroID:       release.id,
		DistroName:     release.name,
		DistroFamily:   family,
		PackageManager: p.packageManager(family),
		Bootloader:     p.detectBootloader(),
		InitramfsTool:  p.detectInitramfs(family),
		CPUVendor:      p.cpuVendor(),
		GPUVendors:     p.gpuVendors(),
		HasNVMe:        p.hasNVMe(),
		Hypervisor:     p.hypervisor(),
	}

	krel, machine, err := p.uname()
	if err != nil {
		logger.Warn("uname failed", "error", err)
	}
	facts.KernelRelease = krel
	facts.Machine = machine

	online, err := p.defaultRoute()
	if err != nil {
		logger.Debug("default route lookup failed", "error", err)
	}
	facts.Online = online

	logger.Info("host probed",
		"distro", facts.DistroID,
		"family", facts.DistroFamily,
		"bootloader", facts.Bootloader,
		"initramfs", facts.InitramfsTool,
		"hypervisor", facts.Hypervisor,
	)
	return facts, nil
}

func (p *Prober) path(rel string) string {
	if p.Root == "" {
		return rel
	}
	return filepath.Join(p.Root, rel)
}

func (p *Prober) exists(rel string) bool {
	_, err := os.Stat(p.path(rel))
	return err == nil
}

func (p *Prober) read(rel string) string {
	data, err := os.ReadFile(p.path(rel))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (p *Prober) has(tool string) bool {
	if p.LookPath != nil {
		return p.LookPath(tool) != ""
	}
	return process.LookPath(tool) != ""
}

func (p *Prober) uname() (string, string, error) {
	if p.Uname != nil {
		return p.Uname()
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", "", err
	}
	return unix.ByteSliceToString(uts.Release[:]), unix.ByteSliceToString(uts.Machine[:]), nil
}

func (p *Prober) defaultRoute() (bool, error) {
	if p.DefaultRoute != nil {
		return p.DefaultRoute()
	}
	return hasDefaultRoute()
}

func (p *Prober) packageManager(family DistroFamily) string {
	switch family {
	case FamilyDebian:
		return "apt"
	case FamilyFedora:
		return "dnf"
	case FamilyArch:
		return "pacman"
	case FamilyMageia:
		if !p.has("dnf") && p.has("urpmi") {
			return "urpmi"
		}
		return "dnf"
	default:
		return ""
	}
}

type marker struct {
	paths []string
	tools []string
	// all requires every path to exist instead of any.
	all bool
}

func (p *Prober) matches(m marker) bool {
	for _, tool := range m.tools {
		if !p.has(tool) {
			return false
		}
	}
	if len(m.paths) == 0 {
		return true
	}
	for _, path := range m.paths {
		found := p.exists(path)
		if m.all && !found {
			return false
		}
		if !m.all && found {
			return true
		}
	}
	return m.all
}

var bootloaderMarkers = []struct {
	kind   Bootloader
	marker marker
}{
	{BootloaderSystemdBoot, marker{paths: []string{"/boot/efi/EFI/systemd/systemd-bootx64.efi"}}},
	{BootloaderSystemdBoot, marker{paths: []string{"/boot/efi/EFI/BOOT/BOOTX64.EFI", "/boot/loader/loader.conf"}, all: true}},
	{BootloaderREFInd, marker{paths: []string{"/boot/efi/EFI/refind"}}},
	{BootloaderREFInd, marker{paths: []string{"/boot/refind_linux.conf"}, tools: []string{"refind-install"}}},
	{BootloaderGRUB2, marker{paths: []string{"/boot/grub/grub.cfg", "/boot/grub2/grub.cfg", "/etc/default/grub"}}},
	{BootloaderSyslinux, marker{paths: []string{"/boot/syslinux", "/boot/extlinux"}}},
	{BootloaderLILO, marker{paths: []string{"/etc/lilo.conf"}}},
}

func (p *Prober) detectBootloader() Bootloader {
	for _, candidate := range bootloaderMarkers {
		if p.matches(candidate.marker) {
			return candidate.kind
		}
	}
	return BootloaderUnknown
}

var initramfsMarkers = []struct {
	kind   InitramfsTool
	marker marker
}{
	{InitramfsDracut, marker{paths: []string{"/etc/dracut.conf", "/etc/dracut.conf.d"}, tools: []string{"dracut"}}},
	{InitramfsMkinitcpio, marker{paths: []string{"/etc/mkinitcpio.conf"}, tools: []string{"mkinitcpio"}}},
	{InitramfsInitramfsTools, marker{paths: []string{"/etc/initramfs-tools"}, tools: []string{"update-initramfs"}}},
}

var initramfsFallback = map[DistroFamily]struct {
	kind InitramfsTool
	tool string
}{
	FamilyArch:   {InitramfsMkinitcpio, "mkinitcpio"},
	FamilyFedora: {InitramfsDracut, "dracut"},
	FamilyMageia: {InitramfsDracut, "dracut"},
	FamilyDebian: {InitramfsInitramfsTools, "update-initramfs"},
}

func (p *Prober) detectInitramfs(family DistroFamily) InitramfsTool {
	for _, candidate := range initramfsMarkers {
		if p.matches(candidate.marker) {
			return candidate.kind
		}
	}
	if fallback, ok := initramfsFallback[family]; ok && p.has(fallback.tool) {
		return fallback.kind
	}
	return InitramfsNone
}
