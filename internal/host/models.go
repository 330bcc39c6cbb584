package host

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// DistroFamily groups distributions that share packaging and kernel conventions.
type DistroFamily string

const (
	FamilyDebian DistroFamily = "debian"
	FamilyFedora DistroFamily = "fedora"
	FamilyArch   DistroFamily = "arch"
	FamilyMageia DistroFamily = "mageia"
)

// Families returns every supported family.
func Families() []DistroFamily {
	return []DistroFamily{FamilyDebian, FamilyFedora, FamilyArch, FamilyMageia}
}

func (f DistroFamily) String() string { return string(f) }

// IsValid reports whether f is a supported family.
func (f DistroFamily) IsValid() bool {
	return slices.Contains(Families(), f)
}

// Bootloader identifies the boot manager that must learn about new kernels.
type Bootloader string

const (
	BootloaderGRUB2       Bootloader = "grub2"
	BootloaderSystemdBoot Bootloader = "systemd-boot"
	BootloaderREFInd      Bootloader = "refind"
	BootloaderLILO        Bootloader = "lilo"
	BootloaderSyslinux    Bootloader = "syslinux"
	BootloaderUnknown     Bootloader = "unknown"
)

func (b Bootloader) String() string { return string(b) }

// InitramfsTool identifies the initramfs generator.
type InitramfsTool string

const (
	InitramfsDracut         InitramfsTool = "dracut"
	InitramfsInitramfsTools InitramfsTool = "initramfs-tools"
	InitramfsMkinitcpio     InitramfsTool = "mkinitcpio"
	InitramfsNone           InitramfsTool = "none"
)

func (t InitramfsTool) String() string { return string(t) }

// Hypervisor identifies the virtualization platform the host runs under, if any.
type Hypervisor string

const (
	HypervisorNone       Hypervisor = "none"
	HypervisorQEMUKVM    Hypervisor = "qemu-kvm"
	HypervisorVirtualBox Hypervisor = "virtualbox"
	HypervisorVMware     Hypervisor = "vmware"
)

func (h Hypervisor) String() string { return string(h) }

// CPU and GPU vendor names.
const (
	VendorIntel  = "intel"
	VendorAMD    = "amd"
	VendorNVIDIA = "nvidia"
	VendorOther  = "other"
)

// HostFacts is the immutable result of a probe.
type HostFacts struct {
	DistroID       string        `json:"distro_id"`
	DistroName     string        `json:"distro_name,omitempty"`
	DistroFamily   DistroFamily  `json:"distro_family"`
	PackageManager string        `json:"package_manager"`
	Bootloader     Bootloader    `json:"bootloader"`
	InitramfsTool  InitramfsTool `json:"initramfs_tool"`
	CPUVendor      string        `json:"cpu_vendor"`
	// GPUVendors is sorted and free of duplicates.
	GPUVendors    []string   `json:"gpu_vendors"`
	HasNVMe       bool       `json:"has_nvme"`
	Hypervisor    Hypervisor `json:"hypervisor"`
	KernelRelease string     `json:"kernel_release"`
	Machine       string     `json:"machine"`
	Online        bool       `json:"online"`
}

// HasGPU reports whether vendor was detected.
func (f HostFacts) HasGPU(vendor string) bool {
	return slices.Contains(f.GPUVendors, vendor)
}

// Virtualized reports whether a hypervisor was detected.
func (f HostFacts) Virtualized() bool {
	return f.Hypervisor != "" && f.Hypervisor != HypervisorNone
}

// ErrUnsupportedHost marks hosts whose distribution family cannot be identified.
var ErrUnsupportedHost = errors.New("unsupported host")

// ProbeError is returned when the distribution cannot be mapped to a supported family.
type ProbeError struct {
	ID     string
	IDLike []string
	Reason string
}

func (e *ProbeError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("probe host: %s", e.Reason)
	}
	like := ""
	if len(e.IDLike) > 0 {
		like = fmt.Sprintf(" (like %s)", strings.Join(e.IDLike, ", "))
	}
	return fmt.Sprintf("probe host: distribution %q%s is not supported", e.ID, like)
}

func (e *ProbeError) Unwrap() error { return ErrUnsupportedHost }
