package host

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var pciVendors = map[string]string{
	"0x10de": VendorNVIDIA,
	"0x1002": VendorAMD,
	"0x1022": VendorAMD,
	"0x8086": VendorIntel,
}

func (p *Prober) cpuVendor() string {
	for _, line := range strings.Split(p.read("/proc/cpuinfo"), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) != "vendor_id" {
			continue
		}
		switch strings.TrimSpace(value) {
		case "GenuineIntel":
			return VendorIntel
		case "AuthenticAMD", "HygonGenuine":
			return VendorAMD
		default:
			return VendorOther
		}
	}
	return VendorOther
}

func (p *Prober) cpuFlags() []string {
	for _, line := range strings.Split(p.read("/proc/cpuinfo"), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(key) == "flags" {
			return strings.Fields(value)
		}
	}
	return nil
}

// gpuVendors scans PCI display controllers (class 0x03xxxx).
func (p *Prober) gpuVendors() []string {
	devices, err := os.ReadDir(p.path("/sys/bus/pci/devices"))
	if err != nil {
		return []string{}
	}
	vendors := []string{}
	for _, device := range devices {
		dir := filepath.Join("/sys/bus/pci/devices", device.Name())
		if !strings.HasPrefix(p.read(filepath.Join(dir, "class")), "0x03") {
			continue
		}
		vendor, ok := pciVendors[strings.ToLower(p.read(filepath.Join(dir, "vendor")))]
		if ok && !slices.Contains(vendors, vendor) {
			vendors = append(vendors, vendor)
		}
	}
	slices.Sort(vendors)
	return vendors
}

func (p *Prober) hasNVMe() bool {
	entries, err := os.ReadDir(p.path("/sys/class/nvme"))
	if err == nil && len(entries) > 0 {
		return true
	}
	return p.exists("/dev/nvme0")
}

func (p *Prober) hypervisor() Hypervisor {
	dmi := strings.ToLower(p.read("/sys/class/dmi/id/sys_vendor") + " " + p.read("/sys/class/dmi/id/product_name"))
	switch {
	case strings.Contains(dmi, "qemu"), strings.Contains(dmi, "kvm"), strings.Contains(dmi, "bochs"):
		return HypervisorQEMUKVM
	case strings.Contains(dmi, "innotek"), strings.Contains(dmi, "virtualbox"):
		return HypervisorVirtualBox
	case strings.Contains(dmi, "vmware"):
		return HypervisorVMware
	}
	if slices.Contains(p.cpuFlags(), "hypervisor") {
		return HypervisorQEMUKVM
	}
	return HypervisorNone
}
