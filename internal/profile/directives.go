package profile

import (
	"github.com/cochaviz/kforge/internal/host"
	"github.com/cochaviz/kforge/internal/kconfig"
)

func gaming() kconfig.DirectiveSet {
	return kconfig.DirectiveSet{
		kconfig.N("PREEMPT_VOLUNTARY"),
		kconfig.N("PREEMPT_NONE"),
		kconfig.Y("PREEMPT"),
		kconfig.N("HZ_250"),
		kconfig.Y("HZ_1000"),
		kconfig.V("HZ", "1000"),
		kconfig.Y("CPU_FREQ_GOV_PERFORMANCE"),
		kconfig.Y("CPU_FREQ_DEFAULT_GOV_PERFORMANCE"),
		kconfig.Y("TRANSPARENT_HUGEPAGE"),
		kconfig.Y("MQ_IOSCHED_KYBER"),
		kconfig.Y("FUTEX"),
		kconfig.N("FTRACE"),
	}
}

func audioVideo() kconfig.DirectiveSet {
	return kconfig.DirectiveSet{
		kconfig.N("PREEMPT_VOLUNTARY"),
		kconfig.N("PREEMPT"),
		kconfig.Y("PREEMPT_RT"),
		kconfig.Y("NO_HZ_FULL"),
		kconfig.Y("HIGH_RES_TIMERS"),
		kconfig.N("HZ_250"),
		kconfig.Y("HZ_1000"),
		kconfig.V("HZ", "1000"),
		kconfig.Y("RT_GROUP_SCHED"),
		kconfig.N("CPU_IDLE"),
		kconfig.M("SND_USB_AUDIO"),
		kconfig.Y("SND_FIREWIRE"),
	}
}

func minimal() kconfig.DirectiveSet {
	set := kconfig.DirectiveSet{
		kconfig.N("PREEMPT"),
		kconfig.Y("PREEMPT_VOLUNTARY"),
		kconfig.N("HZ_1000"),
		kconfig.Y("HZ_250"),
		kconfig.V("HZ", "250"),
		kconfig.Y("CPU_FREQ_GOV_POWERSAVE"),
		kconfig.Y("CPU_FREQ_GOV_ONDEMAND"),
		kconfig.N("KPROBES"),
		kconfig.N("PROFILING"),
	}
	for _, legacy := range []string{"JOYSTICK", "GAMEPORT", "REISERFS_FS", "JFS_FS", "NILFS2_FS", "ATALK", "HAMRADIO", "IRDA"} {
		set = append(set, kconfig.N(legacy))
	}
	// Boot-critical storage stays built in.
	return append(set,
		kconfig.Y("VIRTIO_BLK"),
		kconfig.Y("VIRTIO_NET"),
		kconfig.Y("BLK_DEV_NVME"),
		kconfig.Y("SATA_AHCI"),
	)
}

var cpuDirectives = map[string]kconfig.DirectiveSet{
	host.VendorIntel: {kconfig.Y("MCORE2"), kconfig.Y("X86_INTEL_PSTATE")},
	host.VendorAMD:   {kconfig.Y("MZEN"), kconfig.Y("X86_AMD_PSTATE")},
}

var gpuDirectives = map[string]kconfig.DirectiveSet{
	host.VendorNVIDIA: {kconfig.M("DRM_NOUVEAU")},
	host.VendorAMD:    {kconfig.M("DRM_AMDGPU"), kconfig.Y("DRM_AMDGPU_SI"), kconfig.Y("DRM_AMDGPU_CIK")},
	host.VendorIntel:  {kconfig.M("DRM_I915")},
}

var guestDirectives = map[host.Hypervisor]kconfig.DirectiveSet{
	host.HypervisorQEMUKVM: {
		kconfig.Y("KVM_GUEST"),
		kconfig.Y("VIRTIO"),
		kconfig.Y("VIRTIO_PCI"),
		kconfig.Y("VIRTIO_BLK"),
		kconfig.Y("VIRTIO_NET"),
	},
	host.HypervisorVirtualBox: {kconfig.M("VBOXGUEST"), kconfig.M("DRM_VBOXVIDEO")},
	host.HypervisorVMware: {
		kconfig.M("VMWARE_PVSCSI"),
		kconfig.M("VMXNET3"),
		kconfig.M("VMWARE_BALLOON"),
		kconfig.M("DRM_VMWGFX"),
	},
}

func hardwareOptimized(facts host.HostFacts) kconfig.DirectiveSet {
	set := kconfig.DirectiveSet{
		kconfig.N("PREEMPT_VOLUNTARY"),
		kconfig.Y("PREEMPT"),
		kconfig.N("HZ_250"),
		kconfig.Y("HZ_1000"),
		kconfig.V("HZ", "1000"),
	}
	set = append(set, cpuDirectives[facts.CPUVendor]...)

	// GPUVendors is sorted by the probe; iterate a fixed order anyway so callers building
	// facts by hand get the same output.
	for _, vendor := range []string{host.VendorAMD, host.VendorIntel, host.VendorNVIDIA} {
		if facts.HasGPU(vendor) {
			set = append(set, gpuDirectives[vendor]...)
		}
	}

	if facts.HasNVMe {
		set = append(set, kconfig.Y("NVME_CORE"), kconfig.Y("BLK_DEV_NVME"))
	}

	if facts.Virtualized() {
		set = append(set, kconfig.Y("HYPERVISOR_GUEST"), kconfig.Y("PARAVIRT"))
		set = append(set, guestDirectives[facts.Hypervisor]...)
	}
	return set
}
