package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kforge/internal/logging"
)

type fixture struct {
	root  string
	tools map[string]bool
}

func newFixture(t *testing.T, osRelease string) *fixture {
	t.Helper()
	f := &fixture{root: t.TempDir(), tools: map[string]bool{}}
	if osRelease != "" {
		f.write(t, "/etc/os-release", osRelease)
	}
	return f
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (f *fixture) mkdir(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(f.root, rel), 0o755))
}

func (f *fixture) prober() *Prober {
	return &Prober{
		Logger: logging.Discard(),
		Root:   f.root,
		LookPath: func(name string) string {
			if f.tools[name] {
				return "/usr/bin/" + name
			}
			return ""
		},
		Uname:        func() (string, string, error) { return "6.5.0-test", "x86_64", nil },
		DefaultRoute: func() (bool, error) { return true, nil },
	}
}

func TestProbeFedoraHost(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "NAME=\"Fedora Linux\"\nID=fedora\nVERSION_ID=39\nPRETTY_NAME=\"Fedora Linux 39 (Workstation Edition)\"\n")
	f.write(t, "/boot/grub2/grub.cfg", "")
	f.write(t, "/etc/dracut.conf", "")
	f.tools["dracut"] = true
	f.write(t, "/proc/cpuinfo", "processor\t: 0\nvendor_id\t: AuthenticAMD\nflags\t\t: fpu sse2\n")
	f.write(t, "/sys/bus/pci/devices/0000:01:00.0/class", "0x030000\n")
	f.write(t, "/sys/bus/pci/devices/0000:01:00.0/vendor", "0x1002\n")
	f.write(t, "/sys/bus/pci/devices/0000:00:02.0/class", "0x030000\n")
	f.write(t, "/sys/bus/pci/devices/0000:00:02.0/vendor", "0x8086\n")
	f.write(t, "/sys/bus/pci/devices/0000:00:1f.0/class", "0x060100\n")
	f.write(t, "/sys/bus/pci/devices/0000:00:1f.0/vendor", "0x10de\n")
	f.mkdir(t, "/sys/class/nvme/nvme0")

	facts, err := f.prober().Probe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, FamilyFedora, facts.DistroFamily)
	assert.Equal(t, "dnf", facts.PackageManager)
	assert.Equal(t, BootloaderGRUB2, facts.Bootloader)
	assert.Equal(t, InitramfsDracut, facts.InitramfsTool)
	assert.Equal(t, VendorAMD, facts.CPUVendor)
	assert.Equal(t, []string{VendorAMD, VendorIntel}, facts.GPUVendors)
	assert.True(t, facts.HasNVMe)
	assert.Equal(t, HypervisorNone, facts.Hypervisor)
	assert.Equal(t, "6.5.0-test", facts.KernelRelease)
	assert.Equal(t, "Fedora Linux 39 (Workstation Edition)", facts.DistroName)
	assert.True(t, facts.Online)
}

func TestProbeMatchesIDLike(t *testing.T) {
	t.Parallel()

	cases := map[string]DistroFamily{
		"ID=pop\nID_LIKE=\"ubuntu debian\"\n":             FamilyDebian,
		"ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\n": FamilyFedora,
		"ID=cachyos\nID_LIKE=arch\n":                     FamilyArch,
		"ID=openmandriva\n":                              FamilyMageia,
	}
	for content, want := range cases {
		f := newFixture(t, content)
		facts, err := f.prober().Probe(context.Background())
		require.NoError(t, err, content)
		assert.Equal(t, want, facts.DistroFamily, content)
	}
}

func TestProbeFallsBackToUsrLibOSRelease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.write(t, "/usr/lib/os-release", "ID=arch\n")
	facts, err := f.prober().Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FamilyArch, facts.DistroFamily)
	assert.Equal(t, "pacman", facts.PackageManager)
}

func TestProbeUnsupportedDistro(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "ID=gentoo\n")
	facts, err := f.prober().Probe(context.Background())

	var probeErr *ProbeError
	require.ErrorAs(t, err, &probeErr)
	assert.ErrorIs(t, err, ErrUnsupportedHost)
	assert.Equal(t, "gentoo", probeErr.ID)
	assert.Equal(t, HostFacts{}, facts)
}

func TestProbeMissingOSRelease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	_, err := f.prober().Probe(context.Background())
	assert.ErrorIs(t, err, ErrUnsupportedHost)
}

func TestProbeDegradesUnknownFacts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "ID=debian\n")
	facts, err := f.prober().Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, BootloaderUnknown, facts.Bootloader)
	assert.Equal(t, InitramfsNone, facts.InitramfsTool)
	assert.Equal(t, VendorOther, facts.CPUVendor)
	assert.Empty(t, facts.GPUVendors)
	assert.False(t, facts.HasNVMe)
}

func TestBootloaderDetectionOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
		want  Bootloader
	}{
		{
			name: "systemd-boot efi binary wins over grub",
			setup: func(t *testing.T, f *fixture) {
				f.write(t, "/boot/efi/EFI/systemd/systemd-bootx64.efi", "")
				f.write(t, "/etc/default/grub", "")
			},
			want: BootloaderSystemdBoot,
		},
		{
			name: "fallback efi binary needs loader.conf",
			setup: func(t *testing.T, f *fixture) {
				f.write(t, "/boot/efi/EFI/BOOT/BOOTX64.EFI", "")
				f.write(t, "/etc/lilo.conf", "")
			},
			want: BootloaderLILO,
		},
		{
			name: "fallback efi binary with loader.conf",
			setup: func(t *testing.T, f *fixture) {
				f.write(t, "/boot/efi/EFI/BOOT/BOOTX64.EFI", "")
				f.write(t, "/boot/loader/loader.conf", "")
			},
			want: BootloaderSystemdBoot,
		},
		{
			name: "refind config needs refind-install",
			setup: func(t *testing.T, f *fixture) {
				f.write(t, "/boot/refind_linux.conf", "")
				f.tools["refind-install"] = true
			},
			want: BootloaderREFInd,
		},
		{
			name: "grub before syslinux",
			setup: func(t *testing.T, f *fixture) {
				f.write(t, "/boot/grub/grub.cfg", "")
				f.mkdir(t, "/boot/extlinux")
			},
			want: BootloaderGRUB2,
		},
		{
			name:  "syslinux",
			setup: func(t *testing.T, f *fixture) { f.mkdir(t, "/boot/syslinux") },
			want:  BootloaderSyslinux,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "ID=debian\n")
			tc.setup(t, f)
			facts, err := f.prober().Probe(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, facts.Bootloader)
		})
	}
}

func TestInitramfsFamilyFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "ID=arch\n")
	f.tools["mkinitcpio"] = true
	facts, err := f.prober().Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InitramfsMkinitcpio, facts.InitramfsTool)

	f = newFixture(t, "ID=ubuntu\n")
	f.mkdir(t, "/etc/initramfs-tools")
	f.tools["update-initramfs"] = true
	f.tools["dracut"] = true
	facts, err = f.prober().Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, InitramfsInitramfsTools, facts.InitramfsTool)
}

func TestHypervisorDetection(t *testing.T) {
	t.Parallel()

	cases := map[string]Hypervisor{
		"QEMU":         HypervisorQEMUKVM,
		"innotek GmbH": HypervisorVirtualBox,
		"VMware, Inc.": HypervisorVMware,
		"Dell Inc.":    HypervisorNone,
	}
	for vendor, want := range cases {
		f := newFixture(t, "ID=fedora\n")
		f.write(t, "/sys/class/dmi/id/sys_vendor", vendor+"\n")
		facts, err := f.prober().Probe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, facts.Hypervisor, vendor)
	}

	f := newFixture(t, "ID=fedora\n")
	f.write(t, "/proc/cpuinfo", "vendor_id\t: GenuineIntel\nflags\t\t: fpu hypervisor\n")
	facts, err := f.prober().Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HypervisorQEMUKVM, facts.Hypervisor)
	assert.Equal(t, VendorIntel, facts.CPUVendor)
}

func TestMageiaPackageManagerFallsBackToUrpmi(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "ID=mageia\n")
	f.tools["urpmi"] = true
	facts, err := f.prober().Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "urpmi", facts.PackageManager)
}

type countingProber struct {
	calls int
	facts HostFacts
}

func (c *countingProber) Probe(context.Context) (HostFacts, error) {
	c.calls++
	return c.facts, nil
}

func TestCacheProbesOnceUntilRefresh(t *testing.T) {
	t.Parallel()

	inner := &countingProber{facts: HostFacts{DistroFamily: FamilyArch}}
	cache := &Cache{Prober: inner}

	for range 3 {
		facts, err := cache.Probe(context.Background())
		require.NoError(t, err)
		assert.Equal(t, FamilyArch, facts.DistroFamily)
	}
	assert.Equal(t, 1, inner.calls)

	_, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCacheReturnsIndependentCopies(t *testing.T) {
	t.Parallel()

	inner := &countingProber{facts: HostFacts{DistroFamily: FamilyDebian, GPUVendors: []string{"amd", "nvidia"}}}
	cache := &Cache{Prober: inner}

	first, err := cache.Probe(context.Background())
	require.NoError(t, err)
	first.GPUVendors[0] = "intel"
	first.GPUVendors = append(first.GPUVendors, "virtio")
	inner.facts.GPUVendors[1] = "none"

	second, err := cache.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"amd", "nvidia"}, second.GPUVendors)
	assert.Equal(t, 1, inner.calls)
}
