package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kforge/arch"
	"github.com/cochaviz/kforge/internal/process"
)

func TestCompileCommandPerFamily(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"-j8", "bindeb-pkg"}, CompileCommand(FamilyDebian, "/src", 8).Args)
	assert.Equal(t, []string{"-j8", "rpm-pkg"}, CompileCommand(FamilyFedora, "/src", 8).Args)
	assert.Equal(t, []string{"-j1"}, CompileCommand(FamilyArch, "/src", 0).Args)
	assert.Equal(t, "/src", CompileCommand(FamilyMageia, "/src", 4).Dir)
}

func TestPlanInstallDebianFindsPackages(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	tree := filepath.Join(work, "linux-6.6.10")
	krel := "6.6.10-kforge-minimal"
	for _, name := range []string{
		"linux-image-" + krel + "_6.6.10-1_amd64.deb",
		"linux-image-" + krel + "-dbg_6.6.10-1_amd64.deb",
		"linux-headers-" + krel + "_6.6.10-1_amd64.deb",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(work, name), nil, 0o644))
	}

	plan, err := PlanInstall(FamilyDebian, InstallInput{Tree: tree, KernelRelease: krel, Arch: arch.X86_64})
	require.NoError(t, err)

	image := filepath.Join(work, "linux-image-"+krel+"_6.6.10-1_amd64.deb")
	headers := filepath.Join(work, "linux-headers-"+krel+"_6.6.10-1_amd64.deb")
	assert.Equal(t, []process.Command{process.New("dpkg", "--unpack", image)}, plan.Modules)
	assert.Equal(t, []process.Command{process.New("dpkg", "-i", image, headers)}, plan.Kernel)
}

func TestPlanInstallFedoraRequiresRPM(t *testing.T) {
	t.Parallel()

	tree := filepath.Join(t.TempDir(), "linux-6.6.10")
	_, err := PlanInstall(FamilyFedora, InstallInput{Tree: tree, KernelRelease: "6.6.10-kforge-minimal", Arch: arch.X86_64})
	require.Error(t, err)

	rpms := filepath.Join(tree, "rpmbuild", "RPMS", "x86_64")
	require.NoError(t, os.MkdirAll(rpms, 0o755))
	pkg := filepath.Join(rpms, "kernel-6.6.10_kforge_minimal-1.x86_64.rpm")
	require.NoError(t, os.WriteFile(pkg, nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rpms, "kernel-headers-6.6.10_kforge_minimal-1.x86_64.rpm"), nil, 0o644))

	plan, err := PlanInstall(FamilyFedora, InstallInput{Tree: tree, KernelRelease: "6.6.10-kforge-minimal", Arch: arch.X86_64})
	require.NoError(t, err)
	assert.Equal(t, []string{"-ivh", "--replacepkgs", "--noscripts", pkg}, plan.Modules[0].Args)
	assert.Equal(t, "kernel-install", plan.Kernel[0].Name)
}

func TestPlanInstallArchUsesTree(t *testing.T) {
	t.Parallel()

	plan, err := PlanInstall(FamilyArch, InstallInput{Tree: "/w/linux-6.7", KernelRelease: "6.7.0-kforge-gaming", Arch: arch.X86_64})
	require.NoError(t, err)
	assert.Equal(t, process.New("make", "modules_install").In("/w/linux-6.7"), plan.Modules[0])
	require.Len(t, plan.Kernel, 3)
	assert.Equal(t, []string{"-Dm644", "/w/linux-6.7/arch/x86/boot/bzImage", "/boot/vmlinuz-6.7.0-kforge-gaming"}, plan.Kernel[0].Args)
}

func TestInitramfsCommands(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []process.Command{process.New("dracut", "--force", "/boot/initramfs-6.6.10-x.img", "6.6.10-x")}, InitramfsCommands(InitramfsDracut, "6.6.10-x"))
	assert.Equal(t, "update-initramfs", InitramfsCommands(InitramfsInitramfsTools, "k")[0].Name)
	assert.Equal(t, []string{"-k", "k", "-g", "/boot/initramfs-k.img"}, InitramfsCommands(InitramfsMkinitcpio, "k")[0].Args)
	assert.Empty(t, InitramfsCommands(InitramfsNone, "k"))
}

func TestBootloaderCommandsPreferUpdateGrub(t *testing.T) {
	t.Parallel()

	only := func(names ...string) func(string) string {
		return func(name string) string {
			for _, n := range names {
				if n == name {
					return "/usr/sbin/" + name
				}
			}
			return ""
		}
	}

	assert.Equal(t, "update-grub", BootloaderCommands(BootloaderGRUB2, BootloaderAdd, "k", only("update-grub", "grub2-mkconfig"))[0].Name)
	assert.Equal(t, []string{"-o", "/boot/grub2/grub.cfg"}, BootloaderCommands(BootloaderGRUB2, BootloaderAdd, "k", only("grub2-mkconfig"))[0].Args)
	assert.Equal(t, "grub-mkconfig", BootloaderCommands(BootloaderGRUB2, BootloaderAdd, "k", only())[0].Name)
	assert.Equal(t, []string{"remove", "k"}, BootloaderCommands(BootloaderSystemdBoot, BootloaderRemove, "k", only())[0].Args)
	assert.Empty(t, BootloaderCommands(BootloaderUnknown, BootloaderAdd, "k", only()))
}

func TestRemovalCommands(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"purge", "-y", "linux-image-k-x", "linux-headers-k-x"}, RemovalCommands(FamilyDebian, "k-x")[0].Args)
	assert.Equal(t, []string{"remove", "-y", "kernel-6.6.10_kforge_minimal"}, RemovalCommands(FamilyFedora, "6.6.10-kforge-minimal")[0].Args)

	steps := RemovalCommands(FamilyArch, "k")
	require.Len(t, steps, 2)
	assert.Equal(t, []string{"-rf", "/usr/lib/modules/k"}, steps[1].Args)
	assert.Equal(t, []string{"-rf", "/lib/modules/k"}, RemovalCommands(FamilyMageia, "k")[1].Args)
}

func TestInstallPackagesCommand(t *testing.T) {
	t.Parallel()

	cmd, ok := InstallPackagesCommand(HostFacts{PackageManager: "pacman"}, []string{"bc"})
	require.True(t, ok)
	assert.Equal(t, []string{"-S", "--needed", "--noconfirm", "bc"}, cmd.Args)

	_, ok = InstallPackagesCommand(HostFacts{PackageManager: "zypper"}, []string{"bc"})
	assert.False(t, ok)
	assert.NotEmpty(t, RequiredPackages(FamilyFedora))
	assert.Equal(t, []string{"gcc", "bc"}, MissingTools(func(name string) string {
		if name == "gcc" || name == "bc" {
			return ""
		}
		return "/usr/bin/" + name
	}))
}
