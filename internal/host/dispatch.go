package host

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cochaviz/kforge/arch"
	"github.com/cochaviz/kforge/internal/process"
)

// The tables below hold one row per variant. Adding a family or tool means adding a row.

var buildTargets = map[DistroFamily]string{
	FamilyDebian: "bindeb-pkg",
	FamilyFedora: "rpm-pkg",
	FamilyArch:   "",
	FamilyMageia: "",
}

// CompileCommand returns the make invocation for family, run inside tree.
func CompileCommand(family DistroFamily, tree string, jobs int) process.Command {
	if jobs < 1 {
		jobs = 1
	}
	args := []string{"-j" + strconv.Itoa(jobs)}
	if target := buildTargets[family]; target != "" {
		args = append(args, target)
	}
	return process.New("make", args...).In(tree)
}

// InstallInput locates build artifacts for an install plan.
type InstallInput struct {
	Tree          string
	KernelRelease string
	Arch          arch.Architecture
	// PackageDirs are searched for .deb and .rpm outputs. Defaults to the tree's parent
	// directory and the tree's rpmbuild output.
	PackageDirs []string
}

// InstallPlan holds the commands for the installing-modules and installing-kernel stages.
type InstallPlan struct {
	Modules []process.Command
	Kernel  []process.Command
}

type planner func(in InstallInput) (InstallPlan, error)

var installPlanners = map[DistroFamily]planner{
	FamilyDebian: planDebian,
	FamilyFedora: planFedora,
	FamilyArch:   planFromTree,
	FamilyMageia: planFromTree,
}

// PlanInstall resolves the install commands for family. Package-based families require the
// compile stage to have produced packages.
func PlanInstall(family DistroFamily, in InstallInput) (InstallPlan, error) {
	plan, ok := installPlanners[family]
	if !ok {
		return InstallPlan{}, fmt.Errorf("no install plan for family %q", family)
	}
	if in.KernelRelease == "" {
		return InstallPlan{}, fmt.Errorf("kernel release is required")
	}
	return plan(in)
}

func planDebian(in InstallInput) (InstallPlan, error) {
	image, err := findPackage(in.packageDirs(), "linux-image-"+in.KernelRelease+"_*.deb")
	if err != nil {
		return InstallPlan{}, err
	}
	kernel := []string{"-i", image}
	if headers, err := findPackage(in.packageDirs(), "linux-headers-"+in.KernelRelease+"_*.deb"); err == nil {
		kernel = append(kernel, headers)
	}
	return InstallPlan{
		Modules: []process.Command{process.New("dpkg", "--unpack", image)},
		Kernel:  []process.Command{process.New("dpkg", kernel...)},
	}, nil
}

func planFedora(in InstallInput) (InstallPlan, error) {
	pkg, err := findPackage(in.packageDirs(), "kernel-"+RPMVersion(in.KernelRelease)+"-*.rpm")
	if err != nil {
		return InstallPlan{}, err
	}
	vmlinuz := filepath.Join("/lib/modules", in.KernelRelease, "vmlinuz")
	return InstallPlan{
		Modules: []process.Command{process.New("rpm", "-ivh", "--replacepkgs", "--noscripts", pkg)},
		Kernel:  []process.Command{process.New("kernel-install", "add", in.KernelRelease, vmlinuz)},
	}, nil
}

func planFromTree(in InstallInput) (InstallPlan, error) {
	image := in.Arch.BootImage(in.Tree)
	if image == "" {
		return InstallPlan{}, fmt.Errorf("no boot image known for architecture %q", in.Arch)
	}
	krel := in.KernelRelease
	return InstallPlan{
		Modules: []process.Command{process.New("make", "modules_install").In(in.Tree)},
		Kernel: []process.Command{
			process.New("install", "-Dm644", image, "/boot/vmlinuz-"+krel),
			process.New("install", "-Dm644", filepath.Join(in.Tree, "System.map"), "/boot/System.map-"+krel),
			process.New("install", "-Dm644", filepath.Join(in.Tree, ".config"), "/boot/config-"+krel),
		},
	}, nil
}

func (in InstallInput) packageDirs() []string {
	if len(in.PackageDirs) > 0 {
		return in.PackageDirs
	}
	return []string{
		filepath.Dir(in.Tree),
		filepath.Join(in.Tree, "rpmbuild", "RPMS", in.Arch.RPMArch()),
	}
}

func findPackage(dirs []string, pattern string) (string, error) {
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return "", err
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches[len(matches)-1], nil
		}
	}
	return "", fmt.Errorf("no package matching %s in %s", pattern, strings.Join(dirs, ", "))
}

// RPMVersion converts a kernel release to the Version field used by rpm-pkg, which cannot
// contain dashes.
func RPMVersion(krel string) string {
	return strings.ReplaceAll(krel, "-", "_")
}

// InitramfsCommands returns the command regenerating the initramfs for krel, or none when no
// generator is installed.
func InitramfsCommands(tool InitramfsTool, krel string) []process.Command {
	image := "/boot/initramfs-" + krel + ".img"
	switch tool {
	case InitramfsDracut:
		return []process.Command{process.New("dracut", "--force", image, krel)}
	case InitramfsMkinitcpio:
		return []process.Command{process.New("mkinitcpio", "-k", krel, "-g", image)}
	case InitramfsInitramfsTools:
		return []process.Command{process.New("update-initramfs", "-c", "-k", krel)}
	default:
		return nil
	}
}

// BootloaderOp distinguishes registering a new kernel from dropping one.
type BootloaderOp int

const (
	BootloaderAdd BootloaderOp = iota
	BootloaderRemove
)

// BootloaderCommands returns the commands that bring the boot menu in line with the installed
// kernels. Unknown bootloaders yield no commands.
func BootloaderCommands(b Bootloader, op BootloaderOp, krel string, lookPath func(string) string) []process.Command {
	if lookPath == nil {
		lookPath = process.LookPath
	}
	switch b {
	case BootloaderGRUB2:
		switch {
		case lookPath("update-grub") != "":
			return []process.Command{process.New("update-grub")}
		case lookPath("grub2-mkconfig") != "":
			return []process.Command{process.New("grub2-mkconfig", "-o", "/boot/grub2/grub.cfg")}
		default:
			return []process.Command{process.New("grub-mkconfig", "-o", "/boot/grub/grub.cfg")}
		}
	case BootloaderSystemdBoot:
		if op == BootloaderRemove {
			return []process.Command{process.New("kernel-install", "remove", krel)}
		}
		return []process.Command{process.New("kernel-install", "add", krel, "/boot/vmlinuz-"+krel)}
	case BootloaderREFInd:
		return []process.Command{process.New("refind-mkconfig")}
	case BootloaderLILO:
		return []process.Command{process.New("lilo")}
	case BootloaderSyslinux:
		return []process.Command{process.New("extlinux", "--update", "/boot/extlinux")}
	default:
		return nil
	}
}

// RemovalCommands returns the commands that delete kernel krel from a host of family.
func RemovalCommands(family DistroFamily, krel string) []process.Command {
	switch family {
	case FamilyDebian:
		return []process.Command{process.New("apt-get", "purge", "-y", "linux-image-"+krel, "linux-headers-"+krel)}
	case FamilyFedora:
		return []process.Command{process.New("dnf", "remove", "-y", "kernel-"+RPMVersion(krel))}
	case FamilyArch, FamilyMageia:
		modules := "/usr/lib/modules/" + krel
		if family == FamilyMageia {
			modules = "/lib/modules/" + krel
		}
		return []process.Command{
			process.New("rm", "-f",
				"/boot/vmlinuz-"+krel,
				"/boot/initramfs-"+krel+".img",
				"/boot/initramfs-"+krel+"-fallback.img",
				"/boot/System.map-"+krel,
				"/boot/config-"+krel,
			),
			process.New("rm", "-rf", modules),
		}
	default:
		return nil
	}
}
