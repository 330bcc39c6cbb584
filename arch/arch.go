package arch

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Architecture is a machine name as reported by uname(2).
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	I686    Architecture = "i686"
	AArch64 Architecture = "aarch64"
	ARMV7L  Architecture = "armv7l"
	PPC64LE Architecture = "ppc64le"
	RISCV64 Architecture = "riscv64"
)

type kernelTarget struct {
	srcArch   string
	bootImage string
	rpmArch   string
}

var targets = map[Architecture]kernelTarget{
	X86_64:  {srcArch: "x86", bootImage: "arch/x86/boot/bzImage", rpmArch: "x86_64"},
	I686:    {srcArch: "x86", bootImage: "arch/x86/boot/bzImage", rpmArch: "i686"},
	AArch64: {srcArch: "arm64", bootImage: "arch/arm64/boot/Image", rpmArch: "aarch64"},
	ARMV7L:  {srcArch: "arm", bootImage: "arch/arm/boot/zImage", rpmArch: "armv7hl"},
	PPC64LE: {srcArch: "powerpc", bootImage: "vmlinux", rpmArch: "ppc64le"},
	RISCV64: {srcArch: "riscv", bootImage: "arch/riscv/boot/Image", rpmArch: "riscv64"},
}

// Supported returns the architectures a kernel can be built for on the host.
func Supported() []Architecture {
	return []Architecture{X86_64, I686, AArch64, ARMV7L, PPC64LE, RISCV64}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	_, ok := targets[a]
	return ok
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// KernelArch is the value make expects in ARCH= and the directory under arch/.
func (a Architecture) KernelArch() string {
	return targets[a].srcArch
}

// BootImage returns the path of the compressed kernel image inside the source tree.
func (a Architecture) BootImage(tree string) string {
	image := targets[a].bootImage
	if image == "" {
		return ""
	}
	return filepath.Join(tree, image)
}

// RPMArch is the directory name rpmbuild uses under RPMS/.
func (a Architecture) RPMArch() string {
	return targets[a].rpmArch
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "x86_64", "x86-64", "amd64":
		return X86_64
	case "i386", "i486", "i586", "i686", "x86":
		return I686
	case "aarch64", "arm64":
		return AArch64
	case "armv7l", "armv7", "armhf", "arm":
		return ARMV7L
	case "ppc64le", "ppc64el", "powerpc64le":
		return PPC64LE
	case "riscv64":
		return RISCV64
	default:
		return ""
	}
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
