// Package sel4 models the target kernel: the build configuration the
// assembler is driven by and the hand-off records the kernel consumes at
// entry.
package sel4

import "fmt"

// Arch selects the target architecture.
type Arch int

const (
	ArchAarch64 Arch = iota
	ArchRiscv64
)

func (a Arch) String() string {
	switch a {
	case ArchAarch64:
		return "aarch64"
	case ArchRiscv64:
		return "riscv64"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// ParseArch maps a configuration string to an Arch.
func ParseArch(s string) (Arch, error) {
	switch s {
	case "aarch64":
		return ArchAarch64, nil
	case "riscv64":
		return ArchRiscv64, nil
	default:
		return 0, fmt.Errorf("unsupported architecture %q", s)
	}
}

// Config is the target configuration record consumed by the assembler.
type Config struct {
	Arch       Arch
	Hypervisor bool

	// KernelVirtualOffset is added to a physical address to obtain its
	// kernel-virtual alias. The kernel window sits high enough that the
	// sum can wrap; both translation directions use wrapping arithmetic.
	KernelVirtualOffset uint64

	// RiscvPtLevels is the number of page-table levels on RISC-V
	// (3 for Sv39, 4 for Sv48, 5 for Sv57). Ignored on AArch64.
	RiscvPtLevels int
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Arch {
	case ArchAarch64:
	case ArchRiscv64:
		switch c.RiscvPtLevels {
		case 3, 4, 5:
		default:
			return fmt.Errorf("riscv64 page-table levels must be 3, 4 or 5, got %d", c.RiscvPtLevels)
		}
	default:
		return fmt.Errorf("unsupported architecture %v", c.Arch)
	}
	return nil
}

// PaddrToKernelVaddr translates a physical address into the kernel window.
func (c *Config) PaddrToKernelVaddr(paddr uint64) uint64 {
	return paddr + c.KernelVirtualOffset
}

// KernelVaddrToPaddr translates a kernel-window address back to physical.
func (c *Config) KernelVaddrToPaddr(vaddr uint64) uint64 {
	return vaddr - c.KernelVirtualOffset
}
