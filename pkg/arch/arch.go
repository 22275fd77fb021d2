// Package arch describes the two instruction set widths a replayed tracee
// can run under, together with the slice of the kernel ABI the replayer
// needs to know about: syscall numbers, the clone argument order and the
// encoding of syscall instructions.
package arch

import "fmt"

// SupportedArch identifies the instruction set a task executes.
type SupportedArch uint8

const (
	// X86 is 32bit x86 (i386 ABI, also used for compat tasks under x86_64 kernels).
	X86 SupportedArch = iota
	// X64 is x86_64.
	X64
)

// NativeArch is the architecture of the replayer itself.
const NativeArch = X64

func (a SupportedArch) String() string {
	switch a {
	case X86:
		return "x86"
	case X64:
		return "x86_64"
	}
	return fmt.Sprintf("SupportedArch(%d)", uint8(a))
}

// WordSize returns the size of a pointer for a.
func (a SupportedArch) WordSize() int {
	if a == X86 {
		return 4
	}
	return 8
}

// ParseArch converts the output of SupportedArch.String back to a SupportedArch.
func ParseArch(s string) (SupportedArch, error) {
	switch s {
	case "x86", "i386", "386":
		return X86, nil
	case "x86_64", "x64", "amd64", "":
		return X64, nil
	}
	return X64, fmt.Errorf("unknown architecture %q", s)
}
