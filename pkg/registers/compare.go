package registers

import (
	"fmt"
	"strings"

	"github.com/go-delve/rd/pkg/arch"
)

// MismatchBehavior selects what Compare's callers do with differences.
type MismatchBehavior uint8

const (
	// ExpectMismatches: differences are normal, don't report them.
	ExpectMismatches MismatchBehavior = iota
	// LogMismatches: report differences but carry on.
	LogMismatches
	// BailOnMismatch: differences are fatal.
	BailOnMismatch
)

// Mismatch is a register whose value differs between two snapshots.
type Mismatch struct {
	Name string
	A, B uint64
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s %#x != %#x", m.Name, m.A, m.B)
}

// MismatchesString formats ms on one line.
func MismatchesString(ms []Mismatch) string {
	s := make([]string, len(ms))
	for i := range ms {
		s[i] = ms[i].String()
	}
	return strings.Join(s, ", ")
}

type namedReg struct {
	name string
	v    uint64
}

func (r *Registers) named() []namedReg {
	switch r.arch {
	case arch.X86:
		x := &r.x86
		return []namedReg{
			{"eax", zext(x.Eax)}, {"ebx", zext(x.Ebx)}, {"ecx", zext(x.Ecx)},
			{"edx", zext(x.Edx)}, {"esi", zext(x.Esi)}, {"edi", zext(x.Edi)},
			{"ebp", zext(x.Ebp)}, {"esp", zext(x.Esp)}, {"eip", zext(x.Eip)},
			{"orig_eax", zext(x.Orig_eax)}, {"eflags", zext(x.Eflags)},
			{"xcs", zext(x.Xcs)}, {"xds", zext(x.Xds)}, {"xes", zext(x.Xes)},
			{"xfs", zext(x.Xfs)}, {"xgs", zext(x.Xgs)}, {"xss", zext(x.Xss)},
		}
	case arch.X64:
		x := &r.x64
		return []namedReg{
			{"rax", x.Rax}, {"rbx", x.Rbx}, {"rcx", x.Rcx}, {"rdx", x.Rdx},
			{"rsi", x.Rsi}, {"rdi", x.Rdi}, {"rbp", x.Rbp}, {"rsp", x.Rsp},
			{"r8", x.R8}, {"r9", x.R9}, {"r10", x.R10}, {"r11", x.R11},
			{"r12", x.R12}, {"r13", x.R13}, {"r14", x.R14}, {"r15", x.R15},
			{"rip", x.Rip}, {"orig_rax", x.Orig_rax}, {"eflags", x.Eflags},
			{"cs", x.Cs}, {"ss", x.Ss}, {"ds", x.Ds}, {"es", x.Es},
			{"fs", x.Fs}, {"gs", x.Gs}, {"fs_base", x.Fs_base}, {"gs_base", x.Gs_base},
		}
	}
	r.badArch()
	return nil
}

// Compare returns the registers that differ between a and b. The resume
// flag is ignored since the kernel sets it behind our back. Registers of
// different architectures always mismatch on the "arch" pseudo register.
func Compare(a, b *Registers) []Mismatch {
	if a.arch != b.arch {
		return []Mismatch{{Name: "arch", A: uint64(a.arch), B: uint64(b.arch)}}
	}
	na, nb := a.named(), b.named()
	var r []Mismatch
	for i := range na {
		va, vb := na[i].v, nb[i].v
		if na[i].name == "eflags" {
			va &^= X86RFFlag
			vb &^= X86RFFlag
		}
		if va != vb {
			r = append(r, Mismatch{Name: na[i].name, A: va, B: vb})
		}
	}
	return r
}

// Canonicalize removes the register side effects of entering the kernel
// through syscallArch's syscall instruction so that they don't depend on
// how the task was stepped into it.
//
// The x86_64 syscall instruction copies rflags into r11 (TF included if we
// were single stepping) and the return address into rcx, which the kernel
// usually clobbers with -1 anyway. int $0x80 from a compat task clears
// r8-r11.
func (r *Registers) Canonicalize(syscallArch arch.SupportedArch) {
	if r.arch != arch.X64 {
		return
	}
	switch syscallArch {
	case arch.X86:
		r.x64.R8 = 0
		r.x64.R9 = 0
		r.x64.R10 = 0
		r.x64.R11 = 0
	case arch.X64:
		r.x64.R11 &^= X86TFFlag
		r.x64.Rcx = ^uint64(0)
	}
}

// SetByName sets the register called name, using the names reported in
// Mismatch.
func (r *Registers) SetByName(name string, v uint64) error {
	switch r.arch {
	case arch.X86:
		x := &r.x86
		p, ok := map[string]*int32{
			"eax": &x.Eax, "ebx": &x.Ebx, "ecx": &x.Ecx, "edx": &x.Edx,
			"esi": &x.Esi, "edi": &x.Edi, "ebp": &x.Ebp, "esp": &x.Esp,
			"eip": &x.Eip, "orig_eax": &x.Orig_eax, "eflags": &x.Eflags,
			"xcs": &x.Xcs, "xds": &x.Xds, "xes": &x.Xes, "xfs": &x.Xfs,
			"xgs": &x.Xgs, "xss": &x.Xss,
		}[name]
		if !ok {
			return fmt.Errorf("unknown x86 register %q", name)
		}
		*p = int32(v)
	case arch.X64:
		x := &r.x64
		p, ok := map[string]*uint64{
			"rax": &x.Rax, "rbx": &x.Rbx, "rcx": &x.Rcx, "rdx": &x.Rdx,
			"rsi": &x.Rsi, "rdi": &x.Rdi, "rbp": &x.Rbp, "rsp": &x.Rsp,
			"r8": &x.R8, "r9": &x.R9, "r10": &x.R10, "r11": &x.R11,
			"r12": &x.R12, "r13": &x.R13, "r14": &x.R14, "r15": &x.R15,
			"rip": &x.Rip, "orig_rax": &x.Orig_rax, "eflags": &x.Eflags,
			"cs": &x.Cs, "ss": &x.Ss, "ds": &x.Ds, "es": &x.Es,
			"fs": &x.Fs, "gs": &x.Gs, "fs_base": &x.Fs_base, "gs_base": &x.Gs_base,
		}[name]
		if !ok {
			return fmt.Errorf("unknown x86_64 register %q", name)
		}
		*p = v
	default:
		r.badArch()
	}
	return nil
}
