// Package registers implements an architecture independent view over the
// general purpose registers of a tracee.
//
// A Registers value is a tagged variant: it stores either the i386 or the
// x86_64 user_regs_struct layout and every accessor dispatches on the tag.
// Asking for the storage of the other architecture is a programming error
// and panics.
package registers

import (
	"encoding/binary"
	"fmt"

	"github.com/go-delve/rd/pkg/arch"
)

// X86 is the struct used by the linux kernel to return the general purpose
// registers of i386 tasks.
type X86 struct {
	Ebx      int32
	Ecx      int32
	Edx      int32
	Esi      int32
	Edi      int32
	Ebp      int32
	Eax      int32
	Xds      int32
	Xes      int32
	Xfs      int32
	Xgs      int32
	Orig_eax int32
	Eip      int32
	Xcs      int32
	Eflags   int32
	Esp      int32
	Xss      int32
}

// X64 is the struct used by the linux kernel to return the general purpose
// registers of x86_64 tasks. Field names and order match
// golang.org/x/sys/unix.PtraceRegs on amd64 so that the two convert into
// each other directly.
type X64 struct {
	R15      uint64
	R14      uint64
	R13      uint64
	R12      uint64
	Rbp      uint64
	Rbx      uint64
	R11      uint64
	R10      uint64
	R9       uint64
	R8       uint64
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rsi      uint64
	Rdi      uint64
	Orig_rax uint64
	Rip      uint64
	Cs       uint64
	Eflags   uint64
	Rsp      uint64
	Ss       uint64
	Fs_base  uint64
	Gs_base  uint64
	Ds       uint64
	Es       uint64
	Fs       uint64
	Gs       uint64
}

// NativeSize is the size in bytes of the layout returned by NativeBytes.
const NativeSize = 27 * 8

// Flags register bits.
const (
	X86ReservedFlag = 1 << 1
	X86TFFlag       = 1 << 8
	X86IFFlag       = 1 << 9
	X86DFFlag       = 1 << 10
	X86RFFlag       = 1 << 16
	X86IDFlag       = 1 << 21
)

// x86 code segment selector of compat tasks under an x86_64 kernel.
const x86UserCS = 0x23

// Registers is a snapshot of the general purpose registers of one task.
type Registers struct {
	arch arch.SupportedArch
	x86  X86
	x64  X64
}

// New returns a zeroed register set for a.
func New(a arch.SupportedArch) Registers {
	switch a {
	case arch.X86, arch.X64:
	default:
		panic(fmt.Sprintf("registers: unsupported architecture %d", a))
	}
	return Registers{arch: a}
}

// FromX86 returns a register set holding r.
func FromX86(r X86) Registers {
	return Registers{arch: arch.X86, x86: r}
}

// FromX64 returns a register set holding r.
func FromX64(r X64) Registers {
	return Registers{arch: arch.X64, x64: r}
}

// FromNative interprets a snapshot obtained from PTRACE_GETREGS as the
// registers of a task executing a. For X86 the upper halves are dropped.
func FromNative(a arch.SupportedArch, n X64) Registers {
	switch a {
	case arch.X64:
		return FromX64(n)
	case arch.X86:
		return FromX86(narrow(&n))
	}
	panic(fmt.Sprintf("registers: unsupported architecture %d", a))
}

// ArchFromNative guesses the architecture a native snapshot belongs to
// from its code segment selector.
func ArchFromNative(n X64) arch.SupportedArch {
	if n.Cs == x86UserCS {
		return arch.X86
	}
	return arch.X64
}

// Arch returns the architecture tag.
func (r *Registers) Arch() arch.SupportedArch { return r.arch }

// X86 returns the i386 storage. Panics if r is not tagged X86.
func (r *Registers) X86() *X86 {
	if r.arch != arch.X86 {
		panic(fmt.Sprintf("registers: x86 layout requested for %v registers", r.arch))
	}
	return &r.x86
}

// X64 returns the x86_64 storage. Panics if r is not tagged X64.
func (r *Registers) X64() *X64 {
	if r.arch != arch.X64 {
		panic(fmt.Sprintf("registers: x86_64 layout requested for %v registers", r.arch))
	}
	return &r.x64
}

func (r *Registers) badArch() {
	panic(fmt.Sprintf("registers: unsupported architecture %d", r.arch))
}

// get and set dispatch on the tag. get zero-extends the i386 field, getSigned
// sign-extends it.
func (r *Registers) get(x86 *int32, x64 *uint64) uint64 {
	switch r.arch {
	case arch.X86:
		return uint64(uint32(*x86))
	case arch.X64:
		return *x64
	}
	r.badArch()
	return 0
}

func (r *Registers) getSigned(x86 *int32, x64 *uint64) int64 {
	switch r.arch {
	case arch.X86:
		return int64(*x86)
	case arch.X64:
		return int64(*x64)
	}
	r.badArch()
	return 0
}

func (r *Registers) set(x86 *int32, x64 *uint64, v uint64) {
	switch r.arch {
	case arch.X86:
		*x86 = int32(v)
	case arch.X64:
		*x64 = v
	default:
		r.badArch()
	}
}

// SyscallNo returns the syscall number register, sign-extended.
func (r *Registers) SyscallNo() int64 { return r.getSigned(&r.x86.Eax, &r.x64.Rax) }

func (r *Registers) SetSyscallNo(no int64) { r.set(&r.x86.Eax, &r.x64.Rax, uint64(no)) }

// OriginalSyscallNo returns orig_eax/orig_rax, sign-extended. It is -1
// when the task is not stopped inside a syscall.
func (r *Registers) OriginalSyscallNo() int64 {
	return r.getSigned(&r.x86.Orig_eax, &r.x64.Orig_rax)
}

func (r *Registers) SetOriginalSyscallNo(no int64) {
	r.set(&r.x86.Orig_eax, &r.x64.Orig_rax, uint64(no))
}

// SyscallResult returns the accumulator as an unsigned value.
func (r *Registers) SyscallResult() uint64 { return r.get(&r.x86.Eax, &r.x64.Rax) }

// SyscallResultSigned returns the accumulator sign-extended, negative
// values are -errno.
func (r *Registers) SyscallResultSigned() int64 { return r.getSigned(&r.x86.Eax, &r.x64.Rax) }

func (r *Registers) SetSyscallResult(v uint64) { r.set(&r.x86.Eax, &r.x64.Rax, v) }

// SyscallFailed reports whether the accumulator holds an errno.
func (r *Registers) SyscallFailed() bool {
	res := r.SyscallResultSigned()
	return res < 0 && res > -4096
}

func (r *Registers) Flags() uint64 { return r.get(&r.x86.Eflags, &r.x64.Eflags) }

func (r *Registers) SetFlags(v uint64) { r.set(&r.x86.Eflags, &r.x64.Eflags, v) }

func (r *Registers) IP() uint64 { return r.get(&r.x86.Eip, &r.x64.Rip) }

func (r *Registers) SetIP(v uint64) { r.set(&r.x86.Eip, &r.x64.Rip, v) }

func (r *Registers) SP() uint64 { return r.get(&r.x86.Esp, &r.x64.Rsp) }

func (r *Registers) SetSP(v uint64) { r.set(&r.x86.Esp, &r.x64.Rsp, v) }

// Syscall arguments, following the kernel calling convention of each
// architecture.

func (r *Registers) Arg1() uint64 { return r.get(&r.x86.Ebx, &r.x64.Rdi) }
func (r *Registers) Arg2() uint64 { return r.get(&r.x86.Ecx, &r.x64.Rsi) }
func (r *Registers) Arg3() uint64 { return r.get(&r.x86.Edx, &r.x64.Rdx) }
func (r *Registers) Arg4() uint64 { return r.get(&r.x86.Esi, &r.x64.R10) }
func (r *Registers) Arg5() uint64 { return r.get(&r.x86.Edi, &r.x64.R8) }
func (r *Registers) Arg6() uint64 { return r.get(&r.x86.Ebp, &r.x64.R9) }

func (r *Registers) SetArg1(v uint64) { r.set(&r.x86.Ebx, &r.x64.Rdi, v) }
func (r *Registers) SetArg2(v uint64) { r.set(&r.x86.Ecx, &r.x64.Rsi, v) }
func (r *Registers) SetArg3(v uint64) { r.set(&r.x86.Edx, &r.x64.Rdx, v) }
func (r *Registers) SetArg4(v uint64) { r.set(&r.x86.Esi, &r.x64.R10, v) }
func (r *Registers) SetArg5(v uint64) { r.set(&r.x86.Edi, &r.x64.R8, v) }
func (r *Registers) SetArg6(v uint64) { r.set(&r.x86.Ebp, &r.x64.R9, v) }

// Arg returns syscall argument i, 1-based.
func (r *Registers) Arg(i int) uint64 {
	switch i {
	case 1:
		return r.Arg1()
	case 2:
		return r.Arg2()
	case 3:
		return r.Arg3()
	case 4:
		return r.Arg4()
	case 5:
		return r.Arg5()
	case 6:
		return r.Arg6()
	}
	panic(fmt.Sprintf("registers: bad syscall argument index %d", i))
}

// SetArg sets syscall argument i, 1-based.
func (r *Registers) SetArg(i int, v uint64) {
	switch i {
	case 1:
		r.SetArg1(v)
	case 2:
		r.SetArg2(v)
	case 3:
		r.SetArg3(v)
	case 4:
		r.SetArg4(v)
	case 5:
		r.SetArg5(v)
	case 6:
		r.SetArg6(v)
	default:
		panic(fmt.Sprintf("registers: bad syscall argument index %d", i))
	}
}

// Native returns the registers in the layout PTRACE_SETREGS expects from
// an x86_64 tracer. i386 registers are widened: the accumulator is
// sign-extended, so that a negative syscall result stays negative, every
// other field is zero-extended.
func (r *Registers) Native() X64 {
	switch r.arch {
	case arch.X64:
		return r.x64
	case arch.X86:
		return widen(&r.x86)
	}
	r.badArch()
	return X64{}
}

// NativeBytes returns Native encoded as the raw little endian
// user_regs_struct.
func (r *Registers) NativeBytes() []byte {
	n := r.Native()
	fields := []uint64{
		n.R15, n.R14, n.R13, n.R12, n.Rbp, n.Rbx, n.R11, n.R10, n.R9, n.R8,
		n.Rax, n.Rcx, n.Rdx, n.Rsi, n.Rdi, n.Orig_rax, n.Rip, n.Cs, n.Eflags,
		n.Rsp, n.Ss, n.Fs_base, n.Gs_base, n.Ds, n.Es, n.Fs, n.Gs,
	}
	buf := make([]byte, 0, NativeSize)
	for _, f := range fields {
		buf = binary.LittleEndian.AppendUint64(buf, f)
	}
	return buf
}

func zext(v int32) uint64 { return uint64(uint32(v)) }

func widen(x *X86) X64 {
	return X64{
		Rax:      uint64(int64(x.Eax)),
		Rbx:      zext(x.Ebx),
		Rcx:      zext(x.Ecx),
		Rdx:      zext(x.Edx),
		Rsi:      zext(x.Esi),
		Rdi:      zext(x.Edi),
		Rsp:      zext(x.Esp),
		Rbp:      zext(x.Ebp),
		Rip:      zext(x.Eip),
		Orig_rax: zext(x.Orig_eax),
		Eflags:   zext(x.Eflags),
		Cs:       zext(x.Xcs),
		Ds:       zext(x.Xds),
		Es:       zext(x.Xes),
		Fs:       zext(x.Xfs),
		Gs:       zext(x.Xgs),
		Ss:       zext(x.Xss),
	}
}

func narrow(n *X64) X86 {
	return X86{
		Eax:      int32(n.Rax),
		Ebx:      int32(n.Rbx),
		Ecx:      int32(n.Rcx),
		Edx:      int32(n.Rdx),
		Esi:      int32(n.Rsi),
		Edi:      int32(n.Rdi),
		Esp:      int32(n.Rsp),
		Ebp:      int32(n.Rbp),
		Eip:      int32(n.Rip),
		Orig_eax: int32(n.Orig_rax),
		Eflags:   int32(n.Eflags),
		Xcs:      int32(n.Cs),
		Xds:      int32(n.Ds),
		Xes:      int32(n.Es),
		Xfs:      int32(n.Fs),
		Xgs:      int32(n.Gs),
		Xss:      int32(n.Ss),
	}
}

func (r Registers) String() string {
	return fmt.Sprintf("%v{ip=%#x sp=%#x ax=%#x orig_ax=%d flags=%#x}",
		r.arch, r.IP(), r.SP(), r.SyscallResult(), r.OriginalSyscallNo(), r.Flags())
}
