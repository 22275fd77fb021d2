package arch

import "golang.org/x/arch/x86/x86asm"

// SyscallInsnLength is the length of every instruction that enters the
// kernel: syscall (0f 05), int $0x80 (cd 80) and sysenter (0f 34).
const SyscallInsnLength = 2

// X64SyscallInsn and X86SyscallInsn are the encodings used when the
// replayer needs to plant a syscall instruction in a tracee.
var (
	X64SyscallInsn = []byte{0x0f, 0x05}
	X86SyscallInsn = []byte{0xcd, 0x80}
)

// SyscallInsn returns the syscall instruction for a.
func SyscallInsn(a SupportedArch) []byte {
	if a == X86 {
		return X86SyscallInsn
	}
	return X64SyscallInsn
}

// DecodeSyscallInsn decodes code, which must start at an instruction
// boundary, and reports which architecture's syscall entry it is.
// The second return value is false if code does not start with a syscall
// instruction.
func DecodeSyscallInsn(code []byte) (SupportedArch, bool) {
	if len(code) < SyscallInsnLength {
		return X64, false
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		// sysenter is only guaranteed to decode in legacy mode.
		inst, err = x86asm.Decode(code, 32)
	}
	if err != nil || inst.Len != SyscallInsnLength {
		return X64, false
	}
	switch inst.Op {
	case x86asm.SYSCALL:
		return X64, true
	case x86asm.SYSENTER:
		return X86, true
	case x86asm.INT:
		if imm, ok := inst.Args[0].(x86asm.Imm); ok && imm == 0x80 {
			return X86, true
		}
	}
	return X64, false
}
