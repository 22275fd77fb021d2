package arch

import "fmt"

// Syscall numbers the replayer treats specially. Numbers that do not exist
// on an architecture are set to -1 so that they never match a real syscall.
type syscallTable struct {
	RestartSyscall int
	Exit           int
	ExitGroup      int
	Fork           int
	Vfork          int
	Clone          int
	Execve         int
	Read           int
	Write          int
	Open           int
	Close          int
	Mmap           int
	Mmap2          int
	Munmap         int
	Mprotect       int
	Getpid         int
	Gettid         int
	SetThreadArea  int
	Prctl          int
	ArchPrctl      int
	SetTidAddress  int
}

var x86Syscalls = syscallTable{
	RestartSyscall: 0,
	Exit:           1,
	Fork:           2,
	Read:           3,
	Write:          4,
	Open:           5,
	Close:          6,
	Execve:         11,
	Getpid:         20,
	Mmap:           90,
	Munmap:         91,
	Clone:          120,
	Mprotect:       125,
	Prctl:          172,
	Vfork:          190,
	Mmap2:          192,
	Gettid:         224,
	SetThreadArea:  243,
	ExitGroup:      252,
	SetTidAddress:  258,
	ArchPrctl:      384,
}

var x64Syscalls = syscallTable{
	Read:           0,
	Write:          1,
	Open:           2,
	Close:          3,
	Mmap:           9,
	Mprotect:       10,
	Munmap:         11,
	Getpid:         39,
	Clone:          56,
	Fork:           57,
	Vfork:          58,
	Execve:         59,
	Exit:           60,
	Prctl:          157,
	ArchPrctl:      158,
	Gettid:         186,
	SetThreadArea:  205,
	SetTidAddress:  218,
	RestartSyscall: 219,
	ExitGroup:      231,
	Mmap2:          -1,
}

// Pseudo syscalls issued by the preload library to talk to the replayer.
// They share numbers across architectures.
const (
	RdcallInitBuffers           = 1000
	RdcallInitPreload           = 1001
	RdcallNotifySyscallHookExit = 1002
	RdcallNotifyControlMsg      = 1003
)

// Syscalls returns the syscall number table for a.
func Syscalls(a SupportedArch) *syscallTable {
	switch a {
	case X86:
		return &x86Syscalls
	case X64:
		return &x64Syscalls
	}
	panic(fmt.Sprintf("unsupported architecture %d", a))
}

var syscallNames = map[SupportedArch]map[int]string{}

func init() {
	for _, a := range []SupportedArch{X86, X64} {
		t := Syscalls(a)
		m := map[int]string{
			t.RestartSyscall: "restart_syscall",
			t.Exit:           "exit",
			t.ExitGroup:      "exit_group",
			t.Fork:           "fork",
			t.Vfork:          "vfork",
			t.Clone:          "clone",
			t.Execve:         "execve",
			t.Read:           "read",
			t.Write:          "write",
			t.Open:           "open",
			t.Close:          "close",
			t.Mmap:           "mmap",
			t.Munmap:         "munmap",
			t.Mprotect:       "mprotect",
			t.Getpid:         "getpid",
			t.Gettid:         "gettid",
			t.SetThreadArea:  "set_thread_area",
			t.Prctl:          "prctl",
			t.ArchPrctl:      "arch_prctl",
			t.SetTidAddress:  "set_tid_address",

			RdcallInitBuffers:           "rdcall_init_buffers",
			RdcallInitPreload:           "rdcall_init_preload",
			RdcallNotifySyscallHookExit: "rdcall_notify_syscall_hook_exit",
			RdcallNotifyControlMsg:      "rdcall_notify_control_msg",
		}
		if t.Mmap2 >= 0 {
			m[t.Mmap2] = "mmap2"
		}
		syscallNames[a] = m
	}
}

// SyscallName returns the name of syscall no on architecture a.
func SyscallName(no int, a SupportedArch) string {
	if name, ok := syscallNames[a][no]; ok {
		return name
	}
	return fmt.Sprintf("<unknown-syscall-%d>", no)
}

// IsRestartSyscall reports whether no is the kernel's restart_syscall on a.
func IsRestartSyscall(no int, a SupportedArch) bool {
	return no == Syscalls(a).RestartSyscall
}

// IsNotifySyscallHookExit reports whether no is the preload library's
// notification that it left the syscall hook.
func IsNotifySyscallHookExit(no int, a SupportedArch) bool {
	return no == RdcallNotifySyscallHookExit
}

func IsWriteSyscall(no int, a SupportedArch) bool {
	return no == Syscalls(a).Write
}

// IsCloneClass reports whether no creates a new task (clone, fork or vfork).
func IsCloneClass(no int, a SupportedArch) bool {
	t := Syscalls(a)
	return no == t.Clone || no == t.Fork || no == t.Vfork
}

func IsExecve(no int, a SupportedArch) bool {
	return no == Syscalls(a).Execve
}

// IsExitClass reports whether no is exit or exit_group.
func IsExitClass(no int, a SupportedArch) bool {
	t := Syscalls(a)
	return no == t.Exit || no == t.ExitGroup
}

// IsMmapClass reports whether no is mmap or mmap2.
func IsMmapClass(no int, a SupportedArch) bool {
	t := Syscalls(a)
	return no == t.Mmap || (t.Mmap2 >= 0 && no == t.Mmap2)
}

// SyscallNumber is the inverse of SyscallName.
func SyscallNumber(name string, a SupportedArch) (int, bool) {
	for no, n := range syscallNames[a] {
		if n == name {
			return no, true
		}
	}
	return -1, false
}
