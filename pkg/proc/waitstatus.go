package proc

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// WaitStatus is a status reported by wait4 for a tracee.
type WaitStatus struct {
	sys.WaitStatus
}

// Status bits as laid out by the kernel.
const (
	statusStopped = 0x7f
	// syscallStopSig is SIGTRAP|0x80, reported for syscall stops when
	// PTRACE_O_TRACESYSGOOD is set.
	syscallStopSig = int(sys.SIGTRAP) | 0x80
)

// StoppedStatus is a signal-delivery (or group) stop for sig.
func StoppedStatus(sig sys.Signal) WaitStatus {
	return WaitStatus{sys.WaitStatus(uint32(sig)<<8 | statusStopped)}
}

// PtraceEventStatus is the stop reporting PTRACE_EVENT_* ev.
func PtraceEventStatus(ev int) WaitStatus {
	return WaitStatus{sys.WaitStatus(uint32(ev)<<16 | uint32(sys.SIGTRAP)<<8 | statusStopped)}
}

// SyscallStopStatus is a syscall entry or exit stop.
func SyscallStopStatus() WaitStatus {
	return WaitStatus{sys.WaitStatus(uint32(syscallStopSig)<<8 | statusStopped)}
}

// ExitedStatus is the status of a task that exited with code.
func ExitedStatus(code int) WaitStatus {
	return WaitStatus{sys.WaitStatus(uint32(code&0xff) << 8)}
}

// SignaledStatus is the status of a task killed by sig.
func SignaledStatus(sig sys.Signal) WaitStatus {
	return WaitStatus{sys.WaitStatus(uint32(sig) & 0x7f)}
}

func (ws WaitStatus) rawStopSig() int {
	if !ws.Stopped() {
		return 0
	}
	return int(ws.WaitStatus>>8) & 0xff
}

// PtraceEvent returns the PTRACE_EVENT_* this stop reports, or zero.
func (ws WaitStatus) PtraceEvent() int {
	if ws.rawStopSig() != int(sys.SIGTRAP) {
		return 0
	}
	return int(ws.WaitStatus>>16) & 0xff
}

// IsSyscall returns true for syscall entry and exit stops.
func (ws WaitStatus) IsSyscall() bool {
	return ws.rawStopSig() == syscallStopSig
}

// StopSig returns the signal of a signal-delivery or group stop, zero for
// every other kind of status.
func (ws WaitStatus) StopSig() int {
	sig := ws.rawStopSig()
	if sig == syscallStopSig || ws.PtraceEvent() != 0 {
		return 0
	}
	return sig
}

// IsExit returns true if the task is gone.
func (ws WaitStatus) IsExit() bool {
	return ws.Exited() || ws.Signaled()
}

// FatalSig returns the signal that killed the task, or zero.
func (ws WaitStatus) FatalSig() int {
	if !ws.Signaled() {
		return 0
	}
	return int(ws.Signal())
}

// IsCoreDumpSignal returns true if the default action of sig is to dump
// core.
func IsCoreDumpSignal(sig sys.Signal) bool {
	switch sig {
	case sys.SIGQUIT, sys.SIGILL, sys.SIGTRAP, sys.SIGABRT, sys.SIGBUS, sys.SIGFPE,
		sys.SIGSEGV, sys.SIGXCPU, sys.SIGXFSZ, sys.SIGSYS:
		return true
	}
	return false
}

func (ws WaitStatus) String() string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exit-%d", ws.ExitStatus())
	case ws.Signaled():
		return fmt.Sprintf("fatal-%v", ws.Signal())
	case ws.IsSyscall():
		return "syscall-stop"
	case ws.PtraceEvent() != 0:
		return PtraceEventName(ws.PtraceEvent())
	case ws.Stopped():
		return fmt.Sprintf("stop-%v", sys.Signal(ws.StopSig()))
	}
	return fmt.Sprintf("status-%#x", uint32(ws.WaitStatus))
}

// PtraceEventName returns the name of a PTRACE_EVENT_* value.
func PtraceEventName(ev int) string {
	switch ev {
	case sys.PTRACE_EVENT_FORK:
		return "PTRACE_EVENT_FORK"
	case sys.PTRACE_EVENT_VFORK:
		return "PTRACE_EVENT_VFORK"
	case sys.PTRACE_EVENT_CLONE:
		return "PTRACE_EVENT_CLONE"
	case sys.PTRACE_EVENT_EXEC:
		return "PTRACE_EVENT_EXEC"
	case sys.PTRACE_EVENT_VFORK_DONE:
		return "PTRACE_EVENT_VFORK_DONE"
	case sys.PTRACE_EVENT_EXIT:
		return "PTRACE_EVENT_EXIT"
	case sys.PTRACE_EVENT_SECCOMP:
		return "PTRACE_EVENT_SECCOMP"
	case sys.PTRACE_EVENT_STOP:
		return "PTRACE_EVENT_STOP"
	}
	return fmt.Sprintf("PTRACE_EVENT(%d)", ev)
}
