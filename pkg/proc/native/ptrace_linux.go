//go:build linux && amd64

package native

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/proc"
)

// Not every version of x/sys exports these.
const (
	_PTRACE_SYSEMU            = 31
	_PTRACE_SYSEMU_SINGLESTEP = 32
)

func resumeRequest(how proc.ResumeRequest) int {
	switch how {
	case proc.ResumeSinglestep:
		return sys.PTRACE_SINGLESTEP
	case proc.ResumeSyscall:
		return sys.PTRACE_SYSCALL
	case proc.ResumeSysemu:
		return _PTRACE_SYSEMU
	case proc.ResumeSysemuSinglestep:
		return _PTRACE_SYSEMU_SINGLESTEP
	}
	return sys.PTRACE_CONT
}

// ptraceResume restarts tid with one of the PTRACE_CONT family of requests.
func ptraceResume(req, tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, uintptr(req), uintptr(tid), 0, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// siginfo is the head of siginfo_t, with si_addr for the fault signals.
type siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	_     int32
	Addr  uint64
	_     [104]byte
}

// ptraceGetSiginfo calls ptrace(PTRACE_GETSIGINFO).
func ptraceGetSiginfo(tid int) (siginfo, error) {
	var si siginfo
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&si)), 0, 0)
	if err != syscall.Errno(0) {
		return si, err
	}
	return si, nil
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}
