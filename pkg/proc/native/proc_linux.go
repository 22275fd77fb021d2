//go:build linux && amd64

package native

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/proc"
	"github.com/go-delve/rd/pkg/registers"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant
)

// Spawn starts exe under PTRACE_TRACEME with address space randomization
// disabled. The child inherits the CPU affinity of the ptrace thread, so
// binding that thread to cpu binds the whole replay.
func (tr *Tracer) Spawn(exe string, argv, env []string, cwd string, cpu int) (int, error) {
	var (
		process *exec.Cmd
		err     error
	)
	tr.execPtraceFunc(func() {
		if cpu >= 0 {
			var set sys.CPUSet
			set.Set(cpu)
			if err = sys.SchedSetaffinity(0, &set); err != nil {
				err = fmt.Errorf("could not bind to cpu %d: %w", cpu, err)
				return
			}
		}

		oldPersonality, _, errno := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
		if errno == syscall.Errno(0) {
			newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
			syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
			defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
		}

		process = exec.Command(exe)
		if len(argv) > 0 {
			process.Args = argv
		}
		process.Env = env
		process.Dir = cwd
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		}
		err = process.Start()
	})
	if err != nil {
		return 0, err
	}
	tr.log.Debugf("spawned %s as %d", exe, process.Process.Pid)
	return process.Process.Pid, nil
}

// Resume implements proc.Tracer.
func (tr *Tracer) Resume(tid int, how proc.ResumeRequest, sig int) error {
	var err error
	tr.execPtraceFunc(func() { err = ptraceResume(resumeRequest(how), tid, sig) })
	if err != nil {
		return fmt.Errorf("%v of %d: %w", how, tid, err)
	}
	return nil
}

// Wait implements proc.Tracer. It may be called from any goroutine: wait4
// reaps children of every thread of the tracer.
func (tr *Tracer) Wait(tid int) (int, proc.WaitStatus, error) {
	var ws sys.WaitStatus
	for {
		wpid, err := sys.Wait4(tid, &ws, sys.WALL, nil)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return 0, proc.WaitStatus{}, err
		}
		status := proc.WaitStatus{WaitStatus: ws}
		tr.log.Debugf("wait4(%d) = %d %v", tid, wpid, status)
		if status.IsExit() || status.PtraceEvent() == sys.PTRACE_EVENT_EXEC {
			tr.forgetMem(wpid)
		}
		return wpid, status, nil
	}
}

// GetRegs implements proc.Tracer.
func (tr *Tracer) GetRegs(tid int) (registers.X64, error) {
	var regs sys.PtraceRegs
	var err error
	tr.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return registers.X64{}, err
	}
	return registers.X64(regs), nil
}

// SetRegs implements proc.Tracer.
func (tr *Tracer) SetRegs(tid int, regs registers.X64) error {
	r := sys.PtraceRegs(regs)
	var err error
	tr.execPtraceFunc(func() { err = sys.PtraceSetRegs(tid, &r) })
	return err
}

// GetEventMsg implements proc.Tracer.
func (tr *Tracer) GetEventMsg(tid int) (uint64, error) {
	var msg uint
	var err error
	tr.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(tid) })
	return uint64(msg), err
}

// GetSiginfo implements proc.Tracer.
func (tr *Tracer) GetSiginfo(tid int) (proc.Siginfo, error) {
	var si siginfo
	var err error
	tr.execPtraceFunc(func() { si, err = ptraceGetSiginfo(tid) })
	if err != nil {
		return proc.Siginfo{}, err
	}
	return proc.Siginfo{Signo: si.Signo, Errno: si.Errno, Code: si.Code, Addr: si.Addr}, nil
}

// SetOptions implements proc.Tracer.
func (tr *Tracer) SetOptions(tid int, options int) error {
	var err error
	tr.execPtraceFunc(func() { err = sys.PtraceSetOptions(tid, options) })
	return err
}

// Detach implements proc.Tracer. A task that already vanished is not an
// error.
func (tr *Tracer) Detach(tid int) error {
	var err error
	tr.execPtraceFunc(func() { err = ptraceDetach(tid, 0) })
	tr.forgetMem(tid)
	if err == sys.ESRCH {
		return nil
	}
	return err
}

// Alive returns true if tid still exists.
func Alive(tid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", tid))
	return err == nil
}
