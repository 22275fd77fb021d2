package proc

import (
	"fmt"

	"github.com/go-delve/rd/pkg/registers"
	"github.com/go-delve/rd/pkg/trace"
)

// ResumeRequest is the ptrace request used to restart a task.
type ResumeRequest uint8

const (
	ResumeCont ResumeRequest = iota
	ResumeSinglestep
	// ResumeSyscall stops at the next syscall entry or exit.
	ResumeSyscall
	// ResumeSysemu stops at the next syscall entry and skips the syscall.
	ResumeSysemu
	ResumeSysemuSinglestep
)

func (r ResumeRequest) String() string {
	switch r {
	case ResumeCont:
		return "PTRACE_CONT"
	case ResumeSinglestep:
		return "PTRACE_SINGLESTEP"
	case ResumeSyscall:
		return "PTRACE_SYSCALL"
	case ResumeSysemu:
		return "PTRACE_SYSEMU"
	case ResumeSysemuSinglestep:
		return "PTRACE_SYSEMU_SINGLESTEP"
	}
	return fmt.Sprintf("ResumeRequest(%d)", uint8(r))
}

// WaitRequest says whether ResumeExecution blocks until the task stops.
type WaitRequest uint8

const (
	ResumeWait WaitRequest = iota
	// ResumeNonblocking returns right after the resume, the caller must
	// wait for the task and call DidWaitpid.
	ResumeNonblocking
)

// TicksRequest bounds the number of ticks a task may run before the tick
// counter interrupts it.
type TicksRequest int64

const (
	// ResumeNoTicks doesn't count ticks.
	ResumeNoTicks TicksRequest = -2
	// ResumeUnlimitedTicks counts ticks but never interrupts.
	ResumeUnlimitedTicks TicksRequest = -1
	// MaxTicksRequest is the largest limit the counters accept.
	MaxTicksRequest TicksRequest = 2000000000
)

// Siginfo is the part of siginfo_t replay looks at.
type Siginfo struct {
	Signo int32
	Errno int32
	Code  int32
	Addr  uint64
}

// Tracer is the process tracing primitive. Every method but Wait acts on a
// single stopped tracee.
type Tracer interface {
	// Resume restarts tid, delivering sig if it isn't zero.
	Resume(tid int, how ResumeRequest, sig int) error
	// Wait blocks until tid changes state. If tid is -1 it waits for any
	// tracee and returns the tid that changed state.
	Wait(tid int) (int, WaitStatus, error)
	GetRegs(tid int) (registers.X64, error)
	SetRegs(tid int, regs registers.X64) error
	GetEventMsg(tid int) (uint64, error)
	GetSiginfo(tid int) (Siginfo, error)
	// ReadMemory reads from the address space of tid and returns the
	// number of bytes read, which may be short if part of the range is
	// unmapped.
	ReadMemory(tid int, addr uint64, buf []byte) (int, error)
	WriteMemory(tid int, addr uint64, buf []byte) (int, error)
	SetOptions(tid int, options int) error
	// Detach lets tid run untraced.
	Detach(tid int) error
	// Counters opens the tick counters for tid. It may return nil if
	// ticks are not available.
	Counters(tid int) (PerfCounters, error)
}

// PerfCounters counts the ticks of one task.
type PerfCounters interface {
	// Reset zeroes the counter and starts counting. If period is positive
	// the task is interrupted after period ticks.
	Reset(period int64) error
	// Read returns the ticks counted since the last Reset.
	Read() (int64, error)
	Stop() error
	Close() error
}

// Spawner is implemented by tracers that can start a new tracee.
type Spawner interface {
	// Spawn starts exe traced and returns its tid. The tracee has not
	// been waited for yet.
	Spawn(exe string, argv, env []string, cwd string, cpu int) (int, error)
}

// MapsReader is implemented by tracers that can list the mappings of a
// tracee, as /proc/<tid>/maps does.
type MapsReader interface {
	Maps(tid int) ([]trace.KernelMapping, error)
}
