package proc

import (
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/config"
	"github.com/go-delve/rd/pkg/logflags"
	"github.com/go-delve/rd/pkg/registers"
	"github.com/go-delve/rd/pkg/trace"
)

// Session is what a Task needs from the session that owns it.
type Session interface {
	Tracer() Tracer
	Config() *config.Config
	// NextTaskSerial returns a fresh serial number for a task or thread group.
	NextTaskSerial() uint32
	OnDestroyTask(t *Task)
	OnDestroyThreadGroup(tg *ThreadGroup)
}

// TaskUID identifies a task across tid reuse.
type TaskUID struct {
	Tid    int
	Serial uint32
}

// Task is one traced OS thread.
type Task struct {
	tid    int
	recTid int
	serial uint32
	arch   arch.SupportedArch

	regs      registers.Registers
	regsValid bool
	regsDirty bool

	ticks    trace.Ticks
	counters PerfCounters
	counting bool

	scratchPtr      uint64
	scratchSize     uint64
	syscallbufChild uint64

	topOfStack    uint64
	tls           uint64
	clearChildTid uint64

	status  WaitStatus
	running bool
	siginfo *Siginfo

	unstable            bool
	seenPtraceExitEvent bool
	detached            bool
	destroyed           bool

	tg      *ThreadGroup
	vm      *AddressSpace
	session Session
	tracer  Tracer

	log logflags.Logger
}

// NewTask creates the Task for a new OS thread tid, recorded as recTid.
// The task joins tg and vm. The OS thread is assumed to be running: its
// first stop must be absorbed with Wait or DidWaitpid.
func NewTask(s Session, tid, recTid int, a arch.SupportedArch, tg *ThreadGroup, vm *AddressSpace) (*Task, error) {
	t := &Task{
		tid:     tid,
		recTid:  recTid,
		serial:  s.NextTaskSerial(),
		arch:    a,
		regs:    registers.New(a),
		running: true,
		session: s,
		tracer:  s.Tracer(),
	}
	t.log = logflags.TaskLogger().WithField("tid", tid)
	counters, err := t.tracer.Counters(tid)
	if err != nil {
		return nil, fmt.Errorf("could not open tick counters for %d: %w", tid, err)
	}
	t.counters = counters
	tg.insertTask(t)
	vm.insertTask(t)
	t.log.Debugf("created task %d (rec %d) serial %d in tg %d", tid, recTid, t.serial, tg.Tgid)
	return t, nil
}

func (t *Task) Tid() int                       { return t.tid }
func (t *Task) RecTid() int                    { return t.recTid }
func (t *Task) Serial() uint32                 { return t.serial }
func (t *Task) UID() TaskUID                   { return TaskUID{t.tid, t.serial} }
func (t *Task) Arch() arch.SupportedArch       { return t.arch }
func (t *Task) ThreadGroup() *ThreadGroup      { return t.tg }
func (t *Task) VM() *AddressSpace              { return t.vm }
func (t *Task) Session() Session               { return t.session }
func (t *Task) Status() WaitStatus             { return t.status }
func (t *Task) TickCount() trace.Ticks         { return t.ticks }
func (t *Task) SetTickCount(ticks trace.Ticks) { t.ticks = ticks }

// CountsTicks is false when the tracer has no tick counter for t, its tick
// count then stays at zero.
func (t *Task) CountsTicks() bool { return t.counters != nil }

// Unstable is true once the thread group of t has been destabilized.
func (t *Task) Unstable() bool { return t.unstable }

// IsStopped is true if the last status was absorbed and t has not been
// resumed since.
func (t *Task) IsStopped() bool { return !t.running && !t.destroyed }

// Exited is true if the last absorbed status reports the death of t.
func (t *Task) Exited() bool { return !t.running && t.status.IsExit() }

// SeenPtraceExitEvent is true if t stopped at PTRACE_EVENT_EXIT.
func (t *Task) SeenPtraceExitEvent() bool { return t.seenPtraceExitEvent }

// Siginfo returns the siginfo captured at the last signal stop.
func (t *Task) Siginfo() *Siginfo { return t.siginfo }

// StopSig returns the pending signal of a signal stop, or zero.
func (t *Task) StopSig() int { return t.status.StopSig() }

// PtraceEvent returns the PTRACE_EVENT_* of the current stop, or zero.
func (t *Task) PtraceEvent() int { return t.status.PtraceEvent() }

// Scratch returns the tracee address and size of the scratch buffer.
func (t *Task) Scratch() (uint64, uint64) { return t.scratchPtr, t.scratchSize }

func (t *Task) SetScratch(ptr, size uint64) {
	t.scratchPtr = ptr
	t.scratchSize = size
}

// SyscallbufChild returns the tracee address of the syscall buffer, zero
// if the preload library did not set one up.
func (t *Task) SyscallbufChild() uint64 { return t.syscallbufChild }

func (t *Task) SetSyscallbufChild(addr uint64) { t.syscallbufChild = addr }

// InitFromClone records the arguments of the clone call that created t.
func (t *Task) InitFromClone(flags CloneFlags, params CloneParameters) {
	t.topOfStack = params.Stack
	if flags&CloneSetTLS != 0 {
		t.tls = params.TLS
	}
}

func (t *Task) TopOfStack() uint64 { return t.topOfStack }

// TLS returns the tls argument t was cloned with, zero without CLONE_SETTLS.
func (t *Task) TLS() uint64 { return t.tls }

// ClearChildTid returns the address where the tid of t is cleared when t
// exits, zero if there is none.
func (t *Task) ClearChildTid() uint64 { return t.clearChildTid }

func (t *Task) SetClearChildTid(addr uint64) { t.clearChildTid = addr }

func (t *Task) String() string {
	return fmt.Sprintf("task %d (rec %d)", t.tid, t.recTid)
}

// ResumeExecution restarts t. Dirty registers are flushed first. If wait
// is ResumeWait the call blocks until t stops and the new status is
// absorbed with DidWaitpid.
func (t *Task) ResumeExecution(how ResumeRequest, wait WaitRequest, ticks TicksRequest, sig int) error {
	if t.destroyed {
		return fmt.Errorf("resume of destroyed %v", t)
	}
	if t.running {
		return fmt.Errorf("resume of running %v", t)
	}
	if err := t.FlushRegs(); err != nil {
		return err
	}
	if ticks != ResumeNoTicks && t.counters != nil {
		var period int64
		if ticks > 0 {
			if ticks > MaxTicksRequest {
				ticks = MaxTicksRequest
			}
			period = int64(ticks)
		}
		if err := t.counters.Reset(period); err != nil {
			return err
		}
		t.counting = true
	}
	t.log.Debugf("resuming %d with %v ticks=%d sig=%d", t.tid, how, ticks, sig)
	if err := t.tracer.Resume(t.tid, how, sig); err != nil {
		return fmt.Errorf("%v of %v: %w", how, t, err)
	}
	t.running = true
	t.regsValid = false
	t.siginfo = nil
	if wait == ResumeWait {
		_, err := t.Wait()
		return err
	}
	return nil
}

// Wait blocks until t changes state and absorbs the new status.
func (t *Task) Wait() (WaitStatus, error) {
	tid, status, err := t.tracer.Wait(t.tid)
	if err != nil {
		return WaitStatus{}, fmt.Errorf("wait for %v: %w", t, err)
	}
	if tid != t.tid {
		return WaitStatus{}, fmt.Errorf("wait for %v returned %d", t, tid)
	}
	return status, t.DidWaitpid(status)
}

// DidWaitpid absorbs a status reported for t: the tick count is updated,
// the registers are fetched and the signal information captured. It must
// be called exactly once per status change, calling it again before t is
// resumed returns ErrStatusAlreadyAbsorbed and changes nothing.
//
// Unstable tasks are the exception: when their thread group dies the
// kernel kills them wherever they are, so a stopped unstable task can
// report a new status without being resumed.
func (t *Task) DidWaitpid(status WaitStatus) error {
	if !t.running && !t.unstable {
		return fmt.Errorf("%v: %w", t, ErrStatusAlreadyAbsorbed)
	}
	t.running = false
	t.status = status
	t.log.Debugf("%d changed status to %v", t.tid, status)

	if t.counting {
		n, err := t.counters.Read()
		if err != nil {
			return err
		}
		t.ticks += trace.Ticks(n)
		t.counting = false
		if err := t.counters.Stop(); err != nil {
			return err
		}
	}

	t.regsValid = false
	t.regsDirty = false
	if status.IsExit() {
		t.didExit(status)
		return nil
	}
	if status.PtraceEvent() == sys.PTRACE_EVENT_EXIT {
		t.seenPtraceExitEvent = true
		if msg, err := t.GetPtraceEventMsg(); err == nil {
			t.didExit(WaitStatus{sys.WaitStatus(msg)})
		} else {
			t.log.Debugf("%v: no exit status: %v", t, err)
		}
	}

	native, err := t.tracer.GetRegs(t.tid)
	if err != nil {
		if status.PtraceEvent() == sys.PTRACE_EVENT_EXIT {
			// The kernel may already have torn down the thread.
			return nil
		}
		return fmt.Errorf("could not read registers of %v: %w", t, err)
	}
	if status.PtraceEvent() == sys.PTRACE_EVENT_EXEC {
		t.arch = registers.ArchFromNative(native)
	}
	t.regs = registers.FromNative(t.arch, native)
	t.regsValid = true

	if status.StopSig() != 0 {
		si, err := t.tracer.GetSiginfo(t.tid)
		if err != nil {
			return fmt.Errorf("could not read siginfo of %v: %w", t, err)
		}
		t.siginfo = &si
	}
	return nil
}

// didExit records the exit status of t. A core dumping signal kills the
// whole thread group, so it is destabilized. The group exit status is the
// one of its leader, or of any member once the group is dying.
func (t *Task) didExit(status WaitStatus) {
	if status.FatalSig() != 0 && IsCoreDumpSignal(sys.Signal(status.FatalSig())) {
		t.tg.Destabilize()
	}
	if t.tid == t.tg.RealTgid || t.tg.Destabilized() {
		t.tg.ExitStatus = status
	}
}

// UnexpectedExit returns an *ErrUnexpectedExit if the last absorbed status
// reports that t is dead or dying.
func (t *Task) UnexpectedExit() error {
	if t.status.IsExit() || t.status.PtraceEvent() == sys.PTRACE_EVENT_EXIT {
		return &ErrUnexpectedExit{Tid: t.tid, RecTid: t.recTid, Status: t.status}
	}
	return nil
}

// Regs returns the registers of t. Panics if t is running, its registers
// are unknown until the next stop.
func (t *Task) Regs() registers.Registers {
	if !t.regsValid {
		panic(fmt.Sprintf("registers of %v are not available (running=%v status=%v)", t, t.running, t.status))
	}
	return t.regs
}

// SetRegs replaces the registers of t. The OS copy is updated before t is
// resumed.
func (t *Task) SetRegs(r registers.Registers) {
	if r.Arch() != t.arch {
		panic(fmt.Sprintf("setting %v registers on %v task %v", r.Arch(), t.arch, t))
	}
	t.regs = r
	t.regsValid = true
	t.regsDirty = true
}

// FlushRegs writes dirty registers back to the OS.
func (t *Task) FlushRegs() error {
	if !t.regsDirty {
		return nil
	}
	if err := t.tracer.SetRegs(t.tid, t.regs.Native()); err != nil {
		return fmt.Errorf("could not write registers of %v: %w", t, err)
	}
	t.regsDirty = false
	return nil
}

// CanonicalizeRegs removes the register side effects of entering the
// kernel through syscallArch's syscall instruction.
func (t *Task) CanonicalizeRegs(syscallArch arch.SupportedArch) {
	r := t.Regs()
	r.Canonicalize(syscallArch)
	t.SetRegs(r)
}

// CloneSyscallIsComplete reports whether a clone-class syscall issued by t
// created the new task, and returns its tid. A false result with a nil
// error means the kernel failed the syscall with a transient error
// (EAGAIN, ENOMEM or a restart) and the syscall must be issued again.
func (t *Task) CloneSyscallIsComplete(a arch.SupportedArch) (int, bool, error) {
	switch ev := t.PtraceEvent(); ev {
	case sys.PTRACE_EVENT_CLONE, sys.PTRACE_EVENT_FORK, sys.PTRACE_EVENT_VFORK:
		msg, err := t.GetPtraceEventMsg()
		if err != nil {
			return 0, false, err
		}
		if msg == 0 {
			return 0, false, fmt.Errorf("%v: %s reported tid 0", t, PtraceEventName(ev))
		}
		return int(msg), true, nil
	case 0:
	default:
		return 0, false, fmt.Errorf("%v: unexpected ptrace event %s", t, PtraceEventName(ev))
	}
	if err := t.UnexpectedExit(); err != nil {
		return 0, false, err
	}
	r := t.Regs()
	switch res := r.SyscallResultSigned(); res {
	case -int64(sys.EAGAIN), -int64(sys.ENOMEM), -int64(sys.ENOSYS),
		-errRestartSys, -errRestartNoIntr, -errRestartNoHand, -errRestartRestartBlock:
		return 0, false, nil
	default:
		return 0, false, fmt.Errorf("%v: %s failed with %d", t, arch.SyscallName(int(r.OriginalSyscallNo()), a), res)
	}
}

// Kernel internal errnos that signal a syscall restart.
const (
	errRestartSys          = 512
	errRestartNoIntr       = 513
	errRestartNoHand       = 514
	errRestartRestartBlock = 516
)

// GetPtraceEventMsg returns the message of the current PTRACE_EVENT stop.
func (t *Task) GetPtraceEventMsg() (uint64, error) {
	return t.tracer.GetEventMsg(t.tid)
}

// SetRealTidAndUpdateSerial is used when an exec by a non leader thread
// changes the tid of t to the thread group id. The serial changes as if
// the task had been cloned.
func (t *Task) SetRealTidAndUpdateSerial(tid int) {
	t.log.Debugf("tid %d became %d", t.tid, tid)
	t.tid = tid
	t.serial = t.session.NextTaskSerial()
	t.log = logflags.TaskLogger().WithField("tid", tid)
}

// DetectSyscallArch decodes the instruction that brought t into the
// kernel, the one just before the instruction pointer.
func (t *Task) DetectSyscallArch() (arch.SupportedArch, error) {
	r := t.Regs()
	code := make([]byte, arch.SyscallInsnLength)
	if err := t.ReadBytesHelper(r.IP()-arch.SyscallInsnLength, code); err != nil {
		return t.arch, err
	}
	a, ok := arch.DecodeSyscallInsn(code)
	if !ok {
		return t.arch, fmt.Errorf("%v: no syscall instruction before %#x (% x)", t, r.IP(), code)
	}
	return a, nil
}

// PostExec updates t after a successful exec: the arch may have changed
// and the task now lives in the fresh address space vm.
func (t *Task) PostExec(vm *AddressSpace) {
	t.vm.eraseTask(t)
	vm.insertTask(t)
	t.scratchPtr, t.scratchSize = 0, 0
	t.syscallbufChild = 0
	t.tg.Execed = true
	t.tg.Dumpable = true
	if t.regsValid {
		t.arch = t.regs.Arch()
	}
}

// Detach releases t from tracing.
func (t *Task) Detach() error {
	if t.detached || t.status.IsExit() {
		return nil
	}
	t.detached = true
	err := t.tracer.Detach(t.tid)
	if err != nil && errors.Is(err, sys.ESRCH) {
		// Already reaped by the kernel.
		return nil
	}
	return err
}

// Destroy detaches t if it is still alive, removes it from its thread
// group and address space and notifies the session. The thread group may
// be destroyed as a consequence.
func (t *Task) Destroy() error {
	if t.destroyed {
		return nil
	}
	t.log.Debugf("destroying %v", t)
	var err error
	if !t.Exited() {
		err = t.Detach()
	}
	if t.counters != nil {
		t.counters.Close()
		t.counters = nil
	}
	t.destroyed = true
	t.running = false
	t.session.OnDestroyTask(t)
	t.vm.eraseTask(t)
	t.tg.eraseTask(t)
	return err
}
