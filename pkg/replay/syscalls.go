package replay

import (
	"errors"
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/logflags"
	"github.com/go-delve/rd/pkg/proc"
	"github.com/go-delve/rd/pkg/registers"
	"github.com/go-delve/rd/pkg/trace"
)

// Offset of notify_on_syscall_hook_exit in the header of the syscall
// buffer shared with the preload library.
const syscallbufNotifyOnHookExitOffset = 13

// maxDumpedWrite bounds the string attached to a mismatch at a write.
const maxDumpedWrite = 1000

// PrepareRunToSyscall decides how the entering syscall frame must be
// replayed. Syscalls that need no execution at all, like restart_syscall,
// are replayed on the spot and retired.
func (s *Session) PrepareRunToSyscall(t *proc.Task, frame *trace.Frame) (Step, error) {
	ev := &frame.Event.Syscall
	step := Step{Action: StepEnterSyscall, Syscall: ev.Number, Arch: ev.Arch}

	if arch.IsRestartSyscall(ev.Number, ev.Arch) {
		if t.CountsTicks() && t.TickCount() != frame.Ticks {
			return step, &ErrTicksMismatch{Tid: t.Tid(), Time: frame.Time, Expected: frame.Ticks, Actual: t.TickCount()}
		}
		t.SetRegs(frame.Regs)
		if err := s.applyData(t, frame); err != nil {
			return step, err
		}
		s.log.Debugf("%v: restart_syscall retired at time %d", t, frame.Time)
		return Step{Action: StepRetire}, nil
	}

	if arch.IsNotifySyscallHookExit(ev.Number, ev.Arch) {
		child := t.SyscallbufChild()
		if child == 0 {
			return step, &ErrTraceCorrupt{Time: frame.Time, Reason: fmt.Sprintf("%v notified a syscall hook exit without a syscall buffer", t)}
		}
		if err := proc.WriteVal[uint8](t, child+syscallbufNotifyOnHookExitOffset, 1); err != nil {
			return step, err
		}
	}
	return step, nil
}

// enterSyscall runs t to the entry of the syscall of frame and checks it
// got there the way it did during recording. Syscalls that must really
// run (exec and exit) stop at a PTRACE_SYSCALL entry stop, everything else
// is emulated.
func (s *Session) enterSyscall(t *proc.Task, frame *trace.Frame) error {
	ev := &frame.Event.Syscall
	how := proc.ResumeSysemu
	if arch.IsExecve(ev.Number, ev.Arch) || arch.IsExitClass(ev.Number, ev.Arch) {
		how = proc.ResumeSyscall
	}
	if err := s.cont(t, how, proc.ResumeUnlimitedTicks, []int{ev.Number}, 0); err != nil {
		return err
	}
	if err := s.checkTicks(t, frame); err != nil {
		return err
	}
	t.CanonicalizeRegs(ev.Arch)
	return s.validateRegs(t, frame, registers.BailOnMismatch)
}

// ProcessSyscall finishes replaying the syscall frame after t reached it
// as described by step.
func (s *Session) ProcessSyscall(t *proc.Task, frame *trace.Frame, step Step) error {
	logflags.SyscallLogger().Debugf("%v: %v at time %d", t, step, frame.Time)
	if step.Action == StepExitSyscall {
		return s.exitSyscall(t, frame)
	}

	ev := &frame.Event.Syscall
	tbl := arch.Syscalls(ev.Arch)
	switch {
	case arch.IsCloneClass(ev.Number, ev.Arch):
		return s.prepareClone(t, frame)
	case ev.Number == tbl.ExitGroup:
		t.ThreadGroup().Destabilize()
		return t.ResumeExecution(proc.ResumeCont, proc.ResumeNonblocking, proc.ResumeNoTicks, 0)
	case ev.Number == tbl.Exit:
		return t.ResumeExecution(proc.ResumeCont, proc.ResumeNonblocking, proc.ResumeNoTicks, 0)
	case arch.IsExecve(ev.Number, ev.Arch):
		return s.processExecve(t, frame)
	}
	return nil
}

// cont resumes t and waits for its next stop, reissuing the resume past
// SIGCHLD and SIGWINCH. If expect isn't empty t must stop in one of those
// syscalls. A non zero newTid is the tid t will report under.
func (s *Session) cont(t *proc.Task, how proc.ResumeRequest, ticks proc.TicksRequest, expect []int, newTid int) error {
	for {
		if err := t.ResumeExecution(how, proc.ResumeNonblocking, ticks, 0); err != nil {
			return err
		}
		waitTid := t.Tid()
		if newTid != 0 {
			waitTid = newTid
		}
		tid, status, err := s.tracer.Wait(waitTid)
		if err != nil {
			return fmt.Errorf("waiting for %v: %w", t, err)
		}
		if tid != t.Tid() {
			s.retid(t, tid)
		}
		if err := t.DidWaitpid(status); err != nil {
			return err
		}
		if sig := t.StopSig(); sig == int(sys.SIGCHLD) || sig == int(sys.SIGWINCH) {
			s.log.Debugf("%v: ignoring %v", t, sys.Signal(sig))
			continue
		}
		break
	}
	if err := t.UnexpectedExit(); err != nil {
		return err
	}
	if sig := t.StopSig(); sig != 0 {
		return fmt.Errorf("%v: unexpected %v", t, sys.Signal(sig))
	}
	if len(expect) == 0 {
		return nil
	}
	r := t.Regs()
	observed := int(r.OriginalSyscallNo())
	for _, no := range expect {
		if observed == no {
			return nil
		}
	}
	return &ErrSyscallMismatch{
		Tid:      t.Tid(),
		Arch:     t.Arch(),
		Expected: expect,
		Observed: observed,
		Written:  s.maybeDumpWrittenString(t),
	}
}

// maybeDumpWrittenString returns the start of the buffer t is writing if
// it is stopped in write.
func (s *Session) maybeDumpWrittenString(t *proc.Task) string {
	r := t.Regs()
	if !arch.IsWriteSyscall(int(r.OriginalSyscallNo()), t.Arch()) {
		return ""
	}
	n := r.Arg3()
	if n > maxDumpedWrite {
		n = maxDumpedWrite
	}
	buf := make([]byte, n)
	read, _ := t.ReadBytesFallible(r.Arg2(), buf)
	return string(buf[:read])
}

// checkTicks compares the ticks t executed with the recorded ones. A
// difference is a warning unless warnings are fatal, the tick count is
// then resynchronized with the recording.
func (s *Session) checkTicks(t *proc.Task, frame *trace.Frame) error {
	if !t.CountsTicks() || t.TickCount() == frame.Ticks {
		return nil
	}
	err := &ErrTicksMismatch{Tid: t.Tid(), Time: frame.Time, Expected: frame.Ticks, Actual: t.TickCount()}
	if s.conf.FatalErrorsAndWarnings {
		return err
	}
	s.log.Warnf("%v", err)
	t.SetTickCount(frame.Ticks)
	return nil
}

// validateRegs compares the registers of t with the recorded ones.
func (s *Session) validateRegs(t *proc.Task, frame *trace.Frame, behavior registers.MismatchBehavior) error {
	if behavior == registers.ExpectMismatches {
		return nil
	}
	actual, recorded := t.Regs(), frame.Regs
	actual.Canonicalize(frame.Event.Syscall.Arch)
	recorded.Canonicalize(frame.Event.Syscall.Arch)
	ms := registers.Compare(&actual, &recorded)
	if len(ms) == 0 {
		return nil
	}
	err := &ErrRegisterMismatch{Tid: t.Tid(), Time: frame.Time, Mismatches: ms}
	if behavior == registers.LogMismatches {
		s.log.Warnf("%v", err)
		return nil
	}
	return err
}

// applyData writes the recorded memory of the current frame into the
// tasks it belongs to.
func (s *Session) applyData(t *proc.Task, frame *trace.Frame) error {
	for {
		d, ok := s.trace.ReadRawData()
		if !ok {
			return nil
		}
		dst := t
		if d.RecTid != t.RecTid() {
			dst = s.recTasks[d.RecTid]
		}
		if dst == nil {
			return &ErrTraceCorrupt{Time: frame.Time, Reason: fmt.Sprintf("memory record for unknown recorded tid %d", d.RecTid)}
		}
		if err := dst.WriteBytesHelper(d.Addr, d.Data); err != nil {
			return err
		}
	}
}

// readTaskTraceEvent returns the task event of type typ attached to
// frame. Events of other types are skipped.
func (s *Session) readTaskTraceEvent(frame *trace.Frame, typ trace.TaskEventType) (trace.TaskEvent, error) {
	for {
		ev, time, err := s.trace.ReadTaskEvent()
		if errors.Is(err, trace.ErrNoMoreEvents) {
			return ev, &ErrTraceCorrupt{Time: frame.Time, Reason: fmt.Sprintf("missing %v task event", typ)}
		}
		if err != nil {
			return ev, err
		}
		if time < frame.Time || ev.Type != typ {
			s.log.Debugf("skipping %v task event of time %d", ev.Type, time)
			continue
		}
		if time != frame.Time {
			return ev, &ErrTraceCorrupt{Time: frame.Time, Reason: fmt.Sprintf("next %v task event is at time %d", typ, time)}
		}
		return ev, nil
	}
}

// prepareClone replays a clone-class syscall t entered with
// PTRACE_SYSEMU: the syscall is issued for real, with the flags that
// would let the child escape replay removed, until the kernel manages to
// create the child.
func (s *Session) prepareClone(t *proc.Task, frame *trace.Frame) error {
	ev := &frame.Event.Syscall
	if ev.FailedDuringPreparation {
		return nil
	}
	tbl := arch.Syscalls(ev.Arch)

	r := t.Regs()
	no := ev.Number
	var recordedFlags, liveFlags uint64
	switch no {
	case tbl.Vfork:
		// The parent must not block in the kernel until the child execs
		// or exits, vfork is replayed as a clone sharing the address space.
		recordedFlags = sys.CLONE_VM | sys.CLONE_VFORK | uint64(sys.SIGCHLD)
		liveFlags = sys.CLONE_VM | uint64(sys.SIGCHLD)
		no = tbl.Clone
		r.SetArg1(liveFlags)
		r.SetArg2(0)
	case tbl.Fork:
		recordedFlags = uint64(sys.SIGCHLD)
		liveFlags = recordedFlags
	default:
		recordedFlags = r.Arg1()
		liveFlags = recordedFlags &^ arch.DisallowedCloneFlags
		r.SetArg1(liveFlags)
	}
	r.SetSyscallNo(int64(no))
	r.SetIP(r.IP() - arch.SyscallInsnLength)
	t.SetRegs(r)
	entry := r

	expect := []int{no}
	if err := s.cont(t, proc.ResumeSyscall, proc.ResumeNoTicks, expect, 0); err != nil {
		return err
	}
	var newTid int
	for {
		if err := s.cont(t, proc.ResumeSyscall, proc.ResumeNoTicks, expect, 0); err != nil {
			return err
		}
		tid, ok, err := t.CloneSyscallIsComplete(ev.Arch)
		if err != nil {
			return err
		}
		if ok {
			newTid = tid
			break
		}
		s.log.Debugf("%v: %s failed transiently, retrying", t, arch.SyscallName(no, ev.Arch))
		t.SetRegs(entry)
		if err := s.cont(t, proc.ResumeSyscall, proc.ResumeNoTicks, expect, 0); err != nil {
			return err
		}
	}
	// Syscall exit.
	if err := s.cont(t, proc.ResumeSyscall, proc.ResumeNoTicks, expect, 0); err != nil {
		return err
	}

	r = t.Regs()
	r.SetArg1(frame.Regs.Arg1())
	r.SetArg2(frame.Regs.Arg2())
	enosys := -int64(sys.ENOSYS)
	r.SetSyscallResult(uint64(enosys))
	r.SetOriginalSyscallNo(frame.Regs.OriginalSyscallNo())
	t.SetRegs(r)
	t.CanonicalizeRegs(ev.Arch)

	tev, err := s.readTaskTraceEvent(frame, trace.TaskEventClone)
	if err != nil {
		return err
	}
	if tev.ParentTid != 0 && tev.ParentTid != t.RecTid() {
		return &ErrTraceCorrupt{Time: frame.Time, Reason: fmt.Sprintf("clone event of %d names parent %d, not %d", tev.Tid, tev.ParentTid, t.RecTid())}
	}
	// Only clone passes the pointer arguments, fork and vfork leave
	// whatever the caller had in those registers.
	var params proc.CloneParameters
	if ev.Number == tbl.Clone {
		params = proc.ExtractCloneParameters(&frame.Regs)
	}
	flags := proc.CloneFlagsToTaskFlags(liveFlags)
	child, err := s.CloneTask(t, flags, params, newTid, tev.Tid)
	if err != nil {
		return err
	}
	if recordedFlags&sys.CLONE_CHILD_CLEARTID != 0 {
		child.SetClearChildTid(params.Ctid)
	}

	cr := child.Regs()
	cr.SetOriginalSyscallNo(frame.Regs.OriginalSyscallNo())
	cr.SetArg1(frame.Regs.Arg1())
	cr.SetArg2(frame.Regs.Arg2())
	child.SetRegs(cr)
	child.CanonicalizeRegs(ev.Arch)

	if err := s.applyData(t, frame); err != nil {
		return err
	}

	if flags&proc.CloneShareVM == 0 {
		if err := s.unshareVM(child); err != nil {
			return err
		}
	}
	if km, data, ok := s.trace.ReadMappedRegion(); ok {
		if err := s.initScratchMemory(child, frame, km, data); err != nil {
			return err
		}
	}
	if flags&proc.CloneShareVM == 0 {
		child.VM().AfterClone()
	}
	return s.checkMaps(child)
}

// unshareVM fixes up the copy of the address space a fork gave to child:
// breakpoints and watchpoints don't survive and shared mappings must not
// be shared with the parent.
func (s *Session) unshareVM(child *proc.Task) error {
	vm := child.VM()
	vm.RemoveAllBreakpoints()
	vm.RemoveAllWatchpoints()

	var shared []*proc.Mapping
	for _, m := range vm.Maps() {
		if m.Shared() && m.Flags&(proc.IsThreadLocals|proc.IsSyscallbuf) == 0 {
			shared = append(shared, m)
		}
	}
	if len(shared) == 0 {
		return nil
	}
	remote, err := proc.NewRemoteSyscalls(child)
	if err != nil {
		return err
	}
	defer remote.Restore()
	for _, m := range shared {
		if err := remote.RecreateSharedMmap(m); err != nil {
			return err
		}
	}
	return nil
}

// initScratchMemory maps the scratch buffer the recorder allocated for t.
func (s *Session) initScratchMemory(t *proc.Task, frame *trace.Frame, km trace.KernelMapping, data trace.MappedData) error {
	const prot = sys.PROT_READ | sys.PROT_WRITE
	const flags = sys.MAP_PRIVATE | sys.MAP_ANONYMOUS
	if data.Source != trace.SourceZero || km.Prot != prot || km.Flags != flags {
		return &ErrTraceCorrupt{Time: frame.Time, Reason: fmt.Sprintf("bad scratch mapping %v", km)}
	}
	remote, err := proc.NewRemoteSyscalls(t)
	if err != nil {
		return err
	}
	defer remote.Restore()
	if _, err := remote.MapRecorded(km, proc.IsScratch); err != nil {
		return err
	}
	t.SetScratch(km.Start, km.Size())
	return nil
}

// processExecve runs the execve t is stopped at the entry of. On success
// t gets a fresh address space and, if it wasn't the thread group
// leader, the tid of the leader.
func (s *Session) processExecve(t *proc.Task, frame *trace.Frame) error {
	newTid := 0
	if tg := t.ThreadGroup(); t.Tid() != tg.RealTgid {
		newTid = tg.RealTgid
	}
	expect := []int{arch.Syscalls(arch.X86).Execve, arch.Syscalls(arch.X64).Execve}
	if err := s.cont(t, proc.ResumeSyscall, proc.ResumeNoTicks, expect, newTid); err != nil {
		return err
	}
	if t.PtraceEvent() != sys.PTRACE_EVENT_EXEC {
		r := t.Regs()
		if !t.Status().IsSyscall() || !r.SyscallFailed() {
			return fmt.Errorf("%v: execve neither succeeded nor failed: %v", t, t.Status())
		}
		s.log.Debugf("%v: execve failed as recorded", t)
		return nil
	}

	tev, err := s.readTaskTraceEvent(frame, trace.TaskEventExec)
	if err != nil {
		return err
	}
	exe := tev.ExecFile
	if exe == "" {
		exe = t.VM().Exe()
	}
	t.PostExec(proc.NewAddressSpace(exe, s.NextTaskSerial()))
	s.log.Debugf("%v execed %s", t, exe)
	return s.cont(t, proc.ResumeSyscall, proc.ResumeNoTicks, expect, 0)
}

// exitSyscall completes the syscall of the exiting frame. t is stopped at
// the syscall: the emulated ones have not run, the others are at their
// exit stop.
func (s *Session) exitSyscall(t *proc.Task, frame *trace.Frame) error {
	ev := &frame.Event.Syscall
	tbl := arch.Syscalls(ev.Arch)
	r := t.Regs()
	result := frame.Regs.SyscallResult()
	failed := frame.Regs.SyscallFailed()

	switch {
	case arch.IsMmapClass(ev.Number, ev.Arch):
		if err := s.processMmap(t, frame, failed); err != nil {
			return err
		}
	case ev.Number == tbl.Munmap:
		if !failed {
			if err := s.remoteMunmap(t, r.Arg1(), r.Arg2()); err != nil {
				return err
			}
		}
	case ev.Number == tbl.Prctl:
		if !failed && frame.Regs.Arg1() == sys.PR_SET_DUMPABLE {
			t.ThreadGroup().Dumpable = frame.Regs.Arg2() != 0
		}
	case ev.Number == arch.RdcallInitBuffers:
		if err := s.processInitBuffers(t, frame, result); err != nil {
			return err
		}
	case ev.Number == arch.RdcallInitPreload:
		ip, err := proc.ReadVal[uint64](t, r.Arg1())
		if err != nil {
			return err
		}
		t.VM().SetUntracedSyscallIP(ip)
	case arch.IsWriteSyscall(ev.Number, ev.Arch):
		if err := s.maybeNoopRestoreSyscallbufScratch(t, frame); err != nil {
			return err
		}
	}

	r = t.Regs()
	r.SetSyscallResult(result)
	t.SetRegs(r)
	if err := s.applyData(t, frame); err != nil {
		return err
	}

	if arch.IsWriteSyscall(ev.Number, ev.Arch) && !failed {
		if err := s.echoStdio(t, frame); err != nil {
			return err
		}
	}

	behavior := registers.BailOnMismatch
	if arch.IsExecve(ev.Number, ev.Arch) {
		// The initial stack of the new image depends on the environment
		// of the replayer.
		behavior = registers.LogMismatches
	}
	if err := s.validateRegs(t, frame, behavior); err != nil {
		return err
	}
	if err := s.checkMaps(t); err != nil {
		return err
	}
	if s.conf.DumpOnSyscall(ev.Name()) {
		s.dumpRegs(t, frame)
	}
	return nil
}

// processMmap reproduces the mapping a recorded mmap created. The
// contents are zero or come from the trace as memory records. File
// contents are not restored.
func (s *Session) processMmap(t *proc.Task, frame *trace.Frame, failed bool) error {
	km, data, ok := s.trace.ReadMappedRegion()
	if !ok {
		if failed {
			return nil
		}
		return &ErrTraceCorrupt{Time: frame.Time, Reason: "successful mmap without a mapped region"}
	}
	if data.Source == trace.SourceFile {
		s.log.Warnf("%v: contents of %s at %#x are not restored", t, data.Filename, km.Start)
	}
	remote, err := proc.NewRemoteSyscalls(t)
	if err != nil {
		return err
	}
	defer remote.Restore()
	_, err = remote.MapRecorded(km, 0)
	return err
}

func (s *Session) remoteMunmap(t *proc.Task, addr, length uint64) error {
	remote, err := proc.NewRemoteSyscalls(t)
	if err != nil {
		return err
	}
	defer remote.Restore()
	if err := remote.InfallibleMunmap(addr, length); err != nil {
		return err
	}
	t.VM().Unmap(addr, length)
	return nil
}

// processInitBuffers records the syscall buffer the preload library set
// up, mapping it if the trace has it.
func (s *Session) processInitBuffers(t *proc.Task, frame *trace.Frame, child uint64) error {
	if frame.Regs.SyscallFailed() {
		return nil
	}
	t.SetSyscallbufChild(child)
	km, _, ok := s.trace.ReadMappedRegion()
	if !ok {
		return nil
	}
	remote, err := proc.NewRemoteSyscalls(t)
	if err != nil {
		return err
	}
	defer remote.Restore()
	_, err = remote.MapRecorded(km, proc.IsSyscallbuf)
	return err
}

// maybeNoopRestoreSyscallbufScratch restores the scratch memory of a
// buffered write the preload library made through its untraced syscall
// instruction.
func (s *Session) maybeNoopRestoreSyscallbufScratch(t *proc.Task, frame *trace.Frame) error {
	ip := t.VM().UntracedSyscallIP()
	r := t.Regs()
	if ip == 0 || r.IP()-arch.SyscallInsnLength != ip {
		return nil
	}
	s.log.Debugf("%v: restoring scratch of buffered write", t)
	return s.applyData(t, frame)
}

// echoStdio copies what t wrote to stdout or stderr to the session's
// stdout.
func (s *Session) echoStdio(t *proc.Task, frame *trace.Frame) error {
	if !s.conf.RedirectStdio {
		return nil
	}
	r := t.Regs()
	if fd := r.Arg1(); fd != 1 && fd != 2 {
		return nil
	}
	n := frame.Regs.SyscallResultSigned()
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	read, err := t.ReadBytesFallible(r.Arg2(), buf)
	if read == 0 && err != nil {
		return err
	}
	if s.conf.MarkStdio {
		fmt.Fprintf(s.Stdout, "[rd %d %d] ", t.ThreadGroup().Tgid, frame.Time)
	}
	_, err = s.Stdout.Write(buf[:read])
	return err
}

// checkMaps compares the mappings of the address space of t with the ones
// the kernel reports.
func (s *Session) checkMaps(t *proc.Task) error {
	if !s.conf.CheckCachedMaps {
		return nil
	}
	mr, ok := s.tracer.(proc.MapsReader)
	if !ok {
		return nil
	}
	maps, err := mr.Maps(t.Tid())
	if err != nil {
		return err
	}
	if err := t.VM().Verify(maps); err != nil {
		return fmt.Errorf("%v: %w", t, err)
	}
	return nil
}
