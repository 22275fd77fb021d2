package test

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/proc"
	"github.com/go-delve/rd/pkg/registers"
	"github.com/go-delve/rd/pkg/trace"
)

// Address space layout of the tracees of a Kernel.
const (
	// SyscallSite holds a syscall instruction. Program steps enter the
	// kernel through it.
	SyscallSite uint64 = 0x400000
	// ExecEntry is where a tracee starts after exec.
	ExecEntry uint64 = 0x401000
	// DataBase is the start of a read/write data area.
	DataBase uint64 = 0x600000
	DataSize uint64 = 0x10000
	StackTop uint64 = 0x7ffff000
	// MmapBase is where mappings without MAP_FIXED are placed.
	MmapBase uint64 = 0x10000000

	// FirstTid is the tid of the first task of a Kernel.
	FirstTid = 1000

	userCS     = 0x33
	userSS     = 0x2b
	userEflags = 0x246
)

// ErrWouldBlock is returned by Kernel.Wait when the task waited for ran out
// of program: a real tracer would hang.
var ErrWouldBlock = errors.New("wait would block forever")

// Step is one step of the program of a fake tracee: the task runs some
// code, spending Ticks, then enters the kernel with the registers Regs.
// If Signal is set the code faults instead and Signal kills the thread
// group.
type Step struct {
	Regs   registers.X64
	Ticks  int64
	Signal sys.Signal
}

// FaultStep returns a step that dies of the fatal signal sig.
func FaultStep(sig sys.Signal, ticks int64) Step {
	return Step{Regs: baseRegs(), Ticks: ticks, Signal: sig}
}

// SyscallStep returns a step that calls syscall no from SyscallSite.
func SyscallStep(no int, ticks int64, args ...uint64) Step {
	r := registers.FromX64(baseRegs())
	r.SetIP(SyscallSite + arch.SyscallInsnLength)
	r.SetOriginalSyscallNo(int64(no))
	r.SetSyscallNo(-int64(sys.ENOSYS))
	for i, a := range args {
		r.SetArg(i+1, a)
	}
	x := *r.X64()
	x.Rcx = x.Rip
	x.R11 = x.Eflags
	return Step{Regs: x, Ticks: ticks}
}

func baseRegs() registers.X64 {
	return registers.X64{
		Rip:    ExecEntry,
		Rsp:    StackTop - 0x100,
		Cs:     userCS,
		Ss:     userSS,
		Eflags: userEflags,
	}
}

// ExecExitRegs returns the registers of a tracee at the exit of a
// successful execve.
func ExecExitRegs() registers.X64 {
	r := baseRegs()
	r.Rsp = StackTop
	r.Orig_rax = uint64(arch.Syscalls(arch.X64).Execve)
	return r
}

type state uint8

const (
	stateSignal state = iota
	stateSysemu
	stateEntry
	stateEvent
	stateExit
	stateExitEvent
	stateBlocked
	stateDead
)

type task struct {
	tid, tgid int
	regs      registers.X64
	mem       *memory
	state     state
	sig       int
	eventMsg  uint64
	result    uint64
	ticks     int64
	status    proc.WaitStatus
	options   int
	detached  bool
	spawned   bool
}

func (t *task) stopped() bool {
	return t.state != stateBlocked && t.state != stateDead
}

type report struct {
	tid    int
	status proc.WaitStatus
}

// Kernel is a deterministic stand-in for the ptrace interface of the
// Linux kernel, good enough to drive replay in tests. Tracees are x86_64
// and run programs made of Steps. Syscalls issued by a tracee are
// performed by the Kernel according to the ptrace request used to resume
// it.
type Kernel struct {
	// NextTid is the tid of the next task.
	NextTid int
	// CloneFailures is the number of clone-class syscalls that fail with
	// EAGAIN before one succeeds.
	CloneFailures int
	// CloneFlags records the flags of every clone-class syscall the
	// tracees performed, in order.
	CloneFlags []uint64
	// Performed records the name of every syscall the tracees performed.
	Performed []string
	// Execs records the paths passed to execve.
	Execs []string
	// Output collects writes to fds 1 and 2.
	Output bytes.Buffer

	SpawnedExe string
	SpawnedCPU int

	tasks    map[int]*task
	programs map[int][]Step
	queue    []report
	nextMmap uint64
}

// NewKernel returns a Kernel without tasks.
func NewKernel() *Kernel {
	return &Kernel{
		NextTid:  FirstTid,
		tasks:    make(map[int]*task),
		programs: make(map[int][]Step),
		nextMmap: MmapBase,
	}
}

// SetProgram sets the steps tid will run. The task does not need to exist
// yet.
func (k *Kernel) SetProgram(tid int, steps ...Step) {
	k.programs[tid] = steps
}

// Inject queues a status report for tid.
func (k *Kernel) Inject(tid int, status proc.WaitStatus) {
	k.queue = append(k.queue, report{tid, status})
}

// Alive returns true if tid exists and has not died.
func (k *Kernel) Alive(tid int) bool {
	t := k.tasks[tid]
	return t != nil && t.state != stateDead
}

// Regs returns the current registers of tid.
func (k *Kernel) Regs(tid int) registers.X64 {
	return k.tasks[tid].regs
}

// Peek reads n bytes of memory of tid. Unmapped bytes are missing from
// the result.
func (k *Kernel) Peek(tid int, addr uint64, n int) []byte {
	buf := make([]byte, n)
	return buf[:k.tasks[tid].mem.read(addr, buf)]
}

// Poke writes to the memory of tid.
func (k *Kernel) Poke(tid int, addr uint64, data []byte) {
	k.tasks[tid].mem.write(addr, data)
}

// Mapped returns true if [addr, addr+size) is mapped in tid.
func (k *Kernel) Mapped(tid int, addr, size uint64) bool {
	return k.tasks[tid].mem.mapped(addr, size)
}

// SharesMemory returns true if the two tasks share their address space.
func (k *Kernel) SharesMemory(tid1, tid2 int) bool {
	return k.tasks[tid1].mem == k.tasks[tid2].mem
}

// Pending returns the number of queued status reports.
func (k *Kernel) Pending() int { return len(k.queue) }

func newMemory() *memory {
	m := &memory{}
	m.mmap(SyscallSite, pageSize, sys.PROT_READ|sys.PROT_EXEC)
	m.write(SyscallSite, arch.X64SyscallInsn)
	m.mmap(DataBase, DataSize, sys.PROT_READ|sys.PROT_WRITE)
	m.mmap(StackTop-0x10000, 0x10000, sys.PROT_READ|sys.PROT_WRITE)
	return m
}

func (k *Kernel) newTask(tgid int, mem *memory) *task {
	t := &task{tid: k.NextTid, mem: mem, regs: baseRegs()}
	k.NextTid++
	t.tgid = tgid
	if tgid == 0 {
		t.tgid = t.tid
	}
	k.tasks[t.tid] = t
	return t
}

// AddTask creates a task stopped by SIGSTOP, as if it had been attached
// to. If tgid is the tid of an existing task the new task is a thread of
// it, otherwise it is a new process with a fresh address space.
func (k *Kernel) AddTask(tgid int) int {
	var t *task
	if leader := k.tasks[tgid]; leader != nil {
		t = k.newTask(leader.tgid, leader.mem)
		t.options = leader.options
	} else {
		t = k.newTask(0, newMemory())
	}
	t.state = stateSignal
	t.sig = int(sys.SIGSTOP)
	k.Inject(t.tid, proc.StoppedStatus(sys.SIGSTOP))
	return t.tid
}

// Spawn implements proc.Spawner. The new task stops with SIGTRAP at
// ExecEntry, as after a PTRACE_TRACEME exec.
func (k *Kernel) Spawn(exe string, argv, env []string, cwd string, cpu int) (int, error) {
	k.SpawnedExe = exe
	k.SpawnedCPU = cpu
	t := k.newTask(0, newMemory())
	t.spawned = true
	t.state = stateSignal
	t.sig = int(sys.SIGTRAP)
	k.Inject(t.tid, proc.StoppedStatus(sys.SIGTRAP))
	return t.tid, nil
}

func (k *Kernel) traced(tid int) (*task, error) {
	t := k.tasks[tid]
	if t == nil || t.detached || !t.stopped() {
		return nil, sys.ESRCH
	}
	return t, nil
}

func (k *Kernel) hasPending(tid int) bool {
	for _, r := range k.queue {
		if r.tid == tid {
			return true
		}
	}
	return false
}

func (k *Kernel) Resume(tid int, how proc.ResumeRequest, sig int) error {
	t, err := k.traced(tid)
	if err != nil {
		return err
	}
	if k.hasPending(tid) {
		return fmt.Errorf("resume of %d with a pending status", tid)
	}
	switch t.state {
	case stateEntry:
		if how == proc.ResumeSysemu || how == proc.ResumeSysemuSinglestep {
			return fmt.Errorf("%v of %d at a syscall entry stop", how, tid)
		}
		if !k.perform(t) {
			k.afterSyscall(t, how)
		}
	case stateEvent:
		t.regs.Rax = t.result
		k.afterSyscall(t, how)
	case stateExitEvent:
		k.die(t)
	default:
		k.run(t, how)
	}
	return nil
}

// afterSyscall continues t after a syscall it performed returned.
func (k *Kernel) afterSyscall(t *task, how proc.ResumeRequest) {
	if how == proc.ResumeSyscall {
		t.state = stateExit
		k.Inject(t.tid, proc.SyscallStopStatus())
		return
	}
	k.run(t, how)
}

func (k *Kernel) atSyscallInsn(t *task) bool {
	code := make([]byte, arch.SyscallInsnLength)
	return t.mem.read(t.regs.Rip, code) == len(code) && bytes.Equal(code, arch.X64SyscallInsn)
}

// run executes the user code of t until it enters the kernel.
func (k *Kernel) run(t *task, how proc.ResumeRequest) {
	for {
		if k.atSyscallInsn(t) {
			t.regs.Orig_rax = t.regs.Rax
			t.regs.Rax = negErrno(sys.ENOSYS)
			t.regs.Rip += arch.SyscallInsnLength
			t.regs.Rcx = t.regs.Rip
			t.regs.R11 = t.regs.Eflags
		} else {
			prog := k.programs[t.tid]
			if len(prog) == 0 {
				t.state = stateBlocked
				return
			}
			t.regs = prog[0].Regs
			t.ticks += prog[0].Ticks
			k.programs[t.tid] = prog[1:]
			if prog[0].Signal != 0 {
				k.exitGroup(t, proc.SignaledStatus(prog[0].Signal))
				return
			}
		}
		switch how {
		case proc.ResumeSysemu, proc.ResumeSysemuSinglestep:
			t.state = stateSysemu
			k.Inject(t.tid, proc.SyscallStopStatus())
			return
		case proc.ResumeSyscall:
			t.state = stateEntry
			k.Inject(t.tid, proc.SyscallStopStatus())
			return
		}
		if k.perform(t) {
			return
		}
	}
}

func negErrno(e sys.Errno) uint64 { return uint64(-int64(e)) }

// perform executes the syscall t entered. It returns true if t stopped
// or died in the process.
func (k *Kernel) perform(t *task) bool {
	tbl := arch.Syscalls(arch.X64)
	r := &t.regs
	no := int(int64(r.Orig_rax))
	k.Performed = append(k.Performed, arch.SyscallName(no, arch.X64))
	switch no {
	case tbl.Clone, tbl.Fork, tbl.Vfork:
		return k.clone(t, no)
	case tbl.Exit:
		k.beginExit(t, proc.ExitedStatus(int(r.Rdi)))
		return true
	case tbl.ExitGroup:
		k.exitGroup(t, proc.ExitedStatus(int(r.Rdi)))
		return true
	case tbl.Execve:
		path := make([]byte, 256)
		path = path[:t.mem.read(r.Rdi, path)]
		if i := bytes.IndexByte(path, 0); i >= 0 {
			path = path[:i]
		}
		k.Execs = append(k.Execs, string(path))
		t.mem = newMemory()
		t.regs = ExecExitRegs()
		t.regs.Rax = negErrno(sys.ENOSYS)
		t.result = 0
		t.eventMsg = uint64(t.tid)
		t.state = stateEvent
		k.Inject(t.tid, proc.PtraceEventStatus(sys.PTRACE_EVENT_EXEC))
		return true
	case tbl.Mmap:
		addr, length := r.Rdi, r.Rsi
		if int(r.R10)&sys.MAP_FIXED == 0 {
			addr = k.nextMmap
			k.nextMmap += (length + pageSize - 1) &^ (pageSize - 1)
		}
		t.mem.mmap(addr, length, int(r.Rdx))
		r.Rax = addr
	case tbl.Munmap:
		t.mem.munmap(r.Rdi, r.Rsi)
		r.Rax = 0
	case tbl.Mprotect:
		t.mem.mprotect(r.Rdi, r.Rsi, int(r.Rdx))
		r.Rax = 0
	case tbl.Write:
		buf := make([]byte, r.Rdx)
		n := t.mem.read(r.Rsi, buf)
		if r.Rdi == 1 || r.Rdi == 2 {
			k.Output.Write(buf[:n])
		}
		r.Rax = uint64(n)
	case tbl.Getpid:
		r.Rax = uint64(t.tgid)
	case tbl.Gettid:
		r.Rax = uint64(t.tid)
	default:
		r.Rax = 0
	}
	return false
}

func (k *Kernel) clone(t *task, no int) bool {
	tbl := arch.Syscalls(arch.X64)
	r := &t.regs
	var flags uint64
	switch no {
	case tbl.Clone:
		flags = r.Rdi
	case tbl.Fork:
		flags = uint64(sys.SIGCHLD)
	case tbl.Vfork:
		flags = sys.CLONE_VM | sys.CLONE_VFORK | uint64(sys.SIGCHLD)
	}
	k.CloneFlags = append(k.CloneFlags, flags)
	if k.CloneFailures > 0 {
		k.CloneFailures--
		r.Rax = negErrno(sys.EAGAIN)
		return false
	}

	mem := t.mem
	if flags&sys.CLONE_VM == 0 {
		mem = mem.clone()
	}
	tgid := 0
	if flags&sys.CLONE_THREAD != 0 {
		tgid = t.tgid
	}
	child := k.newTask(tgid, mem)
	child.options = t.options
	child.regs = t.regs
	child.regs.Rax = 0
	if no == tbl.Clone {
		if r.Rsi != 0 {
			child.regs.Rsp = r.Rsi
		}
		if flags&sys.CLONE_SETTLS != 0 {
			child.regs.Fs_base = r.R8
		}
		tid := []byte{byte(child.tid), byte(child.tid >> 8), byte(child.tid >> 16), byte(child.tid >> 24)}
		if flags&sys.CLONE_PARENT_SETTID != 0 {
			t.mem.write(r.Rdx, tid)
		}
		if flags&sys.CLONE_CHILD_SETTID != 0 {
			child.mem.write(r.R10, tid)
		}
	}
	child.state = stateSignal
	child.sig = int(sys.SIGSTOP)

	ev := sys.PTRACE_EVENT_CLONE
	switch {
	case flags&sys.CLONE_VFORK != 0:
		ev = sys.PTRACE_EVENT_VFORK
	case flags&0xff == uint64(sys.SIGCHLD):
		ev = sys.PTRACE_EVENT_FORK
	}
	t.eventMsg = uint64(child.tid)
	t.result = uint64(child.tid)
	t.state = stateEvent
	k.Inject(t.tid, proc.PtraceEventStatus(ev))
	k.Inject(child.tid, proc.StoppedStatus(sys.SIGSTOP))
	return true
}

// exitGroup makes every member of the thread group of t exit with status,
// the youngest first.
func (k *Kernel) exitGroup(t *task, status proc.WaitStatus) {
	var members []*task
	for _, m := range k.tasks {
		if m.tgid == t.tgid && m.state != stateDead && !m.detached {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].tid > members[j].tid })
	for _, m := range members {
		k.beginExit(m, status)
	}
}

func (k *Kernel) beginExit(t *task, status proc.WaitStatus) {
	t.status = status
	if t.options&sys.PTRACE_O_TRACEEXIT != 0 {
		t.state = stateExitEvent
		t.eventMsg = uint64(status.WaitStatus)
		k.Inject(t.tid, proc.PtraceEventStatus(sys.PTRACE_EVENT_EXIT))
		return
	}
	k.die(t)
}

func (k *Kernel) die(t *task) {
	t.state = stateDead
	if t.detached && !t.spawned {
		delete(k.tasks, t.tid)
		return
	}
	// Detached spawned tasks are still our children, their exit is
	// reported anyway.
	k.Inject(t.tid, t.status)
}

// Wait implements proc.Tracer.
func (k *Kernel) Wait(tid int) (int, proc.WaitStatus, error) {
	for i, r := range k.queue {
		if tid != -1 && r.tid != tid {
			continue
		}
		k.queue = append(k.queue[:i:i], k.queue[i+1:]...)
		if r.status.IsExit() {
			if t := k.tasks[r.tid]; t != nil && t.state == stateDead {
				delete(k.tasks, r.tid)
			}
		}
		return r.tid, r.status, nil
	}
	if tid != -1 {
		if t := k.tasks[tid]; t != nil && t.state == stateBlocked {
			return 0, proc.WaitStatus{}, fmt.Errorf("task %d: %w", tid, ErrWouldBlock)
		}
	}
	for _, t := range k.tasks {
		if t.state == stateBlocked {
			return 0, proc.WaitStatus{}, fmt.Errorf("task %d: %w", t.tid, ErrWouldBlock)
		}
	}
	return 0, proc.WaitStatus{}, sys.ECHILD
}

func (k *Kernel) GetRegs(tid int) (registers.X64, error) {
	t, err := k.traced(tid)
	if err != nil {
		return registers.X64{}, err
	}
	return t.regs, nil
}

func (k *Kernel) SetRegs(tid int, regs registers.X64) error {
	t, err := k.traced(tid)
	if err != nil {
		return err
	}
	t.regs = regs
	return nil
}

func (k *Kernel) GetEventMsg(tid int) (uint64, error) {
	t, err := k.traced(tid)
	if err != nil {
		return 0, err
	}
	return t.eventMsg, nil
}

func (k *Kernel) GetSiginfo(tid int) (proc.Siginfo, error) {
	t, err := k.traced(tid)
	if err != nil {
		return proc.Siginfo{}, err
	}
	if t.state != stateSignal {
		return proc.Siginfo{}, sys.EINVAL
	}
	return proc.Siginfo{Signo: int32(t.sig)}, nil
}

func (k *Kernel) ReadMemory(tid int, addr uint64, buf []byte) (int, error) {
	t, err := k.traced(tid)
	if err != nil {
		return 0, err
	}
	n := t.mem.read(addr, buf)
	if n < len(buf) {
		return n, sys.EFAULT
	}
	return n, nil
}

func (k *Kernel) WriteMemory(tid int, addr uint64, buf []byte) (int, error) {
	t, err := k.traced(tid)
	if err != nil {
		return 0, err
	}
	n := t.mem.write(addr, buf)
	if n < len(buf) {
		return n, sys.EFAULT
	}
	return n, nil
}

func (k *Kernel) SetOptions(tid int, options int) error {
	t, err := k.traced(tid)
	if err != nil {
		return err
	}
	t.options = options
	return nil
}

func (k *Kernel) Detach(tid int) error {
	t, err := k.traced(tid)
	if err != nil {
		return err
	}
	t.detached = true
	if t.state == stateExitEvent {
		k.die(t)
		return nil
	}
	if !t.spawned {
		delete(k.tasks, tid)
	}
	return nil
}

// Counters implements proc.Tracer.
func (k *Kernel) Counters(tid int) (proc.PerfCounters, error) {
	if k.tasks[tid] == nil {
		return nil, sys.ESRCH
	}
	return &counters{k: k, tid: tid}, nil
}

type counters struct {
	k    *Kernel
	tid  int
	base int64
	last int64
}

func (c *counters) ticks() int64 {
	if t := c.k.tasks[c.tid]; t != nil {
		c.last = t.ticks
	}
	return c.last
}

func (c *counters) Reset(period int64) error {
	c.base = c.ticks()
	return nil
}

func (c *counters) Read() (int64, error) {
	return c.ticks() - c.base, nil
}

func (c *counters) Stop() error  { return nil }
func (c *counters) Close() error { return nil }

// Maps implements proc.MapsReader.
func (k *Kernel) Maps(tid int) ([]trace.KernelMapping, error) {
	t := k.tasks[tid]
	if t == nil {
		return nil, sys.ESRCH
	}
	var r []trace.KernelMapping
	for _, reg := range t.mem.regions {
		r = append(r, trace.KernelMapping{Start: reg.start, End: reg.end(), Prot: reg.prot})
	}
	return r, nil
}
