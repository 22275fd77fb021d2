package replay_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/config"
	"github.com/go-delve/rd/pkg/proc"
	protest "github.com/go-delve/rd/pkg/proc/test"
	"github.com/go-delve/rd/pkg/registers"
	"github.com/go-delve/rd/pkg/replay"
	"github.com/go-delve/rd/pkg/trace"
)

var x64 = arch.Syscalls(arch.X64)

const (
	leaderRecTid = 100
	leaderTid    = protest.FirstTid
	childRecTid  = 42
	childTid     = protest.FirstTid + 1
)

// recording builds a trace and the programs the fake tracees run to
// reproduce it, one program step per syscall entered.
type recording struct {
	r     *trace.MemoryReader
	time  trace.FrameTime
	ticks map[int]int64
	steps map[int][]protest.Step
}

func newRecording() *recording {
	return &recording{
		r:     trace.NewMemoryReader(trace.Header{Arch: arch.X64, Exe: "/bin/prog", BindToCPU: -1, RecTid: leaderRecTid}),
		ticks: make(map[int]int64),
		steps: make(map[int][]protest.Step),
	}
}

func (rec *recording) frame(tid int, ev trace.Event, regs registers.Registers) trace.FrameTime {
	rec.time++
	f := &trace.Frame{Time: rec.time, Tid: tid, Ticks: trace.Ticks(rec.ticks[tid]), Event: ev, Regs: regs}
	if err := rec.r.AddFrame(f); err != nil {
		panic(err)
	}
	return rec.time
}

func syscallEvent(no int, state trace.SyscallState) trace.Event {
	return trace.Event{Type: trace.EventSyscall, Syscall: trace.SyscallEvent{Number: no, Arch: arch.X64, State: state}}
}

// enter records tid entering syscall no after running ticks.
func (rec *recording) enter(tid int, ticks int64, no int, args ...uint64) trace.FrameTime {
	step := protest.SyscallStep(no, ticks, args...)
	rec.steps[tid] = append(rec.steps[tid], step)
	rec.ticks[tid] += ticks
	return rec.frame(tid, syscallEvent(no, trace.EnteringSyscall), registers.FromX64(step.Regs))
}

// syscall records both frames of a syscall returning result.
func (rec *recording) syscall(tid int, ticks int64, no int, result int64, args ...uint64) (enter, exit trace.FrameTime) {
	enter = rec.enter(tid, ticks, no, args...)
	regs := registers.FromX64(protest.SyscallStep(no, ticks, args...).Regs)
	regs.SetSyscallResult(uint64(result))
	exit = rec.frame(tid, syscallEvent(no, trace.ExitingSyscall), regs)
	return enter, exit
}

func (rec *recording) exit(tid int) trace.FrameTime {
	return rec.frame(tid, trace.Event{Type: trace.EventExit}, registers.New(arch.X64))
}

// install gives the programs to the tasks of k, tids maps recorded tids
// to the tids k will assign.
func (rec *recording) install(k *protest.Kernel, tids map[int]int) {
	for recTid, steps := range rec.steps {
		k.SetProgram(tids[recTid], steps...)
	}
}

var defaultTids = map[int]int{leaderRecTid: leaderTid, childRecTid: childTid}

func newSession(t *testing.T, conf *config.Config, r trace.Reader) (*replay.Session, *protest.Kernel, *bytes.Buffer) {
	t.Helper()
	if conf == nil {
		conf = config.Default()
	}
	k := protest.NewKernel()
	s, err := replay.NewSession(conf, k, r)
	if err != nil {
		t.Fatal(err)
	}
	out := new(bytes.Buffer)
	s.Stdout = out
	s.DumpOut = out
	if _, err := s.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	return s, k, out
}

func stepN(t *testing.T, s *replay.Session, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.ReplayStep(context.Background()); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
}

func assertReplayed(t *testing.T, s *replay.Session) {
	t.Helper()
	if err := s.Replay(context.Background()); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if tasks := s.Tasks(); len(tasks) != 0 {
		t.Fatalf("tasks left after replay: %v", tasks)
	}
	if tgs := s.ThreadGroups(); len(tgs) != 0 {
		t.Fatalf("%d thread groups left after replay", len(tgs))
	}
}

func TestLaunch(t *testing.T) {
	conf := config.Default()
	cpu := 3
	conf.BindCPU = &cpu
	rec := newRecording()
	var created []*proc.Task
	k := protest.NewKernel()
	s, err := replay.NewSession(conf, k, rec.r)
	if err != nil {
		t.Fatal(err)
	}
	s.OnNewTask(func(t *proc.Task) { created = append(created, t) })
	task, err := s.Launch()
	if err != nil {
		t.Fatal(err)
	}
	if task.Tid() != leaderTid || task.RecTid() != leaderRecTid || !task.IsStopped() {
		t.Fatalf("launched %v stopped=%v", task, task.IsStopped())
	}
	if k.SpawnedExe != "/bin/prog" || k.SpawnedCPU != 3 {
		t.Fatalf("spawned %q on cpu %d", k.SpawnedExe, k.SpawnedCPU)
	}
	if len(created) != 1 || created[0] != task {
		t.Fatalf("new task callbacks: %v", created)
	}
	if s.FindTask(leaderTid) != task || s.FindTaskFromRecTid(leaderRecTid) != task {
		t.Fatal("launched task not registered")
	}
	if err := s.ReplayStep(context.Background()); !errors.Is(err, trace.ErrNoMoreFrames) {
		t.Fatalf("empty trace: %v", err)
	}
}

func TestReplayWrite(t *testing.T) {
	conf := config.Default()
	conf.MarkStdio = true
	s, k, out := newSession(t, conf, protest.LoadFixture(t, "write"))
	k.SetProgram(leaderTid,
		protest.SyscallStep(x64.Read, 10, 0, protest.DataBase, 6),
		protest.SyscallStep(x64.Write, 5, 1, protest.DataBase, 6),
		protest.SyscallStep(x64.ExitGroup, 1, 0))

	assertReplayed(t, s)

	if got, want := out.String(), "[rd 100 4] hello\n"; got != want {
		t.Fatalf("echoed %q, want %q", got, want)
	}
	if k.Output.Len() != 0 {
		t.Fatalf("write was performed: %q", k.Output.String())
	}
	for _, name := range k.Performed {
		if name != "exit_group" {
			t.Fatalf("%s was performed", name)
		}
	}
	if k.Alive(leaderTid) {
		t.Fatal("tracee still alive")
	}
}

func TestReplayWriteNotRedirected(t *testing.T) {
	conf := config.Default()
	conf.RedirectStdio = false
	s, k, out := newSession(t, conf, protest.LoadFixture(t, "write"))
	k.SetProgram(leaderTid,
		protest.SyscallStep(x64.Read, 10, 0, protest.DataBase, 6),
		protest.SyscallStep(x64.Write, 5, 1, protest.DataBase, 6),
		protest.SyscallStep(x64.ExitGroup, 1, 0))
	stepN(t, s, 4)
	if out.Len() != 0 {
		t.Fatalf("echoed %q", out.String())
	}
	if got := string(k.Peek(leaderTid, protest.DataBase, 6)); got != "hello\n" {
		t.Fatalf("read data not applied: %q", got)
	}
}

func TestCloneThread(t *testing.T) {
	s, k, _ := newSession(t, nil, protest.LoadFixture(t, "clonethread"))
	k.SetProgram(leaderTid, protest.SyscallStep(x64.Clone, 20, 0xa50f00))
	k.SetProgram(childTid,
		protest.SyscallStep(x64.Gettid, 3),
		protest.SyscallStep(x64.ExitGroup, 1, 3))
	var created []int
	s.OnNewTask(func(t *proc.Task) { created = append(created, t.RecTid()) })

	stepN(t, s, 2)

	const recorded = 0xa50f00
	if len(k.CloneFlags) != 1 || k.CloneFlags[0] != recorded&^arch.DisallowedCloneFlags {
		t.Fatalf("issued clone flags %#x", k.CloneFlags)
	}
	parent := s.FindTask(leaderTid)
	r := parent.Regs()
	if r.Arg1() != recorded || r.SyscallResult() != childRecTid {
		t.Fatalf("parent registers after clone: %v", r)
	}
	child := s.FindTaskFromRecTid(childRecTid)
	if child == nil || child.Tid() != childTid {
		t.Fatalf("child %v", child)
	}
	if child.ThreadGroup() != parent.ThreadGroup() || child.VM() != parent.VM() {
		t.Fatal("thread does not share the thread group and address space of its parent")
	}
	if !k.SharesMemory(leaderTid, childTid) {
		t.Fatal("kernel did not share memory")
	}
	if got := k.Peek(leaderTid, protest.DataBase+0x10, 4); !bytes.Equal(got, []byte{42, 0, 0, 0}) {
		t.Fatalf("recorded child tid not written: % x", got)
	}
	if len(created) != 1 || created[0] != childRecTid {
		t.Fatalf("new task callbacks: %v", created)
	}

	assertReplayed(t, s)
	if k.Alive(leaderTid) || k.Alive(childTid) {
		t.Fatal("tracees still alive")
	}
}

func TestCloneRetriesTransientFailures(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 7, x64.Fork, childRecTid)
	rec.r.AddTaskEvent(1, trace.TaskEvent{Type: trace.TaskEventClone, Tid: childRecTid, ParentTid: leaderRecTid})
	rec.r.AddRawData(1, trace.RawData{Addr: protest.DataBase, RecTid: childRecTid, Data: []byte("child")})
	rec.r.AddRawData(2, trace.RawData{Addr: protest.DataBase + 0x100, RecTid: leaderRecTid, Data: []byte("parent")})

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	k.CloneFailures = 2
	stepN(t, s, 1)

	if len(k.CloneFlags) != 3 {
		t.Fatalf("fork issued %d times", len(k.CloneFlags))
	}
	if rec.r.Time() != 1 {
		t.Fatalf("retries moved the trace to time %d", rec.r.Time())
	}
	if got := k.Peek(leaderTid, protest.DataBase+0x100, 6); !bytes.Equal(got, make([]byte, 6)) {
		t.Fatalf("memory of the next frame applied during retries: %q", got)
	}
	stepN(t, s, 1)
	if got := string(k.Peek(leaderTid, protest.DataBase+0x100, 6)); got != "parent" {
		t.Fatalf("parent memory at syscall exit %q", got)
	}
	child := s.FindTaskFromRecTid(childRecTid)
	if child == nil {
		t.Fatal("no child")
	}
	if child.ThreadGroup() == s.FindTask(leaderTid).ThreadGroup() || child.VM() == s.FindTask(leaderTid).VM() {
		t.Fatal("forked child shares the thread group or address space of its parent")
	}
	if child.ThreadGroup().Parent() != s.FindTask(leaderTid).ThreadGroup() {
		t.Fatal("forked thread group has the wrong parent")
	}
	if got := string(k.Peek(childTid, protest.DataBase, 5)); got != "child" {
		t.Fatalf("child memory %q", got)
	}
	if got := k.Peek(leaderTid, protest.DataBase, 5); !bytes.Equal(got, make([]byte, 5)) {
		t.Fatalf("parent memory changed: %q", got)
	}
}

func TestCloneParameters(t *testing.T) {
	const (
		flags = sys.CLONE_VM | sys.CLONE_FS | sys.CLONE_FILES | sys.CLONE_SIGHAND | sys.CLONE_THREAD |
			sys.CLONE_SYSVSEM | sys.CLONE_SETTLS | sys.CLONE_PARENT_SETTID | sys.CLONE_CHILD_CLEARTID
		stack = protest.StackTop - 0x2000
		ptid  = protest.DataBase + 0x20
		ctid  = protest.DataBase + 0x28
		tls   = protest.DataBase + 0x100
	)
	rec := newRecording()
	clone, _ := rec.syscall(leaderRecTid, 1, x64.Clone, childRecTid, flags, stack, ptid, ctid, tls)
	rec.r.AddTaskEvent(clone, trace.TaskEvent{Type: trace.TaskEventClone, Tid: childRecTid, ParentTid: leaderRecTid})
	rec.r.AddRawData(clone, trace.RawData{Addr: ctid, RecTid: leaderRecTid, Data: []byte{42, 0, 0, 0}})
	rec.enter(childRecTid, 1, x64.Exit, 0)
	rec.exit(childRecTid)

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	stepN(t, s, 2)

	if len(k.CloneFlags) != 1 || k.CloneFlags[0]&sys.CLONE_CHILD_CLEARTID != 0 {
		t.Fatalf("issued clone flags %#x", k.CloneFlags)
	}
	child := s.FindTaskFromRecTid(childRecTid)
	if child.TopOfStack() != stack || child.TLS() != tls || child.ClearChildTid() != ctid {
		t.Fatalf("child stack=%#x tls=%#x ctid=%#x", child.TopOfStack(), child.TLS(), child.ClearChildTid())
	}
	if got := k.Peek(leaderTid, ctid, 4); !bytes.Equal(got, []byte{42, 0, 0, 0}) {
		t.Fatalf("child tid at %#x: % x", ctid, got)
	}

	stepN(t, s, 2)
	if s.FindTaskFromRecTid(childRecTid) != nil {
		t.Fatal("thread not reaped")
	}
	if got := k.Peek(leaderTid, ctid, 4); !bytes.Equal(got, make([]byte, 4)) {
		t.Fatalf("child tid not cleared at exit: % x", got)
	}
}

func TestForkIgnoresCloneArguments(t *testing.T) {
	rec := newRecording()
	fork, _ := rec.syscall(leaderRecTid, 1, x64.Fork, childRecTid, sys.CLONE_CHILD_CLEARTID|sys.CLONE_SETTLS, 0xdead0, 0, 0xbeef0, 0x1234)
	rec.r.AddTaskEvent(fork, trace.TaskEvent{Type: trace.TaskEventClone, Tid: childRecTid, ParentTid: leaderRecTid})

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	stepN(t, s, 2)

	child := s.FindTaskFromRecTid(childRecTid)
	if child.TopOfStack() != 0 || child.TLS() != 0 || child.ClearChildTid() != 0 {
		t.Fatalf("fork child stack=%#x tls=%#x ctid=%#x", child.TopOfStack(), child.TLS(), child.ClearChildTid())
	}
	if child.VM() == s.FindTask(leaderTid).VM() {
		t.Fatal("fork child shares the address space of its parent")
	}
}

func TestVforkIsReplayedAsClone(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 7, x64.Vfork, childRecTid)
	rec.r.AddTaskEvent(1, trace.TaskEvent{Type: trace.TaskEventClone, Tid: childRecTid, ParentTid: leaderRecTid})

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	stepN(t, s, 2)

	if len(k.CloneFlags) != 1 || k.CloneFlags[0] != sys.CLONE_VM|uint64(sys.SIGCHLD) {
		t.Fatalf("issued clone flags %#x", k.CloneFlags)
	}
	for _, name := range k.Performed {
		if name == "vfork" {
			t.Fatal("vfork was performed")
		}
	}
	parent := s.FindTask(leaderTid)
	if r := parent.Regs(); r.OriginalSyscallNo() != int64(x64.Vfork) {
		t.Fatalf("parent left in %s", arch.SyscallName(int(r.OriginalSyscallNo()), arch.X64))
	}
	child := s.FindTaskFromRecTid(childRecTid)
	if child.VM() != parent.VM() || child.ThreadGroup() == parent.ThreadGroup() {
		t.Fatal("vfork child must share the address space only")
	}
	if !k.SharesMemory(leaderTid, childTid) {
		t.Fatal("kernel did not share memory")
	}
}

func TestForkRecreatesSharedMappings(t *testing.T) {
	const shm = 0x30000000
	rec := newRecording()
	_, mmapExit := rec.syscall(leaderRecTid, 1, x64.Mmap, shm, shm, 0x1000, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_SHARED|sys.MAP_ANONYMOUS, ^uint64(0), 0)
	rec.r.AddMappedRegion(mmapExit, trace.KernelMapping{Start: shm, End: shm + 0x1000, Prot: sys.PROT_READ | sys.PROT_WRITE, Flags: sys.MAP_SHARED | sys.MAP_ANONYMOUS}, trace.MappedData{})
	rec.r.AddRawData(mmapExit, trace.RawData{Addr: shm, RecTid: leaderRecTid, Data: []byte("shared")})
	fork, _ := rec.syscall(leaderRecTid, 1, x64.Fork, childRecTid)
	rec.r.AddTaskEvent(fork, trace.TaskEvent{Type: trace.TaskEventClone, Tid: childRecTid, ParentTid: leaderRecTid})

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	stepN(t, s, 4)

	child := s.FindTaskFromRecTid(childRecTid)
	m, ok := child.VM().Mapping(shm)
	if !ok {
		t.Fatal("shared mapping missing from the child")
	}
	if m.Recorded.Flags&sys.MAP_SHARED == 0 {
		t.Fatalf("recorded flags lost: %v", m.Recorded)
	}
	if got := string(k.Peek(childTid, shm, 6)); got != "shared" {
		t.Fatalf("contents of the recreated mapping: %q", got)
	}
	n := 0
	for _, name := range k.Performed {
		if name == "mmap" {
			n++
		}
	}
	if n != 2 {
		t.Fatalf("%d remote mmaps, want one for the trace and one for the child", n)
	}
	if r := child.Regs(); r.IP() != protest.SyscallSite+arch.SyscallInsnLength {
		t.Fatalf("child registers not restored after remote syscalls: %v", r)
	}
}

func TestCloneScratchMemory(t *testing.T) {
	const scratch = 0x50000000
	rec := newRecording()
	clone, _ := rec.syscall(leaderRecTid, 1, x64.Clone, childRecTid, sys.CLONE_VM|sys.CLONE_THREAD|sys.CLONE_SIGHAND)
	rec.r.AddTaskEvent(clone, trace.TaskEvent{Type: trace.TaskEventClone, Tid: childRecTid, ParentTid: leaderRecTid})
	rec.r.AddMappedRegion(clone, trace.KernelMapping{Start: scratch, End: scratch + 0x2000, Prot: sys.PROT_READ | sys.PROT_WRITE, Flags: sys.MAP_PRIVATE | sys.MAP_ANONYMOUS}, trace.MappedData{Source: trace.SourceZero})

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	stepN(t, s, 1)

	child := s.FindTaskFromRecTid(childRecTid)
	if ptr, size := child.Scratch(); ptr != scratch || size != 0x2000 {
		t.Fatalf("scratch %#x+%#x", ptr, size)
	}
	if !k.Mapped(childTid, scratch, 0x2000) {
		t.Fatal("scratch not mapped")
	}
	if m, ok := child.VM().Mapping(scratch); !ok || m.Flags&proc.IsScratch == 0 {
		t.Fatalf("scratch mapping %v", m)
	}
}

func TestMissingCloneEvent(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 7, x64.Fork, childRecTid)
	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)

	err := s.ReplayStep(context.Background())
	var corrupt *replay.ErrTraceCorrupt
	if !errors.As(err, &corrupt) || corrupt.Time != 1 {
		t.Fatalf("expected trace corruption at time 1, got %v", err)
	}
}

func TestSyscallMismatch(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 1, x64.Getpid, leaderRecTid)
	s, k, _ := newSession(t, nil, rec.r)
	k.SetProgram(leaderTid, protest.SyscallStep(x64.Write, 1, 2, protest.DataBase, 5))
	k.Poke(leaderTid, protest.DataBase, []byte("oops!"))

	err := s.ReplayStep(context.Background())
	var mismatch *replay.ErrSyscallMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected a syscall mismatch, got %v", err)
	}
	if mismatch.Observed != x64.Write || len(mismatch.Expected) != 1 || mismatch.Expected[0] != x64.Getpid {
		t.Fatalf("mismatch %v", mismatch)
	}
	if mismatch.Written != "oops!" {
		t.Fatalf("written string %q", mismatch.Written)
	}
	if !strings.Contains(err.Error(), "getpid") || !strings.Contains(err.Error(), "write") {
		t.Fatalf("error does not name the syscalls: %v", err)
	}
}

func TestRegisterMismatch(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 1, x64.Close, 0, 3)
	s, k, _ := newSession(t, nil, rec.r)
	k.SetProgram(leaderTid, protest.SyscallStep(x64.Close, 1, 4))

	err := s.ReplayStep(context.Background())
	var mismatch *replay.ErrRegisterMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected a register mismatch, got %v", err)
	}
	if len(mismatch.Mismatches) != 1 || mismatch.Mismatches[0].Name != "rdi" {
		t.Fatalf("mismatches %v", mismatch.Mismatches)
	}
}

func TestTicksMismatch(t *testing.T) {
	for _, fatal := range []bool{false, true} {
		rec := newRecording()
		rec.syscall(leaderRecTid, 10, x64.Getpid, leaderRecTid)
		conf := config.Default()
		conf.FatalErrorsAndWarnings = fatal
		s, k, _ := newSession(t, conf, rec.r)
		k.SetProgram(leaderTid, protest.SyscallStep(x64.Getpid, 12))

		err := s.ReplayStep(context.Background())
		var mismatch *replay.ErrTicksMismatch
		if !fatal {
			if err != nil {
				t.Fatalf("tick mismatch is not fatal: %v", err)
			}
			if got := s.FindTask(leaderTid).TickCount(); got != 10 {
				t.Fatalf("tick count not resynchronized: %d", got)
			}
			continue
		}
		if !errors.As(err, &mismatch) || mismatch.Expected != 10 || mismatch.Actual != 12 {
			t.Fatalf("expected a tick mismatch, got %v", err)
		}
	}
}

func TestRestartSyscall(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 4, x64.Getpid, leaderRecTid)
	restart := registers.FromX64(protest.SyscallStep(x64.RestartSyscall, 0).Regs)
	restart.X64().Rbx = 7
	rec.frame(leaderRecTid, syscallEvent(x64.RestartSyscall, trace.EnteringSyscall), restart)
	rec.r.AddRawData(3, trace.RawData{Addr: protest.DataBase, RecTid: leaderRecTid, Data: []byte{1, 2, 3}})

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	stepN(t, s, 3)

	task := s.FindTask(leaderTid)
	r := task.Regs()
	if r.X64().Rbx != 7 {
		t.Fatalf("recorded registers not restored: %v", r)
	}
	if got := k.Peek(leaderTid, protest.DataBase, 3); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("recorded memory not restored: % x", got)
	}
	if len(k.Performed) != 0 {
		t.Fatalf("performed %v", k.Performed)
	}
}

func TestRestartSyscallTicksMismatch(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 4, x64.Getpid, leaderRecTid)
	rec.ticks[leaderRecTid] = 5
	rec.frame(leaderRecTid, syscallEvent(x64.RestartSyscall, trace.EnteringSyscall), registers.FromX64(protest.SyscallStep(x64.RestartSyscall, 0).Regs))

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	stepN(t, s, 2)
	err := s.ReplayStep(context.Background())
	var mismatch *replay.ErrTicksMismatch
	if !errors.As(err, &mismatch) || mismatch.Expected != 5 || mismatch.Actual != 4 {
		t.Fatalf("expected a tick mismatch, got %v", err)
	}
}

func TestNotifySyscallHookExit(t *testing.T) {
	const buf = 0x20000000
	rec := newRecording()
	_, initExit := rec.syscall(leaderRecTid, 1, arch.RdcallInitBuffers, buf, 0)
	rec.r.AddMappedRegion(initExit, trace.KernelMapping{Start: buf, End: buf + 0x1000, Prot: sys.PROT_READ | sys.PROT_WRITE, Flags: sys.MAP_SHARED | sys.MAP_ANONYMOUS}, trace.MappedData{Source: trace.SourceZero})
	rec.syscall(leaderRecTid, 1, arch.RdcallNotifySyscallHookExit, 0)

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	stepN(t, s, 3)

	task := s.FindTask(leaderTid)
	if task.SyscallbufChild() != buf {
		t.Fatalf("syscall buffer at %#x", task.SyscallbufChild())
	}
	if m, ok := task.VM().Mapping(buf); !ok || m.Flags&proc.IsSyscallbuf == 0 {
		t.Fatalf("syscall buffer mapping %v", m)
	}
	if got := k.Peek(leaderTid, buf+13, 1); !bytes.Equal(got, []byte{1}) {
		t.Fatalf("notify_on_syscall_hook_exit = % x", got)
	}
}

func TestNotifySyscallHookExitWithoutBuffer(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 1, arch.RdcallNotifySyscallHookExit, 0)
	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)

	var corrupt *replay.ErrTraceCorrupt
	if err := s.ReplayStep(context.Background()); !errors.As(err, &corrupt) {
		t.Fatalf("expected trace corruption, got %v", err)
	}
}

func TestMmapMunmap(t *testing.T) {
	const addr = 0x30000000
	rec := newRecording()
	_, mmapExit := rec.syscall(leaderRecTid, 1, x64.Mmap, addr, 0, 0x2000, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, ^uint64(0), 0)
	rec.r.AddMappedRegion(mmapExit, trace.KernelMapping{Start: addr, End: addr + 0x2000, Prot: sys.PROT_READ | sys.PROT_WRITE, Flags: sys.MAP_PRIVATE | sys.MAP_ANONYMOUS}, trace.MappedData{Source: trace.SourceTrace})
	rec.r.AddRawData(mmapExit, trace.RawData{Addr: addr + 0x100, RecTid: leaderRecTid, Data: []byte("abc")})
	rec.syscall(leaderRecTid, 1, x64.Munmap, 0, addr, 0x1000)

	conf := config.Default()
	conf.CheckCachedMaps = true
	s, k, _ := newSession(t, conf, rec.r)
	rec.install(k, defaultTids)
	task := s.FindTask(leaderTid)

	stepN(t, s, 2)
	if !k.Mapped(leaderTid, addr, 0x2000) {
		t.Fatal("recorded mapping not created")
	}
	if got := string(k.Peek(leaderTid, addr+0x100, 3)); got != "abc" {
		t.Fatalf("mapping contents %q", got)
	}
	if r := task.Regs(); r.SyscallResult() != addr || r.IP() != protest.SyscallSite+arch.SyscallInsnLength {
		t.Fatalf("registers after mmap: %v", r)
	}

	stepN(t, s, 2)
	if k.Mapped(leaderTid, addr, 0x1000) || !k.Mapped(leaderTid, addr+0x1000, 0x1000) {
		t.Fatal("munmap not reproduced")
	}
	if _, ok := task.VM().Mapping(addr); ok {
		t.Fatal("unmapped range still known")
	}
	if _, ok := task.VM().Mapping(addr + 0x1000); !ok {
		t.Fatal("tail of the mapping forgotten")
	}
}

func TestMmapWithoutMappedRegion(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 1, x64.Mmap, 0x30000000, 0, 0x1000, sys.PROT_READ, sys.MAP_PRIVATE|sys.MAP_ANONYMOUS, ^uint64(0), 0)
	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)

	stepN(t, s, 1)
	var corrupt *replay.ErrTraceCorrupt
	if err := s.ReplayStep(context.Background()); !errors.As(err, &corrupt) {
		t.Fatalf("expected trace corruption, got %v", err)
	}
}

func TestExecve(t *testing.T) {
	rec := newRecording()
	execve := rec.enter(leaderRecTid, 2, x64.Execve, protest.DataBase, 0, 0)
	rec.r.AddTaskEvent(execve, trace.TaskEvent{Type: trace.TaskEventExec, Tid: leaderRecTid, ExecFile: "/bin/other"})
	rec.frame(leaderRecTid, syscallEvent(x64.Execve, trace.ExitingSyscall), registers.FromX64(protest.ExecExitRegs()))
	rec.syscall(leaderRecTid, 1, x64.Getpid, leaderRecTid)

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	k.Poke(leaderTid, protest.DataBase, []byte("/bin/other\x00"))
	oldVM := s.FindTask(leaderTid).VM()

	stepN(t, s, 4)

	task := s.FindTask(leaderTid)
	if len(k.Execs) != 1 || k.Execs[0] != "/bin/other" {
		t.Fatalf("execs %v", k.Execs)
	}
	if task.VM() == oldVM || task.VM().Exe() != "/bin/other" {
		t.Fatalf("address space after exec: %q", task.VM().Exe())
	}
	if !task.ThreadGroup().Execed {
		t.Fatal("thread group not marked execed")
	}
	if r := task.Regs(); r.SyscallResult() != leaderRecTid {
		t.Fatalf("getpid after exec returned %d", r.SyscallResult())
	}
}

func TestPrctlDumpable(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 1, x64.Prctl, -int64(sys.EINVAL), sys.PR_SET_DUMPABLE, 2)
	rec.syscall(leaderRecTid, 1, x64.Prctl, 0, sys.PR_SET_DUMPABLE, 0)

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	tg := s.FindTask(leaderTid).ThreadGroup()
	if !tg.Dumpable {
		t.Fatal("new thread group not dumpable")
	}

	stepN(t, s, 2)
	if !tg.Dumpable {
		t.Fatal("failed prctl changed the dumpable flag")
	}
	stepN(t, s, 2)
	if tg.Dumpable {
		t.Fatal("thread group still dumpable after PR_SET_DUMPABLE 0")
	}
	if len(k.Performed) != 0 {
		t.Fatalf("prctl was performed: %v", k.Performed)
	}
}

func TestExitWithLateReports(t *testing.T) {
	rec := newRecording()
	clone, _ := rec.syscall(leaderRecTid, 1, x64.Clone, childRecTid, sys.CLONE_VM|sys.CLONE_THREAD|sys.CLONE_SIGHAND)
	rec.r.AddTaskEvent(clone, trace.TaskEvent{Type: trace.TaskEventClone, Tid: childRecTid, ParentTid: leaderRecTid})
	rec.enter(childRecTid, 1, x64.Exit, 0)
	rec.exit(childRecTid)
	rec.enter(leaderRecTid, 1, x64.ExitGroup, 0)
	rec.exit(leaderRecTid)

	s, k, _ := newSession(t, nil, rec.r)
	rec.install(k, defaultTids)
	stepN(t, s, 4)
	if s.FindTaskFromRecTid(childRecTid) != nil || k.Alive(childTid) {
		t.Fatal("thread not reaped")
	}
	if len(s.ThreadGroups()) != 1 {
		t.Fatal("thread group destroyed with a live member")
	}

	// A second report for the reaped thread, as the kernel may deliver
	// when a thread group dies.
	k.Inject(childTid, proc.ExitedStatus(0))
	stepN(t, s, 2)
	if len(s.Tasks()) != 0 || len(s.ThreadGroups()) != 0 {
		t.Fatalf("left %v", s.Tasks())
	}
	if err := s.ReplayStep(context.Background()); !errors.Is(err, trace.ErrNoMoreFrames) {
		t.Fatalf("expected the end of the trace, got %v", err)
	}
}

func TestExitWithoutPtraceExitEvents(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 1, x64.Getpid, leaderRecTid)
	rec.enter(leaderRecTid, 1, x64.Exit, 0)
	rec.exit(leaderRecTid)
	conf := config.Default()
	conf.DisablePtraceExitEvents = true
	s, k, _ := newSession(t, conf, rec.r)
	rec.install(k, defaultTids)
	assertReplayed(t, s)
	if k.Pending() != 0 {
		t.Fatalf("%d status reports left", k.Pending())
	}
}

var exitEventModes = []struct {
	name         string
	noExitEvents bool
}{
	{"exit events", false},
	{"no exit events", true},
}

func TestExitStatus(t *testing.T) {
	for _, mode := range exitEventModes {
		t.Run(mode.name, func(t *testing.T) {
			rec := newRecording()
			clone, _ := rec.syscall(leaderRecTid, 1, x64.Clone, childRecTid, sys.CLONE_VM|sys.CLONE_THREAD|sys.CLONE_SIGHAND)
			rec.r.AddTaskEvent(clone, trace.TaskEvent{Type: trace.TaskEventClone, Tid: childRecTid, ParentTid: leaderRecTid})
			rec.enter(childRecTid, 1, x64.Exit, 3)
			rec.exit(childRecTid)
			rec.enter(leaderRecTid, 1, x64.ExitGroup, 7)
			rec.exit(leaderRecTid)

			conf := config.Default()
			conf.DisablePtraceExitEvents = mode.noExitEvents
			s, k, _ := newSession(t, conf, rec.r)
			rec.install(k, defaultTids)
			tg := s.FindTask(leaderTid).ThreadGroup()

			stepN(t, s, 4)
			if tg.ExitStatus.ExitStatus() == 3 {
				t.Fatal("exit of a thread became the exit status of its group")
			}
			assertReplayed(t, s)
			if !tg.ExitStatus.Exited() || tg.ExitStatus.ExitStatus() != 7 {
				t.Fatalf("thread group exit status %v", tg.ExitStatus)
			}
		})
	}
}

func TestCoreDumpSignalDestabilizes(t *testing.T) {
	for _, mode := range exitEventModes {
		t.Run(mode.name, func(t *testing.T) {
			rec := newRecording()
			clone, _ := rec.syscall(leaderRecTid, 1, x64.Clone, childRecTid, sys.CLONE_VM|sys.CLONE_THREAD|sys.CLONE_SIGHAND)
			rec.r.AddTaskEvent(clone, trace.TaskEvent{Type: trace.TaskEventClone, Tid: childRecTid, ParentTid: leaderRecTid})
			rec.exit(childRecTid)
			rec.exit(leaderRecTid)

			conf := config.Default()
			conf.DisablePtraceExitEvents = mode.noExitEvents
			s, k, _ := newSession(t, conf, rec.r)
			rec.install(k, defaultTids)
			k.SetProgram(childTid, protest.FaultStep(sys.SIGSEGV, 1))

			stepN(t, s, 2)
			leader := s.FindTask(leaderTid)
			tg := leader.ThreadGroup()
			if tg.Destabilized() {
				t.Fatal("destabilized before the signal")
			}

			// The thread faults, the kernel kills the whole group.
			stepN(t, s, 1)
			if !tg.Destabilized() || !leader.Unstable() {
				t.Fatal("core dumping signal did not destabilize the thread group")
			}
			if s.FindTaskFromRecTid(childRecTid) != nil {
				t.Fatal("faulting thread not reaped")
			}

			assertReplayed(t, s)
			if tg.ExitStatus.FatalSig() != int(sys.SIGSEGV) {
				t.Fatalf("thread group exit status %v", tg.ExitStatus)
			}
			if k.Alive(leaderTid) || k.Alive(childTid) {
				t.Fatal("tracees still alive")
			}
		})
	}
}

func TestUnknownRecordedTid(t *testing.T) {
	rec := newRecording()
	rec.syscall(7, 1, x64.Getpid, 7)
	s, _, _ := newSession(t, nil, rec.r)
	var corrupt *replay.ErrTraceCorrupt
	if err := s.ReplayStep(context.Background()); !errors.As(err, &corrupt) {
		t.Fatalf("expected trace corruption, got %v", err)
	}
}

func TestDumpRegisters(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 1, x64.Getpid, leaderRecTid)
	rec.syscall(leaderRecTid, 1, x64.Gettid, leaderRecTid)
	conf := config.Default()
	conf.DumpAt = 1
	conf.DumpOn = []string{"gettid"}
	s, k, out := newSession(t, conf, rec.r)
	rec.install(k, defaultTids)

	stepN(t, s, 4)
	dump := out.String()
	if !strings.Contains(dump, "at time 1 getpid(entering)") {
		t.Fatalf("no dump at time 1:\n%s", dump)
	}
	if !strings.Contains(dump, "at time 4 gettid(exiting)") {
		t.Fatalf("no dump for gettid:\n%s", dump)
	}
	if strings.Contains(dump, "at time 2") || strings.Contains(dump, "at time 3") {
		t.Fatalf("unexpected dumps:\n%s", dump)
	}
}

func TestReplayCancelled(t *testing.T) {
	rec := newRecording()
	rec.syscall(leaderRecTid, 1, x64.Getpid, leaderRecTid)
	s, _, _ := newSession(t, nil, rec.r)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Replay(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Replay with a cancelled context: %v", err)
	}
	if rec.r.Time() != 0 {
		t.Fatal("a frame was consumed")
	}
}
