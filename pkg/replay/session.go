// Package replay drives the tracees of a recording through the frames of
// its trace, reproducing every syscall the recorded tasks made.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/config"
	"github.com/go-delve/rd/pkg/logflags"
	"github.com/go-delve/rd/pkg/proc"
	"github.com/go-delve/rd/pkg/trace"
)

// Session replays one recording. It owns every task of the replay and is
// not safe for concurrent use.
type Session struct {
	// Stdout receives the echoed output of the tracees' writes to stdout
	// and stderr.
	Stdout io.Writer
	// DumpOut receives register dumps requested by the configuration.
	DumpOut io.Writer

	conf   *config.Config
	tracer proc.Tracer
	trace  trace.Reader

	tasks    map[int]*proc.Task
	recTasks map[int]*proc.Task
	groups   map[proc.ThreadGroupUID]*proc.ThreadGroup

	// exitedRecTids are the recorded tids of tasks that already died.
	exitedRecTids map[int]bool
	// reaped maps the tids of destroyed tasks to their recorded tid, to
	// recognize status reports that arrive after the task was reaped.
	reaped *lru.Cache

	serial           uint32
	newTaskCallbacks []func(*proc.Task)

	log logflags.Logger
}

var _ proc.Session = (*Session)(nil)

// NewSession returns a session replaying the recording read by r. The
// initial tracee is started by Launch.
func NewSession(conf *config.Config, tracer proc.Tracer, r trace.Reader) (*Session, error) {
	size := conf.ReapedTaskCacheSize
	if size <= 0 {
		size = config.DefaultReapedTaskCacheSize
	}
	reaped, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Session{
		Stdout:        os.Stdout,
		DumpOut:       os.Stderr,
		conf:          conf,
		tracer:        tracer,
		trace:         r,
		tasks:         make(map[int]*proc.Task),
		recTasks:      make(map[int]*proc.Task),
		groups:        make(map[proc.ThreadGroupUID]*proc.ThreadGroup),
		exitedRecTids: make(map[int]bool),
		reaped:        reaped,
		log:           logflags.ReplayLogger(),
	}, nil
}

func (s *Session) Tracer() proc.Tracer    { return s.tracer }
func (s *Session) Config() *config.Config { return s.conf }
func (s *Session) Trace() trace.Reader    { return s.trace }
func (s *Session) NextTaskSerial() uint32 { s.serial++; return s.serial }

// OnDestroyTask implements proc.Session.
func (s *Session) OnDestroyTask(t *proc.Task) {
	if s.tasks[t.Tid()] == t {
		delete(s.tasks, t.Tid())
	}
	if s.recTasks[t.RecTid()] == t {
		delete(s.recTasks, t.RecTid())
	}
	s.exitedRecTids[t.RecTid()] = true
	s.reaped.Add(t.Tid(), t.RecTid())
}

// OnDestroyThreadGroup implements proc.Session.
func (s *Session) OnDestroyThreadGroup(tg *proc.ThreadGroup) {
	delete(s.groups, tg.UID())
}

// OnNewTask registers fn to be called for every task the session creates,
// the initial one included.
func (s *Session) OnNewTask(fn func(*proc.Task)) {
	s.newTaskCallbacks = append(s.newTaskCallbacks, fn)
}

// FindTask returns the live task with tid.
func (s *Session) FindTask(tid int) *proc.Task {
	return s.tasks[tid]
}

// FindTaskFromRecTid returns the live task recorded as recTid.
func (s *Session) FindTaskFromRecTid(recTid int) *proc.Task {
	return s.recTasks[recTid]
}

// Tasks returns the live tasks sorted by tid.
func (s *Session) Tasks() []*proc.Task {
	r := make([]*proc.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Tid() < r[j].Tid() })
	return r
}

// ThreadGroups returns the live thread groups in creation order.
func (s *Session) ThreadGroups() []*proc.ThreadGroup {
	r := make([]*proc.ThreadGroup, 0, len(s.groups))
	for _, tg := range s.groups {
		r = append(r, tg)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Serial() < r[j].Serial() })
	return r
}

func (s *Session) addTask(t *proc.Task) {
	s.tasks[t.Tid()] = t
	s.recTasks[t.RecTid()] = t
	tg := t.ThreadGroup()
	s.groups[tg.UID()] = tg
	for _, fn := range s.newTaskCallbacks {
		fn(t)
	}
}

// retid moves t to its new tid after an exec by a non leader thread.
func (s *Session) retid(t *proc.Task, tid int) {
	if s.tasks[t.Tid()] == t {
		delete(s.tasks, t.Tid())
	}
	t.SetRealTidAndUpdateSerial(tid)
	s.tasks[tid] = t
}

// ptraceOptions are the options every tracee is traced with.
func (s *Session) ptraceOptions() int {
	opts := sys.PTRACE_O_TRACESYSGOOD | sys.PTRACE_O_TRACECLONE | sys.PTRACE_O_TRACEFORK |
		sys.PTRACE_O_TRACEVFORK | sys.PTRACE_O_TRACEEXEC | sys.PTRACE_O_EXITKILL
	if !s.conf.DisablePtraceExitEvents {
		opts |= sys.PTRACE_O_TRACEEXIT
	}
	return opts
}

// Launch starts the initial tracee described by the trace header and
// returns its task, stopped before its first instruction.
func (s *Session) Launch() (*proc.Task, error) {
	spawner, ok := s.tracer.(proc.Spawner)
	if !ok {
		return nil, errors.New("tracer can not start processes")
	}
	h := s.trace.Header()
	recTid := h.RecTid
	if recTid == 0 {
		f, err := s.trace.PeekFrame()
		if err != nil {
			return nil, fmt.Errorf("empty trace: %w", err)
		}
		recTid = f.Tid
	}
	argv := h.Argv
	if len(argv) == 0 {
		argv = []string{h.Exe}
	}
	tid, err := spawner.Spawn(h.Exe, argv, h.Env, h.Cwd, s.conf.CPUBinding(h.BindToCPU))
	if err != nil {
		return nil, fmt.Errorf("could not launch %s: %w", h.Exe, err)
	}
	s.log.Debugf("launched %s as %d (rec %d)", h.Exe, tid, recTid)

	tg := proc.NewThreadGroup(s, nil, recTid, tid, tid)
	vm := proc.NewAddressSpace(h.Exe, s.NextTaskSerial())
	t, err := proc.NewTask(s, tid, recTid, h.Arch, tg, vm)
	if err != nil {
		return nil, err
	}
	status, err := t.Wait()
	if err != nil {
		return nil, err
	}
	if status.StopSig() != int(sys.SIGTRAP) {
		return nil, fmt.Errorf("%v: unexpected first stop %v", t, status)
	}
	if err := s.tracer.SetOptions(tid, s.ptraceOptions()); err != nil {
		return nil, fmt.Errorf("could not set ptrace options of %v: %w", t, err)
	}
	s.addTask(t)
	return t, nil
}

// CloneTask creates the task for newTid, which parent just created with
// a clone-class syscall, and waits for its initial stop. The new task
// joins the thread group and address space of parent according to flags.
func (s *Session) CloneTask(parent *proc.Task, flags proc.CloneFlags, params proc.CloneParameters, newTid, newRecTid int) (*proc.Task, error) {
	tg := parent.ThreadGroup()
	if flags&proc.CloneShareThreadGroup == 0 {
		tg = proc.NewThreadGroup(s, parent.ThreadGroup(), newRecTid, newTid, newTid)
	}
	vm := parent.VM()
	if flags&proc.CloneShareVM == 0 {
		vm = vm.Clone(s.NextTaskSerial())
	}
	t, err := proc.NewTask(s, newTid, newRecTid, parent.Arch(), tg, vm)
	if err != nil {
		return nil, err
	}
	status, err := t.Wait()
	if err != nil {
		return nil, err
	}
	if status.StopSig() != int(sys.SIGSTOP) {
		return nil, fmt.Errorf("%v: unexpected first stop %v", t, status)
	}
	t.InitFromClone(flags, params)
	s.log.Debugf("%v cloned %v flags=%#x stack=%#x ptid=%#x tls=%#x ctid=%#x", parent, t, flags, params.Stack, params.Ptid, params.TLS, params.Ctid)
	s.addTask(t)
	return t, nil
}

// Replay runs the whole recording.
func (s *Session) Replay(ctx context.Context) error {
	for {
		err := s.ReplayStep(ctx)
		if errors.Is(err, trace.ErrNoMoreFrames) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ReplayStep replays the next frame of the trace. It returns
// trace.ErrNoMoreFrames at the end of the recording.
func (s *Session) ReplayStep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := s.trace.ReadFrame()
	if err != nil {
		return err
	}
	if s.log.DebugEnabled() {
		s.log.Debugf("replaying %v", frame)
	}

	t := s.recTasks[frame.Tid]
	if t == nil {
		if frame.Event.Type == trace.EventExit && s.exitedRecTids[frame.Tid] {
			// Reaped together with its thread group.
			return nil
		}
		return &ErrTraceCorrupt{Time: frame.Time, Reason: fmt.Sprintf("no task for recorded tid %d", frame.Tid)}
	}

	switch frame.Event.Type {
	case trace.EventSyscall:
		var step Step
		if frame.Event.Syscall.State == trace.EnteringSyscall {
			step, err = s.PrepareRunToSyscall(t, frame)
			if err != nil {
				return err
			}
			if step.Action == StepEnterSyscall {
				if err := s.enterSyscall(t, frame); err != nil {
					return err
				}
			}
		} else {
			step = Step{Action: StepExitSyscall, Syscall: frame.Event.Syscall.Number, Arch: frame.Event.Syscall.Arch}
		}
		if step.Action != StepRetire {
			if err := s.ProcessSyscall(t, frame, step); err != nil {
				return err
			}
		}
	case trace.EventExit:
		if err := s.handleExit(t, frame); err != nil {
			return err
		}
	case trace.EventSched:
	}

	if s.conf.DumpAt != 0 && int64(frame.Time) == s.conf.DumpAt {
		s.dumpRegs(t, frame)
	}
	return nil
}

func (s *Session) dumpRegs(t *proc.Task, frame *trace.Frame) {
	if !t.IsStopped() || t.Exited() {
		fmt.Fprintf(s.DumpOut, "[%v at time %d: not stopped]\n", t, frame.Time)
		return
	}
	r := t.Regs()
	fmt.Fprintf(s.DumpOut, "[%v at time %d %v]\n%v\n", t, frame.Time, frame.Event, r)
}

// handleExit reaps t. Unstable tasks die in an order chosen by the kernel
// so reports for any task are accepted until t is gone. A stable task that
// is still stopped was not on its way out through a syscall: it dies of a
// signal once resumed.
func (s *Session) handleExit(t *proc.Task, frame *trace.Frame) error {
	if t.IsStopped() && !t.Unstable() && !t.Exited() && !t.SeenPtraceExitEvent() {
		s.log.Debugf("%v: running into its death at time %d", t, frame.Time)
		if err := t.ResumeExecution(proc.ResumeCont, proc.ResumeNonblocking, proc.ResumeNoTicks, 0); err != nil {
			return err
		}
	}
	for s.tasks[t.Tid()] == t {
		waitTid := t.Tid()
		if t.Unstable() {
			waitTid = -1
		}
		tid, status, err := s.tracer.Wait(waitTid)
		if err != nil {
			return fmt.Errorf("waiting for %v to exit: %w", t, err)
		}
		dying := s.tasks[tid]
		if dying == nil {
			if recTid, ok := s.reaped.Get(tid); ok {
				s.log.Debugf("ignoring %v of reaped task %d (rec %d)", status, tid, recTid)
				continue
			}
			return fmt.Errorf("status %v for unknown task %d", status, tid)
		}
		if err := dying.DidWaitpid(status); err != nil {
			return err
		}
		switch {
		case status.PtraceEvent() == sys.PTRACE_EVENT_EXIT, status.IsExit():
			s.log.Debugf("%v exited at time %d", dying, frame.Time)
			if err := dying.Destroy(); err != nil {
				return err
			}
		case dying.Unstable() && status.StopSig() != 0:
			// A signal raced with the death of the group, let it die.
			if err := dying.ResumeExecution(proc.ResumeCont, proc.ResumeNonblocking, proc.ResumeNoTicks, 0); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%v: unexpected status %v while waiting for %v to exit", dying, status, t)
		}
	}
	return s.clearChildTid(t)
}

// clearChildTid does for t what the kernel does at the exit of a thread
// created with CLONE_CHILD_CLEARTID, which is removed from the live clone
// flags. The write goes through a stopped task sharing the address space.
func (s *Session) clearChildTid(t *proc.Task) error {
	addr := t.ClearChildTid()
	if addr == 0 {
		return nil
	}
	for _, other := range t.VM().Tasks() {
		if other.IsStopped() && !other.Unstable() && !other.Exited() {
			s.log.Debugf("%v: clearing child tid at %#x", t, addr)
			return proc.WriteVal[uint32](other, addr, 0)
		}
	}
	return nil
}
