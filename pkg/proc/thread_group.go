package proc

import (
	"sort"

	"github.com/go-delve/rd/pkg/logflags"
)

// ThreadGroupUID identifies a thread group across tgid reuse.
type ThreadGroupUID struct {
	Tgid   int
	Serial uint32
}

// ThreadGroup is the set of tasks sharing a thread group id.
//
// Tasks own their thread group, the group only keeps lookups of its
// members. The group is destroyed when the last member leaves: its
// children are reparented (to nobody, like orphans reparented to init)
// and it is removed from its own parent.
type ThreadGroup struct {
	// Tgid is the recorded thread group id.
	Tgid int
	// RealTgid is the thread group id in the pid namespace of the replayer.
	RealTgid int
	// RealTgidOwnNamespace is the thread group id in the tracee's own pid
	// namespace.
	RealTgidOwnNamespace int

	// ExitStatus is the status the group died with, see Task.DidWaitpid.
	ExitStatus WaitStatus
	// Dumpable mirrors PR_SET_DUMPABLE as set by the tracees.
	Dumpable bool
	// Execed is set once any member called execve successfully.
	Execed bool

	serial       uint32
	destabilized bool
	destroyed    bool

	parent   *ThreadGroup
	children map[*ThreadGroup]struct{}
	tasks    map[*Task]struct{}

	session Session
}

// NewThreadGroup creates a thread group, parent may be nil.
func NewThreadGroup(s Session, parent *ThreadGroup, tgid, realTgid, realTgidOwnNamespace int) *ThreadGroup {
	tg := &ThreadGroup{
		Tgid:                 tgid,
		RealTgid:             realTgid,
		RealTgidOwnNamespace: realTgidOwnNamespace,
		Dumpable:             true,
		serial:               s.NextTaskSerial(),
		parent:               parent,
		children:             make(map[*ThreadGroup]struct{}),
		tasks:                make(map[*Task]struct{}),
		session:              s,
	}
	if parent != nil {
		parent.children[tg] = struct{}{}
	}
	logflags.ThreadGroupLogger().Debugf("creating new thread group %d (real tgid:%d)", tgid, realTgid)
	return tg
}

func (tg *ThreadGroup) UID() ThreadGroupUID { return ThreadGroupUID{tg.Tgid, tg.serial} }

func (tg *ThreadGroup) Serial() uint32 { return tg.serial }

// Parent returns the thread group that created tg, nil if it was the
// initial one or its parent is gone.
func (tg *ThreadGroup) Parent() *ThreadGroup { return tg.parent }

// Children returns the live thread groups created by members of tg.
func (tg *ThreadGroup) Children() []*ThreadGroup {
	r := make([]*ThreadGroup, 0, len(tg.children))
	for c := range tg.children {
		r = append(r, c)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].serial < r[j].serial })
	return r
}

// Tasks returns the members of tg in creation order.
func (tg *ThreadGroup) Tasks() []*Task {
	r := make([]*Task, 0, len(tg.tasks))
	for t := range tg.tasks {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].serial < r[j].serial })
	return r
}

// Len returns the number of members.
func (tg *ThreadGroup) Len() int { return len(tg.tasks) }

// Destroyed is true once the last member left.
func (tg *ThreadGroup) Destroyed() bool { return tg.destroyed }

// Destabilized is true after Destabilize.
func (tg *ThreadGroup) Destabilized() bool { return tg.destabilized }

// Destabilize marks every member of tg unstable: even if a member looks
// runnable it might not be. This happens at exit_group and when a core
// dumping signal is delivered, the kernel then reaps the members in an
// order that can't be predicted, so after this the driver must wait for
// any task (wait4(-1)) instead of blocking on a particular member.
//
// Instability is one way and calling Destabilize again has no effect.
func (tg *ThreadGroup) Destabilize() {
	log := logflags.ThreadGroupLogger()
	if tg.destabilized {
		log.Debugf("thread group %d already destabilized", tg.Tgid)
		return
	}
	tg.destabilized = true
	log.Debugf("destabilizing thread group %d", tg.Tgid)
	for _, t := range tg.Tasks() {
		t.unstable = true
		log.Debugf("  destabilized task %d", t.tid)
	}
}

func (tg *ThreadGroup) insertTask(t *Task) {
	if tg.destroyed {
		panic("task joining a destroyed thread group")
	}
	tg.tasks[t] = struct{}{}
	t.tg = tg
	if tg.destabilized {
		t.unstable = true
	}
}

func (tg *ThreadGroup) eraseTask(t *Task) {
	if _, ok := tg.tasks[t]; !ok {
		return
	}
	delete(tg.tasks, t)
	if len(tg.tasks) == 0 {
		tg.destroy()
	}
}

func (tg *ThreadGroup) destroy() {
	logflags.ThreadGroupLogger().Debugf("destroying thread group %d", tg.Tgid)
	tg.destroyed = true
	for c := range tg.children {
		c.parent = nil
	}
	tg.children = nil
	if tg.parent != nil {
		delete(tg.parent.children, tg)
		tg.parent = nil
	}
	tg.session.OnDestroyThreadGroup(tg)
}
