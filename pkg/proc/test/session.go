package test

import (
	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/config"
	"github.com/go-delve/rd/pkg/proc"
)

// Session is a minimal proc.Session over a Kernel, for tests that
// exercise tasks and thread groups without a replay session.
type Session struct {
	K    *Kernel
	Conf *config.Config

	DestroyedTasks  []*proc.Task
	DestroyedGroups []*proc.ThreadGroup

	serial uint32
}

// NewSession returns a Session over a new Kernel.
func NewSession() *Session {
	return &Session{K: NewKernel(), Conf: config.Default()}
}

func (s *Session) Tracer() proc.Tracer        { return s.K }
func (s *Session) Config() *config.Config     { return s.Conf }
func (s *Session) NextTaskSerial() uint32     { s.serial++; return s.serial }
func (s *Session) OnDestroyTask(t *proc.Task) { s.DestroyedTasks = append(s.DestroyedTasks, t) }

func (s *Session) OnDestroyThreadGroup(tg *proc.ThreadGroup) {
	s.DestroyedGroups = append(s.DestroyedGroups, tg)
}

// Attach creates a task on the Kernel and the Task for it, in thread group
// tg and address space vm. A nil tg creates a new thread group (and
// address space if vm is nil too). The task is stopped when Attach
// returns.
func (s *Session) Attach(tg *proc.ThreadGroup, vm *proc.AddressSpace) (*proc.Task, error) {
	leader := 0
	if tg != nil {
		leader = tg.RealTgid
	}
	tid := s.K.AddTask(leader)
	if tg == nil {
		tg = proc.NewThreadGroup(s, nil, tid, tid, tid)
	}
	if vm == nil {
		vm = proc.NewAddressSpace("", s.NextTaskSerial())
	}
	t, err := proc.NewTask(s, tid, tid, arch.X64, tg, vm)
	if err != nil {
		return nil, err
	}
	if _, err := t.Wait(); err != nil {
		return nil, err
	}
	return t, nil
}
