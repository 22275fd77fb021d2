// Package trace defines the recorded data the replayer consumes: frames,
// memory-write records, mapped regions and task lifecycle events, plus the
// forward-only Reader interface used to walk them.
package trace

import (
	"fmt"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/registers"
)

// FrameTime is the global event counter of a recording. Frames are
// numbered from 1.
type FrameTime int64

// Ticks counts retired conditional branches.
type Ticks int64

// EventType is the kind of a recorded event.
type EventType uint8

const (
	EventSyscall EventType = iota
	// EventExit is the death of a task as observed by the recorder.
	EventExit
	// EventSched is a preemption by the recorder's scheduler.
	EventSched
)

func (e EventType) String() string {
	switch e {
	case EventSyscall:
		return "syscall"
	case EventExit:
		return "exit"
	case EventSched:
		return "sched"
	}
	return fmt.Sprintf("EventType(%d)", uint8(e))
}

// SyscallState says whether a syscall frame was recorded at entry or at exit.
type SyscallState uint8

const (
	EnteringSyscall SyscallState = iota
	ExitingSyscall
)

func (s SyscallState) String() string {
	if s == EnteringSyscall {
		return "entering"
	}
	return "exiting"
}

// SyscallEvent describes a recorded syscall.
type SyscallEvent struct {
	Number int
	Arch   arch.SupportedArch
	State  SyscallState
	// FailedDuringPreparation is set when the recorder could not get the
	// syscall off the ground (for example scratch allocation failed).
	FailedDuringPreparation bool
}

func (e *SyscallEvent) Name() string {
	return arch.SyscallName(e.Number, e.Arch)
}

type Event struct {
	Type    EventType
	Syscall SyscallEvent
}

func (e Event) String() string {
	if e.Type == EventSyscall {
		return fmt.Sprintf("%s(%s)", e.Syscall.Name(), e.Syscall.State)
	}
	return e.Type.String()
}

// Frame is one recorded event, with the register state of the task that
// executed it at that point.
type Frame struct {
	Time FrameTime
	// Tid is the recorded tid of the task.
	Tid   int
	Ticks Ticks
	Event Event
	Regs  registers.Registers
}

func (f *Frame) String() string {
	return fmt.Sprintf("{time %d tid %d ticks %d %v}", f.Time, f.Tid, f.Ticks, f.Event)
}

// RawData is recorded memory written by the kernel (or the recorder) on
// behalf of the task RecTid during a frame.
type RawData struct {
	Addr   uint64
	RecTid int
	Data   []byte
}

// TaskEventType is the kind of a task lifecycle event.
type TaskEventType uint8

const (
	TaskEventClone TaskEventType = iota
	TaskEventExec
	TaskEventExit
)

func (t TaskEventType) String() string {
	switch t {
	case TaskEventClone:
		return "clone"
	case TaskEventExec:
		return "exec"
	case TaskEventExit:
		return "exit"
	}
	return fmt.Sprintf("TaskEventType(%d)", uint8(t))
}

// TaskEvent is an out of band lifecycle event. Tids are recorded tids,
// in the pid namespace of the recording.
type TaskEvent struct {
	Type       TaskEventType
	Tid        int
	ParentTid  int
	CloneFlags uint64
	ExecFile   string
	ExitStatus int
}

// MappedDataSource says where the contents of a mapped region come from.
type MappedDataSource uint8

const (
	SourceZero MappedDataSource = iota
	SourceFile
	SourceTrace
)

type MappedData struct {
	Source     MappedDataSource
	Filename   string
	DataOffset int64
}

// KernelMapping is a mapping as the kernel reports it in /proc/pid/maps.
type KernelMapping struct {
	Start, End uint64
	Prot       int
	Flags      int
	Offset     int64
	Fsname     string
}

func (km *KernelMapping) Size() uint64 { return km.End - km.Start }

func (km KernelMapping) String() string {
	return fmt.Sprintf("%#x-%#x prot=%#x flags=%#x %s", km.Start, km.End, km.Prot, km.Flags, km.Fsname)
}

// TicksSemantics is the hardware event counted as a tick.
type TicksSemantics uint8

const (
	TicksRetiredConditionalBranches TicksSemantics = iota
	TicksTakenBranches
)

func (t TicksSemantics) String() string {
	if t == TicksTakenBranches {
		return "branches"
	}
	return "rcb"
}

// Header carries the recording-wide information.
type Header struct {
	UUID           string
	Arch           arch.SupportedArch
	Xcr0           uint64
	BindToCPU      int
	CPUIDFaulting  bool
	TicksSemantics TicksSemantics
	Exe            string
	Argv           []string
	Env            []string
	Cwd            string
	// RecTid is the recorded tid of the initial task.
	RecTid int
}
