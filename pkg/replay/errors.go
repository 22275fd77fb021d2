package replay

import (
	"fmt"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/registers"
	"github.com/go-delve/rd/pkg/trace"
)

// ErrTraceCorrupt is returned when the trace contradicts itself or lacks a
// record replay needs. Replay can't go on.
type ErrTraceCorrupt struct {
	Time   trace.FrameTime
	Reason string
}

func (e *ErrTraceCorrupt) Error() string {
	return fmt.Sprintf("trace is corrupt at time %d: %s", e.Time, e.Reason)
}

// ErrSyscallMismatch is returned when a task stops in a syscall other than
// the one the trace says it executed.
type ErrSyscallMismatch struct {
	Tid      int
	Arch     arch.SupportedArch
	Expected []int
	Observed int
	// Written is the start of the buffer passed to write, if Observed is
	// a write. It often tells where the tracee went astray.
	Written string
}

func (e *ErrSyscallMismatch) Error() string {
	expected := make([]string, len(e.Expected))
	for i, no := range e.Expected {
		expected[i] = arch.SyscallName(no, e.Arch)
	}
	s := fmt.Sprintf("task %d should be at %v but is at %s", e.Tid, expected, arch.SyscallName(e.Observed, e.Arch))
	if e.Written != "" {
		s += fmt.Sprintf(" (writing %q)", e.Written)
	}
	return s
}

// ErrTicksMismatch is returned when a task reaches a frame after a
// different number of ticks than it did during recording.
type ErrTicksMismatch struct {
	Tid      int
	Time     trace.FrameTime
	Expected trace.Ticks
	Actual   trace.Ticks
}

func (e *ErrTicksMismatch) Error() string {
	return fmt.Sprintf("task %d at time %d: ticks %d, recorded %d", e.Tid, e.Time, e.Actual, e.Expected)
}

// ErrRegisterMismatch is returned when the registers of a task diverge
// from the recorded ones.
type ErrRegisterMismatch struct {
	Tid        int
	Time       trace.FrameTime
	Mismatches []registers.Mismatch
}

func (e *ErrRegisterMismatch) Error() string {
	return fmt.Sprintf("task %d at time %d: registers diverged from the recording: %s", e.Tid, e.Time, registers.MismatchesString(e.Mismatches))
}
