package replay

import (
	"fmt"

	"github.com/go-delve/rd/pkg/arch"
)

// StepAction is what replaying a frame requires.
type StepAction uint8

const (
	// StepEnterSyscall: run the task to the syscall of the frame.
	StepEnterSyscall StepAction = iota
	// StepExitSyscall: finish the syscall of the frame.
	StepExitSyscall
	// StepRetire: the frame was fully replayed during preparation.
	StepRetire
)

func (a StepAction) String() string {
	switch a {
	case StepEnterSyscall:
		return "enter-syscall"
	case StepExitSyscall:
		return "exit-syscall"
	case StepRetire:
		return "retire"
	}
	return fmt.Sprintf("StepAction(%d)", uint8(a))
}

// Step is the result of preparing a frame. Syscall and Arch are only set
// for the syscall actions.
type Step struct {
	Action  StepAction
	Syscall int
	Arch    arch.SupportedArch
}

func (s Step) String() string {
	if s.Action == StepRetire {
		return s.Action.String()
	}
	return fmt.Sprintf("%v %s", s.Action, arch.SyscallName(s.Syscall, s.Arch))
}
