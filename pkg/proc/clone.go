package proc

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/registers"
)

// CloneFlags describe what a new task shares with the task that created
// it. They are derived from the clone(2) flags.
type CloneFlags uint32

const (
	CloneShareNothing     CloneFlags = 0
	CloneShareThreadGroup CloneFlags = 1 << iota
	CloneShareVM
	// CloneSetTLS: the child gets a new thread area.
	CloneSetTLS
)

// CloneFlagsToTaskFlags converts the flags argument of clone(2).
func CloneFlagsToTaskFlags(flags uint64) CloneFlags {
	var r CloneFlags
	if flags&sys.CLONE_THREAD != 0 {
		r |= CloneShareThreadGroup
	}
	if flags&sys.CLONE_VM != 0 {
		r |= CloneShareVM
	}
	if flags&sys.CLONE_SETTLS != 0 {
		r |= CloneSetTLS
	}
	return r
}

// CloneParameters are the pointer arguments of a clone call.
type CloneParameters struct {
	Stack uint64
	Ptid  uint64
	TLS   uint64
	Ctid  uint64
}

// ExtractCloneParameters reads the clone arguments from the registers of
// a task stopped at a clone syscall.
func ExtractCloneParameters(r *registers.Registers) CloneParameters {
	order := arch.CloneArgOrder(r.Arch())
	return CloneParameters{
		Stack: r.Arg(order.Stack),
		Ptid:  r.Arg(order.Ptid),
		TLS:   r.Arg(order.TLS),
		Ctid:  r.Arg(order.Ctid),
	}
}
