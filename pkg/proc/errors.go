package proc

import (
	"errors"
	"fmt"
)

// ErrUnexpectedExit indicates that a task died while replay expected it
// to stop somewhere else. It is terminal for the task.
type ErrUnexpectedExit struct {
	Tid    int
	RecTid int
	Status WaitStatus
}

func (e *ErrUnexpectedExit) Error() string {
	return fmt.Sprintf("task %d (rec %d) exited unexpectedly: %v", e.Tid, e.RecTid, e.Status)
}

// ErrStatusAlreadyAbsorbed is returned by DidWaitpid when the task was
// not resumed since its last status change.
var ErrStatusAlreadyAbsorbed = errors.New("wait status already absorbed")

// ErrShortAccess is returned by the infallible memory accessors when only
// part of the range could be transferred.
type ErrShortAccess struct {
	Tid   int
	Addr  uint64
	Len   int
	Done  int
	Write bool
	Err   error
}

func (e *ErrShortAccess) Error() string {
	op := "read"
	if e.Write {
		op = "write"
	}
	s := fmt.Sprintf("task %d: %s of %d bytes at %#x transferred only %d", e.Tid, op, e.Len, e.Addr, e.Done)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ErrShortAccess) Unwrap() error { return e.Err }
