//go:build linux && amd64

// Package native implements proc.Tracer on top of ptrace(2), wait4(2),
// process_vm_readv(2) and perf_event_open(2).
package native

import (
	"os"
	"runtime"
	"sync"

	"github.com/go-delve/rd/pkg/logflags"
	"github.com/go-delve/rd/pkg/proc"
)

// Tracer is the ptrace backed proc.Tracer. All ptrace requests are issued
// from a single locked OS thread, the one that started the tracees.
type Tracer struct {
	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	// ForcedUarch selects the tick counter of this microarchitecture
	// instead of the one of the running CPU.
	ForcedUarch string

	memMu    sync.Mutex
	memFiles map[int]*os.File

	closed bool
	log    logflags.Logger
}

var _ proc.Tracer = (*Tracer)(nil)
var _ proc.Spawner = (*Tracer)(nil)

// NewTracer returns an initialized Tracer. Before returning, it will also
// launch a goroutine in order to handle ptrace(2) functions. For more
// information, see the documentation on `handlePtraceFuncs`.
func NewTracer() *Tracer {
	tr := &Tracer{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		memFiles:       make(map[int]*os.File),
		log:            logflags.PtraceLogger(),
	}
	go tr.handlePtraceFuncs()
	return tr
}

func (tr *Tracer) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range tr.ptraceChan {
		fn()
		tr.ptraceDoneChan <- nil
	}
}

func (tr *Tracer) execPtraceFunc(fn func()) {
	tr.ptraceChan <- fn
	<-tr.ptraceDoneChan
}

// Close stops the ptrace goroutine and releases the cached /proc/<tid>/mem
// files. Tracees still attached are killed by PTRACE_O_EXITKILL when rd
// exits.
func (tr *Tracer) Close() error {
	if tr.closed {
		return nil
	}
	tr.closed = true
	close(tr.ptraceChan)
	tr.memMu.Lock()
	for tid, f := range tr.memFiles {
		f.Close()
		delete(tr.memFiles, tid)
	}
	tr.memMu.Unlock()
	return nil
}
