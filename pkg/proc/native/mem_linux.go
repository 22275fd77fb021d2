//go:build linux && amd64

package native

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// processVM transfers data to or from the address space of tid with
// process_vm_readv or process_vm_writev.
func processVM(tid int, addr uint64, data []byte, write bool) (int, error) {
	local := sys.Iovec{Base: &data[0], Len: uint64(len(data))}
	remote := remoteIovec{base: uintptr(addr), len: uintptr(len(data))}
	nr := uintptr(sys.SYS_PROCESS_VM_READV)
	if write {
		nr = sys.SYS_PROCESS_VM_WRITEV
	}
	n, _, err := syscall.Syscall6(nr, uintptr(tid), uintptr(unsafe.Pointer(&local)), 1, uintptr(unsafe.Pointer(&remote)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}

// memFile returns /proc/<tid>/mem, opened once per tid.
func (tr *Tracer) memFile(tid int) (*os.File, error) {
	tr.memMu.Lock()
	defer tr.memMu.Unlock()
	if f := tr.memFiles[tid]; f != nil {
		return f, nil
	}
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", tid), os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	tr.memFiles[tid] = f
	return f, nil
}

// forgetMem closes the cached mem file of tid. The file refers to the
// address space tid had when it was opened, so it goes stale on exec and
// on exit.
func (tr *Tracer) forgetMem(tid int) {
	tr.memMu.Lock()
	defer tr.memMu.Unlock()
	if f := tr.memFiles[tid]; f != nil {
		f.Close()
		delete(tr.memFiles, tid)
	}
}

// ReadMemory reads with process_vm_readv, falling back to /proc/<tid>/mem
// for the part process_vm_readv could not read.
func (tr *Tracer) ReadMemory(tid int, addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := processVM(tid, addr, buf, false)
	if n == len(buf) {
		return n, nil
	}
	f, ferr := tr.memFile(tid)
	if ferr != nil {
		if err == nil {
			err = ferr
		}
		return n, err
	}
	m, ferr := f.ReadAt(buf[n:], int64(addr)+int64(n))
	if errors.Is(ferr, io.EOF) {
		ferr = sys.EIO
	}
	return n + m, ferr
}

// WriteMemory writes through /proc/<tid>/mem, which ignores page
// protections, falling back to process_vm_writev if the file can't be
// opened.
func (tr *Tracer) WriteMemory(tid int, addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	f, err := tr.memFile(tid)
	if err != nil {
		tr.log.Debugf("opening mem of %d: %v", tid, err)
		return processVM(tid, addr, buf, true)
	}
	return f.WriteAt(buf, int64(addr))
}
