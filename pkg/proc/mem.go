package proc

import (
	"bytes"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// MemoryReadWriter is implemented by Task. Addresses are tracee addresses.
type MemoryReadWriter interface {
	ReadBytesFallible(addr uint64, buf []byte) (int, error)
	WriteBytesHelper(addr uint64, buf []byte) error
}

// ReadBytesFallible reads len(buf) bytes at addr. It returns the number of
// bytes actually read: probing partially mapped ranges is normal, so a
// short read is not an error.
func (t *Task) ReadBytesFallible(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return t.tracer.ReadMemory(t.tid, addr, buf)
}

// ReadBytesHelper reads exactly len(buf) bytes at addr.
func (t *Task) ReadBytesHelper(addr uint64, buf []byte) error {
	n, err := t.ReadBytesFallible(addr, buf)
	if n != len(buf) {
		return &ErrShortAccess{Tid: t.tid, Addr: addr, Len: len(buf), Done: n, Err: err}
	}
	return nil
}

// WriteBytesHelper writes buf at addr, all of it or fails.
func (t *Task) WriteBytesHelper(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	n, err := t.tracer.WriteMemory(t.tid, addr, buf)
	if n != len(buf) {
		return &ErrShortAccess{Tid: t.tid, Addr: addr, Len: len(buf), Done: n, Write: true, Err: err}
	}
	return nil
}

// ReadCStr reads the NUL terminated string at addr, giving up after max
// bytes.
func (t *Task) ReadCStr(addr uint64, max int) (string, error) {
	const chunk = 64
	var out []byte
	buf := make([]byte, chunk)
	for len(out) < max {
		n, err := t.ReadBytesFallible(addr+uint64(len(out)), buf)
		if n == 0 {
			return "", &ErrShortAccess{Tid: t.tid, Addr: addr, Len: len(out) + 1, Done: len(out), Err: err}
		}
		if i := bytes.IndexByte(buf[:n], 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf[:n]...)
	}
	return string(out[:max]), nil
}

// ReadVal reads a little endian integer of type T at addr.
func ReadVal[T constraints.Integer](mem MemoryReadWriter, addr uint64) (T, error) {
	var v T
	buf := make([]byte, unsafe.Sizeof(v))
	n, err := mem.ReadBytesFallible(addr, buf)
	if n != len(buf) {
		if err == nil {
			err = &ErrShortAccess{Addr: addr, Len: len(buf), Done: n}
		}
		return 0, err
	}
	var u uint64
	for i := len(buf) - 1; i >= 0; i-- {
		u = u<<8 | uint64(buf[i])
	}
	return T(u), nil
}

// WriteVal writes v at addr, little endian.
func WriteVal[T constraints.Integer](mem MemoryReadWriter, addr uint64, v T) error {
	buf := make([]byte, unsafe.Sizeof(v))
	u := uint64(v)
	for i := range buf {
		buf[i] = byte(u)
		u >>= 8
	}
	return mem.WriteBytesHelper(addr, buf)
}
