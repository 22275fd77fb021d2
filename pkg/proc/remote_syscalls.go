package proc

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/registers"
	"github.com/go-delve/rd/pkg/trace"
)

// RemoteSyscalls injects syscalls into a stopped task. The registers of
// the task are saved on creation and must be put back with Restore once
// the caller is done:
//
//	remote, err := proc.NewRemoteSyscalls(t)
//	if err != nil {
//		return err
//	}
//	defer remote.Restore()
//
// The task must not be stopped at a PTRACE_SYSCALL entry stop: resuming it
// would run the pending syscall instead of the injected one. Signal stops,
// PTRACE_SYSEMU stops and syscall exit stops are all fine.
type RemoteSyscalls struct {
	t         *Task
	saved     registers.Registers
	syscallIP uint64
	restored  bool
}

// NewRemoteSyscalls prepares t for syscall injection. The syscall
// instruction used is the one t is stopped after, if any, otherwise the
// one registered with the address space.
func NewRemoteSyscalls(t *Task) (*RemoteSyscalls, error) {
	if !t.IsStopped() {
		return nil, fmt.Errorf("remote syscall on running %v", t)
	}
	saved := t.Regs()
	remote := &RemoteSyscalls{t: t, saved: saved}

	ip := saved.IP() - arch.SyscallInsnLength
	code := make([]byte, arch.SyscallInsnLength)
	if n, _ := t.ReadBytesFallible(ip, code); n == len(code) {
		if a, ok := arch.DecodeSyscallInsn(code); ok && a == t.arch {
			remote.syscallIP = ip
		}
	}
	if remote.syscallIP == 0 {
		remote.syscallIP = t.vm.TracedSyscallIP()
	}
	if remote.syscallIP == 0 {
		return nil, fmt.Errorf("no syscall instruction available in %v", t)
	}
	t.vm.SetTracedSyscallIP(remote.syscallIP)
	return remote, nil
}

// Task returns the task syscalls are injected into.
func (remote *RemoteSyscalls) Task() *Task { return remote.t }

// Syscall runs syscall no with args in the task and returns its result.
// Negative results are -errno.
func (remote *RemoteSyscalls) Syscall(no int, args ...uint64) (int64, error) {
	t := remote.t
	if len(args) > 6 {
		return 0, fmt.Errorf("too many arguments for remote %s", arch.SyscallName(no, t.arch))
	}
	name := arch.SyscallName(no, t.arch)
	t.log.Debugf("remote %s%#x in %v", name, args, t)

	r := remote.saved
	r.SetIP(remote.syscallIP)
	r.SetSyscallNo(int64(no))
	r.SetOriginalSyscallNo(-1)
	for i, a := range args {
		r.SetArg(i+1, a)
	}
	t.SetRegs(r)

	// Entry stop, then exit stop.
	for i := 0; i < 2; i++ {
		if err := t.ResumeExecution(ResumeSyscall, ResumeWait, ResumeNoTicks, 0); err != nil {
			return 0, err
		}
		if err := t.UnexpectedExit(); err != nil {
			return 0, err
		}
		if !t.status.IsSyscall() {
			return 0, fmt.Errorf("remote %s in %v: unexpected stop %v", name, t, t.status)
		}
		cur := t.Regs()
		if got := cur.OriginalSyscallNo(); got != int64(no) {
			return 0, fmt.Errorf("remote %s in %v: stopped in %s", name, t, arch.SyscallName(int(got), t.arch))
		}
	}
	r = t.Regs()
	return r.SyscallResultSigned(), nil
}

// InfallibleSyscall is Syscall for syscalls that must succeed.
func (remote *RemoteSyscalls) InfallibleSyscall(no int, args ...uint64) (int64, error) {
	res, err := remote.Syscall(no, args...)
	if err != nil {
		return res, err
	}
	if res < 0 && res > -4096 {
		return res, fmt.Errorf("remote %s in %v failed: %v", arch.SyscallName(no, remote.t.arch), remote.t, sys.Errno(-res))
	}
	return res, nil
}

// InfallibleMmap maps length bytes at addr. With MAP_FIXED the mapping
// must land exactly at addr.
func (remote *RemoteSyscalls) InfallibleMmap(addr, length uint64, prot, flags int, fd int, offset uint64) (uint64, error) {
	tbl := arch.Syscalls(remote.t.arch)
	var res int64
	var err error
	if tbl.Mmap2 >= 0 {
		// mmap on x86 takes a pointer to its arguments, mmap2 takes them in
		// registers with a page offset.
		res, err = remote.InfallibleSyscall(tbl.Mmap2, addr, length, uint64(prot), uint64(flags), uint64(int64(fd)), offset/4096)
	} else {
		res, err = remote.InfallibleSyscall(tbl.Mmap, addr, length, uint64(prot), uint64(flags), uint64(int64(fd)), offset)
	}
	if err != nil {
		return 0, err
	}
	if flags&sys.MAP_FIXED != 0 && uint64(res) != addr {
		return 0, fmt.Errorf("remote mmap in %v: asked for %#x, got %#x", remote.t, addr, uint64(res))
	}
	return uint64(res), nil
}

func (remote *RemoteSyscalls) InfallibleMunmap(addr, length uint64) error {
	_, err := remote.InfallibleSyscall(arch.Syscalls(remote.t.arch).Munmap, addr, length)
	return err
}

// RecreateSharedMmap replaces the shared mapping m, inherited from the
// parent by a fork, with a private copy shared by nobody. Contents are
// preserved.
func (remote *RemoteSyscalls) RecreateSharedMmap(m *Mapping) error {
	t := remote.t
	data := make([]byte, m.Size())
	n, err := t.ReadBytesFallible(m.Start, data)
	if err != nil && n == 0 {
		return fmt.Errorf("could not read shared mapping %v: %w", m.KernelMapping, err)
	}
	data = data[:n]

	flags := sys.MAP_SHARED | sys.MAP_ANONYMOUS | sys.MAP_FIXED
	if _, err := remote.InfallibleMmap(m.Start, m.Size(), m.Prot|sys.PROT_WRITE, flags, -1, 0); err != nil {
		return err
	}
	if err := t.WriteBytesHelper(m.Start, data); err != nil {
		return err
	}
	if m.Prot&sys.PROT_WRITE == 0 {
		if _, err := remote.InfallibleSyscall(arch.Syscalls(t.arch).Mprotect, m.Start, m.Size(), uint64(m.Prot)); err != nil {
			return err
		}
	}
	km := m.KernelMapping
	km.Flags = flags &^ sys.MAP_FIXED
	km.Offset = 0
	t.vm.Map(km, m.Flags, &m.Recorded)
	return nil
}

// MapRecorded maps the recorded region km at its recorded address, zero
// filled, and records it with the address space. Contents coming from the
// trace are written by the caller.
func (remote *RemoteSyscalls) MapRecorded(km trace.KernelMapping, flags MappingFlags) (*Mapping, error) {
	mflags := (km.Flags | sys.MAP_FIXED | sys.MAP_ANONYMOUS) &^ sys.MAP_SHARED
	mflags |= sys.MAP_PRIVATE
	if _, err := remote.InfallibleMmap(km.Start, km.Size(), km.Prot, mflags, -1, 0); err != nil {
		return nil, err
	}
	return remote.t.vm.Map(km, flags, nil), nil
}

// Restore puts back the registers saved by NewRemoteSyscalls.
func (remote *RemoteSyscalls) Restore() {
	if remote.restored {
		return
	}
	remote.restored = true
	remote.t.SetRegs(remote.saved)
}
