package proc

import (
	"fmt"
	"sort"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/trace"
)

// MappingFlags mark mappings the replayer treats specially.
type MappingFlags uint8

const (
	// IsThreadLocals is the per-thread area of the preload library.
	IsThreadLocals MappingFlags = 1 << iota
	// IsSyscallbuf is a task's syscall buffer.
	IsSyscallbuf
	// IsScratch is a task's scratch buffer.
	IsScratch
)

// Mapping is a region of a tracee address space known to the replayer.
type Mapping struct {
	trace.KernelMapping
	Flags MappingFlags
	// Recorded is the mapping as it was during recording.
	Recorded trace.KernelMapping
}

// Shared is true for MAP_SHARED mappings. A clone that doesn't share
// the address space must recreate those in the child.
func (m *Mapping) Shared() bool {
	return m.KernelMapping.Flags&sys.MAP_SHARED != 0
}

type watchpoint struct {
	addr, len uint64
	armed     bool
}

// AddressSpace is the bookkeeping of one tracee address space: the
// mappings replay created plus breakpoints and watchpoints. It is shared by
// all the tasks that share the address space.
type AddressSpace struct {
	exe    string
	maps   map[uint64]*Mapping
	tasks  map[*Task]struct{}
	serial uint32

	breakpoints map[uint64]int
	watchpoints []watchpoint

	// tracedSyscallIP is the address of a syscall instruction that remote
	// syscalls can use when the task isn't stopped just after one.
	tracedSyscallIP uint64
	// untracedSyscallIP is the syscall instruction the preload library
	// uses for buffered syscalls.
	untracedSyscallIP uint64
}

// NewAddressSpace returns the bookkeeping for a fresh image of exe.
func NewAddressSpace(exe string, serial uint32) *AddressSpace {
	return &AddressSpace{
		exe:         exe,
		maps:        make(map[uint64]*Mapping),
		tasks:       make(map[*Task]struct{}),
		serial:      serial,
		breakpoints: make(map[uint64]int),
	}
}

func (vm *AddressSpace) Exe() string { return vm.exe }

// Tasks returns the tasks using vm.
func (vm *AddressSpace) Tasks() []*Task {
	r := make([]*Task, 0, len(vm.tasks))
	for t := range vm.tasks {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].serial < r[j].serial })
	return r
}

func (vm *AddressSpace) insertTask(t *Task) {
	vm.tasks[t] = struct{}{}
	t.vm = vm
}

func (vm *AddressSpace) eraseTask(t *Task) {
	delete(vm.tasks, t)
}

// Map records a new mapping, replacing whatever overlapped it.
func (vm *AddressSpace) Map(km trace.KernelMapping, flags MappingFlags, recorded *trace.KernelMapping) *Mapping {
	vm.Unmap(km.Start, km.Size())
	m := &Mapping{KernelMapping: km, Flags: flags, Recorded: km}
	if recorded != nil {
		m.Recorded = *recorded
	}
	vm.maps[km.Start] = m
	return m
}

// Unmap forgets [start, start+length), splitting mappings that straddle
// the range.
func (vm *AddressSpace) Unmap(start, length uint64) {
	end := start + length
	for k, m := range vm.maps {
		if m.End <= start || m.Start >= end {
			continue
		}
		delete(vm.maps, k)
		if m.Start < start {
			head := *m
			head.End = start
			vm.maps[head.Start] = &head
		}
		if m.End > end {
			tail := *m
			tail.Offset += int64(end - m.Start)
			tail.Start = end
			vm.maps[tail.Start] = &tail
		}
	}
}

// Maps returns the mappings sorted by address.
func (vm *AddressSpace) Maps() []*Mapping {
	r := make([]*Mapping, 0, len(vm.maps))
	for _, m := range vm.maps {
		r = append(r, m)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Start < r[j].Start })
	return r
}

// Mapping returns the mapping containing addr.
func (vm *AddressSpace) Mapping(addr uint64) (*Mapping, bool) {
	for _, m := range vm.maps {
		if addr >= m.Start && addr < m.End {
			return m, true
		}
	}
	return nil, false
}

// AddBreakpoint adds a reference to the breakpoint at addr.
func (vm *AddressSpace) AddBreakpoint(addr uint64) {
	vm.breakpoints[addr]++
}

func (vm *AddressSpace) Breakpoints() int { return len(vm.breakpoints) }

func (vm *AddressSpace) RemoveAllBreakpoints() {
	vm.breakpoints = make(map[uint64]int)
}

func (vm *AddressSpace) AddWatchpoint(addr, length uint64) {
	vm.watchpoints = append(vm.watchpoints, watchpoint{addr: addr, len: length})
}

func (vm *AddressSpace) Watchpoints() int { return len(vm.watchpoints) }

func (vm *AddressSpace) RemoveAllWatchpoints() {
	vm.watchpoints = nil
}

// Clone returns the bookkeeping of a copy of vm made by fork.
func (vm *AddressSpace) Clone(serial uint32) *AddressSpace {
	c := NewAddressSpace(vm.exe, serial)
	for k, m := range vm.maps {
		mm := *m
		c.maps[k] = &mm
	}
	for k, v := range vm.breakpoints {
		c.breakpoints[k] = v
	}
	c.watchpoints = append(c.watchpoints, vm.watchpoints...)
	c.tracedSyscallIP = vm.tracedSyscallIP
	c.untracedSyscallIP = vm.untracedSyscallIP
	return c
}

// AfterClone is called once a cloned address space is fully set up: the
// surviving watchpoints are armed again.
func (vm *AddressSpace) AfterClone() {
	for i := range vm.watchpoints {
		vm.watchpoints[i].armed = true
	}
}

// TracedSyscallIP returns the syscall instruction used by remote syscalls,
// zero if unknown.
func (vm *AddressSpace) TracedSyscallIP() uint64 { return vm.tracedSyscallIP }

func (vm *AddressSpace) SetTracedSyscallIP(ip uint64) { vm.tracedSyscallIP = ip }

// UntracedSyscallIP returns the address of the syscall instruction the
// preload library uses for buffered syscalls, zero before the library
// initialized.
func (vm *AddressSpace) UntracedSyscallIP() uint64 { return vm.untracedSyscallIP }

func (vm *AddressSpace) SetUntracedSyscallIP(ip uint64) { vm.untracedSyscallIP = ip }

// Verify checks the bookkeeping against the mappings reported by the
// kernel.
func (vm *AddressSpace) Verify(actual []trace.KernelMapping) error {
	for _, m := range vm.Maps() {
		found := false
		for _, km := range actual {
			if km.Start <= m.Start && km.End >= m.End && km.Prot == m.Prot {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("mapping %v is missing from the tracee", m.KernelMapping)
		}
	}
	return nil
}
