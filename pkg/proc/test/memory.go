package test

import "sort"

const pageSize = 0x1000

type region struct {
	start uint64
	data  []byte
	prot  int
}

func (r *region) end() uint64 { return r.start + uint64(len(r.data)) }

// memory is a sparse address space.
type memory struct {
	regions []*region
}

func (m *memory) find(addr uint64) *region {
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].end() > addr })
	if i < len(m.regions) && m.regions[i].start <= addr {
		return m.regions[i]
	}
	return nil
}

func (m *memory) read(addr uint64, buf []byte) int {
	n := 0
	for n < len(buf) {
		r := m.find(addr + uint64(n))
		if r == nil {
			break
		}
		n += copy(buf[n:], r.data[addr+uint64(n)-r.start:])
	}
	return n
}

func (m *memory) write(addr uint64, buf []byte) int {
	n := 0
	for n < len(buf) {
		r := m.find(addr + uint64(n))
		if r == nil {
			break
		}
		n += copy(r.data[addr+uint64(n)-r.start:], buf[n:])
	}
	return n
}

func (m *memory) mmap(start, size uint64, prot int) {
	size = (size + pageSize - 1) &^ (pageSize - 1)
	m.munmap(start, size)
	m.regions = append(m.regions, &region{start: start, data: make([]byte, size), prot: prot})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].start < m.regions[j].start })
}

func (m *memory) munmap(start, size uint64) {
	end := start + size
	var out []*region
	for _, r := range m.regions {
		if r.end() <= start || r.start >= end {
			out = append(out, r)
			continue
		}
		if r.start < start {
			out = append(out, &region{start: r.start, data: r.data[:start-r.start], prot: r.prot})
		}
		if r.end() > end {
			out = append(out, &region{start: end, data: r.data[end-r.start:], prot: r.prot})
		}
	}
	m.regions = out
}

func (m *memory) mprotect(start, size uint64, prot int) {
	for _, r := range m.regions {
		if r.start >= start && r.end() <= start+size {
			r.prot = prot
		}
	}
}

func (m *memory) clone() *memory {
	c := &memory{}
	for _, r := range m.regions {
		c.regions = append(c.regions, &region{start: r.start, data: append([]byte(nil), r.data...), prot: r.prot})
	}
	return c
}

// mapped returns true if [start, start+size) is entirely mapped.
func (m *memory) mapped(start, size uint64) bool {
	for a := start; a < start+size; {
		r := m.find(a)
		if r == nil {
			return false
		}
		a = r.end()
	}
	return true
}
