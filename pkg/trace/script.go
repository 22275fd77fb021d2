package trace

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strconv"

	"gopkg.in/yaml.v2"

	"github.com/go-delve/rd/pkg/arch"
	"github.com/go-delve/rd/pkg/registers"
)

// A trace script is a YAML rendition of a recording, used to inspect
// recordings and to write replay scenarios by hand. It is not the format
// the recorder writes.
//
//	header:
//	  exe: /bin/true
//	  rec-tid: 100
//	frames:
//	  - time: 1
//	    tid: 100
//	    syscall: clone
//	    state: entering
//	    regs: {orig_rax: 56, rdi: 0x3d0f00}
//	    data:
//	      - {addr: 0x7000, tid: 42, hex: "2a000000"}
//	task-events:
//	  - {time: 1, type: clone, tid: 42, parent-tid: 100}
type script struct {
	Header     scriptHeader      `yaml:"header"`
	Frames     []scriptFrame     `yaml:"frames"`
	TaskEvents []scriptTaskEvent `yaml:"task-events"`
}

type scriptHeader struct {
	UUID           string   `yaml:"uuid"`
	Arch           string   `yaml:"arch"`
	Xcr0           uint64   `yaml:"xcr0"`
	BindToCPU      *int     `yaml:"bind-to-cpu"`
	CPUIDFaulting  bool     `yaml:"cpuid-faulting"`
	TicksSemantics string   `yaml:"ticks-semantics"`
	Exe            string   `yaml:"exe"`
	Argv           []string `yaml:"argv"`
	Env            []string `yaml:"env"`
	Cwd            string   `yaml:"cwd"`
	RecTid         int      `yaml:"rec-tid"`
}

type scriptFrame struct {
	Time    int64                  `yaml:"time"`
	Tid     int                    `yaml:"tid"`
	Ticks   int64                  `yaml:"ticks"`
	Event   string                 `yaml:"event"`
	Syscall interface{}            `yaml:"syscall"`
	Arch    string                 `yaml:"arch"`
	State   string                 `yaml:"state"`
	Failed  bool                   `yaml:"failed-during-preparation"`
	Regs    map[string]interface{} `yaml:"regs"`
	Data    []scriptRawData        `yaml:"data"`
	Mapped  []scriptMapping        `yaml:"mapped"`
}

type scriptRawData struct {
	Addr uint64 `yaml:"addr"`
	Tid  int    `yaml:"tid"`
	Hex  string `yaml:"hex"`
	Text string `yaml:"text"`
}

type scriptMapping struct {
	Start  uint64 `yaml:"start"`
	End    uint64 `yaml:"end"`
	Prot   int    `yaml:"prot"`
	Flags  int    `yaml:"flags"`
	Offset int64  `yaml:"offset"`
	Fsname string `yaml:"fsname"`
	Source string `yaml:"source"`
	File   string `yaml:"file"`
}

type scriptTaskEvent struct {
	Time      int64  `yaml:"time"`
	Type      string `yaml:"type"`
	Tid       int    `yaml:"tid"`
	ParentTid int    `yaml:"parent-tid"`
	Flags     uint64 `yaml:"flags"`
	File      string `yaml:"file"`
	Status    int    `yaml:"status"`
}

// LoadScript reads a trace script from path.
func LoadScript(path string) (*MemoryReader, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := ParseScript(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// ParseScript parses the trace script in buf.
func ParseScript(buf []byte) (*MemoryReader, error) {
	var s script
	if err := yaml.UnmarshalStrict(buf, &s); err != nil {
		return nil, err
	}
	h, err := s.Header.convert()
	if err != nil {
		return nil, err
	}
	r := NewMemoryReader(h)
	for i := range s.Frames {
		sf := &s.Frames[i]
		f, err := sf.convert(h.Arch)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", sf.Time, err)
		}
		if err := r.AddFrame(f); err != nil {
			return nil, err
		}
		for _, d := range sf.Data {
			rd, err := d.convert(f.Tid)
			if err != nil {
				return nil, fmt.Errorf("frame %d: %w", sf.Time, err)
			}
			r.AddRawData(f.Time, rd)
		}
		for _, m := range sf.Mapped {
			km, md, err := m.convert()
			if err != nil {
				return nil, fmt.Errorf("frame %d: %w", sf.Time, err)
			}
			r.AddMappedRegion(f.Time, km, md)
		}
	}
	for _, se := range s.TaskEvents {
		ev, err := se.convert()
		if err != nil {
			return nil, fmt.Errorf("task event at %d: %w", se.Time, err)
		}
		r.AddTaskEvent(FrameTime(se.Time), ev)
	}
	return r, nil
}

func (sh *scriptHeader) convert() (Header, error) {
	a, err := arch.ParseArch(sh.Arch)
	if err != nil {
		return Header{}, err
	}
	h := Header{
		UUID:          sh.UUID,
		Arch:          a,
		Xcr0:          sh.Xcr0,
		BindToCPU:     -1,
		CPUIDFaulting: sh.CPUIDFaulting,
		Exe:           sh.Exe,
		Argv:          sh.Argv,
		Env:           sh.Env,
		Cwd:           sh.Cwd,
		RecTid:        sh.RecTid,
	}
	if sh.BindToCPU != nil {
		h.BindToCPU = *sh.BindToCPU
	}
	switch sh.TicksSemantics {
	case "", "rcb":
		h.TicksSemantics = TicksRetiredConditionalBranches
	case "branches":
		h.TicksSemantics = TicksTakenBranches
	default:
		return Header{}, fmt.Errorf("unknown ticks semantics %q", sh.TicksSemantics)
	}
	return h, nil
}

func (sf *scriptFrame) convert(defArch arch.SupportedArch) (*Frame, error) {
	a := defArch
	if sf.Arch != "" {
		var err error
		if a, err = arch.ParseArch(sf.Arch); err != nil {
			return nil, err
		}
	}
	f := &Frame{Time: FrameTime(sf.Time), Tid: sf.Tid, Ticks: Ticks(sf.Ticks), Regs: registers.New(a)}
	switch sf.Event {
	case "", "syscall":
		f.Event.Type = EventSyscall
		no, err := syscallNumber(sf.Syscall, a)
		if err != nil {
			return nil, err
		}
		f.Event.Syscall = SyscallEvent{Number: no, Arch: a, FailedDuringPreparation: sf.Failed}
		switch sf.State {
		case "", "entering":
			f.Event.Syscall.State = EnteringSyscall
		case "exiting":
			f.Event.Syscall.State = ExitingSyscall
		default:
			return nil, fmt.Errorf("unknown syscall state %q", sf.State)
		}
		// Recorded syscall frames always carry the syscall number in the
		// original syscall register.
		f.Regs.SetOriginalSyscallNo(int64(no))
	case "exit":
		f.Event.Type = EventExit
	case "sched":
		f.Event.Type = EventSched
	default:
		return nil, fmt.Errorf("unknown event %q", sf.Event)
	}
	for name, v := range sf.Regs {
		n, err := scriptInt(v)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", name, err)
		}
		if err := f.Regs.SetByName(name, n); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func syscallNumber(v interface{}, a arch.SupportedArch) (int, error) {
	if name, ok := v.(string); ok {
		if no, ok := arch.SyscallNumber(name, a); ok {
			return no, nil
		}
	}
	n, err := scriptInt(v)
	if err != nil {
		return 0, fmt.Errorf("bad syscall %v", v)
	}
	return int(int64(n)), nil
}

// scriptInt converts a YAML scalar to a register value. Negative numbers
// are stored in two's complement.
func scriptInt(v interface{}) (uint64, error) {
	switch v := v.(type) {
	case int:
		return uint64(int64(v)), nil
	case int64:
		return uint64(v), nil
	case uint64:
		return v, nil
	case string:
		if n, err := strconv.ParseInt(v, 0, 64); err == nil {
			return uint64(n), nil
		}
		return strconv.ParseUint(v, 0, 64)
	}
	return 0, fmt.Errorf("not an integer: %v", v)
}

func (d *scriptRawData) convert(frameTid int) (RawData, error) {
	rd := RawData{Addr: d.Addr, RecTid: d.Tid}
	if rd.RecTid == 0 {
		rd.RecTid = frameTid
	}
	switch {
	case d.Hex != "" && d.Text != "":
		return RawData{}, fmt.Errorf("raw data at %#x has both hex and text", d.Addr)
	case d.Hex != "":
		buf, err := hex.DecodeString(d.Hex)
		if err != nil {
			return RawData{}, err
		}
		rd.Data = buf
	default:
		rd.Data = []byte(d.Text)
	}
	return rd, nil
}

func (m *scriptMapping) convert() (KernelMapping, MappedData, error) {
	km := KernelMapping{Start: m.Start, End: m.End, Prot: m.Prot, Flags: m.Flags, Offset: m.Offset, Fsname: m.Fsname}
	if km.End <= km.Start {
		return km, MappedData{}, fmt.Errorf("empty mapping %v", km)
	}
	md := MappedData{Filename: m.File}
	switch m.Source {
	case "", "zero":
		md.Source = SourceZero
	case "file":
		md.Source = SourceFile
	case "trace":
		md.Source = SourceTrace
	default:
		return km, md, fmt.Errorf("unknown mapping source %q", m.Source)
	}
	return km, md, nil
}

func (se *scriptTaskEvent) convert() (TaskEvent, error) {
	ev := TaskEvent{Tid: se.Tid, ParentTid: se.ParentTid, CloneFlags: se.Flags, ExecFile: se.File, ExitStatus: se.Status}
	switch se.Type {
	case "clone":
		ev.Type = TaskEventClone
	case "exec":
		ev.Type = TaskEventExec
	case "exit":
		ev.Type = TaskEventExit
	default:
		return ev, fmt.Errorf("unknown task event type %q", se.Type)
	}
	return ev, nil
}
