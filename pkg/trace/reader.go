package trace

import (
	"errors"
	"fmt"
	"sort"
)

// ErrNoMoreEvents is returned by Reader.ReadTaskEvent when the task event
// stream is exhausted.
var ErrNoMoreEvents = errors.New("no more task events")

// ErrNoMoreFrames is returned by Reader.ReadFrame at the end of the trace.
var ErrNoMoreFrames = errors.New("no more frames")

// Reader walks a recording. Every stream is forward-only: records that
// have been returned cannot be read again.
type Reader interface {
	Header() *Header
	// ReadFrame returns the next frame or ErrNoMoreFrames.
	ReadFrame() (*Frame, error)
	// PeekFrame returns the frame ReadFrame would return, without consuming it.
	PeekFrame() (*Frame, error)
	// Time returns the time of the last frame returned by ReadFrame.
	Time() FrameTime
	// ReadRawData returns the next memory-write record of the current frame.
	ReadRawData() (RawData, bool)
	// ReadMappedRegion returns the next mapped region of the current frame.
	ReadMappedRegion() (KernelMapping, MappedData, bool)
	// ReadTaskEvent returns the next task event and the time of the frame
	// it is attached to, or ErrNoMoreEvents.
	ReadTaskEvent() (TaskEvent, FrameTime, error)
}

type timedTaskEvent struct {
	time FrameTime
	ev   TaskEvent
}

type mappedRegion struct {
	km   KernelMapping
	data MappedData
}

// MemoryReader is a Reader over a recording held in memory.
type MemoryReader struct {
	header Header

	frames []*Frame
	next   int
	time   FrameTime

	raw    map[FrameTime][]RawData
	mapped map[FrameTime][]mappedRegion
	events []timedTaskEvent
	nextEv int
}

// NewMemoryReader returns an empty recording.
func NewMemoryReader(h Header) *MemoryReader {
	return &MemoryReader{
		header: h,
		raw:    make(map[FrameTime][]RawData),
		mapped: make(map[FrameTime][]mappedRegion),
	}
}

// AddFrame appends f. Frame times must be strictly increasing.
func (r *MemoryReader) AddFrame(f *Frame) error {
	if n := len(r.frames); n > 0 && r.frames[n-1].Time >= f.Time {
		return fmt.Errorf("frame time %d is not after %d", f.Time, r.frames[n-1].Time)
	}
	r.frames = append(r.frames, f)
	return nil
}

// AddRawData attaches a memory-write record to the frame at time.
func (r *MemoryReader) AddRawData(time FrameTime, d RawData) {
	r.raw[time] = append(r.raw[time], d)
}

// AddMappedRegion attaches a mapped region record to the frame at time.
func (r *MemoryReader) AddMappedRegion(time FrameTime, km KernelMapping, data MappedData) {
	r.mapped[time] = append(r.mapped[time], mappedRegion{km, data})
}

// AddTaskEvent attaches a task event to the frame at time.
func (r *MemoryReader) AddTaskEvent(time FrameTime, ev TaskEvent) {
	r.events = append(r.events, timedTaskEvent{time, ev})
	sort.SliceStable(r.events, func(i, j int) bool { return r.events[i].time < r.events[j].time })
}

func (r *MemoryReader) Header() *Header { return &r.header }

func (r *MemoryReader) Time() FrameTime { return r.time }

func (r *MemoryReader) ReadFrame() (*Frame, error) {
	f, err := r.PeekFrame()
	if err != nil {
		return nil, err
	}
	r.next++
	r.time = f.Time
	return f, nil
}

func (r *MemoryReader) PeekFrame() (*Frame, error) {
	if r.next >= len(r.frames) {
		return nil, ErrNoMoreFrames
	}
	return r.frames[r.next], nil
}

func (r *MemoryReader) ReadRawData() (RawData, bool) {
	recs := r.raw[r.time]
	if len(recs) == 0 {
		return RawData{}, false
	}
	r.raw[r.time] = recs[1:]
	return recs[0], true
}

func (r *MemoryReader) ReadMappedRegion() (KernelMapping, MappedData, bool) {
	regs := r.mapped[r.time]
	if len(regs) == 0 {
		return KernelMapping{}, MappedData{}, false
	}
	r.mapped[r.time] = regs[1:]
	return regs[0].km, regs[0].data, true
}

func (r *MemoryReader) ReadTaskEvent() (TaskEvent, FrameTime, error) {
	if r.nextEv >= len(r.events) {
		return TaskEvent{}, 0, ErrNoMoreEvents
	}
	e := r.events[r.nextEv]
	r.nextEv++
	return e.ev, e.time, nil
}

// Stats summarizes a recording.
type Stats struct {
	Frames     int
	Syscalls   map[string]int
	TaskEvents map[string]int
	RawBytes   int

	// Tids lists the recorded tids in the order their first frame
	// appears.
	Tids []int
}

// ComputeStats returns statistics about the frames and events of r that
// have not been consumed yet.
func (r *MemoryReader) ComputeStats() Stats {
	s := Stats{Syscalls: map[string]int{}, TaskEvents: map[string]int{}}
	seen := map[int]bool{}
	for _, f := range r.frames[r.next:] {
		s.Frames++
		if f.Event.Type == EventSyscall && f.Event.Syscall.State == EnteringSyscall {
			s.Syscalls[f.Event.Syscall.Name()]++
		}
		if !seen[f.Tid] {
			seen[f.Tid] = true
			s.Tids = append(s.Tids, f.Tid)
		}
		for _, d := range r.raw[f.Time] {
			s.RawBytes += len(d.Data)
		}
	}
	for _, e := range r.events[r.nextEv:] {
		s.TaskEvents[e.ev.Type.String()]++
	}
	return s
}
