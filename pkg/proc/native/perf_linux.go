//go:build linux && amd64

package native

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/proc"
)

// Raw PMU events counting retired conditional branches.
const (
	rcbIntel      = 0x5101c4
	rcbSilvermont = 0x517ec4
	rcbZen        = 0x5100d1
)

// TimeSliceSignal is the signal the tick counter raises when the
// programmed period expires.
const TimeSliceSignal = sys.SIGSTKFLT

var errNoPMU = errors.New("no supported PMU for tick counting")

// rcbEvent returns the raw event counting retired conditional branches
// on uarch, or on the running CPU if uarch is empty.
func rcbEvent(uarch string) (uint64, error) {
	if uarch == "" {
		var err error
		uarch, err = cpuVendorUarch()
		if err != nil {
			return 0, err
		}
	}
	switch strings.ToLower(uarch) {
	case "intel", "haswell", "skylake", "broadwell", "ivybridge", "sandybridge", "westmere", "nehalem", "kabylake", "cometlake", "icelake", "tigerlake", "alderlake":
		return rcbIntel, nil
	case "silvermont", "goldmont", "airmont":
		return rcbSilvermont, nil
	case "amd", "zen", "zen2", "zen3", "zen4":
		return rcbZen, nil
	}
	return 0, fmt.Errorf("%w: %q", errNoPMU, uarch)
}

// cpuVendorUarch guesses the uarch family from /proc/cpuinfo.
func cpuVendorUarch() (string, error) {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		k, v, ok := strings.Cut(s.Text(), ":")
		if !ok || strings.TrimSpace(k) != "vendor_id" {
			continue
		}
		switch strings.TrimSpace(v) {
		case "GenuineIntel":
			return "intel", nil
		case "AuthenticAMD":
			return "zen", nil
		}
		return "", fmt.Errorf("%w: vendor %s", errNoPMU, strings.TrimSpace(v))
	}
	return "", errNoPMU
}

// perfCounters is the retired conditional branch counter of one task.
type perfCounters struct {
	tid int
	fd  int
}

// Counters implements proc.Tracer. The counter counts user space only and
// interrupts the task with TimeSliceSignal when its period expires.
// ForcedUarch "none" disables tick counting.
func (tr *Tracer) Counters(tid int) (proc.PerfCounters, error) {
	if tr.ForcedUarch == "none" {
		return nil, nil
	}
	event, err := rcbEvent(tr.ForcedUarch)
	if err != nil {
		return nil, err
	}
	attr := sys.PerfEventAttr{
		Type:   sys.PERF_TYPE_RAW,
		Config: event,
		Bits:   sys.PerfBitDisabled | sys.PerfBitExcludeKernel | sys.PerfBitExcludeHv,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))
	fd, err := sys.PerfEventOpen(&attr, tid, -1, -1, sys.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open for %d: %w", tid, err)
	}
	pc := &perfCounters{tid: tid, fd: fd}
	if err := pc.interruptTask(); err != nil {
		sys.Close(fd)
		return nil, err
	}
	return pc, nil
}

// Missing from x/sys/unix.
const _F_OWNER_TID = 0

type fOwnerEx struct {
	typ int32
	pid int32
}

// interruptTask routes the overflow notification of the counter to the
// task it counts.
func (pc *perfCounters) interruptTask() error {
	if _, err := sys.FcntlInt(uintptr(pc.fd), sys.F_SETFL, sys.O_ASYNC); err != nil {
		return err
	}
	own := fOwnerEx{typ: _F_OWNER_TID, pid: int32(pc.tid)}
	if _, _, errno := syscall.Syscall(sys.SYS_FCNTL, uintptr(pc.fd), sys.F_SETOWN_EX, uintptr(unsafe.Pointer(&own))); errno != 0 {
		return errno
	}
	_, err := sys.FcntlInt(uintptr(pc.fd), sys.F_SETSIG, int(TimeSliceSignal))
	return err
}

func (pc *perfCounters) ioctl(req uint, arg uintptr) error {
	_, _, errno := syscall.Syscall(sys.SYS_IOCTL, uintptr(pc.fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (pc *perfCounters) Reset(period int64) error {
	if err := pc.ioctl(sys.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return err
	}
	if err := pc.ioctl(sys.PERF_EVENT_IOC_RESET, 0); err != nil {
		return err
	}
	// A zero period disables sampling, which is what a non positive
	// period means here.
	p := uint64(0)
	if period > 0 {
		p = uint64(period)
	}
	if err := pc.ioctl(sys.PERF_EVENT_IOC_PERIOD, uintptr(unsafe.Pointer(&p))); err != nil {
		return err
	}
	return pc.ioctl(sys.PERF_EVENT_IOC_ENABLE, 0)
}

func (pc *perfCounters) Read() (int64, error) {
	var buf [8]byte
	n, err := sys.Read(pc.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read of tick counter: %d bytes", n)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func (pc *perfCounters) Stop() error {
	return pc.ioctl(sys.PERF_EVENT_IOC_DISABLE, 0)
}

func (pc *perfCounters) Close() error {
	return sys.Close(pc.fd)
}
