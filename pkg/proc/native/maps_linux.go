//go:build linux && amd64

package native

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/rd/pkg/trace"
)

// Maps implements proc.MapsReader by parsing /proc/<tid>/maps.
func (tr *Tracer) Maps(tid int) ([]trace.KernelMapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", tid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r []trace.KernelMapping
	s := bufio.NewScanner(f)
	for s.Scan() {
		km, err := parseMapsLine(s.Text())
		if err != nil {
			return nil, err
		}
		r = append(r, km)
	}
	return r, s.Err()
}

// parseMapsLine parses one line of /proc/<tid>/maps:
//
//	00400000-0040b000 r-xp 00000000 08:01 1234  /bin/true
func parseMapsLine(line string) (trace.KernelMapping, error) {
	var km trace.KernelMapping
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return km, fmt.Errorf("malformed maps line %q", line)
	}
	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return km, fmt.Errorf("malformed address range %q", fields[0])
	}
	var err error
	if km.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
		return km, err
	}
	if km.End, err = strconv.ParseUint(end, 16, 64); err != nil {
		return km, err
	}
	perms := fields[1]
	if len(perms) != 4 {
		return km, fmt.Errorf("malformed permissions %q", perms)
	}
	if perms[0] == 'r' {
		km.Prot |= sys.PROT_READ
	}
	if perms[1] == 'w' {
		km.Prot |= sys.PROT_WRITE
	}
	if perms[2] == 'x' {
		km.Prot |= sys.PROT_EXEC
	}
	if perms[3] == 's' {
		km.Flags = sys.MAP_SHARED
	} else {
		km.Flags = sys.MAP_PRIVATE
	}
	if km.Offset, err = strconv.ParseInt(fields[2], 16, 64); err != nil {
		return km, err
	}
	if len(fields) > 5 {
		km.Fsname = strings.Join(fields[5:], " ")
	}
	if km.Fsname == "" {
		km.Flags |= sys.MAP_ANONYMOUS
	}
	return km, nil
}
