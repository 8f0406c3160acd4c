// Package procstat implements the Proc Adapter: per-CPU `/proc/stat`
// time vectors for utilization accounting. Grounded on
// intel-cri-resource-manager/pkg/procstats's hand-rolled /proc/stat
// parsing, reimplemented here against github.com/prometheus/procfs
// instead of a bespoke scanner — the pack's heavier dependency stack
// already includes procfs elsewhere (kubewharf-katalyst-core), and it
// gives typed CPUStat fields instead of positional slice indices.
package procstat

import (
	"fmt"

	"github.com/prometheus/procfs"

	"experiment-controller/internal/errs"
)

// CPUTimes is the 10-slot time vector per CPU named in §4.2 ("parse
// /proc/stat lines beginning with cpu; return the 10-slot time vector
// per CPU"): user, nice, system, idle, iowait, irq, softirq, steal,
// guest, guest_nice.
type CPUTimes struct {
	User, Nice, System, Idle, Iowait float64
	IRQ, SoftIRQ, Steal              float64
	Guest, GuestNice                 float64
}

// Reader samples /proc/stat on demand; fs is re-opened each time since
// procfs.FS is just a stat() of the mount point, not an open handle.
type Reader struct {
	mountPoint string
}

func NewReader(mountPoint string) *Reader {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	return &Reader{mountPoint: mountPoint}
}

// Read returns every per-CPU time vector keyed by logical CPU number.
func (r *Reader) Read() (map[int]CPUTimes, error) {
	fs, err := procfs.NewFS(r.mountPoint)
	if err != nil {
		return nil, errs.New(errs.KindAdapter, "procstat", fmt.Errorf("opening procfs at %s: %w", r.mountPoint, err))
	}
	stat, err := fs.Stat()
	if err != nil {
		return nil, errs.New(errs.KindAdapter, "procstat", fmt.Errorf("reading /proc/stat: %w", err))
	}

	result := make(map[int]CPUTimes, len(stat.CPU))
	for cpu, times := range stat.CPU {
		result[int(cpu)] = CPUTimes{
			User: times.User, Nice: times.Nice, System: times.System, Idle: times.Idle, Iowait: times.Iowait,
			IRQ: times.IRQ, SoftIRQ: times.SoftIRQ, Steal: times.Steal,
			Guest: times.Guest, GuestNice: times.GuestNice,
		}
	}
	return result, nil
}

// Active returns the sum of every non-idle, non-iowait category —
// the numerator consumers use to compute per-category percentages.
func (t CPUTimes) Active() float64 {
	return t.User + t.Nice + t.System + t.IRQ + t.SoftIRQ + t.Steal + t.Guest + t.GuestNice
}

// Total returns the sum of every category, active and idle alike.
func (t CPUTimes) Total() float64 {
	return t.Active() + t.Idle + t.Iowait
}
