// Package csvout implements the four CSV output streams named in §6:
// interval, fin(al totals), total, and times. Grounded on the teacher's
// internal/storage/dataframe.go ExportToCSV shape (encoding/csv.Writer,
// header row written once, one row written per call).
package csvout

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Writer is a header-then-rows CSV sink. An empty path means stdout, per
// §6 ("empty string means stdout or in-memory stringstream").
type Writer struct {
	w           *csv.Writer
	closer      io.Closer
	wroteHeader bool
}

func Open(path string) (*Writer, error) {
	var out io.Writer
	var closer io.Closer
	if path == "" {
		out = os.Stdout
	} else {
		f, err := os.Create(path)
		if err != nil {
			return nil, fmt.Errorf("opening csv output %s: %w", path, err)
		}
		out = f
		closer = f
	}
	return &Writer{w: csv.NewWriter(out), closer: closer}, nil
}

func (w *Writer) Close() error {
	w.w.Flush()
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}

func (w *Writer) writeHeader(cols []string) error {
	if w.wroteHeader {
		return nil
	}
	w.wroteHeader = true
	return w.w.Write(cols)
}

// IntervalRow is one row of the per-interval stream: the common prefix
// (interval, app, CPU) plus every counter/derived-metric column, plus
// the VM-only Temperature/VM_CPU%/total_CPU% columns when IsVM is set.
type IntervalRow struct {
	Interval  int
	App       string
	CPU       int
	IsVM      bool
	Temperature float64
	VMCPUPercent    float64
	TotalCPUPercent float64
	Counters  map[string]float64
}

// WriteIntervalHeader fixes the counter column order for every
// subsequent row written to this stream; callers pass the full set of
// metric names once, at stream open time.
func (w *Writer) WriteIntervalHeader(counterNames []string, isVM bool) error {
	cols := []string{"interval", "app", "CPU"}
	if isVM {
		cols = append(cols, "Temperature", "VM_CPU%", "total_CPU%")
	}
	cols = append(cols, counterNames...)
	return w.writeHeader(cols)
}

func (w *Writer) WriteIntervalRow(row IntervalRow, counterNames []string) error {
	cols := []string{strconv.Itoa(row.Interval), row.App, strconv.Itoa(row.CPU)}
	if row.IsVM {
		cols = append(cols, formatFloat(row.Temperature), formatFloat(row.VMCPUPercent), formatFloat(row.TotalCPUPercent))
	}
	for _, name := range counterNames {
		cols = append(cols, formatFloat(row.Counters[name]))
	}
	return w.w.Write(cols)
}

// FinRow is the "until-completion totals" row, emitted once per
// workload the first time it transitions to Exited or LimitReached.
type FinRow struct {
	Interval int
	App      string
	CPU      int
	Counters map[string]float64
}

func (w *Writer) WriteFinHeader(counterNames []string) error {
	cols := append([]string{"interval", "app", "CPU"}, counterNames...)
	return w.writeHeader(cols)
}

func (w *Writer) WriteFinRow(row FinRow, counterNames []string) error {
	cols := []string{strconv.Itoa(row.Interval), row.App, strconv.Itoa(row.CPU)}
	for _, name := range counterNames {
		cols = append(cols, formatFloat(row.Counters[name]))
	}
	return w.w.Write(cols)
}

// TotalRow is the final lifetime-total row per workload, emitted when a
// workload is marked Done.
type TotalRow struct {
	App      string
	CPU      int
	Counters map[string]float64
}

func (w *Writer) WriteTotalHeader(counterNames []string) error {
	cols := append([]string{"app", "CPU"}, counterNames...)
	return w.writeHeader(cols)
}

func (w *Writer) WriteTotalRow(row TotalRow, counterNames []string) error {
	cols := []string{row.App, strconv.Itoa(row.CPU)}
	for _, name := range counterNames {
		cols = append(cols, formatFloat(row.Counters[name]))
	}
	return w.w.Write(cols)
}

// TimesRow is one row of the /proc/stat times stream: interval, app,
// CPU, VM_CPU% (VMs only), total_CPU%, then the 10 time categories.
type TimesRow struct {
	Interval        int
	App             string
	CPU             int
	IsVM            bool
	VMCPUPercent    float64
	TotalCPUPercent float64
	User, Nice, System, Idle, Iowait float64
	IRQ, SoftIRQ, Steal             float64
	Guest, GuestNice                float64
}

func (w *Writer) WriteTimesHeader(isVM bool) error {
	cols := []string{"interval", "app", "CPU"}
	if isVM {
		cols = append(cols, "VM_CPU%")
	}
	cols = append(cols, "total_CPU%",
		"user", "nice", "system", "idle", "iowait", "irq", "softirq", "steal", "guest", "guest_nice")
	return w.writeHeader(cols)
}

func (w *Writer) WriteTimesRow(row TimesRow) error {
	cols := []string{strconv.Itoa(row.Interval), row.App, strconv.Itoa(row.CPU)}
	if row.IsVM {
		cols = append(cols, formatFloat(row.VMCPUPercent))
	}
	cols = append(cols, formatFloat(row.TotalCPUPercent),
		formatFloat(row.User), formatFloat(row.Nice), formatFloat(row.System), formatFloat(row.Idle), formatFloat(row.Iowait),
		formatFloat(row.IRQ), formatFloat(row.SoftIRQ), formatFloat(row.Steal), formatFloat(row.Guest), formatFloat(row.GuestNice))
	return w.w.Write(cols)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
