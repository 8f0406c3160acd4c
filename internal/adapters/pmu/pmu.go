// Package pmu wraps perf_event_open event groups, one group per
// (workload, event-group) pair, either PID- or CPU-scoped depending on
// the configured perf target. Grounded on the teacher's
// internal/collectors/perf.go, restructured around the configured event
// name list (rather than a fixed hardware-counter set) since the
// counter store's derived metrics are named by event, not by struct
// field.
package pmu

import (
	"fmt"
	"os"
	"sync"

	perf "github.com/elastic/go-perf"

	"experiment-controller/internal/counterstore"
	"experiment-controller/internal/errs"
)

// MaxEvents bounds the number of events a single Group may open, per
// §7's AdapterError condition ("PMU setup exceeded max_num_events").
const MaxEvents = 32

// knownEvent resolves an event name from config into a perf.Attr. Raw
// configs for events with no predefined perf.HardwareCounter are ported
// from the teacher's rawStallEvents table.
type knownEvent struct {
	hw     *perf.HardwareCounter
	raw    uint64
	isRaw  bool
	label  string
	unit   string
}

var registry = buildRegistry()

func buildRegistry() map[string]knownEvent {
	hw := func(c perf.HardwareCounter) *perf.HardwareCounter { return &c }
	return map[string]knownEvent{
		"instructions":                   {hw: hw(perf.Instructions), label: "instructions", unit: "count"},
		"cpu-cycles":                     {hw: hw(perf.CPUCycles), label: "cpu-cycles", unit: "count"},
		"cycles":                         {hw: hw(perf.CPUCycles), label: "cpu-cycles", unit: "count"},
		"ref-cycles":                     {hw: hw(perf.RefCPUCycles), label: "ref-cycles", unit: "count"},
		"cache-misses":                   {hw: hw(perf.CacheMisses), label: "cache-misses", unit: "count"},
		"cache-references":               {hw: hw(perf.CacheReferences), label: "cache-references", unit: "count"},
		"branch-instructions":            {hw: hw(perf.BranchInstructions), label: "branch-instructions", unit: "count"},
		"branch-misses":                  {hw: hw(perf.BranchMisses), label: "branch-misses", unit: "count"},
		"bus-cycles":                     {hw: hw(perf.BusCycles), label: "bus-cycles", unit: "count"},
		"mem_load_retired.l2_miss":       {isRaw: true, raw: 0x01d1, label: "mem_load_retired.l2_miss", unit: "count"},
		"mem_load_retired.l3_miss":       {isRaw: true, raw: 0x20d1, label: "mem_load_retired.l3_miss", unit: "count"},
		"inst_retired.any":               {isRaw: true, raw: 0x00c0, label: "inst_retired.any", unit: "count"},
		"cycle_activity.stalls_total":    {isRaw: true, raw: 0x40004a3, label: "cycle_activity.stalls_total", unit: "count"},
		"cycle_activity.stalls_l3_miss":  {isRaw: true, raw: 0x60006a3, label: "cycle_activity.stalls_l3_miss", unit: "count"},
		"cycle_activity.stalls_l2_miss":  {isRaw: true, raw: 0x50005a3, label: "cycle_activity.stalls_l2_miss", unit: "count"},
		"cycle_activity.stalls_l1d_miss": {isRaw: true, raw: 0xc000ca3, label: "cycle_activity.stalls_l1d_miss", unit: "count"},
		"cycle_activity.stalls_mem_any":  {isRaw: true, raw: 0x140014a3, label: "cycle_activity.stalls_mem_any", unit: "count"},
		"resource_stalls.sb":             {isRaw: true, raw: 0x8a2, label: "resource_stalls.sb", unit: "count"},
		"resource_stalls.scoreboard":     {isRaw: true, raw: 0x2a2, label: "resource_stalls.scoreboard", unit: "count"},
	}
}

// Target selects whether a Group is opened against a PID or a CPU.
type Target struct {
	PID int // valid when Kind == "PID"
	CPU int // valid when Kind == "CPU"
	Kind string
}

// Group is one open perf_event_open event group, covering every event
// name in a single comma-separated config entry.
type Group struct {
	mu     sync.Mutex
	target Target
	events []*perf.Event
	names  []string
}

// Open opens one event per name in eventNames against target. Event
// names unresolvable in the registry are skipped with a warning, rather
// than failing the whole group — mirrors the teacher's "continue
// without it" handling of raw stall events that may not exist on the
// running microarchitecture.
func Open(target Target, eventNames []string, warn func(event string, err error)) (*Group, error) {
	if len(eventNames) > MaxEvents {
		return nil, errs.New(errs.KindAdapter, fmt.Sprintf("pmu target %+v", target),
			fmt.Errorf("event group exceeds max_num_events (%d > %d)", len(eventNames), MaxEvents))
	}

	g := &Group{target: target}
	for _, name := range eventNames {
		ev, ok := registry[name]
		if !ok {
			if warn != nil {
				warn(name, fmt.Errorf("unknown event name, not in registry"))
			}
			continue
		}

		attr := &perf.Attr{Label: ev.label}
		if ev.isRaw {
			attr.Type = perf.RawEvent
			attr.Config = ev.raw
		} else {
			ev.hw.Configure(attr)
		}
		attr.CountFormat.Enabled = true
		attr.CountFormat.Running = true

		var event *perf.Event
		var err error
		switch target.Kind {
		case "PID":
			event, err = perf.Open(attr, target.PID, -1, nil)
		case "CPU":
			event, err = perf.Open(attr, -1, target.CPU, nil)
		default:
			return nil, errs.New(errs.KindAdapter, name, fmt.Errorf("unknown perf target kind %q", target.Kind))
		}
		if err != nil {
			if warn != nil {
				warn(name, err)
			}
			continue
		}
		if err := event.Enable(); err != nil {
			event.Close()
			if warn != nil {
				warn(name, err)
			}
			continue
		}
		g.events = append(g.events, event)
		g.names = append(g.names, name)
	}
	return g, nil
}

// Read returns one counterstore.Sample per open event, in the same
// order events were opened. Invariant running ≤ enabled holds by
// construction of CountValue.
func (g *Group) Read() ([]counterstore.Sample, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	samples := make([]counterstore.Sample, 0, len(g.events))
	for i, ev := range g.events {
		count, err := ev.ReadCount()
		if err != nil {
			return nil, errs.New(errs.KindAdapter, g.names[i], err)
		}
		samples = append(samples, counterstore.Sample{
			Name:       g.names[i],
			Value:      float64(count.Value),
			Unit:       "count",
			IsSnapshot: false,
			EnabledNS:  uint64(count.Enabled),
			RunningNS:  uint64(count.Running),
		})
	}
	return samples, nil
}

// Close releases every event in the group. Errors during close are
// never fatal — this runs from the cleanup-and-die path too.
func (g *Group) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ev := range g.events {
		if ev != nil {
			ev.Close()
		}
	}
	g.events = nil
	g.names = nil
}

// ReadEnergy reads the two RAPL energy counters directly from sysfs
// rather than through perf_event_open: they are monotonic
// wrap-on-overflow cumulative counters, not multiplexed event groups.
// The microjoule readings are converted to joules and handed over as
// cumulative samples, which the Counter Store differences with its
// energy wrap recovery.
func ReadEnergy() ([]counterstore.Sample, error) {
	pkg, err := readEnergyUJ("/sys/class/powercap/intel-rapl:0/energy_uj")
	if err != nil {
		return nil, errs.New(errs.KindAdapter, "power/energy-pkg/", err)
	}
	ram, err := readEnergyUJ("/sys/class/powercap/intel-rapl:0/intel-rapl:0:0/energy_uj")
	if err != nil {
		return nil, errs.New(errs.KindAdapter, "power/energy-ram/", err)
	}
	return []counterstore.Sample{
		{Name: "power/energy-pkg/", Value: pkg / 1e6, Unit: "J", IsSnapshot: false, EnabledNS: 1, RunningNS: 1},
		{Name: "power/energy-ram/", Value: ram / 1e6, Unit: "J", IsSnapshot: false, EnabledNS: 1, RunningNS: 1},
	}, nil
}

func readEnergyUJ(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var v float64
	if _, err := fmt.Sscanf(string(data), "%f", &v); err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}
