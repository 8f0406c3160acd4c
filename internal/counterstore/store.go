package counterstore

import (
	"fmt"
	"math"

	"experiment-controller/internal/errs"
	"experiment-controller/internal/logging"
)

type counterRecord struct {
	id       int
	name     string
	value    float64
	unit     string
	snapshot bool
	enabled  uint64
	running  uint64
}

// Store is a per-(workload, logical-CPU) rolling-window counter engine.
// One Store belongs to exactly one (workload, cpu) pair; it is never
// shared. It is reset on relaunch but otherwise lives across restarts.
type Store struct {
	initialized     bool
	intervalSeconds float64
	names           []string

	accum map[string]*rollingWindow

	prev []counterRecord
	curr []counterRecord

	derivedInt   []derivedMetric
	derivedTotal []derivedMetric

	warnedZeroEnabled map[string]bool
	intervalCount     uint64
}

// NewStore constructs an uninitialized Store; call Init before use.
func NewStore() *Store {
	return &Store{warnedZeroEnabled: map[string]bool{}}
}

// Init sets the tracked counter names and instantiates rolling-window
// accumulators for each, plus one per applicable derived metric. It
// fails if called twice, per spec §4.1.
func (s *Store) Init(names []string, intervalSeconds float64) error {
	if s.initialized {
		return errs.New(errs.KindCounterInvariant, "", fmt.Errorf("Init called twice"))
	}

	s.intervalSeconds = intervalSeconds
	s.accum = map[string]*rollingWindow{}
	for _, n := range names {
		s.accum[n] = newRollingWindow(WindowSize)
	}

	s.derivedInt = buildDerivedInt(s, names, intervalSeconds)
	s.derivedTotal = buildDerivedTotal(s, names)

	if len(s.derivedInt) != len(s.derivedTotal) {
		return errs.New(errs.KindCounterInvariant, "", fmt.Errorf(
			"different number of derived metrics for int (%d) and total (%d)",
			len(s.derivedInt), len(s.derivedTotal)))
	}
	for _, di := range s.derivedInt {
		found := false
		for _, dt := range s.derivedTotal {
			if dt.name == di.name {
				found = true
				break
			}
		}
		if !found {
			return errs.New(errs.KindCounterInvariant, "", fmt.Errorf(
				"derived metric %q present in int table but not total table", di.name))
		}
	}

	for _, d := range s.derivedInt {
		s.accum[d.name] = newRollingWindow(WindowSize)
	}

	s.names = names
	s.initialized = true
	return nil
}

// Reset clears previous/current raw state; names, derived-metric
// definitions, and accumulator history remain (§4.1).
func (s *Store) Reset() {
	s.prev = nil
	s.curr = nil
}

// Accumulate consumes one sample vector for one interval. See §4.1 for
// the full algorithm; this is a direct port of Stats::accum.
func (s *Store) Accumulate(samples []Sample, intervalSeconds float64) error {
	if !s.initialized {
		return errs.New(errs.KindCounterInvariant, "", fmt.Errorf("Accumulate called before Init"))
	}
	if len(samples) == 0 {
		return errs.New(errs.KindCounterInvariant, "", fmt.Errorf("empty sample vector"))
	}

	curr := make([]counterRecord, len(samples))
	for i, smp := range samples {
		curr[i] = counterRecord{
			id: smp.ID, name: smp.Name, value: smp.Value, unit: smp.Unit,
			snapshot: smp.IsSnapshot, enabled: smp.EnabledNS, running: smp.RunningNS,
		}
	}

	if s.prev == nil {
		if err := s.accumulateFirst(curr); err != nil {
			return err
		}
	} else {
		if err := s.accumulatePaired(curr, intervalSeconds); err != nil {
			return err
		}
	}

	for _, d := range s.derivedInt {
		s.accum[d.name].push(d.fn())
	}

	s.prev = curr
	s.curr = curr
	s.intervalCount++
	return nil
}

func (s *Store) accumulateFirst(curr []counterRecord) error {
	for _, c := range curr {
		if c.running > c.enabled {
			return errs.New(errs.KindCounterInvariant, c.name, fmt.Errorf("running (%d) > enabled (%d)", c.running, c.enabled))
		}

		value := c.value
		if c.name == counterEnergyPkg || c.name == counterEnergyRAM {
			value = 0
		}

		if c.running > 0 {
			value /= float64(c.running) / float64(c.enabled)
		}
		if !isFinite(value) {
			value = 0
		}

		s.accum[c.name].push(value)
	}
	return nil
}

func (s *Store) accumulatePaired(curr []counterRecord, intervalSeconds float64) error {
	if len(curr) != len(s.prev) {
		return errs.New(errs.KindCounterInvariant, "", fmt.Errorf("sample vector length changed (%d -> %d)", len(s.prev), len(curr)))
	}

	for i := range curr {
		c := &curr[i]
		p := s.prev[i]
		if c.id != p.id || c.name != p.name {
			return errs.New(errs.KindCounterInvariant, c.name, fmt.Errorf("sample id/name mismatch with previous interval"))
		}
		if c.running > c.enabled {
			return errs.New(errs.KindCounterInvariant, c.name, fmt.Errorf("running (%d) > enabled (%d)", c.running, c.enabled))
		}

		var value float64
		if c.snapshot {
			value = c.value
		} else {
			value = c.value - p.value
		}

		if memoryBandwidthCounters[c.name] {
			value /= intervalSeconds
		}

		if value < 0 {
			nv, err := s.resolveNegative(c.name, c.value, p.value)
			if err != nil {
				return err
			}
			value = nv
		}

		if c.enabled == 0 {
			if !s.warnedZeroEnabled[c.name] {
				s.warnedZeroEnabled[c.name] = true
				logging.GetLogger().WithField("counter", c.name).Warn("counter was not enabled during this interval")
			}
			// value kept as-is, typically 0
		} else {
			fraction := float64(c.running) / float64(c.enabled)
			if fraction < 1 {
				value /= fraction
			}
		}

		if !isFinite(value) {
			value = 0
		}

		s.accum[c.name].push(value)

		// Accumulate enabled/running since run start for bookkeeping;
		// does not feed back into this interval's fraction.
		c.enabled += p.enabled
		c.running += p.running
	}
	return nil
}

func (s *Store) resolveNegative(name string, currValue, prevValue float64) (float64, error) {
	if clampToZeroOnNegative[name] {
		return 0, nil
	}
	switch name {
	case counterEnergyPkg:
		return (currValue*1e6 + (float64(readMaxUJoulesPkg()) - prevValue*1e6)) / 1e6, nil
	case counterEnergyRAM:
		return (currValue*1e6 + (float64(readMaxUJoulesRAM()) - prevValue*1e6)) / 1e6, nil
	default:
		return 0, errs.New(errs.KindCounterInvariant, name, fmt.Errorf(
			"non-monotonic cumulative counter (current=%v, previous=%v)", currValue, prevValue))
	}
}

// last returns the most recent value pushed into the named accumulator.
func (s *Store) last(name string) float64 {
	a, ok := s.accum[name]
	if !ok {
		return 0
	}
	return a.Last()
}

// sum returns the lifetime sum of the named accumulator.
func (s *Store) sum(name string) float64 {
	a, ok := s.accum[name]
	if !ok {
		return 0
	}
	return a.Sum()
}

// Last is the exported accessor used by the supervisor and policy.
func (s *Store) Last(name string) float64 { return s.last(name) }

// Sum is the exported accessor used by the supervisor and policy.
func (s *Store) Sum(name string) float64 { return s.sum(name) }

// Current returns the raw current-interval value for name, normalized
// by enabled/running, or 0 if the counter is not tracked or the raw
// value is 0 (matching Stats::get_current's "don't worry about enabled
// being 0" shortcut).
func (s *Store) Current(name string) float64 {
	for _, c := range s.curr {
		if c.name == name {
			if c.value == 0 || c.enabled == 0 {
				return 0
			}
			return c.value / (float64(c.running) / float64(c.enabled))
		}
	}
	return 0
}

// RawInterval returns the most recent value for every raw tracked
// counter, matching data_to_string_int's use of acc::last for each name.
func (s *Store) RawInterval() map[string]float64 {
	out := make(map[string]float64, len(s.names))
	for _, n := range s.names {
		out[n] = s.last(n)
	}
	return out
}

// RawTotal returns the lifetime aggregate for every raw tracked counter:
// the mean for snapshot-style counters, the sum otherwise, matching
// data_to_string_total — with MBL/MBR/MBT always averaged even though
// they are not snapshots, per the same function's explicit override.
func (s *Store) RawTotal() map[string]float64 {
	snapshot := make(map[string]bool, len(s.curr))
	for _, c := range s.curr {
		snapshot[c.name] = c.snapshot
	}

	out := make(map[string]float64, len(s.names))
	for _, n := range s.names {
		a, ok := s.accum[n]
		if !ok {
			continue
		}
		if snapshot[n] || memoryBandwidthCounters[n] {
			out[n] = a.Mean()
		} else {
			out[n] = a.Sum()
		}
	}
	return out
}

// TotalMetricNames returns the name set shared by both derived-metric
// tables (§4.1 requires interval and total to declare identical sets).
func (s *Store) TotalMetricNames() []string {
	names := make([]string, len(s.derivedTotal))
	for i, d := range s.derivedTotal {
		names[i] = d.name
	}
	return names
}

// DerivedTotal evaluates every total-table derived metric by name.
func (s *Store) DerivedTotal() map[string]float64 {
	out := map[string]float64{}
	for _, d := range s.derivedTotal {
		out[d.name] = d.fn()
	}
	return out
}

// DerivedInterval evaluates every interval-table derived metric by name.
func (s *Store) DerivedInterval() map[string]float64 {
	out := map[string]float64{}
	for _, d := range s.derivedInt {
		out[d.name] = d.fn()
	}
	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
