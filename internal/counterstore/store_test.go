package counterstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(id int, name string, value float64, enabled, running uint64) Sample {
	return Sample{ID: id, Name: name, Value: value, EnabledNS: enabled, RunningNS: running}
}

func TestAccumulate_FirstIntervalFullyEnabled(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"instructions", "cycles"}, 1.0))

	err := s.Accumulate([]Sample{
		sample(0, "instructions", 1000, 100, 100),
		sample(1, "cycles", 500, 100, 100),
	}, 1.0)
	require.NoError(t, err)

	assert.Equal(t, 1000.0, s.Last("instructions"))
	assert.Equal(t, 500.0, s.Last("cycles"))
}

func TestAccumulate_SecondIntervalDifferences(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"inst_retired.any", "cycles"}, 1.0))

	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "inst_retired.any", 1000, 100, 100),
		sample(1, "cycles", 500, 100, 100),
	}, 1.0))
	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "inst_retired.any", 3000, 100, 100),
		sample(1, "cycles", 1500, 100, 100),
	}, 1.0))

	assert.Equal(t, 2000.0, s.Last("inst_retired.any"))
	assert.Equal(t, 1000.0, s.Last("cycles"))
	assert.InDelta(t, 2.0, s.DerivedInterval()["ipc"], 1e-9)
}

func TestAccumulate_PureIdle_S1(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"instructions", "cycles"}, 1.0))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Accumulate([]Sample{
			sample(0, "instructions", 0, 100, 100),
			sample(1, "cycles", 0, 100, 100),
		}, 1.0))
	}
	assert.Equal(t, 0.0, s.Last("instructions"))
}

func TestAccumulate_EnergyWrap_S3(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{counterEnergyPkg}, 1.0))

	// max_ujoules_pkg = 262143328000 uJ -> 262143.328 J (fallback used since
	// no RAPL sysfs tree is present in test environments)
	const maxJ = fallbackMaxUJoulesPkg / 1e6

	vals := []float64{0.1, 0.2, maxJ - 0.05, 0.05}
	var got []float64
	for _, v := range vals {
		require.NoError(t, s.Accumulate([]Sample{
			sample(0, counterEnergyPkg, v, 100, 100),
		}, 1.0))
		got = append(got, s.Last(counterEnergyPkg))
	}

	assert.Equal(t, 0.0, got[0], "energy counters are zeroed on the first sample")
	assert.InDelta(t, 0.1, got[1], 1e-9)
	assert.InDelta(t, maxJ-0.25, got[2], 1e-9)
	assert.InDelta(t, 0.10, got[3], 1e-9)
	for _, v := range got {
		assert.GreaterOrEqual(t, v, 0.0, "no negatives after wrap correction")
	}
}

func TestAccumulate_NonMonotonicIsFatal(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"some_cumulative_counter"}, 1.0))

	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "some_cumulative_counter", 100, 100, 100),
	}, 1.0))
	err := s.Accumulate([]Sample{
		sample(0, "some_cumulative_counter", 50, 100, 100),
	}, 1.0)
	assert.Error(t, err)
}

func TestAccumulate_SnapshotCounterClampedOnNegative(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"MBL[MBps]"}, 1.0))

	require.NoError(t, s.Accumulate([]Sample{
		{ID: 0, Name: "MBL[MBps]", Value: 500, EnabledNS: 100, RunningNS: 100},
	}, 1.0))
	require.NoError(t, s.Accumulate([]Sample{
		{ID: 0, Name: "MBL[MBps]", Value: 100, EnabledNS: 100, RunningNS: 100},
	}, 1.0))
	assert.Equal(t, 0.0, s.Last("MBL[MBps]"))
}

func TestAccumulate_MultiplexCompensation(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"cache-misses"}, 1.0))

	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "cache-misses", 100, 100, 100),
	}, 1.0))
	// running is half of enabled: value should be scaled up 2x
	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "cache-misses", 200, 100, 50),
	}, 1.0))
	assert.InDelta(t, 200.0, s.Last("cache-misses"), 1e-9)
}

func TestAccumulate_ZeroEnabledKeepsValue(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"cache-misses"}, 1.0))

	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "cache-misses", 100, 100, 100),
	}, 1.0))
	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "cache-misses", 150, 0, 0),
	}, 1.0))
	assert.Equal(t, 50.0, s.Last("cache-misses"))
}

func TestInit_DerivedMetricTablesShareNameSet(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"inst_retired.any", "cycles", "Read_bytes_sec", "Write_bytes_sec", "Time_io_disk_ns"}, 1.0))

	intNames := map[string]bool{}
	for _, d := range s.derivedInt {
		intNames[d.name] = true
	}
	for _, name := range s.TotalMetricNames() {
		assert.True(t, intNames[name], "total metric %q missing from interval table", name)
	}
}

func TestDiskBW_TotalAlwaysZero_PreservedAsymmetry(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"Read_bytes_sec", "Write_bytes_sec"}, 1.0))

	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "Read_bytes_sec", 1048576, 100, 100),
		sample(1, "Write_bytes_sec", 1048576, 100, 100),
	}, 1.0))
	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "Read_bytes_sec", 3*1048576, 100, 100),
		sample(1, "Write_bytes_sec", 3*1048576, 100, 100),
	}, 1.0))

	assert.InDelta(t, 4.0, s.DerivedInterval()["Disk_BW[MBps]"], 1e-9, "interval form uses the real formula")
	assert.Equal(t, 0.0, s.DerivedTotal()["Disk_BW[MBps]"], "total form preserves the upstream bug of always returning 0")
}

func TestRawTotal_SumsCumulativeAndAveragesSnapshots(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"inst_retired.any", "MBL[MBps]"}, 1.0))

	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "inst_retired.any", 1000, 100, 100),
		{ID: 1, Name: "MBL[MBps]", Value: 400, EnabledNS: 100, RunningNS: 100},
	}, 1.0))
	require.NoError(t, s.Accumulate([]Sample{
		sample(0, "inst_retired.any", 3000, 100, 100),
		{ID: 1, Name: "MBL[MBps]", Value: 1200, EnabledNS: 100, RunningNS: 100},
	}, 1.0))

	total := s.RawTotal()
	assert.InDelta(t, 3000.0, total["inst_retired.any"], 1e-9, "non-snapshot raw counters sum across intervals")
	assert.InDelta(t, 600.0, total["MBL[MBps]"], 1e-9, "memory-bandwidth counters average even though not a snapshot")
}

func TestRawInterval_ReturnsLastValuePerCounter(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Init([]string{"cycles"}, 1.0))

	require.NoError(t, s.Accumulate([]Sample{sample(0, "cycles", 500, 100, 100)}, 1.0))
	require.NoError(t, s.Accumulate([]Sample{sample(0, "cycles", 1500, 100, 100)}, 1.0))

	assert.Equal(t, 1000.0, s.RawInterval()["cycles"])
}

func TestReset_MatchesFreshStoreOnSameInput(t *testing.T) {
	fresh := NewStore()
	require.NoError(t, fresh.Init([]string{"instructions"}, 1.0))
	require.NoError(t, fresh.Accumulate([]Sample{sample(0, "instructions", 42, 100, 100)}, 1.0))

	reused := NewStore()
	require.NoError(t, reused.Init([]string{"instructions"}, 1.0))
	require.NoError(t, reused.Accumulate([]Sample{sample(0, "instructions", 99, 100, 100)}, 1.0))
	reused.Reset()
	require.NoError(t, reused.Accumulate([]Sample{sample(0, "instructions", 42, 100, 100)}, 1.0))

	assert.Equal(t, fresh.Last("instructions"), reused.Last("instructions"))
}
