// Package counterstore implements the per-(workload, logical-CPU)
// rolling-window counter engine: it turns raw Sample vectors into
// per-interval and cumulative metrics, applies PMU-multiplexing
// compensation, and exposes derived metrics. Ported by hand from
// the original's Stats class (see _examples/original_source/stats.cpp);
// no third-party accumulator library in the pack covers this shape.
package counterstore

// WindowSize is the rolling-window width used by every accumulator this
// store owns, matching the original's WIN_SIZE.
const WindowSize = 7

// Sample is a single per-counter reading handed to accumulate. EnabledNS
// and RunningNS drive PMU-multiplexing compensation; Running must never
// exceed Enabled.
type Sample struct {
	ID         int
	Name       string
	Value      float64
	Unit       string
	IsSnapshot bool
	EnabledNS  uint64
	RunningNS  uint64
}

// energy counter names that wrap around rather than signal a fatal
// invariant violation on a negative difference.
const (
	counterEnergyPkg = "power/energy-pkg/"
	counterEnergyRAM = "power/energy-ram/"
)

// snapshot-style counters whose negative difference is clamped to 0
// rather than treated as a wrap-around or a fatal error.
var clampToZeroOnNegative = map[string]bool{
	"MBL[MBps]":            true,
	"MBR[MBps]":            true,
	"MBT[MBps]":            true,
	"Rx_netBW[KBps]":       true,
	"Tx_netBW[KBps]":       true,
	"OVS_Rx_netBW[KBps]":   true,
	"OVS_Tx_netBW[KBps]":   true,
	"Time_io_disk_ns":      true,
}

// memory-bandwidth counters reported cumulatively in bytes-equivalent
// units that must be divided by interval_seconds to become MBps.
var memoryBandwidthCounters = map[string]bool{
	"MBL[MBps]": true,
	"MBR[MBps]": true,
	"MBT[MBps]": true,
}
