// Package hostconfig probes the local host's CPU/cache/RDT topology
// once at startup and exposes it as a singleton other components read
// but never mutate.
package hostconfig

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/intel/goresctrl/pkg/rdt"
	"github.com/sirupsen/logrus"

	"experiment-controller/internal/logging"
)

// HostConfig is initialized once at startup and used throughout the run.
type HostConfig struct {
	CPUVendor    string
	CPUModel     string
	TotalCores   int
	TotalThreads int
	NumSockets   int

	L3Cache L3CacheConfig
	RDT     RDTConfig

	Hostname      string
	OSInfo        string
	KernelVersion string

	Temperature TemperatureReader
}

// L3CacheConfig mirrors the resctrl L3 cache geometry.
type L3CacheConfig struct {
	TotalSizeBytes int64
	TotalSizeMB    float64
	CacheIDs       []uint64
	WaysPerCache   int
	BytesPerWay    int64
	MaxBitmask     uint64
}

// RDTConfig mirrors what the goresctrl library reports as supported.
type RDTConfig struct {
	Supported              bool
	MonitoringSupported    bool
	AllocationSupported    bool
	AvailableClasses       []string
	MonitoringFeatures     map[string][]string
	MaxMemoryBandwidthMBps int64
}

var (
	global     *HostConfig
	globalOnce sync.Once
)

// Get returns the process-wide host configuration, probing it on first
// call.
func Get() (*HostConfig, error) {
	var err error
	globalOnce.Do(func() {
		global, err = initialize()
	})
	return global, err
}

func initialize() (*HostConfig, error) {
	logger := logging.GetLogger()
	logger.Info("probing host configuration")

	hc := &HostConfig{Temperature: defaultTemperatureReader()}

	if err := hc.initSystemInfo(); err != nil {
		return nil, fmt.Errorf("system info: %w", err)
	}
	if err := hc.initCPUInfo(); err != nil {
		return nil, fmt.Errorf("cpu info: %w", err)
	}
	if err := hc.initL3CacheInfo(); err != nil {
		logger.WithError(err).Warn("failed to determine L3 cache geometry, using defaults")
		hc.setDefaultL3CacheInfo()
	}
	if err := hc.initRDTInfo(); err != nil {
		logger.WithError(err).Warn("RDT probe failed, RDT features disabled")
		hc.RDT.Supported = false
	}

	logger.WithFields(logrus.Fields{
		"cpu_model":     hc.CPUModel,
		"total_cores":   hc.TotalCores,
		"num_sockets":   hc.NumSockets,
		"l3_cache_mb":   hc.L3Cache.TotalSizeMB,
		"rdt_supported": hc.RDT.Supported,
	}).Info("host configuration probed")

	return hc, nil
}

func (hc *HostConfig) initSystemInfo() error {
	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	hc.Hostname = hostname
	hc.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	if data, err := os.ReadFile("/proc/version"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 3 {
			hc.KernelVersion = fields[2]
		}
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}
	return nil
}

func (hc *HostConfig) initCPUInfo() error {
	hc.TotalCores = runtime.NumCPU()
	hc.TotalThreads = runtime.NumCPU()

	file, err := os.Open("/proc/cpuinfo")
	if err != nil {
		hc.CPUVendor, hc.CPUModel, hc.NumSockets = "unknown", "unknown", 1
		return nil
	}
	defer file.Close()

	seen := map[string]bool{}
	var physicalIDs []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "vendor_id"):
			if hc.CPUVendor == "" {
				hc.CPUVendor = valueAfterColon(line)
			}
		case strings.HasPrefix(line, "model name"):
			if hc.CPUModel == "" {
				hc.CPUModel = valueAfterColon(line)
			}
		case strings.HasPrefix(line, "physical id"):
			id := valueAfterColon(line)
			if !seen[id] {
				seen[id] = true
				physicalIDs = append(physicalIDs, id)
			}
		}
	}

	if hc.CPUVendor == "" {
		hc.CPUVendor = "unknown"
	}
	if hc.CPUModel == "" {
		hc.CPUModel = "unknown"
	}
	hc.NumSockets = len(physicalIDs)
	if hc.NumSockets == 0 {
		hc.NumSockets = 1
	}
	return nil
}

func valueAfterColon(line string) string {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (hc *HostConfig) initL3CacheInfo() error {
	size, err := l3CacheSizeFromSysfs()
	if err != nil {
		return err
	}
	hc.L3Cache.TotalSizeBytes = size
	hc.L3Cache.TotalSizeMB = float64(size) / (1024.0 * 1024.0)

	if rdt.MonSupported() {
		hc.L3Cache.CacheIDs = []uint64{0}
		ways := 20
		switch {
		case hc.L3Cache.TotalSizeMB >= 32:
			ways = 20
		case hc.L3Cache.TotalSizeMB >= 16:
			ways = 16
		default:
			ways = 12
		}
		hc.L3Cache.WaysPerCache = ways
		hc.L3Cache.BytesPerWay = hc.L3Cache.TotalSizeBytes / int64(ways)
		hc.L3Cache.MaxBitmask = (uint64(1) << ways) - 1
		return nil
	}

	hc.L3Cache.CacheIDs = []uint64{0}
	hc.L3Cache.WaysPerCache = 20
	hc.L3Cache.BytesPerWay = size / 20
	hc.L3Cache.MaxBitmask = (uint64(1) << 20) - 1
	return nil
}

func l3CacheSizeFromSysfs() (int64, error) {
	for _, path := range []string{
		"/sys/devices/system/cpu/cpu0/cache/index3/size",
		"/sys/devices/system/cpu/cpu0/cache/index2/size",
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		s := strings.TrimSpace(string(data))
		switch {
		case strings.HasSuffix(s, "K"):
			if v, err := strconv.ParseInt(s[:len(s)-1], 10, 64); err == nil {
				return v * 1024, nil
			}
		case strings.HasSuffix(s, "M"):
			if v, err := strconv.ParseInt(s[:len(s)-1], 10, 64); err == nil {
				return v * 1024 * 1024, nil
			}
		default:
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				return v, nil
			}
		}
	}
	return 0, fmt.Errorf("could not determine L3 cache size")
}

func (hc *HostConfig) setDefaultL3CacheInfo() {
	mb := int64(8)
	switch {
	case strings.Contains(strings.ToLower(hc.CPUModel), "xeon"):
		mb = 32
	case strings.Contains(strings.ToLower(hc.CPUModel), "i7"):
		mb = 12
	}
	hc.L3Cache.TotalSizeBytes = mb * 1024 * 1024
	hc.L3Cache.TotalSizeMB = float64(mb)
	hc.L3Cache.CacheIDs = []uint64{0}
	hc.L3Cache.WaysPerCache = 16
	hc.L3Cache.BytesPerWay = hc.L3Cache.TotalSizeBytes / 16
	hc.L3Cache.MaxBitmask = (uint64(1) << 16) - 1
}

func (hc *HostConfig) initRDTInfo() error {
	hc.RDT.Supported = rdt.MonSupported()
	hc.RDT.MonitoringSupported = hc.RDT.Supported
	if !hc.RDT.Supported {
		return nil
	}

	for _, class := range rdt.GetClasses() {
		hc.RDT.AvailableClasses = append(hc.RDT.AvailableClasses, class.Name())
	}
	hc.RDT.MonitoringFeatures = map[string][]string{}
	for resource, features := range rdt.GetMonFeatures() {
		hc.RDT.MonitoringFeatures[string(resource)] = features
	}
	hc.RDT.AllocationSupported = len(hc.RDT.AvailableClasses) > 0

	if strings.Contains(strings.ToLower(hc.CPUModel), "xeon") {
		hc.RDT.MaxMemoryBandwidthMBps = 100000
	} else {
		hc.RDT.MaxMemoryBandwidthMBps = 50000
	}
	return nil
}
