package counterstore

import (
	"os"
	"strconv"
	"strings"
)

// fallbackMaxUJoulesPkg is used when the RAPL sysfs tree is unavailable
// (e.g. in tests, or a VM without RAPL exposed). It matches the value
// used to seed the energy-wrap scenario in the test suite.
const fallbackMaxUJoulesPkg = 262143328000

// fallbackMaxUJoulesRAM mirrors the package fallback for the DRAM
// domain; RAPL DRAM domains are typically an order of magnitude smaller.
const fallbackMaxUJoulesRAM = 65712999613

func readMaxUJoulesPkg() uint64 {
	return readRAPLMax("/sys/class/powercap/intel-rapl:0/max_energy_range_uj", fallbackMaxUJoulesPkg)
}

func readMaxUJoulesRAM() uint64 {
	return readRAPLMax("/sys/class/powercap/intel-rapl:0/intel-rapl:0:0/max_energy_range_uj", fallbackMaxUJoulesRAM)
}

func readRAPLMax(path string, fallback uint64) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return fallback
	}
	return v
}
