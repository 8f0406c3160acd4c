package counterstore

// tCycleSeconds is a hard-coded ≈2.1 GHz cycle period used by the
// iostat derived metric. Preserved as a literal constant rather than
// derived from the observed TSC frequency — see SPEC_FULL.md §9, open
// question 1: the original never tracks frequency near this constant,
// so this implementation does not invent frequency detection either.
const tCycleSeconds = 0.000000000476190476190476

type derivedMetric struct {
	name string
	fn   func() float64
}

func hasName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

// buildDerivedInt returns the interval-table derived metrics: each
// closure reads `last()` of its dependency counters.
func buildDerivedInt(s *Store, names []string, intervalSeconds float64) []derivedMetric {
	var out []derivedMetric

	instructions := hasName(names, "inst_retired.any")
	cycles := hasName(names, "cycles")
	refCycles := hasName(names, "cpu_clk_unhalted.ref_tsc")
	missesL2 := hasName(names, "mem_load_retired.l2_miss")
	missesL3 := hasName(names, "mem_load_retired.l3_miss")
	readDisk := hasName(names, "Read_bytes_sec")
	writeDisk := hasName(names, "Write_bytes_sec")
	timeDisk := hasName(names, "Time_io_disk_ns")

	if timeDisk {
		out = append(out, derivedMetric{"iostat", func() float64 {
			tDisk := s.last("Time_io_disk_ns")
			return (tDisk / 1e10) / tCycleSeconds
		}})
	}
	if readDisk && writeDisk {
		out = append(out, derivedMetric{"Disk_BW[MBps]", func() float64 {
			read := s.last("Read_bytes_sec")
			write := s.last("Write_bytes_sec")
			return ((read + write) / intervalSeconds) / 1024 / 1024
		}})
	}
	if instructions && cycles {
		out = append(out, derivedMetric{"ipc", func() float64 {
			return safeDiv(s.last("inst_retired.any"), s.last("cycles"))
		}})
	}
	if instructions && refCycles {
		out = append(out, derivedMetric{"ref-ipc", func() float64 {
			return safeDiv(s.last("inst_retired.any"), s.last("cpu_clk_unhalted.ref_tsc"))
		}})
	}
	if instructions && missesL2 {
		out = append(out, derivedMetric{"mpki-l2", func() float64 {
			return safeDiv(1000*s.last("mem_load_retired.l2_miss"), s.last("inst_retired.any"))
		}})
	}
	if instructions && missesL3 {
		out = append(out, derivedMetric{"mpki-l3", func() float64 {
			return safeDiv(1000*s.last("mem_load_retired.l3_miss"), s.last("inst_retired.any"))
		}})
	}
	return out
}

// buildDerivedTotal returns the total-table derived metrics: each
// closure reads `sum()` of its dependency counters, except
// Disk_BW[MBps], which preserves the original's bug of discarding its
// computed locals and always returning 0 — see SPEC_FULL.md §9, open
// question 2.
func buildDerivedTotal(s *Store, names []string) []derivedMetric {
	var out []derivedMetric

	instructions := hasName(names, "inst_retired.any")
	cycles := hasName(names, "cycles")
	refCycles := hasName(names, "cpu_clk_unhalted.ref_tsc")
	missesL2 := hasName(names, "mem_load_retired.l2_miss")
	missesL3 := hasName(names, "mem_load_retired.l3_miss")
	readDisk := hasName(names, "Read_bytes_sec")
	writeDisk := hasName(names, "Write_bytes_sec")
	timeDisk := hasName(names, "Time_io_disk_ns")

	if timeDisk {
		out = append(out, derivedMetric{"iostat", func() float64 {
			tDisk := s.sum("Time_io_disk_ns")
			return (tDisk / 1e10) / tCycleSeconds
		}})
	}
	if readDisk && writeDisk {
		out = append(out, derivedMetric{"Disk_BW[MBps]", func() float64 {
			_ = s.sum("Read_bytes_sec")  // preserved dead computation
			_ = s.sum("Write_bytes_sec") // preserved dead computation
			return 0
		}})
	}
	if instructions && cycles {
		out = append(out, derivedMetric{"ipc", func() float64 {
			return safeDiv(s.sum("inst_retired.any"), s.sum("cycles"))
		}})
	}
	if instructions && refCycles {
		out = append(out, derivedMetric{"ref-ipc", func() float64 {
			return safeDiv(s.sum("inst_retired.any"), s.sum("cpu_clk_unhalted.ref_tsc"))
		}})
	}
	if instructions && missesL2 {
		out = append(out, derivedMetric{"mpki-l2", func() float64 {
			return safeDiv(1000*s.sum("mem_load_retired.l2_miss"), s.sum("inst_retired.any"))
		}})
	}
	if instructions && missesL3 {
		out = append(out, derivedMetric{"mpki-l3", func() float64 {
			return safeDiv(1000*s.sum("mem_load_retired.l3_miss"), s.sum("inst_retired.any"))
		}})
	}
	return out
}

func safeDiv(a, b float64) float64 {
	v := a / b
	if !isFinite(v) {
		return 0
	}
	return v
}
