// Package rdt wraps goresctrl's RDT control/monitoring API behind the
// allocation and monitoring primitives §4.2 names. Grounded on the
// teacher's internal/collectors/rdt.go (class lookup, mon data read)
// and internal/allocation/rdt_allocator.go (the declarative
// rdt.Config/rdt.SetConfig shape — goresctrl has no per-field mutators,
// so every change reasserts one partition's full Config).
package rdt

import (
	"fmt"
	"sync"

	goresctrl "github.com/intel/goresctrl/pkg/rdt"

	"experiment-controller/internal/errs"
)

// CDPScope mirrors the cdp_scope parameter to set_cache_mask. goresctrl
// resolves code/data split through CacheIdCatConfig.{CodeData,Unified}
// rather than a per-call scope; Code/Data select the split fields,
// Both selects Unified.
type CDPScope int

const (
	CDPBoth CDPScope = iota
	CDPCode
	CDPData
)

type socketAllocation struct {
	mask   goresctrl.CacheProportion
	codeMask, dataMask goresctrl.CacheProportion
	mbps   int
}

// Adapter owns the process-wide RDT library handle, the accumulated
// per-CLOS/per-socket allocation state (goresctrl.SetConfig takes the
// whole partition at once, so partial updates from SetCBM/SetMBA must
// be merged locally before every reassertion), and the set of
// monitored targets.
type Adapter struct {
	mu sync.Mutex

	initialized bool
	socketAlloc map[int]map[int]*socketAllocation // clos -> socket -> allocation
	monitored   map[int]bool
}

func New() *Adapter {
	return &Adapter{
		socketAlloc: make(map[int]map[int]*socketAllocation),
		monitored:   make(map[int]bool),
	}
}

func closName(clos int) string { return fmt.Sprintf("clos%d", clos) }

// Init initializes goresctrl in OS/resctrl mode and applies the initial
// CLOS set from config (num -> schemata, num -> mbps).
func (a *Adapter) Init(closSchemata map[int]string, closMbps map[int]int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := goresctrl.Initialize(""); err != nil {
		return errs.New(errs.KindAdapter, "rdt-init", err)
	}
	a.initialized = true

	for num, schemata := range closSchemata {
		a.setSocketAllocLocked(num, 0, &socketAllocation{mask: goresctrl.CacheProportion(schemata), mbps: closMbps[num]})
	}
	return a.applyLocked(false)
}

// SetCBM sets the L3 cache bitmask for a CLOS on the given socket.
// Multi-socket masks are addressed by calling SetCBM once per socket —
// the original libpqos contract is per-(clos,socket) too.
func (a *Adapter) SetCBM(clos, socket int, mask string, cdpScope CDPScope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc := a.getOrCreateSocketAllocLocked(clos, socket)
	switch cdpScope {
	case CDPCode:
		alloc.codeMask = goresctrl.CacheProportion(mask)
	case CDPData:
		alloc.dataMask = goresctrl.CacheProportion(mask)
	default:
		alloc.mask = goresctrl.CacheProportion(mask)
	}
	return a.applyLocked(false)
}

// SetMBA sets the memory-bandwidth cap, in MBps, for a CLOS on a
// socket. useController is accepted for interface symmetry with the
// libpqos contract — goresctrl's MbProportion string already expresses
// either a percentage or (when the kernel MBA controller is present) an
// absolute MBps figure, so both modes are represented by the same cap.
func (a *Adapter) SetMBA(clos, socket, capMbps int, useController bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc := a.getOrCreateSocketAllocLocked(clos, socket)
	alloc.mbps = capMbps
	return a.applyLocked(false)
}

func (a *Adapter) getOrCreateSocketAllocLocked(clos, socket int) *socketAllocation {
	if a.socketAlloc[clos] == nil {
		a.socketAlloc[clos] = make(map[int]*socketAllocation)
	}
	alloc, ok := a.socketAlloc[clos][socket]
	if !ok {
		alloc = &socketAllocation{}
		a.socketAlloc[clos][socket] = alloc
	}
	return alloc
}

func (a *Adapter) setSocketAllocLocked(clos, socket int, alloc *socketAllocation) {
	if a.socketAlloc[clos] == nil {
		a.socketAlloc[clos] = make(map[int]*socketAllocation)
	}
	a.socketAlloc[clos][socket] = alloc
}

// applyLocked reasserts the full RDT Config from accumulated state.
// Shape ported from the teacher's applyManagedConfigLocked.
func (a *Adapter) applyLocked(force bool) error {
	classes := make(map[string]struct {
		L2Allocation goresctrl.CatConfig         `json:"l2Allocation"`
		L3Allocation goresctrl.CatConfig         `json:"l3Allocation"`
		MBAllocation goresctrl.MbaConfig         `json:"mbAllocation"`
		Kubernetes   goresctrl.KubernetesOptions `json:"kubernetes"`
	}, len(a.socketAlloc))

	for clos, bySocket := range a.socketAlloc {
		l3 := goresctrl.CatConfig{}
		mb := goresctrl.MbaConfig{}
		for socket, alloc := range bySocket {
			id := fmt.Sprint(socket)
			cfg := goresctrl.CacheIdCatConfig{}
			if alloc.mask != "" {
				cfg.Unified = alloc.mask
			}
			if alloc.codeMask != "" {
				cfg.Code = alloc.codeMask
			}
			if alloc.dataMask != "" {
				cfg.Data = alloc.dataMask
			}
			l3[id] = cfg
			if alloc.mbps > 0 {
				mb[id] = goresctrl.CacheIdMbaConfig{goresctrl.MbProportion(fmt.Sprintf("%dMBps", alloc.mbps))}
			}
		}
		classes[closName(clos)] = struct {
			L2Allocation goresctrl.CatConfig         `json:"l2Allocation"`
			L3Allocation goresctrl.CatConfig         `json:"l3Allocation"`
			MBAllocation goresctrl.MbaConfig         `json:"mbAllocation"`
			Kubernetes   goresctrl.KubernetesOptions `json:"kubernetes"`
		}{L3Allocation: l3, MBAllocation: mb}
	}

	config := &goresctrl.Config{
		Partitions: map[string]struct {
			L2Allocation goresctrl.CatConfig `json:"l2Allocation"`
			L3Allocation goresctrl.CatConfig `json:"l3Allocation"`
			MBAllocation goresctrl.MbaConfig `json:"mbAllocation"`
			Classes      map[string]struct {
				L2Allocation goresctrl.CatConfig         `json:"l2Allocation"`
				L3Allocation goresctrl.CatConfig         `json:"l3Allocation"`
				MBAllocation goresctrl.MbaConfig         `json:"mbAllocation"`
				Kubernetes   goresctrl.KubernetesOptions `json:"kubernetes"`
			} `json:"classes"`
		}{
			"": {
				L3Allocation: goresctrl.CatConfig{
					goresctrl.CacheIdAll: goresctrl.CacheIdCatConfig{Unified: goresctrl.CacheProportion("100%")},
				},
				MBAllocation: goresctrl.MbaConfig{
					goresctrl.CacheIdAll: goresctrl.CacheIdMbaConfig{goresctrl.MbProportion("100%")},
				},
				Classes: classes,
			},
		},
	}

	if err := goresctrl.SetConfig(config, force); err != nil {
		return errs.New(errs.KindAdapter, "rdt-set-config", err)
	}
	return nil
}

// Assign adds a pid to a CLOS's control group.
func (a *Adapter) Assign(clos int, pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	className := closName(clos)
	group, exists := goresctrl.GetClass(className)
	if !exists {
		return errs.New(errs.KindAdapter, className, fmt.Errorf("CLOS %d not initialized", clos))
	}
	if err := group.AddPids(fmt.Sprint(pid)); err != nil {
		return errs.New(errs.KindAdapter, className, fmt.Errorf("assigning pid %d to CLOS %d: %w", pid, clos, err))
	}
	return nil
}

// ReadCBM returns the CLOS's currently-asserted cache bitmask on a
// socket, from locally-cached state — goresctrl's CtrlGroup does not
// expose the raw CBM back out, so "set and read back" (§7) is verified
// against the Resource Controller's own record of what it asserted.
func (a *Adapter) ReadCBM(clos, socket int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	bySocket, ok := a.socketAlloc[clos]
	if !ok {
		return "", errs.New(errs.KindAdapter, closName(clos), fmt.Errorf("CLOS %d not initialized", clos))
	}
	alloc, ok := bySocket[socket]
	if !ok {
		return "", errs.New(errs.KindAdapter, closName(clos), fmt.Errorf("socket %d has no allocation for CLOS %d", socket, clos))
	}
	return string(alloc.mask), nil
}

// MonStart adds a pid or core to the monitored set. Idempotent: a
// target already in the set stays in it unchanged.
func (a *Adapter) MonStart(target int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.monitored[target] = true
	return nil
}

func (a *Adapter) MonStop(target int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.monitored, target)
}

// MonValues is the {llc_mb, lmem_mbps, tmem_mbps, rmem_mbps} tuple read
// per monitored target, with rmem = max(0, tmem-lmem) per §4.2.
type MonValues struct {
	LLCOccupancyBytes float64
	LocalMBps         float64
	TotalMBps         float64
	RemoteMBps        float64
}

// Poll reads current monitoring data for a CLOS's control group. Byte
// counters are converted to MiB (divide by 1024*1024), matching
// monitor_get_values_pid/monitor_get_values_core in
// _examples/original_source/intel-rdt.cpp.
func (a *Adapter) Poll(clos int) (MonValues, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	className := closName(clos)
	group, exists := goresctrl.GetClass(className)
	if !exists {
		return MonValues{}, errs.New(errs.KindAdapter, className, fmt.Errorf("CLOS %d not initialized", clos))
	}

	monData := group.GetMonData()
	var llc, local, total float64
	for _, l3 := range monData.L3 {
		if v, ok := l3["llc_occupancy"]; ok {
			llc = float64(v)
		}
		if v, ok := l3["mbm_local_bytes"]; ok {
			local = float64(v)
		}
		if v, ok := l3["mbm_total_bytes"]; ok {
			total = float64(v)
		}
		break
	}
	remote := total - local
	if remote < 0 {
		remote = 0
	}
	const mib = 1024.0 * 1024.0
	return MonValues{
		LLCOccupancyBytes: llc / mib,
		LocalMBps:         local / mib,
		TotalMBps:         total / mib,
		RemoteMBps:        remote / mib,
	}, nil
}

// SupportedMonitoring reports whether RDT monitoring is usable on this
// host, mirroring the teacher's graceful-degradation check.
func SupportedMonitoring() bool { return goresctrl.MonSupported() }
