// Package supervisor implements the interval-driven Supervisor Loop:
// pre-sleep/post-sleep sampling, PI-controlled sleep, per-workload
// transition detection, restart/teardown, and policy application.
// Grounded on _examples/original_source/manager.cpp's simple_loop, with
// the original's setjmp/longjmp cleanup path redesigned around
// context.Context cancellation and a deferred cleanup func, per the
// spec's explicit Design Notes redesign mandate.
package supervisor

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"experiment-controller/internal/adapters/ovsflow"
	"experiment-controller/internal/adapters/pmu"
	"experiment-controller/internal/adapters/procstat"
	"experiment-controller/internal/config"
	"experiment-controller/internal/counterstore"
	"experiment-controller/internal/csvout"
	"experiment-controller/internal/errs"
	"experiment-controller/internal/logging"
	"experiment-controller/internal/piloop"
	"experiment-controller/internal/rescontrol"
	"experiment-controller/internal/runcontext"
	"experiment-controller/internal/workload"
)

// ovsBridge is the virtual switch every vhost port hangs off, hardcoded
// the same way _examples/original_source/net-bandwidth.cpp hardcodes
// "ovs_br0" in its dump-ports invocation — the config document has no
// bridge-name field to generalize this from.
const ovsBridge = "ovs_br0"

// Streams bundles the four CSV output writers named in §6.
type Streams struct {
	Interval *csvout.Writer
	Fin      *csvout.Writer
	Total    *csvout.Writer
	Times    *csvout.Writer
}

// Loop owns the per-(workload,cpu) PMU groups and drives the interval
// loop to completion or to the cleanup-and-die path.
type Loop struct {
	rc      *runcontext.RunContext
	streams Streams

	groups map[workload.Workload][]*pmu.Group

	target    time.Duration
	maxIntervals int

	completedOnce map[workload.Workload]bool

	// vmStream records whether this run's CSV streams carry the VM-only
	// Temperature/VM_CPU% prefix columns, decided once from the first
	// workload in the run-list (a run is never a mix of kinds in
	// practice, matching manager.cpp's tasklist[0]-derived header).
	vmStream bool

	procReader *procstat.Reader
	preSnap    map[workload.Workload]snapshot
}

// snapshot holds the pre-sleep readings needed to turn the libvirt
// CPU-time, OVS byte-counter, and /proc/stat adapters (all cumulative,
// monotonic counters) into per-interval rates at post-sleep time,
// bracketing exactly the sleep the way §4.5's pseudocode pre_snapshot/
// post_snapshot pair does.
type snapshot struct {
	at        time.Time
	procTimes map[int]procstat.CPUTimes
	vcpuTime  map[int]uint64
	haveOVS   bool
	ovsRx     float64
	ovsTx     float64
}

func New(rc *runcontext.RunContext, streams Streams, target time.Duration, maxIntervals int) *Loop {
	return &Loop{
		rc:            rc,
		streams:       streams,
		groups:        make(map[workload.Workload][]*pmu.Group),
		target:        target,
		maxIntervals:  maxIntervals,
		completedOnce: make(map[workload.Workload]bool),
		procReader:    procstat.NewReader(""),
		preSnap:       make(map[workload.Workload]snapshot),
	}
}

// Run executes the full loop. Any unrecoverable error triggers
// cleanup() exactly once before returning, matching the original's
// single cleanup-and-die path reached from both steady-state errors and
// SIGINT/SIGABRT.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGABRT)
	defer cancel()

	runErr := l.run(ctx)
	l.cleanup(runErr)
	return runErr
}

func (l *Loop) run(ctx context.Context) error {
	runList := append([]workload.Workload(nil), l.rc.RunList...)

	if err := l.registerMonitors(runList); err != nil {
		return err
	}
	if err := l.writeHeaders(runList); err != nil {
		return err
	}

	ctrl := piloop.New(l.target, time.Now())
	startGlob := time.Now()

	for interval := 0; l.maxIntervals <= 0 || interval < l.maxIntervals; interval++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		startInt := time.Now()
		logging.GetLoopLogger().WithField("interval", interval).
			WithField("since_start_us", time.Since(startGlob).Microseconds()).Info("starting interval")

		// 1. Pre-sleep snapshot.
		l.preSleepSnapshot(runList)

		// 2. Sleep, PI-adjusted.
		delay := ctrl.NextDelay()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		// 3. Post-sleep snapshot + Counter Store update.
		newTaskCompletion := false
		for _, w := range runList {
			transitioned, err := l.sampleAndAccumulate(w, interval)
			if err != nil {
				return err
			}
			if transitioned {
				newTaskCompletion = true
			}
		}

		ctrl.Adjust(interval, time.Now(), time.Since(startInt), newTaskCompletion)

		allCompleted := true
		for _, w := range runList {
			if !w.Core().Batch && w.Core().Completed() < 1 {
				allCompleted = false
			}
		}
		if allCompleted {
			break
		}

		// 4. Restart/teardown for transitioned workloads.
		var err error
		runList, err = l.handleTransitions(runList)
		if err != nil {
			return err
		}
		if len(runList) == 0 {
			return errs.New(errs.KindLaunch, "supervisor", fmt.Errorf("run-list emptied unexpectedly"))
		}

		// 5. Policy application.
		if err := l.rc.Policy.Apply(interval, l.target.Seconds(), time.Since(startInt).Seconds(), runList); err != nil {
			return err
		}
	}

	return l.emitFinalTotals(runList)
}

// registerMonitors is called once, at startup, for the full run-list: it
// opens PMU/RDT monitoring and initializes each workload's Counter
// Stores (Store.Init fails if called twice, so this never runs again
// for a workload that survives a restart).
func (l *Loop) registerMonitors(runList []workload.Workload) error {
	for _, w := range runList {
		if err := l.openMonitors(w); err != nil {
			return err
		}
		names := counterNames(l.rc.Config.Cmd.Event, isVirtualMachine(w))
		for i := range w.Core().Cpus {
			if err := w.Core().Stats[i].Init(names, l.target.Seconds()); err != nil {
				return err
			}
		}
	}
	return l.applyStaticThrottles(runList)
}

// reopenMonitors re-opens PMU/RDT monitoring for a single workload after
// a restart, without touching its Counter Stores (already reset by
// Restart via core.ResetStats()).
func (l *Loop) reopenMonitors(w workload.Workload) error {
	return l.openMonitors(w)
}

func (l *Loop) openMonitors(w workload.Workload) error {
	core := w.Core()
	groups := make([]*pmu.Group, len(core.Cpus))
	for i, cpu := range core.Cpus {
		target := pmu.Target{Kind: l.rc.Config.Cmd.Perf}
		if target.Kind == "CPU" {
			target.CPU = cpu
		} else {
			target.PID = core.Pids[i]
		}
		group, err := pmu.Open(target, eventNames(l.rc.Config.Cmd.Event), func(event string, err error) {
			logging.GetLogger().WithField("event", event).WithError(err).Warn("pmu event unavailable, continuing without it")
		})
		if err != nil {
			return err
		}
		groups[i] = group
		if err := l.rc.RDT.MonStart(monTarget(l.rc.Config.Cmd.Perf, cpu, core.Pids[i])); err != nil {
			return errs.New(errs.KindAdapter, core.Name, err)
		}
	}
	l.groups[w] = groups
	return nil
}

// applyStaticThrottles applies each VM's configured disk-IO and
// network-ingress throttles once, at startup, per §4.3 — the Resource
// Controller caches the applied value so a policy that also touches
// CAT/MBA on the same workload never re-triggers these.
func (l *Loop) applyStaticThrottles(runList []workload.Workload) error {
	for _, w := range runList {
		vm, ok := w.(*workload.VirtualMachine)
		if !ok {
			continue
		}
		task := l.findTaskConfig(w.Core().Name)
		if task == nil {
			continue
		}
		dom := vm.LibvirtDomain()
		if dom != nil && task.DiskDevice != "" {
			throttle := rescontrolDiskThrottle(task)
			if err := l.rc.Resources.ApplyDiskThrottle(w.Core().Name, dom, task.DiskDevice, throttle); err != nil {
				return err
			}
		}
		if task.UpstreamPort != "" && task.VhostPort != "" {
			policing := rescontrolNetPolicing(task)
			if err := l.rc.Resources.ApplyNetPolicing(w.Core().Name, task.UpstreamPort, task.VhostPort, policing); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loop) findTaskConfig(name string) *config.TaskConfig {
	for i := range l.rc.Config.Tasks {
		t := &l.rc.Config.Tasks[i]
		if t.App.Name == name || t.DomainName == name {
			return t
		}
	}
	return nil
}

func rescontrolDiskThrottle(task *config.TaskConfig) rescontrol.DiskThrottle {
	return rescontrol.DiskThrottle{
		TotalBytesSec: task.DiskTotalBytesSec, ReadBytesSec: task.DiskReadBytesSec, WriteBytesSec: task.DiskWriteBytesSec,
		TotalIopsSec: task.DiskTotalIopsSec, ReadIopsSec: task.DiskReadIopsSec, WriteIopsSec: task.DiskWriteIopsSec,
	}
}

func rescontrolNetPolicing(task *config.TaskConfig) rescontrol.NetPolicing {
	return rescontrol.NetPolicing{
		InAvg: task.NetbwInAvg, InPeak: task.NetbwInPeak, InBurst: task.NetbwInBurst,
		OutAvg: task.NetbwOutAvg, OutPeak: task.NetbwOutPeak, OutBurst: task.NetbwOutBurst,
	}
}

func monTarget(perfKind string, cpu, pid int) int {
	if perfKind == "CPU" {
		return cpu
	}
	return pid
}

func eventNames(groups []string) []string {
	var names []string
	for _, g := range groups {
		names = append(names, strings.Split(g, ",")...)
	}
	return names
}

// counterNames is the fixed set of raw counter names a workload's
// Counter Store is Init'd with: PMU events plus energy plus RDT
// monitoring (every workload), plus disk/net counters for VMs only, per
// the app/VM split in _examples/original_source/events-perf.cpp's two
// Perf::read_counters overloads.
func counterNames(groups []string, isVM bool) []string {
	names := eventNames(groups)
	names = append(names, "power/energy-pkg/", "power/energy-ram/")
	names = append(names, "LLC_occup[MB]", "MBL[MBps]", "MBT[MBps]", "MBR[MBps]")
	if isVM {
		names = append(names, "Read_bytes_sec", "Write_bytes_sec", "Time_io_disk_ns")
		names = append(names, "OVS_Rx_netBW[KBps]", "OVS_Tx_netBW[KBps]")
	}
	return names
}

func (l *Loop) writeHeaders(runList []workload.Workload) error {
	if len(runList) == 0 {
		return nil
	}
	l.vmStream = isVirtualMachine(runList[0])
	names := counterNames(l.rc.Config.Cmd.Event, l.vmStream)
	if err := l.streams.Interval.WriteIntervalHeader(names, l.vmStream); err != nil {
		return err
	}
	if err := l.streams.Fin.WriteFinHeader(names); err != nil {
		return err
	}
	if err := l.streams.Total.WriteTotalHeader(names); err != nil {
		return err
	}
	return l.streams.Times.WriteTimesHeader(l.vmStream)
}

func isVirtualMachine(w workload.Workload) bool {
	_, ok := w.(*workload.VirtualMachine)
	return ok
}

// preSleepSnapshot reads the cumulative libvirt CPU-time, OVS
// byte-counter, and /proc/stat adapters once before the PI-controlled
// sleep, per §4.5's pre_snapshot step. sampleAndAccumulate reads them
// again after waking and differences against what is stored here.
func (l *Loop) preSleepSnapshot(runList []workload.Workload) {
	logger := logging.GetLogger()
	now := time.Now()

	procTimes, err := l.procReader.Read()
	if err != nil {
		logger.WithError(err).Warn("failed to read /proc/stat before sleep")
	}

	for _, w := range runList {
		snap := snapshot{at: now, procTimes: procTimes}

		if vm, ok := w.(*workload.VirtualMachine); ok {
			if dom := vm.LibvirtDomain(); dom != nil {
				if vt, err := dom.CPUStats(); err != nil {
					logger.WithError(err).WithField("workload", w.Core().Name).Warn("libvirt CPU stats unavailable before sleep")
				} else {
					snap.vcpuTime = vt
				}
			}
			if task := l.findTaskConfig(w.Core().Name); task != nil && task.VhostPort != "" {
				if pc, err := ovsflow.PollFlowCounters(ovsBridge, task.VhostPort); err != nil {
					logger.WithError(err).WithField("workload", w.Core().Name).Warn("OVS flow counters unavailable before sleep")
				} else {
					snap.haveOVS = true
					snap.ovsRx, snap.ovsTx = pc.RxBytes, pc.TxBytes
				}
			}
		}

		l.preSnap[w] = snap
	}
}

// sampleAndAccumulate reads RDT/PMU/libvirt/OVS/proc-stat samples for
// every (cpu,pid) of w, accumulates them into its Counter Store, writes
// this interval's interval/times CSV rows, and reports whether w
// transitioned out of Runnable this interval.
func (l *Loop) sampleAndAccumulate(w workload.Workload, interval int) (bool, error) {
	core := w.Core()
	groups := l.groups[w]
	pre := l.preSnap[w]
	vm, isVM := w.(*workload.VirtualMachine)

	rdtSamples, err := l.rdtSamples(core.InitialClos)
	if err != nil {
		logging.GetLogger().WithError(err).WithField("workload", core.Name).Warn("RDT monitoring unavailable this interval")
	}

	var diskSamples []counterstore.Sample
	var ovsSamples []counterstore.Sample
	var postVCPUTime map[int]uint64
	if isVM {
		diskSamples = l.diskSamples(vm)
		ovsSamples = l.ovsSamples(w, pre)
		if dom := vm.LibvirtDomain(); dom != nil {
			if vt, err := dom.CPUStats(); err == nil {
				postVCPUTime = vt
			}
		}
	}

	postTimes, err := l.procReader.Read()
	if err != nil {
		logging.GetLogger().WithError(err).Warn("failed to read /proc/stat after sleep")
	}

	for i, cpu := range core.Cpus {
		if core.Pids[i] <= 0 {
			continue
		}
		samples, err := groups[i].Read()
		if err != nil {
			return false, err
		}
		energy, err := pmu.ReadEnergy()
		if err == nil {
			samples = append(samples, energy...)
		}
		samples = append(samples, rdtSamples...)
		if isVM {
			samples = append(samples, diskSamples...)
			samples = append(samples, ovsSamples...)
		}
		if err := core.Stats[i].Accumulate(samples, l.target.Seconds()); err != nil {
			return false, err
		}

		totalCPUPercent := totalCPUPercentFromTimes(pre.procTimes[cpu], postTimes[cpu])
		vmCPUPercent := vmCPUPercentForVCPU(pre, postVCPUTime, i)
		if err := l.emitIntervalRow(core, i, interval, isVM, vmCPUPercent, totalCPUPercent); err != nil {
			return false, err
		}
		if err := l.emitTimesRow(core, i, interval, isVM, vmCPUPercent, totalCPUPercent, pre.procTimes[cpu], postTimes[cpu]); err != nil {
			return false, err
		}
	}

	transitioned := false
	switch core.Status() {
	case workload.StatusRunnable:
		if l.limitReached(w) {
			core.SetStatus(workload.StatusLimitReached)
			transitioned = true
		} else {
			exited, err := w.Exited(l.rc.MonitorOnly)
			if err != nil {
				return false, err
			}
			if exited {
				core.SetStatus(workload.StatusExited)
				transitioned = true
			}
		}
	}

	if transitioned {
		core.MarkCompleted()
		if !l.completedOnce[w] {
			l.completedOnce[w] = true
			if err := l.emitFinRow(w, interval); err != nil {
				return transitioned, err
			}
		}
	}
	return transitioned, nil
}

// rdtSamples polls the RDT Adapter for w's CLOS and turns the result
// into the four RDT monitoring counters every workload kind carries, per
// events-perf.cpp's llc_occup/MBL/MBT/MBR insertions.
func (l *Loop) rdtSamples(clos int) ([]counterstore.Sample, error) {
	vals, err := l.rc.RDT.Poll(clos)
	if err != nil {
		return nil, err
	}
	return []counterstore.Sample{
		{Name: "LLC_occup[MB]", Value: vals.LLCOccupancyBytes, IsSnapshot: true, EnabledNS: 1, RunningNS: 1},
		{Name: "MBL[MBps]", Value: vals.LocalMBps, IsSnapshot: false, EnabledNS: 1, RunningNS: 1},
		{Name: "MBT[MBps]", Value: vals.TotalMBps, IsSnapshot: false, EnabledNS: 1, RunningNS: 1},
		{Name: "MBR[MBps]", Value: vals.RemoteMBps, IsSnapshot: false, EnabledNS: 1, RunningNS: 1},
	}, nil
}

// diskSamples reads the libvirt Domain's cumulative block-device
// counters for a VM. A nil domain or read failure (e.g. the VM already
// exited, per spec's TransientWarning) yields zero-valued samples so the
// Counter Store's fixed sample-vector shape is preserved.
func (l *Loop) diskSamples(vm *workload.VirtualMachine) []counterstore.Sample {
	var read, write, diskTime float64
	dom := vm.LibvirtDomain()
	task := l.findTaskConfig(vm.Core().Name)
	if dom != nil && task != nil && task.DiskDevice != "" {
		bs, err := dom.BlockStats(task.DiskDevice)
		if err != nil {
			logging.GetLogger().WithError(err).WithField("workload", vm.Core().Name).Warn("libvirt block stats unavailable this interval")
		} else {
			read, write = float64(bs.RdBytes), float64(bs.WrBytes)
			diskTime = float64(bs.RdTotalTimeNS + bs.WrTotalTimeNS + bs.FlushTotalTimeNS)
		}
	}
	return []counterstore.Sample{
		{Name: "Read_bytes_sec", Value: read, IsSnapshot: false, EnabledNS: 1, RunningNS: 1},
		{Name: "Write_bytes_sec", Value: write, IsSnapshot: false, EnabledNS: 1, RunningNS: 1},
		{Name: "Time_io_disk_ns", Value: diskTime, IsSnapshot: false, EnabledNS: 1, RunningNS: 1},
	}
}

// ovsSamples turns the pre/post-sleep OVS byte-counter bracket into the
// KBps rate §4.2's OVS Adapter contract expects the caller to supply:
// tx_bw/rx_bw are snapshot values, already computed, not cumulative
// counters for the Counter Store to difference itself.
func (l *Loop) ovsSamples(w workload.Workload, pre snapshot) []counterstore.Sample {
	var rxKBps, txKBps float64
	if pre.haveOVS {
		task := l.findTaskConfig(w.Core().Name)
		if task != nil && task.VhostPort != "" {
			if post, err := ovsflow.PollFlowCounters(ovsBridge, task.VhostPort); err != nil {
				logging.GetLogger().WithError(err).WithField("workload", w.Core().Name).Warn("OVS flow counters unavailable this interval")
			} else {
				elapsed := time.Since(pre.at).Seconds()
				if elapsed > 0 {
					rxKBps = clampNonNegative((post.RxBytes - pre.ovsRx) / 1024.0 / elapsed)
					txKBps = clampNonNegative((post.TxBytes - pre.ovsTx) / 1024.0 / elapsed)
				}
			}
		}
	}
	return []counterstore.Sample{
		{Name: "OVS_Rx_netBW[KBps]", Value: rxKBps, IsSnapshot: true, EnabledNS: 1, RunningNS: 1},
		{Name: "OVS_Tx_netBW[KBps]", Value: txKBps, IsSnapshot: true, EnabledNS: 1, RunningNS: 1},
	}
}

func clampNonNegative(v float64) float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// vmCPUPercentForVCPU computes Δvcputime/Δwallclock/10 (percent) for
// vCPU index vcpu, per libvirtdom.CPUStats's documented contract. A
// missing pre- or post-sleep reading (snapshot failed, or this VM has
// fewer monitored vCPUs than Cpus) yields 0.
func vmCPUPercentForVCPU(pre snapshot, post map[int]uint64, vcpu int) float64 {
	if pre.vcpuTime == nil || post == nil {
		return 0
	}
	preTime, ok := pre.vcpuTime[vcpu]
	if !ok {
		return 0
	}
	postTime, ok := post[vcpu]
	if !ok || postTime < preTime {
		return 0
	}
	elapsed := time.Since(pre.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	deltaNS := float64(postTime - preTime)
	return deltaNS / (elapsed * 1e9) / 10
}

// totalCPUPercentFromTimes computes Δactive/Δtotal*100 from a pair of
// /proc/stat readings for one logical CPU, per the Proc Adapter's
// documented contract. A missing or non-monotonic reading yields 0.
func totalCPUPercentFromTimes(pre, post procstat.CPUTimes) float64 {
	deltaActive := post.Active() - pre.Active()
	deltaTotal := post.Total() - pre.Total()
	if deltaTotal <= 0 {
		return 0
	}
	pct := deltaActive / deltaTotal * 100
	if pct < 0 {
		return 0
	}
	return pct
}

func (l *Loop) emitIntervalRow(core *workload.Core, i, interval int, isVM bool, vmCPUPercent, totalCPUPercent float64) error {
	temperature := 0.0
	if l.rc.Host != nil && l.rc.Host.Temperature != nil {
		if t, err := l.rc.Host.Temperature.ReadTemperature(core.Cpus[i]); err == nil {
			temperature = t
		}
	}
	counters := mergeCounters(core.Stats[i].RawInterval(), core.Stats[i].DerivedInterval())
	row := csvout.IntervalRow{
		Interval: interval, App: core.Name, CPU: core.Cpus[i], IsVM: l.vmStream,
		Temperature: temperature, VMCPUPercent: vmCPUPercent, TotalCPUPercent: totalCPUPercent,
		Counters: counters,
	}
	return l.streams.Interval.WriteIntervalRow(row, counterNames(l.rc.Config.Cmd.Event, isVM))
}

func (l *Loop) emitTimesRow(core *workload.Core, i, interval int, isVM bool, vmCPUPercent, totalCPUPercent float64, pre, post procstat.CPUTimes) error {
	row := csvout.TimesRow{
		Interval: interval, App: core.Name, CPU: core.Cpus[i], IsVM: l.vmStream,
		VMCPUPercent: vmCPUPercent, TotalCPUPercent: totalCPUPercent,
		User: post.User - pre.User, Nice: post.Nice - pre.Nice, System: post.System - pre.System,
		Idle: post.Idle - pre.Idle, Iowait: post.Iowait - pre.Iowait,
		IRQ: post.IRQ - pre.IRQ, SoftIRQ: post.SoftIRQ - pre.SoftIRQ, Steal: post.Steal - pre.Steal,
		Guest: post.Guest - pre.Guest, GuestNice: post.GuestNice - pre.GuestNice,
	}
	return l.streams.Times.WriteTimesRow(row)
}

func mergeCounters(maps ...map[string]float64) map[string]float64 {
	out := map[string]float64{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func (l *Loop) limitReached(w workload.Workload) bool {
	p, ok := w.(*workload.Process)
	if !ok || p.MaxInstr == 0 {
		return false
	}
	return p.Core().Stats[0].Sum("instructions") >= float64(p.MaxInstr)
}

func (l *Loop) emitFinRow(w workload.Workload, interval int) error {
	core := w.Core()
	names := counterNames(l.rc.Config.Cmd.Event, l.vmStream)
	for i := range core.Cpus {
		counters := mergeCounters(core.Stats[i].RawTotal(), core.Stats[i].DerivedTotal())
		row := csvout.FinRow{Interval: interval, App: core.Name, CPU: core.Cpus[i], Counters: counters}
		if err := l.streams.Fin.WriteFinRow(row, names); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) handleTransitions(runList []workload.Workload) ([]workload.Workload, error) {
	kept := make([]workload.Workload, 0, len(runList))
	for _, w := range runList {
		core := w.Core()
		switch core.Status() {
		case workload.StatusExited, workload.StatusLimitReached:
			l.stopMonitors(w)
			if core.Status() == workload.StatusLimitReached {
				// The process is still running at the instruction cap;
				// task_restart_or_set_done kills it before any restart
				// decision, unlike Exited where it is already dead.
				if err := w.Kill(); err != nil {
					return nil, err
				}
			}
			if core.Restarts < core.MaxRestarts {
				if err := w.Restart(l.rc.MonitorOnly); err != nil {
					return nil, err
				}
				if err := l.reopenMonitors(w); err != nil {
					return nil, err
				}
				kept = append(kept, w)
			} else {
				core.SetStatus(workload.StatusDone)
				if err := l.emitTotalRow(w); err != nil {
					return nil, err
				}
			}
		default:
			kept = append(kept, w)
		}
	}
	return kept, nil
}

func (l *Loop) stopMonitors(w workload.Workload) {
	core := w.Core()
	for i, cpu := range core.Cpus {
		if groups, ok := l.groups[w]; ok && i < len(groups) && groups[i] != nil {
			groups[i].Close()
		}
		l.rc.RDT.MonStop(monTarget(l.rc.Config.Cmd.Perf, cpu, core.Pids[i]))
	}
	delete(l.groups, w)
}

func (l *Loop) emitTotalRow(w workload.Workload) error {
	core := w.Core()
	names := counterNames(l.rc.Config.Cmd.Event, l.vmStream)
	for i := range core.Cpus {
		counters := mergeCounters(core.Stats[i].RawTotal(), core.Stats[i].DerivedTotal())
		row := csvout.TotalRow{App: core.Name, CPU: core.Cpus[i], Counters: counters}
		if err := l.streams.Total.WriteTotalRow(row, names); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) emitFinalTotals(runList []workload.Workload) error {
	for _, w := range runList {
		if err := l.emitTotalRow(w); err != nil {
			return err
		}
	}
	return nil
}

// cleanup runs exactly once, whether run() returned an error, the
// context was cancelled, or the loop ran to completion. It closes every
// open PMU group and stops its RDT monitoring, requests a libvirt
// shutdown of every VirtualMachine workload, and SIGKILLs every
// descendant of this process. It does not reset RDT allocations and
// does not shut down client peer VMs.
func (l *Loop) cleanup(cause error) {
	logger := logging.GetLogger()
	if cause != nil {
		logger.WithError(cause).Error("supervisor loop terminating, running cleanup")
	}

	for w, groups := range l.groups {
		for _, g := range groups {
			if g != nil {
				g.Close()
			}
		}
		for i, cpu := range w.Core().Cpus {
			l.rc.RDT.MonStop(monTarget(l.rc.Config.Cmd.Perf, cpu, w.Core().Pids[i]))
		}
	}

	for _, w := range l.rc.RunList {
		if vm, ok := w.(*workload.VirtualMachine); ok {
			if err := vm.Kill(); err != nil {
				logger.WithError(err).WithField("workload", w.Core().Name).Warn("best-effort VM shutdown failed")
			}
		}
	}

	killDescendants(os.Getpid())
}

// killDescendants walks /proc/<pid>/task/<pid>/children and SIGKILLs
// every PID found, recursively, per §4.5's explicit redesign of the
// original's process-group-based cleanup into a descendant sweep.
func killDescendants(pid int) {
	children := readChildren(pid)
	for _, child := range children {
		killDescendants(child)
		_ = syscall.Kill(child, syscall.SIGKILL)
	}
}

func readChildren(pid int) []int {
	path := filepath.Join("/proc", strconv.Itoa(pid), "task", strconv.Itoa(pid), "children")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var children []int
	for _, field := range strings.Fields(string(data)) {
		if n, err := strconv.Atoi(field); err == nil {
			children = append(children, n)
		}
	}
	return children
}

// CounterStoreSnapshot is a convenience accessor that returns
// s.Current(name).
func CounterStoreSnapshot(s *counterstore.Store, name string) float64 {
	return s.Current(name)
}
