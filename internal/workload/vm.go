package workload

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	libvirt "libvirt.org/go/libvirt"

	"experiment-controller/internal/adapters/libvirtdom"
	"experiment-controller/internal/errs"
	"experiment-controller/internal/logging"
)

// SSHRunner launches a one-shot remote command over SSH and waits for it
// to return. Implemented by internal/adapters/sshpeer; a VirtualMachine
// is given one at construction so it never dials SSH itself. Grounded on
// _examples/original_source/vm-task.cpp's task_start_to_execute and
// task_get_ready_to_execute, which shell out to `ssh user@host '...'`.
type SSHRunner interface {
	Run(host string, port int, user, command string) error
}

// VirtualMachine is the libvirt-domain Workload variant. Grounded on
// _examples/original_source/vm-task.{hpp,cpp}.
type VirtualMachine struct {
	core *Core

	conn *libvirt.Connect
	dom  *libvirt.Domain
	ssh  SSHRunner

	DomainName     string
	DomainIP       string
	DomainPort     string
	SnapshotName   string
	CephVM         bool
	ClientNative   bool
	RunID          int

	Client           bool
	Args             string
	Arguments        string
	ClientArgs       string
	ClientArguments  string
	ClientDomainName string
	ClientSnapshotName string
	ClientIP         string
	ClientPort       string
	ClientCpus       []int

	sentinelDir string
}

const vmUser = "vmuser"

// NewVirtualMachine constructs a VirtualMachine Workload bound to an
// already-open libvirt connection and an SSH runner for remote commands.
func NewVirtualMachine(name string, cpus []int, initialClos, maxRestarts int, batch bool,
	conn *libvirt.Connect, ssh SSHRunner, domainName, domainIP, domainPort, snapshotName string, cephVM bool) *VirtualMachine {
	return &VirtualMachine{
		core:         NewCore(name, cpus, initialClos, maxRestarts, batch),
		conn:         conn,
		ssh:          ssh,
		DomainName:   domainName,
		DomainIP:     domainIP,
		DomainPort:   domainPort,
		SnapshotName: snapshotName,
		CephVM:       cephVM,
		sentinelDir:  "/homenvm/dsf_" + domainName,
	}
}

func (v *VirtualMachine) Core() *Core { return v.core }

// LibvirtDomain exposes the underlying domain through the libvirtdom.Domain
// interface so the Resource Controller can apply block-IO throttles
// without the workload package depending on rescontrol. Returns nil
// until Launch has resolved a domain.
func (v *VirtualMachine) LibvirtDomain() libvirtdom.Domain {
	if v.dom == nil {
		return nil
	}
	return libvirtdom.Wrap(v.dom, v.DomainName)
}

// Launch finds the domain, reverts it to its snapshot (libvirt or Ceph
// RBD depending on CephVM), pins vCPUs, and — for client/server
// benchmarks — launches the server and client over SSH, then leaves the
// domain paused for the supervisor to resume. In monitor-only mode it
// only finds the domain. Mirrors task_get_ready_to_execute(monitor_only=false).
func (v *VirtualMachine) Launch(monitorOnly bool) error {
	if v.dom == nil {
		if err := v.findDomain(); err != nil {
			return err
		}
	}

	if !monitorOnly {
		if v.CephVM {
			if err := v.loadCephSnapshot(); err != nil {
				return err
			}
		} else {
			if err := v.loadSnapshot(true); err != nil {
				return err
			}
		}
		if err := v.setCPUAffinity(); err != nil {
			return err
		}
		if err := v.setNumCPUs(); err != nil {
			return err
		}
		if err := v.pinVCPUPids(); err != nil {
			return err
		}
	}

	if !monitorOnly && v.Client {
		if err := v.launchServer(); err != nil {
			return err
		}
		if !v.ClientNative {
			if err := v.revertClientSnapshot(); err != nil {
				return err
			}
			if err := v.setClientNumCPUs(); err != nil {
				return err
			}
			if err := v.setClientCPUAffinity(); err != nil {
				return err
			}
		}
	}
	if !monitorOnly {
		return v.Pause()
	}
	return nil
}

// launchLight relaunches server/client without re-discovering the
// domain or re-pinning vCPUs, for restarts where the domain was rolled
// back but its topology is unchanged. Mirrors
// task_get_ready_to_execute_light + task_restart.
func (v *VirtualMachine) launchLight() error {
	if !v.Client {
		return nil
	}
	if err := v.launchServer(); err != nil {
		return err
	}
	time.Sleep(4 * time.Second)
	if !v.ClientNative {
		if err := v.revertClientSnapshot(); err != nil {
			return err
		}
		if err := v.setClientNumCPUs(); err != nil {
			return err
		}
		if err := v.setClientCPUAffinity(); err != nil {
			return err
		}
	}
	return nil
}

func (v *VirtualMachine) findDomain() error {
	if v.conn == nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("no libvirt connection available"))
	}
	dom, err := v.conn.LookupDomainByName(v.DomainName)
	if err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("could not find domain %s: %w", v.DomainName, err))
	}
	v.dom = dom
	return nil
}

func (v *VirtualMachine) loadSnapshot(running bool) error {
	snap, err := v.dom.SnapshotLookupByName(v.SnapshotName, 0)
	if err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("could not find snapshot %s of VM %s: %w", v.SnapshotName, v.DomainName, err))
	}
	flags := libvirt.DOMAIN_SNAPSHOT_REVERT_PAUSED
	if running {
		flags = libvirt.DOMAIN_SNAPSHOT_REVERT_RUNNING
	}
	if err := v.dom.RevertToSnapshot(snap, flags|libvirt.DOMAIN_SNAPSHOT_REVERT_FORCE); err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("reverting domain %s to snapshot %s: %w", v.DomainName, v.SnapshotName, err))
	}
	logging.GetLogger().WithField("domain", v.DomainName).WithField("snapshot", v.SnapshotName).Info("reverted to snapshot")
	return nil
}

// loadCephSnapshot shuts the domain down if running, rolls back the
// backing RBD image out-of-band (libvirt has no notion of a Ceph-backed
// snapshot), then boots it and waits for it to answer a ping.
func (v *VirtualMachine) loadCephSnapshot() error {
	state, _, err := v.dom.GetState()
	if err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, err)
	}
	if state != libvirt.DOMAIN_SHUTOFF && state != libvirt.DOMAIN_SHUTDOWN {
		if err := v.dom.Shutdown(); err != nil {
			return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("shutting down domain %s: %w", v.DomainName, err))
		}
		time.Sleep(5 * time.Second)
	}

	rollback := exec.Command("rbd", "snap", "rollback",
		"libvirt-pool/"+v.DomainName+"@"+v.SnapshotName, "--user", "libvirt")
	if out, err := rollback.CombinedOutput(); err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("rbd rollback: %w: %s", err, out))
	}

	if err := v.dom.Create(); err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("launching ceph VM: %w", err))
	}
	time.Sleep(10 * time.Second)

	for try := 0; try < 10; try++ {
		if err := exec.Command("ping", "-qc1", v.DomainIP).Run(); err == nil {
			return nil
		}
		time.Sleep(5 * time.Second)
	}
	logging.GetLogger().WithField("domain", v.DomainName).Warn("ceph VM did not answer ping after 10 tries")
	return nil
}

// setCPUAffinity maps every vCPU onto the union of cpus (the same set
// each vCPU is allowed to run on), matching task_set_cpu_affinity.
func (v *VirtualMachine) setCPUAffinity() error {
	maplen := 6 // a 6-byte bitmask covers 48 cores
	cpumap := make([]byte, maplen)
	for _, cpu := range v.core.Cpus {
		if cpu > 47 {
			return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("cpu %d exceeds max supported cpu 47", cpu))
		}
		pos, desp := cpu/8, cpu%8
		cpumap[pos] |= 1 << desp
	}
	for i := range v.core.Cpus {
		if err := v.dom.PinVcpu(uint(i), cpumap); err != nil {
			return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("pinning vcpu %d of domain %s: %w", i, v.DomainName, err))
		}
	}
	return nil
}

func (v *VirtualMachine) setClientCPUAffinity() error {
	if len(v.ClientCpus) == 0 {
		return nil
	}
	for i, cpu := range v.ClientCpus {
		cmd := fmt.Sprintf("LIBVIRT_DEFAULT_URI=qemu:///system virsh vcpupin %s --vcpu %d --cpulist %d --live",
			v.ClientDomainName, i, cpu)
		if err := v.ssh.Run(v.ClientIP, clientPortOrDefault(v.ClientPort), "root", cmd); err != nil {
			return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("pinning client vcpu %d: %w", i, err))
		}
	}
	return nil
}

func (v *VirtualMachine) setNumCPUs() error {
	if err := v.dom.SetVcpusFlags(uint(len(v.core.Cpus)), libvirt.DOMAIN_VCPU_LIVE); err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("setting vcpu count of domain %s: %w", v.DomainName, err))
	}
	for n := 1; n < len(v.core.Cpus); n++ {
		cmd := fmt.Sprintf("sudo bash -c \"echo 1 > /sys/devices/system/cpu/cpu%d/online\"", n)
		if err := v.ssh.Run(v.DomainIP, 22, vmUser, cmd); err != nil {
			return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("onlining vcpu %d: %w", n, err))
		}
	}
	return nil
}

func (v *VirtualMachine) setClientNumCPUs() error {
	cmd := fmt.Sprintf("LIBVIRT_DEFAULT_URI=qemu:///system virsh setvcpus %s %d --live",
		v.ClientDomainName, len(v.ClientCpus))
	if err := v.ssh.Run(v.ClientIP, clientPortOrDefault(v.ClientPort), "root", cmd); err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("setting client vcpu count: %w", err))
	}
	for n := 1; n < len(v.ClientCpus); n++ {
		online := fmt.Sprintf("sudo bash -c \"echo 1 > /sys/devices/system/cpu/cpu%d/online\"", n)
		if err := v.ssh.Run(v.ClientIP, clientPortOrDefault(v.ClientPort), vmUser, online); err != nil {
			return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("onlining client vcpu %d: %w", n, err))
		}
	}
	return nil
}

// pinVCPUPids reads the QEMU process's vCPU thread PIDs from the
// libvirt-managed XML status file, then raises each to SCHED_RR
// priority 99 and pins it to its physical CPU with taskset. Mirrors
// task_get_pid.
func (v *VirtualMachine) pinVCPUPids() error {
	pids, err := qemuVCPUPids(v.DomainName)
	if err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, err)
	}
	for i, cpu := range v.core.Cpus {
		if i >= len(pids) {
			break
		}
		v.core.Pids[i] = pids[i]
		if err := exec.Command("chrt", "-rr", "-p", "99", fmt.Sprint(pids[i])).Run(); err != nil {
			return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("setting RT priority on vcpu pid %d: %w", pids[i], err))
		}
		if err := exec.Command("taskset", "-cp", fmt.Sprint(cpu), fmt.Sprint(pids[i])).Run(); err != nil {
			return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("pinning vcpu pid %d to cpu %d: %w", pids[i], cpu, err))
		}
	}
	return nil
}

func (v *VirtualMachine) launchServer() error {
	cmd := fmt.Sprintf("./run.sh \"/home/%s/server_scripts/run_script_server_2.sh %s < /dev/null 2&> /home/%s/output/server_log_%d.txt &\"",
		vmUser, v.Arguments, vmUser, v.RunID)
	if err := v.ssh.Run(v.DomainIP, 22, vmUser, cmd); err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("starting server benchmark: %w", err))
	}
	return nil
}

func (v *VirtualMachine) revertClientSnapshot() error {
	cmd := fmt.Sprintf("LIBVIRT_DEFAULT_URI=qemu:///system virsh snapshot-revert --domain %s --snapshotname %s --running --force",
		v.ClientDomainName, v.ClientSnapshotName)
	if err := v.ssh.Run(v.ClientIP, clientPortOrDefault(v.ClientPort), "root", cmd); err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("reverting client VM: %w", err))
	}
	return nil
}

// Pause suspends the domain if it is in a suspendable state. Mirrors
// task_pause exactly, including the "not an error" fallthrough for
// states where suspension is a no-op.
func (v *VirtualMachine) Pause() error {
	if v.dom == nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("domain invalid when trying to pause"))
	}
	state, _, err := v.dom.GetState()
	if err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, err)
	}
	switch state {
	case libvirt.DOMAIN_NOSTATE, libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		if err := v.dom.Suspend(); err != nil {
			return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("suspending domain %s: %w", v.DomainName, err))
		}
	default:
		logging.GetLogger().WithField("domain", v.DomainName).WithField("state", state).
			Warn("domain is not in a state where it can be suspended")
	}
	return nil
}

// Resume resumes a paused domain. Any other state is fatal, mirroring
// task_resume's stricter (non-fallthrough) behavior.
func (v *VirtualMachine) Resume() error {
	if v.dom == nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("domain invalid when trying to resume"))
	}
	state, _, err := v.dom.GetState()
	if err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, err)
	}
	if state != libvirt.DOMAIN_PAUSED {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("domain is not in a state (%v) where it can be resumed", state))
	}
	if err := v.dom.Resume(); err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("resuming domain %s: %w", v.DomainName, err))
	}
	return nil
}

// Kill shuts the domain down gracefully (acpi shutdown, not destroy).
func (v *VirtualMachine) Kill() error {
	if v.dom == nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("domain invalid when trying to kill"))
	}
	if err := v.dom.Shutdown(); err != nil {
		return errs.New(errs.KindLaunch, v.core.Name, fmt.Errorf("shutting down domain %s: %w", v.DomainName, err))
	}
	return nil
}

// Exited reports whether the server-completion sentinel file exists, in
// monitor-only mode as well (§9, open question 5). A VM's sentinel
// carries no exit-status of its own, so this never returns an error.
func (v *VirtualMachine) Exited(monitorOnly bool) (bool, error) {
	_, err := os.Stat(v.sentinelPath())
	return err == nil, nil
}

func (v *VirtualMachine) clearExited() {
	path := v.sentinelPath()
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			logging.GetLogger().WithError(err).WithField("file", path).Error("sentinel file not deleted")
		}
	}
}

func (v *VirtualMachine) sentinelPath() string {
	return v.sentinelDir + "/SERVER_COMPLETED"
}

// Restart reverts the domain to its snapshot and relaunches server and
// client without rediscovering the domain or re-pinning vCPUs. Mirrors
// task_restart (which calls the "light" ready-to-execute variant).
func (v *VirtualMachine) Restart(monitorOnly bool) error {
	v.core.ResetStats()
	v.clearExited()

	if v.CephVM {
		if err := v.loadCephSnapshot(); err != nil {
			return err
		}
	} else {
		if err := v.loadSnapshot(true); err != nil {
			return err
		}
	}
	if err := v.launchLight(); err != nil {
		return err
	}
	v.core.Restarts++
	v.core.SetStatus(StatusRunnable)
	return nil
}

// CPUIDForPid returns the physical CPU a given vCPU thread pid is
// pinned to, by index lookup into Core.Pids.
func (v *VirtualMachine) CPUIDForPid(pid int) int {
	for i, p := range v.core.Pids {
		if p == pid && i < len(v.core.Cpus) {
			return v.core.Cpus[i]
		}
	}
	return -1
}

func clientPortOrDefault(port string) int {
	if port == "" {
		return 22
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil || p == 0 {
		return 22
	}
	return p
}
