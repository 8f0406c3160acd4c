// Package config loads and validates the nested YAML document described
// in the controller's external-interfaces contract: a cmd section, a
// clos list, a policy selection, and the tasks list.
package config

import "time"

// Root is the top-level configuration document.
type Root struct {
	Cmd    CmdConfig    `yaml:"cmd"`
	Clos   []ClosConfig `yaml:"clos"`
	Policy PolicyConfig `yaml:"policy"`
	Tasks  []TaskConfig `yaml:"tasks"`
}

// CmdConfig holds the run-wide interval, duration, event, and affinity
// settings.
type CmdConfig struct {
	Ti          float64  `yaml:"ti"`
	Mi          int      `yaml:"mi"`
	Event       []string `yaml:"event"`
	Perf        string   `yaml:"perf"`
	CPUAffinity []int    `yaml:"cpu-affinity"`
}

// Interval returns the configured interval as a time.Duration.
func (c CmdConfig) Interval() time.Duration {
	return time.Duration(c.Ti * float64(time.Second))
}

// MaxIntervals returns the configured interval bound, or -1 for
// unbounded.
func (c CmdConfig) MaxIntervals() int {
	if c.Mi <= 0 {
		return -1
	}
	return c.Mi
}

// ClosConfig describes one Class-of-Service entry.
type ClosConfig struct {
	Num      int     `yaml:"num"`
	Schemata string  `yaml:"schemata"`
	Mbps     *int    `yaml:"mbps"`
	CPUs     []int   `yaml:"cpus"`
}

// PolicyConfig selects the pluggable partitioning policy.
type PolicyConfig struct {
	Kind  string `yaml:"kind"`
	Every int    `yaml:"every"`
}

// TaskConfig is a single workload entry; Kind selects which of the
// App*/VM* fields are meaningful.
type TaskConfig struct {
	Kind         string            `yaml:"kind"`
	Cpus         string            `yaml:"cpus"`
	InitialClos  int               `yaml:"initial_clos"`
	MaxRestarts  int               `yaml:"max_restarts"`
	Batch        bool              `yaml:"batch"`
	Define       map[string]string `yaml:"define"`

	App AppTaskConfig `yaml:"app"`

	MaxInstr uint64 `yaml:"max_instr"`

	DomainName     string `yaml:"domain_name"`
	SnapshotName   string `yaml:"snapshot_name"`
	IP             string `yaml:"ip"`
	Port           string `yaml:"port"`
	CephVM         bool   `yaml:"ceph_vm"`
	ClientNative   bool   `yaml:"client_native"`
	Arguments      string `yaml:"arguments"`
	ClientArguments string `yaml:"client_arguments"`

	ClientDomainName   string `yaml:"client_domain_name"`
	ClientSnapshotName string `yaml:"client_snapshot_name"`
	ClientIP           string `yaml:"client_ip"`
	ClientCpus         string `yaml:"client_cpus"`

	NetbwInAvg    int64 `yaml:"netbw_in_avg"`
	NetbwInPeak   int64 `yaml:"netbw_in_peak"`
	NetbwInBurst  int64 `yaml:"netbw_in_burst"`
	NetbwOutAvg   int64 `yaml:"netbw_out_avg"`
	NetbwOutPeak  int64 `yaml:"netbw_out_peak"`
	NetbwOutBurst int64 `yaml:"netbw_out_burst"`

	DiskTotalBytesSec int64 `yaml:"disk_total_bytes_sec"`
	DiskReadBytesSec  int64 `yaml:"disk_read_bytes_sec"`
	DiskWriteBytesSec int64 `yaml:"disk_write_bytes_sec"`
	DiskTotalIopsSec  int64 `yaml:"disk_total_iops_sec"`
	DiskReadIopsSec   int64 `yaml:"disk_read_iops_sec"`
	DiskWriteIopsSec  int64 `yaml:"disk_write_iops_sec"`
	DiskDevice        string `yaml:"disk_device"`

	UpstreamPort string `yaml:"upstream_port"`
	VhostPort    string `yaml:"vhost_port"`

	// resolved by parseCPUSpec at load time, not part of the document
	ResolvedCpus       []int `yaml:"-"`
	ResolvedClientCpus []int `yaml:"-"`
}

// AppTaskConfig holds the App-variant fields of a TaskConfig.
type AppTaskConfig struct {
	Cmd    string `yaml:"cmd"`
	Name   string `yaml:"name"`
	Skel   string `yaml:"skel"`
	Stdin  string `yaml:"stdin"`
	Stdout string `yaml:"stdout"`
	Stderr string `yaml:"stderr"`
}

const (
	TaskKindApp = "app"
	TaskKindVM  = "VM"

	PerfPID = "PID"
	PerfCPU = "CPU"
)
