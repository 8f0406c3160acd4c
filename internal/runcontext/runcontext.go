// Package runcontext assembles the single RunContext every other
// package is handed at startup — config, host topology, adapters, and
// the run-list — threaded explicitly rather than kept in globals, per
// the redesign away from the original's free functions operating on
// file-scope state (manager.cpp's tasklist/catpol/perf globals).
package runcontext

import (
	"github.com/sirupsen/logrus"

	"experiment-controller/internal/adapters/rdt"
	"experiment-controller/internal/adapters/sshpeer"
	"experiment-controller/internal/config"
	"experiment-controller/internal/hostconfig"
	"experiment-controller/internal/policy"
	"experiment-controller/internal/rescontrol"
	"experiment-controller/internal/workload"
)

// RunContext is constructed once by cmd/controllerd and passed by
// pointer into the Supervisor Loop.
type RunContext struct {
	Config     *config.Root
	Host       *hostconfig.HostConfig
	Logger     *logrus.Logger
	RDT        *rdt.Adapter
	Resources  *rescontrol.Controller
	SSH        *sshpeer.Runner
	Policy     policy.Policy
	RunList    []workload.Workload
	MonitorOnly bool
	RunID      int
}
