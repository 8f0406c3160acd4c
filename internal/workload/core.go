// Package workload implements the polymorphic Workload abstraction: a
// closed sum of two variants (Process, VirtualMachine) sharing one
// lifecycle contract, per SPEC_FULL.md §9's "polymorphism without
// inheritance trees" design note. Grounded on
// _examples/original_source/task.hpp, app-task.{hpp,cpp},
// vm-task.{hpp,cpp}.
package workload

import (
	"fmt"
	"sync"

	"experiment-controller/internal/counterstore"
)

// Status is the single lifecycle state variable (§4.4).
type Status int

const (
	StatusRunnable Status = iota
	StatusLimitReached
	StatusExited
	StatusDone
)

func (s Status) String() string {
	switch s {
	case StatusRunnable:
		return "Runnable"
	case StatusLimitReached:
		return "LimitReached"
	case StatusExited:
		return "Exited"
	case StatusDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Core holds the state shared by every Workload variant: identity,
// lifecycle status, cpu/pid/stats bookkeeping, and the invariant
// |pids| = |cpus| = |stats| once launched.
type Core struct {
	mu sync.Mutex

	ID          int
	Name        string
	Cpus        []int
	Pids        []int
	InitialClos int
	MaxRestarts int
	Restarts    int
	Batch       bool
	MonitorOnly bool

	Stats []*counterstore.Store

	status        Status
	completed     int
	intervalStart int
}

var nextID int

// NewCore constructs a Core in Status Runnable with one Counter Store
// slot reserved per CPU. Pids/Stats are sized to len(cpus) but Pids
// stay 0 until Launch assigns them.
func NewCore(name string, cpus []int, initialClos, maxRestarts int, batch bool) *Core {
	id := nextID
	nextID++
	c := &Core{
		ID: id, Name: name, Cpus: append([]int(nil), cpus...),
		InitialClos: initialClos, MaxRestarts: maxRestarts, Batch: batch,
		status: StatusRunnable,
	}
	c.Pids = make([]int, len(cpus))
	c.Stats = make([]*counterstore.Store, len(cpus))
	for i := range c.Stats {
		c.Stats[i] = counterstore.NewStore()
	}
	return c
}

// CheckInvariant asserts |pids| = |cpus| = |stats|, per §3.
func (c *Core) CheckInvariant() error {
	if len(c.Pids) != len(c.Cpus) || len(c.Stats) != len(c.Cpus) {
		return fmt.Errorf("workload %s: invariant violated len(pids)=%d len(cpus)=%d len(stats)=%d",
			c.Name, len(c.Pids), len(c.Cpus), len(c.Stats))
	}
	return nil
}

func (c *Core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Core) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

func (c *Core) Completed() int { return c.completed }

func (c *Core) MarkCompleted() { c.completed++ }

// ResetStats resets every Counter Store slot's previous/current raw
// state (names and accumulator history survive), per Counter Stores
// being "reset on every relaunch" (§3).
func (c *Core) ResetStats() {
	for _, s := range c.Stats {
		s.Reset()
	}
}

// Workload is the shared operation table every variant implements.
// Two variants, Process and VirtualMachine, are modeled as distinct
// Go types rather than a class hierarchy: the Supervisor Loop only
// ever sees this interface.
type Workload interface {
	Core() *Core
	Launch(monitorOnly bool) error
	Pause() error
	Resume() error
	Kill() error
	// Exited reports whether the workload has left Runnable. A non-nil
	// error means the exit is fatal (e.g. a Process exiting with a
	// non-zero status) and must be routed to cleanup, not treated as an
	// ordinary Exited transition.
	Exited(monitorOnly bool) (bool, error)
	Restart(monitorOnly bool) error
	CPUIDForPid(pid int) int
}
