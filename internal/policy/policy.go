// Package policy implements the Policy Interface (§4.6): a single
// apply() hook the Supervisor Loop calls once per interval with the
// same Counter Stores it samples, wired to the Resource Controller for
// mutation. Grounded on _examples/original_source/policy.{hpp,cpp}.
package policy

import (
	"fmt"

	"experiment-controller/internal/logging"
	"experiment-controller/internal/rescontrol"
	"experiment-controller/internal/workload"
)

// Policy sees the run-list and the Resource Controller; it must not
// reset any Counter Store it reads from.
type Policy interface {
	Apply(intervalIndex int, targetIntervalSeconds, actualIntervalSeconds float64, runList []workload.Workload) error
}

// None is the default no-op policy.
type None struct{}

func (None) Apply(int, float64, float64, []workload.Workload) error { return nil }

// ByName resolves a policy kind string from config (§6's policy.kind)
// into a Policy instance. Unknown kinds are a ConfigError, caught at
// config-validation time, not here — by the time Apply is reachable the
// kind has already been accepted.
func ByName(kind string, rc *rescontrol.Controller, every int) Policy {
	switch kind {
	case "test":
		return &Test{rc: rc, every: every}
	default:
		return None{}
	}
}

// Test is the reference policy from §4.6: on intervals 2..6, move each
// workload's PID into a CLOS equal to the interval index, printing the
// CAT mask before and after to demonstrate the round-trip.
type Test struct {
	rc    *rescontrol.Controller
	every int
}

func (t *Test) Apply(intervalIndex int, targetIntervalSeconds, actualIntervalSeconds float64, runList []workload.Workload) error {
	if intervalIndex < 2 || intervalIndex > 6 {
		return nil
	}

	logger := logging.GetLogger()
	clos := intervalIndex
	mask := fmt.Sprintf("0x%x", (1<<intervalIndex)-1)

	for _, w := range runList {
		core := w.Core()
		for _, pid := range core.Pids {
			if pid <= 0 {
				continue
			}

			before, _ := t.rc.ReadCBM(clos, 0)
			logger.WithField("workload", core.Name).WithField("clos", clos).WithField("cbm_before", before).Info("test policy: current CAT mask")

			if err := t.rc.SetCBM(clos, 0, mask, 0); err != nil {
				return err
			}
			if err := t.rc.SetMBA(clos, 0, 100*intervalIndex, false); err != nil {
				return err
			}
			if err := t.rc.Assign(clos, pid); err != nil {
				return err
			}

			after, _ := t.rc.ReadCBM(clos, 0)
			logger.WithField("workload", core.Name).WithField("clos", clos).WithField("cbm_after", after).Info("test policy: mutated CAT mask")
		}
	}
	return nil
}
