// Package ovsflow polls Open vSwitch per-port byte counters and applies
// ingress policing rates, both via one-shot `ovs-ofctl`/`ovs-vsctl`
// invocations. No pack repo or broader ecosystem library wraps OVS's
// CLI-only interface for these two calls, so this is the stdlib
// os/exec-based part of the domain stack — named in DESIGN.md as
// stdlib-justified, not a default fallback.
package ovsflow

import (
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"

	"experiment-controller/internal/errs"
)

// PortCounters is the cumulative, monotonic {rx_bytes, tx_bytes} pair
// read from `ovs-ofctl dump-ports`, per §4.2.
type PortCounters struct {
	RxBytes, TxBytes float64
}

var rxLine = regexp.MustCompile(`rx pkts=\d+, bytes=(\d+)`)
var txLine = regexp.MustCompile(`tx pkts=\d+, bytes=(\d+)`)

// PollFlowCounters runs `ovs-ofctl dump-ports <bridge> <portTag>` and
// parses the rx/tx byte totals. Any negative or non-finite parse is
// clamped to 0, per §4.2's OVS Adapter contract.
func PollFlowCounters(bridge, portTag string) (PortCounters, error) {
	out, err := exec.Command("ovs-ofctl", "dump-ports", bridge, portTag).Output()
	if err != nil {
		return PortCounters{}, errs.New(errs.KindAdapter, portTag, fmt.Errorf("ovs-ofctl dump-ports: %w", err))
	}

	rx := clamp(parseFirstMatch(rxLine, out))
	tx := clamp(parseFirstMatch(txLine, out))
	return PortCounters{RxBytes: rx, TxBytes: tx}, nil
}

func parseFirstMatch(re *regexp.Regexp, out []byte) float64 {
	m := re.FindSubmatch(out)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(string(m[1]), 64)
	if err != nil {
		return 0
	}
	return v
}

func clamp(v float64) float64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// SetIngressPolicing sets ingress_policing_rate/_burst (both in kbps)
// on a port, used for both the upstream bonded port and a VM's vhost
// port per §4.3.
func SetIngressPolicing(port string, rateKbps, burstKb int64) error {
	cmd := exec.Command("ovs-vsctl", "set", "interface", port,
		fmt.Sprintf("ingress_policing_rate=%d", rateKbps),
		fmt.Sprintf("ingress_policing_burst=%d", burstKb))
	if out, err := cmd.CombinedOutput(); err != nil {
		return errs.New(errs.KindAdapter, port, fmt.Errorf("ovs-vsctl set ingress policing: %w: %s", err, out))
	}
	return nil
}
