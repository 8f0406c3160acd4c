package workload

import (
	"encoding/xml"
	"fmt"
	"os"
)

// qemuStatusXML is the subset of libvirt's per-domain QEMU status file
// (/var/run/libvirt/qemu/<name>.xml) needed to recover vCPU thread PIDs.
// The original shells out to `grep pid ... | grep vcpu | awk -F"'" ...`
// against this same file (task_get_pid); parsing the XML directly avoids
// depending on the exact quoting awk expects.
type qemuStatusXML struct {
	VCPUs struct {
		VCPU []struct {
			PID int `xml:"pid,attr"`
		} `xml:"vcpu"`
	} `xml:"vcpus"`
}

func qemuVCPUPids(domainName string) ([]int, error) {
	path := fmt.Sprintf("/var/run/libvirt/qemu/%s.xml", domainName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading qemu status file for domain %s: %w", domainName, err)
	}
	var status qemuStatusXML
	if err := xml.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("parsing qemu status file for domain %s: %w", domainName, err)
	}
	pids := make([]int, 0, len(status.VCPUs.VCPU))
	for _, vcpu := range status.VCPUs.VCPU {
		pids = append(pids, vcpu.PID)
	}
	return pids, nil
}
