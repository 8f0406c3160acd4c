// Package sshpeer launches one-shot remote commands on peer VMs over
// SSH, replacing the original's `system("ssh ...")` shell-outs
// (_examples/original_source/vm-task.cpp: task_get_ready_to_execute,
// task_start_to_execute, set_client_VM_num_cpus,
// task_set_cpu_affinity_client) with a real SSH client instead of a
// subshell, so output and exit status are captured without a second
// layer of shell quoting.
package sshpeer

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"experiment-controller/internal/errs"
)

// Runner dials hosts with a fixed key and authenticates with the
// configured user; one Runner is shared by every VirtualMachine
// workload since peers are reached over the same management network.
type Runner struct {
	signer  ssh.Signer
	timeout time.Duration
}

// NewRunner builds a Runner from a PEM-encoded private key.
func NewRunner(privateKeyPEM []byte, timeout time.Duration) (*Runner, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, errs.New(errs.KindConfig, "sshpeer", fmt.Errorf("parsing ssh private key: %w", err))
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Runner{signer: signer, timeout: timeout}, nil
}

// Run dials host:port as user, runs command, and waits for it to
// return. A non-zero exit status is an error, mirroring the original's
// `if (ret) throw_with_trace(...)` after every `system(...)` call.
func (r *Runner) Run(host string, port int, user, command string) error {
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(r.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.timeout,
	}

	addr := net.JoinHostPort(host, fmt.Sprint(port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return errs.New(errs.KindAdapter, addr, fmt.Errorf("ssh dial: %w", err))
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return errs.New(errs.KindAdapter, addr, fmt.Errorf("ssh new session: %w", err))
	}
	defer session.Close()

	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Run(command); err != nil {
		return errs.New(errs.KindAdapter, addr, fmt.Errorf("command %q failed: %w: %s", command, err, stderr.String()))
	}
	return nil
}
