package workload

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"experiment-controller/internal/errs"
	"experiment-controller/internal/logging"
)

// Process is the fork/exec Workload variant. Grounded on
// _examples/original_source/app-task.{hpp,cpp}.
type Process struct {
	core *Core

	Cmd      string
	Rundir   string
	Skel     []string
	MaxInstr uint64
	Stdin    string
	Stdout   string
	Stderr   string

	cmd *exec.Cmd
}

// NewProcess constructs a Process Workload. cpus must be non-empty; the
// process's CPU affinity is the whole cpus set, and CPUIDForPid reports
// cpus[0] (a Process has exactly one PID, unlike a VirtualMachine which
// has one per vCPU).
func NewProcess(name string, cpus []int, initialClos, maxRestarts int, batch bool, cmdline, rundir string, maxInstr uint64) *Process {
	return &Process{
		core:     NewCore(name, cpus, initialClos, maxRestarts, batch),
		Cmd:      cmdline,
		Rundir:   rundir,
		MaxInstr: maxInstr,
	}
}

func (p *Process) Core() *Core { return p.core }

// Launch forks, sets up the child's session/affinity/rundir/redirects,
// execs the configured command line, then pauses it (SIGSTOP +
// waitpid(WUNTRACED)) so every Process starts paused, per §4.4.
func (p *Process) Launch(monitorOnly bool) error {
	if err := p.createRundir(); err != nil {
		return errs.New(errs.KindLaunch, p.core.Name, err)
	}

	args := strings.Fields(p.Cmd)
	if len(args) == 0 {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("empty command line"))
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = p.Rundir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if p.Stdin != "" {
		f, err := os.Open(p.Stdin)
		if err != nil {
			return errs.New(errs.KindLaunch, p.core.Name, err)
		}
		cmd.Stdin = f
	}
	if p.Stdout != "" {
		f, err := os.Create(p.Stdout)
		if err != nil {
			return errs.New(errs.KindLaunch, p.core.Name, err)
		}
		cmd.Stdout = f
	}
	if p.Stderr != "" {
		f, err := os.Create(p.Stderr)
		if err != nil {
			return errs.New(errs.KindLaunch, p.core.Name, err)
		}
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("fork/exec: %w", err))
	}
	p.cmd = cmd
	p.core.Pids[0] = cmd.Process.Pid

	if err := p.setCPUAffinity(); err != nil {
		return errs.New(errs.KindLaunch, p.core.Name, err)
	}

	// Every Process starts paused; the supervisor resumes it
	// synchronously once every workload has reached this point.
	return p.Pause()
}

func (p *Process) setCPUAffinity() error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range p.core.Cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(p.core.Pids[0], &set)
}

func (p *Process) createRundir() error {
	if p.Rundir == "" {
		return nil
	}
	return os.MkdirAll(p.Rundir, 0o755)
}

func (p *Process) removeRundir() error {
	if p.Rundir == "" {
		return nil
	}
	return os.RemoveAll(p.Rundir)
}

// Pause sends SIGSTOP and waits for the child to actually stop.
func (p *Process) Pause() error {
	pid := p.core.Pids[0]
	if pid <= 1 {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("tried to send SIGSTOP to pid %d, check for bugs", pid))
	}
	if err := syscall.Kill(pid, syscall.SIGSTOP); err != nil {
		return errs.New(errs.KindLaunch, p.core.Name, err)
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, syscall.WUNTRACED, nil); err != nil {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("waitpid: %w", err))
	}
	if ws.Exited() {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("exited unexpectedly with status %d while pausing", ws.ExitStatus()))
	}
	return nil
}

// Resume sends SIGCONT and waits for the child to actually continue.
func (p *Process) Resume() error {
	pid := p.core.Pids[0]
	if pid <= 1 {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("tried to send SIGCONT to pid %d, check for bugs", pid))
	}
	if err := syscall.Kill(pid, syscall.SIGCONT); err != nil {
		return errs.New(errs.KindLaunch, p.core.Name, err)
	}
	var ws syscall.WaitStatus
	if _, err := syscall.Wait4(pid, &ws, syscall.WCONTINUED, nil); err != nil {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("waitpid: %w", err))
	}
	if ws.Exited() {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("exited unexpectedly with status %d while resuming", ws.ExitStatus()))
	}
	return nil
}

// Kill sends SIGKILL to the process group, per §4.4.
func (p *Process) Kill() error {
	pid := p.core.Pids[0]
	logger := logging.GetLogger()
	logger.WithField("pid", pid).WithField("workload", p.core.Name).Info("killing task")

	if pid <= 1 {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("tried to kill pid %d, check for bugs", pid))
	}
	if p.core.Status() == StatusExited {
		logger.WithField("pid", pid).Info("task was already dead")
		p.core.Pids[0] = 0
		return nil
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("SIGKILL: %w", err))
	}
	p.core.Pids[0] = 0
	return nil
}

// Exited performs a non-blocking waitpid. Under monitor-only mode it
// always returns false (§9, open question 5) — observes but never
// drives the cleanup/restart path. A non-zero exit status is fatal,
// matching the original's throw_with_trace on the same condition: the
// caller gets (true, err) and must route to cleanup instead of treating
// this as an ordinary Exited transition.
func (p *Process) Exited(monitorOnly bool) (bool, error) {
	if monitorOnly {
		return false, nil
	}

	pid := p.core.Pids[0]
	var ws syscall.WaitStatus
	wpid, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
	if err != nil {
		logging.GetLogger().WithError(err).WithField("pid", pid).Error("waitpid failed")
		return false, nil
	}
	if wpid == 0 {
		return false, nil
	}
	if ws.Exited() {
		if ws.ExitStatus() != 0 {
			return true, errs.New(errs.KindLaunch, p.core.Name, fmt.Errorf("task exited with non-zero status %d", ws.ExitStatus()))
		}
		return true, nil
	}
	return false, nil
}

// Restart resets stats, removes the rundir, re-launches, resumes, and
// increments restarts, per §4.4.
func (p *Process) Restart(monitorOnly bool) error {
	p.core.ResetStats()
	if err := p.removeRundir(); err != nil {
		return errs.New(errs.KindLaunch, p.core.Name, err)
	}
	if err := p.Launch(monitorOnly); err != nil {
		return err
	}
	if err := p.Resume(); err != nil {
		return err
	}
	p.core.Restarts++
	p.core.SetStatus(StatusRunnable)
	return nil
}

// CPUIDForPid returns cpus[0], the first CPU of the Process's affinity
// set, regardless of which pid is asked (a Process has exactly one).
func (p *Process) CPUIDForPid(pid int) int {
	if len(p.core.Cpus) == 0 {
		return -1
	}
	return p.core.Cpus[0]
}
