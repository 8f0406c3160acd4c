package workload

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_LaunchStartsPaused(t *testing.T) {
	p := NewProcess("sleeper", []int{0}, 0, 0, false, "sleep 5", t.TempDir(), 0)
	require.NoError(t, p.Launch(false))
	defer killIfAlive(p)

	assert.NotZero(t, p.Core().Pids[0])
	exited, err := p.Exited(false)
	require.NoError(t, err)
	assert.False(t, exited, "a just-paused process must not be reported as exited")
}

func TestProcess_ResumeThenKillReportsExited(t *testing.T) {
	p := NewProcess("sleeper", []int{0}, 0, 0, false, "sleep 5", t.TempDir(), 0)
	require.NoError(t, p.Launch(false))
	require.NoError(t, p.Resume())

	pid := p.Core().Pids[0]
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))

	var ws syscall.WaitStatus
	_, err := syscall.Wait4(pid, &ws, 0, nil)
	require.NoError(t, err)

	exited, err := p.Exited(false)
	require.NoError(t, err)
	assert.True(t, exited)
}

func TestProcess_NonZeroExitStatusIsFatal(t *testing.T) {
	p := NewProcess("failer", []int{0}, 0, 0, false, "false", t.TempDir(), 0)
	require.NoError(t, p.Launch(false))
	require.NoError(t, p.Resume())

	var exited bool
	var err error
	for i := 0; i < 100 && !exited && err == nil; i++ {
		exited, err = p.Exited(false)
		if !exited {
			time.Sleep(10 * time.Millisecond)
		}
	}
	require.True(t, exited)
	require.Error(t, err, "a non-zero exit status must be reported as a fatal error")
}

func TestProcess_MonitorOnlyNeverReportsExited(t *testing.T) {
	p := NewProcess("sleeper", []int{0}, 0, 0, false, "sleep 5", t.TempDir(), 0)
	require.NoError(t, p.Launch(false))
	defer killIfAlive(p)

	exited, err := p.Exited(true)
	require.NoError(t, err)
	assert.False(t, exited, "monitor-only mode must never drive the transition path")
}

func TestProcess_RestartIncrementsCountAndSetsRunnable(t *testing.T) {
	p := NewProcess("sleeper", []int{0}, 0, 3, false, "sleep 5", t.TempDir(), 0)
	require.NoError(t, p.Launch(false))
	require.NoError(t, p.Resume())
	defer killIfAlive(p)

	require.NoError(t, p.Core().Stats[0].Init([]string{"instructions"}, 1.0))

	require.NoError(t, p.Restart(false))

	assert.Equal(t, 1, p.Core().Restarts)
	assert.Equal(t, StatusRunnable, p.Core().Status())
}

func TestProcess_LaunchCreatesRundir(t *testing.T) {
	base := t.TempDir()
	rundir := base + "/rundir"
	p := NewProcess("sleeper", []int{0}, 0, 1, false, "sleep 5", rundir, 0)
	require.NoError(t, p.Launch(false))
	require.NoError(t, p.Resume())
	defer killIfAlive(p)

	_, err := os.Stat(rundir)
	require.NoError(t, err, "Launch must create the rundir")
}

func TestProcess_CPUIDForPidReturnsPinnedCPU(t *testing.T) {
	p := NewProcess("sleeper", []int{0}, 0, 0, false, "sleep 5", t.TempDir(), 0)
	require.NoError(t, p.Launch(false))
	defer killIfAlive(p)

	assert.Equal(t, 0, p.CPUIDForPid(p.Core().Pids[0]))
	assert.Equal(t, 0, p.CPUIDForPid(999999), "a Process has exactly one pid, regardless of the argument")
}

func killIfAlive(p *Process) {
	pid := p.Core().Pids[0]
	if pid > 0 {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		var ws syscall.WaitStatus
		_, _ = syscall.Wait4(pid, &ws, 0, nil)
	}
}
