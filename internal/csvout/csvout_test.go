package csvout

import (
	"bufio"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Writer, string) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "csvout-*.csv")
	require.NoError(t, err)
	path := f.Name()
	require.NoError(t, f.Close())
	w, err := Open(path)
	require.NoError(t, err)
	return w, path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestIntervalStream_HeaderWrittenOnce(t *testing.T) {
	w, path := openTemp(t)
	require.NoError(t, w.WriteIntervalHeader([]string{"instructions"}, false))
	require.NoError(t, w.WriteIntervalHeader([]string{"instructions"}, false))
	require.NoError(t, w.WriteIntervalRow(IntervalRow{Interval: 0, App: "a", CPU: 1, Counters: map[string]float64{"instructions": 10}}, []string{"instructions"}))
	require.NoError(t, w.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "interval,app,CPU,instructions", lines[0])
	assert.Equal(t, "0,a,1,10.000000", lines[1])
}

func TestIntervalStream_VMColumnsOnlyWhenIsVM(t *testing.T) {
	w, path := openTemp(t)
	require.NoError(t, w.WriteIntervalHeader([]string{"ipc"}, true))
	require.NoError(t, w.WriteIntervalRow(IntervalRow{
		Interval: 2, App: "vm1", CPU: 0, IsVM: true,
		Temperature: 55.5, VMCPUPercent: 80, TotalCPUPercent: 90,
		Counters: map[string]float64{"ipc": 1.5},
	}, []string{"ipc"}))
	require.NoError(t, w.Close())

	lines := readLines(t, path)
	assert.Equal(t, "interval,app,CPU,Temperature,VM_CPU%,total_CPU%,ipc", lines[0])
	assert.Equal(t, "2,vm1,0,55.500000,80.000000,90.000000,1.500000", lines[1])
}

func TestTotalRow_NoIntervalColumn(t *testing.T) {
	w, path := openTemp(t)
	require.NoError(t, w.WriteTotalHeader([]string{"instructions"}))
	require.NoError(t, w.WriteTotalRow(TotalRow{App: "a", CPU: 0, Counters: map[string]float64{"instructions": 42}}, []string{"instructions"}))
	require.NoError(t, w.Close())

	lines := readLines(t, path)
	assert.Equal(t, "app,CPU,instructions", lines[0])
	assert.Equal(t, "a,0,42.000000", lines[1])
}

func TestTimesStream_CategoryOrder(t *testing.T) {
	w, path := openTemp(t)
	require.NoError(t, w.WriteTimesHeader(false))
	require.NoError(t, w.WriteTimesRow(TimesRow{
		Interval: 1, App: "a", CPU: 0, TotalCPUPercent: 50,
		User: 1, Nice: 2, System: 3, Idle: 4, Iowait: 5,
		IRQ: 6, SoftIRQ: 7, Steal: 8, Guest: 9, GuestNice: 10,
	}))
	require.NoError(t, w.Close())

	lines := readLines(t, path)
	assert.Equal(t, "interval,app,CPU,total_CPU%,user,nice,system,idle,iowait,irq,softirq,steal,guest,guest_nice", lines[0])
	assert.Equal(t, "1,a,0,50.000000,1.000000,2.000000,3.000000,4.000000,5.000000,6.000000,7.000000,8.000000,9.000000,10.000000", lines[1])
}

func TestOpen_EmptyPathUsesStdoutWithoutError(t *testing.T) {
	w, err := Open("")
	require.NoError(t, err)
	require.NoError(t, w.WriteTotalHeader(nil))
	require.NoError(t, w.Close())
}
