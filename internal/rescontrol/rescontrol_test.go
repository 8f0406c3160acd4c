package rescontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"experiment-controller/internal/adapters/libvirtdom"
)

type fakeDomain struct {
	tuneCalls int
	lastDevice string
	lastTune  libvirtdom.IOTune
}

func (f *fakeDomain) CPUStats() (map[int]uint64, error) { return nil, nil }
func (f *fakeDomain) BlockStats(device string) (libvirtdom.BlockStats, error) {
	return libvirtdom.BlockStats{}, nil
}
func (f *fakeDomain) SetBlockIOTune(device string, tune libvirtdom.IOTune) error {
	f.tuneCalls++
	f.lastDevice = device
	f.lastTune = tune
	return nil
}
func (f *fakeDomain) Shutdown() error                                       { return nil }
func (f *fakeDomain) RevertToSnapshot(snapshotName string, running bool) error { return nil }

func TestApplyDiskThrottle_IdempotentOnRepeat(t *testing.T) {
	c := New(nil)
	dom := &fakeDomain{}
	throttle := DiskThrottle{TotalBytesSec: 1000, ReadBytesSec: 500, WriteBytesSec: 500}

	require.NoError(t, c.ApplyDiskThrottle("vm1", dom, "vda", throttle))
	require.NoError(t, c.ApplyDiskThrottle("vm1", dom, "vda", throttle))

	assert.Equal(t, 1, dom.tuneCalls, "second call with identical throttle must be a no-op")
	assert.Equal(t, "vda", dom.lastDevice)
}

func TestApplyDiskThrottle_ReappliesOnChange(t *testing.T) {
	c := New(nil)
	dom := &fakeDomain{}

	require.NoError(t, c.ApplyDiskThrottle("vm1", dom, "vda", DiskThrottle{TotalBytesSec: 1000}))
	require.NoError(t, c.ApplyDiskThrottle("vm1", dom, "vda", DiskThrottle{TotalBytesSec: 2000}))

	assert.Equal(t, 2, dom.tuneCalls)
	assert.Equal(t, int64(2000), dom.lastTune.TotalBytesSec)
}

func TestApplyDiskThrottle_SeparateWorkloadsTrackedIndependently(t *testing.T) {
	c := New(nil)
	domA := &fakeDomain{}
	domB := &fakeDomain{}
	throttle := DiskThrottle{TotalBytesSec: 1000}

	require.NoError(t, c.ApplyDiskThrottle("vmA", domA, "vda", throttle))
	require.NoError(t, c.ApplyDiskThrottle("vmB", domB, "vda", throttle))

	assert.Equal(t, 1, domA.tuneCalls)
	assert.Equal(t, 1, domB.tuneCalls)
}
