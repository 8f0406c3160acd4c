package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
cmd:
  ti: 0.5
  mi: 10
  event: ["instructions,cycles"]
  perf: PID
clos:
  - num: 1
    schemata: "L3:0=ff"
    cpus: [0, 1]
policy:
  kind: none
tasks:
  - kind: app
    cpus: "0"
    app:
      name: worker
      cmd: "sleep 1"
`

func TestLoad_ParsesMinimalDocument(t *testing.T) {
	path := writeTemp(t, "cfg.yml", minimalConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []int{0}, cfg.Tasks[0].ResolvedCpus)
	assert.Equal(t, []int{0, 1}, cfg.Clos[0].CPUs)
	assert.Equal(t, "worker", cfg.Tasks[0].App.Name)
}

func TestLoad_AppliesDefaultsWhenOmitted(t *testing.T) {
	path := writeTemp(t, "cfg.yml", `
cmd:
  ti: 0
tasks:
  - kind: app
    cpus: "0"
    app:
      name: worker
      cmd: "sleep 1"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1.0, cfg.Cmd.Ti)
	assert.Equal(t, []string{"ref-cycles,instructions"}, cfg.Cmd.Event)
	assert.Equal(t, PerfPID, cfg.Cmd.Perf)
	assert.Equal(t, "none", cfg.Policy.Kind)
}

func TestLoadWithOverride_MergesOntoBase(t *testing.T) {
	base := writeTemp(t, "base.yml", minimalConfig)
	override := writeTemp(t, "override.yml", `
policy:
  kind: test
  every: 5
`)

	cfg, err := LoadWithOverride(base, override)
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Policy.Kind)
	assert.Equal(t, 5, cfg.Policy.Every)
	// The override doesn't re-specify tasks, so the base document's
	// tasks list survives the merge untouched.
	assert.Equal(t, "worker", cfg.Tasks[0].App.Name)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("CONTROLLER_TEST_CMD", "sleep 2")
	path := writeTemp(t, "cfg.yml", `
cmd:
  ti: 1
tasks:
  - kind: app
    cpus: "0"
    app:
      name: worker
      cmd: "${CONTROLLER_TEST_CMD}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sleep 2", cfg.Tasks[0].App.Cmd)
}

func TestLoad_RejectsUnknownTaskKind(t *testing.T) {
	path := writeTemp(t, "cfg.yml", `
cmd:
  ti: 1
tasks:
  - kind: bogus
    cpus: "0"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsDuplicateClos(t *testing.T) {
	path := writeTemp(t, "cfg.yml", `
cmd:
  ti: 1
clos:
  - num: 1
    schemata: "L3:0=ff"
    cpus: [0]
  - num: 1
    schemata: "L3:0=0f"
    cpus: [1]
tasks:
  - kind: app
    cpus: "0"
    app:
      name: worker
      cmd: "sleep 1"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "duplicate")
}

func TestLoad_RejectsVMTaskWithoutSnapshotOrCeph(t *testing.T) {
	path := writeTemp(t, "cfg.yml", `
cmd:
  ti: 1
tasks:
  - kind: VM
    cpus: "0"
    domain_name: vm1
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "snapshot_name")
}

func TestParseCPUSpec(t *testing.T) {
	cases := []struct {
		spec string
		want []int
	}{
		{"0", []int{0}},
		{"0,2,4", []int{0, 2, 4}},
		{"0-3", []int{0, 1, 2, 3}},
		{"0-1,4,6-7", []int{0, 1, 4, 6, 7}},
		{"2,2,1", []int{2, 1}},
	}
	for _, c := range cases {
		got, err := parseCPUSpec(c.spec)
		require.NoError(t, err, c.spec)
		assert.Equal(t, c.want, got, c.spec)
	}
}

func TestParseCPUSpec_RejectsGarbage(t *testing.T) {
	for _, spec := range []string{"", "a", "3-1", "1-"} {
		_, err := parseCPUSpec(spec)
		assert.Error(t, err, spec)
	}
}
