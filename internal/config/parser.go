package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"experiment-controller/internal/logging"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads filepath, expands ${VAR} references, unmarshals the YAML
// document, resolves CPU specs, and validates the result. It does not
// apply an override document; see LoadWithOverride.
func Load(filepath string) (*Root, error) {
	return LoadWithOverride(filepath, "")
}

// LoadWithOverride loads filepath and, if overridePath is non-empty,
// shallow-merges a second YAML document over the first before
// validating. This backs --config and --config-override.
func LoadWithOverride(filepath, overridePath string) (*Root, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("failed to read config file")
		return nil, err
	}

	var root Root
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &root); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("failed to parse config file")
		return nil, err
	}

	if overridePath != "" {
		odata, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("reading config override: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(odata))), &root); err != nil {
			return nil, fmt.Errorf("parsing config override: %w", err)
		}
	}

	applyDefaults(&root)

	for i := range root.Tasks {
		t := &root.Tasks[i]
		if t.Cpus != "" {
			cpus, err := parseCPUSpec(t.Cpus)
			if err != nil {
				return nil, fmt.Errorf("task %d: invalid cpus '%s': %w", i, t.Cpus, err)
			}
			t.ResolvedCpus = cpus
		}
		if t.ClientCpus != "" {
			cpus, err := parseCPUSpec(t.ClientCpus)
			if err != nil {
				return nil, fmt.Errorf("task %d: invalid client_cpus '%s': %w", i, t.ClientCpus, err)
			}
			t.ResolvedClientCpus = cpus
		}
	}

	if err := Validate(&root); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &root, nil
}

func applyDefaults(root *Root) {
	if root.Cmd.Ti == 0 {
		root.Cmd.Ti = 1.0
	}
	if len(root.Cmd.Event) == 0 {
		root.Cmd.Event = []string{"ref-cycles,instructions"}
	}
	if root.Cmd.Perf == "" {
		root.Cmd.Perf = PerfPID
	}
	if root.Policy.Kind == "" {
		root.Policy.Kind = "none"
	}
}

func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// parseCPUSpec parses strings like "0", "0,2,4", or "0-3" into a
// deduplicated, order-preserving list of CPU indices.
func parseCPUSpec(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.SplitN(part, "-", 2)
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid CPU range: %s", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
			}
			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
			}
			if start > end {
				return nil, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
			}
			for i := start; i <= end; i++ {
				if !seen[i] {
					cpus = append(cpus, i)
					seen[i] = true
				}
			}
			continue
		}

		cpu, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid CPU number: %s", part)
		}
		if !seen[cpu] {
			cpus = append(cpus, cpu)
			seen[cpu] = true
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}
	return cpus, nil
}

// Validate enforces the ConfigError-class checks: unknown policy kind,
// CLOS without assigned CPUs, missing required per-task fields.
func Validate(root *Root) error {
	if root.Cmd.Ti <= 0 {
		return fmt.Errorf("cmd.ti must be greater than 0")
	}
	if len(root.Tasks) == 0 {
		return fmt.Errorf("at least one task must be defined")
	}

	switch root.Cmd.Perf {
	case PerfPID, PerfCPU:
	default:
		return fmt.Errorf("cmd.perf must be PID or CPU, got %q", root.Cmd.Perf)
	}

	switch root.Policy.Kind {
	case "none", "test", "":
	default:
		return fmt.Errorf("unknown policy kind %q", root.Policy.Kind)
	}

	closNums := make(map[int]bool)
	for _, c := range root.Clos {
		if len(c.CPUs) == 0 {
			return fmt.Errorf("clos %d: has no assigned cpus", c.Num)
		}
		if closNums[c.Num] {
			return fmt.Errorf("clos %d: duplicate definition", c.Num)
		}
		closNums[c.Num] = true
	}

	for i, t := range root.Tasks {
		switch t.Kind {
		case TaskKindApp:
			if t.App.Cmd == "" {
				return fmt.Errorf("task %d: app.cmd is required", i)
			}
		case TaskKindVM:
			if t.DomainName == "" {
				return fmt.Errorf("task %d: domain_name is required", i)
			}
			if t.SnapshotName == "" && !t.CephVM {
				return fmt.Errorf("task %d: snapshot_name is required unless ceph_vm is set", i)
			}
		default:
			return fmt.Errorf("task %d: unknown kind %q", i, t.Kind)
		}
		if t.MaxRestarts < 0 {
			return fmt.Errorf("task %d: max_restarts must be >= 0", i)
		}
	}

	return nil
}
