// Command controllerd runs the Supervisor Loop: it loads a run
// configuration, launches every configured Process/VirtualMachine
// workload, and samples/partitions them at a fixed interval until every
// non-batch workload completes or the configured maximum number of
// intervals has elapsed. Rewritten from the
// teacher's cmd/main.go Docker-orchestration body around the
// Process/VirtualMachine launch path, keeping the teacher's cobra root
// command, .env loading, and cleanup-ordering shape.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	libvirt "libvirt.org/go/libvirt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"experiment-controller/internal/adapters/rdt"
	"experiment-controller/internal/adapters/sshpeer"
	"experiment-controller/internal/config"
	"experiment-controller/internal/csvout"
	"experiment-controller/internal/hostconfig"
	"experiment-controller/internal/logging"
	"experiment-controller/internal/policy"
	"experiment-controller/internal/rescontrol"
	"experiment-controller/internal/runcontext"
	"experiment-controller/internal/supervisor"
	"experiment-controller/internal/workload"
)

const version = "1.0.0"

func loadEnvironment() {
	logger := logging.GetLogger()
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("error loading .env file")
		}
		return
	}
	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("error loading .env file")
			}
		}
	}
}

type runFlags struct {
	configFile    string
	overrideFile  string
	output        string
	finOutput     string
	totalOutput   string
	timesOutput   string
	rundir        string
	id            int
	clogMin       string
	flogMin       string
	logFile       string
	monitorOnly   bool
}

func main() {
	loadEnvironment()

	var flags runFlags

	rootCmd := &cobra.Command{
		Use:     "controllerd",
		Short:   "Experiment controller for co-located workload partitioning",
		Version: version,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Supervisor Loop against a configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runController(flags)
		},
	}

	runCmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "path to the run configuration (required)")
	runCmd.Flags().StringVar(&flags.overrideFile, "config-override", "", "path to an override fragment merged on top of --config")
	runCmd.Flags().StringVar(&flags.output, "output", "", "interval-stream CSV path (empty = stdout)")
	runCmd.Flags().StringVar(&flags.finOutput, "fin-output", "", "until-completion-totals CSV path")
	runCmd.Flags().StringVar(&flags.totalOutput, "total-output", "", "lifetime-totals CSV path")
	runCmd.Flags().StringVar(&flags.timesOutput, "times-output", "", "/proc/stat times CSV path")
	runCmd.Flags().StringVar(&flags.rundir, "rundir", "/tmp/controllerd", "base directory for per-task rundirs")
	runCmd.Flags().IntVar(&flags.id, "id", 0, "run identifier, recorded in the run context")
	runCmd.Flags().StringVar(&flags.clogMin, "clog-min", "info", "minimum console log level")
	runCmd.Flags().StringVar(&flags.flogMin, "flog-min", "info", "minimum file log level")
	runCmd.Flags().StringVar(&flags.logFile, "log-file", "", "also write logs to this file")
	runCmd.Flags().BoolVar(&flags.monitorOnly, "monitor-only", false, "sample without launching or mutating any workload")
	_ = runCmd.MarkFlagRequired("config")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a run configuration without launching anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(flags.configFile)
			return err
		},
	}
	validateCmd.Flags().StringVarP(&flags.configFile, "config", "c", "", "path to the run configuration (required)")
	_ = validateCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		logging.GetLogger().WithError(err).Error("controllerd exiting with error")
		os.Exit(1)
	}
}

func runController(flags runFlags) error {
	if err := logging.SetLogLevel(flags.clogMin); err != nil {
		return fmt.Errorf("--clog-min: %w", err)
	}
	if flags.logFile != "" {
		f, err := os.OpenFile(flags.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening --log-file: %w", err)
		}
		defer f.Close()
		logging.SetFileOutput(f)
		if err := logging.SetFileLevel(flags.flogMin); err != nil {
			return fmt.Errorf("--flog-min: %w", err)
		}
	}

	var cfg *config.Root
	var err error
	if flags.overrideFile != "" {
		cfg, err = config.LoadWithOverride(flags.configFile, flags.overrideFile)
	} else {
		cfg, err = config.Load(flags.configFile)
	}
	if err != nil {
		return err
	}

	host, err := hostconfig.Get()
	if err != nil {
		return fmt.Errorf("reading host topology: %w", err)
	}

	rdtAdapter := rdt.New()
	closSchemata := make(map[int]string)
	closMbps := make(map[int]int)
	for _, c := range cfg.Clos {
		closSchemata[c.Num] = c.Schemata
		if c.Mbps != nil {
			closMbps[c.Num] = *c.Mbps
		}
	}
	if err := rdtAdapter.Init(closSchemata, closMbps); err != nil {
		return err
	}

	resources := rescontrol.New(rdtAdapter)

	var conn *libvirt.Connect
	var ssh *sshpeer.Runner
	if hasVMTask(cfg.Tasks) {
		conn, err = libvirt.NewConnect("qemu:///system")
		if err != nil {
			return fmt.Errorf("connecting to libvirt: %w", err)
		}
		defer conn.Close()

		keyPath := os.Getenv("CONTROLLER_SSH_KEY")
		if keyPath == "" {
			return fmt.Errorf("CONTROLLER_SSH_KEY must name a private key when the run includes VM tasks")
		}
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("reading CONTROLLER_SSH_KEY: %w", err)
		}
		ssh, err = sshpeer.NewRunner(keyPEM, 0)
		if err != nil {
			return fmt.Errorf("parsing CONTROLLER_SSH_KEY: %w", err)
		}
	}

	runList, err := buildRunList(cfg, conn, ssh, flags.rundir)
	if err != nil {
		return err
	}

	pol := policy.ByName(cfg.Policy.Kind, resources, cfg.Policy.Every)

	rc := &runcontext.RunContext{
		Config:      cfg,
		Host:        host,
		Logger:      logging.GetLogger(),
		RDT:         rdtAdapter,
		Resources:   resources,
		SSH:         ssh,
		Policy:      pol,
		RunList:     runList,
		MonitorOnly: flags.monitorOnly,
		RunID:       flags.id,
	}

	streams, err := openStreams(flags)
	if err != nil {
		return err
	}
	defer closeStreams(streams)

	if !flags.monitorOnly {
		for _, w := range runList {
			if err := w.Launch(false); err != nil {
				return fmt.Errorf("launching workload %s: %w", w.Core().Name, err)
			}
		}
		for _, w := range runList {
			if err := w.Resume(); err != nil {
				return fmt.Errorf("resuming workload %s: %w", w.Core().Name, err)
			}
		}
	} else {
		for _, w := range runList {
			if err := w.Launch(true); err != nil {
				return fmt.Errorf("attaching to workload %s: %w", w.Core().Name, err)
			}
		}
	}

	loop := supervisor.New(rc, streams, cfg.Cmd.Interval(), cfg.Cmd.MaxIntervals())
	return loop.Run(context.Background())
}

func hasVMTask(tasks []config.TaskConfig) bool {
	for _, t := range tasks {
		if t.Kind == config.TaskKindVM {
			return true
		}
	}
	return false
}

func buildRunList(cfg *config.Root, conn *libvirt.Connect, ssh *sshpeer.Runner, rundirBase string) ([]workload.Workload, error) {
	var runList []workload.Workload
	for _, t := range cfg.Tasks {
		switch t.Kind {
		case config.TaskKindApp:
			name := t.App.Name
			p := workload.NewProcess(name, t.ResolvedCpus, t.InitialClos, t.MaxRestarts, t.Batch,
				t.App.Cmd, filepath.Join(rundirBase, name), t.MaxInstr)
			p.Stdin, p.Stdout, p.Stderr = t.App.Stdin, t.App.Stdout, t.App.Stderr
			if t.App.Skel != "" {
				p.Skel = []string{t.App.Skel}
			}
			runList = append(runList, p)
		case config.TaskKindVM:
			name := t.DomainName
			v := workload.NewVirtualMachine(name, t.ResolvedCpus, t.InitialClos, t.MaxRestarts, t.Batch,
				conn, ssh, t.DomainName, t.IP, t.Port, t.SnapshotName, t.CephVM)
			v.ClientNative = t.ClientNative
			v.Arguments = t.Arguments
			if t.ClientDomainName != "" {
				v.Client = true
				v.ClientDomainName = t.ClientDomainName
				v.ClientSnapshotName = t.ClientSnapshotName
				v.ClientIP = t.ClientIP
				v.ClientArguments = t.ClientArguments
				v.ClientCpus = t.ResolvedClientCpus
			}
			runList = append(runList, v)
		default:
			return nil, fmt.Errorf("task %q: unknown kind %q", name(t), t.Kind)
		}
	}
	if len(runList) == 0 {
		return nil, fmt.Errorf("configuration defines no tasks")
	}
	return runList, nil
}

func name(t config.TaskConfig) string {
	if t.App.Name != "" {
		return t.App.Name
	}
	return t.DomainName
}

func openStreams(flags runFlags) (supervisor.Streams, error) {
	interval, err := csvout.Open(flags.output)
	if err != nil {
		return supervisor.Streams{}, err
	}
	fin, err := csvout.Open(flags.finOutput)
	if err != nil {
		return supervisor.Streams{}, err
	}
	total, err := csvout.Open(flags.totalOutput)
	if err != nil {
		return supervisor.Streams{}, err
	}
	times, err := csvout.Open(flags.timesOutput)
	if err != nil {
		return supervisor.Streams{}, err
	}
	return supervisor.Streams{Interval: interval, Fin: fin, Total: total, Times: times}, nil
}

func closeStreams(s supervisor.Streams) {
	for _, w := range []*csvout.Writer{s.Interval, s.Fin, s.Total, s.Times} {
		if w != nil {
			_ = w.Close()
		}
	}
}
