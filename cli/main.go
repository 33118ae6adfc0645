package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Octogonapus/RackBench/benchmark"
	"github.com/Octogonapus/RackBench/benchmark/memcached"
	benchmarkorchestrator "github.com/Octogonapus/RackBench/benchmark_orchestrator"
	"github.com/Octogonapus/RackBench/dispatcher"
	"github.com/Octogonapus/RackBench/launcher"
	"github.com/Octogonapus/RackBench/report"
	resultstore "github.com/Octogonapus/RackBench/result_store"
	"github.com/Octogonapus/RackBench/role"
	systemmonitor "github.com/Octogonapus/RackBench/system_monitor"
	"github.com/Octogonapus/RackBench/target"
	"github.com/Octogonapus/RackBench/topology"
	"golang.org/x/crypto/ssh"
)

type benchmarkFiles []string

func (bfs *benchmarkFiles) String() string {
	return "string rep"
}

func (bfs *benchmarkFiles) Set(value string) error {
	*bfs = append(*bfs, value)
	return nil
}

type options struct {
	hostsFile         string
	timingsFile       string
	resultsDir        string
	resultsBucket     string
	ec2Resolve        bool
	sshUser           string
	sshKey            string
	knownHosts        string
	suppressCrashWarn bool
	monitorApps       bool
	fanoutConcurrency int
}

func main() {
	rc := &role.Context{}
	roleName := flag.String("role", string(role.Coordinator), fmt.Sprintf("The role of this process. Must be one of: %s.", role.Explain()))
	flag.StringVar(&rc.Name, "name", "", "Custom name for this experiment, defaults to the date and time. Participants and replay take the run directory (or descriptor) here.")
	flag.StringVar(&rc.Desc, "desc", "", "Description/comments for this run.")
	flag.BoolVar(&rc.Debug, "debug", false, "Log at debug level.")
	flag.IntVar(&rc.StopAt, "stopat", 0, "Hold at a phase for debugging: 1 before remote apps start, 2 before a config-based launch, 3 before clients start.")
	flag.StringVar(&rc.Hostname, "hostname", "", "Host id of this machine in the inventory. Defaults to the OS hostname.")

	mc := &memcached.MemcachedBenchmarkInput{}
	flag.StringVar(&mc.System, "system", string(topology.SystemShenango), "The benchmarked stack: shenango, linux or baseline.")
	flag.StringVar(&mc.Transport, "prot", "tcp", "Transport protocol (tcp/udp).")
	flag.IntVar(&mc.NConns, "nconns", 100, "Number of client connections.")
	flag.Float64Var(&mc.StartMpps, "start", 0, "Starting rate in mpps (exclusive).")
	flag.Float64Var(&mc.Mpps, "finish", 1, "Finish rate in mpps.")
	flag.IntVar(&mc.Samples, "steps", 1, "Steps from start to finish.")
	flag.IntVar(&mc.RuntimeSecs, "time", 20, "Duration of each step in seconds.")
	noKona := flag.Bool("nokona", false, "Run without the remote memory service.")
	flag.Int64Var(&mc.KonaMem, "konamem", 1e9, "Local memory limit of the remote memory service.")
	flag.Float64Var(&mc.KonaEvictThr, "konaet", 0.8, "Eviction threshold of the remote memory service.")
	flag.Float64Var(&mc.KonaEvictDoneThr, "konaedt", 0.8, "Eviction done threshold of the remote memory service.")
	flag.BoolVar(&mc.NoHT, "noht", false, "Use the iokernel build without hyperthread pairing on the coordinator.")

	opts := options{}
	flag.StringVar(&opts.hostsFile, "hosts", "", "A YAML or JSON host inventory. The built-in inventory is used by default.")
	flag.StringVar(&opts.timingsFile, "timings", "", "A YAML or JSON file overriding the waits used while bringing a run up.")
	flag.StringVar(&opts.resultsDir, "results-dir", "data", "Successful runs are moved into this directory.")
	flag.StringVar(&opts.resultsBucket, "results-bucket", "", "Also upload successful runs to this S3 bucket.")
	flag.BoolVar(&opts.ec2Resolve, "ec2-resolve", false, "Resolve host ids to the private address of the running EC2 instance with that Name tag.")
	flag.StringVar(&opts.sshUser, "ssh-user", "", "The ssh user. Defaults to the inventory user.")
	flag.StringVar(&opts.sshKey, "ssh-key", "", "A private key for ssh. The ssh agent is used by default.")
	flag.StringVar(&opts.knownHosts, "known-hosts", "", "A known_hosts file to verify host keys against. Host keys are not checked by default.")
	flag.BoolVar(&opts.suppressCrashWarn, "suppress-crash-warn", false, "Do not fail a run when a drastic throughput drop is detected.")
	flag.BoolVar(&opts.monitorApps, "monitor-apps", false, "Also log utilization of the other app hosts, read over ssh.")
	flag.IntVar(&opts.fanoutConcurrency, "fanout-concurrency", 0, "How many hosts a command runs on at once. One per host by default.")
	bfiles := benchmarkFiles{}
	flag.Var(&bfiles, "benchmark-file", fmt.Sprintf("A benchmark configuration file. Can be used multiple times; all benchmarks will be loaded. Replaces the memcached flags. Known types: %s.", benchmark.Explain()))
	flag.Parse()

	level := slog.LevelInfo
	if rc.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	mc.Kona = !*noKona
	warmup := false
	mc.Warmup = &warmup
	if err := run(rc, *roleName, mc, bfiles, opts); err != nil {
		slog.Error("run failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(rc *role.Context, roleName string, mc *memcached.MemcachedBenchmarkInput, bfiles benchmarkFiles, opts options) error {
	var err error
	rc.Role, err = role.Parse(roleName)
	if err != nil {
		return err
	}
	if rc.Hostname == "" {
		if rc.Hostname, err = os.Hostname(); err != nil {
			return err
		}
	}
	if rc.Executable, err = os.Executable(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	d := dispatcher.New(rc, runner(rc, opts))
	if rc.Role.Participant() {
		_, err := d.Dispatch(ctx, nil, nil)
		return err
	}

	inv, err := loadInventory(opts.hostsFile)
	if err != nil {
		return err
	}
	bc := &benchmark.BuildContext{Inventory: inv, Name: rc.Name, Desc: rc.Desc}
	if opts.timingsFile != "" {
		t, err := topology.LoadTimings(opts.timingsFile)
		if err != nil {
			return err
		}
		bc.Timings = &t
	}

	benchmarks := []benchmark.Benchmark{}
	for _, bf := range bfiles {
		bs, err := benchmark.LoadBenchmarkFile(bf)
		if err != nil {
			return err
		}
		benchmarks = append(benchmarks, bs...)
	}
	if len(benchmarks) == 0 && rc.Role == role.Coordinator {
		b, err := memcached.NewMemcachedBenchmark(mc)
		if err != nil {
			return err
		}
		benchmarks = append(benchmarks, b)
	}

	reports, err := d.Dispatch(ctx, benchmarks, bc)
	for _, rep := range reports {
		logReport(rep)
	}
	return err
}

func loadInventory(filename string) (*topology.Inventory, error) {
	if filename == "" {
		return topology.DefaultInventory()
	}
	return topology.LoadInventory(filename)
}

func logReport(rep *report.RunReport) {
	attrs := []any{slog.String("name", rep.Name), slog.Float64("totalTimeSec", rep.TotalTimeSec)}
	if rep.Throughput != nil {
		attrs = append(attrs, slog.Float64("meanTxPulled", rep.Throughput.Mean), slog.Float64("stdDevTxPulled", rep.Throughput.StdDev))
	}
	if rep.Error != "" {
		attrs = append(attrs, slog.String("error", rep.Error))
	}
	slog.Info("run finished", attrs...)
}

// runner wires the remote fleet, the local participant and the results store for one experiment.
func runner(rc *role.Context, opts options) dispatcher.RunFunc {
	return func(ctx context.Context, e *topology.Experiment) (*report.RunReport, error) {
		fleet, err := newFleet(ctx, rc, e, opts)
		if err != nil {
			return nil, err
		}
		defer fleet.Close()

		store, err := newStore(ctx, opts)
		if err != nil {
			return nil, err
		}

		orch := benchmarkorchestrator.NewRunOrchestrator(&benchmarkorchestrator.RunOrchestratorInput{
			Experiment:        e,
			Role:              rc,
			Remote:            fleet,
			Local:             launcher.NewHost(launcher.New(e, e.Name, rc.Hostname, rc.StopAt)),
			Store:             store,
			MonitorSource:     systemmonitor.LocalSource{},
			SuppressCrashWarn: opts.suppressCrashWarn,
			MonitorRemoteApps: opts.monitorApps,
		})
		return orch.Execute(ctx)
	}
}

func newFleet(ctx context.Context, rc *role.Context, e *topology.Experiment, opts options) (*target.Fleet, error) {
	hosts := append(e.AppHosts(), e.ClientHosts()...)
	if e.ObserverHost != "" {
		hosts = append(hosts, e.ObserverHost)
	}

	var resolver target.Resolver = &target.StaticResolver{Inventory: &e.Inventory}
	if opts.ec2Resolve {
		r, err := target.NewEC2Resolver(ctx)
		if err != nil {
			return nil, err
		}
		resolver = r
	}

	var auth ssh.AuthMethod
	var err error
	if opts.sshKey != "" {
		auth, err = target.KeyFileAuth(opts.sshKey)
	} else {
		auth, err = target.AgentAuth()
	}
	if err != nil {
		return nil, fmt.Errorf("can't set up ssh auth: %w", err)
	}
	hostKeys, err := target.HostKeyCallback(opts.knownHosts)
	if err != nil {
		return nil, err
	}

	user := opts.sshUser
	if user == "" {
		user = e.Inventory.User
	}
	return target.NewSSHFleet(ctx, hosts, rc.Hostname, resolver, target.SSHOptions{
		User:            user,
		Auths:           []ssh.AuthMethod{auth},
		HostKeyCallback: hostKeys,
	}, opts.fanoutConcurrency)
}

func newStore(ctx context.Context, opts options) (resultstore.ResultStore, error) {
	local := &resultstore.LocalStore{Dir: filepath.Clean(opts.resultsDir)}
	if opts.resultsBucket == "" {
		return local, nil
	}
	s3, err := resultstore.NewS3Store(ctx, &resultstore.S3StoreInput{
		Bucket:            opts.resultsBucket,
		Prefix:            "rackbench",
		UploadConcurrency: 8,
		Local:             local,
	})
	if err != nil {
		return nil, err
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s3, nil
}
