package memcached

import (
	"fmt"
	"strings"

	"github.com/Octogonapus/RackBench/action"
	"github.com/Octogonapus/RackBench/benchmark"
	"github.com/Octogonapus/RackBench/topology"
	"github.com/Octogonapus/RackBench/util"
	"github.com/mitchellh/mapstructure"
)

const (
	ServerName     = "memcached"
	ServerNice     = -20
	ServerMemLimit = 32000
	HashPower      = 28

	// Mean service time the load generator asks for, in microseconds.
	ClientMean = 842
)

type MemcachedBenchmarkInput struct {
	Name   string
	System string

	// Threads of the server. The coordinator's server cores when zero.
	Threads   int
	Spin      bool
	NoHT      bool
	Transport string

	NConns      int
	StartMpps   float64
	Mpps        float64
	Samples     int
	RuntimeSecs int

	// Warmup defaults to true when unset.
	Warmup *bool
	Rampup float64

	Kona             bool
	KonaMem          int64
	KonaEvictThr     float64
	KonaEvictDoneThr float64
}

type bmark struct {
	input *MemcachedBenchmarkInput
}

func init() {
	benchmark.RegisterBenchmark("memcached", func(a map[string]any) (benchmark.Benchmark, error) {
		input := &MemcachedBenchmarkInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to MemcachedBenchmarkInput: %w", err)
		}
		return NewMemcachedBenchmark(input)
	})
}

func NewMemcachedBenchmark(input *MemcachedBenchmarkInput) (benchmark.Benchmark, error) {
	if input.System == "" {
		input.System = string(topology.SystemShenango)
	}
	if _, err := topology.ParseSystem(input.System); err != nil {
		return nil, err
	}
	if input.Transport == "" {
		input.Transport = "tcp"
	}
	if input.Transport != "tcp" && input.Transport != "udp" {
		return nil, fmt.Errorf("unknown transport: %s", input.Transport)
	}
	if input.NConns == 0 {
		input.NConns = 100
	}
	if input.Samples == 0 {
		input.Samples = 1
	}
	if input.RuntimeSecs == 0 {
		input.RuntimeSecs = 20
	}
	if input.Mpps == 0 {
		input.Mpps = 1
	}
	if input.NoHT && input.System != string(topology.SystemShenango) {
		return nil, fmt.Errorf("noht needs the shenango system, got %s", input.System)
	}
	return &bmark{input: input}, nil
}

func (b *bmark) GetName() string {
	return b.input.Name
}

func (b *bmark) GetInput() map[string]any {
	return util.StructMap(b.input)
}

func (b *bmark) Experiments(bc *benchmark.BuildContext) ([]*topology.Experiment, error) {
	e, err := Build(bc, b.input)
	if err != nil {
		return nil, err
	}
	return []*topology.Experiment{e}, nil
}

// Build creates one memcached experiment: the server on the coordinator, optionally the companion
// memory service, and one load generator per client machine.
func Build(bc *benchmark.BuildContext, in *MemcachedBenchmarkInput) (*topology.Experiment, error) {
	e, err := topology.NewExperiment(topology.System(in.System), bc.Inventory, bc.Name, bc.Desc)
	if err != nil {
		return nil, err
	}
	e.NoHT = in.NoHT
	bc.Finish(e)

	threads := in.Threads
	if threads == 0 {
		threads = bc.Inventory.ServerCores
	}
	server, err := NewServer(e, threads, in.Transport)
	if err != nil {
		return nil, err
	}
	if in.Spin {
		server.Spin = threads
	}
	if in.Kona {
		if err := AddKonaApps(e, server, in.KonaMem, in.KonaEvictThr, in.KonaEvictDoneThr); err != nil {
			return nil, err
		}
	}

	warmup := true
	if in.Warmup != nil {
		warmup = *in.Warmup
	}
	_, err = NewMeasurementInstances(e, len(bc.Inventory.Clients), server, MeasurementOptions{
		Mpps:      in.Mpps,
		StartMpps: in.StartMpps,
		NConns:    in.NConns,
		Warmup:    warmup,
		Rampup:    in.Rampup,
	})
	if err != nil {
		return nil, err
	}
	if err := e.FinalizeCohort(in.Samples, in.RuntimeSecs); err != nil {
		return nil, err
	}
	if synthetic, err := e.Inventory.Binary("synthetic"); err == nil {
		e.ClientFiles = append(e.ClientFiles, synthetic)
	}
	return e, nil
}

// NewServer adds the memcached server to the coordinator.
func NewServer(e *topology.Experiment, threads int, transport string) (*topology.Instance, error) {
	ip, err := e.AllocateIP(false)
	if err != nil {
		return nil, err
	}
	inst := &topology.Instance{
		Name:       ServerName,
		App:        "memcached",
		Host:       e.CoordinatorHost,
		IP:         ip,
		Port:       e.AllocatePort(),
		MAC:        e.AllocateMAC(),
		Threads:    threads,
		Guaranteed: threads,
		Nice:       topology.IntPtr(ServerNice),
	}
	inst.SetParam("meml", ServerMemLimit)
	inst.SetParam("hashpower", HashPower)
	inst.SetParam("protocol", "memcached")
	inst.SetParam("transport", transport)

	opts := "hashpower={{.hashpower}}"
	if e.System == topology.SystemShenango {
		opts += ",no_hashexpand,lru_crawler,lru_maintainer,idle_timeout=0"
	}
	inst.Args = []string{
		"-t", "{{.Threads}}",
		"-U", "{{.Port}}",
		"-p", "{{.Port}}",
		"-c", "32768",
		"-m", "{{.meml}}",
		"-b", "32768",
		"-o", opts,
	}
	// UDP on the kernel stack needs one listener per socket for SO_REUSEPORT.
	if e.System == topology.SystemLinux && transport == "udp" {
		listeners := make([]string, 4*threads)
		for i := range listeners {
			listeners[i] = "{{.IP}}:{{.Port}}"
		}
		inst.Args = append(inst.Args, "-l", strings.Join(listeners, ","))
	}
	if err := e.AddApp(inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// AddKonaApps places the remote memory controller and memory servers on the hosts the inventory
// names and points server at them.
func AddKonaApps(e *topology.Experiment, server *topology.Instance, mem int64, evictThr, evictDoneThr float64) error {
	placement := e.Inventory.Companion
	ctrlInfo, err := e.Inventory.Host(placement.Controller)
	if err != nil {
		return err
	}
	ctrl := &topology.Instance{
		Name:   placement.Controller + ".kona-controller",
		App:    "kona-controller",
		Host:   placement.Controller,
		System: topology.SystemLinux,
		IP:     ctrlInfo.IP,
		Port:   placement.ControllerPort,
		MAC:    ctrlInfo.MAC,
		Binary: "./rcntrl",
		Args:   []string{"-s", "{{.IP}}", "-p", "{{.Port}}"},
		Nice:   topology.IntPtr(-20),
	}
	if err := addCompanion(e, ctrl, "kona-controller"); err != nil {
		return err
	}
	server.DependsOn = ctrl.Name
	server.Companion = &topology.CompanionParams{
		ControllerIP:       ctrlInfo.IP,
		ControllerPort:     placement.ControllerPort,
		MemoryLimit:        mem,
		EvictThreshold:     evictThr,
		EvictDoneThreshold: evictDoneThr,
	}

	for _, host := range placement.Servers {
		info, err := e.Inventory.Host(host)
		if err != nil {
			return err
		}
		ms := &topology.Instance{
			Name:   host + ".kona-server",
			App:    "kona-server",
			Host:   host,
			System: topology.SystemLinux,
			IP:     info.IP,
			Port:   placement.ServerPort,
			MAC:    info.MAC,
			Binary: "./memserver",
			Args:   []string{"-s", "{{.IP}}", "-p", "{{.Port}}", "-c", "{{.rcntrl_ip}}", "-r", "{{.rcntrl_port}}"},
			Nice:   topology.IntPtr(-20),
		}
		ms.SetParam("rcntrl_ip", ctrlInfo.IP)
		ms.SetParam("rcntrl_port", placement.ControllerPort)
		if err := e.AddApp(ms); err != nil {
			return err
		}
		if err := awaitCompanion(e, ms); err != nil {
			return err
		}
	}
	bin, err := e.Inventory.Binary("kona-server")
	if err != nil {
		return err
	}
	e.AppFiles = append(e.AppFiles, bin)
	return nil
}

func addCompanion(e *topology.Experiment, inst *topology.Instance, app string) error {
	if err := e.AddApp(inst); err != nil {
		return err
	}
	if err := awaitCompanion(e, inst); err != nil {
		return err
	}
	bin, err := e.Inventory.Binary(app)
	if err != nil {
		return err
	}
	e.AppFiles = append(e.AppFiles, bin)
	return nil
}

// awaitCompanion holds the launch of what follows inst until inst is up: by its output when the
// inventory knows its ready line, otherwise by a fixed pause.
func awaitCompanion(e *topology.Experiment, inst *topology.Instance) error {
	if pattern := e.Inventory.Companion.ReadyPattern; pattern != "" {
		inst.ReadyPattern = pattern
		return e.AddAfter(inst, action.WaitReady)
	}
	return e.AddAfter(inst, action.Pause)
}

type MeasurementOptions struct {
	Mpps      float64
	StartMpps float64
	NConns    int
	Warmup    bool
	Rampup    float64
}

// NewMeasurementInstances adds count load generators against server, assigned round-robin over the
// client machines. The offered load and connections are split evenly among them.
func NewMeasurementInstances(e *topology.Experiment, count int, server *topology.Instance, opts MeasurementOptions) ([]*topology.Instance, error) {
	out := []*topology.Instance{}
	for i := range count {
		host := e.AssignClientHost()
		ip, err := e.AllocateIP(true)
		if err != nil {
			return nil, err
		}
		inst := &topology.Instance{
			Name:       fmt.Sprintf("%d-%s.%s", i, host, server.Name),
			App:        "synthetic",
			Host:       host,
			System:     topology.SystemShenango,
			IP:         ip,
			MAC:        e.AllocateMAC(),
			ConfigFlag: "--config",
			Args: []string{
				"{{.serverip}}:{{.serverport}}",
				"{{.warmup}}",
				"--output={{.output}}",
				"--protocol", "{{.protocol}}",
				"--mode", "runtime-client",
				"--threads", "{{.client_threads}}",
				"--runtime", "{{.runtime}}",
				"--barrier-peers", "{{.npeers}}",
				"--barrier-leader", "{{.leader}}",
				"--mean={{.mean}}",
				"--distribution={{.distribution}}",
				"--mpps={{.mpps}}",
				"--samples={{.samples}}",
				"--transport", "{{.transport}}",
				"--start_mpps", "{{.start_mpps}}",
			},
		}
		inst.SetParam("serverip", server.IP)
		inst.SetParam("serverport", server.Port)
		inst.SetParam("output", "normal")
		inst.SetParam("protocol", server.Params["protocol"])
		inst.SetParam("transport", server.Params["transport"])
		inst.SetParam("distribution", "zero")
		inst.SetParam("mean", ClientMean)
		inst.SetParam("mpps", opts.Mpps/float64(count))
		inst.SetParam("start_mpps", opts.StartMpps/float64(count))
		inst.SetParam("client_threads", opts.NConns/count)
		warmup := ""
		if opts.Warmup {
			warmup = "--warmup"
		}
		inst.SetParam("warmup", warmup)
		if opts.Rampup > 0 {
			inst.Args = append(inst.Args, "--rampup={{.rampup}}")
			inst.SetParam("rampup", opts.Rampup/float64(count))
		}
		if err := e.AddClient(inst); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}
