package topology

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/Octogonapus/RackBench/action"
	"github.com/Octogonapus/RackBench/util"
)

// FormatVersion is written into every descriptor. Participants refuse descriptors with a different
// major version.
const FormatVersion = "1.0.0"

// System identifies the benchmarked stack.
type System string

const (
	// SystemShenango runs on the userspace networking stack with a private virtual network.
	SystemShenango System = "shenango"
	SystemLinux    System = "linux"
	SystemBaseline System = "baseline"
)

var allSystems = []System{SystemShenango, SystemLinux, SystemBaseline}

func ParseSystem(s string) (System, error) {
	if !slices.Contains(allSystems, System(s)) {
		return "", fmt.Errorf("unknown system: %s", s)
	}
	return System(s), nil
}

// PrivateNetwork reports whether instances of this system get sequential addresses on the private
// network instead of the fixed address of their host.
func (s System) PrivateNetwork() bool {
	return s == SystemShenango
}

// ConfigBased reports whether processes of this system are launched with a generated config file.
func (s System) ConfigBased() bool {
	return s == SystemShenango
}

var (
	ErrDuplicateName     = errors.New("duplicate instance name")
	ErrAddressExhausted  = errors.New("private address space exhausted")
	ErrNoClients         = errors.New("experiment has no clients")
	ErrTooManyClients    = errors.New("more clients on one machine than it has cores")
	ErrOddClientThreads  = errors.New("threads per client must be even")
	ErrMissingInstanceID = errors.New("instance needs a name and a host")
)

const (
	firstIP   = 100
	lastIP    = 254
	firstPort = 5000
)

type Experiment struct {
	FormatVersion string `json:"format_version" yaml:"format_version"`
	Name          string `json:"name" yaml:"name"`
	Desc          string `json:"desc,omitempty" yaml:"desc,omitempty"`
	System        System `json:"system" yaml:"system"`

	CoordinatorHost string `json:"coordinator_host" yaml:"coordinator_host"`
	ObserverHost    string `json:"observer_host,omitempty" yaml:"observer_host,omitempty"`

	Apps    map[string][]*Instance `json:"apps" yaml:"apps"`
	Clients map[string][]*Instance `json:"clients" yaml:"clients"`

	NextIP           int `json:"next_ip" yaml:"next_ip"`
	NextPort         int `json:"next_port" yaml:"next_port"`
	NextClientAssign int `json:"next_client_assign" yaml:"next_client_assign"`

	AppFiles    []string `json:"app_files" yaml:"app_files"`
	ClientFiles []string `json:"client_files" yaml:"client_files"`

	// NoHT selects the iokernel build without hyperthread pairing on the coordinator.
	NoHT bool `json:"noht,omitempty" yaml:"noht,omitempty"`

	Inventory Inventory `json:"inventory" yaml:"inventory"`
	Timings   Timings   `json:"timings" yaml:"timings"`

	rng *rand.Rand
}

// NewExperiment creates an empty topology. An empty name defaults to the current date and time.
func NewExperiment(system System, inv *Inventory, name, desc string) (*Experiment, error) {
	if _, err := ParseSystem(string(system)); err != nil {
		return nil, err
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = fmt.Sprintf("run-%s", time.Now().Format("01-02-15-04"))
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Experiment{
		FormatVersion:   FormatVersion,
		Name:            name,
		Desc:            desc,
		System:          system,
		CoordinatorHost: inv.Coordinator,
		ObserverHost:    inv.Observer,
		Apps:            map[string][]*Instance{},
		Clients:         map[string][]*Instance{},
		NextIP:          firstIP,
		NextPort:        firstPort + rng.Intn(256),
		AppFiles:        []string{},
		ClientFiles:     []string{},
		Inventory:       *inv,
		Timings:         DefaultTimings(),
		rng:             rng,
	}, nil
}

// AllocateIP returns the next private address when the system uses the private network or the
// caller asks for a dynamic address. Otherwise it returns the fixed address of the coordinator host.
func (e *Experiment) AllocateIP(dynamic bool) (string, error) {
	if e.System.PrivateNetwork() || dynamic {
		if e.NextIP < 2 || e.NextIP > lastIP {
			return "", fmt.Errorf("%w: next node %d", ErrAddressExhausted, e.NextIP)
		}
		ip := e.Inventory.IP(e.NextIP)
		e.NextIP++
		return ip, nil
	}
	host, err := e.Inventory.Host(e.CoordinatorHost)
	if err != nil {
		return "", err
	}
	return host.IP, nil
}

func (e *Experiment) AllocatePort() int {
	port := e.NextPort
	e.NextPort++
	return port
}

// AllocateMAC returns a random link-layer address not used by any instance yet.
func (e *Experiment) AllocateMAC() string {
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for {
		mac := util.RandomMAC(e.rng)
		if !slices.ContainsFunc(e.Instances(), func(i *Instance) bool { return i.MAC == mac }) {
			return mac
		}
	}
}

// AssignClientHost picks the next client host round robin.
func (e *Experiment) AssignClientHost() string {
	hosts := e.Inventory.Clients
	host := hosts[e.NextClientAssign%len(hosts)]
	e.NextClientAssign++
	return host
}

func (e *Experiment) AddApp(inst *Instance) error {
	if err := e.checkNew(inst); err != nil {
		return err
	}
	e.Apps[inst.Host] = append(e.Apps[inst.Host], inst)
	return nil
}

func (e *Experiment) AddClient(inst *Instance) error {
	if err := e.checkNew(inst); err != nil {
		return err
	}
	e.Clients[inst.Host] = append(e.Clients[inst.Host], inst)
	return nil
}

func (e *Experiment) checkNew(inst *Instance) error {
	if inst.Name == "" || inst.Host == "" {
		return ErrMissingInstanceID
	}
	if e.Lookup(inst.Name) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateName, inst.Name)
	}
	if err := action.Validate(inst.Before); err != nil {
		return fmt.Errorf("instance %s: %w", inst.Name, err)
	}
	if err := action.Validate(inst.After); err != nil {
		return fmt.Errorf("instance %s: %w", inst.Name, err)
	}
	return nil
}

// AddBefore appends a before-action after checking it against the action registry.
func (e *Experiment) AddBefore(inst *Instance, name action.Name) error {
	if err := action.Validate([]string{string(name)}); err != nil {
		return err
	}
	inst.Before = append(inst.Before, string(name))
	return nil
}

// AddAfter appends an after-action after checking it against the action registry.
func (e *Experiment) AddAfter(inst *Instance, name action.Name) error {
	if err := action.Validate([]string{string(name)}); err != nil {
		return err
	}
	inst.After = append(inst.After, string(name))
	return nil
}

// SystemOf returns the instance's own system override or the experiment's system.
func (e *Experiment) SystemOf(inst *Instance) System {
	if inst.System != "" {
		return inst.System
	}
	return e.System
}

func (e *Experiment) Lookup(name string) *Instance {
	for _, inst := range e.Instances() {
		if inst.Name == name {
			return inst
		}
	}
	return nil
}

// Instances returns every app then every client, hosts in sorted order.
func (e *Experiment) Instances() []*Instance {
	return append(e.AllApps(), e.AllClients()...)
}

func (e *Experiment) AllApps() []*Instance {
	return flatten(e.Apps)
}

func (e *Experiment) AllClients() []*Instance {
	return flatten(e.Clients)
}

func (e *Experiment) AppHosts() []string {
	return sortedKeys(e.Apps)
}

func (e *Experiment) ClientHosts() []string {
	return sortedKeys(e.Clients)
}

// RemoteAppHosts are the app hosts other than the coordinator.
func (e *Experiment) RemoteAppHosts() []string {
	hosts := []string{}
	for _, h := range e.AppHosts() {
		if h != e.CoordinatorHost {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// FinalizeCohort splits the client machines' cores evenly among the clients and fills in the
// run parameters every client shares. Clients after the first pause before starting.
func (e *Experiment) FinalizeCohort(samples, runtimeSecs int) error {
	all := e.AllClients()
	if len(all) == 0 {
		return ErrNoClients
	}
	slices.SortStableFunc(all, func(a, b *Instance) int {
		switch {
		case a.Host < b.Host:
			return -1
		case a.Host > b.Host:
			return 1
		}
		return 0
	})

	maxPerMachine := 0
	for _, clients := range e.Clients {
		maxPerMachine = max(maxPerMachine, len(clients))
	}
	if maxPerMachine > e.Inventory.ClientMachineCores {
		return fmt.Errorf("%w: %d clients, %d cores", ErrTooManyClients, maxPerMachine, e.Inventory.ClientMachineCores)
	}
	threads := e.Inventory.ClientMachineCores / maxPerMachine
	if threads%2 != 0 {
		return fmt.Errorf("%w: got %d", ErrOddClientThreads, threads)
	}

	for i, inst := range all {
		inst.Threads = threads
		inst.Guaranteed = threads
		inst.Spin = threads
		inst.SetParam("runtime", runtimeSecs)
		inst.SetParam("npeers", len(all))
		inst.SetParam("samples", samples)
		inst.SetParam("leader", all[0].Host)
		if i > 0 {
			if err := e.AddBefore(inst, action.Pause); err != nil {
				return err
			}
		}
	}
	return nil
}

func flatten(m map[string][]*Instance) []*Instance {
	out := []*Instance{}
	for _, host := range sortedKeys(m) {
		out = append(out, m[host]...)
	}
	return out
}

func sortedKeys(m map[string][]*Instance) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
