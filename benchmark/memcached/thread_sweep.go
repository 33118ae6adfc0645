package memcached

import (
	"fmt"

	"github.com/Octogonapus/RackBench/benchmark"
	"github.com/Octogonapus/RackBench/topology"
	"github.com/Octogonapus/RackBench/util"
	"github.com/mitchellh/mapstructure"
)

// ThreadSweepBenchmarkInput runs one memcached experiment per server thread count.
type ThreadSweepBenchmarkInput struct {
	Name        string
	System      string
	Threads     []int
	Transport   string
	StartMpps   float64
	Mpps        float64
	Samples     int
	RuntimeSecs int
}

type threadSweep struct {
	input *ThreadSweepBenchmarkInput
}

func init() {
	benchmark.RegisterBenchmark("thread-sweep", func(a map[string]any) (benchmark.Benchmark, error) {
		input := &ThreadSweepBenchmarkInput{}
		err := mapstructure.Decode(a, input)
		if err != nil {
			return nil, fmt.Errorf("can't convert input to ThreadSweepBenchmarkInput: %w", err)
		}
		return NewThreadSweepBenchmark(input)
	})
}

func NewThreadSweepBenchmark(input *ThreadSweepBenchmarkInput) (benchmark.Benchmark, error) {
	if input.System == "" {
		input.System = string(topology.SystemShenango)
	}
	if input.System != string(topology.SystemShenango) && input.System != string(topology.SystemLinux) {
		return nil, fmt.Errorf("thread sweep needs shenango or linux, got %s", input.System)
	}
	if len(input.Threads) == 0 {
		return nil, fmt.Errorf("thread sweep needs at least one thread count")
	}
	if input.RuntimeSecs == 0 {
		input.RuntimeSecs = 20
	}
	return &threadSweep{input: input}, nil
}

func (b *threadSweep) GetName() string {
	return b.input.Name
}

func (b *threadSweep) GetInput() map[string]any {
	return util.StructMap(b.input)
}

func (b *threadSweep) Experiments(bc *benchmark.BuildContext) ([]*topology.Experiment, error) {
	out := []*topology.Experiment{}
	for _, threads := range b.input.Threads {
		in := &MemcachedBenchmarkInput{
			System:      b.input.System,
			Threads:     threads,
			Transport:   b.input.Transport,
			NConns:      200 * len(bc.Inventory.Clients),
			StartMpps:   b.input.StartMpps,
			Mpps:        b.input.Mpps,
			Samples:     b.input.Samples,
			RuntimeSecs: b.input.RuntimeSecs,
		}
		if _, err := NewMemcachedBenchmark(in); err != nil {
			return nil, err
		}
		e, err := Build(bc, in)
		if err != nil {
			return nil, err
		}
		e.Name += fmt.Sprintf("-memcached-%s-%dthreads", in.Transport, threads)
		out = append(out, e)
	}
	return out, nil
}
