package benchmark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Octogonapus/RackBench/topology"
	"gopkg.in/yaml.v3"
)

type BuildContext struct {
	Inventory *topology.Inventory
	Name      string
	Desc      string

	// Timings replaces the default waits of every built experiment when set.
	Timings *topology.Timings
}

type Benchmark interface {
	// Build the experiments to run, in order. Each one is executed and torn down on its own.
	Experiments(bc *BuildContext) ([]*topology.Experiment, error)

	// A human-friendly name the user can set for this benchmark. Only used for debugging/printing.
	GetName() string

	// Any input given to this benchmark by the user.
	GetInput() map[string]any
}

type benchmarkType string

type benchmarkFactory func(map[string]any) (Benchmark, error)

var benchmarks map[benchmarkType]benchmarkFactory

// All benchmarks must register themselves at module load time so that deserialization can create a benchmark of that type.
func RegisterBenchmark(btype string, f benchmarkFactory) {
	if benchmarks == nil {
		benchmarks = map[benchmarkType]benchmarkFactory{}
	}
	benchmarks[benchmarkType(btype)] = f
}

type SerializedBenchmark struct {
	Type  benchmarkType  `json:"type" yaml:"type"`
	Input map[string]any `json:"input" yaml:"input"`
}

type BenchmarkFile []SerializedBenchmark

func DeserializeBenchmark(sb *SerializedBenchmark) (Benchmark, error) {
	f, ok := benchmarks[sb.Type]
	if !ok {
		return nil, fmt.Errorf("unknown benchmark type: %s (known: %s)", sb.Type, Explain())
	}
	return f(sb.Input)
}

func Explain() string {
	names := []string{}
	for b := range benchmarks {
		names = append(names, string(b))
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

// LoadBenchmarkFile reads a JSON or YAML list of serialized benchmarks.
func LoadBenchmarkFile(filename string) ([]Benchmark, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	bf := BenchmarkFile{}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(buf, &bf)
	default:
		err = json.Unmarshal(buf, &bf)
	}
	if err != nil {
		return nil, fmt.Errorf("can't parse %s: %w", filename, err)
	}

	out := []Benchmark{}
	for _, sb := range bf {
		b, err := DeserializeBenchmark(&sb)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Finish applies the build context to a freshly built experiment.
func (bc *BuildContext) Finish(e *topology.Experiment) {
	if bc.Timings != nil {
		e.Timings = bc.Timings.WithDefaults()
	}
}
