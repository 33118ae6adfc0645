package report

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// ThroughputSeries is the iokernel counter that tracks packets sent by the runtime.
const ThroughputSeries = "TX_PULLED"

var ErrSoftCrash = errors.New("drastic throughput drop detected, possible soft crash")

// ParseIOKernelLog reads a timestamped iokernel log. Every stats block begins with " Stats:" and
// holds lines of "<unix time> NAME: value NAME: value ...". Per-queue "rx:" lines, names without a
// trailing colon and values that are not numbers are skipped.
func ParseIOKernelLog(r io.Reader) (map[string][]Measurement[float64], error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	stats := map[string][]Measurement[float64]{}
	blocks := strings.Split(string(buf), " Stats:")
	if len(blocks) < 2 {
		return stats, nil
	}
	for _, block := range blocks[1:] {
		for _, line := range strings.Split(strings.TrimSpace(block), "\n") {
			if strings.Contains(line, "eth stats for port") || strings.Contains(line, "rx:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			tm, err := strconv.ParseInt(fields[0], 10, 64)
			if err != nil {
				// The first line of a block is the rest of the header.
				continue
			}
			for i := 1; i+1 < len(fields); i += 2 {
				name, ok := strings.CutSuffix(fields[i], ":")
				if !ok {
					continue
				}
				val, err := strconv.ParseFloat(fields[i+1], 64)
				if err != nil {
					continue
				}
				stats[name] = append(stats[name], Measurement[float64]{Time: tm, Value: val})
			}
		}
	}
	return stats, nil
}

type ThroughputSummary struct {
	Samples int
	Mean    float64
	StdDev  float64

	// DropAt is the time of the first sample below half the running mean, zero if none.
	DropAt int64
}

// Window drops the first and last trim fraction of the time range covered by series.
func Window(series []Measurement[float64], trim float64) []Measurement[float64] {
	if len(series) == 0 {
		return series
	}
	start, end := series[0].Time, series[len(series)-1].Time
	cut := int64(float64(end-start) * trim)
	out := []Measurement[float64]{}
	for _, m := range series {
		if m.Time >= start+cut && m.Time <= end-cut {
			out = append(out, m)
		}
	}
	return out
}

// SummarizeThroughput computes mean and deviation of series and finds the first sample that falls
// below half of the mean of the samples before it.
func SummarizeThroughput(series []Measurement[float64]) *ThroughputSummary {
	sum := &ThroughputSummary{Samples: len(series)}
	if len(series) == 0 {
		return sum
	}
	vals := make([]float64, len(series))
	for i, m := range series {
		vals[i] = m.Value
	}
	sum.Mean, sum.StdDev = stat.MeanStdDev(vals, nil)

	mean := vals[0]
	for i := 1; i < len(vals); i++ {
		if vals[i] < mean/2 && sum.DropAt == 0 {
			sum.DropAt = series[i].Time
		}
		mean = (mean*float64(i) + vals[i]) / float64(i+1)
	}
	return sum
}

// CheckSoftCrash inspects the iokernel log at filename. A detected drop is logged and returned as
// ErrSoftCrash unless suppress is set.
func CheckSoftCrash(filename string, suppress bool) (*ThroughputSummary, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stats, err := ParseIOKernelLog(f)
	if err != nil {
		return nil, err
	}
	sum := SummarizeThroughput(Window(stats[ThroughputSeries], 0.1))
	if sum.DropAt != 0 {
		slog.Warn(ErrSoftCrash.Error(), slog.Int64("at", sum.DropAt), slog.Float64("mean", sum.Mean))
		if !suppress {
			return sum, fmt.Errorf("%w (at %d)", ErrSoftCrash, sum.DropAt)
		}
	}
	return sum, nil
}
