package systemmonitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Octogonapus/RackBench/report"
	"github.com/Octogonapus/RackBench/target"
)

// A Source reads files under /proc of the monitored machine.
type Source interface {
	ReadProc(ctx context.Context, name string) ([]byte, error)
}

// LocalSource reads this machine's /proc. Root is for tests.
type LocalSource struct {
	Root string
}

func (s LocalSource) ReadProc(ctx context.Context, name string) ([]byte, error) {
	root := s.Root
	if root == "" {
		root = "/proc"
	}
	return os.ReadFile(filepath.Join(root, name))
}

// TargetSource reads /proc of a remote machine by running cat on it.
type TargetSource struct {
	Target target.Target
}

func (s TargetSource) ReadProc(ctx context.Context, name string) ([]byte, error) {
	return s.Target.RunCommand(ctx, target.Command("cat", filepath.Join("/proc", name)))
}

// SystemMonitor samples utilization of one host once per interval for as long as a run lasts,
// writing one timestamped line per metric to its log. It satisfies launcher.ProcessHandle so the
// run terminates and reaps it like any other process.
type SystemMonitor struct {
	name     string
	source   Source
	ifName   string
	interval time.Duration
	out      io.Writer

	stop    *atomic.Bool
	wg      *sync.WaitGroup
	mu      sync.Mutex
	sm      *report.SystemMeasurements
	started atomic.Bool
}

// New samples source every interval and writes to out. Only ifName is reported from
// /proc/net/dev; empty reports every interface.
func New(name string, source Source, ifName string, interval time.Duration, out io.Writer) *SystemMonitor {
	return &SystemMonitor{
		name:     name,
		source:   source,
		ifName:   ifName,
		interval: interval,
		out:      out,
		stop:     &atomic.Bool{},
		wg:       &sync.WaitGroup{},
		sm:       &report.SystemMeasurements{},
	}
}

// LogName is the file the utilization of host is logged to.
func LogName(host string) string {
	return fmt.Sprintf("mpstat.%s.log", host)
}

func (mon *SystemMonitor) Start(ctx context.Context) {
	mon.started.Store(true)
	mon.wg.Add(1)
	go mon.runMonitor(ctx)
}

func (mon *SystemMonitor) Name() string {
	return mon.name
}

func (mon *SystemMonitor) Alive() bool {
	return mon.started.Load() && !mon.stop.Load()
}

func (mon *SystemMonitor) Wait() error {
	mon.wg.Wait()
	return nil
}

func (mon *SystemMonitor) Terminate() error {
	mon.stop.Store(true)
	return nil
}

// Measurements returns a copy of everything sampled so far.
func (mon *SystemMonitor) Measurements() report.SystemMeasurements {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return *mon.sm
}

var maxJitter = 1 * time.Second

func (mon *SystemMonitor) runMonitor(ctx context.Context) {
	var prevCPU *cpuTimeStat
	defer mon.wg.Done()
	lastWakeTime := time.Now()
	for {
		if mon.stop.Load() || ctx.Err() != nil {
			break
		}

		jitter := time.Since(lastWakeTime) - mon.interval
		if jitter > maxJitter {
			slog.Warn("SystemMonitor: jitter exceeded maximum", slog.Duration("jitter", jitter), slog.Duration("maxJitter", maxJitter))
		}
		lastWakeTime = time.Now()

		if buf := mon.read(ctx, "stat"); buf != nil {
			currCPU := parseCPUTimeStat(buf)
			if prevCPU != nil && currCPU != nil {
				mon.appendCPUMetrics(time.Now(), currCPU, prevCPU)
			}
			prevCPU = currCPU
		}
		if buf := mon.read(ctx, "meminfo"); buf != nil {
			mon.appendMemoryMetrics(time.Now(), buf)
		}
		if buf := mon.read(ctx, "net/dev"); buf != nil {
			mon.appendNetworkMetrics(time.Now(), buf)
		}

		select {
		case <-time.After(mon.interval):
		case <-ctx.Done():
		}
	}
	mon.stop.Store(true)
	slog.Debug("SystemMonitor: stopped", slog.String("name", mon.name))
}

func (mon *SystemMonitor) read(ctx context.Context, name string) []byte {
	buf, err := mon.source.ReadProc(ctx, name)
	if err != nil {
		slog.Warn("SystemMonitor: failed to read", slog.String("file", name), slog.String("error", err.Error()))
		return nil
	}
	return buf
}

func (mon *SystemMonitor) logf(format string, args ...any) {
	if _, err := fmt.Fprintf(mon.out, format+"\n", args...); err != nil {
		slog.Warn("SystemMonitor: failed to write log", slog.String("error", err.Error()))
	}
}
