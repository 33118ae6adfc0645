package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Octogonapus/RackBench/topology"
)

// StartIOKernel prepares the NIC and starts the iokernel daemon for this host. Its output goes
// to iokernel.<host>.log with a timestamp on every line.
func (l *Launcher) StartIOKernel(ctx context.Context) (ProcessHandle, error) {
	inv := l.Experiment.Inventory
	if setup, err := inv.Binary("setup_machine"); err == nil {
		if _, err := l.Runner.Run(ctx, "sudo", setup); err != nil {
			slog.Warn("machine setup failed", slog.String("error", err.Error()))
		}
	}

	key := "iokerneld"
	if l.Experiment.NoHT && l.Hostname == l.Experiment.CoordinatorHost {
		key = "iokerneld-noht"
	}
	bin, err := inv.Binary(key)
	if err != nil {
		return nil, err
	}
	host, err := inv.Host(l.Hostname)
	if err != nil {
		return nil, err
	}
	if host.NICPCI == "" {
		return nil, fmt.Errorf("%w: host %s has no NIC PCI address", ErrMissingField, l.Hostname)
	}

	p, err := l.Spawner.Spawn(Command{
		Name:        "iokerneld",
		Path:        "sudo",
		Args:        []string{bin, host.NICPCI},
		Dir:         l.RunDir,
		Stdout:      IOKernelLog(l.Hostname),
		Timestamped: true,
	})
	if err != nil {
		return nil, err
	}
	if err := l.checkStarted(ctx, p, l.timings().IOKernelStartup.Std()); err != nil {
		return nil, err
	}
	return p, nil
}

// IOKernelLog is the iokernel log file name of host.
func IOKernelLog(host string) string {
	return fmt.Sprintf("iokernel.%s.log", host)
}

// StartCState pins the cores in C0 for the length of the run.
func (l *Launcher) StartCState(ctx context.Context) (ProcessHandle, error) {
	bin, err := l.Experiment.Inventory.Binary("cstate")
	if err != nil {
		return nil, err
	}
	return l.Spawner.Spawn(Command{
		Name:   "cstate",
		Path:   "sudo",
		Args:   []string{bin, "0"},
		Dir:    l.RunDir,
		Stdout: fmt.Sprintf("cstate.%s.log", l.Hostname),
	})
}

// StartCollector starts a network statistics collector against client. A stale ARP entry for the
// client is removed first.
func (l *Launcher) StartCollector(ctx context.Context, client *topology.Instance) (ProcessHandle, error) {
	if _, err := l.Runner.Run(ctx, "sudo", "arp", "-d", client.IP); err != nil {
		slog.Debug("no arp entry to delete", slog.String("ip", client.IP))
	}
	rstat, err := l.Experiment.Inventory.Binary("rstat")
	if err != nil {
		return nil, err
	}
	// The coordinator ships the collector source with the run.
	if _, err := os.Stat(filepath.Join(l.RunDir, filepath.Base(rstat))); err == nil {
		rstat = filepath.Base(rstat)
	}
	return l.Spawner.Spawn(Command{
		Name:        "rstat." + client.Name,
		Path:        "go",
		Args:        []string{"run", rstat, client.IP, "1"},
		Dir:         l.RunDir,
		Stdout:      fmt.Sprintf("rstat.%s.log", client.Name),
		Timestamped: true,
	})
}
