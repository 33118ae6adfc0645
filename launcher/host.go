package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/Octogonapus/RackBench/topology"
	"golang.org/x/sync/errgroup"
)

// LeftoverProcesses are killed by name when a participant cleans up.
var LeftoverProcesses = []string{"iokerneld", "cstate", "memcached", "swaptions", "mpstat", "synthetic", "rcntrl", "memserver"}

// ErrNoInstances means the experiment places nothing on this host, usually because the host id
// it was started with is not the one in the inventory.
var ErrNoInstances = errors.New("experiment has no instances for this host")

// ReadyFile is the sentinel a participant writes into the run directory once its processes are up.
func ReadyFile(host string) string {
	return "ready." + host
}

// Host runs the part of an experiment that lives on one machine. Support processes (iokernel,
// cstate) are kept apart from workload processes because only the latter are waited on.
type Host struct {
	*Launcher

	support  []ProcessHandle
	workload []ProcessHandle
}

func NewHost(l *Launcher) *Host {
	return &Host{Launcher: l}
}

// Handles returns everything this host started, workload first.
func (h *Host) Handles() []ProcessHandle {
	return append(slices.Clone(h.workload), h.support...)
}

func (h *Host) startNetworking(ctx context.Context) error {
	cs, err := h.StartCState(ctx)
	if err != nil {
		return err
	}
	h.support = append(h.support, cs)

	iok, err := h.StartIOKernel(ctx)
	if err != nil {
		return err
	}
	h.support = append(h.support, iok)
	return nil
}

func (h *Host) launch(ctx context.Context, insts []*topology.Instance) error {
	handles, err := h.LaunchAll(ctx, insts)
	h.workload = append(h.workload, handles...)
	return err
}

// StartServer brings up the coordinator's own side: networking support and the local apps.
func (h *Host) StartServer(ctx context.Context) error {
	if err := h.startNetworking(ctx); err != nil {
		return err
	}
	return h.launch(ctx, h.Experiment.Apps[h.Hostname])
}

// StartApps launches the apps of an auxiliary host. Networking support is only started when one of
// them runs on the userspace stack.
func (h *Host) StartApps(ctx context.Context) error {
	apps := h.Experiment.Apps[h.Hostname]
	if len(apps) == 0 {
		return fmt.Errorf("%w: no apps for %s", ErrNoInstances, h.Hostname)
	}
	if slices.ContainsFunc(apps, func(i *topology.Instance) bool { return h.Experiment.SystemOf(i).ConfigBased() }) {
		if err := h.startNetworking(ctx); err != nil {
			return err
		}
	}
	return h.launch(ctx, apps)
}

func (h *Host) StartClients(ctx context.Context) error {
	clients := h.Experiment.Clients[h.Hostname]
	if len(clients) == 0 {
		return fmt.Errorf("%w: no clients for %s", ErrNoInstances, h.Hostname)
	}
	if err := h.startNetworking(ctx); err != nil {
		return err
	}
	return h.launch(ctx, clients)
}

// StartObservers starts one collector per client of the experiment.
func (h *Host) StartObservers(ctx context.Context) error {
	for _, client := range h.Experiment.AllClients() {
		p, err := h.StartCollector(ctx, client)
		if err != nil {
			return err
		}
		h.workload = append(h.workload, p)
	}
	return nil
}

// WaitAll blocks until every workload process exits. The first failure terminates the others.
func (h *Host) WaitAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range h.workload {
		g.Go(func() error {
			if err := p.Wait(); err != nil {
				return fmt.Errorf("%s: %w", p.Name(), err)
			}
			return nil
		})
	}
	go func() {
		<-gctx.Done()
		for _, p := range h.workload {
			_ = p.Terminate()
		}
	}()
	return g.Wait()
}

// TerminateAll terminates and reaps every process this host started.
func (h *Host) TerminateAll() error {
	var errs []error
	for _, p := range h.Handles() {
		if err := p.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("can't terminate %s: %w", p.Name(), err))
		}
		_ = p.Wait()
	}
	h.support, h.workload = nil, nil
	return errors.Join(errs...)
}

// KillLeftovers kills known benchmark processes by name, politely first.
func (h *Host) KillLeftovers(ctx context.Context) {
	for _, sig := range [][]string{nil, {"-9"}} {
		for _, name := range LeftoverProcesses {
			args := append([]string{"pkill"}, sig...)
			if _, err := h.Runner.Run(ctx, "sudo", append(args, name)...); err != nil {
				slog.Debug("pkill found nothing", slog.String("name", name))
			}
		}
	}
}

// SetARP installs a static ARP entry on this machine.
func (h *Host) SetARP(ctx context.Context, ip, mac string) error {
	_, err := h.Runner.Run(ctx, "sudo", "arp", "-s", ip, mac)
	return err
}

func (h *Host) WriteReady() error {
	return os.WriteFile(filepath.Join(h.RunDir, ReadyFile(h.Hostname)), nil, 0o644)
}
