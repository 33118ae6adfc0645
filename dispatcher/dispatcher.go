package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/Octogonapus/RackBench/benchmark"
	"github.com/Octogonapus/RackBench/launcher"
	"github.com/Octogonapus/RackBench/report"
	"github.com/Octogonapus/RackBench/role"
	"github.com/Octogonapus/RackBench/topology"
)

var (
	ErrNotCoordinator = errors.New("this host is not the coordinator of the experiment")
	ErrNoExperiments  = errors.New("nothing to run")
)

// Participant is the local side of an experiment. *launcher.Host implements it.
type Participant interface {
	StartApps(ctx context.Context) error
	StartClients(ctx context.Context) error
	StartObservers(ctx context.Context) error
	WriteReady() error
	WaitAll(ctx context.Context) error
	TerminateAll() error
	KillLeftovers(ctx context.Context)
}

// RunFunc executes one experiment as the coordinator.
type RunFunc func(ctx context.Context, e *topology.Experiment) (*report.RunReport, error)

type Dispatcher struct {
	Role *role.Context
	Run  RunFunc

	// NewParticipant builds the local participant for a loaded experiment. Defaults to a
	// launcher.Host.
	NewParticipant func(e *topology.Experiment, runDir string) Participant
}

func New(rc *role.Context, run RunFunc) *Dispatcher {
	d := &Dispatcher{Role: rc, Run: run}
	d.NewParticipant = func(e *topology.Experiment, runDir string) Participant {
		return launcher.NewHost(launcher.New(e, runDir, rc.Hostname, rc.StopAt))
	}
	return d
}

// Dispatch runs this process's role. The coordinator runs every experiment the benchmarks build, one
// after the other, and stops at the first failure.
func (d *Dispatcher) Dispatch(ctx context.Context, benchmarks []benchmark.Benchmark, bc *benchmark.BuildContext) ([]*report.RunReport, error) {
	if err := d.Role.Validate(); err != nil {
		return nil, err
	}
	slog.Info("starting", slog.String("role", string(d.Role.Role)), slog.String("host", d.Role.Hostname))

	switch d.Role.Role {
	case role.Coordinator:
		experiments := []*topology.Experiment{}
		for _, b := range benchmarks {
			es, err := b.Experiments(bc)
			if err != nil {
				return nil, fmt.Errorf("can't build benchmark %s: %w", b.GetName(), err)
			}
			experiments = append(experiments, es...)
		}
		return d.coordinate(ctx, experiments)
	case role.Replay:
		e, err := d.loadReplay()
		if err != nil {
			return nil, err
		}
		return d.coordinate(ctx, []*topology.Experiment{e})
	case role.App:
		return nil, d.participate(ctx, d.runApps)
	case role.Client:
		return nil, d.participate(ctx, d.runClients)
	case role.Observer:
		return nil, d.participate(ctx, d.runObserver)
	}
	return nil, fmt.Errorf("%w: %s", role.ErrUnknownRole, d.Role.Role)
}

func (d *Dispatcher) coordinate(ctx context.Context, experiments []*topology.Experiment) ([]*report.RunReport, error) {
	if len(experiments) == 0 {
		return nil, ErrNoExperiments
	}
	reports := []*report.RunReport{}
	for _, e := range experiments {
		if e.CoordinatorHost != d.Role.Hostname {
			return reports, fmt.Errorf("%w: %s runs on %s, this is %s", ErrNotCoordinator, e.Name, e.CoordinatorHost, d.Role.Hostname)
		}
		slog.Info("running experiment", slog.String("name", e.Name), slog.String("system", string(e.System)))
		rep, err := d.Run(ctx, e)
		if rep != nil {
			reports = append(reports, rep)
		}
		if err != nil {
			return reports, fmt.Errorf("experiment %s failed: %w", e.Name, err)
		}
	}
	return reports, nil
}

// loadReplay loads a saved descriptor, either the file itself or the run directory holding it.
func (d *Dispatcher) loadReplay() (*topology.Experiment, error) {
	filename := d.Role.Name
	if info, err := os.Stat(filename); err == nil && info.IsDir() {
		filename = filepath.Join(filename, topology.DescriptorName)
	}
	e, err := topology.ReadExperiment(filename)
	if err != nil {
		return nil, err
	}

	// The saved run shipped the binary that built it. Ship this one instead.
	exe := filepath.Base(d.Role.Executable)
	drop := func(f string) bool { return filepath.Base(f) == exe }
	e.ClientFiles = slices.DeleteFunc(e.ClientFiles, drop)
	e.AppFiles = slices.DeleteFunc(e.AppFiles, drop)
	if d.Role.Executable != "" {
		e.ClientFiles = append(e.ClientFiles, d.Role.Executable)
		e.AppFiles = append(e.AppFiles, d.Role.Executable)
	}
	e.Name += "-replay"
	return e, nil
}

func (d *Dispatcher) participate(ctx context.Context, run func(ctx context.Context, p Participant) error) error {
	runDir := d.Role.Name
	e, err := topology.ReadExperiment(filepath.Join(runDir, topology.DescriptorName))
	if err != nil {
		return fmt.Errorf("can't load experiment: %w", err)
	}
	p := d.NewParticipant(e, runDir)
	defer func() {
		if err := p.TerminateAll(); err != nil {
			slog.Warn("can't terminate local processes", slog.String("error", err.Error()))
		}
		// The coordinator cleans its own host once the run is collected.
		if d.Role.Hostname != e.CoordinatorHost {
			p.KillLeftovers(context.WithoutCancel(ctx))
		}
	}()
	return run(ctx, p)
}

func (d *Dispatcher) runApps(ctx context.Context, p Participant) error {
	p.KillLeftovers(ctx)
	if err := p.StartApps(ctx); err != nil {
		return err
	}
	if err := p.WriteReady(); err != nil {
		return err
	}
	return p.WaitAll(ctx)
}

func (d *Dispatcher) runClients(ctx context.Context, p Participant) error {
	if err := p.StartClients(ctx); err != nil {
		return err
	}
	return p.WaitAll(ctx)
}

func (d *Dispatcher) runObserver(ctx context.Context, p Participant) error {
	if err := p.StartObservers(ctx); err != nil {
		return err
	}
	if err := p.WriteReady(); err != nil {
		return err
	}
	return p.WaitAll(ctx)
}
