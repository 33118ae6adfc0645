package benchmarkorchestrator

import (
	"context"

	"github.com/Octogonapus/RackBench/target"
)

// Remote is the coordinator's view of the other machines. *target.Fleet implements it.
type Remote interface {
	Target(host string) (target.Target, error)
	Run(ctx context.Context, hosts []string, build func(host string) target.Cmd, opts target.FanOutOptions) ([]target.HostResult, error)
	Start(ctx context.Context, hosts []string, name string, build func(host string) target.Cmd) ([]target.Session, error)
	CopyTo(ctx context.Context, hosts []string, files []string, dir string) error
	Collect(ctx context.Context, hosts []string, remoteDir string, patterns []string, localDir string) error
}

// Local is the coordinator's own participant. *launcher.Host implements it.
type Local interface {
	StartServer(ctx context.Context) error
	SetARP(ctx context.Context, ip, mac string) error
	TerminateAll() error
	KillLeftovers(ctx context.Context)
}

// Runs one experiment across the machines of its topology.
type BenchmarkOrchestrator interface {
	// Create the run directory and write the descriptor.
	SetUp(ctx context.Context) error

	// Start every participant and wait for the clients to finish.
	Run(ctx context.Context) error

	// Collect artifacts and stop everything that was started. runErr is the error SetUp or Run
	// returned, if any. Only the first call does anything.
	TearDown(ctx context.Context, runErr error) error
}
