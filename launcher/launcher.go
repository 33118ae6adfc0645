package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Octogonapus/RackBench/action"
	runtimeconfig "github.com/Octogonapus/RackBench/runtime_config"
	"github.com/Octogonapus/RackBench/topology"
)

var (
	ErrMissingBinary  = errors.New("binary not found")
	ErrNotExecutable  = errors.New("binary is not executable")
	ErrMissingField   = errors.New("instance is missing a required field")
	ErrDependencyDown = errors.New("dependency is not running")
)

// StartupError is a process that exited before its startup grace period was over.
type StartupError struct {
	Name string
	Err  error
}

func (e *StartupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s exited during startup", e.Name)
	}
	return fmt.Sprintf("%s exited during startup: %s", e.Name, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// StopAtConfigLaunch is the debug phase that holds every config-based launch before it spawns.
const StopAtConfigLaunch = 2

// Launcher starts the instances of one host inside the run directory.
type Launcher struct {
	Experiment *topology.Experiment
	RunDir     string
	Hostname   string
	StopAt     int

	Spawner Spawner
	ProcFS  ProcFS
	Runner  Runner

	started map[string]ProcessHandle
}

func New(e *topology.Experiment, runDir, hostname string, stopAt int) *Launcher {
	return &Launcher{
		Experiment: e,
		RunDir:     runDir,
		Hostname:   hostname,
		StopAt:     stopAt,
		Spawner:    ExecSpawner{},
		ProcFS:     HostProcFS{},
		Runner:     ExecRunner{},
	}
}

func (l *Launcher) timings() topology.Timings {
	return l.Experiment.Timings
}

// Launch starts inst with the strategy of its system.
func (l *Launcher) Launch(ctx context.Context, inst *topology.Instance) (ProcessHandle, error) {
	var p ProcessHandle
	var err error
	if l.Experiment.SystemOf(inst).ConfigBased() {
		p, err = l.launchConfigBased(ctx, inst)
	} else {
		p, err = l.launchPlain(ctx, inst)
	}
	if err != nil {
		slog.Error("launch failed", slog.String("instance", inst.Name), slog.String("error", err.Error()))
		return nil, err
	}
	if l.started == nil {
		l.started = map[string]ProcessHandle{}
	}
	l.started[inst.Name] = p
	return p, nil
}

// LaunchAll starts insts in order, running each one's before-actions first and after-actions last.
// Handles of everything started are returned even on error so the caller can clean them up.
func (l *Launcher) LaunchAll(ctx context.Context, insts []*topology.Instance) ([]ProcessHandle, error) {
	handles := []ProcessHandle{}
	for _, inst := range insts {
		if err := l.checkDependency(inst); err != nil {
			return handles, err
		}
		ac := l.actionContext(inst)
		if err := action.Run(ctx, inst.Before, ac); err != nil {
			return handles, err
		}
		p, err := l.Launch(ctx, inst)
		if err != nil {
			return handles, err
		}
		handles = append(handles, p)
		if err := action.Run(ctx, inst.After, ac); err != nil {
			return handles, err
		}
	}
	return handles, nil
}

// checkDependency only sees dependencies started by this launcher. Dependencies on other hosts are
// ready before this host is started.
func (l *Launcher) checkDependency(inst *topology.Instance) error {
	if inst.DependsOn == "" {
		return nil
	}
	dep, ok := l.started[inst.DependsOn]
	if !ok {
		slog.Debug("dependency runs elsewhere", slog.String("instance", inst.Name), slog.String("dependsOn", inst.DependsOn))
		return nil
	}
	if !dep.Alive() {
		return fmt.Errorf("%w: %s needs %s", ErrDependencyDown, inst.Name, inst.DependsOn)
	}
	return nil
}

func (l *Launcher) actionContext(inst *topology.Instance) *action.Context {
	t := l.timings()
	return &action.Context{
		RunDir:       l.RunDir,
		Instance:     inst.Name,
		ReadyPattern: inst.ReadyPattern,
		Pause:        t.ActionPause.Std(),
		ReadyTimeout: t.ReadyTimeout.Std(),
		PollInterval: t.ReadyPoll.Std(),
	}
}

func (l *Launcher) binary(inst *topology.Instance) (string, error) {
	bin := inst.Binary
	if bin == "" {
		var err error
		bin, err = l.Experiment.Inventory.Binary(inst.App)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrMissingField, inst.Name, err)
		}
	}
	if !filepath.IsAbs(bin) {
		bin = filepath.Join(l.RunDir, bin)
	}
	return bin, nil
}

func checkBinary(bin string, executable bool) error {
	info, err := os.Stat(bin)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrMissingBinary, bin)
	} else if err != nil {
		return err
	}
	if executable && info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s", ErrNotExecutable, bin)
	}
	return nil
}

func (l *Launcher) numactl() []string {
	node := strconv.Itoa(l.Experiment.Inventory.NICNUMANode)
	return []string{"-N", node, "-m", node}
}

func (l *Launcher) launchConfigBased(ctx context.Context, inst *topology.Instance) (ProcessHandle, error) {
	bin, err := l.binary(inst)
	if err != nil {
		return nil, err
	}
	if err := checkBinary(bin, true); err != nil {
		return nil, err
	}
	if err := runtimeconfig.WriteConfig(runtimeconfig.Filename(l.RunDir, inst), l.Experiment, inst); err != nil {
		return nil, err
	}
	args, err := inst.RenderArgs()
	if err != nil {
		return nil, err
	}

	cmd := Command{
		Name:   inst.Name,
		Path:   "numactl",
		Dir:    l.RunDir,
		Stdout: inst.Name + ".out",
		Stderr: inst.Name + ".err",
	}
	if c := inst.Companion; c != nil {
		slog.Info("waiting for the companion memory service", slog.String("instance", inst.Name), slog.Duration("wait", l.timings().CompanionSettle.Std()))
		if err := sleep(ctx, l.timings().CompanionSettle.Std()); err != nil {
			return nil, err
		}
		cmd.Path = "sudo"
		cmd.Args = append(companionEnv(c), "numactl")
		cmd.Args = append(cmd.Args, l.numactl()...)
		cmd.Args = append(cmd.Args, configArgs(bin, inst)...)
		cmd.Args = append(cmd.Args, "-u", l.Experiment.Inventory.User)
	} else {
		cmd.Args = append(l.numactl(), configArgs(bin, inst)...)
	}
	cmd.Args = append(cmd.Args, args...)

	if l.StopAt == StopAtConfigLaunch {
		slog.Warn("stopping before launch", slog.String("instance", inst.Name), slog.String("cmd", cmd.String()))
		if err := sleep(ctx, l.timings().DebugPause.Std()); err != nil {
			return nil, err
		}
	}

	p, err := l.Spawner.Spawn(cmd)
	if err != nil {
		return nil, err
	}
	if err := l.checkStarted(ctx, p, l.timings().StartupGrace.Std()); err != nil {
		return nil, err
	}
	return p, nil
}

func configArgs(bin string, inst *topology.Instance) []string {
	if inst.ConfigFlag != "" {
		return []string{bin, inst.ConfigFlag, inst.Name + ".config"}
	}
	return []string{bin, inst.Name + ".config"}
}

func companionEnv(c *topology.CompanionParams) []string {
	return []string{
		"RDMA_RACK_CNTRL_IP=" + c.ControllerIP,
		"RDMA_RACK_CNTRL_PORT=" + strconv.Itoa(c.ControllerPort),
		"MEMORY_LIMIT=" + strconv.FormatInt(c.MemoryLimit, 10),
		"EVICTION_THRESHOLD=" + strconv.FormatFloat(c.EvictThreshold, 'g', -1, 64),
		"EVICTION_DONE_THRESHOLD=" + strconv.FormatFloat(c.EvictDoneThreshold, 'g', -1, 64),
	}
}

func (l *Launcher) launchPlain(ctx context.Context, inst *topology.Instance) (ProcessHandle, error) {
	if inst.Nice == nil {
		return nil, fmt.Errorf("%w: %s has no nice value", ErrMissingField, inst.Name)
	}
	bin, err := l.binary(inst)
	if err != nil {
		return nil, err
	}
	if err := checkBinary(bin, false); err != nil {
		return nil, err
	}
	args, err := inst.RenderArgs()
	if err != nil {
		return nil, err
	}

	cmdArgs := l.numactl()
	if *inst.Nice >= 0 {
		cmdArgs = append(cmdArgs, "chrt", "--idle", "0")
	}
	cmdArgs = append(cmdArgs, bin)
	cmdArgs = append(cmdArgs, args...)
	p, err := l.Spawner.Spawn(Command{
		Name:   inst.Name,
		Path:   "numactl",
		Args:   cmdArgs,
		Dir:    l.RunDir,
		Stdout: inst.Name + ".out",
	})
	if err != nil {
		return nil, err
	}
	if err := l.checkStarted(ctx, p, l.timings().StartupGrace.Std()); err != nil {
		return nil, err
	}
	if *inst.Nice < 0 {
		if err := l.renice(ctx, p, *inst.Nice); err != nil {
			_ = p.Terminate()
			return nil, err
		}
	}
	return p, nil
}

// renice applies nice to the threads of the workers p spawned. When p has no children it is the
// worker itself.
func (l *Launcher) renice(ctx context.Context, p Process, nice int) error {
	if err := sleep(ctx, l.timings().ReniceDelay.Std()); err != nil {
		return err
	}
	workers, err := l.ProcFS.Children(p.Pid())
	if err != nil {
		return fmt.Errorf("can't find workers of %s: %w", p.Name(), err)
	}
	if len(workers) == 0 {
		workers = []int{p.Pid()}
	}
	for _, w := range workers {
		tids, err := l.ProcFS.Tasks(w)
		if err != nil {
			return fmt.Errorf("can't list threads of %d: %w", w, err)
		}
		if len(tids) == 0 {
			continue
		}
		args := []string{"renice", "-n", strconv.Itoa(nice), "-p"}
		for _, tid := range tids {
			args = append(args, strconv.Itoa(tid))
		}
		if _, err := l.Runner.Run(ctx, "sudo", args...); err != nil {
			return err
		}
	}
	slog.Debug("reniced workers", slog.String("instance", p.Name()), slog.Int("nice", nice), slog.Any("workers", workers))
	return nil
}

// checkStarted waits out the grace period and fails if p is gone by then.
func (l *Launcher) checkStarted(ctx context.Context, p ProcessHandle, grace time.Duration) error {
	if err := sleep(ctx, grace); err != nil {
		_ = p.Terminate()
		return err
	}
	if !p.Alive() {
		return &StartupError{Name: p.Name(), Err: p.Wait()}
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
