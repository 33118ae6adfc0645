package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Octogonapus/RackBench/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	name string
	pid  int

	done       chan struct{}
	err        error
	once       sync.Once
	terminated atomic.Int32
}

func newFakeProcess(name string, pid int) *fakeProcess {
	return &fakeProcess{name: name, pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *fakeProcess) Name() string { return p.name }
func (p *fakeProcess) Pid() int     { return p.pid }

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Terminate() error {
	p.terminated.Add(1)
	p.exit(errors.New("signal: terminated"))
	return nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	spawned []Command
	procs   []*fakeProcess

	// exitOnSpawn makes every spawned process exit immediately with this error.
	exitOnSpawn error
}

func (s *fakeSpawner) Spawn(cmd Command) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := newFakeProcess(cmd.Name, 100+len(s.spawned))
	if s.exitOnSpawn != nil {
		p.exit(s.exitOnSpawn)
	}
	s.spawned = append(s.spawned, cmd)
	s.procs = append(s.procs, p)
	return p, nil
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, strings.Join(append([]string{name}, args...), " "))
	return nil, nil
}

func (r *fakeRunner) renices() []string {
	out := []string{}
	for _, c := range r.calls {
		if strings.HasPrefix(c, "sudo renice") {
			out = append(out, c)
		}
	}
	return out
}

type fakeProcFS struct {
	children map[int][]int
	tasks    map[int][]int
}

func (f fakeProcFS) Children(pid int) ([]int, error) { return f.children[pid], nil }
func (f fakeProcFS) Tasks(pid int) ([]int, error)    { return f.tasks[pid], nil }

type fixture struct {
	l       *Launcher
	spawner *fakeSpawner
	runner  *fakeRunner
	dir     string
}

func newFixture(t *testing.T, system topology.System) *fixture {
	t.Helper()
	inv, err := topology.DefaultInventory()
	require.NoError(t, err)
	e, err := topology.NewExperiment(system, inv, "launch", "")
	require.NoError(t, err)
	e.Timings = topology.Timings{
		StartupGrace:    topology.Duration(time.Millisecond),
		IOKernelStartup: topology.Duration(time.Millisecond),
		ReniceDelay:     topology.Duration(time.Millisecond),
		ActionPause:     topology.Duration(time.Millisecond),
		CompanionSettle: topology.Duration(time.Millisecond),
		ReadyTimeout:    topology.Duration(50 * time.Millisecond),
		ReadyPoll:       topology.Duration(time.Millisecond),
		ClientSettle:    topology.Duration(time.Millisecond),
		DebugPause:      topology.Duration(time.Millisecond),
	}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memcached"), []byte("#!/bin/sh\n"), 0o755))

	f := &fixture{spawner: &fakeSpawner{}, runner: &fakeRunner{}, dir: dir}
	f.l = New(e, dir, e.CoordinatorHost, 0)
	f.l.Spawner = f.spawner
	f.l.Runner = f.runner
	f.l.ProcFS = fakeProcFS{
		children: map[int][]int{100: {200}},
		tasks:    map[int][]int{200: {200, 201, 202}, 100: {100}},
	}
	return f
}

func (f *fixture) instance(t *testing.T, nice *int) *topology.Instance {
	t.Helper()
	ip, err := f.l.Experiment.AllocateIP(false)
	require.NoError(t, err)
	inst := &topology.Instance{
		Name: "memcached", App: "memcached", Host: f.l.Hostname, IP: ip, Port: 5001,
		Binary: "memcached", Args: []string{"-t", "{{.Threads}}", "-p", "{{.Port}}"},
		Threads: 4, Guaranteed: 4, Nice: nice,
	}
	require.NoError(t, f.l.Experiment.AddApp(inst))
	return inst
}

func TestPlainLaunchDoesNotReniceNonNegative(t *testing.T) {
	f := newFixture(t, topology.SystemLinux)
	inst := f.instance(t, topology.IntPtr(0))

	p, err := f.l.Launch(context.Background(), inst)
	require.NoError(t, err)
	assert.True(t, p.Alive())
	assert.Empty(t, f.runner.renices())

	require.Len(t, f.spawner.spawned, 1)
	cmd := f.spawner.spawned[0]
	assert.Equal(t, "numactl", cmd.Path)
	assert.Equal(t, []string{"-N", "1", "-m", "1", "chrt", "--idle", "0", filepath.Join(f.dir, "memcached"), "-t", "4", "-p", "5001"}, cmd.Args)
	assert.Equal(t, "memcached.out", cmd.Stdout)
	assert.Empty(t, cmd.Stderr)
}

func TestPlainLaunchRenicesWorkerThreads(t *testing.T) {
	f := newFixture(t, topology.SystemLinux)
	inst := f.instance(t, topology.IntPtr(-20))

	_, err := f.l.Launch(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, []string{"sudo renice -n -20 -p 200 201 202"}, f.runner.renices())
	assert.NotContains(t, f.spawner.spawned[0].Args, "chrt")
}

func TestPlainLaunchRenicesItselfWithoutChildren(t *testing.T) {
	f := newFixture(t, topology.SystemLinux)
	f.l.ProcFS = fakeProcFS{tasks: map[int][]int{100: {100, 101}}}
	inst := f.instance(t, topology.IntPtr(-5))

	_, err := f.l.Launch(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, []string{"sudo renice -n -5 -p 100 101"}, f.runner.renices())
}

func TestPlainLaunchRequiresNice(t *testing.T) {
	f := newFixture(t, topology.SystemLinux)
	inst := f.instance(t, nil)

	_, err := f.l.Launch(context.Background(), inst)
	assert.ErrorIs(t, err, ErrMissingField)
	assert.Empty(t, f.spawner.spawned)
}

func TestLaunchMissingBinary(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	inst := f.instance(t, nil)
	inst.Binary = "not-there"

	_, err := f.l.Launch(context.Background(), inst)
	assert.ErrorIs(t, err, ErrMissingBinary)
	assert.Empty(t, f.spawner.spawned)
}

func TestConfigLaunchNeedsExecutable(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "plain-file"), nil, 0o644))
	inst := f.instance(t, nil)
	inst.Binary = "plain-file"

	_, err := f.l.Launch(context.Background(), inst)
	assert.ErrorIs(t, err, ErrNotExecutable)
}

func TestConfigLaunch(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	inst := f.instance(t, nil)

	p, err := f.l.Launch(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, "memcached", p.Name())

	cmd := f.spawner.spawned[0]
	assert.Equal(t, "numactl", cmd.Path)
	assert.Equal(t, []string{"-N", "1", "-m", "1", filepath.Join(f.dir, "memcached"), "memcached.config", "-t", "4", "-p", "5001"}, cmd.Args)
	assert.Equal(t, "memcached.out", cmd.Stdout)
	assert.Equal(t, "memcached.err", cmd.Stderr)
	assert.FileExists(t, filepath.Join(f.dir, "memcached.config"))
}

func TestConfigLaunchWithCompanion(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	inst := f.instance(t, nil)
	inst.ConfigFlag = "--config"
	inst.Companion = &topology.CompanionParams{ControllerIP: "192.168.0.40", ControllerPort: 9202, MemoryLimit: 1000000000, EvictThreshold: 0.8, EvictDoneThreshold: 0.9}

	_, err := f.l.Launch(context.Background(), inst)
	require.NoError(t, err)

	cmd := f.spawner.spawned[0]
	assert.Equal(t, "sudo", cmd.Path)
	assert.Equal(t, []string{
		"RDMA_RACK_CNTRL_IP=192.168.0.40", "RDMA_RACK_CNTRL_PORT=9202", "MEMORY_LIMIT=1000000000",
		"EVICTION_THRESHOLD=0.8", "EVICTION_DONE_THRESHOLD=0.9",
		"numactl", "-N", "1", "-m", "1", filepath.Join(f.dir, "memcached"), "--config", "memcached.config",
		"-u", "ayelam", "-t", "4", "-p", "5001",
	}, cmd.Args)
}

func TestLaunchFailsWhenProcessExitsDuringStartup(t *testing.T) {
	for _, system := range []topology.System{topology.SystemShenango, topology.SystemLinux} {
		t.Run(string(system), func(t *testing.T) {
			f := newFixture(t, system)
			f.spawner.exitOnSpawn = errors.New("exit status 1")
			inst := f.instance(t, topology.IntPtr(0))

			p, err := f.l.Launch(context.Background(), inst)
			assert.Nil(t, p)
			var startup *StartupError
			require.ErrorAs(t, err, &startup)
			assert.Equal(t, "memcached", startup.Name)
			assert.ErrorContains(t, err, "exit status 1")
		})
	}
}

func TestLaunchAllRunsActionsAroundLaunch(t *testing.T) {
	f := newFixture(t, topology.SystemLinux)
	first := f.instance(t, topology.IntPtr(0))
	first.After = []string{"pause"}

	second := &topology.Instance{Name: "second", Host: f.l.Hostname, Binary: "memcached", Nice: topology.IntPtr(0), Before: []string{"pause"}, DependsOn: "memcached"}
	require.NoError(t, f.l.Experiment.AddApp(second))

	handles, err := f.l.LaunchAll(context.Background(), f.l.Experiment.Apps[f.l.Hostname])
	require.NoError(t, err)
	assert.Len(t, handles, 2)
}

func TestLaunchAllStopsOnDeadDependency(t *testing.T) {
	f := newFixture(t, topology.SystemLinux)
	f.instance(t, topology.IntPtr(0))
	dependent := &topology.Instance{Name: "dependent", Host: f.l.Hostname, Binary: "memcached", Nice: topology.IntPtr(0), DependsOn: "memcached"}
	require.NoError(t, f.l.Experiment.AddApp(dependent))

	insts := f.l.Experiment.Apps[f.l.Hostname]
	_, err := f.l.LaunchAll(context.Background(), insts[:1])
	require.NoError(t, err)
	f.spawner.procs[0].exit(errors.New("crashed"))

	handles, err := f.l.LaunchAll(context.Background(), insts[1:])
	assert.ErrorIs(t, err, ErrDependencyDown)
	assert.Empty(t, handles)
}

func TestLaunchAllRejectsUnknownActionFromDescriptor(t *testing.T) {
	f := newFixture(t, topology.SystemLinux)
	inst := f.instance(t, topology.IntPtr(0))
	inst.Before = []string{"sleep_5"}

	_, err := f.l.LaunchAll(context.Background(), []*topology.Instance{inst})
	assert.ErrorContains(t, err, "unknown action")
	assert.Empty(t, f.spawner.spawned)
}
