package benchmarkorchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Octogonapus/RackBench/launcher"
	"github.com/Octogonapus/RackBench/report"
	resultstore "github.com/Octogonapus/RackBench/result_store"
	"github.com/Octogonapus/RackBench/role"
	"github.com/Octogonapus/RackBench/target"
	"github.com/Octogonapus/RackBench/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	coordinator = "sc2-hs2-b1630"
	clientHost  = "sc2-hs2-b1607"
	appHost     = "sc2-hs2-b1640"
)

type fakeSession struct {
	name       string
	mu         sync.Mutex
	dead       bool
	terminated int
}

func (s *fakeSession) Name() string { return s.name }

func (s *fakeSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

func (s *fakeSession) Wait() error { return nil }

func (s *fakeSession) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
	s.terminated++
	return nil
}

type fakeTarget struct {
	host   string
	remote *fakeRemote
}

func (t *fakeTarget) Host() string { return t.host }
func (t *fakeTarget) RunCommand(ctx context.Context, cmd target.Cmd) ([]byte, error) {
	if line := cmd.String(); strings.HasPrefix(line, "cat /proc/") {
		t.remote.mu.Lock()
		defer t.remote.mu.Unlock()
		t.remote.procReads[t.host]++
		if strings.HasSuffix(line, "meminfo") {
			return []byte("MemTotal: 1000 kB\nMemAvailable: 400 kB\n"), nil
		}
		return []byte{}, nil
	}
	return nil, errors.New("unused")
}
func (t *fakeTarget) Start(ctx context.Context, name string, cmd target.Cmd) (target.Session, error) {
	return nil, errors.New("unused")
}
func (t *fakeTarget) CopyFileTo(local io.Reader, remotePath string) error { return nil }
func (t *fakeTarget) CopyFileFrom(remotePath string, local io.Writer) error { return nil }
func (t *fakeTarget) Glob(pattern string) ([]string, error) { return nil, nil }
func (t *fakeTarget) Close() error { return nil }
func (t *fakeTarget) Exists(remotePath string) (bool, error) {
	return !t.remote.neverReady[t.host] && strings.HasSuffix(remotePath, launcher.ReadyFile(t.host)), nil
}

type fakeRemote struct {
	mu         sync.Mutex
	calls      []string
	sessions   []*fakeSession
	dates      map[string]string
	failOn     map[string]string // host -> command prefix that fails there
	neverReady map[string]bool
	dieOnStart map[string]bool
	procReads  map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{dates: map[string]string{}, failOn: map[string]string{}, neverReady: map[string]bool{}, dieOnStart: map[string]bool{}, procReads: map[string]int{}}
}

func (r *fakeRemote) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *fakeRemote) count(prefix string) int {
	n := 0
	for _, c := range r.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (r *fakeRemote) Target(host string) (target.Target, error) {
	return &fakeTarget{host: host, remote: r}, nil
}

func (r *fakeRemote) Run(ctx context.Context, hosts []string, build func(host string) target.Cmd, opts target.FanOutOptions) ([]target.HostResult, error) {
	results := []target.HostResult{}
	failed := []target.HostResult{}
	for _, h := range hosts {
		cmd := build(h).String()
		r.record("run %s: %s", h, cmd)
		res := target.HostResult{Host: h, Output: []byte("ok\n")}
		if strings.HasPrefix(cmd, "date") {
			res.Output = []byte("1700000000\n")
			if d, ok := r.dates[h]; ok {
				res.Output = []byte(d + "\n")
			}
		}
		if prefix, ok := r.failOn[h]; ok && strings.Contains(cmd, prefix) {
			res.Err = &target.CommandError{Host: h, Cmd: cmd, Err: errors.New("exit status 1")}
			failed = append(failed, res)
		}
		results = append(results, res)
	}
	if opts.DieOnFailure && len(failed) > 0 {
		return results, &target.FanOutError{Failed: failed}
	}
	return results, nil
}

func (r *fakeRemote) Start(ctx context.Context, hosts []string, name string, build func(host string) target.Cmd) ([]target.Session, error) {
	out := []target.Session{}
	for _, h := range hosts {
		r.record("start %s: %s", h, build(h).String())
		s := &fakeSession{name: name + "@" + h, dead: r.dieOnStart[h]}
		r.mu.Lock()
		r.sessions = append(r.sessions, s)
		r.mu.Unlock()
		out = append(out, s)
	}
	return out, nil
}

func (r *fakeRemote) CopyTo(ctx context.Context, hosts []string, files []string, dir string) error {
	names := []string{}
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	r.record("copy %s: %s -> %s", strings.Join(hosts, ","), strings.Join(names, ","), dir)
	return nil
}

func (r *fakeRemote) Collect(ctx context.Context, hosts []string, remoteDir string, patterns []string, localDir string) error {
	r.record("collect %s: %s", strings.Join(hosts, ","), strings.Join(patterns, ","))
	return nil
}

type fakeLocal struct {
	runDir     string
	iokernel   string
	arp        []string
	started    int
	terminated int
	killed     int
}

func (l *fakeLocal) StartServer(ctx context.Context) error {
	l.started++
	if l.iokernel != "" {
		return os.WriteFile(filepath.Join(l.runDir, launcher.IOKernelLog(coordinator)), []byte(l.iokernel), 0o644)
	}
	return nil
}

func (l *fakeLocal) SetARP(ctx context.Context, ip, mac string) error {
	l.arp = append(l.arp, ip+" "+mac)
	return nil
}

func (l *fakeLocal) TerminateAll() error {
	l.terminated++
	return nil
}

func (l *fakeLocal) KillLeftovers(ctx context.Context) {
	l.killed++
}

type fixture struct {
	e       *topology.Experiment
	remote  *fakeRemote
	local   *fakeLocal
	store   *resultstore.LocalStore
	work    string
	cleanup int
	input   *RunOrchestratorInput
}

func fastTimings() topology.Timings {
	ms := topology.Duration(time.Millisecond)
	return topology.Timings{
		StartupGrace: ms, IOKernelStartup: ms, ReniceDelay: ms, ActionPause: ms, CompanionSettle: ms,
		ReadyTimeout: topology.Duration(2 * time.Second), ReadyPoll: ms, ClientSettle: ms, DebugPause: ms,
	}
}

func newFixture(t *testing.T) *fixture {
	inv, err := topology.DefaultInventory()
	require.NoError(t, err)
	e, err := topology.NewExperiment(topology.SystemShenango, inv, "run-test", "unit test")
	require.NoError(t, err)
	e.Timings = fastTimings()

	require.NoError(t, e.AddApp(&topology.Instance{Name: "memcached", App: "memcached", Host: coordinator, Nice: topology.IntPtr(-20)}))
	require.NoError(t, e.AddApp(&topology.Instance{Name: "kona-controller", App: "kona-controller", Host: appHost, System: topology.SystemLinux, Nice: topology.IntPtr(-20)}))
	require.NoError(t, e.AddClient(&topology.Instance{Name: "client-0", App: "synthetic", Host: clientHost}))

	work := t.TempDir()
	exe := filepath.Join(t.TempDir(), "rackbench")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))

	f := &fixture{
		e:      e,
		remote: newFakeRemote(),
		local:  &fakeLocal{runDir: filepath.Join(work, "run-test")},
		store:  &resultstore.LocalStore{Dir: filepath.Join(work, "data")},
		work:   work,
	}
	f.input = &RunOrchestratorInput{
		Experiment: e,
		Role:       &role.Context{Role: role.Coordinator, Hostname: coordinator, Executable: exe},
		Remote:     f.remote,
		Local:      f.local,
		WorkDir:    work,
		Store:      f.store,
		CompanionCleanup: func(ctx context.Context) error {
			f.cleanup++
			return nil
		},
	}
	return f
}

func (f *fixture) assertTornDownOnce(t *testing.T) {
	assert.Equal(t, 1, f.remote.count("collect "+clientHost+","+appHost+": *.log"))
	assert.Equal(t, 1, f.remote.count("collect "+clientHost+","+appHost+": *.out,*.err"))
	assert.Equal(t, 1, f.local.terminated)
	assert.Equal(t, 1, f.local.killed)
	assert.Equal(t, 1, f.cleanup)
	for _, s := range f.remote.sessions {
		assert.Equal(t, 1, s.terminated, s.name)
	}
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	o := NewRunOrchestrator(f.input)

	rep, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Error)
	assert.Equal(t, "run-test", rep.Name)

	assert.Equal(t, []string{
		"run " + appHost + ": mkdir -p run-test",
		"copy " + appHost + ": rackbench,config.json -> run-test",
		"start " + appHost + ": run-test/rackbench -role app -name run-test -hostname " + appHost + " >> run-test/py." + appHost + ".log 2>&1",
		"run " + clientHost + ": date +%s",
		"run " + coordinator + ": date +%s",
		"run " + clientHost + ": mkdir -p run-test",
		"copy " + clientHost + ": rackbench,config.json -> run-test",
		"start " + coordinator + ": run-test/rackbench -role observer -name run-test -hostname " + coordinator + " >> run-test/py." + coordinator + ".log 2>&1",
		"run " + clientHost + ": ulimit -S -c unlimited && run-test/rackbench -role client -name run-test -hostname " + clientHost + " >> run-test/py." + clientHost + ".log 2>&1",
		"collect " + clientHost + "," + appHost + ": *.log",
		"collect " + clientHost + "," + appHost + ": *.out,*.err",
		"run " + clientHost + ": rm -rf run-test",
		"run " + appHost + ": rm -rf run-test",
	}, f.remote.calls)

	assert.Equal(t, []string{"192.168.0.40 50:6b:4b:23:a8:a4"}, f.local.arp)
	assert.Equal(t, 1, f.local.started)
	f.assertTornDownOnce(t)

	archived := filepath.Join(f.store.Dir, "run-test")
	assert.Equal(t, archived, o.RunDir())
	assert.FileExists(t, filepath.Join(archived, "config.json"))
	assert.FileExists(t, filepath.Join(archived, "rackbench"))
	assert.FileExists(t, filepath.Join(archived, ReportName))
	assert.NoDirExists(t, filepath.Join(f.work, "run-test"))

	saved, err := topology.ReadExperiment(filepath.Join(archived, "config.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{f.input.Role.Executable}, saved.ClientFiles)
}

func TestExecuteClientFailureStillCleansUp(t *testing.T) {
	f := newFixture(t)
	f.remote.failOn[clientHost] = "-role client"
	o := NewRunOrchestrator(f.input)

	rep, err := o.Execute(context.Background())
	var fanOut *target.FanOutError
	require.ErrorAs(t, err, &fanOut)
	assert.Contains(t, rep.Error, "command failed on 1 host(s): "+clientHost)

	f.assertTornDownOnce(t)
	assert.NoDirExists(t, filepath.Join(f.store.Dir, "run-test"))
	assert.FileExists(t, filepath.Join(f.work, "run-test", ReportName))

	// A second teardown does nothing.
	require.NoError(t, o.TearDown(context.Background(), err))
	f.assertTornDownOnce(t)
}

func TestExecuteObserverDiesBeforeClients(t *testing.T) {
	f := newFixture(t)
	f.remote.dieOnStart[coordinator] = true
	o := NewRunOrchestrator(f.input)

	_, err := o.Execute(context.Background())
	assert.ErrorIs(t, err, ErrParticipantDied)
	assert.Zero(t, f.remote.count("run "+clientHost+": ulimit"))
	f.assertTornDownOnce(t)
}

func TestExecuteAppNeverReady(t *testing.T) {
	f := newFixture(t)
	f.e.Timings.ReadyTimeout = topology.Duration(20 * time.Millisecond)
	f.remote.neverReady[appHost] = true
	o := NewRunOrchestrator(f.input)

	_, err := o.Execute(context.Background())
	assert.ErrorContains(t, err, "starting apps failed")
	assert.Zero(t, f.local.started)
	f.assertTornDownOnce(t)
}

func TestVerifyDates(t *testing.T) {
	f := newFixture(t)
	o := NewRunOrchestrator(f.input)
	ctx := context.Background()

	f.remote.dates[clientHost] = "1700000001"
	assert.NoError(t, o.verifyDates(ctx, []string{clientHost, coordinator}))

	f.remote.dates[clientHost] = "1700000005"
	assert.ErrorIs(t, o.verifyDates(ctx, []string{clientHost, coordinator}), ErrClockSkew)
	assert.Equal(t, 1+3, f.remote.count("run "+clientHost+": date"))
}

func softCrashLog() string {
	var b strings.Builder
	for i := range 20 {
		v := 1000
		if i == 10 {
			v = 10
		}
		ts := 1700000000 + i
		fmt.Fprintf(&b, "%d Stats:\n%d TX_PULLED: %d RX_PULLED: 5\n", ts, ts, v)
	}
	return b.String()
}

func TestExecuteSoftCrash(t *testing.T) {
	f := newFixture(t)
	f.local.iokernel = softCrashLog()
	o := NewRunOrchestrator(f.input)

	rep, err := o.Execute(context.Background())
	assert.ErrorIs(t, err, report.ErrSoftCrash)
	assert.NotZero(t, rep.Throughput.DropAt)
	assert.NoDirExists(t, filepath.Join(f.store.Dir, "run-test"))
	f.assertTornDownOnce(t)
}

func TestExecuteSoftCrashSuppressed(t *testing.T) {
	f := newFixture(t)
	f.local.iokernel = softCrashLog()
	f.input.SuppressCrashWarn = true
	o := NewRunOrchestrator(f.input)

	_, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(f.store.Dir, "run-test"))
}

func TestExecuteUnreadableIOKernelLogIsNotFatal(t *testing.T) {
	f := newFixture(t)
	o := NewRunOrchestrator(f.input)
	require.NoError(t, os.MkdirAll(filepath.Join(o.RunDir(), launcher.IOKernelLog(coordinator)), 0o755))

	rep, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Error)
	assert.Nil(t, rep.Throughput)
	assert.DirExists(t, filepath.Join(f.store.Dir, "run-test"))
}

func TestExecuteSamplesRemoteApps(t *testing.T) {
	f := newFixture(t)
	f.input.MonitorRemoteApps = true
	o := NewRunOrchestrator(f.input)

	_, err := o.Execute(context.Background())
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(f.store.Dir, "run-test", "mpstat."+appHost+".log"))
	assert.NoFileExists(t, filepath.Join(f.store.Dir, "run-test", "mpstat."+clientHost+".log"))
	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	assert.Positive(t, f.remote.procReads[appHost])
	assert.Zero(t, f.remote.procReads[clientHost])
}
