package launcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/Octogonapus/RackBench/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartServer(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	f.l.Experiment.NoHT = true
	f.instance(t, nil)
	h := NewHost(f.l)

	require.NoError(t, h.StartServer(context.Background()))

	require.Len(t, f.spawner.spawned, 3)
	assert.Equal(t, "cstate", f.spawner.spawned[0].Name)
	iok := f.spawner.spawned[1]
	assert.Equal(t, "sudo", iok.Path)
	assert.Equal(t, []string{"/home/ayelam/rmem-scheduler/shenango/iokerneld-noht", "0000:d8:00.1"}, iok.Args)
	assert.Equal(t, "iokernel.sc2-hs2-b1630.log", iok.Stdout)
	assert.True(t, iok.Timestamped)
	assert.Equal(t, "memcached", f.spawner.spawned[2].Name)
	assert.Contains(t, f.runner.calls, "sudo /home/ayelam/rmem-scheduler/shenango/scripts/setup_machine.sh")

	assert.Len(t, h.Handles(), 3)
	assert.Equal(t, "memcached", h.Handles()[0].Name())
}

func TestStartAppsSkipsNetworkingForPlainApps(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	inst := f.instance(t, topology.IntPtr(0))
	inst.System = topology.SystemLinux
	h := NewHost(f.l)

	require.NoError(t, h.StartApps(context.Background()))
	require.Len(t, f.spawner.spawned, 1)
	assert.Equal(t, "memcached", f.spawner.spawned[0].Name)
}

func TestStartWithUnknownHostID(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	e := f.l.Experiment
	ip, err := e.AllocateIP(true)
	require.NoError(t, err)
	require.NoError(t, e.AddClient(&topology.Instance{Name: "c0", Host: "sc2-hs2-b1607", IP: ip}))
	require.NoError(t, e.AddApp(&topology.Instance{Name: "kona-controller", Host: "sc2-hs2-b1607", System: topology.SystemLinux, Nice: topology.IntPtr(-20)}))
	f.l.Hostname = "sc2-hs2-b1607.lab.example.com"
	h := NewHost(f.l)

	assert.ErrorIs(t, h.StartClients(context.Background()), ErrNoInstances)
	assert.ErrorIs(t, h.StartApps(context.Background()), ErrNoInstances)
	assert.Empty(t, f.spawner.spawned)
	assert.Empty(t, h.Handles())
}

func TestStartObservers(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	e := f.l.Experiment
	for _, name := range []string{"c0", "c1"} {
		ip, err := e.AllocateIP(true)
		require.NoError(t, err)
		require.NoError(t, e.AddClient(&topology.Instance{Name: name, Host: "sc2-hs2-b1607", IP: ip}))
	}
	h := NewHost(f.l)

	require.NoError(t, h.StartObservers(context.Background()))
	require.Len(t, f.spawner.spawned, 2)
	assert.Equal(t, "go", f.spawner.spawned[0].Path)
	assert.Equal(t, []string{"run", "/home/ayelam/rmem-scheduler/shenango/scripts/rstat.go", "192.168.0.100", "1"}, f.spawner.spawned[0].Args)
	assert.Equal(t, "rstat.c1.log", f.spawner.spawned[1].Stdout)
	assert.Contains(t, f.runner.calls, "sudo arp -d 192.168.0.101")
}

func TestWaitAllTerminatesOthersOnFailure(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	h := NewHost(f.l)
	a, b := newFakeProcess("a", 1), newFakeProcess("b", 2)
	h.workload = []ProcessHandle{a, b}

	go func() {
		time.Sleep(10 * time.Millisecond)
		a.exit(errors.New("exit status 3"))
	}()
	err := h.WaitAll(context.Background())
	assert.ErrorContains(t, err, "a: exit status 3")
	assert.Equal(t, int32(1), b.terminated.Load())
}

func TestWaitAllSucceeds(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	h := NewHost(f.l)
	a := newFakeProcess("a", 1)
	support := newFakeProcess("iokerneld", 2)
	h.workload = []ProcessHandle{a}
	h.support = []ProcessHandle{support}
	a.exit(nil)

	require.NoError(t, h.WaitAll(context.Background()))
	assert.True(t, support.Alive())

	require.NoError(t, h.TerminateAll())
	assert.False(t, support.Alive())
	assert.Empty(t, h.Handles())
}

func TestKillLeftovers(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	h := NewHost(f.l)
	h.KillLeftovers(context.Background())

	require.Len(t, f.runner.calls, 2*len(LeftoverProcesses))
	assert.Equal(t, "sudo pkill iokerneld", f.runner.calls[0])
	assert.Equal(t, "sudo pkill -9 memserver", f.runner.calls[len(f.runner.calls)-1])
}

func TestWriteReady(t *testing.T) {
	f := newFixture(t, topology.SystemShenango)
	require.NoError(t, NewHost(f.l).WriteReady())
	assert.FileExists(t, filepath.Join(f.dir, "ready.sc2-hs2-b1630"))
}

func TestExecSpawnerTimestampsOutput(t *testing.T) {
	dir := t.TempDir()
	p, err := ExecSpawner{}.Spawn(Command{
		Name:        "echo",
		Path:        "sh",
		Args:        []string{"-c", "echo first; echo second >&2"},
		Dir:         dir,
		Stdout:      "echo.log",
		Timestamped: true,
	})
	require.NoError(t, err)
	require.NoError(t, p.Wait())
	assert.False(t, p.Alive())
	assert.NoError(t, p.Terminate())

	buf, err := os.ReadFile(filepath.Join(dir, "echo.log"))
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d+ first\n\d+ second\n$`), string(buf))
}

func TestExecSpawnerTerminate(t *testing.T) {
	dir := t.TempDir()
	p, err := ExecSpawner{}.Spawn(Command{Name: "sleep", Path: "sleep", Args: []string{"30"}, Dir: dir, Stdout: "s.out", Stderr: "s.err"})
	require.NoError(t, err)
	assert.Greater(t, p.Pid(), 0)
	require.NoError(t, p.Terminate())
	assert.Error(t, p.Wait())
	assert.FileExists(t, filepath.Join(dir, "s.err"))
}

func TestHostProcFS(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "42", "task", "42"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "42", "task", "43"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "42", "task", "42", "children"), []byte("50 51 "), 0o644))

	fs := HostProcFS{Root: root}
	children, err := fs.Children(42)
	require.NoError(t, err)
	assert.Equal(t, []int{50, 51}, children)

	tasks, err := fs.Tasks(42)
	require.NoError(t, err)
	assert.Equal(t, []int{42, 43}, tasks)
}
