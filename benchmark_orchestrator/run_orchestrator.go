package benchmarkorchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/RackBench/action"
	"github.com/Octogonapus/RackBench/launcher"
	"github.com/Octogonapus/RackBench/report"
	resultstore "github.com/Octogonapus/RackBench/result_store"
	"github.com/Octogonapus/RackBench/role"
	systemmonitor "github.com/Octogonapus/RackBench/system_monitor"
	"github.com/Octogonapus/RackBench/target"
	"github.com/Octogonapus/RackBench/topology"
	"github.com/Octogonapus/RackBench/util"
)

var (
	ErrClockSkew       = errors.New("host clocks are more than one second apart")
	ErrParticipantDied = errors.New("participant exited before it was ready")
)

const ReportName = "report.json"

type RunOrchestratorInput struct {
	Experiment *topology.Experiment
	Role       *role.Context
	Remote     Remote
	Local      Local

	// WorkDir holds the local run directory. The current directory when empty.
	WorkDir string

	// Store archives successful runs. Nothing is archived when nil.
	Store resultstore.ResultStore

	// MonitorSource feeds the utilization sampler on the coordinator. No sampler runs when nil.
	MonitorSource systemmonitor.Source

	// MonitorRemoteApps also samples every other app host by reading its /proc over the fleet.
	MonitorRemoteApps bool

	SuppressCrashWarn bool

	// CompanionCleanup releases state the companion memory service leaves behind.
	CompanionCleanup func(ctx context.Context) error
}

type RunOrchestrator struct {
	input   *RunOrchestratorInput
	e       *topology.Experiment
	runDir  string
	started time.Time

	sessions    []target.Session
	monitor     *sampler
	appMonitors []*sampler

	report   *report.RunReport
	tornDown bool
}

func NewRunOrchestrator(input *RunOrchestratorInput) *RunOrchestrator {
	e := input.Experiment
	e.Timings = e.Timings.WithDefaults()
	return &RunOrchestrator{
		input:  input,
		e:      e,
		runDir: filepath.Join(input.WorkDir, e.Name),
		report: &report.RunReport{Name: e.Name, System: string(e.System), Desc: e.Desc},
	}
}

func (o *RunOrchestrator) RunDir() string {
	return o.runDir
}

func (o *RunOrchestrator) Report() *report.RunReport {
	return o.report
}

// Execute runs the whole experiment. Teardown happens on every path.
func (o *RunOrchestrator) Execute(ctx context.Context) (rep *report.RunReport, err error) {
	defer func() {
		err = errors.Join(err, o.TearDown(ctx, err))
		rep = o.report
	}()
	if err = o.SetUp(ctx); err != nil {
		return
	}
	err = o.Run(ctx)
	return
}

func (o *RunOrchestrator) hostname() string {
	return o.input.Role.Hostname
}

func (o *RunOrchestrator) sleep(ctx context.Context, d topology.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.Std()):
		return nil
	}
}

// remote drops the coordinator from hosts since it shares the local run directory.
func (o *RunOrchestrator) remote(hosts []string) []string {
	out := []string{}
	for _, h := range hosts {
		if h != "" && h != o.hostname() && !slices.Contains(out, h) {
			out = append(out, h)
		}
	}
	return out
}

func (o *RunOrchestrator) SetUp(ctx context.Context) error {
	o.started = time.Now()
	o.report.StartTime = o.started.Unix()
	slog.Info("setting up run", slog.String("name", o.e.Name), slog.String("dir", o.runDir))

	if err := os.MkdirAll(o.runDir, 0o755); err != nil {
		return err
	}
	if exe := o.input.Role.Executable; exe != "" {
		if err := copyFile(exe, filepath.Join(o.runDir, filepath.Base(exe))); err != nil {
			return fmt.Errorf("can't save a copy of %s: %w", exe, err)
		}
		for _, files := range []*[]string{&o.e.AppFiles, &o.e.ClientFiles} {
			if !slices.Contains(*files, exe) {
				*files = append(*files, exe)
			}
		}
	}
	return o.e.WriteToFile(filepath.Join(o.runDir, topology.DescriptorName))
}

func (o *RunOrchestrator) Run(ctx context.Context) error {
	if err := o.startRemoteApps(ctx); err != nil {
		return fmt.Errorf("starting apps failed: %w", err)
	}
	if err := o.startServer(ctx); err != nil {
		return fmt.Errorf("starting server failed: %w", err)
	}
	if err := o.provisionClients(ctx); err != nil {
		return fmt.Errorf("provisioning clients failed: %w", err)
	}
	if err := o.sleep(ctx, o.e.Timings.ClientSettle); err != nil {
		return err
	}
	if err := o.startObserver(ctx); err != nil {
		return fmt.Errorf("starting observer failed: %w", err)
	}
	if o.input.Role.StopAt == role.StopBeforeClients {
		slog.Info("holding before clients start", slog.Int("stopat", role.StopBeforeClients))
		if err := o.sleep(ctx, o.e.Timings.DebugPause); err != nil {
			return err
		}
	}
	return o.runClients(ctx)
}

// provisionFiles are shipped to every participant along with the descriptor.
func (o *RunOrchestrator) provisionFiles(files []string) []string {
	out := slices.Clone(files)
	out = append(out, filepath.Join(o.runDir, topology.DescriptorName))
	if rstat, err := o.e.Inventory.Binary("rstat"); err == nil {
		if _, err := os.Stat(rstat); err == nil {
			out = append(out, rstat)
		} else {
			slog.Warn("collector source is missing, observer will look for it on its host", slog.String("path", rstat))
		}
	}
	return out
}

func (o *RunOrchestrator) provision(ctx context.Context, hosts, files []string) error {
	hosts = o.remote(hosts)
	if len(hosts) == 0 {
		return nil
	}
	_, err := o.input.Remote.Run(ctx, hosts, func(string) target.Cmd {
		return target.Command("mkdir", "-p", o.e.Name)
	}, target.FanOutOptions{DieOnFailure: true})
	if err != nil {
		return err
	}
	return o.input.Remote.CopyTo(ctx, hosts, o.provisionFiles(files), o.e.Name)
}

func (o *RunOrchestrator) participantCmd(r role.Role, host string) target.Cmd {
	return target.Cmd{
		Args:   o.input.Role.ParticipantArgs(r, o.e.Name, host),
		Output: role.ParticipantLog(o.e.Name, host),
	}
}

// startParticipant starts r on host and waits for its ready sentinel.
func (o *RunOrchestrator) startParticipant(ctx context.Context, r role.Role, host string) error {
	sessions, err := o.input.Remote.Start(ctx, []string{host}, string(r), func(h string) target.Cmd {
		return o.participantCmd(r, h)
	})
	o.sessions = append(o.sessions, sessions...)
	if err != nil {
		return err
	}

	t, err := o.input.Remote.Target(host)
	if err != nil {
		return err
	}
	sentinel := path.Join(o.e.Name, launcher.ReadyFile(host))
	err = action.Poll(ctx, o.e.Timings.ReadyTimeout.Std(), o.e.Timings.ReadyPoll.Std(), func() (bool, error) {
		for _, s := range sessions {
			if !s.Alive() {
				return false, fmt.Errorf("%w: %s, check %s", ErrParticipantDied, s.Name(), role.ParticipantLog(o.e.Name, host))
			}
		}
		return t.Exists(sentinel)
	})
	if err != nil {
		return err
	}
	slog.Info("participant is ready", slog.String("role", string(r)), slog.String("host", host))
	return nil
}

func (o *RunOrchestrator) startRemoteApps(ctx context.Context) error {
	servers := o.remote(o.e.RemoteAppHosts())
	if len(servers) == 0 {
		return nil
	}
	slog.Info("setting up apps on other servers", slog.Any("hosts", servers))
	if err := o.provision(ctx, servers, o.e.AppFiles); err != nil {
		return err
	}
	for _, host := range servers {
		if o.input.Role.StopAt == role.StopBeforeRemoteApps {
			slog.Info("holding before remote apps start", slog.String("host", host))
			if err := o.sleep(ctx, o.e.Timings.DebugPause); err != nil {
				return err
			}
		}
		if err := o.startParticipant(ctx, role.App, host); err != nil {
			return err
		}

		// Apps on the kernel stack of another host are reached through its fixed address.
		if slices.ContainsFunc(o.e.Apps[host], func(i *topology.Instance) bool {
			return o.e.SystemOf(i) == topology.SystemLinux
		}) {
			info, err := o.e.Inventory.Host(host)
			if err != nil {
				return err
			}
			if err := o.input.Local.SetARP(ctx, info.IP, info.MAC); err != nil {
				return fmt.Errorf("can't set arp entry for %s: %w", host, err)
			}
		}
	}
	if o.input.MonitorRemoteApps {
		return o.startAppSamplers(ctx, servers)
	}
	return nil
}

type sampler struct {
	mon *systemmonitor.SystemMonitor
	out io.Closer
}

func (s *sampler) stop() report.SystemMeasurements {
	_ = s.mon.Terminate()
	_ = s.mon.Wait()
	s.out.Close()
	return s.mon.Measurements()
}

// startSampler logs the utilization of host into the run directory.
func (o *RunOrchestrator) startSampler(ctx context.Context, host string, src systemmonitor.Source) (*sampler, error) {
	f, err := os.Create(filepath.Join(o.runDir, systemmonitor.LogName(host)))
	if err != nil {
		return nil, err
	}
	ifName := ""
	if info, err := o.e.Inventory.Host(host); err == nil {
		ifName = info.IfName
	}
	mon := systemmonitor.New("mpstat."+host, src, ifName, time.Second, f)
	mon.Start(ctx)
	return &sampler{mon: mon, out: f}, nil
}

func (o *RunOrchestrator) startAppSamplers(ctx context.Context, hosts []string) error {
	for _, host := range hosts {
		t, err := o.input.Remote.Target(host)
		if err != nil {
			return err
		}
		s, err := o.startSampler(ctx, host, systemmonitor.TargetSource{Target: t})
		if err != nil {
			return err
		}
		o.appMonitors = append(o.appMonitors, s)
	}
	return nil
}

func (o *RunOrchestrator) startServer(ctx context.Context) error {
	if src := o.input.MonitorSource; src != nil {
		s, err := o.startSampler(ctx, o.hostname(), src)
		if err != nil {
			return err
		}
		o.monitor = s
	}
	return o.input.Local.StartServer(ctx)
}

func (o *RunOrchestrator) participantHosts() []string {
	hosts := o.e.ClientHosts()
	if o.e.ObserverHost != "" && !slices.Contains(hosts, o.e.ObserverHost) {
		hosts = append(hosts, o.e.ObserverHost)
	}
	return hosts
}

func (o *RunOrchestrator) provisionClients(ctx context.Context) error {
	slog.Info("setting up clients")
	hosts := o.participantHosts()
	if err := o.verifyDates(ctx, hosts); err != nil {
		return err
	}
	return o.provision(ctx, hosts, o.e.ClientFiles)
}

// verifyDates checks that the clocks of hosts are at most one second apart.
func (o *RunOrchestrator) verifyDates(ctx context.Context, hosts []string) error {
	var seen []int64
	for range 3 {
		results, err := o.input.Remote.Run(ctx, hosts, func(string) target.Cmd {
			return target.Command("date", "+%s")
		}, target.FanOutOptions{DieOnFailure: true})
		if err != nil {
			return err
		}
		seen = seen[:0]
		for _, r := range results {
			d, err := strconv.ParseInt(strings.TrimSpace(util.LastNonEmptyLine(r.Output)), 10, 64)
			if err != nil {
				return fmt.Errorf("bad date from %s: %w", r.Host, err)
			}
			if !slices.Contains(seen, d) {
				seen = append(seen, d)
			}
		}
		if len(seen) == 1 {
			return nil
		}
		if len(seen) == 2 && (seen[0]-seen[1])*(seen[0]-seen[1]) == 1 {
			return nil
		}
		slog.Warn("host clocks disagree, retrying", slog.Any("dates", seen))
		if err := o.sleep(ctx, o.e.Timings.ReadyPoll); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrClockSkew, seen)
}

func (o *RunOrchestrator) startObserver(ctx context.Context) error {
	if o.e.ObserverHost == "" {
		return nil
	}
	return o.startParticipant(ctx, role.Observer, o.e.ObserverHost)
}

func (o *RunOrchestrator) runClients(ctx context.Context) error {
	hosts := o.e.ClientHosts()
	slog.Info("starting clients", slog.Any("hosts", hosts))
	_, err := o.input.Remote.Run(ctx, hosts, func(host string) target.Cmd {
		cmd := o.participantCmd(role.Client, host)
		cmd.Prelude = [][]string{{"ulimit", "-S", "-c", "unlimited"}}
		return cmd
	}, target.FanOutOptions{DieOnFailure: true})
	return err
}

func (o *RunOrchestrator) TearDown(ctx context.Context, runErr error) error {
	if o.tornDown {
		return nil
	}
	o.tornDown = true
	ctx = context.WithoutCancel(ctx)
	slog.Info("tearing down run", slog.String("name", o.e.Name), slog.Bool("success", runErr == nil))

	var errs []error
	if err := o.collect(ctx); err != nil {
		slog.Warn("some artifacts were not collected", slog.String("error", err.Error()))
	}

	crashErr := o.checkCrash()
	errs = append(errs, crashErr)
	if runErr == nil {
		runErr = crashErr
	}

	o.stopMonitor()
	if !o.started.IsZero() {
		o.report.TotalTimeSec = time.Since(o.started).Seconds()
	}
	if runErr != nil {
		o.report.Error = runErr.Error()
	}
	if err := util.WriteJSON(filepath.Join(o.runDir, ReportName), o.report); err != nil {
		slog.Warn("can't write report", slog.String("error", err.Error()))
	}

	if runErr == nil && o.input.Store != nil {
		if dir, err := o.input.Store.Archive(ctx, o.runDir); err != nil {
			errs = append(errs, fmt.Errorf("archiving results failed: %w", err))
		} else {
			o.runDir = dir
		}
	}

	for _, s := range o.sessions {
		if err := s.Terminate(); err != nil {
			slog.Warn("can't terminate session", slog.String("name", s.Name()), slog.String("error", err.Error()))
		}
		_ = s.Wait()
	}
	if err := o.input.Local.TerminateAll(); err != nil {
		slog.Warn("can't terminate local processes", slog.String("error", err.Error()))
	}
	o.input.Local.KillLeftovers(ctx)
	if o.input.CompanionCleanup != nil {
		errs = append(errs, o.input.CompanionCleanup(ctx))
	}
	return errors.Join(errs...)
}

func (o *RunOrchestrator) collect(ctx context.Context) error {
	servers := o.remote(append(o.e.ClientHosts(), o.e.AppHosts()...))
	all := o.remote(append(slices.Clone(servers), o.e.ObserverHost))

	var errs []error
	errs = append(errs, o.input.Remote.Collect(ctx, all, o.e.Name, []string{"*.log"}, o.runDir))
	errs = append(errs, o.input.Remote.Collect(ctx, servers, o.e.Name, []string{"*.out", "*.err"}, o.runDir))
	if len(all) > 0 {
		_, err := o.input.Remote.Run(ctx, all, func(string) target.Cmd {
			return target.Command("rm", "-rf", o.e.Name)
		}, target.FanOutOptions{})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (o *RunOrchestrator) checkCrash() error {
	log := filepath.Join(o.runDir, launcher.IOKernelLog(o.hostname()))
	sum, err := report.CheckSoftCrash(log, o.input.SuppressCrashWarn)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("no iokernel log to check", slog.String("path", log))
		return nil
	}
	if err != nil && !errors.Is(err, report.ErrSoftCrash) {
		slog.Warn("can't check the iokernel log", slog.String("path", log), slog.String("error", err.Error()))
		return nil
	}
	o.report.Throughput = sum
	return err
}

func (o *RunOrchestrator) stopMonitor() {
	for _, s := range o.appMonitors {
		s.stop()
	}
	o.appMonitors = nil
	if o.monitor == nil {
		return
	}
	sm := o.monitor.stop()
	o.report.SystemMeasurements = &sm
	o.monitor = nil
}

func copyFile(src, dst string) error {
	abs, _ := filepath.Abs(src)
	if absDst, _ := filepath.Abs(dst); abs == absDst {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
