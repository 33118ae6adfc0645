package launcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/Octogonapus/RackBench/util"
)

// ProcessHandle is something this participant started and must wait on or terminate exactly once
// during cleanup.
type ProcessHandle interface {
	Name() string
	Alive() bool
	Wait() error

	// Terminate asks the process to stop. It is a no-op once the process has exited.
	Terminate() error
}

// Process is a handle on a local process.
type Process interface {
	ProcessHandle
	Pid() int
}

// Command is a process to spawn, as an argument list.
type Command struct {
	Name string
	Path string
	Args []string

	// Env entries are added to the current environment.
	Env []string
	Dir string

	// Stdout and Stderr are file names relative to Dir. An empty Stderr shares Stdout.
	Stdout string
	Stderr string

	// Timestamped prefixes every output line with the unix time.
	Timestamped bool
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

type Spawner interface {
	Spawn(cmd Command) (Process, error)
}

// ExecSpawner starts processes in their own process group.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(cmd Command) (Process, error) {
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = append(os.Environ(), cmd.Env...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var closers []io.Closer
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}

	open := func(name string) (io.Writer, error) {
		f, err := os.Create(filepath.Join(cmd.Dir, name))
		if err != nil {
			return nil, err
		}
		closers = append(closers, f)
		if !cmd.Timestamped {
			return f, nil
		}
		tw := util.NewTimestampWriter(f)
		closers = append(closers, tw)
		return tw, nil
	}

	if cmd.Stdout != "" {
		stdout, err := open(cmd.Stdout)
		if err != nil {
			return nil, err
		}
		c.Stdout = stdout
		c.Stderr = stdout
		if cmd.Stderr != "" {
			stderr, err := open(cmd.Stderr)
			if err != nil {
				closeAll()
				return nil, err
			}
			c.Stderr = stderr
		}
	}

	slog.Debug("spawning", slog.String("name", cmd.Name), slog.String("cmd", cmd.String()))
	if err := c.Start(); err != nil {
		closeAll()
		return nil, fmt.Errorf("can't start %s: %w", cmd.Name, err)
	}

	p := &execProcess{name: cmd.Name, cmd: c, done: make(chan struct{})}
	go func() {
		p.err = c.Wait()
		closeAll()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	name string
	cmd  *exec.Cmd

	done chan struct{}
	err  error
	once sync.Once
}

func (p *execProcess) Name() string {
	return p.name
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *execProcess) Terminate() error {
	var err error
	p.once.Do(func() {
		if !p.Alive() {
			return
		}
		err = syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM)
		if errors.Is(err, syscall.ESRCH) {
			err = nil
		}
	})
	return err
}
