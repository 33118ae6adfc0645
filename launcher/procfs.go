package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcFS is the slice of the process tree the launcher inspects.
type ProcFS interface {
	// Children lists the direct children of pid.
	Children(pid int) ([]int, error)

	// Tasks lists the thread ids of pid.
	Tasks(pid int) ([]int, error)
}

type HostProcFS struct {
	// Root defaults to /proc.
	Root string
}

func (p HostProcFS) root() string {
	if p.Root == "" {
		return "/proc"
	}
	return p.Root
}

func (p HostProcFS) Children(pid int) ([]int, error) {
	buf, err := os.ReadFile(filepath.Join(p.root(), strconv.Itoa(pid), "task", strconv.Itoa(pid), "children"))
	if err != nil {
		return nil, err
	}
	return parseInts(strings.Fields(string(buf)))
}

func (p HostProcFS) Tasks(pid int) ([]int, error) {
	entries, err := os.ReadDir(filepath.Join(p.root(), strconv.Itoa(pid), "task"))
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return parseInts(names)
}

func parseInts(fields []string) ([]int, error) {
	out := []int{}
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("unexpected pid %q: %w", f, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Runner runs short administrative commands to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	slog.Debug("running command", slog.String("cmd", name), slog.Any("args", args))
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
