package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"time"
)

// Name identifies an action that runs immediately before or after an instance is launched.
type Name string

const (
	// Pause sleeps for a fixed, configurable interval.
	Pause Name = "pause"

	// WaitReady blocks until the instance signals readiness through a sentinel file or a log line.
	WaitReady Name = "wait_ready"
)

var ErrUnknownAction = errors.New("unknown action")

var ErrNotReady = errors.New("instance did not become ready in time")

// Context is everything an action may look at. It is built by the launcher for one instance.
type Context struct {
	RunDir       string
	Instance     string
	ReadyPattern string
	Pause        time.Duration
	ReadyTimeout time.Duration
	PollInterval time.Duration
}

type Func func(ctx context.Context, ac *Context) error

// The registry is closed: descriptors can only name these actions.
var all = map[Name]Func{
	Pause:     pause,
	WaitReady: waitReady,
}

func Lookup(name string) (Func, error) {
	f, ok := all[Name(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (must be one of: %s)", ErrUnknownAction, name, Explain())
	}
	return f, nil
}

// Validate fails on the first name that is not in the registry.
func Validate(names []string) error {
	for _, name := range names {
		if _, err := Lookup(name); err != nil {
			return err
		}
	}
	return nil
}

func Explain() string {
	names := []string{}
	for name := range all {
		names = append(names, "\""+string(name)+"\"")
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

// Run resolves and runs each named action in order.
func Run(ctx context.Context, names []string, ac *Context) error {
	for _, name := range names {
		f, err := Lookup(name)
		if err != nil {
			return err
		}
		slog.Debug("running action", slog.String("action", name), slog.String("instance", ac.Instance))
		if err := f(ctx, ac); err != nil {
			return fmt.Errorf("action %s for %s failed: %w", name, ac.Instance, err)
		}
	}
	return nil
}

// SentinelPath is the file an instance (or a participant) creates once it is initialized.
func SentinelPath(runDir, name string) string {
	return path.Join(runDir, name+".ready")
}

func pause(ctx context.Context, ac *Context) error {
	select {
	case <-time.After(ac.Pause):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitReady(ctx context.Context, ac *Context) error {
	outPath := path.Join(ac.RunDir, ac.Instance+".out")
	return Poll(ctx, ac.ReadyTimeout, ac.PollInterval, func() (bool, error) {
		if _, err := os.Stat(SentinelPath(ac.RunDir, ac.Instance)); err == nil {
			return true, nil
		}
		if ac.ReadyPattern == "" {
			return false, nil
		}
		buf, err := os.ReadFile(outPath)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		} else if err != nil {
			return false, err
		}
		return bytes.Contains(buf, []byte(ac.ReadyPattern)), nil
	})
}

// Poll calls check every interval until it reports true, returns an error, or timeout elapses.
func Poll(ctx context.Context, timeout, interval time.Duration, check func() (bool, error)) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w (waited %s)", ErrNotReady, timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
