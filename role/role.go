package role

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

type Role string

const (
	// Coordinator hosts the benchmarked server and drives the run.
	Coordinator Role = "host"
	App         Role = "app"
	Client      Role = "client"
	Observer    Role = "observer"
	// Replay reruns a saved descriptor as the coordinator.
	Replay Role = "replay"
)

var allRoles = []Role{Coordinator, App, Client, Observer, Replay}

// Debug phases the coordinator holds at when -stopat is set. Phase 2 lives in the launcher.
const (
	StopBeforeRemoteApps = 1
	StopBeforeClients    = 3
)

var (
	ErrUnknownRole = errors.New("unknown role")
	ErrMissingName = errors.New("role needs the run directory name")
)

func Parse(s string) (Role, error) {
	for _, r := range allRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func Explain() string {
	names := []string{}
	for _, r := range allRoles {
		names = append(names, string(r))
	}
	return strings.Join(names, ", ")
}

// Participant reports whether the role runs on behalf of a coordinator from a shipped descriptor.
func (r Role) Participant() bool {
	return r == App || r == Client || r == Observer
}

// Context is what one invocation of the binary knows about itself. It is built once from flags and
// handed down explicitly.
type Context struct {
	Role     Role
	Name     string
	Desc     string
	Debug    bool
	StopAt   int
	Hostname string

	// Executable is the path of the running binary. It is shipped to every remote participant.
	Executable string
}

func (c *Context) Validate() error {
	if (c.Role.Participant() || c.Role == Replay) && c.Name == "" {
		return fmt.Errorf("%w: %s", ErrMissingName, c.Role)
	}
	if c.Hostname == "" {
		return errors.New("hostname is unknown")
	}
	return nil
}

// ParticipantArgs is the command line a remote participant is started with, from the directory that
// contains runDir. The participant is told its inventory host id since its OS hostname may differ.
func (c *Context) ParticipantArgs(r Role, runDir, host string) []string {
	args := []string{path.Join(runDir, path.Base(c.Executable)), "-role", string(r), "-name", runDir, "-hostname", host}
	if c.Debug {
		args = append(args, "-debug")
	}
	return args
}

// ParticipantLog is where a participant's own output goes on its host.
func ParticipantLog(runDir, host string) string {
	return path.Join(runDir, "py."+host+".log")
}
