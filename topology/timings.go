package topology

import (
	"fmt"
	"os"
	"path"
	"time"
)

// Duration is a time.Duration that serializes as "5s" in both JSON and YAML descriptors.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Timings holds every wait used while bringing a run up. They travel in the descriptor so remote
// participants use the same values as the coordinator.
type Timings struct {
	// How long a freshly spawned process must stay alive before it counts as started.
	StartupGrace Duration `json:"startup_grace" yaml:"startup_grace"`

	IOKernelStartup Duration `json:"iokernel_startup" yaml:"iokernel_startup"`

	// Delay before looking up worker threads of a supervisor process to renice.
	ReniceDelay Duration `json:"renice_delay" yaml:"renice_delay"`

	// Length of the "pause" action.
	ActionPause Duration `json:"action_pause" yaml:"action_pause"`

	// Wait before launching an instance that uses the companion memory service.
	CompanionSettle Duration `json:"companion_settle" yaml:"companion_settle"`

	ReadyTimeout Duration `json:"ready_timeout" yaml:"ready_timeout"`
	ReadyPoll    Duration `json:"ready_poll" yaml:"ready_poll"`

	// Wait between provisioning clients and starting the observer.
	ClientSettle Duration `json:"client_settle" yaml:"client_settle"`

	DebugPause Duration `json:"debug_pause" yaml:"debug_pause"`
}

func DefaultTimings() Timings {
	return Timings{
		StartupGrace:    Duration(3 * time.Second),
		IOKernelStartup: Duration(10 * time.Second),
		ReniceDelay:     Duration(2 * time.Second),
		ActionPause:     Duration(5 * time.Second),
		CompanionSettle: Duration(30 * time.Second),
		ReadyTimeout:    Duration(60 * time.Second),
		ReadyPoll:       Duration(1 * time.Second),
		ClientSettle:    Duration(10 * time.Second),
		DebugPause:      Duration(3000 * time.Second),
	}
}

// WithDefaults fills every zero field from DefaultTimings.
func (t Timings) WithDefaults() Timings {
	d := DefaultTimings()
	fill := func(v *Duration, def Duration) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&t.StartupGrace, d.StartupGrace)
	fill(&t.IOKernelStartup, d.IOKernelStartup)
	fill(&t.ReniceDelay, d.ReniceDelay)
	fill(&t.ActionPause, d.ActionPause)
	fill(&t.CompanionSettle, d.CompanionSettle)
	fill(&t.ReadyTimeout, d.ReadyTimeout)
	fill(&t.ReadyPoll, d.ReadyPoll)
	fill(&t.ClientSettle, d.ClientSettle)
	fill(&t.DebugPause, d.DebugPause)
	return t
}

// LoadTimings reads a JSON or YAML file of timings. Missing fields keep their defaults.
func LoadTimings(filename string) (Timings, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return Timings{}, err
	}
	t := Timings{}
	if err := unmarshalByExt(buf, path.Ext(filename), &t); err != nil {
		return Timings{}, fmt.Errorf("can't parse timings: %w", err)
	}
	return t.WithDefaults(), nil
}
