package topology

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Octogonapus/RackBench/util"
)

// CompanionParams point an instance at the remote memory service. They reach the process as
// environment values, not through its config file.
type CompanionParams struct {
	ControllerIP       string  `json:"controller_ip" yaml:"controller_ip"`
	ControllerPort     int     `json:"controller_port" yaml:"controller_port"`
	MemoryLimit        int64   `json:"memory_limit" yaml:"memory_limit"`
	EvictThreshold     float64 `json:"evict_threshold" yaml:"evict_threshold"`
	EvictDoneThreshold float64 `json:"evict_done_threshold" yaml:"evict_done_threshold"`
}

// Instance is one process of the experiment, either an app or a client.
type Instance struct {
	Name   string `json:"name" yaml:"name"`
	App    string `json:"app" yaml:"app"`
	Host   string `json:"host" yaml:"host"`
	System System `json:"system,omitempty" yaml:"system,omitempty"`
	IP     string `json:"ip" yaml:"ip"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty"`
	MAC    string `json:"mac,omitempty" yaml:"mac,omitempty"`
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty"`

	// ConfigFlag precedes the config file argument of config-based launches, e.g. "--config".
	ConfigFlag string `json:"config_flag,omitempty" yaml:"config_flag,omitempty"`

	// Args holds one text/template per argv element. Templates see the instance's exported fields
	// (e.g. {{.Port}}) and every Params key (e.g. {{.serverip}}). Elements that render empty are dropped.
	Args   []string          `json:"args" yaml:"args"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`

	Before    []string `json:"before,omitempty" yaml:"before,omitempty"`
	After     []string `json:"after,omitempty" yaml:"after,omitempty"`
	DependsOn string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	Threads    int  `json:"threads" yaml:"threads"`
	Guaranteed int  `json:"guaranteed" yaml:"guaranteed"`
	Spin       int  `json:"spin" yaml:"spin"`
	Nice       *int `json:"nice,omitempty" yaml:"nice,omitempty"`

	Companion    *CompanionParams `json:"companion,omitempty" yaml:"companion,omitempty"`
	ReadyPattern string           `json:"ready_pattern,omitempty" yaml:"ready_pattern,omitempty"`
}

func (i *Instance) SetParam(key string, value any) {
	if i.Params == nil {
		i.Params = map[string]string{}
	}
	i.Params[key] = fmt.Sprint(value)
}

// RenderArgs executes the argument templates. A reference to anything the instance does not define
// is an error.
func (i *Instance) RenderArgs() ([]string, error) {
	data := util.StructMap(i)
	for k, v := range i.Params {
		data[k] = v
	}

	out := []string{}
	for n, arg := range i.Args {
		tmpl, err := template.New(fmt.Sprintf("%s.arg%d", i.Name, n)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("can't parse argument %q of %s: %w", arg, i.Name, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("can't resolve argument %q of %s: %w", arg, i.Name, err)
		}
		if buf.Len() > 0 {
			out = append(out, buf.String())
		}
	}
	return out, nil
}

func IntPtr(v int) *int {
	return &v
}
