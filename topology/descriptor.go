package topology

import (
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/hashicorp/go-version"
)

// DescriptorName is the file every participant reads from the run directory.
const DescriptorName = "config.json"

var compatibleFormats = version.MustConstraints(version.NewConstraint("~> 1.0"))

// WriteToFile stores the experiment. JSON or YAML is selected by the file extension.
func (e *Experiment) WriteToFile(filename string) error {
	buf, err := marshalByExt(path.Ext(filename), e)
	if err != nil {
		return fmt.Errorf("can't serialize experiment %s: %w", e.Name, err)
	}
	return os.WriteFile(filename, buf, 0o644)
}

// ReadExperiment loads a descriptor written by WriteToFile. Absent optional sections are tolerated.
func ReadExperiment(filename string) (*Experiment, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseExperiment(buf, path.Ext(filename))
}

func ParseExperiment(buf []byte, ext string) (*Experiment, error) {
	e := &Experiment{}
	if err := unmarshalByExt(buf, ext, e); err != nil {
		return nil, fmt.Errorf("can't parse experiment: %w", err)
	}

	if e.FormatVersion == "" {
		slog.Debug("descriptor has no format version, assuming current", slog.String("name", e.Name))
		e.FormatVersion = FormatVersion
	}
	v, err := version.NewVersion(e.FormatVersion)
	if err != nil {
		return nil, fmt.Errorf("can't parse descriptor format version: %w", err)
	}
	if !compatibleFormats.Check(v) {
		return nil, fmt.Errorf("descriptor format %s is not compatible with %s", e.FormatVersion, FormatVersion)
	}

	if e.Apps == nil {
		e.Apps = map[string][]*Instance{}
	}
	if e.Clients == nil {
		e.Clients = map[string][]*Instance{}
	}
	e.Timings = e.Timings.WithDefaults()
	return e, nil
}
