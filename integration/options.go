package integration

import (
	"os"

	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/verify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Backends a run can execute on
const (
	BackendSim  = "sim"
	BackendOCCA = "occa"
)

// Options configures one end-to-end run
type Options struct {
	Name      string `yaml:"name"`   // compile output dir, or the directory holding the artifact locator
	CmAddr    string `yaml:"cmaddr"` // "IP:PORT" of a remote system; no backend here serves one
	Backend   string `yaml:"backend"`
	Appliance bool   `yaml:"appliance"` // context-managed session resolved through the locator file
	Seed      uint64 `yaml:"seed"`

	// Tolerance overrides the layout's default comparison tolerance
	Tolerance *verify.Tolerance `yaml:"tolerance,omitempty"`

	// Device lists OCCA device properties tried in order
	Device []string `yaml:"device,omitempty"`
}

// DefaultOptions runs on the simulator with a fixed seed
func DefaultOptions() Options {
	return Options{Name: "out", Backend: BackendSim, Seed: 1}
}

// LoadOptions overlays the YAML file at path onto base. Unknown keys are
// rejected.
func LoadOptions(path string, base Options) (Options, error) {
	f, err := os.Open(path)
	if err != nil {
		return base, errors.Wrapf(fabric.ErrConfiguration, "reading run options: %v", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	opts := base
	if err := dec.Decode(&opts); err != nil {
		return base, errors.Wrapf(fabric.ErrConfiguration, "parsing %s: %v", path, err)
	}
	return opts, opts.Validate()
}

// Validate checks backend and tolerance
func (o Options) Validate() error {
	if o.Name == "" {
		return errors.Wrap(fabric.ErrConfiguration, "run options need an artifact name")
	}
	switch o.Backend {
	case BackendSim, BackendOCCA:
	default:
		return errors.Wrapf(fabric.ErrConfiguration, "unknown backend %q, have %s and %s", o.Backend, BackendSim, BackendOCCA)
	}
	if o.CmAddr != "" {
		return errors.Wrapf(fabric.ErrConfiguration, "cmaddr %q needs a remote system, the %s backend runs locally",
			o.CmAddr, o.Backend)
	}
	if o.Tolerance != nil && (o.Tolerance.Atol < 0 || o.Tolerance.Rtol < 0) {
		return errors.Wrapf(fabric.ErrConfiguration, "negative tolerance %+v", *o.Tolerance)
	}
	return nil
}

func (o Options) tolerance(def verify.Tolerance) verify.Tolerance {
	if o.Tolerance != nil {
		return *o.Tolerance
	}
	return def
}
