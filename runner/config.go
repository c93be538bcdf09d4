package runner

import (
	"sort"

	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/partitions"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Config describes one computation instance. It is passed explicitly to
// every session so several configurations can coexist in one process.
type Config struct {
	Artifact  string // compiled artifact directory
	CmAddr    string // device address, "IP:PORT"; empty selects the simulator
	Simulator bool
	Grid      partitions.GridShape // zero value disables region checks

	// Channels maps the artifact's channel parameter names to their ids,
	// e.g. MEMCPYH2D_DATA_1_ID → 0
	Channels map[string]int
}

// Validate checks grid and channel declarations
func (c Config) Validate() error {
	if !c.Grid.IsZero() {
		if err := c.Grid.Validate(); err != nil {
			return err
		}
	}
	for name, id := range c.Channels {
		if id < 0 {
			return errors.Wrapf(fabric.ErrConfiguration, "channel %s has negative id %d", name, id)
		}
	}
	ids := lo.Values(c.Channels)
	if dup := lo.FindDuplicates(ids); len(dup) > 0 {
		sort.Ints(dup)
		return errors.Wrapf(fabric.ErrConfiguration, "channel ids %v are declared more than once", dup)
	}
	return nil
}

// Channel returns the streaming target declared under name
func (c Config) Channel(name string) (fabric.Target, error) {
	id, ok := c.Channels[name]
	if !ok {
		return fabric.Target{}, errors.Wrapf(fabric.ErrConfiguration, "channel %s is not declared, have %v",
			name, lo.Keys(c.Channels))
	}
	return fabric.Channel(id), nil
}

// declares reports whether a channel id is usable. An empty channel table
// leaves the check to the runtime.
func (c Config) declares(id int) bool {
	if len(c.Channels) == 0 {
		return true
	}
	return lo.Contains(lo.Values(c.Channels), id)
}
