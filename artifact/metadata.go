package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/notargets/tilefab/fabric"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// MetadataFile is the compile metadata the compiler writes next to the
// artifact.
const MetadataFile = "out.json"

// Metadata holds compile-time parameters as string-encoded integers, e.g.
// {"params": {"M": "32", "kernel_x_dim": "4"}}.
type Metadata struct {
	Params map[string]string `json:"params"`
	Layout string            `json:"layout,omitempty"`
}

// NewMetadata records params for layout
func NewMetadata(layout string, params []Param) *Metadata {
	md := &Metadata{Layout: layout, Params: make(map[string]string, len(params))}
	for _, p := range params {
		md.Params[p.Name] = strconv.Itoa(p.Value)
	}
	return md
}

// LoadMetadata reads dir/out.json
func LoadMetadata(dir string) (*Metadata, error) {
	path := filepath.Join(dir, MetadataFile)
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(fabric.ErrConfiguration, "compile metadata %s not found", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var md Metadata
	if err := json.Unmarshal(buf, &md); err != nil {
		return nil, errors.Wrapf(fabric.ErrConfiguration, "parsing %s: %v", path, err)
	}
	if md.Params == nil {
		return nil, errors.Wrapf(fabric.ErrConfiguration, "%s has no params", path)
	}
	return &md, nil
}

// WriteMetadata stores md as dir/out.json
func WriteMetadata(dir string, md *Metadata) error {
	buf, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding compile metadata")
	}
	path := filepath.Join(dir, MetadataFile)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// Int parses one parameter
func (md *Metadata) Int(key string) (int, error) {
	raw, ok := md.Params[key]
	if !ok {
		return 0, errors.Wrapf(fabric.ErrConfiguration, "compile metadata has no param %q", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(fabric.ErrConfiguration, "param %s=%q is not an integer", key, raw)
	}
	return v, nil
}

// Ints parses several parameters, reporting every missing key at once
func (md *Metadata) Ints(keys ...string) (map[string]int, error) {
	missing := lo.Reject(keys, func(k string, _ int) bool {
		_, ok := md.Params[k]
		return ok
	})
	if len(missing) > 0 {
		return nil, errors.Wrapf(fabric.ErrConfiguration, "compile metadata is missing params %v", missing)
	}
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		v, err := md.Int(k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Keys lists the recorded parameter names in sorted order
func (md *Metadata) Keys() []string {
	keys := lo.Keys(md.Params)
	sort.Strings(keys)
	return keys
}
