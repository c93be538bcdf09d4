package simfab

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/notargets/tilefab/artifact"
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/kernels"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// Compiler builds simulator artifacts: it checks the program fits the
// requested fabric and records its parameters in out.json.
type Compiler struct {
	// Layout is the registered program name; when empty the layout file's
	// base name is used.
	Layout string
}

func (c Compiler) Compile(_ context.Context, sourceDir, layout, flags, outDir string) (string, error) {
	name := c.Layout
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(layout), filepath.Ext(layout))
	}
	def, err := kernels.Lookup(name)
	if err != nil {
		return "", err
	}
	opts, err := artifact.ParseFlags(flags)
	if err != nil {
		return "", err
	}
	params := lo.SliceToMap(opts.AllParams(), func(p artifact.Param) (string, int) {
		return p.Name, p.Value
	})
	prog, err := def.Build(params)
	if err != nil {
		return "", err
	}

	dims, offsets := opts.FabricDims, opts.FabricOffsets
	if offsets[0]+prog.Grid.KernelX > dims[0] || offsets[1]+prog.Grid.KernelY > dims[1] {
		return "", errors.Wrapf(fabric.ErrConfiguration, "%v grid at offset %v does not fit fabric %v",
			prog.Grid, offsets, dims)
	}

	dir := filepath.Join(outDir, opts.Out)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %s", dir)
	}
	if err := artifact.WriteMetadata(dir, artifact.NewMetadata(name, opts.AllParams())); err != nil {
		return "", err
	}
	klog.V(1).Infof("simfab: compiled %s from %s into %s", name, filepath.Join(sourceDir, layout), dir)
	return dir, nil
}
