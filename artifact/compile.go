package artifact

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/notargets/tilefab/fabric"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// HardwareFabricDims is the full wafer fabric
var HardwareFabricDims = [2]int{757, 996}

// Param is one named compile-time integer
type Param struct {
	Name  string
	Value int
}

// CompileOptions renders to the compiler argument string
type CompileOptions struct {
	Arch          string
	Out           string
	FabricDims    [2]int
	FabricOffsets [2]int
	// Params are emitted as one --params flag per group
	Params   [][]Param
	Memcpy   bool
	Channels int
}

// DefaultOptions returns the options shared by every program: wse2, memcpy
// enabled over one channel, fabric offset (4,1). Simulator builds use the
// program's small fabric, hardware builds the whole wafer.
func DefaultOptions(simulator bool, simDims [2]int, params ...[]Param) CompileOptions {
	dims := HardwareFabricDims
	if simulator {
		dims = simDims
	}
	return CompileOptions{
		Arch:          "wse2",
		Out:           "out",
		FabricDims:    dims,
		FabricOffsets: [2]int{4, 1},
		Params:        params,
		Memcpy:        true,
		Channels:      1,
	}
}

// AllParams flattens the parameter groups
func (o CompileOptions) AllParams() []Param {
	return lo.Flatten(o.Params)
}

// Flags renders the compiler argument string
func (o CompileOptions) Flags() string {
	args := []string{
		"--arch=" + o.Arch,
		"-o", o.Out,
		fmt.Sprintf("--fabric-dims=%d,%d", o.FabricDims[0], o.FabricDims[1]),
		fmt.Sprintf("--fabric-offsets=%d,%d", o.FabricOffsets[0], o.FabricOffsets[1]),
	}
	for _, group := range o.Params {
		if len(group) == 0 {
			continue
		}
		kv := lo.Map(group, func(p Param, _ int) string {
			return p.Name + ":" + strconv.Itoa(p.Value)
		})
		args = append(args, "--params="+strings.Join(kv, ","))
	}
	if o.Memcpy {
		args = append(args, "--memcpy")
	}
	if o.Channels > 0 {
		args = append(args, fmt.Sprintf("--channels=%d", o.Channels))
	}
	return strings.Join(args, " ")
}

// ParseFlags reads a compiler argument string back into options
func ParseFlags(flags string) (CompileOptions, error) {
	var (
		o       CompileOptions
		dims    []int
		offsets []int
		params  []string
	)
	fs := pflag.NewFlagSet("compile", pflag.ContinueOnError)
	fs.StringVar(&o.Arch, "arch", "", "target architecture")
	fs.StringVarP(&o.Out, "out", "o", "out", "output directory")
	fs.IntSliceVar(&dims, "fabric-dims", nil, "fabric width,height")
	fs.IntSliceVar(&offsets, "fabric-offsets", nil, "program offset x,y")
	fs.StringArrayVar(&params, "params", nil, "name:value,... compile-time parameters")
	fs.BoolVar(&o.Memcpy, "memcpy", false, "enable the memcpy framework")
	fs.IntVar(&o.Channels, "channels", 0, "number of memcpy I/O channels")
	if err := fs.Parse(strings.Fields(flags)); err != nil {
		return CompileOptions{}, errors.Wrapf(fabric.ErrConfiguration, "parsing compile flags: %v", err)
	}

	pair := func(name string, v []int) ([2]int, error) {
		if v == nil {
			return [2]int{}, nil
		}
		if len(v) != 2 {
			return [2]int{}, errors.Wrapf(fabric.ErrConfiguration, "--%s needs two values, got %v", name, v)
		}
		return [2]int{v[0], v[1]}, nil
	}
	var err error
	if o.FabricDims, err = pair("fabric-dims", dims); err != nil {
		return CompileOptions{}, err
	}
	if o.FabricOffsets, err = pair("fabric-offsets", offsets); err != nil {
		return CompileOptions{}, err
	}
	for _, group := range params {
		var ps []Param
		for _, kv := range strings.Split(group, ",") {
			name, value, ok := strings.Cut(kv, ":")
			if !ok {
				return CompileOptions{}, errors.Wrapf(fabric.ErrConfiguration, "param %q is not name:value", kv)
			}
			v, err := strconv.Atoi(value)
			if err != nil {
				return CompileOptions{}, errors.Wrapf(fabric.ErrConfiguration, "param %s=%q is not an integer", name, value)
			}
			ps = append(ps, Param{Name: name, Value: v})
		}
		o.Params = append(o.Params, ps)
	}
	return o, nil
}

// Compiler turns device sources into a runnable artifact
type Compiler interface {
	Compile(ctx context.Context, sourceDir, layout, flags, outDir string) (artifactPath string, err error)
}

// Compile runs the compiler and records the artifact path in
// outDir/artifact_path.json for the run step.
func Compile(ctx context.Context, c Compiler, sourceDir, layout string, opts CompileOptions, outDir string) (string, error) {
	flags := opts.Flags()
	klog.Infof("Compiling %s/%s: %s", sourceDir, layout, flags)
	path, err := c.Compile(ctx, sourceDir, layout, flags, outDir)
	if err != nil {
		return "", errors.WithMessagef(err, "compiling %s", layout)
	}
	if err := WriteLocator(outDir, path); err != nil {
		return "", err
	}
	klog.Infof("Compile artifact path: %s", path)
	return path, nil
}
