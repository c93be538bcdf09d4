package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/notargets/tilefab/artifact"
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/kernels"
	"github.com/notargets/tilefab/simfab"
	"github.com/notargets/tilefab/verify"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// compile builds layout for the simulator into a fresh directory and
// returns that directory and the artifact path.
func compile(t *testing.T, layout string) (dir, path string) {
	t.Helper()
	def, err := kernels.Lookup(layout)
	require.NoError(t, err)
	dir = t.TempDir()
	path, err = artifact.Compile(context.Background(), simfab.Compiler{Layout: layout}, "./src", def.Source,
		def.CompileOptions(true), dir)
	require.NoError(t, err)
	return dir, path
}

func runOptions(t *testing.T, layout string, appliance bool) Options {
	dir, path := compile(t, layout)
	opts := DefaultOptions()
	opts.Appliance = appliance
	opts.Name = path
	if appliance {
		opts.Name = dir
	}
	return opts
}

func TestRunGemm(t *testing.T) {
	for _, appliance := range []bool{false, true} {
		t.Run(map[bool]string{false: "Manual", true: "Appliance"}[appliance], func(t *testing.T) {
			res, err := Run(context.Background(), runOptions(t, "gemm", appliance), Simulator)
			require.NoError(t, err)
			assert.Len(t, res.Actual, 4*6)
			assert.InDeltaSlice(t, res.Expected, res.Actual, 0.01)
			assert.Equal(t, verify.GemmTolerance, res.Tolerance)
		})
	}
}

func TestRunGemv(t *testing.T) {
	for _, appliance := range []bool{false, true} {
		t.Run(map[bool]string{false: "Manual", true: "Appliance"}[appliance], func(t *testing.T) {
			res, err := Run(context.Background(), runOptions(t, "gemv", appliance), Simulator)
			require.NoError(t, err)
			require.Len(t, res.Actual, 32)
			for i, v := range res.Actual {
				// row i of arange(32,16) sums to 256i+120, plus b=2
				assert.Equal(t, float32(256*i+122), v, "row %d", i)
			}
			assert.Equal(t, verify.DefaultTolerance, res.Tolerance)
		})
	}
}

func TestRunSeedIsReproducible(t *testing.T) {
	opts := runOptions(t, "gemm", false)
	first, err := Run(context.Background(), opts, Simulator)
	require.NoError(t, err)
	second, err := Run(context.Background(), opts, Simulator)
	require.NoError(t, err)
	assert.Equal(t, first.Expected, second.Expected)

	opts.Seed++
	third, err := Run(context.Background(), opts, Simulator)
	require.NoError(t, err)
	assert.NotEqual(t, first.Expected, third.Expected)
}

// noLaunch drops every launch, so results never get computed
type noLaunch struct {
	fabric.Runtime
}

func (noLaunch) Launch(context.Context, string, bool) (fabric.Task, error) {
	return fabric.Completed(nil), nil
}

// failingLaunch reports a device failure from every launch
type failingLaunch struct {
	fabric.Runtime
}

func (failingLaunch) Launch(context.Context, string, bool) (fabric.Task, error) {
	return fabric.Completed(errors.New("device fault")), nil
}

func TestRunDetectsWrongResult(t *testing.T) {
	open := func(prog *kernels.Program, _ Options) (fabric.Runtime, func(), error) {
		return noLaunch{simfab.New(prog)}, func() {}, nil
	}
	res, err := Run(context.Background(), runOptions(t, "gemm", false), open)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fabric.ErrVerification))
	var mismatch *verify.MismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 24, mismatch.Total)
	require.NotNil(t, res)
}

func TestRunStopsAfterFailure(t *testing.T) {
	for _, appliance := range []bool{false, true} {
		var sim *simfab.Fabric
		open := func(prog *kernels.Program, _ Options) (fabric.Runtime, func(), error) {
			sim = simfab.New(prog)
			return failingLaunch{sim}, func() {}, nil
		}
		_, err := Run(context.Background(), runOptions(t, "gemv", appliance), open)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device fault")
		// the fabric was released, so it loads again
		require.NoError(t, sim.Load(context.Background()))
	}
}

// failingStart loads but cannot start
type failingStart struct {
	fabric.Runtime
	stops int
}

func (*failingStart) Start(context.Context) error {
	return errors.New("start refused")
}

func (f *failingStart) Stop(ctx context.Context) error {
	f.stops++
	return f.Runtime.Stop(ctx)
}

func TestRunReleasesAfterFailedStart(t *testing.T) {
	for _, appliance := range []bool{false, true} {
		var rt *failingStart
		var sim *simfab.Fabric
		open := func(prog *kernels.Program, _ Options) (fabric.Runtime, func(), error) {
			sim = simfab.New(prog)
			rt = &failingStart{Runtime: sim}
			return rt, func() {}, nil
		}
		_, err := Run(context.Background(), runOptions(t, "gemm", appliance), open)
		require.Error(t, err, "appliance=%v", appliance)
		assert.Contains(t, err.Error(), "start refused")
		assert.Equal(t, 1, rt.stops, "appliance=%v", appliance)
		require.NoError(t, sim.Load(context.Background()), "appliance=%v", appliance)
	}
}

func TestRunParamsOnlyMetadata(t *testing.T) {
	for _, layout := range []string{"gemm", "gemv"} {
		_, path := compile(t, layout)
		md, err := artifact.LoadMetadata(path)
		require.NoError(t, err)
		md.Layout = ""
		require.NoError(t, artifact.WriteMetadata(path, md))

		opts := DefaultOptions()
		opts.Name = path
		res, err := Run(context.Background(), opts, Simulator)
		require.NoError(t, err, layout)
		assert.Equal(t, layout, res.Layout)
	}
}

func TestRunToleranceOverride(t *testing.T) {
	opts := runOptions(t, "gemm", false)
	opts.Tolerance = &verify.Tolerance{Atol: 0.5}
	res, err := Run(context.Background(), opts, Simulator)
	require.NoError(t, err)
	assert.Equal(t, verify.Tolerance{Atol: 0.5}, res.Tolerance)
}

func TestRunNeedsCompiledArtifact(t *testing.T) {
	opts := DefaultOptions()
	opts.Appliance = true
	opts.Name = t.TempDir()
	_, err := Run(context.Background(), opts, Simulator)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
	assert.Contains(t, err.Error(), "compile first")

	opts.Appliance = false
	_, err = Run(context.Background(), opts, Simulator)
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
}

func TestArtifactDir(t *testing.T) {
	dir, path := compile(t, "gemm")
	got, err := ArtifactDir(Options{Name: dir, Appliance: true})
	require.NoError(t, err)
	assert.Equal(t, path, got)

	got, err = ArtifactDir(Options{Name: "out"})
	require.NoError(t, err)
	assert.Equal(t, "out", got)

	require.NoError(t, artifact.WriteLocator(dir, "relative"))
	got, err = ArtifactDir(Options{Name: dir, Appliance: true})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "relative"), got)
}

func writeFile(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOptions(t *testing.T) {
	path := writeFile(t, `
name: gemv_out
backend: occa
appliance: true
seed: 42
tolerance:
  atol: 0.001
  rtol: 0
device:
  - '{"mode": "Serial"}'
`)
	opts, err := LoadOptions(path, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, Options{
		Name:      "gemv_out",
		Backend:   BackendOCCA,
		Appliance: true,
		Seed:      42,
		Tolerance: &verify.Tolerance{Atol: 0.001},
		Device:    []string{`{"mode": "Serial"}`},
	}, opts)

	t.Run("KeepsDefaults", func(t *testing.T) {
		opts, err := LoadOptions(writeFile(t, "seed: 7\n"), DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, "out", opts.Name)
		assert.Equal(t, BackendSim, opts.Backend)
		assert.Equal(t, uint64(7), opts.Seed)
	})

	t.Run("Errors", func(t *testing.T) {
		for name, body := range map[string]string{
			"UnknownKey":  "colour: blue\n",
			"BadBackend":  "backend: tpu\n",
			"NegativeTol": "tolerance: {atol: -1}\n",
			"EmptyName":   "name: ''\n",
			"RemoteAddr":  "cmaddr: 10.0.0.1:9000\n",
			"NotYAML":     "seed: [\n",
		} {
			_, err := LoadOptions(writeFile(t, body), DefaultOptions())
			assert.True(t, errors.Is(err, fabric.ErrConfiguration), name)
		}
		_, err := LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"), DefaultOptions())
		assert.True(t, errors.Is(err, fabric.ErrConfiguration))
	})
}
