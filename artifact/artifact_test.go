package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/notargets/tilefab/fabric"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	gemvSizes    = []Param{{"kernel_x_dim", 4}, {"kernel_y_dim", 4}, {"M", 32}, {"N", 16}}
	gemvChannels = []Param{{"MEMCPYH2D_DATA_1_ID", 0}, {"MEMCPYH2D_DATA_2_ID", 1}, {"MEMCPYD2H_DATA_1_ID", 2}}
)

func TestCompileFlags(t *testing.T) {
	testCases := []struct {
		name string
		opts CompileOptions
		want string
	}{
		{"gemm_simulator",
			DefaultOptions(true, [2]int{8, 3}, []Param{{"M", 4}, {"K", 4}, {"N", 6}}),
			"--arch=wse2 -o out --fabric-dims=8,3 --fabric-offsets=4,1 --params=M:4,K:4,N:6 --memcpy --channels=1"},
		{"gemv_hardware",
			DefaultOptions(false, [2]int{11, 6}, gemvSizes, gemvChannels),
			"--arch=wse2 -o out --fabric-dims=757,996 --fabric-offsets=4,1 " +
				"--params=kernel_x_dim:4,kernel_y_dim:4,M:32,N:16 " +
				"--params=MEMCPYH2D_DATA_1_ID:0,MEMCPYH2D_DATA_2_ID:1,MEMCPYD2H_DATA_1_ID:2 --memcpy --channels=1"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.opts.Flags())

			back, err := ParseFlags(tc.want)
			require.NoError(t, err)
			assert.Equal(t, tc.opts, back)
		})
	}
}

func TestParseFlagsErrors(t *testing.T) {
	for _, flags := range []string{
		"--fabric-dims=1,2,3",
		"--params=M",
		"--params=M:four",
		"--unknown",
	} {
		_, err := ParseFlags(flags)
		assert.True(t, errors.Is(err, fabric.ErrConfiguration), "%s: got %v", flags, err)
	}
}

func TestLocator(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadLocator(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
	assert.Contains(t, err.Error(), "compile first")

	require.NoError(t, WriteLocator(dir, "/artifacts/gemv"))
	raw, err := os.ReadFile(filepath.Join(dir, LocatorFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifact_path": "/artifacts/gemv"}`, string(raw))

	path, err := ReadLocator(dir)
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/gemv", path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, LocatorFile), []byte(`{}`), 0o644))
	_, err = ReadLocator(dir)
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
}

func TestMetadata(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile),
		[]byte(`{"params": {"M": "32", "N": "16", "kernel_x_dim": "4", "bad": "x"}}`), 0o644))

	md, err := LoadMetadata(dir)
	require.NoError(t, err)

	m, err := md.Int("M")
	require.NoError(t, err)
	assert.Equal(t, 32, m)

	vals, err := md.Ints("M", "N", "kernel_x_dim")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"M": 32, "N": 16, "kernel_x_dim": 4}, vals)

	_, err = md.Ints("M", "kernel_y_dim", "K")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
	assert.Contains(t, err.Error(), "[kernel_y_dim K]")

	_, err = md.Int("bad")
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
	assert.Equal(t, []string{"M", "N", "bad", "kernel_x_dim"}, md.Keys())

	_, err = LoadMetadata(t.TempDir())
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	md := NewMetadata("gemv", append(gemvSizes, gemvChannels...))
	require.NoError(t, WriteMetadata(dir, md))

	back, err := LoadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, md, back)
	assert.Equal(t, "2", back.Params["MEMCPYD2H_DATA_1_ID"])
}

type recordingCompiler struct {
	flags string
}

func (c *recordingCompiler) Compile(_ context.Context, sourceDir, layout, flags, outDir string) (string, error) {
	c.flags = flags
	return filepath.Join(outDir, "out"), nil
}

func TestCompileWritesLocator(t *testing.T) {
	dir := t.TempDir()
	rc := &recordingCompiler{}
	opts := DefaultOptions(true, [2]int{8, 3}, []Param{{"M", 4}})

	path, err := Compile(context.Background(), rc, "./src", "layout.csl", opts, dir)
	require.NoError(t, err)
	assert.Equal(t, opts.Flags(), rc.flags)

	got, err := ReadLocator(dir)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}
