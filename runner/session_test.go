package runner

import (
	"context"
	"math"
	"testing"

	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/partitions"
	"github.com/notargets/tilefab/runner/builder"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime stores copied words per target and holds non-blocking
// operations open until the test releases them.
type fakeRuntime struct {
	calls   []string
	symbols map[string]fabric.SymbolID
	memory  map[string][]uint32
	held    []*fabric.Future
	stopErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		symbols: map[string]fabric.SymbolID{"A": 0, "B": 1, "C": 2},
		memory:  make(map[string][]uint32),
	}
}

func (f *fakeRuntime) task(nonblock bool) fabric.Task {
	if !nonblock {
		return fabric.Completed(nil)
	}
	fut := fabric.NewFuture()
	f.held = append(f.held, fut)
	return fut
}

func (f *fakeRuntime) release(err error) {
	for _, fut := range f.held {
		fut.Complete(err)
	}
	f.held = nil
}

func (f *fakeRuntime) Load(context.Context) error  { f.calls = append(f.calls, "load"); return nil }
func (f *fakeRuntime) Start(context.Context) error { f.calls = append(f.calls, "start"); return nil }
func (f *fakeRuntime) Stop(context.Context) error {
	f.calls = append(f.calls, "stop")
	return f.stopErr
}

func (f *fakeRuntime) SymbolID(name string) (fabric.SymbolID, error) {
	id, ok := f.symbols[name]
	if !ok {
		return 0, errors.Wrapf(fabric.ErrConfiguration, "no symbol %q", name)
	}
	return id, nil
}

func (f *fakeRuntime) MemcpyH2D(_ context.Context, c *fabric.Copy) (fabric.Task, error) {
	f.calls = append(f.calls, "h2d "+c.Target.String())
	f.memory[c.Target.String()] = append([]uint32(nil), c.Words...)
	return f.task(c.Nonblock), nil
}

func (f *fakeRuntime) MemcpyD2H(_ context.Context, c *fabric.Copy) (fabric.Task, error) {
	f.calls = append(f.calls, "d2h "+c.Target.String())
	copy(c.Words, f.memory[c.Target.String()])
	return f.task(c.Nonblock), nil
}

func (f *fakeRuntime) Launch(_ context.Context, entry string, nonblock bool) (fabric.Task, error) {
	f.calls = append(f.calls, "launch "+entry)
	return f.task(nonblock), nil
}

func symbolTransfer(t *testing.T, dir fabric.Direction, name string, buf []float32) *builder.Transfer {
	tr, err := builder.New(dir, fabric.Symbol(name), fabric.Single(), len(buf), false, buf)
	require.NoError(t, err)
	return tr
}

func runningSession(t *testing.T, rt fabric.Runtime, cfg Config) *Session {
	s, err := NewSession(rt, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Load(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	return s
}

// Operations outside their permitted state fail and leave the state as is
func TestSessionStateMachine(t *testing.T) {
	ctx := context.Background()
	buf := []float32{1, 2}

	s, err := NewSession(newFakeRuntime(), Config{})
	require.NoError(t, err)

	assertInvalid := func(want State, err error) {
		t.Helper()
		assert.True(t, errors.Is(err, fabric.ErrInvalidState), "got %v", err)
		assert.Equal(t, want, s.State())
	}

	// Unloaded
	assertInvalid(Unloaded, s.Start(ctx))
	assertInvalid(Unloaded, s.Stop(ctx))
	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.HostToDevice, "A", buf))
	assertInvalid(Unloaded, err)
	_, err = s.Launch(ctx, "compute", false)
	assertInvalid(Unloaded, err)
	_, err = s.SymbolID("A")
	assertInvalid(Unloaded, err)

	// Loaded
	require.NoError(t, s.Load(ctx))
	assertInvalid(Loaded, s.Load(ctx))
	assertInvalid(Loaded, s.Stop(ctx))
	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.HostToDevice, "A", buf))
	assertInvalid(Loaded, err)
	_, err = s.Launch(ctx, "compute", false)
	assertInvalid(Loaded, err)
	id, err := s.SymbolID("B")
	require.NoError(t, err)
	assert.Equal(t, fabric.SymbolID(1), id)

	// Running
	require.NoError(t, s.Start(ctx))
	assertInvalid(Running, s.Load(ctx))
	assertInvalid(Running, s.Start(ctx))

	// Stopped
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, Stopped, s.State())
	assertInvalid(Stopped, s.Stop(ctx))
	assertInvalid(Stopped, s.Start(ctx))
	assertInvalid(Stopped, s.Load(ctx))
	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.HostToDevice, "A", buf))
	assertInvalid(Stopped, err)
	_, err = s.Launch(ctx, "compute", true)
	assertInvalid(Stopped, err)
}

func TestSessionTransferRoundTrip(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := runningSession(t, rt, Config{})

	in := []float32{1.5, -2, 3.25, float32(math.Pi)}
	_, err := s.Transfer(ctx, symbolTransfer(t, fabric.HostToDevice, "A", in))
	require.NoError(t, err)

	out := make([]float32, len(in))
	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.DeviceToHost, "A", out))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// 16-bit transfers round through half precision
	half := []float32{0.5, 1000, 0.1, -3}
	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.HostToDevice, "B", half).As(fabric.Bits16))
	require.NoError(t, err)
	back := make([]float32, len(half))
	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.DeviceToHost, "B", back).As(fabric.Bits16))
	require.NoError(t, err)
	assert.InDeltaSlice(t, half, back, 1e-3)

	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.HostToDevice, "missing", in))
	assert.True(t, errors.Is(err, fabric.ErrConfiguration), "got %v", err)
	require.NoError(t, s.Stop(ctx))
}

func TestSessionLaunchWaitsForInputs(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := runningSession(t, rt, Config{})

	task, err := s.Transfer(ctx, symbolTransfer(t, fabric.HostToDevice, "A", []float32{1}).NonBlocking())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pending())

	_, err = s.Launch(ctx, "compute", false)
	assert.True(t, errors.Is(err, fabric.ErrInvalidState), "got %v", err)
	assert.Equal(t, Running, s.State())

	// Completion alone does not count as a join
	rt.release(nil)
	_, err = s.Launch(ctx, "compute", false)
	assert.True(t, errors.Is(err, fabric.ErrInvalidState), "got %v", err)

	require.NoError(t, task.Wait(ctx))
	assert.Equal(t, 0, s.Pending())
	_, err = s.Launch(ctx, "compute", false)
	assert.NoError(t, err)
	require.NoError(t, s.Stop(ctx))
}

func TestSessionOutputsWaitForLaunch(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := runningSession(t, rt, Config{})

	_, err := s.Launch(ctx, "compute", true)
	require.NoError(t, err)

	out := make([]float32, 2)
	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.DeviceToHost, "C", out))
	assert.True(t, errors.Is(err, fabric.ErrInvalidState), "got %v", err)

	// Host→device transfers are still allowed
	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.HostToDevice, "C", []float32{7, 8}))
	require.NoError(t, err)

	rt.release(nil)
	require.NoError(t, s.Wait(ctx))
	_, err = s.Transfer(ctx, symbolTransfer(t, fabric.DeviceToHost, "C", out))
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 8}, out)
	require.NoError(t, s.Stop(ctx))
}

func TestSessionNonBlockingOutputDecodesOnWait(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := runningSession(t, rt, Config{})

	_, err := s.Transfer(ctx, symbolTransfer(t, fabric.HostToDevice, "C", []float32{3, 4}))
	require.NoError(t, err)

	out := make([]float32, 2)
	task, err := s.Transfer(ctx, symbolTransfer(t, fabric.DeviceToHost, "C", out).NonBlocking())
	require.NoError(t, err)
	assert.False(t, task.Done())
	assert.Equal(t, []float32{0, 0}, out)

	rt.release(nil)
	require.NoError(t, s.Wait(ctx))
	assert.Equal(t, []float32{3, 4}, out)
	require.NoError(t, s.Stop(ctx))
}

func TestSessionWaitReportsFailures(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := runningSession(t, rt, Config{})

	_, err := s.Launch(ctx, "compute", true)
	require.NoError(t, err)
	rt.release(errors.New("kernel fault"))
	err = s.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kernel fault")
	assert.Equal(t, 0, s.Pending())
	require.NoError(t, s.Stop(ctx))
}

func TestSessionChecksGridAndChannels(t *testing.T) {
	ctx := context.Background()
	grid := partitions.Grid(4, 4)
	cfg := Config{
		Grid:     grid,
		Channels: map[string]int{"MEMCPYH2D_DATA_1_ID": 0, "MEMCPYD2H_DATA_1_ID": 2},
	}
	s := runningSession(t, newFakeRuntime(), cfg)

	x, err := builder.Stream(fabric.Channel(0), make([]float32, 16), grid, partitions.AxisX, 0)
	require.NoError(t, err)
	_, err = s.Transfer(ctx, x)
	require.NoError(t, err)

	undeclared, err := builder.Stream(fabric.Channel(1), make([]float32, 32), grid, partitions.AxisY, 0)
	require.NoError(t, err)
	_, err = s.Transfer(ctx, undeclared)
	assert.True(t, errors.Is(err, fabric.ErrConfiguration), "got %v", err)

	outside, err := builder.New(fabric.HostToDevice, fabric.Symbol("A"), fabric.Rect(0, 0, 5, 4), 1, false,
		make([]float32, 20))
	require.NoError(t, err)
	_, err = s.Transfer(ctx, outside)
	assert.True(t, errors.Is(err, fabric.ErrConfiguration), "got %v", err)

	target, err := cfg.Channel("MEMCPYD2H_DATA_1_ID")
	require.NoError(t, err)
	assert.Equal(t, fabric.Channel(2), target)
	_, err = cfg.Channel("MEMCPYH2D_DATA_2_ID")
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
	require.NoError(t, s.Stop(ctx))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.True(t, errors.Is(Config{Grid: partitions.Grid(0, 4)}.Validate(), fabric.ErrConfiguration))
	assert.True(t, errors.Is(Config{Channels: map[string]int{"a": -1}}.Validate(), fabric.ErrConfiguration))
	assert.True(t, errors.Is(Config{Channels: map[string]int{"a": 1, "b": 1}}.Validate(), fabric.ErrConfiguration))

	_, err := NewSession(nil, Config{})
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
}

func TestWithSessionStopsOnEveryPath(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		rt := newFakeRuntime()
		var seen *Session
		err := WithSession(ctx, rt, Config{}, func(ctx context.Context, s *Session) error {
			seen = s
			_, err := s.Launch(ctx, "compute", false)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, Stopped, seen.State())
		assert.Equal(t, []string{"load", "start", "launch compute", "stop"}, rt.calls)
	})

	t.Run("Error", func(t *testing.T) {
		rt := newFakeRuntime()
		rt.stopErr = errors.New("stop failed")
		err := WithSession(ctx, rt, Config{}, func(ctx context.Context, s *Session) error {
			return errors.Wrap(fabric.ErrVerification, "mismatch")
		})
		assert.True(t, errors.Is(err, fabric.ErrVerification))
		assert.Contains(t, err.Error(), "stop failed")
		assert.Equal(t, "stop", rt.calls[len(rt.calls)-1])
	})

	t.Run("Panic", func(t *testing.T) {
		rt := newFakeRuntime()
		assert.Panics(t, func() {
			_ = WithSession(ctx, rt, Config{}, func(ctx context.Context, s *Session) error {
				panic("boom")
			})
		})
		assert.Equal(t, "stop", rt.calls[len(rt.calls)-1])
	})

	t.Run("StoppedByCaller", func(t *testing.T) {
		rt := newFakeRuntime()
		err := WithSession(ctx, rt, Config{}, func(ctx context.Context, s *Session) error {
			return s.Stop(ctx)
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"load", "start", "stop"}, rt.calls)
	})
}

func TestReleaseAfterLoad(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s, err := NewSession(rt, Config{})
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx))
	assert.Equal(t, Unloaded, s.State())
	assert.Empty(t, rt.calls)

	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Release(ctx))
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, []string{"load", "stop"}, rt.calls)

	s = runningSession(t, rt, Config{})
	require.NoError(t, s.Release(ctx))
	assert.Equal(t, Running, s.State())
}

func TestPlanExecute(t *testing.T) {
	ctx := context.Background()
	rt := newFakeRuntime()
	s := runningSession(t, rt, Config{})

	out := make([]float32, 3)
	plan, err := Configure("compute",
		symbolTransfer(t, fabric.DeviceToHost, "C", out),
		symbolTransfer(t, fabric.HostToDevice, "A", []float32{1, 2, 3}),
		symbolTransfer(t, fabric.HostToDevice, "C", []float32{4, 5, 6}),
	)
	require.NoError(t, err)
	assert.Len(t, plan.Inputs, 2)
	assert.Len(t, plan.Outputs, 1)

	require.NoError(t, s.Execute(ctx, plan))
	assert.Equal(t, []float32{4, 5, 6}, out)
	assert.Equal(t, []string{
		"load", "start",
		`h2d symbol "A"`, `h2d symbol "C"`,
		"launch compute",
		`d2h symbol "C"`,
	}, rt.calls)

	_, err = Configure("compute", symbolTransfer(t, fabric.HostToDevice, "A", []float32{1}))
	assert.True(t, errors.Is(err, fabric.ErrConfiguration))
	require.NoError(t, s.Stop(ctx))
}
