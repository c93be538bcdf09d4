package integration

import (
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/kernels"
	"github.com/notargets/tilefab/partitions"
	"github.com/notargets/tilefab/runner"
	"github.com/notargets/tilefab/runner/builder"
	"github.com/notargets/tilefab/verify"
	"k8s.io/klog/v2"
)

// prepareGemv builds the distributed y = A·x + b computation. A is tiled
// over the whole grid, x streams in along the top row and b down the first
// column; y comes back from the last column, where the row reduction ends.
func prepareGemv(prog *kernels.Program, cfg runner.Config, opts Options) (*scenario, error) {
	grid := prog.Grid
	m, n := prog.Params[kernels.ParamM], prog.Params[kernels.ParamN]

	klog.Info("Construct input A, x, b and calculate expected y")
	A, err := partitions.Arange(m, n)
	if err != nil {
		return nil, err
	}
	x, err := partitions.Full(1, n)
	if err != nil {
		return nil, err
	}
	b, err := partitions.Full(2, m)
	if err != nil {
		return nil, err
	}
	want, err := verify.Gemv(A, x, b)
	if err != nil {
		return nil, err
	}

	xChan, err := cfg.Channel(kernels.ChannelH2D1)
	if err != nil {
		return nil, err
	}
	bChan, err := cfg.Channel(kernels.ChannelH2D2)
	if err != nil {
		return nil, err
	}
	yChan, err := cfg.Channel(kernels.ChannelD2H1)
	if err != nil {
		return nil, err
	}

	tiled, err := partitions.Partition(A, grid, partitions.DefaultAxes)
	if err != nil {
		return nil, err
	}
	sendA, err := builder.Scatter(fabric.Symbol("A"), tiled)
	if err != nil {
		return nil, err
	}
	sendX, err := builder.Stream(xChan, x.Data(), grid, partitions.AxisX, 0)
	if err != nil {
		return nil, err
	}
	sendB, err := builder.Stream(bChan, b.Data(), grid, partitions.AxisY, 0)
	if err != nil {
		return nil, err
	}
	actual := make([]float32, m)
	recvY, err := builder.Gather(yChan, actual, grid, partitions.AxisY, grid.KernelX-1)
	if err != nil {
		return nil, err
	}

	plan, err := runner.Configure(kernels.EntryGemv,
		sendA.Named("A"), sendX.Named("x"), sendB.Named("b"), recvY.Named("y"))
	if err != nil {
		return nil, err
	}
	return &scenario{
		plan: plan,
		result: &Result{
			Layout:    "gemv",
			Actual:    actual,
			Expected:  want.Data(),
			Tolerance: opts.tolerance(verify.DefaultTolerance),
		},
	}, nil
}
