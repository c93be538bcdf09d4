package integration

import (
	"math/rand/v2"

	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/kernels"
	"github.com/notargets/tilefab/partitions"
	"github.com/notargets/tilefab/runner"
	"github.com/notargets/tilefab/runner/builder"
	"github.com/notargets/tilefab/verify"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// uniformMatrix fills a rows×cols matrix from U[0,1)
func uniformMatrix(rows, cols int, dist distuv.Uniform) *partitions.GlobalOperand {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = dist.Rand()
	}
	return partitions.OperandFromMatrix(mat.NewDense(rows, cols, data))
}

// prepareGemm builds the single-PE C = A·B + C computation. Operands travel
// column-major and the updated C is read back into the same layout.
func prepareGemm(prog *kernels.Program, opts Options) (*scenario, error) {
	m, k, n := prog.Params[kernels.ParamM], prog.Params[kernels.ParamK], prog.Params[kernels.ParamN]

	klog.Info("Construct input A, B, C and calculate expected C")
	dist := distuv.Uniform{Min: 0, Max: 1, Src: rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)}
	A := uniformMatrix(m, k, dist)
	B := uniformMatrix(k, n, dist)
	C := uniformMatrix(m, n, dist)

	want, err := verify.Gemm(A, B, C)
	if err != nil {
		return nil, err
	}
	expected, err := partitions.ColumnMajor(want)
	if err != nil {
		return nil, err
	}

	single := partitions.Grid(1, 1)
	var transfers []*builder.Transfer
	for _, op := range []struct {
		name string
		val  *partitions.GlobalOperand
	}{{"A", A}, {"B", B}, {"C", C}} {
		tiled, err := partitions.Partition(op.val, single, partitions.DefaultAxes)
		if err != nil {
			return nil, err
		}
		tr, err := builder.Scatter(fabric.Symbol(op.name), tiled)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, tr)
	}

	actual := make([]float32, m*n)
	out, err := builder.Receive(fabric.Symbol("C"), actual, single)
	if err != nil {
		return nil, err
	}
	plan, err := runner.Configure(kernels.EntryGemm, append(transfers, out.Named("C result"))...)
	if err != nil {
		return nil, err
	}
	return &scenario{
		plan: plan,
		result: &Result{
			Layout:    "gemm",
			Actual:    actual,
			Expected:  expected,
			Tolerance: opts.tolerance(verify.GemmTolerance),
		},
	}, nil
}
