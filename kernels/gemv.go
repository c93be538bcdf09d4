package kernels

import (
	"github.com/notargets/tilefab/artifact"
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/partitions"
	"github.com/pkg/errors"
)

// EntryGemv computes y = A@x + b over the kernel grid. Each PE multiplies
// its tile of A by its chunk of x; partial sums then travel east along each
// row and the last column holds the finished y.
const EntryGemv = "compute_gemv"

var gemvSimDims = [2]int{11, 6}

var gemvDefinition = Definition{
	Name:          "gemv",
	Source:        "layout.csl",
	SimFabricDims: gemvSimDims,
	Params: [][]artifact.Param{
		{{Name: ParamKernelX, Value: 4}, {Name: ParamKernelY, Value: 4}, {Name: ParamM, Value: 32}, {Name: ParamN, Value: 16}},
		{{Name: ChannelH2D1, Value: 0}, {Name: ChannelH2D2, Value: 1}, {Name: ChannelD2H1, Value: 2}},
	},
	Build: buildGemv,
}

// A is stored column-major per PE; PE p = row*KX + col owns slots
// [p*len, (p+1)*len) of each symbol.
const gemvOKL = `
@kernel void gemv_local(const float *A, const float *x, float *y) {
  for (int p = 0; p < PES; ++p; @outer) {
    for (int i = 0; i < MPE; ++i; @inner) {
      float acc = y[p*MPE + i];
      for (int j = 0; j < NPE; ++j) {
        acc += A[p*MPE*NPE + i + j*MPE] * x[p*NPE + j];
      }
      y[p*MPE + i] = acc;
    }
  }
}

@kernel void gemv_reduce(const float *A, const float *x, float *y) {
  for (int r = 0; r < KY; ++r; @outer) {
    for (int i = 0; i < MPE; ++i; @inner) {
      for (int c = 1; c < KX; ++c) {
        y[(r*KX + c)*MPE + i] += y[(r*KX + c - 1)*MPE + i];
      }
    }
  }
}
`

func buildGemv(params map[string]int) (*Program, error) {
	grid := partitions.Grid(params[ParamKernelX], params[ParamKernelY])
	m, n := params[ParamM], params[ParamN]
	if m <= 0 || n <= 0 {
		return nil, errors.Wrapf(fabric.ErrConfiguration, "gemv needs positive M, N, got %d, %d", m, n)
	}
	if err := grid.CheckDivisible(m, n); err != nil {
		return nil, err
	}
	mPer, nPer := m/grid.KernelY, n/grid.KernelX

	channels := map[int]ChannelBinding{}
	for _, b := range []ChannelBinding{
		{Name: ChannelH2D1, Direction: fabric.HostToDevice, Symbol: "x", Fanout: FanoutColumn},
		{Name: ChannelH2D2, Direction: fabric.HostToDevice, Symbol: "y"},
		{Name: ChannelD2H1, Direction: fabric.DeviceToHost, Symbol: "y"},
	} {
		id, ok := params[b.Name]
		if !ok || id < 0 {
			return nil, errors.Wrapf(fabric.ErrConfiguration, "gemv needs a channel id for %s", b.Name)
		}
		if prev, dup := channels[id]; dup {
			return nil, errors.Wrapf(fabric.ErrConfiguration, "%s and %s share channel %d", prev.Name, b.Name, id)
		}
		channels[id] = b
	}

	local := func(_ fabric.PE, mem Memory) error {
		A, x, y := mem["A"], mem["x"], mem["y"]
		for i := 0; i < mPer; i++ {
			acc := y[i]
			for j := 0; j < nPer; j++ {
				acc += A[i+j*mPer] * x[j]
			}
			y[i] = acc
		}
		return nil
	}
	reduce := func(row int, mems []Memory) error {
		if len(mems) != grid.KernelX {
			return errors.Errorf("row %d has %d PEs, grid is %v", row, len(mems), grid)
		}
		for c := 1; c < len(mems); c++ {
			west, y := mems[c-1]["y"], mems[c]["y"]
			for i := range y {
				y[i] += west[i]
			}
		}
		return nil
	}

	return &Program{
		Name:        "gemv",
		Grid:        grid,
		Params:      params,
		Symbols:     map[string]int{"A": mPer * nPer, "x": nPer, "y": mPer},
		SymbolOrder: []string{"A", "x", "y"},
		Channels:    channels,
		Entries: map[string]Kernel{
			EntryGemv: {Local: local, Reduce: reduce, OKL: gemvOKL, Stages: []string{"gemv_local", "gemv_reduce"}},
		},
		Defines: map[string]int{
			"KX": grid.KernelX, "KY": grid.KernelY, "PES": grid.NumPEs(),
			"MPE": mPer, "NPE": nPer,
		},
		SimFabricDims: gemvSimDims,
	}, nil
}
