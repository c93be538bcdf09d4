package kernels

import (
	"github.com/notargets/tilefab/artifact"
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/partitions"
	"github.com/pkg/errors"
)

// EntryGemm computes C += A@B on a single PE
const EntryGemm = "compute_gemm"

var gemmSimDims = [2]int{8, 3}

var gemmDefinition = Definition{
	Name:          "gemm",
	Source:        "layout.csl",
	SimFabricDims: gemmSimDims,
	Params:        [][]artifact.Param{{{Name: ParamM, Value: 4}, {Name: ParamK, Value: 4}, {Name: ParamN, Value: 6}}},
	Build:         buildGemm,
}

// All operands are stored column-major on PE (0,0).
const gemmOKL = `
@kernel void compute_gemm(const float *A, const float *B, float *C) {
  for (int j = 0; j < N; ++j; @outer) {
    for (int i = 0; i < M; ++i; @inner) {
      float acc = C[i + j*M];
      for (int k = 0; k < K; ++k) {
        acc += A[i + k*M] * B[k + j*K];
      }
      C[i + j*M] = acc;
    }
  }
}
`

func buildGemm(params map[string]int) (*Program, error) {
	m, k, n := params[ParamM], params[ParamK], params[ParamN]
	if m <= 0 || k <= 0 || n <= 0 {
		return nil, errors.Wrapf(fabric.ErrConfiguration, "gemm needs positive M, K, N, got %d, %d, %d", m, k, n)
	}
	gemm := func(_ fabric.PE, mem Memory) error {
		A, B, C := mem["A"], mem["B"], mem["C"]
		for j := 0; j < n; j++ {
			for i := 0; i < m; i++ {
				acc := C[i+j*m]
				for kk := 0; kk < k; kk++ {
					acc += A[i+kk*m] * B[kk+j*k]
				}
				C[i+j*m] = acc
			}
		}
		return nil
	}
	return &Program{
		Name:        "gemm",
		Grid:        partitions.Grid(1, 1),
		Params:      params,
		Symbols:     map[string]int{"A": m * k, "B": k * n, "C": m * n},
		SymbolOrder: []string{"A", "B", "C"},
		Channels:    map[int]ChannelBinding{},
		Entries: map[string]Kernel{
			EntryGemm: {Local: gemm, OKL: gemmOKL, Stages: []string{EntryGemm}},
		},
		Defines:       map[string]int{"M": m, "K": k, "N": n},
		SimFabricDims: gemmSimDims,
	}, nil
}
