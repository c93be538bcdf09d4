package verify

import (
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/partitions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(op *partitions.GlobalOperand, name string) (blas32.General, error) {
	if op.Rank() != 2 {
		return blas32.General{}, errors.Wrapf(fabric.ErrShapeMismatch, "%s must be 2D, has shape %v", name, op.Shape())
	}
	s := op.Shape()
	return blas32.General{Rows: s[0], Cols: s[1], Stride: s[1], Data: op.Data()}, nil
}

func vector(op *partitions.GlobalOperand, name string) (blas32.Vector, error) {
	if op.Rank() != 1 {
		return blas32.Vector{}, errors.Wrapf(fabric.ErrShapeMismatch, "%s must be 1D, has shape %v", name, op.Shape())
	}
	return blas32.Vector{N: op.Len(), Inc: 1, Data: op.Data()}, nil
}

// Gemm returns A@B + C for A (M×K), B (K×N) and C (M×N)
func Gemm(a, b, c *partitions.GlobalOperand) (*partitions.GlobalOperand, error) {
	A, err := general(a, "A")
	if err != nil {
		return nil, err
	}
	B, err := general(b, "B")
	if err != nil {
		return nil, err
	}
	C, err := general(c, "C")
	if err != nil {
		return nil, err
	}
	if A.Cols != B.Rows || C.Rows != A.Rows || C.Cols != B.Cols {
		return nil, errors.Wrapf(fabric.ErrShapeMismatch, "gemm shapes %v @ %v + %v", a.Shape(), b.Shape(), c.Shape())
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, A, B, 1, C)
	return partitions.NewGlobalOperand(C.Data, C.Rows, C.Cols)
}

// Gemv returns A@x + b for A (M×N), x (N) and b (M)
func Gemv(a, x, b *partitions.GlobalOperand) (*partitions.GlobalOperand, error) {
	A, err := general(a, "A")
	if err != nil {
		return nil, err
	}
	X, err := vector(x, "x")
	if err != nil {
		return nil, err
	}
	Y, err := vector(b, "b")
	if err != nil {
		return nil, err
	}
	if A.Cols != X.N || A.Rows != Y.N {
		return nil, errors.Wrapf(fabric.ErrShapeMismatch, "gemv shapes %v @ %v + %v", a.Shape(), x.Shape(), b.Shape())
	}
	blas32.Gemv(blas.NoTrans, 1, A, X, 1, Y)
	return partitions.NewGlobalOperand(Y.Data, Y.N)
}
