package runner

import (
	"context"

	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/runner/builder"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// Plan is one computation: operands in, one launch, results out
type Plan struct {
	Entry       string // device entry point; empty skips the launch
	NonblockRun bool
	Inputs      []*builder.Transfer
	Outputs     []*builder.Transfer
}

// Configure groups transfers by direction around an entry point, keeping
// the order they were given within each group.
func Configure(entry string, transfers ...*builder.Transfer) (*Plan, error) {
	for _, tr := range transfers {
		if tr == nil {
			return nil, errors.Wrap(fabric.ErrConfiguration, "nil transfer in plan")
		}
		if err := tr.Validate(); err != nil {
			return nil, err
		}
	}
	inputs, outputs := lo.FilterReject(transfers, func(tr *builder.Transfer, _ int) bool {
		return tr.Direction == fabric.HostToDevice
	})
	if len(outputs) == 0 {
		return nil, errors.Wrapf(fabric.ErrConfiguration, "plan %s gathers no results", entry)
	}
	return &Plan{Entry: entry, Inputs: inputs, Outputs: outputs}, nil
}

// Execute runs a plan on a running session: every input, join, launch,
// join, every output, join.
func (s *Session) Execute(ctx context.Context, p *Plan) error {
	for _, tr := range p.Inputs {
		if _, err := s.Transfer(ctx, tr); err != nil {
			return err
		}
	}
	if err := s.Wait(ctx); err != nil {
		return errors.WithMessage(err, "joining host→device transfers")
	}
	klog.V(1).Infof("%d operand(s) copied in", len(p.Inputs))

	if p.Entry != "" {
		if _, err := s.Launch(ctx, p.Entry, p.NonblockRun); err != nil {
			return err
		}
		if err := s.Wait(ctx); err != nil {
			return errors.WithMessagef(err, "joining launch %s", p.Entry)
		}
	}

	for _, tr := range p.Outputs {
		if _, err := s.Transfer(ctx, tr); err != nil {
			return err
		}
	}
	if err := s.Wait(ctx); err != nil {
		return errors.WithMessage(err, "joining device→host transfers")
	}
	klog.V(1).Infof("%d result(s) copied back", len(p.Outputs))
	return nil
}
