package integration

import (
	"context"
	stderrors "errors"
	"path/filepath"

	"github.com/notargets/tilefab/artifact"
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/kernels"
	"github.com/notargets/tilefab/runner"
	"github.com/notargets/tilefab/runner/builder"
	"github.com/notargets/tilefab/simfab"
	"github.com/notargets/tilefab/verify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RuntimeFactory opens the runtime a program executes on. The returned
// release func frees backend resources after the session has stopped.
type RuntimeFactory func(prog *kernels.Program, opts Options) (rt fabric.Runtime, release func(), err error)

// Simulator is the RuntimeFactory for the in-process simulated fabric
func Simulator(prog *kernels.Program, _ Options) (fabric.Runtime, func(), error) {
	return simfab.New(prog), func() {}, nil
}

// Result is a finished computation and its host reference
type Result struct {
	Layout    string
	Actual    []float32
	Expected  []float32
	Tolerance verify.Tolerance
}

// Check compares the device result to the reference
func (r *Result) Check() error {
	return errors.WithMessagef(verify.AllClose(r.Actual, r.Expected, r.Tolerance), "%s result", r.Layout)
}

// scenario is a prepared computation: its plan and where results land
type scenario struct {
	plan   *runner.Plan
	result *Result
}

// ArtifactDir resolves the compiled artifact for opts. Appliance runs find
// it through the locator file in opts.Name, others use opts.Name directly.
func ArtifactDir(opts Options) (string, error) {
	if !opts.Appliance {
		return opts.Name, nil
	}
	path, err := artifact.ReadLocator(opts.Name)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(opts.Name, path)
	}
	return path, nil
}

// Run loads the artifact named by opts, executes its layout on a runtime
// from open and checks the result against the host reference.
func Run(ctx context.Context, opts Options, open RuntimeFactory) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	dir, err := ArtifactDir(opts)
	if err != nil {
		return nil, err
	}
	md, err := artifact.LoadMetadata(dir)
	if err != nil {
		return nil, err
	}
	prog, err := kernels.Load(md)
	if err != nil {
		return nil, err
	}
	cfg := runner.Config{
		Artifact:  dir,
		CmAddr:    opts.CmAddr,
		Simulator: opts.Backend == BackendSim,
		Grid:      prog.Grid,
		Channels:  prog.ChannelIDs(),
	}

	var sc *scenario
	switch prog.Name {
	case "gemm":
		sc, err = prepareGemm(prog, opts)
	case "gemv":
		sc, err = prepareGemv(prog, cfg, opts)
	default:
		err = errors.Wrapf(fabric.ErrConfiguration, "no driver for layout %q", prog.Name)
	}
	if err != nil {
		return nil, err
	}

	rt, release, err := open(prog, opts)
	if err != nil {
		return nil, err
	}
	defer release()

	if opts.Appliance {
		err = runAppliance(ctx, rt, cfg, sc.plan)
	} else {
		err = runManual(ctx, rt, cfg, sc.plan)
	}
	if err != nil {
		return nil, err
	}

	klog.Info("Check result")
	if err := sc.result.Check(); err != nil {
		return sc.result, err
	}
	klog.Info("SUCCESS!")
	return sc.result, nil
}

// runAppliance executes the plan inside a context-managed session
func runAppliance(ctx context.Context, rt fabric.Runtime, cfg runner.Config, plan *runner.Plan) error {
	klog.Info("Instantiate runner for ", cfg.Artifact)
	return runner.WithSession(ctx, rt, cfg, func(ctx context.Context, s *runner.Session) error {
		klog.Info("Copy operands, launch ", plan.Entry, " and copy back results")
		return s.Execute(ctx, plan)
	})
}

// runManual drives the session one step at a time: load, run, look up
// symbols, copy in, launch, copy out, stop.
func runManual(ctx context.Context, rt fabric.Runtime, cfg runner.Config, plan *runner.Plan) (err error) {
	klog.Info("Instantiate runner for ", cfg.Artifact)
	s, err := runner.NewSession(rt, cfg)
	if err != nil {
		return err
	}
	if err := s.Load(ctx); err != nil {
		return err
	}
	klog.Info("Run the device")
	if err := s.Start(ctx); err != nil {
		return stderrors.Join(err, s.Release(ctx))
	}
	defer func() {
		klog.Info("Stop the device")
		err = stderrors.Join(err, s.Stop(ctx))
	}()

	for _, tr := range append(append([]*builder.Transfer(nil), plan.Inputs...), plan.Outputs...) {
		if tr.Target.IsChannel() {
			continue
		}
		id, err := s.SymbolID(tr.Target.Symbol)
		if err != nil {
			return err
		}
		klog.V(1).Infof("symbol %s has id %d", tr.Target.Symbol, id)
	}

	for _, tr := range plan.Inputs {
		klog.Info("Copy ", tr.Name, " to device")
		if _, err := s.Transfer(ctx, tr); err != nil {
			return err
		}
	}
	if err := s.Wait(ctx); err != nil {
		return err
	}
	klog.Info("Launch ", plan.Entry)
	if _, err := s.Launch(ctx, plan.Entry, plan.NonblockRun); err != nil {
		return err
	}
	if err := s.Wait(ctx); err != nil {
		return err
	}
	for _, tr := range plan.Outputs {
		klog.Info("Copy ", tr.Name, " back")
		if _, err := s.Transfer(ctx, tr); err != nil {
			return err
		}
	}
	return s.Wait(ctx)
}
