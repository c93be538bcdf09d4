package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/runner/builder"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// State of a device session
type State int

const (
	Unloaded State = iota
	Loaded
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "Unloaded"
	case Loaded:
		return "Loaded"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session drives one runtime through Unloaded → Loaded → Running → Stopped.
// It owns the runtime exclusively while loaded and is not safe for
// concurrent use; operations are issued in program order.
type Session struct {
	rt      fabric.Runtime
	cfg     Config
	state   State
	symbols map[string]fabric.SymbolID

	// non-blocking work not yet joined through Wait
	pendingH2D    []*tracked
	pendingLaunch []*tracked
	pendingD2H    []*tracked
}

// NewSession returns an Unloaded session for rt
func NewSession(rt fabric.Runtime, cfg Config) (*Session, error) {
	if rt == nil {
		return nil, errors.Wrap(fabric.ErrConfiguration, "session needs a runtime")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Session{
		rt:      rt,
		cfg:     cfg,
		symbols: make(map[string]fabric.SymbolID),
	}, nil
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return s.state
}

// Config returns the configuration the session was created with
func (s *Session) Config() Config {
	return s.cfg
}

func (s *Session) require(op string, allowed ...State) error {
	if lo.Contains(allowed, s.state) {
		return nil
	}
	return errors.Wrapf(fabric.ErrInvalidState, "%s requires state %v, session is %v", op, allowed, s.state)
}

// Load acquires the runtime target and loads the artifact
func (s *Session) Load(ctx context.Context) error {
	if err := s.require("load", Unloaded); err != nil {
		return err
	}
	klog.V(1).Infof("loading artifact %q (simulator=%v cmaddr=%q)", s.cfg.Artifact, s.cfg.Simulator, s.cfg.CmAddr)
	if err := s.rt.Load(ctx); err != nil {
		return errors.WithMessagef(err, "load %q", s.cfg.Artifact)
	}
	s.state = Loaded
	return nil
}

// Start begins execution of the loaded artifact
func (s *Session) Start(ctx context.Context) error {
	if err := s.require("start", Loaded); err != nil {
		return err
	}
	if err := s.rt.Start(ctx); err != nil {
		return errors.WithMessage(err, "start")
	}
	s.state = Running
	klog.V(1).Info("session running")
	return nil
}

// Stop joins outstanding work and releases the runtime. The runtime is
// stopped even when joining fails or ctx is already done.
func (s *Session) Stop(ctx context.Context) error {
	if err := s.require("stop", Running); err != nil {
		return err
	}
	waitErr := s.Wait(ctx)
	stopErr := s.rt.Stop(context.WithoutCancel(ctx))
	s.state = Stopped
	klog.V(1).Info("session stopped")
	if stopErr != nil {
		stopErr = errors.WithMessage(stopErr, "stop")
	}
	return stderrors.Join(waitErr, stopErr)
}

// Release frees a runtime that was loaded but never started, as after a
// failed Start. It does nothing in any other state; use Stop once running.
func (s *Session) Release(ctx context.Context) error {
	if s.state != Loaded {
		return nil
	}
	s.state = Stopped
	return s.rt.Stop(context.WithoutCancel(ctx))
}

// SymbolID resolves a device symbol name, caching the result
func (s *Session) SymbolID(name string) (fabric.SymbolID, error) {
	if err := s.require("symbol lookup", Loaded, Running); err != nil {
		return 0, err
	}
	if id, ok := s.symbols[name]; ok {
		return id, nil
	}
	id, err := s.rt.SymbolID(name)
	if err != nil {
		return 0, errors.WithMessagef(err, "symbol %q", name)
	}
	s.symbols[name] = id
	return id, nil
}

// reap drops tasks the caller has already waited on. Completion alone is
// not enough: a non-blocking operation counts as outstanding until joined.
func (s *Session) reap() {
	pending := func(t *tracked, _ int) bool { return !t.awaited.Load() }
	s.pendingH2D = lo.Filter(s.pendingH2D, pending)
	s.pendingLaunch = lo.Filter(s.pendingLaunch, pending)
	s.pendingD2H = lo.Filter(s.pendingD2H, pending)
}

// Transfer issues one memcpy. Blocking transfers return a completed task;
// non-blocking ones must be joined with Wait (on the task or the session)
// before their results are read or a launch is issued.
func (s *Session) Transfer(ctx context.Context, tr *builder.Transfer) (fabric.Task, error) {
	if err := s.require("transfer", Running); err != nil {
		return nil, err
	}
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	if !s.cfg.Grid.IsZero() {
		if err := tr.CheckGrid(s.cfg.Grid); err != nil {
			return nil, err
		}
	}
	target := tr.Target
	if target.IsChannel() {
		if !s.cfg.declares(target.Channel) {
			return nil, errors.Wrapf(fabric.ErrConfiguration, "transfer %s uses undeclared %v", tr.Name, target)
		}
	} else {
		id, err := s.SymbolID(target.Symbol)
		if err != nil {
			return nil, err
		}
		target.ID = id
	}

	s.reap()
	c := &fabric.Copy{
		Target:        target,
		Region:        tr.Region,
		ElementsPerPE: tr.ElementsPerPE,
		Streaming:     tr.Streaming,
		DataType:      tr.DataType.Effective(),
		Nonblock:      tr.Nonblock,
	}

	var (
		task fabric.Task
		err  error
	)
	switch tr.Direction {
	case fabric.HostToDevice:
		if c.Words, err = fabric.EncodeWords(c.DataType, tr.Buffer); err != nil {
			return nil, err
		}
		klog.V(2).Infof("h2d %v", tr.TransferDescriptor)
		if task, err = s.rt.MemcpyH2D(ctx, c); err != nil {
			return nil, errors.WithMessagef(err, "transfer %s", tr.Name)
		}
		if tr.Nonblock {
			t := &tracked{Task: task}
			s.pendingH2D = append(s.pendingH2D, t)
			task = t
		}
	case fabric.DeviceToHost:
		if len(s.pendingLaunch) > 0 {
			return nil, errors.Wrapf(fabric.ErrInvalidState,
				"transfer %s reads device memory while %d launch(es) are un-awaited", tr.Name, len(s.pendingLaunch))
		}
		c.Words = make([]uint32, tr.TotalElements())
		klog.V(2).Infof("d2h %v", tr.TransferDescriptor)
		raw, err := s.rt.MemcpyD2H(ctx, c)
		if err != nil {
			return nil, errors.WithMessagef(err, "transfer %s", tr.Name)
		}
		task = &decodeTask{Task: raw, decode: func() error {
			return fabric.DecodeWords(c.DataType, c.Words, tr.Buffer)
		}}
		if tr.Nonblock {
			t := &tracked{Task: task}
			s.pendingD2H = append(s.pendingD2H, t)
			task = t
		}
	}

	if !tr.Nonblock {
		if err := task.Wait(ctx); err != nil {
			return nil, errors.WithMessagef(err, "transfer %s", tr.Name)
		}
	}
	return task, nil
}

// Launch runs a device entry point. It is refused while non-blocking
// host→device transfers are outstanding.
func (s *Session) Launch(ctx context.Context, entry string, nonblock bool) (fabric.Task, error) {
	if err := s.require("launch", Running); err != nil {
		return nil, err
	}
	if entry == "" {
		return nil, errors.Wrap(fabric.ErrConfiguration, "launch needs an entry point")
	}
	s.reap()
	if len(s.pendingH2D) > 0 {
		return nil, errors.Wrapf(fabric.ErrInvalidState,
			"launch %s with %d un-awaited host→device transfer(s)", entry, len(s.pendingH2D))
	}
	klog.V(1).Infof("launch %s (nonblock=%v)", entry, nonblock)
	task, err := s.rt.Launch(ctx, entry, nonblock)
	if err != nil {
		return nil, errors.WithMessagef(err, "launch %s", entry)
	}
	if nonblock {
		t := &tracked{Task: task}
		s.pendingLaunch = append(s.pendingLaunch, t)
		return t, nil
	}
	if err := task.Wait(ctx); err != nil {
		return nil, errors.WithMessagef(err, "launch %s", entry)
	}
	return task, nil
}

// Wait joins every outstanding non-blocking operation in issue class order:
// host→device transfers, launches, then device→host transfers.
func (s *Session) Wait(ctx context.Context) error {
	s.reap()
	var errs []error
	for _, list := range []*[]*tracked{&s.pendingH2D, &s.pendingLaunch, &s.pendingD2H} {
		for _, task := range *list {
			if err := task.Wait(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.reap()
	return stderrors.Join(errs...)
}

// Pending returns the number of un-awaited non-blocking operations
func (s *Session) Pending() int {
	s.reap()
	return len(s.pendingH2D) + len(s.pendingLaunch) + len(s.pendingD2H)
}

// decodeTask copies device words into the host buffer once the underlying
// copy has completed.
type decodeTask struct {
	fabric.Task
	once   sync.Once
	err    error
	decode func() error
}

func (d *decodeTask) finish() error {
	d.once.Do(func() { d.err = d.decode() })
	return d.err
}

func (d *decodeTask) Wait(ctx context.Context) error {
	if err := d.Task.Wait(ctx); err != nil {
		return err
	}
	return d.finish()
}

// tracked marks a non-blocking task as joined once a Wait observes its
// completion.
type tracked struct {
	fabric.Task
	awaited atomic.Bool
}

func (t *tracked) Wait(ctx context.Context) error {
	err := t.Task.Wait(ctx)
	if t.Task.Done() {
		t.awaited.Store(true)
	}
	return err
}

// WithSession loads and starts a session on rt, runs fn, and stops the
// session on every exit path once Start has succeeded, panics included.
// A stop failure is joined with fn's error.
func WithSession(ctx context.Context, rt fabric.Runtime, cfg Config,
	fn func(ctx context.Context, s *Session) error) (err error) {
	s, err := NewSession(rt, cfg)
	if err != nil {
		return err
	}
	if err = s.Load(ctx); err != nil {
		return err
	}
	if err = s.Start(ctx); err != nil {
		return stderrors.Join(err, s.Release(ctx))
	}
	defer func() {
		if s.state != Running {
			return
		}
		if stopErr := s.Stop(ctx); stopErr != nil {
			err = stderrors.Join(err, stopErr)
		}
	}()
	return fn(ctx, s)
}
