package fabric

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Copy is one memcpy request handed to a Runtime. Words holds the source data
// for host→device copies and receives the data for device→host copies; its
// length is always Region.Size()*ElementsPerPE, laid out PE by PE in
// Region.PEs() order.
type Copy struct {
	Target        Target
	Region        Region
	ElementsPerPE int
	Streaming     bool
	DataType      DataType
	Nonblock      bool
	Words         []uint32
}

// Check verifies the request is self-consistent
func (c *Copy) Check() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if c.Region.Empty() {
		return errors.Wrapf(ErrConfiguration, "empty region %v", c.Region)
	}
	if c.ElementsPerPE <= 0 {
		return errors.Wrapf(ErrSizeMismatch, "%d elements per PE", c.ElementsPerPE)
	}
	if want := c.Region.Size() * c.ElementsPerPE; len(c.Words) != want {
		return errors.Wrapf(ErrSizeMismatch, "%v carries %d words, region %v × %d elements needs %d",
			c.Target, len(c.Words), c.Region, c.ElementsPerPE, want)
	}
	if c.Target.IsChannel() != c.Streaming {
		return errors.Wrapf(ErrConfiguration, "%v: streaming=%v does not match the target kind",
			c.Target, c.Streaming)
	}
	return nil
}

// Task is a handle on an issued runtime operation
type Task interface {
	// Wait blocks until the operation completes or ctx is done. Operations
	// cannot be cancelled; ctx only bounds the wait.
	Wait(ctx context.Context) error
	// Done reports whether the operation has completed
	Done() bool
}

// Runtime is the device or simulator collaborator a session drives
type Runtime interface {
	Load(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SymbolID(name string) (SymbolID, error)
	MemcpyH2D(ctx context.Context, c *Copy) (Task, error)
	MemcpyD2H(ctx context.Context, c *Copy) (Task, error)
	Launch(ctx context.Context, entry string, nonblock bool) (Task, error)
}

// Future is a Task completed by whoever issued it
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewFuture returns an incomplete Future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Completed returns a Future that has already finished with err
func Completed(err error) *Future {
	f := NewFuture()
	f.Complete(err)
	return f
}

// Complete finishes the future; later calls are ignored
func (f *Future) Complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for device operation")
	}
}

func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
