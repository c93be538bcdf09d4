package builder

import (
	"fmt"

	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/partitions"
	"github.com/pkg/errors"
)

// TransferDescriptor describes one memcpy between host and a PE region
type TransferDescriptor struct {
	Name          string
	Direction     fabric.Direction
	Target        fabric.Target
	Region        fabric.Region
	ElementsPerPE int
	Streaming     bool
	Nonblock      bool
	DataType      fabric.DataType
}

// Blocking reports whether issuing the transfer waits for completion
func (d TransferDescriptor) Blocking() bool {
	return !d.Nonblock
}

// TotalElements returns region size × elements per PE
func (d TransferDescriptor) TotalElements() int {
	return d.Region.Size() * d.ElementsPerPE
}

func (d TransferDescriptor) String() string {
	mode := "blocking"
	if d.Nonblock {
		mode = "nonblocking"
	}
	return fmt.Sprintf("%s %s %v region=%v elements/PE=%d streaming=%v %s",
		d.Name, d.Direction, d.Target, d.Region, d.ElementsPerPE, d.Streaming, mode)
}

// Transfer binds a descriptor to the host buffer it reads (host→device)
// or fills (device→host).
type Transfer struct {
	TransferDescriptor
	Buffer []float32
}

// NonBlocking makes the transfer return before it completes
func (t *Transfer) NonBlocking() *Transfer {
	t.Nonblock = true
	return t
}

// As sets the wire element type
func (t *Transfer) As(dt fabric.DataType) *Transfer {
	t.DataType = dt
	return t
}

// Named labels the transfer for logs and errors
func (t *Transfer) Named(name string) *Transfer {
	t.Name = name
	return t
}

// Validate checks the descriptor against its buffer. A buffer whose length
// differs from region × elements per PE is rejected, never truncated or
// padded.
func (t *Transfer) Validate() error {
	if t.Direction != fabric.HostToDevice && t.Direction != fabric.DeviceToHost {
		return errors.Wrapf(fabric.ErrConfiguration, "transfer %s has no direction", t.Name)
	}
	if err := t.Target.Validate(); err != nil {
		return errors.WithMessagef(err, "transfer %s", t.Name)
	}
	if t.Target.IsChannel() != t.Streaming {
		if t.Streaming {
			return errors.Wrapf(fabric.ErrConfiguration, "transfer %s streams to %v, streaming needs a channel",
				t.Name, t.Target)
		}
		return errors.Wrapf(fabric.ErrConfiguration, "transfer %s addresses %v without streaming",
			t.Name, t.Target)
	}
	if t.Region.Empty() || t.Region.Col < 0 || t.Region.Row < 0 {
		return errors.Wrapf(fabric.ErrConfiguration, "transfer %s has invalid region %v", t.Name, t.Region)
	}
	if t.ElementsPerPE <= 0 {
		return errors.Wrapf(fabric.ErrSizeMismatch, "transfer %s moves %d elements per PE", t.Name, t.ElementsPerPE)
	}
	if want := t.TotalElements(); len(t.Buffer) != want {
		return errors.Wrapf(fabric.ErrSizeMismatch,
			"transfer %s: %d elements/PE × region %v = %d, buffer holds %d",
			t.Name, t.ElementsPerPE, t.Region, want, len(t.Buffer))
	}
	return nil
}

// CheckGrid verifies the region fits inside grid
func (t *Transfer) CheckGrid(grid partitions.GridShape) error {
	if !t.Region.Within(grid.KernelX, grid.KernelY) {
		return errors.Wrapf(fabric.ErrConfiguration, "transfer %s region %v lies outside grid %v",
			t.Name, t.Region, grid)
	}
	return nil
}
