package simfab

import (
	"context"
	"runtime"
	"sync"

	"github.com/notargets/tilefab/artifact"
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/kernels"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

type op struct {
	name string
	run  func() error
	fut  *fabric.Future
}

// Fabric simulates a PE grid running one program. Operations execute on a
// single worker in issue order; a launch runs every PE concurrently.
type Fabric struct {
	prog *kernels.Program

	mu      sync.Mutex
	loaded  bool
	running bool
	mem     []kernels.Memory // indexed row*KernelX + col
	ops     chan op
	done    chan struct{}
}

// New returns an unloaded fabric for prog
func New(prog *kernels.Program) *Fabric {
	return &Fabric{prog: prog}
}

// Open builds the fabric for the artifact compiled into dir
func Open(dir string) (*Fabric, error) {
	md, err := artifact.LoadMetadata(dir)
	if err != nil {
		return nil, err
	}
	prog, err := kernels.Load(md)
	if err != nil {
		return nil, err
	}
	return New(prog), nil
}

// Load allocates zeroed PE memory. A fabric serves one session at a time.
func (f *Fabric) Load(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return errors.Wrapf(fabric.ErrDeviceBusy, "simulated fabric for %s is already loaded", f.prog.Name)
	}
	if err := f.prog.Grid.Validate(); err != nil {
		return err
	}
	f.mem = make([]kernels.Memory, f.prog.Grid.NumPEs())
	for i := range f.mem {
		f.mem[i] = f.prog.NewMemory()
	}
	f.loaded = true
	klog.V(2).Infof("simfab: loaded %s on %v grid", f.prog.Name, f.prog.Grid)
	return nil
}

// Start launches the operation worker
func (f *Fabric) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded || f.running {
		return errors.Wrapf(fabric.ErrInvalidState, "simulated fabric start: loaded=%v running=%v", f.loaded, f.running)
	}
	f.ops = make(chan op, 64)
	f.done = make(chan struct{})
	go f.worker(f.ops, f.done)
	f.running = true
	return nil
}

func (f *Fabric) worker(ops <-chan op, done chan<- struct{}) {
	defer close(done)
	for o := range ops {
		err := o.run()
		if err != nil {
			klog.V(1).Infof("simfab: %s failed: %v", o.name, err)
		}
		o.fut.Complete(err)
	}
}

// Stop drains queued operations and releases the fabric
func (f *Fabric) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.loaded {
		f.mu.Unlock()
		return errors.Wrap(fabric.ErrInvalidState, "simulated fabric is not loaded")
	}
	running, done := f.running, f.done
	if running {
		close(f.ops)
		f.running = false
	}
	f.mu.Unlock()

	if running {
		select {
		case <-done:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "draining simulated fabric")
		}
	}
	f.mu.Lock()
	f.loaded = false
	f.mem = nil
	f.mu.Unlock()
	return nil
}

// SymbolID resolves a symbol to its position in the program
func (f *Fabric) SymbolID(name string) (fabric.SymbolID, error) {
	return f.prog.SymbolID(name)
}

func (f *Fabric) submit(name string, run func() error) (fabric.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil, errors.Wrapf(fabric.ErrInvalidState, "%s on a simulated fabric that is not running", name)
	}
	fut := fabric.NewFuture()
	f.ops <- op{name: name, run: run, fut: fut}
	return fut, nil
}

// MemcpyH2D writes each PE's slice of c.Words to the target symbol
func (f *Fabric) MemcpyH2D(_ context.Context, c *fabric.Copy) (fabric.Task, error) {
	symbol, fanout, err := f.prog.Resolve(c, fabric.HostToDevice)
	if err != nil {
		return nil, err
	}
	words := append([]uint32(nil), c.Words...)
	return f.submit("h2d "+c.Target.String(), func() error {
		for i, pe := range c.Region.PEs() {
			chunk := words[i*c.ElementsPerPE : (i+1)*c.ElementsPerPE]
			for _, dst := range f.prog.Destinations(pe, fanout) {
				if err := fabric.DecodeWords(c.DataType, chunk, f.mem[f.prog.Index(dst)][symbol][:c.ElementsPerPE]); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// MemcpyD2H reads each PE's symbol into its slice of c.Words
func (f *Fabric) MemcpyD2H(_ context.Context, c *fabric.Copy) (fabric.Task, error) {
	symbol, _, err := f.prog.Resolve(c, fabric.DeviceToHost)
	if err != nil {
		return nil, err
	}
	return f.submit("d2h "+c.Target.String(), func() error {
		for i, pe := range c.Region.PEs() {
			src := f.mem[f.prog.Index(pe)][symbol][:c.ElementsPerPE]
			words, err := fabric.EncodeWords(c.DataType, src)
			if err != nil {
				return err
			}
			copy(c.Words[i*c.ElementsPerPE:], words)
		}
		return nil
	})
}

// Launch runs an entry point: every PE's local step concurrently, then the
// row reductions.
func (f *Fabric) Launch(_ context.Context, entry string, _ bool) (fabric.Task, error) {
	k, err := f.prog.Entry(entry)
	if err != nil {
		return nil, err
	}
	grid := f.prog.Grid
	return f.submit("launch "+entry, func() error {
		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		if k.Local != nil {
			for i, mem := range f.mem {
				pe := fabric.PE{Col: i % grid.KernelX, Row: i / grid.KernelX}
				g.Go(func() error {
					return errors.WithMessagef(k.Local(pe, mem), "%s on %v", entry, pe)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}
		if k.Reduce != nil {
			for r := 0; r < grid.KernelY; r++ {
				row := f.mem[r*grid.KernelX : (r+1)*grid.KernelX]
				g.Go(func() error {
					return errors.WithMessagef(k.Reduce(r, row), "%s reduction on row %d", entry, r)
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
		}
		return nil
	})
}
