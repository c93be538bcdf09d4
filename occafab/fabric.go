package occafab

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/kernels"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"k8s.io/klog/v2"
)

// Fabric runs a program on an OCCA device. Each symbol is one device array
// holding every PE's copy back to back in row-major PE order; entry points
// run as OKL kernels over those arrays. Operations complete before they
// return.
type Fabric struct {
	device *gocca.OCCADevice
	prog   *kernels.Program

	mu      sync.Mutex
	loaded  bool
	running bool
	memory  map[string]*gocca.OCCAMemory
	stages  map[string]*gocca.OCCAKernel
}

// New wraps device; the caller keeps ownership of the device itself
func New(device *gocca.OCCADevice, prog *kernels.Program) *Fabric {
	return &Fabric{device: device, prog: prog}
}

// Preamble renders the program's defines for OKL sources
func Preamble(prog *kernels.Program) string {
	names := lo.Keys(prog.Defines)
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "#define %s %d\n", name, prog.Defines[name])
	}
	return sb.String()
}

func (f *Fabric) symbolBytes(name string) int64 {
	return int64(f.prog.Grid.NumPEs() * f.prog.Symbols[name] * 4)
}

// Load allocates zeroed device arrays and builds every kernel stage
func (f *Fabric) Load(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loaded {
		return errors.Wrapf(fabric.ErrDeviceBusy, "OCCA %s device already holds %s", f.device.Mode(), f.prog.Name)
	}
	f.memory = make(map[string]*gocca.OCCAMemory, len(f.prog.Symbols))
	f.stages = make(map[string]*gocca.OCCAKernel)
	for _, name := range f.prog.SymbolOrder {
		zero := make([]float32, f.prog.Grid.NumPEs()*f.prog.Symbols[name])
		f.memory[name] = f.device.Malloc(f.symbolBytes(name), unsafe.Pointer(&zero[0]), nil)
	}

	preamble := Preamble(f.prog)
	for _, entry := range f.prog.EntryNames() {
		k := f.prog.Entries[entry]
		for _, stage := range k.Stages {
			kernel, err := f.build(preamble+k.OKL, stage)
			if err != nil {
				f.release()
				return errors.Wrapf(err, "building %s stage %s", entry, stage)
			}
			f.stages[stage] = kernel
		}
	}
	f.loaded = true
	klog.V(1).Infof("occafab: loaded %s on %s device", f.prog.Name, f.device.Mode())
	return nil
}

func (f *Fabric) build(source, name string) (*gocca.OCCAKernel, error) {
	if f.device.Mode() == "OpenMP" {
		// OpenMP builds do not get -O3 by default
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		return f.device.BuildKernelFromString(source, name, props)
	}
	return f.device.BuildKernelFromString(source, name, nil)
}

func (f *Fabric) release() {
	for _, k := range f.stages {
		k.Free()
	}
	for _, m := range f.memory {
		m.Free()
	}
	f.stages, f.memory = nil, nil
}

func (f *Fabric) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded || f.running {
		return errors.Wrapf(fabric.ErrInvalidState, "OCCA fabric start: loaded=%v running=%v", f.loaded, f.running)
	}
	f.running = true
	return nil
}

// Stop waits for the device and frees kernels and arrays
func (f *Fabric) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return errors.Wrap(fabric.ErrInvalidState, "OCCA fabric is not loaded")
	}
	f.device.Finish()
	f.release()
	f.loaded, f.running = false, false
	return nil
}

func (f *Fabric) SymbolID(name string) (fabric.SymbolID, error) {
	return f.prog.SymbolID(name)
}

func (f *Fabric) checkRunning(op string) error {
	if !f.running {
		return errors.Wrapf(fabric.ErrInvalidState, "%s on an OCCA fabric that is not running", op)
	}
	return nil
}

// readSymbol copies a whole device array to the host
func (f *Fabric) readSymbol(name string) []float32 {
	host := make([]float32, f.prog.Grid.NumPEs()*f.prog.Symbols[name])
	f.memory[name].CopyTo(unsafe.Pointer(&host[0]), f.symbolBytes(name))
	return host
}

func (f *Fabric) writeSymbol(name string, host []float32) {
	f.memory[name].CopyFrom(unsafe.Pointer(&host[0]), f.symbolBytes(name))
}

// MemcpyH2D patches each destination PE's slot of the symbol array
func (f *Fabric) MemcpyH2D(_ context.Context, c *fabric.Copy) (fabric.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkRunning("h2d"); err != nil {
		return nil, err
	}
	symbol, fanout, err := f.prog.Resolve(c, fabric.HostToDevice)
	if err != nil {
		return nil, err
	}
	n := f.prog.Symbols[symbol]
	host := f.readSymbol(symbol)
	for i, pe := range c.Region.PEs() {
		chunk := c.Words[i*c.ElementsPerPE : (i+1)*c.ElementsPerPE]
		for _, dst := range f.prog.Destinations(pe, fanout) {
			slot := f.prog.Index(dst) * n
			if err := fabric.DecodeWords(c.DataType, chunk, host[slot:slot+c.ElementsPerPE]); err != nil {
				return nil, err
			}
		}
	}
	f.writeSymbol(symbol, host)
	return fabric.Completed(nil), nil
}

// MemcpyD2H gathers each region PE's slot into c.Words
func (f *Fabric) MemcpyD2H(_ context.Context, c *fabric.Copy) (fabric.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkRunning("d2h"); err != nil {
		return nil, err
	}
	symbol, _, err := f.prog.Resolve(c, fabric.DeviceToHost)
	if err != nil {
		return nil, err
	}
	f.device.Finish()
	n := f.prog.Symbols[symbol]
	host := f.readSymbol(symbol)
	for i, pe := range c.Region.PEs() {
		slot := f.prog.Index(pe) * n
		words, err := fabric.EncodeWords(c.DataType, host[slot:slot+c.ElementsPerPE])
		if err != nil {
			return nil, err
		}
		copy(c.Words[i*c.ElementsPerPE:], words)
	}
	return fabric.Completed(nil), nil
}

// Launch runs the entry point's stages in order with the symbol arrays as
// arguments.
func (f *Fabric) Launch(_ context.Context, entry string, _ bool) (fabric.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkRunning("launch"); err != nil {
		return nil, err
	}
	k, err := f.prog.Entry(entry)
	if err != nil {
		return nil, err
	}
	args := make([]interface{}, 0, len(f.prog.SymbolOrder))
	for _, name := range f.prog.SymbolOrder {
		args = append(args, f.memory[name])
	}
	for _, stage := range k.Stages {
		if err := f.stages[stage].RunWithArgs(args...); err != nil {
			return nil, errors.Wrapf(err, "%s stage %s", entry, stage)
		}
		f.device.Finish()
	}
	return fabric.Completed(nil), nil
}
