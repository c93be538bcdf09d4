package kernels

import (
	"sort"

	"github.com/notargets/tilefab/artifact"
	"github.com/notargets/tilefab/fabric"
	"github.com/notargets/tilefab/partitions"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Compile-time parameter names
const (
	ParamM       = "M"
	ParamK       = "K"
	ParamN       = "N"
	ParamKernelX = "kernel_x_dim"
	ParamKernelY = "kernel_y_dim"

	ChannelH2D1 = "MEMCPYH2D_DATA_1_ID"
	ChannelH2D2 = "MEMCPYH2D_DATA_2_ID"
	ChannelD2H1 = "MEMCPYD2H_DATA_1_ID"
)

// Fanout says how a PE relays streamed data it receives
type Fanout int

const (
	FanoutNone   Fanout = iota
	FanoutColumn        // forwarded to every PE in the receiving PE's grid column
)

// ChannelBinding connects a memcpy channel to a per-PE symbol
type ChannelBinding struct {
	Name      string // compile parameter carrying the channel id
	Direction fabric.Direction
	Symbol    string
	Fanout    Fanout
}

// Memory is one PE's symbol storage
type Memory map[string][]float32

// Kernel is a device entry point. Local runs on every PE independently;
// Reduce then runs once per grid row with that row's memories ordered by
// column, the way a west-to-east pass finalizes on the last column.
type Kernel struct {
	Local  func(pe fabric.PE, mem Memory) error
	Reduce func(row int, mems []Memory) error

	// OKL holds the same computation for OCCA devices; Stages are the
	// @kernel functions in run order, each called with the program's
	// symbols as arguments.
	OKL    string
	Stages []string
}

// Program is a compiled layout: grid, per-PE symbols, channels and entries
type Program struct {
	Name          string
	Grid          partitions.GridShape
	Params        map[string]int
	Symbols       map[string]int // per-PE element count
	SymbolOrder   []string
	Channels      map[int]ChannelBinding
	Entries       map[string]Kernel
	Defines       map[string]int // OKL preprocessor values
	SimFabricDims [2]int
}

// SymbolLen returns the per-PE length of a symbol
func (p *Program) SymbolLen(name string) (int, error) {
	n, ok := p.Symbols[name]
	if !ok {
		return 0, errors.Wrapf(fabric.ErrConfiguration, "program %s has no symbol %q", p.Name, name)
	}
	return n, nil
}

// SymbolID is the symbol's position in SymbolOrder
func (p *Program) SymbolID(name string) (fabric.SymbolID, error) {
	_, idx, ok := lo.FindIndexOf(p.SymbolOrder, func(s string) bool { return s == name })
	if !ok {
		return 0, errors.Wrapf(fabric.ErrConfiguration, "program %s has no symbol %q", p.Name, name)
	}
	return fabric.SymbolID(idx), nil
}

// Channel returns the binding for a channel id
func (p *Program) Channel(id int) (ChannelBinding, error) {
	b, ok := p.Channels[id]
	if !ok {
		return ChannelBinding{}, errors.Wrapf(fabric.ErrConfiguration, "program %s does not declare channel %d", p.Name, id)
	}
	return b, nil
}

// ChannelIDs maps channel parameter names to ids
func (p *Program) ChannelIDs() map[string]int {
	out := make(map[string]int, len(p.Channels))
	for id, b := range p.Channels {
		out[b.Name] = id
	}
	return out
}

// Entry returns a device entry point
func (p *Program) Entry(name string) (Kernel, error) {
	k, ok := p.Entries[name]
	if !ok {
		return Kernel{}, errors.Wrapf(fabric.ErrConfiguration, "program %s has no entry point %q, have %v",
			p.Name, name, p.EntryNames())
	}
	return k, nil
}

// EntryNames lists entry points in sorted order
func (p *Program) EntryNames() []string {
	names := lo.Keys(p.Entries)
	sort.Strings(names)
	return names
}

// NewMemory allocates zeroed storage for every symbol
func (p *Program) NewMemory() Memory {
	mem := make(Memory, len(p.Symbols))
	for name, n := range p.Symbols {
		mem[name] = make([]float32, n)
	}
	return mem
}

// Resolve maps a copy addressed to this program onto the per-PE symbol it
// reads or writes, checking direction, region and symbol capacity.
func (p *Program) Resolve(c *fabric.Copy, dir fabric.Direction) (symbol string, fanout Fanout, err error) {
	if err := c.Check(); err != nil {
		return "", 0, err
	}
	if !c.Region.Within(p.Grid.KernelX, p.Grid.KernelY) {
		return "", 0, errors.Wrapf(fabric.ErrConfiguration, "region %v lies outside the %v grid", c.Region, p.Grid)
	}
	if c.Target.IsChannel() {
		b, err := p.Channel(c.Target.Channel)
		if err != nil {
			return "", 0, err
		}
		if b.Direction != dir {
			return "", 0, errors.Wrapf(fabric.ErrConfiguration, "channel %d (%s) is %v, copy is %v",
				c.Target.Channel, b.Name, b.Direction, dir)
		}
		symbol, fanout = b.Symbol, b.Fanout
	} else {
		symbol = c.Target.Symbol
		if c.Target.ID >= 0 {
			if int(c.Target.ID) >= len(p.SymbolOrder) {
				return "", 0, errors.Wrapf(fabric.ErrConfiguration, "symbol id %d is not defined", c.Target.ID)
			}
			symbol = p.SymbolOrder[c.Target.ID]
		}
	}
	n, err := p.SymbolLen(symbol)
	if err != nil {
		return "", 0, err
	}
	if c.ElementsPerPE > n {
		return "", 0, errors.Wrapf(fabric.ErrSizeMismatch, "%d elements per PE overflow symbol %s of length %d",
			c.ElementsPerPE, symbol, n)
	}
	return symbol, fanout, nil
}

// Destinations lists the PEs that receive the payload sent to pe
func (p *Program) Destinations(pe fabric.PE, fanout Fanout) []fabric.PE {
	if fanout != FanoutColumn {
		return []fabric.PE{pe}
	}
	return fabric.Rect(pe.Col, 0, 1, p.Grid.KernelY).PEs()
}

// Index is the PE's slot in per-PE storage, row-major over the grid
func (p *Program) Index(pe fabric.PE) int {
	return pe.Row*p.Grid.KernelX + pe.Col
}

// Definition is a buildable layout with its default compile parameters
type Definition struct {
	Name          string
	Source        string // top-level layout file
	SimFabricDims [2]int
	Params        [][]artifact.Param
	Build         func(params map[string]int) (*Program, error)
}

// CompileOptions returns the compiler options for this layout
func (d Definition) CompileOptions(simulator bool) artifact.CompileOptions {
	return artifact.DefaultOptions(simulator, d.SimFabricDims, d.Params...)
}

var registry = map[string]Definition{
	"gemm": gemmDefinition,
	"gemv": gemvDefinition,
}

// Lookup returns the named layout
func Lookup(name string) (Definition, error) {
	d, ok := registry[name]
	if !ok {
		return Definition{}, errors.Wrapf(fabric.ErrConfiguration, "unknown layout %q, have %v", name, Layouts())
	}
	return d, nil
}

// Layouts lists the registered layouts
func Layouts() []string {
	names := lo.Keys(registry)
	sort.Strings(names)
	return names
}

// ParamNames lists every compile parameter the layout records
func (d Definition) ParamNames() []string {
	return lo.Map(lo.Flatten(d.Params), func(p artifact.Param, _ int) string { return p.Name })
}

// Detect names the layout an artifact was compiled from. An explicit layout
// in the metadata wins; otherwise it is the one layout whose parameters are
// all recorded.
func Detect(md *artifact.Metadata) (string, error) {
	if md.Layout != "" {
		return md.Layout, nil
	}
	recorded := md.Keys()
	matches := lo.Filter(Layouts(), func(name string, _ int) bool {
		return lo.Every(recorded, registry[name].ParamNames())
	})
	if len(matches) != 1 {
		return "", errors.Wrapf(fabric.ErrConfiguration, "compile params %v match layouts %v, need exactly one of %v",
			recorded, matches, Layouts())
	}
	return matches[0], nil
}

// Load rebuilds a program from its compile metadata
func Load(md *artifact.Metadata) (*Program, error) {
	name, err := Detect(md)
	if err != nil {
		return nil, err
	}
	d, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	params, err := md.Ints(d.ParamNames()...)
	if err != nil {
		return nil, err
	}
	return d.Build(params)
}
