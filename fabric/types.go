package fabric

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Direction of a transfer relative to the host
type Direction int

const (
	HostToDevice Direction = iota + 1
	DeviceToHost
)

func (d Direction) String() string {
	switch d {
	case HostToDevice:
		return "h2d"
	case DeviceToHost:
		return "d2h"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// SymbolID is the runtime identifier of a named device symbol
type SymbolID int

// TargetKind distinguishes named symbols from streaming channels
type TargetKind int

const (
	SymbolTarget TargetKind = iota + 1
	ChannelTarget
)

// Target names the device end of a transfer: either a per-PE symbol or a
// logical channel (color) that relays data through the fabric.
type Target struct {
	Kind    TargetKind
	Symbol  string
	ID      SymbolID // resolved symbol id, filled in by the session
	Channel int
}

// Symbol targets the device symbol with the given name
func Symbol(name string) Target {
	return Target{Kind: SymbolTarget, Symbol: name, ID: -1}
}

// Channel targets the streaming channel with the given id
func Channel(id int) Target {
	return Target{Kind: ChannelTarget, Channel: id}
}

// IsChannel reports whether the target is a streaming channel
func (t Target) IsChannel() bool {
	return t.Kind == ChannelTarget
}

// Validate checks the target is well formed
func (t Target) Validate() error {
	switch t.Kind {
	case SymbolTarget:
		if t.Symbol == "" {
			return errors.Wrap(ErrConfiguration, "symbol target needs a name")
		}
	case ChannelTarget:
		if t.Channel < 0 {
			return errors.Wrapf(ErrConfiguration, "channel id %d is negative", t.Channel)
		}
	default:
		return errors.Wrapf(ErrConfiguration, "target kind %d is not defined", int(t.Kind))
	}
	return nil
}

func (t Target) String() string {
	if t.IsChannel() {
		return fmt.Sprintf("channel %d", t.Channel)
	}
	return fmt.Sprintf("symbol %q", t.Symbol)
}

// DataType is the element width used on the wire
type DataType int

const (
	Bits32 DataType = iota + 1
	Bits16
)

// Effective returns the data type to use, defaulting to 32-bit
func (dt DataType) Effective() DataType {
	if dt == 0 {
		return Bits32
	}
	return dt
}

// Size returns the element width in bytes
func (dt DataType) Size() int {
	if dt.Effective() == Bits16 {
		return 2
	}
	return 4
}

func (dt DataType) String() string {
	switch dt.Effective() {
	case Bits32:
		return "MEMCPY_32BIT"
	case Bits16:
		return "MEMCPY_16BIT"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// EncodeWords packs float32 values into the 32-bit words the runtime moves.
// 16-bit elements occupy the low half of each word.
func EncodeWords(dt DataType, src []float32) ([]uint32, error) {
	words := make([]uint32, len(src))
	switch dt.Effective() {
	case Bits32:
		for i, v := range src {
			words[i] = math.Float32bits(v)
		}
	case Bits16:
		for i, v := range src {
			words[i] = uint32(float16.Fromfloat32(v).Bits())
		}
	default:
		return nil, errors.Wrapf(ErrConfiguration, "unsupported data type %v", dt)
	}
	return words, nil
}

// DecodeWords unpacks runtime words into dst
func DecodeWords(dt DataType, words []uint32, dst []float32) error {
	if len(words) != len(dst) {
		return errors.Wrapf(ErrSizeMismatch, "decoding %d words into %d elements", len(words), len(dst))
	}
	switch dt.Effective() {
	case Bits32:
		for i, w := range words {
			dst[i] = math.Float32frombits(w)
		}
	case Bits16:
		for i, w := range words {
			dst[i] = float16.Frombits(uint16(w)).Float32()
		}
	default:
		return errors.Wrapf(ErrConfiguration, "unsupported data type %v", dt)
	}
	return nil
}
