package topology

import (
	"errors"
	"fmt"
	"sync"
)

// Mode selects how a book's 64-bit identifier is decomposed.
type Mode uint32

const (
	// ModeLZA identifiers directly encode IG, in-IG book number and offset.
	ModeLZA Mode = 0

	// ModePhysAddr identifiers are raw physical addresses; the IG column
	// value is overloaded as a per-node partition index.
	ModePhysAddr Mode = 1

	// ModeInvalid is the state of a codec that has not been set yet.
	ModeInvalid Mode = 0xf
)

// Bit layout of the IG storage column and of LZA identifiers.
const (
	ValueMask = 0xffff
	ModeShift = 16
	ModeMask  = 0xf
	IGMask    = 0xff

	IGShift   = 46
	BookShift = 33

	MaxIGs        = 128
	MaxBooksPerIG = 8192

	bookOffsetMask = (uint64(1) << BookShift) - 1
	bookNumMask    = (uint64(1) << (IGShift - BookShift)) - 1
	igFieldMask    = uint64(0x7f)
)

var (
	ErrModeSwitch  = errors.New("cannot switch BII mode")
	ErrIllegalMode = errors.New("illegal value for BII mode")
	ErrModeUnset   = errors.New("BII mode has not been set")
)

func (m Mode) String() string {
	switch m {
	case ModeLZA:
		return "LZA"
	case ModePhysAddr:
		return "PHYSADDR"
	case ModeInvalid:
		return "INVALID"
	default:
		return fmt.Sprintf("Mode(%d)", uint32(m))
	}
}

// Codec holds the book-identity interpretation mode for one engine instance.
//
// The zero value is unset. Set may be called any number of times with the
// same mode; a second, different mode is rejected.
type Codec struct {
	mu   sync.RWMutex
	mode Mode
	set  bool
}

// NewCodec returns a codec already set to mode.
func NewCodec(mode Mode) (*Codec, error) {
	c := &Codec{}
	if err := c.Set(mode); err != nil {
		return nil, err
	}
	return c, nil
}

// Set fixes the codec mode.
func (c *Codec) Set(mode Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.set && c.mode == mode {
		return nil
	}
	if c.set {
		return fmt.Errorf("%w: %s -> %s", ErrModeSwitch, c.mode, mode)
	}
	if mode != ModeLZA && mode != ModePhysAddr {
		return fmt.Errorf("%w: %d", ErrIllegalMode, uint32(mode))
	}
	c.mode = mode
	c.set = true
	return nil
}

// Mode returns the current mode, ModeInvalid if unset.
func (c *Codec) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.set {
		return ModeInvalid
	}
	return c.mode
}

func (c *Codec) IsValid() bool    { return c.Mode() != ModeInvalid }
func (c *Codec) IsLZA() bool      { return c.Mode() == ModeLZA }
func (c *Codec) IsPhysAddr() bool { return c.Mode() == ModePhysAddr }

// IGColumn tags an IG value with the codec mode.
func (c *Codec) IGColumn(value uint16) (uint32, error) {
	mode := c.Mode()
	if mode == ModeInvalid {
		return 0, ErrModeUnset
	}
	return PackIGColumn(mode, value), nil
}

// PackIGColumn builds the stored IG column: mode tag in bits 19:16,
// value in bits 15:0.
func PackIGColumn(mode Mode, value uint16) uint32 {
	return (uint32(mode)&ModeMask)<<ModeShift | uint32(value)
}

// IGColumnMode extracts the mode tag from a stored IG column.
func IGColumnMode(column uint32) Mode {
	return Mode((column >> ModeShift) & ModeMask)
}

// IGColumnValue extracts the 16-bit value from a stored IG column.
func IGColumnValue(column uint32) uint16 {
	return uint16(column & ValueMask)
}

// EncodeLZA builds a book identifier from IG and in-IG book number.
func EncodeLZA(ig, bookNum int) (uint64, error) {
	if ig < 0 || ig >= MaxIGs {
		return 0, fmt.Errorf("interleave group %d out of range 0-%d", ig, MaxIGs-1)
	}
	if bookNum < 0 || bookNum >= MaxBooksPerIG {
		return 0, fmt.Errorf("book number %d out of range 0-%d", bookNum, MaxBooksPerIG-1)
	}
	return uint64(ig)<<IGShift | uint64(bookNum)<<BookShift, nil
}

// DecodeLZA splits an LZA into IG, in-IG book number and byte offset.
func DecodeLZA(lza uint64) (ig, bookNum int, offset uint64) {
	ig = int((lza >> IGShift) & igFieldMask)
	bookNum = int((lza >> BookShift) & bookNumMask)
	offset = lza & bookOffsetMask
	return ig, bookNum, offset
}
