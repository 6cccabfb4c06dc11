package qspi

import (
	"fmt"
	"time"
)

// LineMode is the number of lines a phase is shifted on. None skips the
// phase entirely.
type LineMode uint8

const (
	None LineMode = iota
	Single
	Dual
	Quad
)

// Lines returns the bus width of the mode.
func (m LineMode) Lines() int {
	switch m {
	case Single:
		return 1
	case Dual:
		return 2
	case Quad:
		return 4
	}
	return 0
}

func (m LineMode) String() string {
	switch m {
	case None:
		return "none"
	case Single:
		return "1-line"
	case Dual:
		return "2-line"
	case Quad:
		return "4-line"
	}
	return fmt.Sprintf("LineMode(%d)", uint8(m))
}

// Size is the width of the address or alternate-byte phase.
type Size uint8

const (
	Size8 Size = iota
	Size16
	Size24
	Size32
)

// Bytes returns the number of bytes shifted for the phase.
func (s Size) Bytes() int { return int(s) + 1 }

// FrameMode is the functional mode of the controller (CCR.FMODE).
type FrameMode uint8

const (
	IndirectWrite FrameMode = iota
	IndirectRead
	AutoPoll
	MemoryMapped
)

func (m FrameMode) String() string {
	switch m {
	case IndirectWrite:
		return "indirect-write"
	case IndirectRead:
		return "indirect-read"
	case AutoPoll:
		return "auto-poll"
	case MemoryMapped:
		return "memory-mapped"
	}
	return fmt.Sprintf("FrameMode(%d)", uint8(m))
}

// MatchMode selects how auto-polling compares masked status bits.
type MatchMode uint8

const (
	MatchAND MatchMode = iota // all unmasked bits match
	MatchOR                   // any unmasked bit matches
)

type Instruction struct {
	Mode   LineMode
	Opcode uint8
}

type Address struct {
	Mode  LineMode
	Size  Size
	Value uint32
}

type AlternateBytes struct {
	Mode  LineMode
	Size  Size
	Value uint32
}

// DDR enables double data rate for the address, alternate and data phases.
type DDR struct {
	Enabled        bool
	HalfClockDelay bool // DHHC: delay output by 1/4 clock instead of analog delay
}

// Header describes the phases of one frame on the wire. The zero value of
// each phase skips it.
type Header struct {
	Instruction Instruction
	Address     Address
	Alternate   AlternateBytes
	DDR         DDR
	DummyCycles uint8
	// SendInstructionOnce (SIOO) sends the instruction only for the first
	// frame in memory-mapped and indirect modes.
	SendInstructionOnce bool
}

// Validate reports whether every field fits its CCR bit-field.
func (h *Header) Validate() error {
	for _, m := range [...]LineMode{h.Instruction.Mode, h.Address.Mode, h.Alternate.Mode} {
		if m > Quad {
			return fmt.Errorf("%w: line mode %d", ErrInvalid, m)
		}
	}
	if h.Address.Size > Size32 || h.Alternate.Size > Size32 {
		return fmt.Errorf("%w: phase size out of range", ErrInvalid)
	}
	if h.Address.Mode != None && !fits(h.Address.Value, h.Address.Size) {
		return fmt.Errorf("%w: address 0x%X exceeds %d bits", ErrInvalid, h.Address.Value, h.Address.Size.Bytes()*8)
	}
	if h.Alternate.Mode != None && !fits(h.Alternate.Value, h.Alternate.Size) {
		return fmt.Errorf("%w: alternate bytes 0x%X exceed %d bits", ErrInvalid, h.Alternate.Value, h.Alternate.Size.Bytes()*8)
	}
	if h.DummyCycles > 31 {
		return fmt.Errorf("%w: %d dummy cycles", ErrInvalid, h.DummyCycles)
	}
	return nil
}

func fits(v uint32, s Size) bool {
	if s == Size32 {
		return true
	}
	return v>>(uint(s.Bytes())*8) == 0
}

// ccr packs the header into a CCR value.
func (h *Header) ccr(data LineMode, mode FrameMode) uint32 {
	return uint32(h.Instruction.Opcode)<<CCR_INSTRUCTION_Pos |
		uint32(h.Instruction.Mode)<<CCR_IMODE_Pos |
		uint32(h.Address.Mode)<<CCR_ADMODE_Pos |
		uint32(h.Address.Size)<<CCR_ADSIZE_Pos |
		uint32(h.Alternate.Mode)<<CCR_ABMODE_Pos |
		uint32(h.Alternate.Size)<<CCR_ABSIZE_Pos |
		uint32(h.DummyCycles)<<CCR_DCYC_Pos |
		uint32(data)<<CCR_DMODE_Pos |
		uint32(mode)<<CCR_FMODE_Pos |
		b2u(h.SendInstructionOnce)*CCR_SIOO |
		b2u(h.DDR.HalfClockDelay)*CCR_DHHC |
		b2u(h.DDR.Enabled)*CCR_DDRM
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Transaction is one indirect read or write. Data is the payload written, or
// the buffer filled by a read; its length is the transfer length.
type Transaction struct {
	Header   Header
	DataMode LineMode
	Data     []byte
}

func (t *Transaction) validate() error {
	if err := t.Header.Validate(); err != nil {
		return err
	}
	if t.DataMode > Quad {
		return fmt.Errorf("%w: data line mode %d", ErrInvalid, t.DataMode)
	}
	if (t.DataMode == None) != (len(t.Data) == 0) {
		return fmt.Errorf("%w: data mode %v with %d bytes", ErrInvalid, t.DataMode, len(t.Data))
	}
	if uint64(len(t.Data)) > 1<<32 {
		return fmt.Errorf("%w: %d bytes exceed DLR", ErrInvalid, len(t.Data))
	}
	return nil
}

// Poll drives the controller's automatic status polling: the header is
// issued repeatedly until the masked status read equals Match.
type Poll struct {
	Header   Header
	DataMode LineMode
	Match    uint32
	Mask     uint32
	Size     uint8 // status bytes per sample, 1 to 4
	Interval uint16
	Mode     MatchMode
	AutoStop bool
	// Timeout overrides the wall-clock part of the controller budget, for
	// operations such as chip erase that outlast it. Zero keeps the budget.
	Timeout time.Duration
}

func (p *Poll) validate() error {
	if err := p.Header.Validate(); err != nil {
		return err
	}
	if p.DataMode == None || p.DataMode > Quad {
		return fmt.Errorf("%w: poll data line mode %v", ErrInvalid, p.DataMode)
	}
	if p.Size == 0 || p.Size > 4 {
		return fmt.Errorf("%w: poll size %d", ErrInvalid, p.Size)
	}
	return nil
}

// MemoryMap switches the controller into memory-mapped mode, where the header
// is replayed for every CPU load in the mapped window.
type MemoryMap struct {
	Header   Header
	DataMode LineMode
	// TimeoutCounter releases chip select after Period idle cycles.
	TimeoutCounter bool
	Period         uint16
}

func (m *MemoryMap) validate() error {
	if err := m.Header.Validate(); err != nil {
		return err
	}
	if m.DataMode == None || m.DataMode > Quad {
		return fmt.Errorf("%w: memory-map data line mode %v", ErrInvalid, m.DataMode)
	}
	return nil
}
