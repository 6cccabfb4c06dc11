// Package w25qsim is a behavioral model of a Winbond W25QxxJV serial NOR
// flash, seen from its SPI pins.
//
// The model implements spi.Conn: each Tx is one chip-select frame whose first
// byte is the instruction. It keeps the rules a driver can get wrong: the
// write enable latch gates every mutating instruction and is cleared by it,
// programming can only clear bits and wraps inside the page, the chip ignores
// everything but a status read while busy, and quad instructions are ignored
// until the QE bit is set.
//
// [W25Q64JV|8.1.2 Instruction Set Table 1]
package w25qsim

import (
	"errors"
	"fmt"
	"io"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/spi"
)

// Instructions understood by the model.
const (
	cmdWriteEnable     = 0x06
	cmdWriteDisable    = 0x04
	cmdReadStatus1     = 0x05
	cmdReadStatus2     = 0x35
	cmdWriteStatus1    = 0x01
	cmdWriteStatus2    = 0x31
	cmdResetEnable     = 0x66
	cmdReset           = 0x99
	cmdPageProgram     = 0x02
	cmdQuadPageProgram = 0x32
	cmdSectorErase4K   = 0x20
	cmdBlockErase64K   = 0xD8
	cmdChipErase       = 0xC7
	cmdChipEraseAlt    = 0x60
	cmdRead            = 0x03
	cmdFastRead        = 0x0B
	cmdFastReadQuadIO  = 0xEB
	cmdReadJEDECID     = 0x9F
)

// Status register bits.
const (
	StatusBusy = 1 << 0 // SR1 BUSY
	StatusWEL  = 1 << 1 // SR1 WEL
	ConfigQE   = 1 << 1 // SR2 QE
)

// Chip is a W25QxxJV model. It is not safe for concurrent use.
type Chip struct {
	name      string
	id        [3]byte
	mem       []byte
	pageSize  uint32
	busyPolls int

	sr1, sr2   byte
	resetArmed bool
	busy       int // status reads left with BUSY set

	log []byte
}

type Option func(*Chip)

// WithBusyPolls keeps BUSY set for n status reads after every program, erase
// and status register write.
func WithBusyPolls(n int) Option {
	return func(c *Chip) {
		c.busyPolls = n
	}
}

// WithQuadEnabled presets the non-volatile QE bit.
func WithQuadEnabled(on bool) Option {
	return func(c *Chip) {
		if on {
			c.sr2 |= ConfigQE
		} else {
			c.sr2 &^= ConfigQE
		}
	}
}

// WithID sets the JEDEC manufacturer/type/capacity bytes.
func WithID(id [3]byte) Option {
	return func(c *Chip) {
		c.id = id
	}
}

// New returns an erased chip of size bytes with pageSize-byte pages.
func New(name string, size, pageSize uint32, opts ...Option) *Chip {
	c := &Chip{
		name:     name,
		id:       [3]byte{0xEF, 0x40, 0x17},
		mem:      make([]byte, size),
		pageSize: pageSize,
	}
	for i := range c.mem {
		c.mem[i] = 0xFF
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chip) String() string { return c.name }

// Duplex reports half duplex: the chip drives the bus only after the host
// has shifted out the instruction phases.
func (c *Chip) Duplex() conn.Duplex { return conn.Half }

// Tx runs one frame. r, if not nil, receives what the chip drives while w is
// shifted in and must be as long as w.
func (c *Chip) Tx(w, r []byte) error {
	if len(w) == 0 {
		return nil
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("w25qsim: read buffer %d bytes, write %d", len(r), len(w))
	}
	if r == nil {
		r = make([]byte, len(w))
	}
	op := w[0]
	c.log = append(c.log, op)

	armed := c.resetArmed
	c.resetArmed = false
	if c.busy > 0 && op != cmdReadStatus1 {
		return nil
	}

	switch op {
	case cmdReadStatus1:
		for i := 1; i < len(r); i++ {
			r[i] = c.status1()
		}
		if c.busy > 0 {
			c.busy--
		}
	case cmdReadStatus2:
		for i := 1; i < len(r); i++ {
			r[i] = c.sr2
		}
	case cmdWriteEnable:
		c.sr1 |= StatusWEL
	case cmdWriteDisable:
		c.sr1 &^= StatusWEL
	case cmdWriteStatus1:
		if c.mutate() && len(w) > 1 {
			c.sr1 = c.sr1&(StatusBusy|StatusWEL) | w[1]&^(StatusBusy|StatusWEL)
			if len(w) > 2 {
				c.sr2 = w[2]
			}
		}
	case cmdWriteStatus2:
		if c.mutate() && len(w) > 1 {
			c.sr2 = w[1]
		}
	case cmdResetEnable:
		c.resetArmed = true
	case cmdReset:
		if armed {
			c.sr1 &^= StatusWEL
			c.busy = 0
		}
	case cmdPageProgram, cmdQuadPageProgram:
		if op == cmdQuadPageProgram && !c.QuadEnabled() {
			return nil
		}
		if len(w) < 4 || !c.mutate() {
			return nil
		}
		c.program(addr24(w[1:]), w[4:])
	case cmdSectorErase4K:
		if len(w) >= 4 && c.mutate() {
			c.erase(addr24(w[1:]), 4<<10)
		}
	case cmdBlockErase64K:
		if len(w) >= 4 && c.mutate() {
			c.erase(addr24(w[1:]), 64<<10)
		}
	case cmdChipErase, cmdChipEraseAlt:
		if c.mutate() {
			c.erase(0, uint32(len(c.mem)))
		}
	case cmdRead:
		c.read(w, r, 4)
	case cmdFastRead:
		c.read(w, r, 5)
	case cmdFastReadQuadIO:
		// address, mode byte, four dummy clocks on four lines
		if c.QuadEnabled() {
			c.read(w, r, 7)
		}
	case cmdReadJEDECID:
		copy(r[1:], c.id[:])
	}
	return nil
}

// TxPackets concatenates packets sharing a chip-select frame.
func (c *Chip) TxPackets(pkts []spi.Packet) error {
	var w []byte
	var rs [][]byte
	var offs []int
	for i, p := range pkts {
		n := max(len(p.W), len(p.R))
		offs = append(offs, len(w))
		rs = append(rs, p.R)
		w = append(w, p.W...)
		w = append(w, make([]byte, n-len(p.W))...)
		if p.KeepCS && i != len(pkts)-1 {
			continue
		}
		r := make([]byte, len(w))
		if err := c.Tx(w, r); err != nil {
			return err
		}
		for j, dst := range rs {
			copy(dst, r[offs[j]:])
		}
		w, rs, offs = nil, nil, nil
	}
	return nil
}

// QuadEnabled reports the QE bit.
func (c *Chip) QuadEnabled() bool { return c.sr2&ConfigQE != 0 }

// Status returns status register 1 without touching the busy countdown.
func (c *Chip) Status() byte { return c.status1() }

// Log returns the instructions received so far, oldest first.
func (c *Chip) Log() []byte { return c.log }

// ResetLog forgets the received instructions.
func (c *Chip) ResetLog() { c.log = nil }

// Peek returns a copy of n bytes of the array at addr.
func (c *Chip) Peek(addr, n uint32) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = c.mem[(addr+uint32(i))%uint32(len(c.mem))]
	}
	return out
}

// Poke overwrites the array at addr, bypassing the program rules.
func (c *Chip) Poke(addr uint32, p []byte) {
	for i, b := range p {
		c.mem[(addr+uint32(i))%uint32(len(c.mem))] = b
	}
}

// Load fills the array from an image; a short image leaves the rest as is.
func (c *Chip) Load(r io.Reader) error {
	_, err := io.ReadFull(r, c.mem)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

// Save writes the whole array.
func (c *Chip) Save(w io.Writer) error {
	_, err := w.Write(c.mem)
	return err
}

func (c *Chip) status1() byte {
	if c.busy > 0 {
		return c.sr1 | StatusBusy
	}
	return c.sr1 &^ StatusBusy
}

// mutate consumes the write enable latch.
func (c *Chip) mutate() bool {
	if c.sr1&StatusWEL == 0 {
		return false
	}
	c.sr1 &^= StatusWEL
	c.busy = c.busyPolls
	return true
}

func (c *Chip) program(addr uint32, data []byte) {
	if len(c.mem) == 0 {
		return
	}
	addr %= uint32(len(c.mem))
	base := addr &^ (c.pageSize - 1)
	off := addr - base
	for i, b := range data {
		a := base + (off+uint32(i))%c.pageSize
		c.mem[a] &= b
	}
}

func (c *Chip) erase(addr, size uint32) {
	base := addr &^ (size - 1)
	for i := base; i < base+size && i < uint32(len(c.mem)); i++ {
		c.mem[i] = 0xFF
	}
}

func (c *Chip) read(w, r []byte, head int) {
	if len(w) < head || len(c.mem) == 0 {
		return
	}
	addr := addr24(w[1:])
	for i := head; i < len(r); i++ {
		r[i] = c.mem[(addr+uint32(i-head))%uint32(len(c.mem))]
	}
}

func addr24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
