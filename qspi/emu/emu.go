// Package emu emulates the QUADSPI register file on top of a plain SPI
// connection, so the transaction engine can drive a chip model or a USB SPI
// bridge from a host.
//
// Every frame the controller would shift out is serialized as bytes:
// instruction, address, alternate bytes, dummy cycles rounded to whole bytes
// at the width of the data phase, then data. The frame is sent in one Tx
// with chip select held low. Line widths are not visible on the wire; a
// connection narrower than a phase is modeled with WithMaxLines.
package emu

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"

	"github.com/gentam/qspiflash/qspi"
)

// ErrNotMapped is returned by ReadMapped outside memory-mapped mode.
var ErrNotMapped = errors.New("emu: controller is not memory-mapped")

// Controller implements qspi.Regs.
type Controller struct {
	conn     spi.Conn
	cs       gpio.PinOut
	maxLines int

	cr, dcr, dlr, ccr, ar, abr uint32
	psmkr, psmar, pir, lptr    uint32
	sr                         uint32

	fifo    []byte // read data not yet popped, or write data collected
	want    int    // bytes still expected for an indirect write
	polling bool
	mapped  bool

	inject      map[qspi.FrameMode]uint32
	frames      int
	statusLoads int
	lastErr     error
}

type Option func(*Controller)

// WithMaxLines limits the width of every phase; a wider phase raises TEF
// instead of reaching the wire.
func WithMaxLines(n int) Option {
	return func(c *Controller) {
		c.maxLines = n
	}
}

// New returns a controller talking to conn. cs may be nil when conn drives
// chip select itself.
func New(conn spi.Conn, cs gpio.PinOut, opts ...Option) *Controller {
	c := &Controller{
		conn:     conn,
		cs:       cs,
		maxLines: 4,
		inject:   map[qspi.FrameMode]uint32{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Inject raises flag (qspi.SR_TEF or qspi.SR_TOF) instead of running the
// next frame started in mode.
func (c *Controller) Inject(mode qspi.FrameMode, flag uint32) {
	c.inject[mode] = flag
}

// Frames returns the number of frames sent on the wire.
func (c *Controller) Frames() int { return c.frames }

// StatusLoads returns the number of SR loads so far.
func (c *Controller) StatusLoads() int { return c.statusLoads }

// Err returns the last error reported by the connection, which the
// controller surfaces as TEF.
func (c *Controller) Err() error { return c.lastErr }

// Mapped reports whether memory-mapped mode is active.
func (c *Controller) Mapped() bool { return c.mapped }

func (c *Controller) Load(r qspi.Reg) uint32 {
	switch r {
	case qspi.CR:
		return c.cr
	case qspi.DCR:
		return c.dcr
	case qspi.SR:
		c.statusLoads++
		if c.polling {
			c.pollOnce()
		}
		return c.status()
	case qspi.DLR:
		return c.dlr
	case qspi.CCR:
		return c.ccr
	case qspi.AR:
		return c.ar
	case qspi.ABR:
		return c.abr
	case qspi.DR:
		var v uint32
		for i := 0; i < 4; i++ {
			v |= uint32(c.LoadByte(r)) << (8 * i)
		}
		return v
	case qspi.PSMKR:
		return c.psmkr
	case qspi.PSMAR:
		return c.psmar
	case qspi.PIR:
		return c.pir
	case qspi.LPTR:
		return c.lptr
	}
	return 0
}

func (c *Controller) Store(r qspi.Reg, v uint32) {
	switch r {
	case qspi.CR:
		if v&qspi.CR_ABORT != 0 {
			c.abort()
		}
		c.cr = v &^ qspi.CR_ABORT
	case qspi.DCR:
		c.dcr = v
	case qspi.FCR:
		c.sr &^= v & (qspi.SR_TEF | qspi.SR_TCF | qspi.SR_SMF | qspi.SR_TOF)
	case qspi.DLR:
		c.dlr = v
	case qspi.CCR:
		c.ccr = v
		c.mapped = false
		switch {
		case c.mode() == qspi.MemoryMapped:
			c.mapped = true
		case field(v, qspi.CCR_ADMODE_Msk, qspi.CCR_ADMODE_Pos) == uint32(qspi.None):
			c.start()
		}
	case qspi.AR:
		c.ar = v
		if c.mode() != qspi.MemoryMapped && field(c.ccr, qspi.CCR_ADMODE_Msk, qspi.CCR_ADMODE_Pos) != uint32(qspi.None) {
			c.start()
		}
	case qspi.ABR:
		c.abr = v
	case qspi.DR:
		for i := 0; i < 4; i++ {
			c.StoreByte(r, uint8(v>>(8*i)))
		}
	case qspi.PSMKR:
		c.psmkr = v
	case qspi.PSMAR:
		c.psmar = v
	case qspi.PIR:
		c.pir = v
	case qspi.LPTR:
		c.lptr = v
	}
}

func (c *Controller) LoadByte(r qspi.Reg) uint8 {
	if r != qspi.DR || len(c.fifo) == 0 || c.want > 0 {
		return 0
	}
	b := c.fifo[0]
	c.fifo = c.fifo[1:]
	if len(c.fifo) == 0 {
		c.sr &^= qspi.SR_BUSY
	}
	return b
}

func (c *Controller) StoreByte(r qspi.Reg, v uint8) {
	if r != qspi.DR || c.want == 0 {
		return
	}
	c.fifo = append(c.fifo, v)
	c.want--
	if c.want == 0 {
		data := c.fifo
		c.fifo = nil
		c.transfer(data, 0)
		c.complete()
	}
}

// ReadMapped serves a CPU load of len(p) bytes at offset addr of the mapped
// window by replaying the memory-mapped header.
func (c *Controller) ReadMapped(addr uint32, p []byte) error {
	if !c.mapped {
		return ErrNotMapped
	}
	if len(p) == 0 {
		return nil
	}
	c.ar = addr
	c.frames++
	data, err := c.exchange(nil, len(p))
	if err != nil {
		return err
	}
	copy(p, data)
	return nil
}

func (c *Controller) String() string {
	return fmt.Sprintf("emu(%s)", c.conn)
}

func field(v, msk uint32, pos int) uint32 {
	return (v & msk) >> pos
}

func (c *Controller) mode() qspi.FrameMode {
	return qspi.FrameMode(field(c.ccr, qspi.CCR_FMODE_Msk, qspi.CCR_FMODE_Pos))
}

func (c *Controller) dataMode() qspi.LineMode {
	return qspi.LineMode(field(c.ccr, qspi.CCR_DMODE_Msk, qspi.CCR_DMODE_Pos))
}

func (c *Controller) status() uint32 {
	sr := c.sr
	switch {
	case c.want > 0:
		sr |= qspi.SR_FTF
	case len(c.fifo) > 0:
		sr |= qspi.SR_FTF
	}
	level := min(len(c.fifo), 32)
	return sr | uint32(level)<<qspi.SR_FLEVEL_Pos
}

// start latches a frame once its last configuration register is written.
func (c *Controller) start() {
	mode := c.mode()
	if flag, ok := c.inject[mode]; ok {
		delete(c.inject, mode)
		c.sr |= flag
		return
	}
	if !c.fitsLink() {
		c.sr |= qspi.SR_TEF
		return
	}

	n := 0
	if c.dataMode() != qspi.None {
		n = int(c.dlr) + 1
	}
	switch mode {
	case qspi.IndirectWrite:
		if n == 0 {
			c.transfer(nil, 0)
			c.complete()
			return
		}
		c.sr |= qspi.SR_BUSY
		c.fifo = nil
		c.want = n
	case qspi.IndirectRead:
		c.fifo = c.transfer(nil, n)
		c.sr |= qspi.SR_TCF
		if len(c.fifo) > 0 {
			c.sr |= qspi.SR_BUSY
		}
	case qspi.AutoPoll:
		c.sr |= qspi.SR_BUSY
		c.polling = true
	}
}

func (c *Controller) complete() {
	c.sr &^= qspi.SR_BUSY
	c.sr |= qspi.SR_TCF
}

func (c *Controller) fitsLink() bool {
	for _, f := range [...]struct {
		msk uint32
		pos int
	}{
		{qspi.CCR_IMODE_Msk, qspi.CCR_IMODE_Pos},
		{qspi.CCR_ADMODE_Msk, qspi.CCR_ADMODE_Pos},
		{qspi.CCR_ABMODE_Msk, qspi.CCR_ABMODE_Pos},
		{qspi.CCR_DMODE_Msk, qspi.CCR_DMODE_Pos},
	} {
		if qspi.LineMode(field(c.ccr, f.msk, f.pos)).Lines() > c.maxLines {
			return false
		}
	}
	return true
}

// pollOnce samples the status once, as the controller does every PIR cycles.
func (c *Controller) pollOnce() {
	data := c.transfer(nil, int(c.dlr)+1)
	if data == nil {
		c.polling = false
		c.sr &^= qspi.SR_BUSY
		return
	}
	var v uint32
	for i, b := range data {
		v |= uint32(b) << (8 * i)
	}

	var match bool
	if c.cr&qspi.CR_PMM != 0 {
		match = ^(v^c.psmar)&c.psmkr != 0
	} else {
		match = (v^c.psmar)&c.psmkr == 0
	}
	if !match {
		return
	}
	c.sr |= qspi.SR_SMF
	if c.cr&qspi.CR_APMS != 0 {
		c.polling = false
		c.complete()
	}
}

func (c *Controller) abort() {
	c.polling = false
	c.mapped = false
	c.fifo = nil
	c.want = 0
	c.sr &^= qspi.SR_BUSY
	c.sr |= qspi.SR_TCF
}

// transfer sends one frame and returns the n bytes read after it, or nil
// after raising TEF.
func (c *Controller) transfer(out []byte, n int) []byte {
	c.frames++
	data, err := c.exchange(out, n)
	if err != nil {
		c.sr |= qspi.SR_TEF
		return nil
	}
	return data
}

func (c *Controller) exchange(out []byte, n int) (data []byte, err error) {
	w := c.header()
	head := len(w)
	w = append(w, out...)
	w = append(w, make([]byte, n)...)
	r := make([]byte, len(w))

	if c.cs != nil {
		if err = c.cs.Out(gpio.Low); err != nil {
			c.lastErr = err
			return nil, err
		}
		defer func() {
			if csErr := c.cs.Out(gpio.High); csErr != nil && err == nil {
				err = csErr
				c.lastErr = err
			}
		}()
	}
	if err = c.conn.Tx(w, r); err != nil {
		c.lastErr = err
		return nil, err
	}
	return r[head+len(out):], nil
}

// header serializes the instruction, address, alternate and dummy phases
// configured in CCR.
func (c *Controller) header() []byte {
	var w []byte
	if field(c.ccr, qspi.CCR_IMODE_Msk, qspi.CCR_IMODE_Pos) != uint32(qspi.None) {
		w = append(w, uint8(field(c.ccr, qspi.CCR_INSTRUCTION_Msk, qspi.CCR_INSTRUCTION_Pos)))
	}
	admode := qspi.LineMode(field(c.ccr, qspi.CCR_ADMODE_Msk, qspi.CCR_ADMODE_Pos))
	if admode != qspi.None {
		w = appendBE(w, c.ar, qspi.Size(field(c.ccr, qspi.CCR_ADSIZE_Msk, qspi.CCR_ADSIZE_Pos)).Bytes())
	}
	if field(c.ccr, qspi.CCR_ABMODE_Msk, qspi.CCR_ABMODE_Pos) != uint32(qspi.None) {
		w = appendBE(w, c.abr, qspi.Size(field(c.ccr, qspi.CCR_ABSIZE_Msk, qspi.CCR_ABSIZE_Pos)).Bytes())
	}
	lines := c.dataMode().Lines()
	if lines == 0 {
		lines = max(admode.Lines(), 1)
	}
	dummy := int(field(c.ccr, qspi.CCR_DCYC_Msk, qspi.CCR_DCYC_Pos)) * lines
	return append(w, make([]byte, (dummy+7)/8)...)
}

func appendBE(w []byte, v uint32, n int) []byte {
	for i := n - 1; i >= 0; i-- {
		w = append(w, uint8(v>>(8*i)))
	}
	return w
}
