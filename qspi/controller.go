// Package qspi drives the STM32H7 QUADSPI peripheral in indirect,
// status-polling and memory-mapped modes.
//
// A Controller owns nothing but the register file behind Regs. On target that
// is MMIO at the peripheral base; on a host it is the emulation in package
// emu. Every wait is bounded by a Budget and checks the transfer error and
// timeout flags before the completion flag.
//
// [RM0433|23 Quad-SPI interface (QUADSPI)]
package qspi

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"periph.io/x/conn/v3/physic"
)

var (
	// ErrHardware is reported by the controller's transfer error flag (TEF).
	ErrHardware = errors.New("qspi: transfer error")
	// ErrTimeout is reported by the controller's timeout flag (TOF).
	ErrTimeout = errors.New("qspi: timeout")
	// ErrExhausted means a wait ran out of its budget without the controller
	// reporting completion or an error.
	ErrExhausted = errors.New("qspi: wait budget exhausted")
	// ErrInvalid rejects a descriptor before any register is written.
	ErrInvalid = errors.New("qspi: invalid descriptor")
)

// Budget bounds every status wait. A zero field is unbounded.
type Budget struct {
	Spins   int           // status register samples
	Timeout time.Duration // wall clock
}

// DefaultBudget is generous enough for any single-page transfer at the
// slowest prescaler.
var DefaultBudget = Budget{Spins: 1 << 22, Timeout: time.Second}

// Config is the static controller setup programmed by Init.
type Config struct {
	Prescaler          uint8 // kernel clock divided by Prescaler+1
	FIFOThreshold      uint8 // FTF raised at FIFOThreshold+1 bytes
	FlashSize          uint8 // DCR.FSIZE, see FlashSize
	ChipSelectHighTime uint8 // CS high for ChipSelectHighTime+1 cycles between commands
	ClockMode3         bool  // CLK idles high
	SampleShift        bool  // sample half a cycle later
}

// Controller is the transaction engine for one QUADSPI instance. It keeps no
// state between calls; each call fully describes its frame. A Controller is
// not safe for concurrent use.
type Controller struct {
	regs   Regs
	budget Budget
}

type Option func(*Controller)

// WithBudget replaces DefaultBudget.
func WithBudget(b Budget) Option {
	return func(c *Controller) {
		c.budget = b
	}
}

// New wraps the register file of one controller.
func New(regs Regs, opts ...Option) *Controller {
	if regs == nil {
		panic("qspi: nil register file")
	}
	c := &Controller{regs: regs, budget: DefaultBudget}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init programs the device configuration and enables the controller. The
// peripheral clock must already be running.
func (c *Controller) Init(cfg Config) error {
	switch {
	case cfg.FIFOThreshold > 31:
		return fmt.Errorf("%w: FIFO threshold %d", ErrInvalid, cfg.FIFOThreshold)
	case cfg.FlashSize > 31:
		return fmt.Errorf("%w: FSIZE %d", ErrInvalid, cfg.FlashSize)
	case cfg.ChipSelectHighTime > 7:
		return fmt.Errorf("%w: CS high time %d", ErrInvalid, cfg.ChipSelectHighTime)
	}

	dcr := c.regs.Load(DCR) &^ (DCR_FSIZE_Msk | DCR_CSHT_Msk | DCR_CKMODE)
	dcr |= uint32(cfg.FlashSize)<<DCR_FSIZE_Pos |
		uint32(cfg.ChipSelectHighTime)<<DCR_CSHT_Pos |
		b2u(cfg.ClockMode3)*DCR_CKMODE
	c.regs.Store(DCR, dcr)

	cr := c.regs.Load(CR) &^ (CR_PRESCALER_Msk | CR_DFM | CR_FTHRES_Msk | CR_SSHIFT)
	cr |= uint32(cfg.Prescaler)<<CR_PRESCALER_Pos |
		uint32(cfg.FIFOThreshold)<<CR_FTHRES_Pos |
		b2u(cfg.SampleShift)*CR_SSHIFT
	c.regs.Store(CR, cr)
	c.regs.Store(CR, cr|CR_EN)
	return nil
}

// Deinit disables the controller. Gating its clock is left to the caller.
func (c *Controller) Deinit() {
	c.regs.Store(CR, c.regs.Load(CR)&^CR_EN)
}

// Write runs one indirect-write frame and shifts t.Data out through the FIFO.
func (c *Controller) Write(t *Transaction) error {
	if err := t.validate(); err != nil {
		return err
	}
	if err := c.idle(); err != nil {
		return err
	}
	c.regs.Store(FCR, FCR_CTCF)
	if len(t.Data) > 0 {
		c.regs.Store(DLR, uint32(len(t.Data)-1))
	}
	c.regs.Store(ABR, t.Header.Alternate.Value)
	c.regs.Store(CCR, t.Header.ccr(t.DataMode, IndirectWrite))
	c.regs.Store(AR, t.Header.Address.Value)

	for _, b := range t.Data {
		if err := c.wait(c.budget, allOf(SR_FTF)); err != nil {
			return err
		}
		c.regs.StoreByte(DR, b)
	}
	return c.wait(c.budget, allOf(SR_TCF))
}

// Read runs one indirect-read frame and fills t.Data from the FIFO.
func (c *Controller) Read(t *Transaction) error {
	if err := t.validate(); err != nil {
		return err
	}
	if err := c.idle(); err != nil {
		return err
	}
	c.regs.Store(FCR, FCR_CTCF)
	if len(t.Data) > 0 {
		c.regs.Store(DLR, uint32(len(t.Data)-1))
	}
	c.regs.Store(ABR, t.Header.Alternate.Value)
	c.regs.Store(CCR, t.Header.ccr(t.DataMode, IndirectRead))
	c.regs.Store(AR, t.Header.Address.Value)

	for i := range t.Data {
		if err := c.wait(c.budget, anyOf(SR_FTF|SR_TCF)); err != nil {
			return err
		}
		t.Data[i] = c.regs.LoadByte(DR)
	}
	return c.wait(c.budget, allOf(SR_TCF))
}

// Poll hands status sampling to the controller and waits for the status
// match flag only.
func (c *Controller) Poll(p *Poll) error {
	if err := p.validate(); err != nil {
		return err
	}
	if err := c.idle(); err != nil {
		return err
	}
	c.regs.Store(FCR, FCR_CSMF|FCR_CTCF)
	c.regs.Store(DLR, uint32(p.Size-1))

	cr := c.regs.Load(CR) &^ (CR_PMM | CR_APMS)
	cr |= uint32(p.Mode)*CR_PMM | b2u(p.AutoStop)*CR_APMS
	c.regs.Store(CR, cr)
	c.regs.Store(ABR, p.Header.Alternate.Value)
	c.regs.Store(PSMAR, p.Match)
	c.regs.Store(PSMKR, p.Mask)
	c.regs.Store(PIR, uint32(p.Interval))
	c.regs.Store(CCR, p.Header.ccr(p.DataMode, AutoPoll))
	c.regs.Store(AR, p.Header.Address.Value)

	b := c.budget
	if p.Timeout > 0 {
		b = Budget{Timeout: p.Timeout}
	}
	if err := c.wait(b, allOf(SR_SMF)); err != nil {
		return err
	}
	c.regs.Store(FCR, FCR_CSMF)
	return nil
}

// MemoryMap enters memory-mapped mode and returns without waiting: the mode
// holds until Abort or the next indirect frame.
func (c *Controller) MemoryMap(m *MemoryMap) error {
	if err := m.validate(); err != nil {
		return err
	}
	if err := c.idle(); err != nil {
		return err
	}
	cr := c.regs.Load(CR) &^ CR_TCEN
	cr |= b2u(m.TimeoutCounter) * CR_TCEN
	c.regs.Store(CR, cr)
	c.regs.Store(LPTR, uint32(m.Period))
	c.regs.Store(ABR, m.Header.Alternate.Value)
	c.regs.Store(CCR, m.Header.ccr(m.DataMode, MemoryMapped))
	return nil
}

// Abort cancels whatever the controller is doing, including memory-mapped
// mode, and waits until it is neither busy nor holding a completion flag.
func (c *Controller) Abort() error {
	c.regs.Store(CR, c.regs.Load(CR)|CR_ABORT)
	return c.wait(c.budget, func(sr uint32) bool {
		if sr&SR_TCF != 0 {
			c.regs.Store(FCR, FCR_CTCF)
			return false
		}
		return sr&SR_BUSY == 0
	})
}

func (c *Controller) idle() error {
	return c.wait(c.budget, func(sr uint32) bool { return sr&SR_BUSY == 0 })
}

func allOf(mask uint32) func(uint32) bool {
	return func(sr uint32) bool { return sr&mask == mask }
}

func anyOf(mask uint32) func(uint32) bool {
	return func(sr uint32) bool { return sr&mask != 0 }
}

// wait samples SR until done reports true. Error flags are checked on every
// sample, before done, and end the wait on the sample they first appear.
func (c *Controller) wait(b Budget, done func(sr uint32) bool) error {
	var deadline time.Time
	if b.Timeout > 0 {
		deadline = time.Now().Add(b.Timeout)
	}
	for n := 1; ; n++ {
		sr := c.regs.Load(SR)
		if err := c.flagError(sr); err != nil {
			return err
		}
		if done(sr) {
			return nil
		}
		if b.Spins > 0 && n >= b.Spins {
			return ErrExhausted
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrExhausted
		}
	}
}

// flagError clears TEF/TOF if either is set in sr and maps it to an error.
func (c *Controller) flagError(sr uint32) error {
	if sr&(SR_TEF|SR_TOF) == 0 {
		return nil
	}
	c.regs.Store(FCR, FCR_CTEF|FCR_CTOF)
	if sr&SR_TEF != 0 {
		return ErrHardware
	}
	return ErrTimeout
}

// FlashSize returns the DCR.FSIZE value addressing size bytes, which is
// rounded up to a power of two.
func FlashSize(size uint32) uint8 {
	if size <= 2 {
		return 0
	}
	return uint8(bits.Len32(size-1) - 1)
}

// Prescaler returns the smallest prescaler that keeps the flash clock derived
// from kernel at or below limit.
func Prescaler(kernel, limit physic.Frequency) uint8 {
	if limit <= 0 || kernel <= limit {
		return 0
	}
	div := int64((kernel + limit - 1) / limit)
	if div > 256 {
		return 255
	}
	return uint8(div - 1)
}
