package qspiflash

import (
	"fmt"
	"strings"
	"time"

	"github.com/gentam/qspiflash/qspi"
)

// Engine runs the frames Flash builds. *qspi.Controller implements it.
type Engine interface {
	Write(t *qspi.Transaction) error
	Read(t *qspi.Transaction) error
	Poll(p *qspi.Poll) error
	MemoryMap(m *qspi.MemoryMap) error
	Abort() error
}

// Device is every flash operation a host loader needs. *Flash implements it.
type Device interface {
	Geometry() Geometry
	Init() error
	ReadID() ([3]byte, error)
	ProgramPage(addr uint32, src []byte) error
	EraseSector(addr uint32) error
	EraseChip() error
	Read(addr uint32, dst []byte) error
	Verify(addr uint32, src []byte) (int, error)
	BlankCheck(addr, n uint32, pattern byte) error
	MemoryMap() error
	Abort() error
	Write(addr uint32, src []byte) error
	Erase(addr, n uint32) error
}

// Logger receives debug lines. *slog.Logger implements it.
type Logger interface {
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}

// Flash drives one W25QxxJV-like chip through an Engine. Every mutating
// operation sets the write enable latch first and returns only after the chip
// reports it is no longer busy. A Flash is not safe for concurrent use.
type Flash struct {
	eng Engine
	g   Geometry
	log Logger
	buf []byte // one page, for Verify and BlankCheck
}

type Option func(*Flash)

func WithLogger(l Logger) Option {
	return func(f *Flash) {
		if l != nil {
			f.log = l
		}
	}
}

func NewFlash(eng Engine, g Geometry, opts ...Option) (*Flash, error) {
	if eng == nil {
		return nil, fmt.Errorf("%w: nil engine", ErrInvalid)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	f := &Flash{
		eng: eng,
		g:   g,
		log: nopLogger{},
		buf: make([]byte, g.PageSize),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Flash) Geometry() Geometry { return f.g }

const (
	pollInterval   = 0x10 // controller clocks between status samples
	minPollTimeout = 10 * time.Millisecond
	// Reads are split so that one frame fits a single MPSSE transfer.
	// [FTDI-AN_108]
	maxReadChunk = 0x10000 - 0x10
)

// instruction builds a header with only a 1-line instruction phase.
func instruction(op uint8) qspi.Header {
	return qspi.Header{Instruction: qspi.Instruction{Mode: qspi.Single, Opcode: op}}
}

// addressed adds a 1-line 24-bit address phase.
func addressed(op uint8, addr uint32) qspi.Header {
	h := instruction(op)
	h.Address = qspi.Address{Mode: qspi.Single, Size: qspi.Size24, Value: addr}
	return h
}

func (f *Flash) command(op uint8) error {
	return f.eng.Write(&qspi.Transaction{Header: instruction(op)})
}

// pollStatus has the controller read status register 1 until the masked
// value equals match.
func (f *Flash) pollStatus(match, mask uint8, timeout time.Duration) error {
	return f.eng.Poll(&qspi.Poll{
		Header:   instruction(f.g.Commands.ReadStatus),
		DataMode: qspi.Single,
		Match:    uint32(match),
		Mask:     uint32(mask),
		Size:     1,
		Interval: pollInterval,
		Mode:     qspi.MatchAND,
		AutoStop: true,
		Timeout:  timeout,
	})
}

// writeEnable sends Write Enable and waits for WEL.
func (f *Flash) writeEnable() error {
	if err := f.command(f.g.Commands.WriteEnable); err != nil {
		return err
	}
	return f.pollStatus(statusWEL, statusWEL, 0)
}

// waitReady waits for BUSY to clear, allowing twice the datasheet maximum.
func (f *Flash) waitReady(limit time.Duration) error {
	return f.pollStatus(0, statusBusy, max(2*limit, minPollTimeout))
}

// Init brings the chip out of reset and sets the quad enable bit if it is
// not set already.
func (f *Flash) Init() error {
	c := f.g.Commands
	steps := []struct {
		name string
		run  func() error
	}{
		{"reset enable", func() error { return f.command(c.ResetEnable) }},
		{"reset", func() error { return f.command(c.ResetExecute) }},
		{"wait reset", func() error { return f.waitReady(f.g.Timing.Reset) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			return &InitError{Step: s.name, Err: err}
		}
	}

	cfg, err := f.ReadConfig()
	if err != nil {
		return &InitError{Step: "read config", Err: err}
	}
	if cfg.QuadEnable() {
		f.log.Debug("quad mode already enabled", "config", cfg)
		return nil
	}
	if err := f.writeEnable(); err != nil {
		return &InitError{Step: "write enable", Err: err}
	}
	cfg |= configQE
	if err := f.eng.Write(&qspi.Transaction{
		Header:   instruction(c.WriteConfig),
		DataMode: qspi.Single,
		Data:     []byte{byte(cfg)},
	}); err != nil {
		return &InitError{Step: "quad enable", Err: err}
	}
	if err := f.waitReady(f.g.Timing.WriteStatus); err != nil {
		return &InitError{Step: "wait quad enable", Err: err}
	}
	f.log.Debug("quad mode enabled", "config", cfg)
	return nil
}

// ReadID returns the JEDEC manufacturer and device ID.
func (f *Flash) ReadID() (id [3]byte, err error) {
	err = f.eng.Read(&qspi.Transaction{
		Header:   instruction(f.g.Commands.ReadID),
		DataMode: qspi.Single,
		Data:     id[:],
	})
	return id, err
}

func (f *Flash) readRegister(op uint8) (byte, error) {
	var b [1]byte
	err := f.eng.Read(&qspi.Transaction{
		Header:   instruction(op),
		DataMode: qspi.Single,
		Data:     b[:],
	})
	return b[0], err
}

func (f *Flash) ReadStatus() (StatusRegister, error) {
	b, err := f.readRegister(f.g.Commands.ReadStatus)
	return StatusRegister(b), err
}

func (f *Flash) ReadConfig() (ConfigRegister, error) {
	b, err := f.readRegister(f.g.Commands.ReadConfig)
	return ConfigRegister(b), err
}

func (f *Flash) checkRange(addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(f.g.Size) {
		return fmt.Errorf("%w: 0x%X bytes at 0x%X exceed %s size 0x%X", ErrInvalid, n, addr, f.g.Name, f.g.Size)
	}
	return nil
}

// ProgramPage programs src at addr. src must not cross a page boundary and
// the target bytes should be erased: programming only clears bits.
func (f *Flash) ProgramPage(addr uint32, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := f.checkRange(addr, len(src)); err != nil {
		return err
	}
	if off := addr % f.g.PageSize; uint64(off)+uint64(len(src)) > uint64(f.g.PageSize) {
		return fmt.Errorf("%w: 0x%X bytes at 0x%X cross a 0x%X-byte page", ErrInvalid, len(src), addr, f.g.PageSize)
	}

	if err := f.writeEnable(); err != nil {
		return err
	}
	c := f.g.Commands
	if err := f.eng.Write(&qspi.Transaction{
		Header:   addressed(c.Program, addr),
		DataMode: c.ProgramLines,
		Data:     src,
	}); err != nil {
		return err
	}
	return f.waitReady(f.g.Timing.PageProgram)
}

// EraseSector erases the sector containing addr.
func (f *Flash) EraseSector(addr uint32) error {
	if addr >= f.g.Size {
		return fmt.Errorf("%w: sector address 0x%X beyond 0x%X", ErrInvalid, addr, f.g.Size)
	}
	addr -= addr % f.g.SectorSize
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.eng.Write(&qspi.Transaction{Header: addressed(f.g.Commands.SectorErase, addr)}); err != nil {
		return err
	}
	f.log.Debug("sector erase", "addr", fmt.Sprintf("0x%06X", addr))
	return f.waitReady(f.g.Timing.SectorErase)
}

func (f *Flash) EraseChip() error {
	if err := f.writeEnable(); err != nil {
		return err
	}
	if err := f.command(f.g.Commands.ChipErase); err != nil {
		return err
	}
	f.log.Debug("chip erase")
	return f.waitReady(f.g.Timing.ChipErase)
}

func (f *Flash) readHeader(addr uint32) qspi.Header {
	c := f.g.Commands
	h := instruction(c.Read)
	h.Address = qspi.Address{Mode: c.ReadLines, Size: qspi.Size24, Value: addr}
	if c.ReadMode {
		h.Alternate = qspi.AlternateBytes{Mode: c.ReadLines, Size: qspi.Size8, Value: uint32(c.ReadAlternate)}
	}
	h.DummyCycles = c.ReadDummy
	return h
}

// Read fills dst with the bytes at addr.
func (f *Flash) Read(addr uint32, dst []byte) error {
	if err := f.checkRange(addr, len(dst)); err != nil {
		return err
	}
	for len(dst) > 0 {
		n := min(len(dst), maxReadChunk)
		if err := f.eng.Read(&qspi.Transaction{
			Header:   f.readHeader(addr),
			DataMode: f.g.Commands.ReadLines,
			Data:     dst[:n],
		}); err != nil {
			return err
		}
		addr += uint32(n)
		dst = dst[n:]
	}
	return nil
}

// MemoryMap makes the controller serve reads of its mapped window with the
// read command. The mode holds until Abort.
func (f *Flash) MemoryMap() error {
	return f.eng.MemoryMap(&qspi.MemoryMap{
		Header:   f.readHeader(0),
		DataMode: f.g.Commands.ReadLines,
	})
}

// Abort stops the controller, leaving memory-mapped mode.
func (f *Flash) Abort() error {
	return f.eng.Abort()
}

// [W25Q64JV|7.1 Status Registers]
const (
	statusBusy = 1 << 0
	statusWEL  = 1 << 1
	configQE   = 1 << 1
)

// StatusRegister is Status Register-1.
//
//	Bits| [W25Q64JV|7.1 Status Registers]
//	----+-------------------------------
//	7   | SRP: Status Register Protect
//	6   | SEC: Sector protect
//	5   | TB: Top/Bottom protect
//	4:2 | BP2-0: Block Protect bit 2-0
//	1   | WEL: Write Enable Latch
//	0   | BUSY: Erase/Write in progress
type StatusRegister byte

func (sr StatusRegister) StatusRegisterProtect() bool { return sr&(1<<7) != 0 }
func (sr StatusRegister) SectorProtect() bool         { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool             { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect2() bool         { return sr&(1<<4) != 0 }
func (sr StatusRegister) BlockProtect1() bool         { return sr&(1<<3) != 0 }
func (sr StatusRegister) BlockProtect0() bool         { return sr&(1<<2) != 0 }
func (sr StatusRegister) WriteEnabled() bool          { return sr&statusWEL != 0 }
func (sr StatusRegister) Busy() bool                  { return sr&statusBusy != 0 }

func (sr StatusRegister) String() string {
	return bitString(byte(sr), []flagName{
		{sr.StatusRegisterProtect(), "SRP"},
		{sr.SectorProtect(), "SEC"},
		{sr.TopBottom(), "TB"},
		{sr.BlockProtect2(), "BP2"},
		{sr.BlockProtect1(), "BP1"},
		{sr.BlockProtect0(), "BP0"},
		{sr.WriteEnabled(), "WEL"},
		{sr.Busy(), "BUSY"},
	})
}

// ConfigRegister is Status Register-2.
//
//	Bits| [W25Q64JV|7.1 Status Registers]
//	----+-------------------------------
//	7   | SUS: Suspend Status
//	6   | CMP: Complement Protect
//	5:3 | LB3-1: Security Register Lock Bits
//	2   | Reserved
//	1   | QE: Quad Enable
//	0   | SRL: Status Register Lock
type ConfigRegister byte

func (cr ConfigRegister) Suspended() bool          { return cr&(1<<7) != 0 }
func (cr ConfigRegister) ComplementProtect() bool  { return cr&(1<<6) != 0 }
func (cr ConfigRegister) LockBits() uint8          { return uint8(cr>>3) & 0x7 }
func (cr ConfigRegister) QuadEnable() bool         { return cr&configQE != 0 }
func (cr ConfigRegister) StatusRegisterLock() bool { return cr&(1<<0) != 0 }

func (cr ConfigRegister) String() string {
	return bitString(byte(cr), []flagName{
		{cr.Suspended(), "SUS"},
		{cr.ComplementProtect(), "CMP"},
		{cr&(1<<5) != 0, "LB3"},
		{cr&(1<<4) != 0, "LB2"},
		{cr&(1<<3) != 0, "LB1"},
		{cr.QuadEnable(), "QE"},
		{cr.StatusRegisterLock(), "SRL"},
	})
}

type flagName struct {
	set  bool
	name string
}

func bitString(v byte, flags []flagName) string {
	b := fmt.Sprintf("%08b", v)
	s := []string{}
	for _, fl := range flags {
		if fl.set {
			s = append(s, fl.name)
		}
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}
