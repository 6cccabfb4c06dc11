// Package loader is the surface a host flashing tool drives: every entry
// point takes addresses in the target's memory map, starting at the mapped
// window base, and returns a closed Status instead of an error.
//
// Like an external loader, it leaves the flash memory-mapped after Init so the
// tool can read it directly, and leaves memory-mapped mode before any
// indirect command.
package loader

import (
	"fmt"
	"time"

	"github.com/gentam/qspiflash"
	"github.com/gentam/qspiflash/qspi"
)

// Controller is the part of *qspi.Controller the loader owns: it enables the
// controller on Init and disables it on UnInit.
type Controller interface {
	Init(cfg qspi.Config) error
	Deinit()
}

type Loader struct {
	dev    qspiflash.Device
	g      qspiflash.Geometry
	base   uint32
	ctl    Controller
	cfg    qspi.Config
	log    qspiflash.Logger
	mapped bool
}

type Option func(*Loader)

// WithController has Init program cfg into c before the chip is reset, and
// UnInit disable it.
func WithController(c Controller, cfg qspi.Config) Option {
	return func(l *Loader) {
		l.ctl = c
		l.cfg = cfg
	}
}

// WithLogger reports every failed entry point with its cause.
func WithLogger(log qspiflash.Logger) Option {
	return func(l *Loader) {
		l.log = log
	}
}

// New returns a loader serving dev at base, the address of the mapped window
// (0x90000000 on STM32H7).
func New(dev qspiflash.Device, base uint32, opts ...Option) *Loader {
	l := &Loader{
		dev:  dev,
		g:    dev.Geometry(),
		base: base,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) status(op string, err error) Status {
	s := StatusOf(err)
	if s != OK && l.log != nil {
		l.log.Debug(op+" failed", "status", s, "err", err)
	}
	return s
}

// offset translates an absolute range to a flash offset.
func (l *Loader) offset(addr, n uint32) (uint32, error) {
	if addr < l.base || uint64(addr-l.base)+uint64(n) > uint64(l.g.Size) {
		return 0, fmt.Errorf("%w: 0x%X bytes at 0x%08X outside 0x%08X-0x%08X",
			qspiflash.ErrInvalid, n, addr, l.base, uint64(l.base)+uint64(l.g.Size))
	}
	return addr - l.base, nil
}

// indirect leaves memory-mapped mode if needed.
func (l *Loader) indirect() error {
	if !l.mapped {
		return nil
	}
	if err := l.dev.Abort(); err != nil {
		return err
	}
	l.mapped = false
	return nil
}

func (l *Loader) memoryMap() error {
	if err := l.indirect(); err != nil {
		return err
	}
	if err := l.dev.MemoryMap(); err != nil {
		return err
	}
	l.mapped = true
	return nil
}

// Init enables the controller, resets the chip into quad mode and maps it.
func (l *Loader) Init() Status {
	if l.ctl != nil {
		if err := l.ctl.Init(l.cfg); err != nil {
			l.status("init", err)
			return InitFailure
		}
	}
	if err := l.indirect(); err != nil {
		return l.status("init", err)
	}
	if err := l.dev.Init(); err != nil {
		return l.status("init", err)
	}
	return l.status("init", l.memoryMap())
}

// UnInit leaves memory-mapped mode and disables the controller.
func (l *Loader) UnInit() Status {
	err := l.indirect()
	if l.ctl != nil {
		l.ctl.Deinit()
	}
	l.mapped = false
	return l.status("uninit", err)
}

// MemoryMap maps the flash at base.
func (l *Loader) MemoryMap() Status {
	return l.status("memory map", l.memoryMap())
}

func (l *Loader) EraseSector(addr uint32) Status {
	off, err := l.offset(addr, 1)
	if err == nil {
		err = l.indirect()
	}
	if err == nil {
		err = l.dev.EraseSector(off)
	}
	return l.status("erase sector", err)
}

// Erase erases n sectors starting with the one containing addr.
func (l *Loader) Erase(addr, sectors uint32) Status {
	if sectors == 0 {
		return OK
	}
	off, err := l.offset(addr, 1)
	if err == nil {
		off -= off % l.g.SectorSize
		err = l.checkSectors(off, sectors)
	}
	if err == nil {
		err = l.indirect()
	}
	if err == nil {
		err = l.dev.Erase(off, sectors*l.g.SectorSize)
	}
	return l.status("erase", err)
}

func (l *Loader) checkSectors(off, sectors uint32) error {
	if uint64(off)+uint64(sectors)*uint64(l.g.SectorSize) > uint64(l.g.Size) {
		return fmt.Errorf("%w: %d sectors from 0x%X", qspiflash.ErrInvalid, sectors, off)
	}
	return nil
}

// EraseRange erases the sectors from the one containing start through the
// one containing end, both absolute addresses.
func (l *Loader) EraseRange(start, end uint32) Status {
	first, err := l.offset(start, 1)
	if err != nil {
		return l.status("erase range", err)
	}
	last, err := l.offset(end, 1)
	if err != nil {
		return l.status("erase range", err)
	}
	if last < first {
		return l.status("erase range", fmt.Errorf("%w: end 0x%08X before start 0x%08X", qspiflash.ErrInvalid, end, start))
	}
	return l.Erase(start, last/l.g.SectorSize-first/l.g.SectorSize+1)
}

func (l *Loader) EraseChip() Status {
	err := l.indirect()
	if err == nil {
		err = l.dev.EraseChip()
	}
	return l.status("erase chip", err)
}

// ProgramPage programs at most one page, not crossing its boundary.
func (l *Loader) ProgramPage(addr uint32, src []byte) Status {
	off, err := l.offset(addr, uint32(len(src)))
	if err == nil {
		err = l.indirect()
	}
	if err == nil {
		err = l.dev.ProgramPage(off, src)
	}
	return l.status("program page", err)
}

// Program programs src at addr whatever its alignment and length.
func (l *Loader) Program(addr uint32, src []byte) Status {
	off, err := l.offset(addr, uint32(len(src)))
	if err == nil {
		err = l.indirect()
	}
	if err == nil {
		err = l.dev.Write(off, src)
	}
	return l.status("program", err)
}

func (l *Loader) Read(addr uint32, dst []byte) Status {
	off, err := l.offset(addr, uint32(len(dst)))
	if err == nil {
		err = l.indirect()
	}
	if err == nil {
		err = l.dev.Read(off, dst)
	}
	return l.status("read", err)
}

// Verify compares flash with src. matched is the number of leading bytes
// that compared equal; it equals len(src) only with OK.
func (l *Loader) Verify(addr uint32, src []byte) (matched uint32, s Status) {
	off, err := l.offset(addr, uint32(len(src)))
	if err == nil {
		err = l.indirect()
	}
	if err != nil {
		return 0, l.status("verify", err)
	}
	n, err := l.dev.Verify(off, src)
	return uint32(n), l.status("verify", err)
}

func (l *Loader) BlankCheck(addr, n uint32, pattern byte) Status {
	off, err := l.offset(addr, n)
	if err == nil {
		err = l.indirect()
	}
	if err == nil {
		err = l.dev.BlankCheck(off, n, pattern)
	}
	return l.status("blank check", err)
}

// Checksum adds every byte of [addr, addr+n) to init, modulo 2^32.
func (l *Loader) Checksum(addr, n, init uint32) (uint32, Status) {
	off, err := l.offset(addr, n)
	if err == nil {
		err = l.indirect()
	}
	if err != nil {
		return init, l.status("checksum", err)
	}
	sum := init
	buf := make([]byte, l.g.PageSize)
	for done := uint32(0); done < n; {
		c := min(n-done, l.g.PageSize)
		if err := l.dev.Read(off+done, buf[:c]); err != nil {
			return sum, l.status("checksum", err)
		}
		for _, b := range buf[:c] {
			sum += uint32(b)
		}
		done += c
	}
	return sum, OK
}

// SectorRun is a run of equally sized sectors.
type SectorRun struct {
	Count uint32
	Size  uint32
}

// Descriptor describes the device to the flashing tool.
type Descriptor struct {
	Name           string
	Base           uint32
	Size           uint32
	PageSize       uint32
	ErasedValue    byte
	ProgramTimeout time.Duration
	EraseTimeout   time.Duration
	Sectors        []SectorRun
}

func (l *Loader) Descriptor() Descriptor {
	return Descriptor{
		Name:           l.g.Name,
		Base:           l.base,
		Size:           l.g.Size,
		PageSize:       l.g.PageSize,
		ErasedValue:    0xFF,
		ProgramTimeout: l.g.Timing.PageProgram,
		EraseTimeout:   l.g.Timing.SectorErase,
		Sectors:        []SectorRun{{Count: l.g.Sectors(), Size: l.g.SectorSize}},
	}
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s @0x%08X: 0x%X bytes, page 0x%X, %d x 0x%X sectors",
		d.Name, d.Base, d.Size, d.PageSize, d.Sectors[0].Count, d.Sectors[0].Size)
}
