package qspiflash

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/gentam/qspiflash/qspi"
)

// Geometry is everything the command layer needs to know about one chip
// variant. Size is a multiple of SectorSize, which is a multiple of PageSize.
type Geometry struct {
	Name       string
	ID         [3]byte // JEDEC manufacturer, memory type, capacity
	Size       uint32
	PageSize   uint32
	SectorSize uint32
	MaxClock   physic.Frequency
	Commands   Commands
	Timing     Timing
}

// Commands is the opcode table of a chip plus the bus width the program and
// read instructions use.
type Commands struct {
	WriteEnable  uint8
	ReadStatus   uint8
	ReadConfig   uint8
	WriteConfig  uint8
	SectorErase  uint8
	ChipErase    uint8
	ResetEnable  uint8
	ResetExecute uint8
	ReadID       uint8

	Program      uint8
	ProgramLines qspi.LineMode // data phase; instruction and address are 1-line

	Read          uint8
	ReadLines     qspi.LineMode // address, alternate and data phases
	ReadAlternate uint8         // mode byte sent when ReadLines has one
	ReadMode      bool          // send ReadAlternate after the address
	ReadDummy     uint8         // cycles
}

// Timing is the worst case duration of the slow operations, from the
// datasheet AC characteristics. It bounds the busy polls.
type Timing struct {
	PageProgram time.Duration // tPP
	SectorErase time.Duration // tBE2, 64KB block
	ChipErase   time.Duration // tCE
	Reset       time.Duration // tRST
	WriteStatus time.Duration // tW
}

// [W25Q64JV|8.1.2 Instruction Set Table 1]
const (
	flashCmdWriteEnable         = 0x06
	flashCmdReadStatusRegister  = 0x05
	flashCmdReadConfigRegister  = 0x35 // Status Register-2
	flashCmdWriteConfigRegister = 0x31
	flashCmdErase64KB           = 0xD8 // Block Erase (64KB)
	flashCmdEraseChip           = 0xC7
	flashCmdResetEnable         = 0x66
	flashCmdReset               = 0x99
	flashCmdReadID              = 0x9F
	flashCmdPageProgram         = 0x02
	flashCmdQuadPageProgram     = 0x32
	flashCmdFastRead            = 0x0B
	flashCmdFastReadQuadIO      = 0xEB
)

// QuadCommands programs with Quad Input Page Program and reads with Fast
// Read Quad I/O. The 0xF0 mode byte keeps the chip out of continuous read
// mode, which then needs four dummy clocks.
var QuadCommands = Commands{
	WriteEnable:  flashCmdWriteEnable,
	ReadStatus:   flashCmdReadStatusRegister,
	ReadConfig:   flashCmdReadConfigRegister,
	WriteConfig:  flashCmdWriteConfigRegister,
	SectorErase:  flashCmdErase64KB,
	ChipErase:    flashCmdEraseChip,
	ResetEnable:  flashCmdResetEnable,
	ResetExecute: flashCmdReset,
	ReadID:       flashCmdReadID,

	Program:      flashCmdQuadPageProgram,
	ProgramLines: qspi.Quad,

	Read:          flashCmdFastReadQuadIO,
	ReadLines:     qspi.Quad,
	ReadAlternate: 0xF0,
	ReadMode:      true,
	ReadDummy:     4,
}

// SingleCommands keeps every phase on one line, for links that only wire
// IO0 and IO1 such as a USB SPI bridge.
var SingleCommands = Commands{
	WriteEnable:  flashCmdWriteEnable,
	ReadStatus:   flashCmdReadStatusRegister,
	ReadConfig:   flashCmdReadConfigRegister,
	WriteConfig:  flashCmdWriteConfigRegister,
	SectorErase:  flashCmdErase64KB,
	ChipErase:    flashCmdEraseChip,
	ResetEnable:  flashCmdResetEnable,
	ResetExecute: flashCmdReset,
	ReadID:       flashCmdReadID,

	Program:      flashCmdPageProgram,
	ProgramLines: qspi.Single,

	Read:      flashCmdFastRead,
	ReadLines: qspi.Single,
	ReadDummy: 8,
}

func w25qxjv(name string, id [3]byte, size uint32, tCE time.Duration) Geometry {
	return Geometry{
		Name:       name,
		ID:         id,
		Size:       size,
		PageSize:   0x100,
		SectorSize: 0x10000,
		MaxClock:   120 * physic.MegaHertz,
		Commands:   QuadCommands,
		// [W25Q64JV|9.6 AC Electrical Characteristics]
		Timing: Timing{
			PageProgram: 3 * time.Millisecond,
			SectorErase: 2000 * time.Millisecond,
			ChipErase:   tCE,
			Reset:       30 * time.Microsecond,
			WriteStatus: 15 * time.Millisecond,
		},
	}
}

var (
	W25Q16JV = w25qxjv("Winbond W25Q16JV", [3]byte{0xEF, 0x40, 0x15}, 0x200000, 25*time.Second)
	W25Q32JV = w25qxjv("Winbond W25Q32JV", [3]byte{0xEF, 0x40, 0x16}, 0x400000, 50*time.Second)
	W25Q64JV = w25qxjv("Winbond W25Q64JV", [3]byte{0xEF, 0x40, 0x17}, 0x800000, 100*time.Second)
)

var knownFlash = map[[3]byte]Geometry{
	W25Q16JV.ID: W25Q16JV,
	W25Q32JV.ID: W25Q32JV,
	W25Q64JV.ID: W25Q64JV,
}

// LookupID returns the variant with the given JEDEC ID.
func LookupID(id [3]byte) (Geometry, bool) {
	g, ok := knownFlash[id]
	return g, ok
}

// LookupName returns the variant whose name ends in name, e.g. "W25Q64JV".
func LookupName(name string) (Geometry, bool) {
	for _, g := range knownFlash {
		if len(g.Name) >= len(name) && g.Name[len(g.Name)-len(name):] == name {
			return g, true
		}
	}
	return Geometry{}, false
}

// Validate checks the size invariants and that every address fits the 24-bit
// address phase.
func (g *Geometry) Validate() error {
	switch {
	case g.Size == 0 || g.PageSize == 0 || g.SectorSize == 0:
		return fmt.Errorf("%w: %s: zero size", ErrInvalid, g.Name)
	case g.PageSize&(g.PageSize-1) != 0:
		return fmt.Errorf("%w: %s: page size 0x%X is not a power of two", ErrInvalid, g.Name, g.PageSize)
	case g.SectorSize%g.PageSize != 0:
		return fmt.Errorf("%w: %s: sector size 0x%X is not a multiple of page size 0x%X", ErrInvalid, g.Name, g.SectorSize, g.PageSize)
	case g.Size%g.SectorSize != 0:
		return fmt.Errorf("%w: %s: size 0x%X is not a multiple of sector size 0x%X", ErrInvalid, g.Name, g.Size, g.SectorSize)
	case g.Size > 1<<24:
		return fmt.Errorf("%w: %s: size 0x%X needs 4-byte addressing", ErrInvalid, g.Name, g.Size)
	}
	return nil
}

// Sectors returns the number of erase sectors.
func (g *Geometry) Sectors() uint32 { return g.Size / g.SectorSize }

// ControllerConfig returns the controller setup for this chip when the
// controller runs from kernel.
func (g *Geometry) ControllerConfig(kernel physic.Frequency) qspi.Config {
	return qspi.Config{
		Prescaler:     qspi.Prescaler(kernel, g.MaxClock),
		FIFOThreshold: 4,
		FlashSize:     qspi.FlashSize(g.Size),
	}
}
