package qspi

import (
	"sync/atomic"
	"unsafe"
)

// Reg is the byte offset of a QUADSPI register from the peripheral base.
//
// [RM0433|23.5 QUADSPI registers]
type Reg uintptr

const (
	CR    Reg = 0x00 // control
	DCR   Reg = 0x04 // device configuration
	SR    Reg = 0x08 // status
	FCR   Reg = 0x0C // flag clear
	DLR   Reg = 0x10 // data length
	CCR   Reg = 0x14 // communication configuration
	AR    Reg = 0x18 // address
	ABR   Reg = 0x1C // alternate bytes
	DR    Reg = 0x20 // data
	PSMKR Reg = 0x24 // polling status mask
	PSMAR Reg = 0x28 // polling status match
	PIR   Reg = 0x2C // polling interval
	LPTR  Reg = 0x30 // low-power timeout
)

// CR bits.
const (
	CR_EN            = 1 << 0
	CR_ABORT         = 1 << 1
	CR_DMAEN         = 1 << 2
	CR_TCEN          = 1 << 3
	CR_SSHIFT        = 1 << 4
	CR_DFM           = 1 << 6
	CR_FSEL          = 1 << 7
	CR_FTHRES_Pos    = 8
	CR_FTHRES_Msk    = 0x1F << CR_FTHRES_Pos
	CR_TEIE          = 1 << 16
	CR_TCIE          = 1 << 17
	CR_FTIE          = 1 << 18
	CR_SMIE          = 1 << 19
	CR_TOIE          = 1 << 20
	CR_APMS          = 1 << 22
	CR_PMM           = 1 << 23
	CR_PRESCALER_Pos = 24
	CR_PRESCALER_Msk = 0xFF << CR_PRESCALER_Pos
)

// DCR bits.
const (
	DCR_CKMODE    = 1 << 0
	DCR_CSHT_Pos  = 8
	DCR_CSHT_Msk  = 0x7 << DCR_CSHT_Pos
	DCR_FSIZE_Pos = 16
	DCR_FSIZE_Msk = 0x1F << DCR_FSIZE_Pos
)

// SR bits.
const (
	SR_TEF        = 1 << 0 // transfer error
	SR_TCF        = 1 << 1 // transfer complete
	SR_FTF        = 1 << 2 // FIFO threshold
	SR_SMF        = 1 << 3 // status match
	SR_TOF        = 1 << 4 // timeout
	SR_BUSY       = 1 << 5
	SR_FLEVEL_Pos = 8
	SR_FLEVEL_Msk = 0x3F << SR_FLEVEL_Pos
)

// FCR bits, write 1 to clear the matching SR flag.
const (
	FCR_CTEF = 1 << 0
	FCR_CTCF = 1 << 1
	FCR_CSMF = 1 << 3
	FCR_CTOF = 1 << 4
)

// CCR fields.
const (
	CCR_INSTRUCTION_Pos = 0
	CCR_INSTRUCTION_Msk = 0xFF << CCR_INSTRUCTION_Pos
	CCR_IMODE_Pos       = 8
	CCR_IMODE_Msk       = 0x3 << CCR_IMODE_Pos
	CCR_ADMODE_Pos      = 10
	CCR_ADMODE_Msk      = 0x3 << CCR_ADMODE_Pos
	CCR_ADSIZE_Pos      = 12
	CCR_ADSIZE_Msk      = 0x3 << CCR_ADSIZE_Pos
	CCR_ABMODE_Pos      = 14
	CCR_ABMODE_Msk      = 0x3 << CCR_ABMODE_Pos
	CCR_ABSIZE_Pos      = 16
	CCR_ABSIZE_Msk      = 0x3 << CCR_ABSIZE_Pos
	CCR_DCYC_Pos        = 18
	CCR_DCYC_Msk        = 0x1F << CCR_DCYC_Pos
	CCR_DMODE_Pos       = 24
	CCR_DMODE_Msk       = 0x3 << CCR_DMODE_Pos
	CCR_FMODE_Pos       = 26
	CCR_FMODE_Msk       = 0x3 << CCR_FMODE_Pos
	CCR_SIOO            = 1 << 28
	CCR_DHHC            = 1 << 30
	CCR_DDRM            = 1 << 31
)

// Regs is the register file of one QUADSPI controller.
//
// DR is the only register accessed bytewise: a byte load pops one byte from
// the FIFO and a byte store pushes one.
type Regs interface {
	Load(r Reg) uint32
	Store(r Reg, v uint32)
	LoadByte(r Reg) uint8
	StoreByte(r Reg, v uint8)
}

// MMIO returns the register file of the controller mapped at base, for use
// on the target itself.
func MMIO(base uintptr) Regs {
	return mmio(base)
}

type mmio uintptr

// addr is a device register address, never memory owned by the Go heap.
func (m mmio) addr(r Reg) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(uintptr(m)), r)
}

func (m mmio) Load(r Reg) uint32 {
	return atomic.LoadUint32((*uint32)(m.addr(r)))
}

func (m mmio) Store(r Reg, v uint32) {
	atomic.StoreUint32((*uint32)(m.addr(r)), v)
}

// sync/atomic has no 8-bit accessors; the pragma keeps the access in place.
//
//go:noinline
func (m mmio) LoadByte(r Reg) uint8 {
	return *(*uint8)(m.addr(r))
}

//go:noinline
func (m mmio) StoreByte(r Reg, v uint8) {
	*(*uint8)(m.addr(r)) = v
}
