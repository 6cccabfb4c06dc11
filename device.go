package qspiflash

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/gentam/qspiflash/qspi"
	"github.com/gentam/qspiflash/qspi/emu"
)

// Bridge is a flash chip wired to the MPSSE port of an FT2232H. Only IO0 and
// IO1 are connected, so every phase runs on one line.
type Bridge struct {
	FTDI *ftdi.FT232H
	Regs *emu.Controller

	cs    gpio.PinIO // ADBUS4 Chip Select
	reset gpio.PinIO // ADBUS7 target Reset

	clock physic.Frequency
	conn  spi.Conn
}

var hostInitialized atomic.Bool

// OpenFTDI finds an FT2232H and opens its MPSSE/SPI connection.
func OpenFTDI() (*Bridge, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	b := &Bridge{
		clock: 30 * physic.MegaHertz, // [FTDI-AN_135|3.2.1 Divisors]
	}
	if err := b.findFT2232H(); err != nil {
		return nil, err
	}

	// ADBUS0 | SCK
	// ADBUS1 | IO0 (MOSI)
	// ADBUS2 | IO1 (MISO)
	// ADBUS4 | /CS
	// ADBUS7 | target reset, holds the MCU off the flash bus
	b.cs = b.FTDI.D4
	b.reset = b.FTDI.D7

	if err := b.connectSPI(); err != nil {
		return nil, err
	}
	b.Regs = emu.New(b.conn, b.cs, emu.WithMaxLines(1))
	return b, nil
}

// ResetTarget asserts (low) or deasserts (high) the reset line of the board
// that normally owns the flash.
func (b *Bridge) ResetTarget(l gpio.Level) error {
	return b.reset.Out(l)
}

// Flash returns a Flash for g on the bridge, using SingleCommands whatever
// g's own command table is.
func (b *Bridge) Flash(g Geometry, opts ...Option) (*Flash, error) {
	g.Commands = SingleCommands
	c := qspi.New(b.Regs)
	if err := c.Init(g.ControllerConfig(b.clock)); err != nil {
		return nil, err
	}
	return NewFlash(c, g, opts...)
}

func (b *Bridge) String() string {
	return fmt.Sprintf("%s@%s", b.FTDI, b.clock)
}

func (b *Bridge) findFT2232H() error {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			b.FTDI = ft
			return nil
		}
	}

	return errors.New("FT2232H not found")
}

func (b *Bridge) connectSPI() (err error) {
	port, err := b.FTDI.SPI()
	if err != nil {
		return fmt.Errorf("failed to get SPI port: %w", err)
	}

	// [FTDI-AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// [W25Q64JV|6.1.1 Standard SPI Instructions] mode 0 and mode 3 are supported
	b.conn, err = port.Connect(b.clock, spi.Mode0, 8)
	return err
}
