package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"periph.io/x/conn/v3/gpio"

	"github.com/gentam/qspiflash"
	"github.com/gentam/qspiflash/qspi"
	"github.com/gentam/qspiflash/qspi/emu"
	"github.com/gentam/qspiflash/w25qsim"
)

// session is an opened flash with whatever must happen when the command ends.
type session struct {
	flash  *qspiflash.Flash
	bridge *qspiflash.Bridge // nil for the simulator
	close  func() error
}

// fatalf ends the session, releasing the target, before exiting.
func (s *session) fatalf(format string, a ...any) {
	if err := s.close(); err != nil {
		logger.Error("close failed", "err", err)
	}
	fatalf(format, a...)
}

func geometry() qspiflash.Geometry {
	g, ok := qspiflash.LookupName(*chipName)
	if !ok {
		fatalUsage("unknown chip %q", *chipName)
	}
	return g
}

// open connects to the flash selected on the command line and initializes it.
func open() *session {
	var s *session
	var err error
	if *simImage != "" {
		s, err = openSim(*simImage, geometry())
	} else {
		s, err = openFTDI()
	}
	if err != nil {
		fatalf("%v", err)
	}
	if err := s.flash.Init(); err != nil {
		s.fatalf("flash init failed: %v", err)
	}
	return s
}

func openFTDI() (*session, error) {
	b, err := qspiflash.OpenFTDI()
	if err != nil {
		return nil, err
	}
	// keep the target MCU off the flash bus
	if err := b.ResetTarget(gpio.Low); err != nil {
		return nil, fmt.Errorf("failed to hold target reset: %w", err)
	}
	release := func() error { return b.ResetTarget(gpio.High) }

	// identify with whatever geometry, then reopen with the right one
	f, err := b.Flash(geometry(), qspiflash.WithLogger(logger))
	if err != nil {
		release()
		return nil, err
	}
	id, err := f.ReadID()
	if err != nil {
		release()
		return nil, fmt.Errorf("read flash ID failed: %w", err)
	}
	if g, ok := qspiflash.LookupID(id); ok {
		if f, err = b.Flash(g, qspiflash.WithLogger(logger)); err != nil {
			release()
			return nil, err
		}
	} else {
		logger.Warn("unknown flash ID, using -chip", "id", fmt.Sprintf("%X", id), "chip", *chipName)
	}
	return &session{flash: f, bridge: b, close: release}, nil
}

// openSim runs the real controller code against a chip model whose array is
// loaded from, and saved back to, path.
func openSim(path string, g qspiflash.Geometry) (*session, error) {
	chip := w25qsim.New(g.Name, g.Size, g.PageSize, w25qsim.WithID(g.ID), w25qsim.WithBusyPolls(2))
	switch img, err := os.Open(path); {
	case errors.Is(err, fs.ErrNotExist):
		logger.Debug("new image", "path", path)
	case err != nil:
		return nil, err
	default:
		err = chip.Load(img)
		img.Close()
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	regs := emu.New(chip, nil)
	c := qspi.New(regs)
	if err := c.Init(g.ControllerConfig(g.MaxClock)); err != nil {
		return nil, err
	}
	f, err := qspiflash.NewFlash(c, g, qspiflash.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	save := func() error {
		out, err := os.Create(path)
		if err != nil {
			return err
		}
		if err := chip.Save(out); err != nil {
			out.Close()
			return err
		}
		logger.Debug("image saved", "path", path, "frames", regs.Frames())
		return out.Close()
	}
	return &session{flash: f, close: save}, nil
}
