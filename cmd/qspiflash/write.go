package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gentam/qspiflash"
	"github.com/gentam/qspiflash/loader"
)

type writeOptions struct {
	erase     bool // erase the sectors data covers
	bulkErase bool
	verify    bool
}

func writeCommand(args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	var (
		filename string
		addr     addrFlag
		opts     writeOptions
	)
	fs.StringVar(&filename, "f", "", "input file")
	fs.Var(&addr, "a", "flash offset to write to")
	fs.BoolVar(&opts.erase, "e", true, "erase the sectors the file covers first")
	fs.BoolVar(&opts.bulkErase, "E", false, "bulk erase entire flash first")
	fs.BoolVar(&opts.verify, "verify", true, "read back and compare")
	fs.Parse(args)

	if filename == "" && !opts.bulkErase {
		fatalUsage("input file is required")
	}

	var data []byte
	if filename != "" {
		var err error
		if data, err = os.ReadFile(filename); err != nil {
			fatalf("failed to open file: %v", err)
		}
	}

	s := open()
	defer s.close()

	// offsets are passed as absolute addresses with a zero base
	ld := loader.New(s.flash, 0, loader.WithLogger(logger))
	sum, err := writeImage(ld, s.flash.Geometry(), uint32(addr), data, opts)
	if err != nil {
		s.fatalf("%v", err)
	}
	if len(data) > 0 {
		logger.Info("written", "bytes", len(data), "addr", addr.String(), "verified", opts.verify, "checksum", sum)
	}
}

// writeImage erases what opts ask for, programs data at addr and returns the
// byte sum read back from the written range.
func writeImage(ld *loader.Loader, g qspiflash.Geometry, addr uint32, data []byte, opts writeOptions) (uint32, error) {
	switch {
	case opts.bulkErase:
		if st := ld.EraseChip(); st != loader.OK {
			return 0, fmt.Errorf("bulk erase flash failed: %v", st)
		}
	case opts.erase && len(data) > 0:
		first := addr / g.SectorSize
		last := (addr + uint32(len(data)) - 1) / g.SectorSize
		if st := ld.Erase(addr, last-first+1); st != loader.OK {
			return 0, fmt.Errorf("erase flash failed: %v", st)
		}
	}
	if len(data) == 0 {
		return 0, nil
	}

	if st := ld.Program(addr, data); st != loader.OK {
		return 0, fmt.Errorf("write flash failed: %v", st)
	}
	if opts.verify {
		if n, st := ld.Verify(addr, data); st != loader.OK {
			return 0, fmt.Errorf("verify failed after 0x%X bytes: %v", n, st)
		}
	}
	sum, st := ld.Checksum(addr, uint32(len(data)), 0)
	if st != loader.OK {
		return 0, fmt.Errorf("checksum failed: %v", st)
	}
	return sum, nil
}
