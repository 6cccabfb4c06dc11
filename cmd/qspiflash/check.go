package main

import (
	"errors"
	"flag"
	"os"

	"github.com/gentam/qspiflash"
)

func blankCommand(args []string) {
	fs := flag.NewFlagSet("blank", flag.ExitOnError)
	var (
		addr    addrFlag
		n       addrFlag
		pattern addrFlag = 0xFF
	)
	fs.Var(&addr, "a", "flash offset of the first byte to check")
	fs.Var(&n, "n", "number of bytes to check (0: to the end)")
	fs.Var(&pattern, "p", "expected byte")
	fs.Parse(args)

	s := open()
	defer s.close()

	size := s.flash.Geometry().Size
	if n == 0 && uint32(addr) < size {
		n = addrFlag(size - uint32(addr))
	}
	if err := s.flash.BlankCheck(uint32(addr), uint32(n), byte(pattern)); err != nil {
		s.fatalf("%v", err)
	}
}

func verifyCommand(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	var (
		filename string
		addr     addrFlag
	)
	fs.StringVar(&filename, "f", "", "file to compare with")
	fs.Var(&addr, "a", "flash offset of the file")
	fs.Parse(args)

	if filename == "" {
		fatalUsage("input file is required")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		fatalf("failed to open file: %v", err)
	}

	s := open()
	defer s.close()

	if _, err := s.flash.Verify(uint32(addr), data); err != nil {
		var mismatch *qspiflash.MismatchError
		if errors.As(err, &mismatch) {
			logger.Error("mismatch", "addr", uint32(addr)+uint32(mismatch.Offset), "got", mismatch.Got, "want", mismatch.Want)
		}
		s.fatalf("verify failed: %v", err)
	}
}
