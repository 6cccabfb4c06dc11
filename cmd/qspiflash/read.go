package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
)

func readCommand(args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	var (
		addr       addrFlag
		nread      int
		idOnly     bool
		statusOnly bool
		outFile    string
	)
	fs.Var(&addr, "a", "flash offset to read from")
	fs.IntVar(&nread, "n", 256, "number of bytes to read (0: to the end)")
	fs.BoolVar(&idOnly, "id", false, "just print flash ID")
	fs.BoolVar(&statusOnly, "s", false, "just print flash status register")
	fs.StringVar(&outFile, "o", "", "output file (default: hexdump)")
	fs.Parse(args)

	s := open()
	defer s.close()

	if statusOnly {
		sr, err := s.flash.ReadStatus()
		if err != nil {
			s.fatalf("read flash status register failed: %v", err)
		}
		fmt.Println(sr)
		return
	}
	if idOnly {
		id, err := s.flash.ReadID()
		if err != nil {
			s.fatalf("read flash ID failed: %v", err)
		}
		fmt.Printf("%X\t%s\n", id, s.flash.Geometry().Name)
		return
	}

	size := s.flash.Geometry().Size
	if uint32(addr) >= size {
		s.close()
		fatalUsage("address %s beyond flash size 0x%X", &addr, size)
	}
	if nread <= 0 || uint64(addr)+uint64(nread) > uint64(size) {
		nread = int(size - uint32(addr))
	}
	data := make([]byte, nread)
	if err := s.flash.Read(uint32(addr), data); err != nil {
		s.fatalf("read flash failed: %v", err)
	}
	if outFile == "" {
		fmt.Println(hex.Dump(data))
		return
	}
	if err := os.WriteFile(outFile, data, 0644); err != nil {
		s.fatalf("write file failed: %v", err)
	}
}
