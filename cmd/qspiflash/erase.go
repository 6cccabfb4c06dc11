package main

import "flag"

func eraseCommand(args []string) {
	fs := flag.NewFlagSet("erase", flag.ExitOnError)
	var (
		addr addrFlag
		n    addrFlag
		chip bool
	)
	fs.Var(&addr, "a", "flash offset of the first byte to erase")
	fs.Var(&n, "n", "number of bytes to erase, rounded out to sectors")
	fs.BoolVar(&chip, "chip", false, "erase the whole chip")
	fs.Parse(args)

	if !chip && n == 0 {
		fatalUsage("-n or -chip is required")
	}

	s := open()
	defer s.close()

	if chip {
		if err := s.flash.EraseChip(); err != nil {
			s.fatalf("chip erase failed: %v", err)
		}
		return
	}
	if err := s.flash.Erase(uint32(addr), uint32(n)); err != nil {
		s.fatalf("erase failed: %v", err)
	}
}
