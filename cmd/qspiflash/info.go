package main

import (
	"flag"
	"fmt"

	"periph.io/x/host/v3/ftdi"

	"github.com/gentam/qspiflash/loader"
)

func infoCommand(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	var base addrFlag = 0x90000000
	fs.Var(&base, "base", "base address of the memory-mapped window")
	fs.Parse(args)

	s := open()
	defer s.close()

	if s.bridge != nil {
		if err := printBridge(s.bridge.FTDI); err != nil {
			s.fatalf("%v", err)
		}
	}

	id, err := s.flash.ReadID()
	if err != nil {
		s.fatalf("read flash ID failed: %v", err)
	}
	sr, err := s.flash.ReadStatus()
	if err != nil {
		s.fatalf("read flash status register failed: %v", err)
	}
	cr, err := s.flash.ReadConfig()
	if err != nil {
		s.fatalf("read flash config register failed: %v", err)
	}
	fmt.Printf("Flash ID:        %X\n", id)
	fmt.Printf("Status:          %s\n", sr)
	fmt.Printf("Config:          %s\n", cr)
	fmt.Printf("Loader:          %s\n", loader.New(s.flash, uint32(base)).Descriptor())
}

func printBridge(ft *ftdi.FT232H) error {
	// Reference: https://github.com/periph/cmd/tree/main/ftdi-list
	i := ftdi.Info{}
	ft.Info(&i)
	fmt.Printf("Type:            %s\n", i.Type)
	fmt.Printf("Vendor ID:       %#04x\n", i.VenID)
	fmt.Printf("Device ID:       %#04x\n", i.DevID)

	ee := ftdi.EEPROM{}
	if err := ft.EEPROM(&ee); err != nil {
		return fmt.Errorf("failed to read EEPROM: %w", err)
	}
	fmt.Printf("Manufacturer:    %s\n", ee.Manufacturer)
	fmt.Printf("Desc:            %s\n", ee.Desc)
	fmt.Printf("Serial:          %s\n", ee.Serial)

	for _, p := range ft.Header() {
		fmt.Printf("%s: %s\n", p, p.Function())
	}
	return nil
}
