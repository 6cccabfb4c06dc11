package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

var (
	simImage = flag.String("sim", "", "use a simulated chip backed by this image file instead of the FT2232H")
	chipName = flag.String("chip", "W25Q64JV", "flash variant when it cannot be identified")
	verbose  = flag.Bool("v", false, "log debug messages")

	logger *slog.Logger

	exit = os.Exit
)

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	exit(1)
}

func fatalUsage(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	exit(2)
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
	qspiflash [-sim image.bin] [-chip name] [-v] <command> [arguments]

Commands:
	info	 print bridge and flash information
	read	 read flash memory
	write	 write flash memory
	erase	 erase sectors or the whole chip
	verify	 compare flash memory with a file
	blank	 check that a range is erased
`)
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "info":
		infoCommand(args)
	case "read":
		readCommand(args)
	case "write":
		writeCommand(args)
	case "erase":
		eraseCommand(args)
	case "verify":
		verifyCommand(args)
	case "blank":
		blankCommand(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %q\n", cmd)
		usage()
	}
}

// addrFlag accepts decimal, 0x hex and 0 octal.
type addrFlag uint32

func (a *addrFlag) String() string { return fmt.Sprintf("0x%X", uint32(*a)) }

func (a *addrFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return err
	}
	*a = addrFlag(v)
	return nil
}
