package qspiflash

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/gentam/qspiflash/qspi"
	"github.com/gentam/qspiflash/qspi/emu"
	"github.com/gentam/qspiflash/w25qsim"
)

// recorder passes frames through and remembers the program and erase ones.
type recorder struct {
	Engine
	programs [][2]uint32 // address, length
	erases   []uint32
}

func (r *recorder) Write(t *qspi.Transaction) error {
	switch t.Header.Instruction.Opcode {
	case flashCmdQuadPageProgram, flashCmdPageProgram:
		r.programs = append(r.programs, [2]uint32{t.Header.Address.Value, uint32(len(t.Data))})
	case flashCmdErase64KB:
		r.erases = append(r.erases, t.Header.Address.Value)
	}
	return r.Engine.Write(t)
}

type sim struct {
	*Flash
	chip *w25qsim.Chip
	regs *emu.Controller
	ctl  *qspi.Controller
	rec  *recorder
}

func newSim(t *testing.T, g Geometry, chipOpts []w25qsim.Option, emuOpts ...emu.Option) *sim {
	t.Helper()
	chip := w25qsim.New(g.Name, g.Size, g.PageSize, append([]w25qsim.Option{w25qsim.WithID(g.ID)}, chipOpts...)...)
	regs := emu.New(chip, nil, emuOpts...)
	ctl := qspi.New(regs)
	if err := ctl.Init(g.ControllerConfig(g.MaxClock)); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{Engine: ctl}
	f, err := NewFlash(rec, g)
	if err != nil {
		t.Fatal(err)
	}
	return &sim{Flash: f, chip: chip, regs: regs, ctl: ctl, rec: rec}
}

// initSim returns an initialized W25Q16JV whose instruction log is empty.
func initSim(t *testing.T, chipOpts ...w25qsim.Option) *sim {
	t.Helper()
	s := newSim(t, W25Q16JV, chipOpts)
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	s.chip.ResetLog()
	return s
}

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)*7 + seed
	}
	return p
}

func TestNewFlash(t *testing.T) {
	if _, err := NewFlash(nil, W25Q64JV); !errors.Is(err, ErrInvalid) {
		t.Errorf("nil engine: err = %v", err)
	}
	g := W25Q64JV
	g.SectorSize = 0x180
	if _, err := NewFlash(qspi.New(emu.New(w25qsim.New("x", 1, 1), nil)), g); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad geometry: err = %v", err)
	}
}

func TestInit(t *testing.T) {
	tests := []struct {
		name string
		opts []w25qsim.Option
		log  []byte
	}{
		{
			name: "sets QE",
			log:  []byte{0x66, 0x99, 0x05, 0x35, 0x06, 0x05, 0x31, 0x05},
		},
		{
			name: "QE already set",
			opts: []w25qsim.Option{w25qsim.WithQuadEnabled(true)},
			log:  []byte{0x66, 0x99, 0x05, 0x35},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSim(t, W25Q16JV, tt.opts)
			if err := s.Init(); err != nil {
				t.Fatal(err)
			}
			if !s.chip.QuadEnabled() {
				t.Error("QE not set")
			}
			if got := s.chip.Log(); !bytes.Equal(got, tt.log) {
				t.Errorf("instructions = % X, want % X", got, tt.log)
			}
			cr, err := s.ReadConfig()
			if err != nil {
				t.Fatal(err)
			}
			if !cr.QuadEnable() {
				t.Errorf("config = %s", cr)
			}
		})
	}
}

func TestInitWaitsForQuadEnable(t *testing.T) {
	s := newSim(t, W25Q16JV, []w25qsim.Option{w25qsim.WithBusyPolls(3)})
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if s.chip.Status()&w25qsim.StatusBusy != 0 {
		t.Error("Init returned with the chip busy")
	}
}

func TestInitFailure(t *testing.T) {
	s := newSim(t, W25Q16JV, nil)
	s.regs.Inject(qspi.AutoPoll, qspi.SR_TEF)
	err := s.Init()
	var initErr *InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("err = %v, want *InitError", err)
	}
	if initErr.Step != "wait reset" {
		t.Errorf("step = %q", initErr.Step)
	}
	if !errors.Is(err, ErrHardware) {
		t.Errorf("err = %v, want ErrHardware cause", err)
	}
}

func TestReadID(t *testing.T) {
	s := initSim(t)
	id, err := s.ReadID()
	if err != nil {
		t.Fatal(err)
	}
	g, ok := LookupID(id)
	if !ok || g.Name != W25Q16JV.Name {
		t.Errorf("ID %X: %q, %v", id, g.Name, ok)
	}
}

func TestRoundTrip(t *testing.T) {
	s := initSim(t)
	for _, tt := range []struct {
		addr uint32
		n    int
	}{
		{0x10000, 0x100},
		{0x10010, 0x80},
		{0x1FFFFF, 1},
		{0x0000F0, 0x10},
	} {
		if err := s.EraseSector(tt.addr); err != nil {
			t.Fatal(err)
		}
		src := pattern(tt.n, byte(tt.addr))
		if err := s.ProgramPage(tt.addr, src); err != nil {
			t.Fatalf("ProgramPage(%#x): %v", tt.addr, err)
		}
		dst := make([]byte, tt.n)
		if err := s.Read(tt.addr, dst); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(dst, src) {
			t.Errorf("at %#x: read % X, want % X", tt.addr, dst, src)
		}
	}
}

func TestBlankCheck(t *testing.T) {
	s := initSim(t)
	s.chip.Poke(0x20000, pattern(0x1000, 1))
	s.chip.Poke(0x2FFFF, []byte{0})
	if err := s.BlankCheck(0x20000, 0x10000, 0xFF); !errors.Is(err, ErrNotBlank) {
		t.Errorf("before erase: err = %v", err)
	}
	if err := s.EraseSector(0x2ABCD); err != nil {
		t.Fatal(err)
	}
	if err := s.BlankCheck(0x20000, 0x10000, 0xFF); err != nil {
		t.Errorf("after erase: %v", err)
	}
	if err := s.BlankCheck(0x20000, 0, 0x00); err != nil {
		t.Errorf("empty range: %v", err)
	}
	if got := s.rec.erases; len(got) != 1 || got[0] != 0x20000 {
		t.Errorf("erase addresses = %#x", got)
	}
}

func TestVerify(t *testing.T) {
	s := initSim(t)
	src := pattern(0x300, 3)
	if err := s.Write(0, src); err != nil {
		t.Fatal(err)
	}
	n, err := s.Verify(0, src)
	if err != nil || n != len(src) {
		t.Fatalf("Verify = %d, %v", n, err)
	}
	if n, err := s.Verify(0, nil); err != nil || n != 0 {
		t.Errorf("empty Verify = %d, %v", n, err)
	}

	for _, k := range []int{0, 0xFF, 0x100, 0x123, 0x2FF} {
		s.chip.Poke(uint32(k), []byte{^src[k]})
		n, err := s.Verify(0, src)
		var mismatch *MismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("k=%#x: err = %v", k, err)
		}
		if n != k || mismatch.Offset != k {
			t.Errorf("k=%#x: matched %d, offset %d", k, n, mismatch.Offset)
		}
		if mismatch.Got != ^src[k] || mismatch.Want != src[k] {
			t.Errorf("k=%#x: %v", k, mismatch)
		}
		s.chip.Poke(uint32(k), src[k:k+1])
	}
}

func TestWriteSplitsPages(t *testing.T) {
	tests := []struct {
		name  string
		addr  uint32
		n     int
		calls [][2]uint32
	}{
		{
			name:  "mid page start",
			addr:  0x0F0,
			n:     0x300,
			calls: [][2]uint32{{0x0F0, 0x10}, {0x100, 0x100}, {0x200, 0x100}, {0x300, 0xF0}},
		},
		{
			name:  "one byte before boundary",
			addr:  0x0FF,
			n:     0x101,
			calls: [][2]uint32{{0x0FF, 0x01}, {0x100, 0x100}},
		},
		{
			name:  "aligned",
			addr:  0x1000,
			n:     0x200,
			calls: [][2]uint32{{0x1000, 0x100}, {0x1100, 0x100}},
		},
		{
			name:  "short crossing",
			addr:  0x1F8,
			n:     0x10,
			calls: [][2]uint32{{0x1F8, 0x08}, {0x200, 0x08}},
		},
		{
			name:  "inside one page",
			addr:  0x2010,
			n:     0x20,
			calls: [][2]uint32{{0x2010, 0x20}},
		},
		{
			name: "empty",
			addr: 0x10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := initSim(t)
			src := pattern(tt.n, 9)
			if err := s.Write(tt.addr, src); err != nil {
				t.Fatal(err)
			}
			if len(s.rec.programs) != len(tt.calls) {
				t.Fatalf("program calls = %#x, want %#x", s.rec.programs, tt.calls)
			}
			for i := range tt.calls {
				if s.rec.programs[i] != tt.calls[i] {
					t.Errorf("call %d = %#x, want %#x", i, s.rec.programs[i], tt.calls[i])
				}
			}
			if got := s.chip.Peek(tt.addr, uint32(tt.n)); !bytes.Equal(got, src) {
				t.Error("flash content differs from source")
			}
		})
	}
}

func TestSplitPages(t *testing.T) {
	got := splitPages(0x0F0, 0x300, 0x100)
	want := []chunk{{0x0F0, 0, 0x10}, {0x100, 0x10, 0x100}, {0x200, 0x110, 0x100}, {0x300, 0x210, 0xF0}}
	if len(got) != len(want) {
		t.Fatalf("splitPages = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if got := splitPages(0x100, 0, 0x100); len(got) != 0 {
		t.Errorf("empty range: %v", got)
	}
}

func TestProgramPageRejects(t *testing.T) {
	s := initSim(t)
	tests := []struct {
		name string
		addr uint32
		n    int
	}{
		{"crosses page", 0x1F0, 0x20},
		{"larger than page", 0x100, 0x101},
		{"past end", W25Q16JV.Size - 0x10, 0x20},
		{"beyond size", W25Q16JV.Size, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ProgramPage(tt.addr, pattern(tt.n, 0))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
	if log := s.chip.Log(); len(log) != 0 {
		t.Errorf("instructions sent: % X", log)
	}
	if err := s.EraseSector(W25Q16JV.Size); !errors.Is(err, ErrInvalid) {
		t.Errorf("EraseSector beyond size: %v", err)
	}
	if err := s.Read(W25Q16JV.Size-1, make([]byte, 2)); !errors.Is(err, ErrInvalid) {
		t.Errorf("Read past end: %v", err)
	}
	if err := s.ProgramPage(0, nil); err != nil {
		t.Errorf("empty ProgramPage: %v", err)
	}
}

func TestWriteEnablePollFailure(t *testing.T) {
	tests := []struct {
		name string
		op   byte
		run  func(*sim) error
	}{
		{"program", flashCmdQuadPageProgram, func(s *sim) error { return s.ProgramPage(0, []byte{0}) }},
		{"sector erase", flashCmdErase64KB, func(s *sim) error { return s.EraseSector(0) }},
		{"chip erase", flashCmdEraseChip, func(s *sim) error { return s.EraseChip() }},
		{"write", flashCmdQuadPageProgram, func(s *sim) error { return s.Write(0x80, make([]byte, 0x200)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := initSim(t)
			s.regs.Inject(qspi.AutoPoll, qspi.SR_TEF)
			if err := tt.run(s); !errors.Is(err, ErrHardware) {
				t.Fatalf("err = %v, want ErrHardware", err)
			}
			log := s.chip.Log()
			if !bytes.Equal(log, []byte{flashCmdWriteEnable}) {
				t.Errorf("instructions = % X, want only write enable", log)
			}
			if bytes.IndexByte(log, tt.op) >= 0 {
				t.Errorf("%#x sent after failed WEL poll", tt.op)
			}
		})
	}
}

func TestBusyPollExhausted(t *testing.T) {
	s := initSim(t, w25qsim.WithBusyPolls(1<<30), w25qsim.WithQuadEnabled(true))
	err := s.ProgramPage(0, []byte{0x42})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if err := s.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if s.regs.Load(qspi.SR)&qspi.SR_BUSY != 0 {
		t.Error("controller busy after Abort")
	}
}

func TestErase(t *testing.T) {
	s := initSim(t)
	if err := s.Erase(0xFFF0, 0x20); err != nil {
		t.Fatal(err)
	}
	if err := s.Erase(0x40000, 0); err != nil {
		t.Fatal(err)
	}
	want := []uint32{0, 0x10000}
	if len(s.rec.erases) != len(want) || s.rec.erases[0] != want[0] || s.rec.erases[1] != want[1] {
		t.Errorf("erase addresses = %#x, want %#x", s.rec.erases, want)
	}
	if err := s.Erase(W25Q16JV.Size-0x10, 0x20); !errors.Is(err, ErrInvalid) {
		t.Errorf("past end: %v", err)
	}
}

func TestEraseChip(t *testing.T) {
	s := initSim(t, w25qsim.WithBusyPolls(5))
	s.chip.Poke(0x123456, []byte{0, 0})
	if err := s.EraseChip(); err != nil {
		t.Fatal(err)
	}
	if err := s.BlankCheck(0x123450, 0x10, 0xFF); err != nil {
		t.Error(err)
	}
}

func TestMemoryMap(t *testing.T) {
	s := initSim(t)
	src := pattern(0x40, 5)
	if err := s.Write(0x8000, src); err != nil {
		t.Fatal(err)
	}
	if err := s.MemoryMap(); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(src))
	if err := s.regs.ReadMapped(0x8000, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, src) {
		t.Errorf("mapped read = % X", got)
	}
	if err := s.Abort(); err != nil {
		t.Fatal(err)
	}
	if s.regs.Mapped() {
		t.Error("still mapped")
	}
}

func TestSingleLineBridge(t *testing.T) {
	g := W25Q16JV
	g.Commands = SingleCommands
	s := newSim(t, g, nil, emu.WithMaxLines(1))
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	src := pattern(0x180, 7)
	if err := s.Write(0x1F0, src); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Verify(0x1F0, src); err != nil {
		t.Fatalf("Verify = %d, %v", n, err)
	}

	quad := newSim(t, W25Q16JV, nil, emu.WithMaxLines(1))
	if err := quad.Init(); err != nil {
		t.Fatal(err)
	}
	if err := quad.ProgramPage(0, []byte{0}); !errors.Is(err, ErrHardware) {
		t.Errorf("quad program on one line: err = %v", err)
	}
}

func TestStatusRegisterString(t *testing.T) {
	tests := []struct {
		s    fmt.Stringer
		want string
	}{
		{StatusRegister(0), "00000000"},
		{StatusRegister(0x03), "00000011 WEL,BUSY"},
		{StatusRegister(0x9C), "10011100 SRP,BP2,BP1,BP0"},
		{ConfigRegister(0x02), "00000010 QE"},
		{ConfigRegister(0x41), "01000001 CMP,SRL"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestGeometry(t *testing.T) {
	for _, g := range []Geometry{W25Q16JV, W25Q32JV, W25Q64JV} {
		if err := g.Validate(); err != nil {
			t.Errorf("%s: %v", g.Name, err)
		}
		if g.Size%g.SectorSize != 0 || g.SectorSize%g.PageSize != 0 {
			t.Errorf("%s: sizes do not divide", g.Name)
		}
		if got, ok := LookupID(g.ID); !ok || got.Size != g.Size {
			t.Errorf("LookupID(%X) = %s, %v", g.ID, got.Name, ok)
		}
	}
	if g, ok := LookupName("W25Q32JV"); !ok || g.Size != 0x400000 {
		t.Errorf("LookupName = %s, %v", g.Name, ok)
	}
	if _, ok := LookupID([3]byte{0x20, 0xBA, 0x16}); ok {
		t.Error("unknown ID found")
	}
	if got := W25Q64JV.Sectors(); got != 128 {
		t.Errorf("Sectors() = %d", got)
	}

	for _, tt := range []struct {
		name   string
		mutate func(*Geometry)
	}{
		{"zero page", func(g *Geometry) { g.PageSize = 0 }},
		{"page not power of two", func(g *Geometry) { g.PageSize = 0x180; g.SectorSize = 0x1800 }},
		{"sector not multiple of page", func(g *Geometry) { g.SectorSize = 0x10080 }},
		{"size not multiple of sector", func(g *Geometry) { g.Size = 0x808000 }},
		{"4-byte addressing", func(g *Geometry) { g.Size = 0x2000000 }},
	} {
		g := W25Q64JV
		tt.mutate(&g)
		if err := g.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}
}
