package qspiflash

import "fmt"

// Write programs src at addr, one ProgramPage per page touched: a leading
// partial page up to the next boundary, whole pages, then the tail. A short
// write that crosses a boundary is split too, since the chip would wrap it
// inside the first page. It stops
// at the first failing page; what was programmed before stays programmed.
func (f *Flash) Write(addr uint32, src []byte) error {
	if err := f.checkRange(addr, len(src)); err != nil {
		return err
	}
	for _, c := range splitPages(addr, uint32(len(src)), f.g.PageSize) {
		if err := f.ProgramPage(c.addr, src[c.off:c.off+c.n]); err != nil {
			return fmt.Errorf("program 0x%X bytes at 0x%06X: %w", c.n, c.addr, err)
		}
	}
	f.log.Debug("write", "addr", fmt.Sprintf("0x%06X", addr), "bytes", len(src))
	return nil
}

type chunk struct {
	addr uint32 // flash address
	off  uint32 // offset in the source
	n    uint32
}

// splitPages cuts [addr, addr+n) at every page boundary.
func splitPages(addr, n, pageSize uint32) []chunk {
	var out []chunk
	var off uint32
	for n > 0 {
		c := min(n, pageSize-addr%pageSize)
		out = append(out, chunk{addr: addr, off: off, n: c})
		addr += c
		off += c
		n -= c
	}
	return out
}

// Erase erases every sector overlapping [addr, addr+n).
func (f *Flash) Erase(addr, n uint32) error {
	if n == 0 {
		return nil
	}
	if err := f.checkRange(addr, int(n)); err != nil {
		return err
	}
	first := addr - addr%f.g.SectorSize
	for a := first; a < addr+n; a += f.g.SectorSize {
		if err := f.EraseSector(a); err != nil {
			return fmt.Errorf("erase sector 0x%06X: %w", a, err)
		}
	}
	return nil
}
