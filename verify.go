package qspiflash

import "fmt"

// Verify reads back len(src) bytes at addr one page at a time and compares
// them with src. It returns the number of bytes that matched, which is
// len(src) exactly when err is nil. A divergence is reported as a
// *MismatchError.
func (f *Flash) Verify(addr uint32, src []byte) (int, error) {
	if err := f.checkRange(addr, len(src)); err != nil {
		return 0, err
	}
	done := 0
	for done < len(src) {
		n := min(len(src)-done, len(f.buf))
		page := f.buf[:n]
		if err := f.Read(addr+uint32(done), page); err != nil {
			return done, err
		}
		for i, b := range page {
			if want := src[done+i]; b != want {
				return done + i, &MismatchError{Offset: done + i, Want: want, Got: b}
			}
		}
		done += n
	}
	return done, nil
}

// BlankCheck reports ErrNotBlank if any of the n bytes at addr differs from
// pattern.
func (f *Flash) BlankCheck(addr, n uint32, pattern byte) error {
	if err := f.checkRange(addr, int(n)); err != nil {
		return err
	}
	for done := uint32(0); done < n; {
		c := min(n-done, uint32(len(f.buf)))
		page := f.buf[:c]
		if err := f.Read(addr+done, page); err != nil {
			return err
		}
		for i, b := range page {
			if b != pattern {
				return fmt.Errorf("%w: 0x%02X at 0x%06X", ErrNotBlank, b, addr+done+uint32(i))
			}
		}
		done += c
	}
	return nil
}
