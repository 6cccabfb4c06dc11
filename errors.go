package qspiflash

import (
	"errors"
	"fmt"

	"github.com/gentam/qspiflash/qspi"
)

// Errors surfaced unchanged from the transaction engine.
var (
	ErrHardware  = qspi.ErrHardware
	ErrTimeout   = qspi.ErrTimeout
	ErrExhausted = qspi.ErrExhausted
)

var (
	// ErrInvalid rejects an argument before anything is sent to the chip.
	ErrInvalid = errors.New("qspiflash: invalid argument")
	// ErrNotBlank is returned by BlankCheck when a byte differs from the
	// pattern.
	ErrNotBlank = errors.New("qspiflash: not blank")
)

// MismatchError reports the first byte where flash and source differ.
type MismatchError struct {
	Offset int // bytes matched before the divergence
	Want   byte
	Got    byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("qspiflash: mismatch at offset 0x%X: got 0x%02X, want 0x%02X", e.Offset, e.Got, e.Want)
}

// InitError is returned by Init with the step that failed.
type InitError struct {
	Step string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("qspiflash: init: %s: %v", e.Step, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }
