package loader

import (
	"errors"
	"fmt"

	"github.com/gentam/qspiflash"
	"github.com/gentam/qspiflash/qspi"
)

// Status is the closed result code returned to the flashing tool.
type Status int

const (
	OK Status = iota
	HardwareError
	Timeout
	Mismatch
	Exhausted
	InitFailure
	Invalid
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case HardwareError:
		return "hardware error"
	case Timeout:
		return "timeout"
	case Mismatch:
		return "mismatch"
	case Exhausted:
		return "wait budget exhausted"
	case InitFailure:
		return "init failure"
	case Invalid:
		return "invalid argument"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// StatusOf maps an error from the flash layers to its Status. Init failures
// take precedence over the cause they wrap.
func StatusOf(err error) Status {
	var initErr *qspiflash.InitError
	var mismatch *qspiflash.MismatchError
	switch {
	case err == nil:
		return OK
	case errors.As(err, &initErr):
		return InitFailure
	case errors.As(err, &mismatch), errors.Is(err, qspiflash.ErrNotBlank):
		return Mismatch
	case errors.Is(err, qspiflash.ErrInvalid), errors.Is(err, qspi.ErrInvalid):
		return Invalid
	case errors.Is(err, qspi.ErrTimeout):
		return Timeout
	case errors.Is(err, qspi.ErrExhausted):
		return Exhausted
	}
	return HardwareError
}
