package hda

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedRingSize is returned when a ring size register advertises none of 2, 16 or 256 entries.
	ErrUnsupportedRingSize = errors.New("hda: unsupported ring size")
	// ErrCodecTimeout is returned when the codec does not consume a command or answer it in time.
	ErrCodecTimeout = errors.New("hda: codec timeout")
	// ErrResetTimeout is returned when the controller does not complete a reset step in time.
	ErrResetTimeout = errors.New("hda: reset timeout")
	// ErrNoOutputWidget is returned when no codec exposes a usable output converter.
	ErrNoOutputWidget = errors.New("hda: no output widget found")
	// ErrAllocationFailed is returned when DMA memory cannot be allocated.
	ErrAllocationFailed = errors.New("hda: allocation failed")
	// ErrInvalidAddress is returned for a codec address above 15.
	ErrInvalidAddress = errors.New("hda: invalid codec address")
	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("hda: device closed")
)

// TransactError describes a failed codec transaction.
type TransactError struct {
	Codec   uint8
	Node    uint8
	Payload uint32
	// Stage is "corb" when the command never left the ring, "rirb" when no response arrived.
	Stage string
	Err   error
}

func (e *TransactError) Error() string {
	return fmt.Sprintf("transact codec %d node %#02x payload %#05x (%s): %v", e.Codec, e.Node, e.Payload, e.Stage, e.Err)
}

func (e *TransactError) Unwrap() error {
	return e.Err
}

// resetError wraps ErrResetTimeout with the reset step that did not complete.
func resetError(step string) error {
	return fmt.Errorf("%s: %w", step, ErrResetTimeout)
}
