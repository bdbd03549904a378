package block

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrNilHeader     = errors.New("nil block header")
	ErrBadVersion    = errors.New("unsupported block version")
	ErrZeroTimestamp = errors.New("block timestamp is zero")
	ErrZeroBits      = errors.New("block bits are zero")
)

// Validate checks header structure only. Consensus rules (PoW, expected
// bits, fork activation) are checked by the chain.
func (h *Header) Validate() error {
	if h == nil {
		return ErrNilHeader
	}
	if h.Version == 0 {
		return fmt.Errorf("%w: got %d", ErrBadVersion, h.Version)
	}
	if h.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	if h.Bits == 0 {
		return ErrZeroBits
	}
	return nil
}
