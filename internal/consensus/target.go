package consensus

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/holiman/uint256"
)

// Target decoding errors.
var (
	ErrNegativeTarget = errors.New("compact target is negative")
	ErrZeroTarget     = errors.New("compact target is zero")
	ErrTargetOverflow = errors.New("compact target exceeds 256 bits")
)

// CompactToTarget decodes compact-encoded bits into a 256-bit target.
func CompactToTarget(bits uint32) (*uint256.Int, error) {
	n := blockchain.CompactToBig(bits)
	switch n.Sign() {
	case -1:
		return nil, fmt.Errorf("%w: bits %08x", ErrNegativeTarget, bits)
	case 0:
		return nil, fmt.Errorf("%w: bits %08x", ErrZeroTarget, bits)
	}
	t, overflow := uint256.FromBig(n)
	if overflow {
		return nil, fmt.Errorf("%w: bits %08x", ErrTargetOverflow, bits)
	}
	return t, nil
}

// TargetToCompact encodes a target. Precision below the 3-byte mantissa is
// truncated, so the decoded value never exceeds t.
func TargetToCompact(t *uint256.Int) uint32 {
	return blockchain.BigToCompact(t.ToBig())
}

// ParseTarget parses a 64 character hex target such as a PoW limit.
func ParseTarget(hexStr string) (*uint256.Int, error) {
	t, err := uint256.FromHex("0x" + trimHexPrefix(hexStr))
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", hexStr, err)
	}
	if t.IsZero() {
		return nil, fmt.Errorf("parse target %q: %w", hexStr, ErrZeroTarget)
	}
	return t, nil
}

// ScaleTarget returns prior * num / den using a 512-bit intermediate.
// The boolean is true when the result does not fit in 256 bits.
func ScaleTarget(prior *uint256.Int, num, den uint64) (*uint256.Int, bool) {
	n := uint256.NewInt(num)
	d := uint256.NewInt(den)
	return new(uint256.Int).MulDivOverflow(prior, n, d)
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	// FromHex rejects leading zeros; strip them but keep one digit.
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:]
}
