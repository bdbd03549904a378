// Package consensus implements proof-of-work targets, sealing and the
// node's normal (pre-fork) difficulty algorithm.
package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
	"github.com/Klingon-tech/klingnet-mvf/pkg/crypto"
	"github.com/holiman/uint256"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet target")
	ErrTargetAboveLimit = errors.New("target above proof-of-work limit")
	ErrNonceExhausted   = errors.New("nonce space exhausted")
	ErrBadParams        = errors.New("invalid proof-of-work parameters")
)

// PoW holds the network's proof-of-work rules.
// The engine itself holds no chain state; every input is passed in.
type PoW struct {
	PowLimit         *uint256.Int // Maximum target (minimum difficulty).
	RetargetInterval uint64       // Normal blocks between adjustments.
	TargetSpacing    uint64       // Target seconds between blocks.
	NoRetargeting    bool         // Keep bits constant (regtest) unless forced.
	ForceRetarget    bool         // Retarget even when NoRetargeting is set.

	// Threads controls the number of parallel sealing goroutines.
	// 0 or 1 = single-threaded. Each goroutine searches a strided
	// partition of the nonce space.
	Threads int
}

// NewPoW validates the parameters and returns a PoW engine.
func NewPoW(powLimit *uint256.Int, interval, spacing uint64) (*PoW, error) {
	if powLimit == nil || powLimit.IsZero() {
		return nil, fmt.Errorf("%w: zero pow limit", ErrBadParams)
	}
	if interval == 0 || spacing == 0 {
		return nil, fmt.Errorf("%w: interval=%d spacing=%d", ErrBadParams, interval, spacing)
	}
	return &PoW{
		PowLimit:         powLimit,
		RetargetInterval: interval,
		TargetSpacing:    spacing,
	}, nil
}

// TargetTimespan is the expected duration of one normal interval.
func (p *PoW) TargetTimespan() uint64 {
	return p.RetargetInterval * p.TargetSpacing
}

// CheckProofOfWork verifies that the header's bits are within the PoW limit
// and the header hash meets them.
func (p *PoW) CheckProofOfWork(h *block.Header) error {
	return CheckProofOfWorkLimit(h, p.PowLimit)
}

// CheckProofOfWorkLimit is CheckProofOfWork against an explicit limit.
func CheckProofOfWorkLimit(h *block.Header, limit *uint256.Int) error {
	t, err := CompactToTarget(h.Bits)
	if err != nil {
		return err
	}
	if t.Gt(limit) {
		return fmt.Errorf("%w: bits %08x", ErrTargetAboveLimit, h.Bits)
	}
	hash := h.Hash()
	if new(uint256.Int).SetBytes32(hash[:]).Gt(t) {
		return ErrInsufficientWork
	}
	return nil
}

// ShouldAdjust returns true if the normal algorithm retargets after the
// block at lastHeight.
func (p *PoW) ShouldAdjust(lastHeight uint64) bool {
	return (lastHeight+1)%p.RetargetInterval == 0
}

// NormalNextBits computes the bits for the block after lastHeight using the
// normal algorithm: absolute-height intervals, 4x clamp per interval.
// getTimestamp retrieves a block's timestamp by height.
func (p *PoW) NormalNextBits(lastHeight uint64, lastBits uint32, getTimestamp func(uint64) (uint64, error)) (uint32, error) {
	if p.NoRetargeting && !p.ForceRetarget {
		return lastBits, nil
	}
	if !p.ShouldAdjust(lastHeight) {
		return lastBits, nil
	}

	first := lastHeight - (p.RetargetInterval - 1)
	startTS, err := getTimestamp(first)
	if err != nil {
		return 0, fmt.Errorf("interval start timestamp at %d: %w", first, err)
	}
	endTS, err := getTimestamp(lastHeight)
	if err != nil {
		return 0, fmt.Errorf("interval end timestamp at %d: %w", lastHeight, err)
	}

	prior, err := CompactToTarget(lastBits)
	if err != nil {
		return 0, err
	}
	next, err := CalcNextTarget(prior, int64(endTS)-int64(startTS), int64(p.TargetTimespan()), p.PowLimit)
	if err != nil {
		return 0, err
	}
	return TargetToCompact(next), nil
}

// CalcNextTarget computes the new target after a normal retarget period.
// actualTimeSpan is clamped to [expected/4, expected*4] and the result is
// capped at limit.
func CalcNextTarget(prior *uint256.Int, actualTimeSpan, expectedTimeSpan int64, limit *uint256.Int) (*uint256.Int, error) {
	if expectedTimeSpan <= 0 {
		return nil, fmt.Errorf("%w: expected timespan %d", ErrBadParams, expectedTimeSpan)
	}
	actualTimeSpan = ClampTimespan(actualTimeSpan, expectedTimeSpan)

	next, overflow := ScaleTarget(prior, uint64(actualTimeSpan), uint64(expectedTimeSpan))
	if overflow || next.Gt(limit) {
		next = new(uint256.Int).Set(limit)
	}
	if next.IsZero() {
		next = uint256.NewInt(1)
	}
	return next, nil
}

// ClampTimespan limits actual to [expected/4, expected*4].
func ClampTimespan(actual, expected int64) int64 {
	minSpan := expected / 4
	maxSpan := expected * 4
	if minSpan == 0 {
		minSpan = 1
	}
	if actual < minSpan {
		actual = minSpan
	}
	if actual > maxSpan {
		actual = maxSpan
	}
	return actual
}

// SealWithCancel mines the header with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
func (p *PoW) SealWithCancel(ctx context.Context, h *block.Header) error {
	if h == nil {
		return block.ErrNilHeader
	}
	t, err := CompactToTarget(h.Bits)
	if err != nil {
		return err
	}

	threads := p.Threads
	if threads <= 1 {
		return sealSingle(ctx, h, t)
	}
	return sealParallel(ctx, h, t, threads)
}

// sealSingle mines with a single goroutine.
func sealSingle(ctx context.Context, h *block.Header, t *uint256.Int) error {
	prefix := h.Prefix()
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(uint256.Int)

	for nonce := uint64(0); ; nonce++ {
		// Check cancellation every 65536 iterations.
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		if !hashInt.SetBytes32(hash[:]).Gt(t) {
			h.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return ErrNonceExhausted
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space (goroutine i starts at nonce=i, step=threads).
func sealParallel(ctx context.Context, h *block.Header, t *uint256.Int, threads int) error {
	prefix := h.Prefix()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan uint64, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(uint256.Int)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := crypto.Hash(buf)
				if !hashInt.SetBytes32(hash[:]).Gt(t) {
					select {
					case found <- nonce:
					default:
					}
					cancel()
					return
				}
				if nonce > ^uint64(0)-stride {
					return
				}
			}
		}()
	}

	// Wait in background so goroutines are cleaned up.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case nonce := <-found:
		h.Nonce = nonce
		return nil
	case <-done:
		select {
		case nonce := <-found:
			h.Nonce = nonce
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrNonceExhausted
	}
}
