// Package miner implements header production for the fork engine.
package miner

import (
	"context"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/internal/log"
	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
	"github.com/Klingon-tech/klingnet-mvf/pkg/types"
)

// ChainState provides read-only access to the current chain state.
type ChainState interface {
	Height() uint64
	TipHash() types.Hash
	TipTimestamp() uint64
	NextBits() uint32
}

// Miner produces new headers.
type Miner struct {
	chain   ChainState
	pow     *consensus.PoW
	version uint32
	now     func() time.Time
}

// New creates a new header producer. version is stamped on every header;
// zero means block.CurrentVersion.
func New(chain ChainState, pow *consensus.PoW, version uint32) *Miner {
	if version == 0 {
		version = block.CurrentVersion
	}
	return &Miner{
		chain:   chain,
		pow:     pow,
		version: version,
		now:     time.Now,
	}
}

// SignalVersion returns the header version that signals mask.
func SignalVersion(mask uint32) uint32 {
	return block.VersionTopBits | mask&^block.VersionTopMask
}

// SetClock replaces the wall clock used to timestamp headers.
func (m *Miner) SetClock(now func() time.Time) {
	m.now = now
}

// Version returns the version stamped on produced headers.
func (m *Miner) Version() uint32 {
	return m.version
}

// ProduceBlockCtx builds and seals a header on the tip, timestamped with the
// miner clock but at least one second after the parent. The header is not
// applied to the chain. When the context is cancelled, sealing stops.
func (m *Miner) ProduceBlockCtx(ctx context.Context) (*block.Header, error) {
	return m.produceBlock(ctx, uint64(m.now().Unix()))
}

func (m *Miner) produceBlock(ctx context.Context, timestamp uint64) (*block.Header, error) {
	// Ensure monotonic: header timestamp must be strictly after parent.
	if parentTS := m.chain.TipTimestamp(); timestamp <= parentTS {
		timestamp = parentTS + 1
	}

	header := &block.Header{
		Version:   m.version,
		PrevHash:  m.chain.TipHash(),
		Timestamp: timestamp,
		Height:    m.chain.Height() + 1,
		Bits:      m.chain.NextBits(),
	}

	if err := m.pow.SealWithCancel(ctx, header); err != nil {
		return nil, fmt.Errorf("seal header: %w", err)
	}
	log.Miner.Debug().
		Uint64("height", header.Height).
		Uint64("nonce", header.Nonce).
		Str("bits", fmt.Sprintf("%08x", header.Bits)).
		Msg("header sealed")
	return header, nil
}
