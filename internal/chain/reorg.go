package chain

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-mvf/internal/log"
	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
)

// Reorg errors.
var (
	// ErrGenesisReorg is returned when disconnecting would remove genesis.
	ErrGenesisReorg = errors.New("reorg would replace genesis block")

	// ErrReorgPastActivation is returned when disconnecting would remove the
	// fork activation block. Activation is irreversible within a data
	// directory.
	ErrReorgPastActivation = errors.New("reorg would disconnect the fork activation block")
)

// DisconnectTip removes the tip header and restores the state stored after
// its parent. It returns the removed header. Reconnecting the same header
// later never re-triggers the fork.
func (c *Chain) DisconnectTip() (*block.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.IsGenesis() {
		return nil, ErrNotInitialized
	}
	height := c.state.Height
	if height == 0 {
		return nil, ErrGenesisReorg
	}
	if rec := c.ledger.Record(); rec.Activated && height <= rec.Height {
		return nil, fmt.Errorf("%w: tip %d, activation %d", ErrReorgPastActivation, height, rec.Height)
	}

	tip, err := c.blocks.GetHeaderByHeight(height)
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	parent, err := c.blocks.GetHeader(tip.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("load parent %s: %w", tip.PrevHash.Short(), err)
	}
	rs, err := c.blocks.GetRetargetState(height - 1)
	if err != nil {
		return nil, fmt.Errorf("load parent retarget state: %w", err)
	}

	if err := c.blocks.DisconnectHeader(tip, tip.PrevHash); err != nil {
		return nil, err
	}

	c.state.TipHash = tip.PrevHash
	c.state.Height = height - 1
	c.state.TipTimestamp = parent.Timestamp
	c.state.Retarget = rs
	if err := c.rebuildTally(); err != nil {
		return nil, err
	}

	log.Chain.Info().
		Uint64("height", height).
		Str("hash", tip.Hash().Short()).
		Msg("disconnected tip")
	return tip, nil
}
