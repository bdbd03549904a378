package chain

import (
	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/Klingon-tech/klingnet-mvf/pkg/types"
)

// State holds the current chain tip state.
type State struct {
	Height       uint64
	TipHash      types.Hash
	TipTimestamp uint64 // Timestamp of the current tip block.
	Retarget     RetargetState
}

// IsGenesis returns true if no blocks have been processed yet.
func (s State) IsGenesis() bool {
	return s.Height == 0 && s.TipHash.IsZero()
}

// RetargetState is the difficulty state after a block: the bits the next
// block must carry and the post-fork window it will join. One snapshot is
// stored per height so the tip can be disconnected.
type RetargetState struct {
	NextBits uint32              `json:"next_bits"`
	Window   fork.RetargetWindow `json:"window"`
}
