package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-mvf/config"
	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
)

// CreateGenesisHeader builds the genesis header from the network parameters.
// The genesis header has height 0, a zero PrevHash and the easiest bits
// allowed before the fork. It is not proof-of-work checked.
func CreateGenesisHeader(p *config.Params) (*block.Header, error) {
	if p == nil {
		return nil, fmt.Errorf("network params are nil")
	}
	powLimit, _, err := p.Limits()
	if err != nil {
		return nil, err
	}
	return &block.Header{
		Version:   block.CurrentVersion,
		Timestamp: p.GenesisTimestamp,
		Height:    0,
		Bits:      consensus.TargetToCompact(powLimit),
	}, nil
}
