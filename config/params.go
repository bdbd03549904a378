package config

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/holiman/uint256"
)

// =============================================================================
// Protocol Rules (per network, must match across all nodes)
// =============================================================================

// Params holds the consensus parameters of one network.
type Params struct {
	Network NetworkType

	GenesisTimestamp uint64

	// PowLimit is the easiest target before the fork; ForkPowLimit is the
	// difficulty floor after it (reset target and ceiling of every post-fork
	// retarget). ForkPowLimit is never below PowLimit.
	PowLimit     string
	ForkPowLimit string

	TargetSpacing    uint64 // Seconds between blocks.
	RetargetInterval uint64 // Normal blocks per difficulty adjustment.
	NoRetargeting    bool   // Keep bits constant unless forced (regtest).

	DefaultForkHeight uint64
	MinForkHeight     uint64

	// ConsensusID names the post-fork rule set.
	ConsensusID string
}

// Network parameters.
var (
	MainnetParams = Params{
		Network:           Mainnet,
		GenesisTimestamp:  1231006505,
		PowLimit:          "00000000ffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		ForkPowLimit:      "00007fffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		TargetSpacing:     600,
		RetargetInterval:  2016,
		DefaultForkHeight: 666666,
		MinForkHeight:     666666,
		ConsensusID:       "mvf",
	}

	TestnetParams = Params{
		Network:           Testnet,
		GenesisTimestamp:  1296688602,
		PowLimit:          "00000000ffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		ForkPowLimit:      "007fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		TargetSpacing:     600,
		RetargetInterval:  2016,
		DefaultForkHeight: 9999999,
		MinForkHeight:     1,
		ConsensusID:       "mvf-testnet",
	}

	RegtestParams = Params{
		Network:           Regtest,
		GenesisTimestamp:  1296688602,
		PowLimit:          "7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		ForkPowLimit:      "7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		TargetSpacing:     600,
		RetargetInterval:  2016,
		NoRetargeting:     true,
		DefaultForkHeight: 9999999,
		MinForkHeight:     1,
		ConsensusID:       "mvf-regtest",
	}
)

// ParamsFor returns a copy of the parameters of network.
func ParamsFor(network NetworkType) (*Params, error) {
	var p Params
	switch network {
	case Mainnet:
		p = MainnetParams
	case Testnet:
		p = TestnetParams
	case Regtest:
		p = RegtestParams
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
	return &p, nil
}

// Limits parses both proof-of-work limits.
func (p *Params) Limits() (powLimit, forkLimit *uint256.Int, err error) {
	powLimit, err = consensus.ParseTarget(p.PowLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("pow limit: %w", err)
	}
	forkLimit, err = consensus.ParseTarget(p.ForkPowLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("fork pow limit: %w", err)
	}
	if forkLimit.Lt(powLimit) {
		return nil, nil, fmt.Errorf("fork pow limit below pow limit")
	}
	return powLimit, forkLimit, nil
}

// Params returns the network parameters with the regtest overrides applied.
func (c *Config) Params() (*Params, error) {
	p, err := ParamsFor(c.Network)
	if err != nil {
		return nil, err
	}
	if c.Consensus.Spacing != 0 {
		p.TargetSpacing = c.Consensus.Spacing
	}
	if c.Consensus.PowLimit != "" {
		p.PowLimit = c.Consensus.PowLimit
		p.ForkPowLimit = c.Consensus.PowLimit
	}
	return p, nil
}

// ForkConfig builds the fork engine configuration from the node settings
// and network parameters.
func (c *Config) ForkConfig(p *Params) *fork.Config {
	period := c.Fork.RetargetPeriod
	if period == 0 {
		period = fork.RetargetPeriodFor(p.TargetSpacing)
	}
	return &fork.Config{
		ForkHeight:      c.Fork.Height,
		SignalBit:       c.Fork.SignalBit,
		SignalWindow:    c.Fork.SignalWindow,
		SignalThreshold: c.Fork.SignalThreshold,
		ForceRetarget:   c.Fork.ForceRetarget,
		RetargetPeriod:  period,
		NormalInterval:  p.RetargetInterval,
		TargetSpacing:   p.TargetSpacing,
	}
}
