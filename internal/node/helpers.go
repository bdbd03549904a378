package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-mvf/config"
	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/Klingon-tech/klingnet-mvf/internal/miner"
	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// createEngines builds the pre-fork PoW engine and the post-fork
// difficulty calculator for the network.
func createEngines(p *config.Params, forkCfg *fork.Config, threads int) (*consensus.PoW, *fork.Calculator, error) {
	powLimit, forkLimit, err := p.Limits()
	if err != nil {
		return nil, nil, err
	}
	pow, err := consensus.NewPoW(powLimit, p.RetargetInterval, p.TargetSpacing)
	if err != nil {
		return nil, nil, err
	}
	pow.NoRetargeting = p.NoRetargeting
	pow.ForceRetarget = forkCfg.ForceRetarget
	pow.Threads = threads

	calc := fork.NewCalculator(forkLimit, p.TargetSpacing, fork.NewSchedule(forkCfg))
	calc.NoRetargeting = p.NoRetargeting
	return pow, calc, nil
}

// blockVersion picks the version stamped on generated blocks. An explicit
// setting wins; otherwise the node signals the configured bit.
func blockVersion(cfg *config.Config) uint32 {
	if cfg.Mining.BlockVersion != 0 {
		return cfg.Mining.BlockVersion
	}
	if cfg.Fork.SignalBit != 0 {
		return miner.SignalVersion(cfg.Fork.SignalBit)
	}
	return block.CurrentVersion
}

// formatHeight renders a fork height for logs.
func formatHeight(h uint64) string {
	if h == fork.HeightDisabled {
		return "disabled"
	}
	return fmt.Sprintf("%d", h)
}
