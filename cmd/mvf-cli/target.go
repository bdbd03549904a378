package main

import (
	"fmt"
	"strconv"

	"github.com/Klingon-tech/klingnet-mvf/config"
	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/spf13/cobra"
)

var (
	targetInterval uint64
	targetTimespan int64
)

var targetCmd = &cobra.Command{
	Use:   "target <bits>",
	Short: "Decode compact bits, or compute the post-fork retarget of a window.",
	Example: `  mvf-cli target 1d00ffff
  mvf-cli target 207fffff --interval 3 --timespan 900 --network regtest`,
	Args: cobra.ExactArgs(1),
	RunE: targetRun,
}

func init() {
	rootCmd.AddCommand(targetCmd)
	targetCmd.Flags().Uint64Var(&targetInterval, "interval", 0, "Blocks in the window (enables retarget).")
	targetCmd.Flags().Int64Var(&targetTimespan, "timespan", 0, "Observed seconds spanned by the window.")
}

type targetResult struct {
	Bits     string `json:"bits"`
	Target   string `json:"target"`
	NextBits string `json:"next_bits,omitempty"`
	Next     string `json:"next_target,omitempty"`
}

func targetRun(cmd *cobra.Command, args []string) error {
	bits, err := strconv.ParseUint(args[0], 16, 32)
	if err != nil {
		return fmt.Errorf("bits must be 8 hex digits: %w", err)
	}
	t, err := consensus.CompactToTarget(uint32(bits))
	if err != nil {
		return err
	}
	res := targetResult{Bits: fmt.Sprintf("%08x", bits), Target: fmt.Sprintf("%064x", t.ToBig())}

	if targetInterval > 0 {
		params, err := config.ParamsFor(config.NetworkType(network))
		if err != nil {
			return err
		}
		_, forkLimit, err := params.Limits()
		if err != nil {
			return err
		}
		calc := fork.NewCalculator(forkLimit, params.TargetSpacing, nil)
		w := fork.RetargetWindow{BlockCount: targetInterval, CumulativeTimeSpan: targetTimespan}
		next, err := calc.NextTarget(w, targetInterval, t)
		if err != nil {
			return err
		}
		res.NextBits = fmt.Sprintf("%08x", consensus.TargetToCompact(next))
		res.Next = fmt.Sprintf("%064x", next.ToBig())
	}

	if jsonOut {
		return printJSON(res)
	}
	fmt.Printf("Bits:        %s\n", res.Bits)
	fmt.Printf("Target:      %s\n", res.Target)
	if res.NextBits != "" {
		fmt.Printf("Next bits:   %s\n", res.NextBits)
		fmt.Printf("Next target: %s\n", res.Next)
	}
	return nil
}
