package main

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-mvf/internal/node"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print chain and fork state of a stopped node.",
	Args:  cobra.NoArgs,
	RunE:  statusRun,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := node.ReadStatus(cfg)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(st)
	}

	fmt.Printf("Network:        %s\n", st.Network)
	fmt.Printf("Height:         %d\n", st.Height)
	fmt.Printf("Tip:            %s\n", st.TipHash)
	fmt.Printf("Next bits:      %s\n", st.NextBits)
	fmt.Printf("Fork height:    %s\n", st.ForkHeight)
	if st.SignalBit != 0 {
		fmt.Printf("Signal:         %d/%d (bit %#x)\n", st.SignalCount, st.SignalThreshold, st.SignalBit)
	}
	if !st.ForkActive {
		fmt.Println("Fork:           not active")
		return nil
	}
	fmt.Printf("Fork:           active since %d\n", st.ActivationHeight)
	if st.SpecialPeriod {
		fmt.Printf("Retarget:       window %d, %d/%d blocks\n", st.WindowStart, st.WindowBlocks, st.WindowInterval)
	}
	return nil
}
