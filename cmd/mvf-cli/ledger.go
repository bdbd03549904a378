package main

import (
	"encoding/hex"
	"fmt"

	"github.com/Klingon-tech/klingnet-mvf/internal/node"
	"github.com/spf13/cobra"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Dump the raw activation ledger of a stopped node.",
	Args:  cobra.NoArgs,
	RunE:  ledgerRun,
}

func init() {
	rootCmd.AddCommand(ledgerCmd)
}

func ledgerRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	entries, err := node.ReadLedger(cfg)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("No activation recorded.")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%-14s %s\n", e.Key, hex.EncodeToString(e.Value))
	}
	return nil
}
