package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-mvf/config"
	"github.com/spf13/cobra"
)

var (
	dataDir string
	network string
	jsonOut bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "datadir", "d", config.DefaultDataDir(), "Node data directory.")
	rootCmd.PersistentFlags().StringVarP(&network, "network", "n", string(config.Mainnet), "Network: mainnet, testnet or regtest.")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print JSON output.")
}

var rootCmd = &cobra.Command{
	Use:           "mvf-cli",
	Short:         "Inspect fork activation and post-fork difficulty",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the node configuration of the selected data directory.
func loadConfig() (*config.Config, error) {
	return config.LoadFromFile(dataDir, config.NetworkType(network))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
