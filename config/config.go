// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Protocol rules: per-network parameters (params.go), must match across nodes
//   - Node settings: runtime configuration, including the fork trigger setup
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies the network a node runs on.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds node-specific runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Fork trigger and post-fork retargeting
	Fork ForkSettings

	// Regtest-only consensus overrides
	Consensus ConsensusOverrides

	// Storage backend
	Storage StorageConfig

	// Block generation
	Mining MiningConfig

	// Logging
	Log LogConfig
}

// ForkSettings holds the fork trigger configuration.
type ForkSettings struct {
	Height          uint64 `conf:"fork.height"` // fork.HeightDisabled when "disabled"
	SignalBit       uint32 `conf:"fork.signalbit" validate:"max=536870911"`
	SignalWindow    uint32 `conf:"fork.signalwindow" validate:"required_with=SignalBit,max=1000000"`
	SignalThreshold uint32 `conf:"fork.signalthreshold" validate:"required_with=SignalBit,ltefield=SignalWindow"`
	ForceRetarget   bool   `conf:"fork.forceretarget"`
	RetargetPeriod  uint64 `conf:"fork.retargetperiod"` // 0 derives 180 days of blocks from the spacing
}

// ConsensusOverrides replace network parameters. Only regtest accepts them.
type ConsensusOverrides struct {
	Spacing  uint64 `conf:"consensus.spacing" validate:"max=86400"`
	PowLimit string `conf:"consensus.powlimit" validate:"omitempty,hexadecimal,max=66"`
}

// StorageConfig selects the database backend.
type StorageConfig struct {
	Backend string `conf:"storage.backend" validate:"oneof=badger leveldb sqlite memory"`
	Sync    bool   `conf:"storage.sync"`
}

// MiningConfig holds block generation settings.
type MiningConfig struct {
	Enabled      bool   `conf:"mining.enabled"`
	Threads      int    `conf:"mining.threads" validate:"min=0,max=256"`
	BlockVersion uint32 `conf:"mining.blockversion"` // 0 = default version
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level" validate:"oneof=trace debug info warn error"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.mvf
//	macOS:   ~/Library/Application Support/MVF
//	Windows: %APPDATA%\MVF
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mvf"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "MVF")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "MVF")
		}
		return filepath.Join(home, "AppData", "Roaming", "MVF")
	default:
		return filepath.Join(home, ".mvf")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// DBDir returns the node database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.ChainDataDir(), "db")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "mvf.conf")
}
