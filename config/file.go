package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
)

// LoadFile loads node configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a node config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// Fork
	case "fork.height", "forkheight":
		h, err := parseForkHeight(value)
		if err != nil {
			return err
		}
		cfg.Fork.Height = h
	case "fork.signalbit":
		n, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return err
		}
		cfg.Fork.SignalBit = uint32(n)
	case "fork.signalwindow":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.Fork.SignalWindow = uint32(n)
	case "fork.signalthreshold":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		cfg.Fork.SignalThreshold = uint32(n)
	case "fork.forceretarget", "force-retarget":
		cfg.Fork.ForceRetarget = parseBool(value)
	case "fork.retargetperiod":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Fork.RetargetPeriod = n

	// Consensus overrides (regtest)
	case "consensus.spacing":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Consensus.Spacing = n
	case "consensus.powlimit":
		cfg.Consensus.PowLimit = value

	// Storage
	case "storage.backend":
		cfg.Storage.Backend = strings.ToLower(value)
	case "storage.sync":
		cfg.Storage.Sync = parseBool(value)

	// Mining
	case "mining.enabled", "mine":
		cfg.Mining.Enabled = parseBool(value)
	case "mining.threads":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Mining.Threads = n
	case "mining.blockversion", "blockversion":
		n, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return err
		}
		cfg.Mining.BlockVersion = uint32(n)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseForkHeight parses a height or one of the words that disable the
// height trigger.
func parseForkHeight(s string) (uint64, error) {
	switch strings.ToLower(s) {
	case "disabled", "none", "off":
		return fork.HeightDisabled, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	p, err := ParamsFor(network)
	if err != nil {
		return err
	}
	content := `# MVF Node Configuration
#
# This file contains NODE settings only. Network consensus parameters are
# fixed per network; consensus.* overrides are accepted on regtest only.

# Network: mainnet, testnet or regtest
network = ` + string(network) + `

# Data directory (default: ~/.mvf)
# datadir = ~/.mvf

# ============================================================================
# Fork
# ============================================================================

# Trigger height, or "disabled" to trigger on version-bit signaling only.
# Minimum on this network: ` + strconv.FormatUint(p.MinForkHeight, 10) + `
fork.height = ` + strconv.FormatUint(p.DefaultForkHeight, 10) + `

# Version-bit mask that signals the fork (hex or decimal, 0 = off)
# fork.signalbit = 0x2
# fork.signalwindow = 144
# fork.signalthreshold = 108

# Post-fork retarget schedule (1, 3, 6, 18, 72 block intervals)
fork.forceretarget = false
# Blocks after activation covered by the schedule (default: 180 days)
# fork.retargetperiod = 25920

# ============================================================================
# Storage
# ============================================================================

# Backend: badger, leveldb or sqlite
storage.backend = badger
storage.sync = true

# ============================================================================
# Mining
# ============================================================================

# Mine continuously at the target spacing
mining.enabled = false
# mining.threads = 1
# mining.blockversion = 0x20000000

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
