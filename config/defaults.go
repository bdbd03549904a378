package config

import "github.com/Klingon-tech/klingnet-mvf/internal/fork"

// DefaultMainnet returns the default node configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		Fork: ForkSettings{
			Height:          MainnetParams.DefaultForkHeight,
			SignalWindow:    fork.DefaultSignalWindow,
			SignalThreshold: fork.DefaultSignalThreshold,
		},
		Storage: StorageConfig{
			Backend: "badger",
			Sync:    true,
		},
		Mining: MiningConfig{
			Threads: 1,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default node configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.Fork.Height = TestnetParams.DefaultForkHeight
	return cfg
}

// DefaultRegtest returns the default node configuration for regtest.
func DefaultRegtest() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Regtest
	cfg.Fork.Height = RegtestParams.DefaultForkHeight
	return cfg
}

// Default returns the default node configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}
