package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Network string
	DataDir string
	Config  string

	// Fork
	ForkHeight      string
	SignalBit       string
	SignalWindow    string
	SignalThreshold string
	ForceRetarget   bool
	RetargetPeriod  string

	// Consensus overrides (regtest)
	Spacing  string
	PowLimit string

	// Storage
	Storage string
	Sync    bool

	// Mining / tooling
	Mine         bool
	Threads      int
	BlockVersion string
	Generate     int
	MockTime     int64

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Remaining args
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetForceRetarget bool
	SetMine          bool
	SetSync          bool
	SetLogJSON       bool
}

// ParseFlags parses os.Args and exits on error.
func ParseFlags() *Flags {
	f, err := ParseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return f
}

// ParseArgs parses the given command-line arguments.
func ParseArgs(args []string, output io.Writer) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("mvfd", flag.ContinueOnError)
	fs.SetOutput(output)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	// Core
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet, testnet or regtest)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	regtest := fs.Bool("regtest", false, "Use regtest (shorthand for --network=regtest)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// Fork
	fs.StringVar(&f.ForkHeight, "forkheight", "", "Fork trigger height, or \"disabled\"")
	fs.StringVar(&f.SignalBit, "signalbit", "", "Version-bit mask that signals the fork")
	fs.StringVar(&f.SignalWindow, "signalwindow", "", "Blocks in the signal tally window")
	fs.StringVar(&f.SignalThreshold, "signalthreshold", "", "Signaling blocks required in the window")
	fs.BoolVar(&f.ForceRetarget, "force-retarget", false, "Enable the post-fork retarget schedule")
	fs.StringVar(&f.RetargetPeriod, "retarget-period", "", "Blocks after activation covered by the schedule")

	// Consensus overrides
	fs.StringVar(&f.Spacing, "spacing", "", "Target block spacing in seconds (regtest)")
	fs.StringVar(&f.PowLimit, "powlimit", "", "Difficulty floor as hex target (regtest)")

	// Storage
	fs.StringVar(&f.Storage, "storage", "", "Storage backend (badger, leveldb, sqlite)")
	fs.BoolVar(&f.Sync, "sync", true, "Sync every write to disk")

	// Mining / tooling
	fs.BoolVar(&f.Mine, "mine", false, "Mine continuously at the target spacing")
	fs.IntVar(&f.Threads, "threads", 0, "Sealing threads")
	fs.StringVar(&f.BlockVersion, "blockversion", "", "Version field of generated blocks")
	fs.IntVar(&f.Generate, "generate", 0, "Generate N blocks after startup, then keep running")
	fs.Int64Var(&f.MockTime, "mocktime", 0, "Use this unix time as the node clock (regtest)")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	fs.Usage = func() {
		printUsage(output)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	if *regtest {
		f.Network = string(Regtest)
	}
	f.SetForceRetarget = isFlagSet(fs, "force-retarget")
	f.SetMine = isFlagSet(fs, "mine")
	f.SetSync = isFlagSet(fs, "sync")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()

	// Detect unparsed flags caused by positional arguments stopping the parser.
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}

	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct. String-valued
// settings go through the same parser as the config file.
func ApplyFlags(cfg *Config, f *Flags) error {
	// Core
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	values := []struct{ key, value string }{
		{"fork.height", f.ForkHeight},
		{"fork.signalbit", f.SignalBit},
		{"fork.signalwindow", f.SignalWindow},
		{"fork.signalthreshold", f.SignalThreshold},
		{"fork.retargetperiod", f.RetargetPeriod},
		{"consensus.spacing", f.Spacing},
		{"consensus.powlimit", f.PowLimit},
		{"storage.backend", f.Storage},
		{"mining.blockversion", f.BlockVersion},
		{"log.level", f.LogLevel},
		{"log.file", f.LogFile},
	}
	for _, v := range values {
		if v.value == "" {
			continue
		}
		if err := setConfigValue(cfg, v.key, v.value); err != nil {
			return fmt.Errorf("flag for %q: %w", v.key, err)
		}
	}

	if f.SetForceRetarget {
		cfg.Fork.ForceRetarget = f.ForceRetarget
	}
	if f.SetSync {
		cfg.Storage.Sync = f.Sync
	}
	if f.SetMine {
		cfg.Mining.Enabled = f.Mine
	}
	if f.Threads != 0 {
		cfg.Mining.Threads = f.Threads
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}
	return nil
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func printUsage(w io.Writer) {
	usage := `mvfd - hard fork activation node

Usage:
  mvfd [options]
  mvfd --help

Commands:
  --help, -h        Show this help message
  --version, -v     Show version information

Core Options:
  --network         Network type: mainnet (default), testnet or regtest
  --testnet         Shorthand for --network=testnet
  --regtest         Shorthand for --network=regtest
  --datadir         Data directory (default: ~/.mvf)
  --config, -c      Config file path (default: <datadir>/mvf.conf)

Fork Options:
  --forkheight      Trigger height, or "disabled" (minimum: mainnet 666666)
  --signalbit       Version-bit mask that signals the fork (e.g. 0x2)
  --signalwindow    Blocks in the rolling signal window (default: 144)
  --signalthreshold Signaling blocks required in the window (default: 108)
  --force-retarget  Enable the post-fork retarget schedule
  --retarget-period Blocks after activation covered by the schedule

Regtest Options:
  --spacing         Target block spacing in seconds
  --powlimit        Difficulty floor as a hex target
  --generate        Generate N blocks after startup
  --mocktime        Unix time to use as the node clock
  --blockversion    Version field of generated blocks

Mining Options:
  --mine            Mine continuously at the target spacing
  --threads         Sealing threads (default: 1)

Storage Options:
  --storage         Backend: badger (default), leveldb or sqlite
  --sync            Sync every write to disk (default: true)

Logging Options:
  --log-level       Log level: trace, debug, info, warn, error (default: info)
  --log-file        Log file path (default: stdout)
  --log-json        Output logs as JSON

Examples:
  # Regtest node that forks at height 100 and mines 120 blocks
  mvfd --regtest --forkheight=100 --force-retarget --generate=120

  # Trigger on version-bit signaling only
  mvfd --regtest --forkheight=disabled --signalbit=0x2
`
	fmt.Fprint(w, usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load() (*Config, *Flags, error) {
	flags := ParseFlags()

	// Handle help/version
	if flags.Help {
		printUsage(os.Stdout)
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("mvfd version 0.1.0")
		os.Exit(0)
	}

	cfg, err := LoadWithFlags(flags)
	if err != nil {
		return nil, nil, err
	}
	return cfg, flags, nil
}

// LoadWithFlags runs the defaults, file and flag layers for parsed flags.
func LoadWithFlags(flags *Flags) (*Config, error) {
	// Determine network first (needed for defaults)
	network := NetworkType(strings.ToLower(flags.Network))
	if network == "" {
		network = Mainnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	// Load config file
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// The file may not switch networks once defaults were chosen by flag.
	if flags.Network != "" {
		delete(fileValues, "network")
	}

	// Apply file config
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	if err := ApplyFlags(cfg, flags); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads config from defaults + conf file only (no CLI flags).
// Used by mvf-cli to read a node's data directory.
func LoadFromFile(dataDir string, network NetworkType) (*Config, error) {
	cfg := Default(network)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	fileValues, err := LoadFile(cfg.ConfigFile())
	if err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}
	delete(fileValues, "network")
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, fmt.Errorf("applying config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent, safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.DBDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
