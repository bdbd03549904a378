// Package node provides a reusable fork-aware node that can be embedded
// in any binary (daemon, inspection tool, tests).
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-mvf/config"
	"github.com/Klingon-tech/klingnet-mvf/internal/chain"
	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	klog "github.com/Klingon-tech/klingnet-mvf/internal/log"
	"github.com/Klingon-tech/klingnet-mvf/internal/miner"
	"github.com/Klingon-tech/klingnet-mvf/internal/storage"
	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
	"github.com/Klingon-tech/klingnet-mvf/pkg/types"
	"github.com/rs/zerolog"
)

// Node errors.
var (
	// ErrLedgerWrite means the activation could not be made durable. The
	// node stops processing blocks.
	ErrLedgerWrite = chain.ErrLedgerWrite

	// ErrHalted is returned for every block after a fatal ledger failure.
	ErrHalted = errors.New("node halted after activation ledger failure")
)

// ActivationHook runs once when the fork activates, before the activation
// is recorded. An error rejects the triggering block.
type ActivationHook func(height uint64) error

// Node is a fully-initialized fork-aware node.
type Node struct {
	cfg    *config.Config
	params *config.Params
	logger zerolog.Logger

	// Core
	db      storage.DB
	pow     *consensus.PoW
	calc    *fork.Calculator
	forkCfg *fork.Config
	ledger  *fork.Ledger
	ch      *chain.Chain
	miner   *miner.Miner

	hooksMu sync.Mutex
	hooks   []ActivationHook

	mockTime atomic.Int64
	halted   atomic.Bool
	procMu   sync.Mutex // Serializes block production and connection.
	stopOnce sync.Once

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, params, storage, ledger, chain, miner) but does NOT start
// background mining. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := expandHome(cfg.Log.File)
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "mvfd.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	// ── 2. Network parameters ───────────────────────────────────────
	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}
	forkCfg := cfg.ForkConfig(params)

	logger.Info().
		Str("network", string(cfg.Network)).
		Str("fork_height", formatHeight(forkCfg.ForkHeight)).
		Str("signal_bit", fmt.Sprintf("%#x", forkCfg.SignalBit)).
		Bool("force_retarget", forkCfg.ForceRetarget).
		Uint64("spacing", params.TargetSpacing).
		Msg("Starting MVF node")

	// ── 3. Open storage ─────────────────────────────────────────────
	if err := os.MkdirAll(cfg.ChainDataDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating chain data dir: %w", err)
	}
	db, err := storage.Open(cfg.Storage.Backend, cfg.DBDir(), storage.Options{SyncWrites: cfg.Storage.Sync})
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	logger.Info().
		Str("path", cfg.DBDir()).
		Str("backend", cfg.Storage.Backend).
		Msg("Database opened")

	// ── 4. Activation ledger ────────────────────────────────────────
	ledger := fork.NewLedger(db)
	rec, err := ledger.Load()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load activation ledger: %w", err)
	}
	if ledger.WasPreviouslyActivated() {
		klog.Fork.Info().
			Uint64("height", rec.Height).
			Time("activated_at", ledger.ActivatedAt()).
			Msg("prior fork detected")
	}

	// ── 5. Consensus and chain ──────────────────────────────────────
	pow, calc, err := createEngines(params, forkCfg, cfg.Mining.Threads)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create consensus engine: %w", err)
	}

	ch, err := chain.New(db, pow, calc, forkCfg, ledger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create chain: %w", err)
	}

	state := ch.State()
	if state.IsGenesis() {
		if err := ch.InitFromGenesis(params); err != nil {
			db.Close()
			return nil, fmt.Errorf("init from genesis: %w", err)
		}
		logger.Info().Msg("Chain initialized from genesis")
	} else {
		logger.Info().
			Uint64("height", ch.Height()).
			Str("tip", ch.TipHash().Short()).
			Msg("Chain resumed from database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		params:  params,
		logger:  logger,
		db:      db,
		pow:     pow,
		calc:    calc,
		forkCfg: forkCfg,
		ledger:  ledger,
		ch:      ch,
		ctx:     ctx,
		cancel:  cancel,
	}

	// ── 6. Miner ────────────────────────────────────────────────────
	n.miner = miner.New(ch, pow, blockVersion(cfg))
	n.miner.SetClock(n.now)
	ch.SetClock(n.now)
	ch.SetActivationHandler(n.runActivationHooks)
	ch.SetActivatedCallback(n.performActivation)

	return n, nil
}

// OnActivation registers an action run when the fork activates. Hooks run
// in registration order before the activation is recorded; an error rejects
// the triggering block.
func (n *Node) OnActivation(hook ActivationHook) {
	n.hooksMu.Lock()
	defer n.hooksMu.Unlock()
	n.hooks = append(n.hooks, hook)
}

// runActivationHooks is the chain's activation handler.
func (n *Node) runActivationHooks(height uint64, _ fork.Outcome) error {
	n.hooksMu.Lock()
	hooks := append([]ActivationHook(nil), n.hooks...)
	n.hooksMu.Unlock()

	for i, hook := range hooks {
		if err := hook(height); err != nil {
			n.logger.Warn().Err(err).Int("hook", i).Uint64("height", height).Msg("activation hook failed")
			return err
		}
	}
	return nil
}

// performActivation is the built-in action, run once the activation is
// recorded.
func (n *Node) performActivation(height uint64, outcome fork.Outcome) {
	klog.Fork.Info().
		Uint64("height", height).
		Str("trigger", outcome.String()).
		Str("consensus", n.params.ConsensusID).
		Str("next_bits", fmt.Sprintf("%08x", consensus.TargetToCompact(n.calc.MaxTarget))).
		Msg("performing fork activation actions")
}

// Start launches background block production when enabled.
func (n *Node) Start() error {
	if n.cfg.Mining.Enabled {
		blockTime := time.Duration(n.params.TargetSpacing) * time.Second
		n.logger.Info().
			Dur("interval", blockTime).
			Str("version", fmt.Sprintf("%#x", n.miner.Version())).
			Int("threads", n.cfg.Mining.Threads).
			Msg("Block production enabled")

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runMiner(blockTime)
		}()
	}

	n.logger.Info().
		Uint64("height", n.ch.Height()).
		Str("tip", n.ch.TipHash().Short()).
		Bool("fork_active", n.ch.ForkActive()).
		Bool("mining", n.cfg.Mining.Enabled).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		n.wg.Wait()

		if n.db != nil {
			if err := n.db.Close(); err != nil {
				n.logger.Error().Err(err).Msg("Failed to close database")
			}
		}
		n.logger.Info().Msg("Goodbye!")
	})
}

// Halted reports whether the node stopped after a ledger failure.
func (n *Node) Halted() bool {
	return n.halted.Load()
}

// Done is closed when the node is stopping, including after a halt.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// Chain returns the node's chain.
func (n *Node) Chain() *chain.Chain {
	return n.ch
}

// Ledger returns the node's activation ledger.
func (n *Node) Ledger() *fork.Ledger {
	return n.ledger
}

// Params returns the effective network parameters.
func (n *Node) Params() *config.Params {
	return n.params
}

// Height returns the current chain height.
func (n *Node) Height() uint64 {
	return n.ch.Height()
}

// SetMockTime pins the node clock to the given unix time. Zero restores
// the wall clock.
func (n *Node) SetMockTime(unix int64) {
	n.mockTime.Store(unix)
}

func (n *Node) now() time.Time {
	if t := n.mockTime.Load(); t != 0 {
		return time.Unix(t, 0)
	}
	return time.Now()
}

// ProcessBlock connects an externally produced header.
func (n *Node) ProcessBlock(h *block.Header) error {
	n.procMu.Lock()
	defer n.procMu.Unlock()
	return n.processLocked(h)
}

func (n *Node) processLocked(h *block.Header) error {
	if n.halted.Load() {
		return ErrHalted
	}
	err := n.ch.ProcessBlock(h)
	if errors.Is(err, chain.ErrLedgerWrite) {
		n.halted.Store(true)
		n.logger.Error().
			Err(err).
			Uint64("height", h.Height).
			Msg("Activation could not be recorded, halting block processing")
		n.cancel()
	}
	return err
}

// Generate mines and connects count blocks on the tip using the node
// clock. It returns the hashes of the new blocks.
func (n *Node) Generate(count int) ([]types.Hash, error) {
	n.procMu.Lock()
	defer n.procMu.Unlock()

	hashes := make([]types.Hash, 0, count)
	for i := 0; i < count; i++ {
		if n.halted.Load() {
			return hashes, ErrHalted
		}
		h, err := n.miner.ProduceBlockCtx(n.ctx)
		if err != nil {
			return hashes, err
		}
		if err := n.processLocked(h); err != nil {
			return hashes, fmt.Errorf("connect generated block %d: %w", h.Height, err)
		}
		hashes = append(hashes, h.Hash())
	}
	return hashes, nil
}

// GenerateSpaced mines count blocks, advancing the mock clock by the target
// spacing before each one. The clock starts from the later of the current
// node time and the tip timestamp.
func (n *Node) GenerateSpaced(count int) ([]types.Hash, error) {
	spacing := int64(n.params.TargetSpacing)
	ts := max(n.now().Unix(), int64(n.ch.TipTimestamp()))

	hashes := make([]types.Hash, 0, count)
	for i := 0; i < count; i++ {
		ts += spacing
		n.SetMockTime(ts)
		got, err := n.Generate(1)
		hashes = append(hashes, got...)
		if err != nil {
			return hashes, err
		}
	}
	return hashes, nil
}

func (n *Node) runMiner(blockTime time.Duration) {
	ticker := time.NewTicker(blockTime)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info().Msg("Block production stopped")
			return
		case <-ticker.C:
			hashes, err := n.Generate(1)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				n.logger.Error().Err(err).Msg("Failed to produce block")
				continue
			}
			n.logger.Info().
				Uint64("height", n.ch.Height()).
				Str("hash", hashes[0].Short()).
				Msg("Block produced")
		}
	}
}
