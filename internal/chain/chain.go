// Package chain implements the header chain state machine, including fork
// activation and post-fork difficulty.
package chain

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-mvf/config"
	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/Klingon-tech/klingnet-mvf/internal/storage"
	"github.com/Klingon-tech/klingnet-mvf/pkg/types"
)

// ActivationHandler is called once when a block triggers the fork, before
// the activation is recorded. An error rejects the block.
type ActivationHandler func(height uint64, outcome fork.Outcome) error

// ActivatedCallback is called once the activation record is durable.
type ActivatedCallback func(height uint64, outcome fork.Outcome)

// Chain represents a header chain with state, storage, and consensus.
type Chain struct {
	mu     sync.Mutex // Protects all state mutations (ProcessBlock, DisconnectTip).
	state  *State
	blocks *BlockStore

	pow     *consensus.PoW
	calc    *fork.Calculator
	forkCfg *fork.Config
	ledger  *fork.Ledger
	tally   *fork.SignalTally

	genesisHash types.Hash // Hash of the genesis header (immutable).

	activationHandler ActivationHandler
	activatedCallback ActivatedCallback
	now               func() time.Time
}

// New creates a chain over db. The ledger must already be loaded so a
// prior activation is known before the first block is connected.
func New(db storage.DB, pow *consensus.PoW, calc *fork.Calculator, forkCfg *fork.Config, ledger *fork.Ledger) (*Chain, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if pow == nil || calc == nil || forkCfg == nil {
		return nil, fmt.Errorf("consensus components are nil")
	}
	if ledger == nil {
		return nil, fmt.Errorf("activation ledger is nil")
	}

	blocks, err := NewBlockStore(db, DefaultHeaderCacheSize)
	if err != nil {
		return nil, err
	}

	// Recover state from the block store.
	tipHash, height, err := blocks.GetTip()
	if err != nil {
		return nil, fmt.Errorf("recover tip: %w", err)
	}

	ch := &Chain{
		state:   &State{TipHash: tipHash, Height: height},
		blocks:  blocks,
		pow:     pow,
		calc:    calc,
		forkCfg: forkCfg,
		ledger:  ledger,
		tally:   fork.NewSignalTally(forkCfg.SignalBit, forkCfg.SignalWindow),
		now:     time.Now,
	}

	if !tipHash.IsZero() {
		tip, err := blocks.GetHeaderByHeight(height)
		if err != nil {
			return nil, fmt.Errorf("recover tip header: %w", err)
		}
		rs, err := blocks.GetRetargetState(height)
		if err != nil {
			return nil, fmt.Errorf("recover retarget state: %w", err)
		}
		gen, err := blocks.GetHeaderByHeight(0)
		if err != nil {
			return nil, fmt.Errorf("recover genesis: %w", err)
		}
		ch.state.TipTimestamp = tip.Timestamp
		ch.state.Retarget = rs
		ch.genesisHash = gen.Hash()
		if err := ch.rebuildTally(); err != nil {
			return nil, err
		}
	}

	return ch, nil
}

// InitFromGenesis initializes a fresh chain from the network parameters.
// Returns an error if the chain already has blocks.
func (c *Chain) InitFromGenesis(p *config.Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.IsGenesis() {
		return fmt.Errorf("chain already initialized at height %d", c.state.Height)
	}

	gen, err := CreateGenesisHeader(p)
	if err != nil {
		return fmt.Errorf("create genesis: %w", err)
	}
	if err := gen.Validate(); err != nil {
		return fmt.Errorf("validate genesis: %w", err)
	}

	rs := RetargetState{NextBits: gen.Bits}
	if err := c.blocks.ConnectHeader(gen, rs); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}

	hash := gen.Hash()
	c.state.TipHash = hash
	c.state.Height = 0
	c.state.TipTimestamp = gen.Timestamp
	c.state.Retarget = rs
	c.genesisHash = hash
	c.tally.Reset()
	c.tally.Add(gen.Version)
	return nil
}

// SetActivationHandler sets the callback run when the fork triggers.
func (c *Chain) SetActivationHandler(fn ActivationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activationHandler = fn
}

// SetActivatedCallback sets the callback run after the activation is recorded.
func (c *Chain) SetActivatedCallback(fn ActivatedCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activatedCallback = fn
}

// SetClock replaces the wall clock used for the future-timestamp check.
func (c *Chain) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// State returns a copy of the current chain state.
func (c *Chain) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *c.state
}

// Height returns the current chain height.
func (c *Chain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Height
}

// TipHash returns the hash of the current chain tip.
func (c *Chain) TipHash() types.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipHash
}

// TipTimestamp returns the timestamp of the current chain tip.
func (c *Chain) TipTimestamp() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.TipTimestamp
}

// GenesisHash returns the hash of the genesis header.
func (c *Chain) GenesisHash() types.Hash {
	return c.genesisHash
}

// NextBits returns the bits the next block must carry.
func (c *Chain) NextBits() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Retarget.NextBits
}

// RetargetState returns the difficulty state after the tip.
func (c *Chain) RetargetState() RetargetState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Retarget
}

// SignalCount returns the number of signaling blocks among the most recent
// signal window.
func (c *Chain) SignalCount() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tally.Count()
}

// ForkActive reports whether the fork has activated on this chain.
func (c *Chain) ForkActive() bool {
	return c.ledger.IsActivated()
}

// IsForkActiveAt reports whether post-fork rules apply to the block at
// height. The activation block itself is the last pre-fork block.
func (c *Chain) IsForkActiveAt(height uint64) bool {
	rec := c.ledger.Record()
	return rec.Activated && height > rec.Height
}

// getBlockTimestamp returns the timestamp of a stored header.
func (c *Chain) getBlockTimestamp(height uint64) (uint64, error) {
	h, err := c.blocks.GetHeaderByHeight(height)
	if err != nil {
		return 0, err
	}
	return h.Timestamp, nil
}

// medianTimePast returns the median timestamp of the tip and up to ten
// ancestors.
func (c *Chain) medianTimePast() (uint64, error) {
	const span = 11
	times := make([]uint64, 0, span)
	for i := uint64(0); i < span && i <= c.state.Height; i++ {
		ts, err := c.getBlockTimestamp(c.state.Height - i)
		if err != nil {
			return 0, err
		}
		times = append(times, ts)
	}
	slices.Sort(times)
	return times[len(times)/2], nil
}

// rebuildTally refills the signal tally from the most recent stored headers.
func (c *Chain) rebuildTally() error {
	c.tally.Reset()
	window := uint64(c.tally.Window())
	if window == 0 {
		return nil
	}
	start := uint64(0)
	if c.state.Height+1 > window {
		start = c.state.Height + 1 - window
	}
	for h := start; h <= c.state.Height; h++ {
		hdr, err := c.blocks.GetHeaderByHeight(h)
		if err != nil {
			return fmt.Errorf("rebuild signal tally: %w", err)
		}
		c.tally.Add(hdr.Version)
	}
	return nil
}
