package node

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-mvf/config"
	"github.com/Klingon-tech/klingnet-mvf/internal/chain"
	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/Klingon-tech/klingnet-mvf/internal/storage"
)

// Status is a snapshot of the chain and fork state.
type Status struct {
	Network          string `json:"network"`
	GenesisHash      string `json:"genesis_hash"`
	Height           uint64 `json:"height"`
	TipHash          string `json:"tip_hash"`
	NextBits         string `json:"next_bits"`
	ForkHeight       string `json:"fork_height"`
	SignalBit        uint32 `json:"signal_bit,omitempty"`
	SignalCount      uint32 `json:"signal_count"`
	SignalThreshold  uint32 `json:"signal_threshold,omitempty"`
	ForkActive       bool   `json:"fork_active"`
	ActivationHeight uint64 `json:"activation_height,omitempty"`
	PriorActivation  bool   `json:"prior_activation"`
	ActivatedAt      int64  `json:"activated_at,omitempty"`
	ForceRetarget    bool   `json:"force_retarget"`
	SpecialPeriod    bool   `json:"special_period"`
	SpecialPeriodEnd uint64 `json:"special_period_end,omitempty"` // first height back on the normal interval
	WindowStart      uint64 `json:"window_start,omitempty"`
	WindowBlocks     uint64 `json:"window_blocks,omitempty"`
	WindowInterval   uint64 `json:"window_interval,omitempty"`
}

// Status returns a snapshot of the node state.
func (n *Node) Status() *Status {
	return buildStatus(n.cfg.Network, n.ch, n.ledger, n.forkCfg, n.calc.Schedule)
}

// ReadStatus opens the database of cfg, reports its state and closes it
// again. The node must not be running.
func ReadStatus(cfg *config.Config) (*Status, error) {
	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}
	forkCfg := cfg.ForkConfig(params)

	db, err := storage.Open(cfg.Storage.Backend, cfg.DBDir(), storage.Options{})
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	defer db.Close()

	ledger := fork.NewLedger(db)
	if _, err := ledger.Load(); err != nil {
		return nil, fmt.Errorf("load activation ledger: %w", err)
	}
	pow, calc, err := createEngines(params, forkCfg, 0)
	if err != nil {
		return nil, err
	}
	ch, err := chain.New(db, pow, calc, forkCfg, ledger)
	if err != nil {
		return nil, err
	}
	return buildStatus(cfg.Network, ch, ledger, forkCfg, calc.Schedule), nil
}

// ReadLedger opens the database of cfg and returns the raw activation
// ledger entries. The node must not be running.
func ReadLedger(cfg *config.Config) ([]fork.LedgerEntry, error) {
	db, err := storage.Open(cfg.Storage.Backend, cfg.DBDir(), storage.Options{})
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.DBDir(), err)
	}
	defer db.Close()
	return fork.NewLedger(db).Entries()
}

func buildStatus(network config.NetworkType, ch *chain.Chain, ledger *fork.Ledger, forkCfg *fork.Config, sched *fork.Schedule) *Status {
	st := ch.State()
	s := &Status{
		Network:         string(network),
		GenesisHash:     ch.GenesisHash().String(),
		Height:          st.Height,
		TipHash:         st.TipHash.String(),
		NextBits:        fmt.Sprintf("%08x", st.Retarget.NextBits),
		ForkHeight:      formatHeight(forkCfg.ForkHeight),
		SignalBit:       forkCfg.SignalBit,
		SignalCount:     ch.SignalCount(),
		SignalThreshold: forkCfg.SignalThreshold,
		PriorActivation: ledger.WasPreviouslyActivated(),
		ForceRetarget:   forkCfg.ForceRetarget,
	}
	if h, ok := ledger.ActivationHeight(); ok {
		s.ForkActive = true
		s.ActivationHeight = h
		if at := ledger.ActivatedAt(); !at.IsZero() {
			s.ActivatedAt = at.Unix()
		}
		if sched.Forced() {
			s.SpecialPeriodEnd = h + 1 + sched.Period()
		}
		w := st.Retarget.Window
		if w.StartHeight > h {
			since := w.StartHeight - (h + 1)
			s.SpecialPeriod = sched.WithinSpecialPeriod(since)
			s.WindowStart = w.StartHeight
			s.WindowBlocks = w.BlockCount
			s.WindowInterval = sched.IntervalLengthFor(since)
		}
	}
	return s
}
