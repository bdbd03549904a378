package miner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
	"github.com/Klingon-tech/klingnet-mvf/pkg/types"
	"github.com/holiman/uint256"
)

// --- mockChainState ---

type mockChainState struct {
	height   uint64
	tipHash  types.Hash
	tipTS    uint64
	nextBits uint32
}

func (m *mockChainState) Height() uint64       { return m.height }
func (m *mockChainState) TipHash() types.Hash  { return m.tipHash }
func (m *mockChainState) TipTimestamp() uint64 { return m.tipTS }
func (m *mockChainState) NextBits() uint32     { return m.nextBits }

// --- Miner ---

func testPoW(t *testing.T) *consensus.PoW {
	t.Helper()
	limit, err := uint256.FromHex("0x7fffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	pow, err := consensus.NewPoW(limit, 2016, 600)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}
	return pow
}

func testMiner(t *testing.T, version uint32) (*Miner, *mockChainState, *consensus.PoW) {
	t.Helper()
	pow := testPoW(t)
	chain := &mockChainState{
		height:   7,
		tipHash:  types.Hash{0xaa, 0xbb},
		tipTS:    1700000000,
		nextBits: consensus.TargetToCompact(pow.PowLimit),
	}
	return New(chain, pow, version), chain, pow
}

func TestMiner_ProduceBlockCtx(t *testing.T) {
	m, _, pow := testMiner(t, 0)
	m.SetClock(func() time.Time { return time.Unix(1700000600, 0) })

	h, err := m.ProduceBlockCtx(context.Background())
	if err != nil {
		t.Fatalf("ProduceBlockCtx: %v", err)
	}

	if h.Height != 8 {
		t.Errorf("height: got %d, want 8", h.Height)
	}
	if h.PrevHash != (types.Hash{0xaa, 0xbb}) {
		t.Error("PrevHash should match chain tip")
	}
	if h.Version != block.CurrentVersion {
		t.Errorf("version: got %#x, want %#x", h.Version, block.CurrentVersion)
	}
	if h.Timestamp != 1700000600 {
		t.Errorf("timestamp: got %d, want 1700000600", h.Timestamp)
	}
	if h.Bits != consensus.TargetToCompact(pow.PowLimit) {
		t.Errorf("bits: got %08x, want %08x", h.Bits, consensus.TargetToCompact(pow.PowLimit))
	}
	if err := h.Validate(); err != nil {
		t.Errorf("header should pass Validate: %v", err)
	}
	if err := pow.CheckProofOfWork(h); err != nil {
		t.Errorf("header should pass PoW: %v", err)
	}
}

func TestMiner_UsesChainBits(t *testing.T) {
	m, chain, pow := testMiner(t, 0)
	chain.nextBits = 0x203fffff

	m.SetClock(func() time.Time { return time.Unix(int64(chain.tipTS)+600, 0) })
	h, err := m.ProduceBlockCtx(context.Background())
	if err != nil {
		t.Fatalf("ProduceBlockCtx: %v", err)
	}
	if h.Bits != 0x203fffff {
		t.Errorf("bits: got %08x, want 203fffff", h.Bits)
	}
	if err := pow.CheckProofOfWork(h); err != nil {
		t.Errorf("header should pass PoW: %v", err)
	}
}

func TestMiner_TimestampMonotonic(t *testing.T) {
	m, chain, _ := testMiner(t, 0)

	// A clock behind the tip is bumped past it.
	m.SetClock(func() time.Time { return time.Unix(int64(chain.tipTS)-3600, 0) })
	h, err := m.ProduceBlockCtx(context.Background())
	if err != nil {
		t.Fatalf("ProduceBlockCtx: %v", err)
	}
	if h.Timestamp != chain.tipTS+1 {
		t.Errorf("timestamp: got %d, want %d", h.Timestamp, chain.tipTS+1)
	}

	m.SetClock(func() time.Time { return time.Unix(int64(chain.tipTS), 0) })
	h, err = m.ProduceBlockCtx(context.Background())
	if err != nil {
		t.Fatalf("ProduceBlockCtx: %v", err)
	}
	if h.Timestamp != chain.tipTS+1 {
		t.Errorf("timestamp: got %d, want %d", h.Timestamp, chain.tipTS+1)
	}
}

func TestMiner_SignalVersion(t *testing.T) {
	v := SignalVersion(1 << 4)
	if v != 0x20000010 {
		t.Fatalf("SignalVersion: got %#x, want 0x20000010", v)
	}
	if !block.SignalsVersion(v, 1<<4) {
		t.Fatal("signal version does not signal")
	}

	m, _, _ := testMiner(t, v)
	h, err := m.ProduceBlockCtx(context.Background())
	if err != nil {
		t.Fatalf("ProduceBlockCtx: %v", err)
	}
	if !block.SignalsVersion(h.Version, 1<<4) {
		t.Errorf("header version %#x does not signal", h.Version)
	}
}

func TestMiner_ProduceBlockCtx_Cancelled(t *testing.T) {
	m, chain, _ := testMiner(t, 0)
	chain.nextBits = 0x03000001 // target 1: unreachable

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ProduceBlockCtx(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
