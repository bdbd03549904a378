package chain

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-mvf/config"
	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/Klingon-tech/klingnet-mvf/internal/storage"
	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
)

const testSpacing = 600

// testParams returns regtest-like parameters where the post-fork floor is
// easier than the pre-fork limit, so the reset is visible in the bits.
func testParams() *config.Params {
	p := config.RegtestParams
	p.PowLimit = "3f" + strings.Repeat("ff", 31)
	p.ForkPowLimit = "7f" + strings.Repeat("ff", 31)
	p.NoRetargeting = false
	p.TargetSpacing = testSpacing
	return &p
}

// heightConfig activates at forkHeight with the post-fork schedule enabled.
func heightConfig(forkHeight uint64) *fork.Config {
	return &fork.Config{
		ForkHeight:     forkHeight,
		ForceRetarget:  true,
		RetargetPeriod: 2016,
		NormalInterval: 2016,
		TargetSpacing:  testSpacing,
	}
}

type testEnv struct {
	ch     *Chain
	db     storage.DB
	pow    *consensus.PoW
	ledger *fork.Ledger
	params *config.Params
	cfg    *fork.Config
}

// newTestEnv opens a chain over db, loading the ledger from ledgerDB
// (db when nil) and initializing genesis on a fresh store.
func newTestEnv(t *testing.T, db, ledgerDB storage.DB, cfg *fork.Config) *testEnv {
	t.Helper()
	p := testParams()
	powLimit, forkLimit, err := p.Limits()
	if err != nil {
		t.Fatalf("Limits: %v", err)
	}
	pow, err := consensus.NewPoW(powLimit, p.RetargetInterval, p.TargetSpacing)
	if err != nil {
		t.Fatalf("NewPoW: %v", err)
	}
	calc := fork.NewCalculator(forkLimit, p.TargetSpacing, fork.NewSchedule(cfg))

	if ledgerDB == nil {
		ledgerDB = db
	}
	ledger := fork.NewLedger(ledgerDB)
	if _, err := ledger.Load(); err != nil {
		t.Fatalf("ledger Load: %v", err)
	}

	ch, err := New(db, pow, calc, cfg, ledger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ch.State().IsGenesis() {
		if err := ch.InitFromGenesis(p); err != nil {
			t.Fatalf("InitFromGenesis: %v", err)
		}
	}
	return &testEnv{ch: ch, db: db, pow: pow, ledger: ledger, params: p, cfg: cfg}
}

// nextHeader builds and seals a header on the tip, delta seconds after it.
func (e *testEnv) nextHeader(t *testing.T, delta int64, version uint32) *block.Header {
	t.Helper()
	st := e.ch.State()
	h := &block.Header{
		Version:   version,
		PrevHash:  st.TipHash,
		Timestamp: uint64(int64(st.TipTimestamp) + delta),
		Height:    st.Height + 1,
		Bits:      st.Retarget.NextBits,
	}
	if err := e.pow.SealWithCancel(context.Background(), h); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return h
}

// extend connects n blocks at the target spacing.
func (e *testEnv) extend(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		h := e.nextHeader(t, testSpacing, block.CurrentVersion)
		if err := e.ch.ProcessBlock(h); err != nil {
			t.Fatalf("ProcessBlock(%d): %v", h.Height, err)
		}
	}
}

func (e *testEnv) floorBits() uint32 {
	_, forkLimit, _ := e.params.Limits()
	return consensus.TargetToCompact(forkLimit)
}

func (e *testEnv) genesisBits() uint32 {
	powLimit, _, _ := e.params.Limits()
	return consensus.TargetToCompact(powLimit)
}

func TestChain_InitFromGenesis(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil, heightConfig(100))

	if got := env.ch.Height(); got != 0 {
		t.Fatalf("height = %d, want 0", got)
	}
	if env.ch.GenesisHash().IsZero() {
		t.Fatal("genesis hash is zero")
	}
	if env.ch.GenesisHash() != env.ch.TipHash() {
		t.Fatal("tip is not genesis")
	}
	if got := env.ch.NextBits(); got != env.genesisBits() {
		t.Fatalf("next bits = %08x, want %08x", got, env.genesisBits())
	}
	if err := env.ch.InitFromGenesis(env.params); err == nil {
		t.Fatal("second InitFromGenesis should fail")
	}
}

func TestChain_NotInitialized(t *testing.T) {
	p := testParams()
	powLimit, forkLimit, _ := p.Limits()
	pow, _ := consensus.NewPoW(powLimit, p.RetargetInterval, p.TargetSpacing)
	cfg := heightConfig(100)
	ledger := fork.NewLedger(storage.NewMemory())
	if _, err := ledger.Load(); err != nil {
		t.Fatal(err)
	}
	ch, err := New(storage.NewMemory(), pow, fork.NewCalculator(forkLimit, testSpacing, fork.NewSchedule(cfg)), cfg, ledger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &block.Header{Version: block.CurrentVersion, Timestamp: 1, Height: 1, Bits: 0x203fffff}
	if err := ch.ProcessBlock(h); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("err = %v, want ErrNotInitialized", err)
	}
}

func TestChain_HeightActivation(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil, heightConfig(100))

	var calls []uint64
	env.ch.SetActivationHandler(func(height uint64, outcome fork.Outcome) error {
		if outcome != fork.HeightTrigger {
			t.Errorf("outcome = %v, want height", outcome)
		}
		calls = append(calls, height)
		return nil
	})

	env.extend(t, 99)
	if env.ch.ForkActive() {
		t.Fatal("fork active before the trigger height")
	}
	if got := env.ch.NextBits(); got != env.genesisBits() {
		t.Fatalf("pre-fork bits = %08x, want %08x", got, env.genesisBits())
	}

	env.extend(t, 1)
	if !env.ch.ForkActive() {
		t.Fatal("fork not active at the trigger height")
	}
	if h, ok := env.ledger.ActivationHeight(); !ok || h != 100 {
		t.Fatalf("activation height = %d, %v; want 100", h, ok)
	}
	if len(calls) != 1 || calls[0] != 100 {
		t.Fatalf("handler calls = %v, want [100]", calls)
	}

	// The block after activation is mined at the floor.
	rs := env.ch.RetargetState()
	if rs.NextBits != env.floorBits() {
		t.Fatalf("next bits = %08x, want floor %08x", rs.NextBits, env.floorBits())
	}
	if rs.Window.StartHeight != 101 || rs.Window.BlockCount != 0 {
		t.Fatalf("window = %+v, want empty window at 101", rs.Window)
	}
	if env.ch.IsForkActiveAt(100) || !env.ch.IsForkActiveAt(101) {
		t.Fatal("post-fork rules must start after the activation block")
	}

	env.extend(t, 5)
	if len(calls) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(calls))
	}
}

func TestChain_RejectsStaleBitsAfterActivation(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil, heightConfig(10))
	env.extend(t, 10)

	h := env.nextHeader(t, testSpacing, block.CurrentVersion)
	h.Bits = env.genesisBits()
	if err := env.pow.SealWithCancel(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	if err := env.ch.ProcessBlock(h); !errors.Is(err, ErrBadDifficulty) {
		t.Fatalf("err = %v, want ErrBadDifficulty", err)
	}
}

func TestChain_PostForkRetarget(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil, heightConfig(10))
	env.extend(t, 10)

	floor, _ := consensus.CompactToTarget(env.floorBits())

	// Half the spacing: one-block window, target halves.
	h := env.nextHeader(t, testSpacing/2, block.CurrentVersion)
	if err := env.ch.ProcessBlock(h); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	harder, _ := consensus.CompactToTarget(env.ch.NextBits())
	if !harder.Lt(floor) {
		t.Fatalf("target %x not below floor %x after a fast block", harder, floor)
	}
	if w := env.ch.RetargetState().Window; w.StartHeight != 12 {
		t.Fatalf("window start = %d, want 12", w.StartHeight)
	}

	// A slow block eases it back, never past the floor.
	h = env.nextHeader(t, 10*testSpacing, block.CurrentVersion)
	if err := env.ch.ProcessBlock(h); err != nil {
		t.Fatalf("ProcessBlock: %v", err)
	}
	if got := env.ch.NextBits(); got != env.floorBits() {
		t.Fatalf("bits = %08x, want floor %08x", got, env.floorBits())
	}
}

func TestChain_ThreeBlockWindows(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil, heightConfig(10))
	env.extend(t, 10)

	// Blocks 11..21 use one-block windows (0..10 since activation), block
	// 22 opens the first three-block window.
	env.extend(t, 11)
	if w := env.ch.RetargetState().Window; w.StartHeight != 22 {
		t.Fatalf("window start = %d, want 22", w.StartHeight)
	}
	bits := env.ch.NextBits()
	env.extend(t, 2)
	if got := env.ch.NextBits(); got != bits {
		t.Fatalf("bits changed mid-window: %08x -> %08x", bits, got)
	}
	if w := env.ch.RetargetState().Window; w.BlockCount != 2 {
		t.Fatalf("block count = %d, want 2", w.BlockCount)
	}
	env.extend(t, 1)
	if w := env.ch.RetargetState().Window; w.StartHeight != 25 || w.BlockCount != 0 {
		t.Fatalf("window = %+v, want empty window at 25", w)
	}
}

func TestChain_InvalidWindow(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil, heightConfig(20))
	env.extend(t, 20)

	// Earlier than its parent but later than the median time past.
	h := env.nextHeader(t, -100, block.CurrentVersion)
	err := env.ch.ProcessBlock(h)
	if !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("err = %v, want ErrInvalidWindow", err)
	}
	var iw *fork.InvalidWindowError
	if !errors.As(err, &iw) {
		t.Fatalf("err = %v, want *fork.InvalidWindowError", err)
	}
	if got := env.ch.Height(); got != 20 {
		t.Fatalf("height = %d, want 20", got)
	}
}

func TestChain_ActivationHandlerError(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil, heightConfig(5))
	env.extend(t, 4)

	var activated []uint64
	env.ch.SetActivatedCallback(func(height uint64, _ fork.Outcome) {
		activated = append(activated, height)
	})
	env.ch.SetActivationHandler(func(uint64, fork.Outcome) error {
		return errors.New("marker file unwritable")
	})
	h := env.nextHeader(t, testSpacing, block.CurrentVersion)
	if err := env.ch.ProcessBlock(h); !errors.Is(err, ErrActivation) {
		t.Fatalf("err = %v, want ErrActivation", err)
	}
	if env.ch.ForkActive() || env.ch.Height() != 4 {
		t.Fatal("failed activation left state behind")
	}
	if len(activated) != 0 {
		t.Fatalf("activated callback ran for a rejected block: %v", activated)
	}

	env.ch.SetActivationHandler(nil)
	if err := env.ch.ProcessBlock(h); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !env.ch.ForkActive() {
		t.Fatal("fork not active after retry")
	}
	if len(activated) != 1 || activated[0] != 5 {
		t.Fatalf("activated callback calls = %v, want [5]", activated)
	}
}

// failingDB rejects every write.
type failingDB struct {
	storage.DB
}

func (failingDB) Put(key, value []byte) error { return errors.New("disk full") }

func TestChain_LedgerWriteFailure(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), failingDB{storage.NewMemory()}, heightConfig(5))
	env.extend(t, 4)

	env.ch.SetActivatedCallback(func(uint64, fork.Outcome) {
		t.Error("activated callback ran without a ledger record")
	})
	h := env.nextHeader(t, testSpacing, block.CurrentVersion)
	if err := env.ch.ProcessBlock(h); !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("err = %v, want ErrLedgerWrite", err)
	}
	if env.ch.ForkActive() {
		t.Fatal("fork active after failed ledger write")
	}
	if got := env.ch.Height(); got != 4 {
		t.Fatalf("height = %d, want 4", got)
	}
	if known, _ := env.ch.blocks.HasHeader(h.Hash()); known {
		t.Fatal("header stored despite failed activation")
	}
}

func TestChain_ReplayAfterRecordedActivation(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil, heightConfig(5))
	env.extend(t, 4)

	// Activation reached the ledger but the header never did.
	if err := env.ledger.RecordActivation(5); err != nil {
		t.Fatal(err)
	}
	calls := 0
	env.ch.SetActivationHandler(func(uint64, fork.Outcome) error {
		calls++
		return nil
	})

	env.extend(t, 1)
	if calls != 0 {
		t.Fatalf("handler ran %d times on replay", calls)
	}
	if got := env.ch.NextBits(); got != env.floorBits() {
		t.Fatalf("next bits = %08x, want floor %08x", got, env.floorBits())
	}
}

func TestChain_Restart(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewBadger(dir, storage.Options{})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	env := newTestEnv(t, db, nil, heightConfig(5))
	env.extend(t, 8)
	want := env.ch.State()
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = storage.NewBadger(dir, storage.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	env = newTestEnv(t, db, nil, heightConfig(5))

	if !env.ledger.WasPreviouslyActivated() {
		t.Fatal("prior activation not detected")
	}
	if got := env.ch.State(); got != want {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
	env.extend(t, 3)
	if got := env.ch.Height(); got != 11 {
		t.Fatalf("height = %d, want 11", got)
	}
}

// tipReadErrorDB fails reads of the tip hash.
type tipReadErrorDB struct {
	storage.DB
}

var errIO = errors.New("input/output error")

func (d tipReadErrorDB) Get(key []byte) ([]byte, error) {
	if string(key) == string(keyTipHash) {
		return nil, errIO
	}
	return d.DB.Get(key)
}

func TestChain_TipReadError(t *testing.T) {
	db := storage.NewMemory()
	env := newTestEnv(t, db, nil, heightConfig(5))
	env.extend(t, 7)
	want := env.ch.State()

	if _, err := New(tipReadErrorDB{db}, env.pow, env.ch.calc, env.cfg, env.ledger); !errors.Is(err, errIO) {
		t.Fatalf("New err = %v, want the read error", err)
	}

	// The stored tip is untouched and still recovered once reads succeed.
	ch, err := New(db, env.pow, env.ch.calc, env.cfg, env.ledger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ch.State().IsGenesis() {
		t.Fatal("existing chain reported as fresh")
	}
	if got := ch.State(); got != want {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
}

func TestChain_SignalActivation(t *testing.T) {
	const bit = 1 << 1
	cfg := &fork.Config{
		ForkHeight:      fork.HeightDisabled,
		SignalBit:       bit,
		SignalWindow:    10,
		SignalThreshold: 8,
		ForceRetarget:   true,
		RetargetPeriod:  2016,
		NormalInterval:  2016,
		TargetSpacing:   testSpacing,
	}
	env := newTestEnv(t, storage.NewMemory(), nil, cfg)

	var outcome fork.Outcome
	env.ch.SetActivationHandler(func(_ uint64, o fork.Outcome) error {
		outcome = o
		return nil
	})

	signal := func() {
		h := env.nextHeader(t, testSpacing, block.VersionTopBits|bit)
		if err := env.ch.ProcessBlock(h); err != nil {
			t.Fatalf("ProcessBlock(%d): %v", h.Height, err)
		}
	}
	for i := 0; i < 7; i++ {
		signal()
	}
	if env.ch.ForkActive() {
		t.Fatal("active below threshold")
	}
	if got := env.ch.SignalCount(); got != 7 {
		t.Fatalf("signal count = %d, want 7", got)
	}

	signal()
	if !env.ch.ForkActive() || outcome != fork.SignalTrigger {
		t.Fatalf("fork not signal-activated (outcome %v)", outcome)
	}
	if h, _ := env.ledger.ActivationHeight(); h != 8 {
		t.Fatalf("activation height = %d, want 8", h)
	}
	if got := env.ch.NextBits(); got != env.floorBits() {
		t.Fatalf("next bits = %08x, want floor", got)
	}
}

func TestChain_HeaderChecks(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), nil, heightConfig(100))
	env.extend(t, 12)

	tests := []struct {
		name   string
		mutate func(h *block.Header)
		want   error
	}{
		{"bad prev", func(h *block.Header) { h.PrevHash[0] ^= 0xff }, ErrBadPrevHash},
		{"bad height", func(h *block.Header) { h.Height++ }, ErrBadHeight},
		{"bad bits", func(h *block.Header) { h.Bits = 0x1d00ffff }, ErrBadDifficulty},
		{"median time", func(h *block.Header) { h.Timestamp -= 7 * testSpacing }, ErrTimestampTooOld},
		{"future", func(h *block.Header) { h.Timestamp = uint64(time.Now().Add(3 * time.Hour).Unix()) }, ErrTimestampTooFuture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := env.nextHeader(t, testSpacing, block.CurrentVersion)
			// Every mutation is caught before the proof-of-work check.
			tt.mutate(h)
			if err := env.ch.ProcessBlock(h); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("duplicate", func(t *testing.T) {
		tip, err := env.ch.blocks.GetHeaderByHeight(env.ch.Height())
		if err != nil {
			t.Fatal(err)
		}
		if err := env.ch.ProcessBlock(tip); !errors.Is(err, ErrBlockKnown) {
			t.Fatalf("err = %v, want ErrBlockKnown", err)
		}
	})

	t.Run("bad pow", func(t *testing.T) {
		h := env.nextHeader(t, testSpacing, block.CurrentVersion)
		for consensus.CheckProofOfWorkLimit(h, env.pow.PowLimit) == nil {
			h.Nonce++
		}
		if err := env.ch.ProcessBlock(h); !errors.Is(err, ErrBadPoW) {
			t.Fatalf("err = %v, want ErrBadPoW", err)
		}
	})
}
