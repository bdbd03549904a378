package fork

import (
	"testing"

	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
	"github.com/stretchr/testify/require"
)

const (
	testBit     = uint32(0x2)
	signalVer   = block.VersionTopBits | testBit
	plainVer    = block.VersionTopBits
	legacyVer   = uint32(0x2) // bit set but not a version-bit header
	signalCfgWS = 10
)

func signalConfig(threshold uint32) *Config {
	return &Config{
		ForkHeight:      HeightDisabled,
		SignalBit:       testBit,
		SignalWindow:    signalCfgWS,
		SignalThreshold: threshold,
		NormalInterval:  2016,
		TargetSpacing:   600,
	}
}

func TestOutcome_String(t *testing.T) {
	require.Equal(t, "none", NoTrigger.String())
	require.Equal(t, "height", HeightTrigger.String())
	require.Equal(t, "signal", SignalTrigger.String())
	require.False(t, NoTrigger.Triggered())
	require.True(t, SignalTrigger.Triggered())
}

func TestEvaluate_HeightTrigger(t *testing.T) {
	cfg := &Config{ForkHeight: 100, NormalInterval: 2016, TargetSpacing: 600}

	for h := uint64(0); h < 100; h++ {
		require.Equal(t, NoTrigger, Evaluate(h, plainVer, Record{}, cfg, nil), "height %d", h)
	}
	require.Equal(t, HeightTrigger, Evaluate(100, plainVer, Record{}, cfg, nil))
	// A node started late still triggers on the first block it connects.
	require.Equal(t, HeightTrigger, Evaluate(250, plainVer, Record{}, cfg, nil))
}

func TestEvaluate_AlreadyActivated(t *testing.T) {
	cfg := &Config{ForkHeight: 100, NormalInterval: 2016, TargetSpacing: 600}
	rec := Record{Activated: true, Height: 100}
	for _, h := range []uint64{100, 101, 5000} {
		require.Equal(t, NoTrigger, Evaluate(h, signalVer, rec, cfg, nil))
	}
}

func TestEvaluate_HeightPreemptsSignal(t *testing.T) {
	cfg := signalConfig(1)
	cfg.ForkHeight = 300
	tally := NewSignalTally(cfg.SignalBit, cfg.SignalWindow)

	for h := uint64(1); h < 300; h++ {
		require.Equal(t, NoTrigger, Evaluate(h, signalVer, Record{}, cfg, tally), "height %d", h)
		tally.Add(signalVer)
	}
	require.Equal(t, HeightTrigger, Evaluate(300, signalVer, Record{}, cfg, tally))
}

func TestEvaluate_SignalThreshold(t *testing.T) {
	cfg := signalConfig(6)
	tally := NewSignalTally(cfg.SignalBit, cfg.SignalWindow)

	// Five signaling blocks interleaved with plain ones never reach 6.
	versions := []uint32{signalVer, plainVer, signalVer, legacyVer, signalVer, plainVer, signalVer, signalVer, plainVer}
	for i, v := range versions {
		require.Equal(t, NoTrigger, Evaluate(uint64(i+1), v, Record{}, cfg, tally), "block %d", i+1)
		tally.Add(v)
	}
	require.Equal(t, uint32(5), tally.Count())

	require.Equal(t, NoTrigger, Evaluate(10, plainVer, Record{}, cfg, tally))
	require.Equal(t, SignalTrigger, Evaluate(10, signalVer, Record{}, cfg, tally))
}

func TestEvaluate_SignalWindowSlides(t *testing.T) {
	cfg := signalConfig(signalCfgWS)
	tally := NewSignalTally(cfg.SignalBit, cfg.SignalWindow)

	tally.Add(plainVer)
	for i := 0; i < signalCfgWS-1; i++ {
		tally.Add(signalVer)
	}
	// The plain block is evicted by the next one.
	require.Equal(t, uint32(signalCfgWS-1), tally.Count())
	require.Equal(t, SignalTrigger, Evaluate(11, signalVer, Record{}, cfg, tally))

	tally.Add(plainVer)
	require.Equal(t, uint32(signalCfgWS-1), tally.Count())
	require.Equal(t, NoTrigger, Evaluate(12, signalVer, Record{}, cfg, tally))
}

func TestSignalTally(t *testing.T) {
	tally := NewSignalTally(testBit, 3)
	require.Equal(t, 3, tally.Window())

	tally.Add(signalVer)
	tally.Add(signalVer)
	require.Equal(t, uint32(2), tally.Count())
	require.Equal(t, uint32(3), tally.CountWith(signalVer))
	require.Equal(t, uint32(2), tally.Count(), "CountWith must not mutate")

	tally.Add(plainVer)
	tally.Add(plainVer) // evicts the first signal
	require.Equal(t, uint32(1), tally.Count())

	tally.Reset()
	require.Zero(t, tally.Count())

	empty := NewSignalTally(testBit, 0)
	empty.Add(signalVer)
	require.Zero(t, empty.Count())
	require.Zero(t, empty.CountWith(signalVer))
}
