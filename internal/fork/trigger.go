package fork

import "github.com/Klingon-tech/klingnet-mvf/pkg/block"

// Outcome is the result of evaluating one block against the trigger rules.
type Outcome int

// Trigger outcomes.
const (
	NoTrigger Outcome = iota
	HeightTrigger
	SignalTrigger
)

func (o Outcome) String() string {
	switch o {
	case HeightTrigger:
		return "height"
	case SignalTrigger:
		return "signal"
	default:
		return "none"
	}
}

// Triggered reports whether the outcome activates the fork.
func (o Outcome) Triggered() bool {
	return o != NoTrigger
}

// Record is the persisted activation fact.
type Record struct {
	Activated bool
	Height    uint64
}

// Evaluate applies the trigger rules to the block at height with the given
// version. tally holds the versions of the blocks before it and is not
// modified; it may be nil when signaling is off.
//
// Rules in order: an existing activation never re-triggers, a configured
// height triggers at or above it, and otherwise the signal tally including
// this block must reach the threshold.
func Evaluate(height uint64, version uint32, rec Record, cfg *Config, tally *SignalTally) Outcome {
	if rec.Activated {
		return NoTrigger
	}
	if cfg.HeightEnabled() {
		if height >= cfg.ForkHeight {
			return HeightTrigger
		}
		return NoTrigger
	}
	if cfg.SignalEnabled() && tally != nil {
		if tally.CountWith(version) >= cfg.SignalThreshold {
			return SignalTrigger
		}
	}
	return NoTrigger
}

// SignalTally counts signaling blocks over the most recent window.
// It is a fixed-size ring of match flags with a running count.
type SignalTally struct {
	mask   uint32
	flags  []bool
	next   int
	filled int
	count  uint32
}

// NewSignalTally creates an empty tally over window blocks.
func NewSignalTally(mask, window uint32) *SignalTally {
	return &SignalTally{mask: mask, flags: make([]bool, window)}
}

// Add pushes one block version, evicting the oldest once the window is full.
func (t *SignalTally) Add(version uint32) {
	if len(t.flags) == 0 {
		return
	}
	if t.filled == len(t.flags) {
		if t.flags[t.next] {
			t.count--
		}
	} else {
		t.filled++
	}
	match := block.SignalsVersion(version, t.mask)
	t.flags[t.next] = match
	if match {
		t.count++
	}
	t.next = (t.next + 1) % len(t.flags)
}

// CountWith returns the count the tally would have after Add(version).
func (t *SignalTally) CountWith(version uint32) uint32 {
	if len(t.flags) == 0 {
		return 0
	}
	c := t.count
	if t.filled == len(t.flags) && t.flags[t.next] {
		c--
	}
	if block.SignalsVersion(version, t.mask) {
		c++
	}
	return c
}

// Count returns the number of signaling blocks in the window.
func (t *SignalTally) Count() uint32 { return t.count }

// Window returns the window size.
func (t *SignalTally) Window() int { return len(t.flags) }

// Reset empties the tally.
func (t *SignalTally) Reset() {
	for i := range t.flags {
		t.flags[i] = false
	}
	t.next, t.filled, t.count = 0, 0, 0
}
