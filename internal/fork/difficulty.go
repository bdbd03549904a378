package fork

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/holiman/uint256"
)

// InvalidWindowError is returned for a window with no blocks or a
// non-positive elapsed time.
type InvalidWindowError struct {
	Window RetargetWindow
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("invalid retarget window at %d: %d blocks over %ds",
		e.Window.StartHeight, e.Window.BlockCount, e.Window.CumulativeTimeSpan)
}

// TargetOverflowError is returned when the prior target lies outside
// (0, maxTarget] and no valid successor can be derived from it.
type TargetOverflowError struct {
	Bits   uint32
	Reason string
}

func (e *TargetOverflowError) Error() string {
	return fmt.Sprintf("target out of range (bits %08x): %s", e.Bits, e.Reason)
}

// Calculator computes post-fork difficulty.
type Calculator struct {
	MaxTarget     *uint256.Int
	Spacing       uint64
	Schedule      *Schedule
	NoRetargeting bool // Network keeps bits constant unless the schedule is forced.
}

// NewCalculator returns a calculator over the given floor and schedule.
func NewCalculator(maxTarget *uint256.Int, spacing uint64, sched *Schedule) *Calculator {
	return &Calculator{MaxTarget: maxTarget, Spacing: spacing, Schedule: sched}
}

// ResetTarget returns the difficulty floor used right after activation.
func (c *Calculator) ResetTarget() *uint256.Int {
	return new(uint256.Int).Set(c.MaxTarget)
}

// NextTarget scales prior by the observed over the scheduled window time.
// Windows of at least three spacings have the observed time clamped to a
// factor of four; shorter ones may move abruptly. The result never exceeds
// MaxTarget and is never zero.
func (c *Calculator) NextTarget(w RetargetWindow, interval uint64, prior *uint256.Int) (*uint256.Int, error) {
	if w.BlockCount == 0 || w.CumulativeTimeSpan <= 0 {
		return nil, &InvalidWindowError{Window: w}
	}
	if interval == 0 {
		return nil, &InvalidWindowError{Window: w}
	}
	if prior == nil || prior.IsZero() {
		return nil, &TargetOverflowError{Reason: "zero prior target"}
	}
	if prior.Gt(c.MaxTarget) {
		return nil, &TargetOverflowError{Bits: consensus.TargetToCompact(prior), Reason: "prior target above maximum"}
	}

	expected := int64(interval * c.Spacing)
	actual := w.CumulativeTimeSpan
	if expected >= int64(3*c.Spacing) {
		actual = consensus.ClampTimespan(actual, expected)
	}

	next, overflow := consensus.ScaleTarget(prior, uint64(actual), uint64(expected))
	if overflow || next.Gt(c.MaxTarget) {
		return c.ResetTarget(), nil
	}
	if next.IsZero() {
		next.SetOne()
	}
	return next, nil
}

// Step is the outcome of folding one post-fork block into the window.
type Step struct {
	NextBits   uint32         // Bits required of the next block.
	Window     RetargetWindow // Window the next block belongs to.
	Interval   uint64         // Scheduled length of the window just extended.
	Retargeted bool           // A window boundary was crossed.
}

// Activate returns the step for the activation block: the next block is
// mined at the floor and opens the first post-fork window.
func (c *Calculator) Activate(activationHeight uint64) Step {
	return Step{
		NextBits: consensus.TargetToCompact(c.MaxTarget),
		Window:   NewWindow(activationHeight + 1),
	}
}

// Advance folds a connected post-fork block into w. bits is that block's
// difficulty and delta its timestamp minus its parent's.
func (c *Calculator) Advance(w RetargetWindow, activationHeight uint64, bits uint32, delta int64) (Step, error) {
	w = w.Add(delta)
	interval := c.Schedule.IntervalLengthFor(w.StartHeight - (activationHeight + 1))
	if !w.Full(interval) {
		return Step{NextBits: bits, Window: w, Interval: interval}, nil
	}
	if c.NoRetargeting && !c.Schedule.Forced() {
		return Step{NextBits: bits, Window: w.Next(), Interval: interval}, nil
	}

	prior, err := consensus.CompactToTarget(bits)
	if err != nil {
		return Step{}, &TargetOverflowError{Bits: bits, Reason: err.Error()}
	}
	next, err := c.NextTarget(w, interval, prior)
	if err != nil {
		return Step{}, err
	}
	return Step{
		NextBits:   consensus.TargetToCompact(next),
		Window:     w.Next(),
		Interval:   interval,
		Retargeted: true,
	}, nil
}
