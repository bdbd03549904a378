package chain

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-mvf/internal/consensus"
	"github.com/Klingon-tech/klingnet-mvf/internal/fork"
	"github.com/Klingon-tech/klingnet-mvf/internal/log"
	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
)

// MaxFutureDrift is how far ahead of the node clock a block timestamp may be.
const MaxFutureDrift = 2 * time.Hour

// Block processing errors.
var (
	ErrNotInitialized     = errors.New("chain has no genesis")
	ErrBlockKnown         = errors.New("block already known")
	ErrBadHeight          = errors.New("block height does not follow parent")
	ErrBadPrevHash        = errors.New("prev_hash does not match current tip")
	ErrTimestampTooFuture = errors.New("block timestamp too far in the future")
	ErrTimestampTooOld    = errors.New("block timestamp not after median time past")
	ErrBadDifficulty      = errors.New("block bits do not match expected difficulty")
	ErrBadPoW             = errors.New("proof of work check failed")
	ErrInvalidWindow      = errors.New("invalid retarget window")
	ErrTargetOverflow     = errors.New("retarget out of range")
	ErrActivation         = errors.New("fork activation actions failed")
	ErrLedgerWrite        = errors.New("activation ledger write failed")
)

// ProcessBlock validates a header and connects it to the tip.
//
// Order matters: every consensus check and the next difficulty are computed
// before the fork activation is recorded, and the activation is durable
// before the header is stored. A block that fails any check leaves no trace.
func (c *Chain) ProcessBlock(h *block.Header) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := h.Validate(); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if c.state.IsGenesis() {
		return ErrNotInitialized
	}

	hash := h.Hash()

	// Reject duplicates.
	known, err := c.blocks.HasHeader(hash)
	if err != nil {
		return fmt.Errorf("check header: %w", err)
	}
	if known {
		return ErrBlockKnown
	}

	// Parent linkage.
	if h.PrevHash != c.state.TipHash {
		return fmt.Errorf("%w: got %s, tip %s", ErrBadPrevHash, h.PrevHash.Short(), c.state.TipHash.Short())
	}
	if h.Height != c.state.Height+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrBadHeight, h.Height, c.state.Height+1)
	}

	// Timestamp bounds.
	maxTime := uint64(c.now().Add(MaxFutureDrift).Unix())
	if h.Timestamp > maxTime {
		return fmt.Errorf("%w: block timestamp %d exceeds max %d", ErrTimestampTooFuture, h.Timestamp, maxTime)
	}
	mtp, err := c.medianTimePast()
	if err != nil {
		return fmt.Errorf("median time past: %w", err)
	}
	if h.Timestamp <= mtp {
		return fmt.Errorf("%w: block timestamp %d, median %d", ErrTimestampTooOld, h.Timestamp, mtp)
	}

	// Difficulty must be exactly what the chain state demands.
	if h.Bits != c.state.Retarget.NextBits {
		return fmt.Errorf("%w: got %08x, want %08x", ErrBadDifficulty, h.Bits, c.state.Retarget.NextBits)
	}

	powErr := c.pow.CheckProofOfWork(h)
	if c.IsForkActiveAt(h.Height) {
		powErr = consensus.CheckProofOfWorkLimit(h, c.calc.MaxTarget)
	}
	if powErr != nil {
		return fmt.Errorf("%w: %w", ErrBadPoW, powErr)
	}

	rec := c.ledger.Record()

	// Trigger evaluation sees this block's version without committing it.
	outcome := fork.Evaluate(h.Height, h.Version, rec, c.forkCfg, c.tally)
	if outcome.Triggered() {
		rec = fork.Record{Activated: true, Height: h.Height}
	}

	next, err := c.nextRetargetState(h, rec)
	if err != nil {
		return err
	}

	if outcome.Triggered() {
		if err := c.activate(h.Height, outcome); err != nil {
			return err
		}
		log.Fork.Info().
			Uint64("height", h.Height).
			Str("bits", fmt.Sprintf("%08x", next.NextBits)).
			Msg("fork difficulty reset")
	}

	// Persist header, retarget state and tip together.
	if err := c.blocks.ConnectHeader(h, next); err != nil {
		return fmt.Errorf("store header: %w", err)
	}

	c.state.TipHash = hash
	c.state.Height = h.Height
	c.state.TipTimestamp = h.Timestamp
	c.state.Retarget = next
	c.tally.Add(h.Version)

	log.Chain.Debug().
		Uint64("height", h.Height).
		Str("hash", hash.Short()).
		Str("bits", fmt.Sprintf("%08x", h.Bits)).
		Str("next_bits", fmt.Sprintf("%08x", next.NextBits)).
		Msg("block connected")

	return nil
}

// nextRetargetState computes the difficulty state after h given the
// activation record as it will be once h is connected.
func (c *Chain) nextRetargetState(h *block.Header, rec fork.Record) (RetargetState, error) {
	switch {
	case rec.Activated && h.Height == rec.Height:
		step := c.calc.Activate(h.Height)
		return RetargetState{NextBits: step.NextBits, Window: step.Window}, nil

	case rec.Activated && h.Height > rec.Height:
		delta := int64(h.Timestamp) - int64(c.state.TipTimestamp)
		step, err := c.calc.Advance(c.state.Retarget.Window, rec.Height, h.Bits, delta)
		if err != nil {
			var iw *fork.InvalidWindowError
			if errors.As(err, &iw) {
				return RetargetState{}, fmt.Errorf("%w: %w", ErrInvalidWindow, err)
			}
			return RetargetState{}, fmt.Errorf("%w: %w", ErrTargetOverflow, err)
		}
		if step.Retargeted {
			log.Fork.Info().
				Uint64("height", h.Height).
				Uint64("interval", step.Interval).
				Int64("timespan", c.state.Retarget.Window.CumulativeTimeSpan+delta).
				Str("before", fmt.Sprintf("%08x", h.Bits)).
				Str("after", fmt.Sprintf("%08x", step.NextBits)).
				Msg("retarget")
		}
		return RetargetState{NextBits: step.NextBits, Window: step.Window}, nil

	default:
		getTS := func(height uint64) (uint64, error) {
			if height == h.Height {
				return h.Timestamp, nil
			}
			return c.getBlockTimestamp(height)
		}
		bits, err := c.pow.NormalNextBits(h.Height, h.Bits, getTS)
		if err != nil {
			return RetargetState{}, fmt.Errorf("%w: %w", ErrBadDifficulty, err)
		}
		if bits != h.Bits {
			log.Consensus.Info().
				Uint64("height", h.Height).
				Str("before", fmt.Sprintf("%08x", h.Bits)).
				Str("after", fmt.Sprintf("%08x", bits)).
				Msg("retarget")
		}
		return RetargetState{NextBits: bits}, nil
	}
}

// activate runs the activation handler and records the activation. Nothing
// is logged until the record is durable, so a rejected block that is later
// retried reports the activation once.
func (c *Chain) activate(height uint64, outcome fork.Outcome) error {
	if c.activationHandler != nil {
		if err := c.activationHandler(height, outcome); err != nil {
			return fmt.Errorf("%w: %w", ErrActivation, err)
		}
	}

	if err := c.ledger.RecordActivation(height); err != nil {
		var dup *fork.AlreadyActivatedError
		if errors.As(err, &dup) {
			log.Fork.Error().Err(err).Msg("activation recorded twice")
			return err
		}
		return fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	log.Fork.Info().
		Str("trigger", outcome.String()).
		Uint64("height", height).
		Msg("fork triggered")
	if c.activatedCallback != nil {
		c.activatedCallback(height, outcome)
	}
	return nil
}
