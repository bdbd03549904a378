// Package fork decides when the hard fork activates, records that decision
// durably and computes difficulty during the post-fork retarget period.
package fork

import (
	"fmt"
	"math"

	"github.com/Klingon-tech/klingnet-mvf/pkg/block"
)

// HeightDisabled is the ForkHeight value that turns the height trigger off.
const HeightDisabled uint64 = math.MaxUint64

// Default post-fork parameters.
const (
	DefaultSignalWindow    = 144
	DefaultSignalThreshold = 108
	DefaultRetargetPeriod  = 180 * 144 // RetargetPeriodFor(600)
	DefaultRetargetDays    = 180
)

// RetargetPeriodFor returns the number of blocks in DefaultRetargetDays at
// the given block spacing.
func RetargetPeriodFor(spacing uint64) uint64 {
	if spacing == 0 {
		return 0
	}
	return DefaultRetargetDays * 24 * 60 * 60 / spacing
}

// Config holds the fork parameters fixed at startup.
type Config struct {
	ForkHeight      uint64 // Trigger height, or HeightDisabled.
	SignalBit       uint32 // Version-bit mask; 0 disables signaling.
	SignalWindow    uint32 // Blocks in the rolling signal tally.
	SignalThreshold uint32 // Matching blocks required within the window.
	ForceRetarget   bool   // Enables the post-fork retarget schedule.
	RetargetPeriod  uint64 // Blocks after activation covered by the schedule.
	NormalInterval  uint64 // Blocks per retarget outside the special period.
	TargetSpacing   uint64 // Target seconds between blocks.
}

// HeightEnabled reports whether the height trigger is configured.
func (c *Config) HeightEnabled() bool {
	return c.ForkHeight != HeightDisabled
}

// SignalEnabled reports whether version-bit signaling can trigger the fork.
// Signaling only counts when no trigger height is configured.
func (c *Config) SignalEnabled() bool {
	return !c.HeightEnabled() && c.SignalBit != 0 && c.SignalWindow > 0 && c.SignalThreshold > 0
}

// Validate checks the parameters for contradictions.
func (c *Config) Validate() error {
	if c.NormalInterval == 0 {
		return &ConfigError{Field: "normal interval", Reason: "must be positive"}
	}
	if c.TargetSpacing == 0 {
		return &ConfigError{Field: "target spacing", Reason: "must be positive"}
	}
	if c.SignalBit&block.VersionTopMask != 0 {
		return &ConfigError{Field: "fork.signalbit", Reason: fmt.Sprintf("mask %#x overlaps the version-bit scheme bits", c.SignalBit)}
	}
	if c.SignalThreshold > c.SignalWindow {
		return &ConfigError{
			Field:  "fork.signalthreshold",
			Reason: fmt.Sprintf("threshold %d exceeds window %d", c.SignalThreshold, c.SignalWindow),
		}
	}
	if c.SignalBit != 0 && c.SignalWindow == 0 {
		return &ConfigError{Field: "fork.signalwindow", Reason: "must be positive when a signal bit is set"}
	}
	if !c.HeightEnabled() && c.SignalBit == 0 {
		return &ConfigError{Field: "fork.height", Reason: "disabled without a signal bit, the fork can never trigger"}
	}
	if c.ForceRetarget && c.RetargetPeriod == 0 {
		return &ConfigError{Field: "fork.retargetperiod", Reason: "must be positive when fork.forceretarget is set"}
	}
	return nil
}

// ConfigError reports contradictory or out-of-range fork parameters.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("fork config: %s: %s", e.Field, e.Reason)
}
