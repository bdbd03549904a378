package fork

import "sort"

// Entry is one row of the post-fork interval table: from Start blocks after
// activation, retarget every Interval blocks.
type Entry struct {
	Start    uint64
	Interval uint64
}

// specialIntervals is the post-fork table in units of target spacing.
var specialIntervals = []Entry{
	{Start: 0, Interval: 1},
	{Start: 11, Interval: 3},
	{Start: 41, Interval: 6},
	{Start: 102, Interval: 18},
	{Start: 2001, Interval: 72},
}

// Schedule maps blocks since activation to a retarget interval length.
type Schedule struct {
	entries []Entry
	normal  uint64
	period  uint64
	force   bool
}

// NewSchedule builds the schedule for cfg. Rows starting at or after the
// retarget period are dropped; from the period on the normal interval applies.
func NewSchedule(cfg *Config) *Schedule {
	s := &Schedule{
		normal: cfg.NormalInterval,
		period: cfg.RetargetPeriod,
		force:  cfg.ForceRetarget,
	}
	for _, e := range specialIntervals {
		if e.Start >= cfg.RetargetPeriod {
			break
		}
		s.entries = append(s.entries, e)
	}
	s.entries = append(s.entries, Entry{Start: cfg.RetargetPeriod, Interval: cfg.NormalInterval})
	return s
}

// IntervalLengthFor returns the number of blocks per retarget window for a
// window beginning blocksSince blocks after the activation block.
func (s *Schedule) IntervalLengthFor(blocksSince uint64) uint64 {
	if !s.force {
		return s.normal
	}
	// First entry whose start is beyond blocksSince; the one before applies.
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Start > blocksSince
	})
	if i == 0 {
		return s.normal
	}
	return s.entries[i-1].Interval
}

// WithinSpecialPeriod reports whether blocksSince falls in the post-fork
// retarget period.
func (s *Schedule) WithinSpecialPeriod(blocksSince uint64) bool {
	return s.force && blocksSince < s.period
}

// Forced reports whether the post-fork schedule is enabled.
func (s *Schedule) Forced() bool { return s.force }

// Normal returns the normal interval length.
func (s *Schedule) Normal() uint64 { return s.normal }

// Period returns the length of the special period in blocks.
func (s *Schedule) Period() uint64 { return s.period }

// Entries returns a copy of the table, including the final normal row.
func (s *Schedule) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
