package fork

// RetargetWindow accumulates the blocks mined at one difficulty value.
// CumulativeTimeSpan is the timestamp of the last block in the window minus
// the timestamp of the block before the window.
type RetargetWindow struct {
	StartHeight        uint64 `json:"start_height"`
	BlockCount         uint64 `json:"block_count"`
	CumulativeTimeSpan int64  `json:"cumulative_time_span"`
}

// NewWindow returns an empty window whose first block is at start.
func NewWindow(start uint64) RetargetWindow {
	return RetargetWindow{StartHeight: start}
}

// Add returns the window extended by one block that arrived delta seconds
// after its parent. delta may be negative.
func (w RetargetWindow) Add(delta int64) RetargetWindow {
	w.BlockCount++
	w.CumulativeTimeSpan += delta
	return w
}

// Full reports whether the window has reached interval blocks.
func (w RetargetWindow) Full(interval uint64) bool {
	return w.BlockCount >= interval
}

// Next returns the empty window that follows w.
func (w RetargetWindow) Next() RetargetWindow {
	return NewWindow(w.StartHeight + w.BlockCount)
}
