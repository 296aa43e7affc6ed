package conditioning

import "slices"

// SignalHistory keeps bounded newest-first readings per signal index.
type SignalHistory struct {
	limit  int
	series map[int][]float64
}

func NewSignalHistory(limit int) *SignalHistory {
	if limit <= 0 {
		limit = 1
	}
	return &SignalHistory{limit: limit, series: make(map[int][]float64)}
}

// Record prepends v to the series for index, creating it on first use.
func (h *SignalHistory) Record(index int, v float64) {
	s := h.series[index]
	s = slices.Insert(s, 0, v)
	if len(s) > h.limit {
		s = s[:h.limit]
	}
	h.series[index] = s
}

// Values returns the series for index, newest first. The slice is shared with
// the history and must not be modified.
func (h *SignalHistory) Values(index int) []float64 {
	return h.series[index]
}

func (h *SignalHistory) Latest(index int) (float64, bool) {
	s := h.series[index]
	if len(s) == 0 {
		return 0, false
	}
	return s[0], true
}

// Copy returns an independent copy of every series.
func (h *SignalHistory) Copy() map[int][]float64 {
	out := make(map[int][]float64, len(h.series))
	for k, v := range h.series {
		out[k] = slices.Clone(v)
	}
	return out
}
