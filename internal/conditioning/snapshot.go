package conditioning

import (
	"maps"
	"slices"
	"time"
)

// Snapshot is a copy of controller state taken after a cycle.
type Snapshot struct {
	Shape               TipShape          `json:"shape"`
	Cycle               int               `json:"cycle"`
	PulseVoltage        float64           `json:"pulse_voltage"`
	CyclesWithoutChange int               `json:"cycles_without_change"`
	Histories           map[int][]float64 `json:"histories"`
	LastSweep           *SweepResult      `json:"last_sweep,omitempty"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.snap
	s.Histories = make(map[int][]float64, len(c.snap.Histories))
	for k, v := range c.snap.Histories {
		s.Histories[k] = slices.Clone(v)
	}
	if c.snap.LastSweep != nil {
		sw := *c.snap.LastSweep
		sw.Samples = slices.Clone(sw.Samples)
		s.LastSweep = &sw
	}
	return s
}

// Shape returns the tip shape as of the last published cycle.
func (c *Controller) Shape() TipShape {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.Shape
}

// History returns the newest-first readings recorded for signal.
func (c *Controller) History(signal int) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.snap.Histories[signal])
}

// Signals lists the signal indices that have history.
func (c *Controller) Signals() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.snap.Histories))
}
