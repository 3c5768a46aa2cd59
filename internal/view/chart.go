package view

import "sync"

// HoursPerDay is the number of buckets in a daily chart.
const HoursPerDay = 24

// ChartState is what a chart shows for one device and date.
type ChartState struct {
	DeviceID string               `json:"device_id"`
	OwnerID  string               `json:"owner_id"`
	Date     string               `json:"date"`
	Buckets  [HoursPerDay]float64 `json:"buckets"`
	Current  float64              `json:"current"`
	Loading  bool                 `json:"loading"`
	Error    string               `json:"error,omitempty"`
}

// Chart is the hourly consumption chart.
type Chart struct {
	mu       sync.Mutex
	state    ChartState
	listener func(ChartState)
}

func NewChart(listener func(ChartState)) *Chart {
	return &Chart{listener: listener}
}

func (c *Chart) Render(s ChartState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.listener != nil {
		c.listener(s)
	}
}

func (c *Chart) State() ChartState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
