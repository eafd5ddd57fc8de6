package metrics

import (
	"time"

	"uniclon/internal/logging"
)

// StatsProvider reports run ledger totals.
type StatsProvider interface {
	GetStats() (Stats, error)
}

// Stats summarizes the run ledger.
type Stats struct {
	TicketsByState map[string]int
	CopiesByStatus map[string]int
	AverageScore   float64
}

// Collector periodically copies ledger totals into gauges.
type Collector struct {
	statsProvider StatsProvider
	interval      time.Duration
	stopChan      chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	return &Collector{
		statsProvider: provider,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the collection loop
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collectLoop() {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	if c.statsProvider == nil {
		return
	}

	stats, err := c.statsProvider.GetStats()
	if err != nil {
		logging.Warn("Failed to collect ledger stats: %v", err)
		return
	}

	for state, n := range stats.TicketsByState {
		LedgerTickets.WithLabelValues(state).Set(float64(n))
	}
	for status, n := range stats.CopiesByStatus {
		LedgerCopies.WithLabelValues(status).Set(float64(n))
	}
	LedgerAverageScore.Set(stats.AverageScore)

	logging.Debug("Ledger metrics collected: tickets=%v copies=%v avgScore=%.1f",
		stats.TicketsByState, stats.CopiesByStatus, stats.AverageScore)
}
