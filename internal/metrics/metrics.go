// Package metrics provides in-process and Prometheus-exported proxy
// metrics: aggregate counters on Collector, and per-miner counters on
// ClientMetrics.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector holds process-wide proxy metrics. When constructed with a
// non-nil PrometheusCollectors, every mutator except Reset also
// updates the matching Prometheus collector.
type Collector struct {
	UpConnected    atomic.Bool
	ClientsActive  atomic.Int64
	SharesOK       atomic.Uint64
	SharesBad      atomic.Uint64
	LastNotifyUnix atomic.Int64

	prom *PrometheusCollectors
}

// NewCollector creates a metrics collector. prom may be nil, in which
// case Collector behaves exactly as before Prometheus wiring existed.
func NewCollector(prom *PrometheusCollectors) *Collector {
	return &Collector{prom: prom}
}

// SetUpstreamConnected sets the upstream connection status.
func (m *Collector) SetUpstreamConnected(connected bool) {
	m.UpConnected.Store(connected)
	if m.prom != nil {
		if connected {
			m.prom.UpConnected.Set(1)
		} else {
			m.prom.UpConnected.Set(0)
		}
	}
}

// IsUpstreamConnected returns the upstream connection status.
func (m *Collector) IsUpstreamConnected() bool {
	return m.UpConnected.Load()
}

// IncrementClients increments the active client count.
func (m *Collector) IncrementClients() {
	m.ClientsActive.Add(1)
	if m.prom != nil {
		m.prom.ClientsActive.Inc()
	}
}

// DecrementClients decrements the active client count.
func (m *Collector) DecrementClients() {
	m.ClientsActive.Add(-1)
	if m.prom != nil {
		m.prom.ClientsActive.Dec()
	}
}

// GetClientsActive returns the current number of active clients.
func (m *Collector) GetClientsActive() int64 {
	return m.ClientsActive.Load()
}

// IncrementSharesOK increments the accepted shares counter.
func (m *Collector) IncrementSharesOK() {
	m.SharesOK.Add(1)
	if m.prom != nil {
		m.prom.SharesOK.Inc()
	}
}

// IncrementSharesBad increments the rejected shares counter.
func (m *Collector) IncrementSharesBad() {
	m.SharesBad.Add(1)
	if m.prom != nil {
		m.prom.SharesBad.Inc()
	}
}

// GetSharesOK returns the total accepted shares.
func (m *Collector) GetSharesOK() uint64 {
	return m.SharesOK.Load()
}

// GetSharesBad returns the total rejected shares.
func (m *Collector) GetSharesBad() uint64 {
	return m.SharesBad.Load()
}

// GetTotalShares returns the total shares (accepted + rejected).
func (m *Collector) GetTotalShares() uint64 {
	return m.SharesOK.Load() + m.SharesBad.Load()
}

// SetLastNotify updates the last job-delivery timestamp.
func (m *Collector) SetLastNotify(t time.Time) {
	m.LastNotifyUnix.Store(t.Unix())
	if m.prom != nil {
		m.prom.LastNotify.Set(float64(t.Unix()))
	}
}

// GetLastNotify returns the last job-delivery timestamp.
func (m *Collector) GetLastNotify() time.Time {
	return time.Unix(m.LastNotifyUnix.Load(), 0)
}

// GetAcceptanceRate calculates the share acceptance rate as a percentage.
func (m *Collector) GetAcceptanceRate() float64 {
	total := m.GetTotalShares()
	if total == 0 {
		return 0
	}
	return (float64(m.GetSharesOK()) / float64(total)) * 100
}

// Reset resets the in-process metrics to zero values; the Prometheus
// collectors keep their values.
func (m *Collector) Reset() {
	m.UpConnected.Store(false)
	m.ClientsActive.Store(0)
	m.SharesOK.Store(0)
	m.SharesBad.Store(0)
	m.LastNotifyUnix.Store(0)
}

// Snapshot returns a point-in-time view of the collected metrics.
func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		UpConnected:    m.IsUpstreamConnected(),
		ClientsActive:  m.GetClientsActive(),
		SharesOK:       m.GetSharesOK(),
		SharesBad:      m.GetSharesBad(),
		TotalShares:    m.GetTotalShares(),
		AcceptanceRate: m.GetAcceptanceRate(),
		LastNotify:     m.GetLastNotify(),
	}
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	UpConnected    bool      `json:"upstream"`
	ClientsActive  int64     `json:"clients_active"`
	SharesOK       uint64    `json:"shares_ok"`
	SharesBad      uint64    `json:"shares_bad"`
	TotalShares    uint64    `json:"total_shares"`
	AcceptanceRate float64   `json:"acceptance_rate"`
	LastNotify     time.Time `json:"last_notify"`
}

// ClientMetrics holds per-miner share counters, aggregated into a
// Collector's totals as each submit response arrives.
type ClientMetrics struct {
	OK  atomic.Uint64
	Bad atomic.Uint64
}

// NewClientMetrics creates a per-miner counter pair.
func NewClientMetrics() *ClientMetrics {
	return &ClientMetrics{}
}

// IncrementOK increments accepted shares for this miner.
func (c *ClientMetrics) IncrementOK() {
	c.OK.Add(1)
}

// IncrementBad increments rejected shares for this miner.
func (c *ClientMetrics) IncrementBad() {
	c.Bad.Add(1)
}

// GetOK returns accepted shares count.
func (c *ClientMetrics) GetOK() uint64 {
	return c.OK.Load()
}

// GetBad returns rejected shares count.
func (c *ClientMetrics) GetBad() uint64 {
	return c.Bad.Load()
}

// GetTotal returns total shares count.
func (c *ClientMetrics) GetTotal() uint64 {
	return c.OK.Load() + c.Bad.Load()
}

// GetAcceptanceRate calculates the acceptance rate for this miner.
func (c *ClientMetrics) GetAcceptanceRate() float64 {
	total := c.GetTotal()
	if total == 0 {
		return 0
	}
	return (float64(c.GetOK()) / float64(total)) * 100
}
