package internal

import (
	"sync/atomic"
)

type Metrics struct {
	joins           atomic.Uint64
	reconnects      atomic.Uint64
	messages        atomic.Uint64
	uploads         atomic.Uint64
	sharesCreated   atomic.Uint64
	downloadsOK     atomic.Uint64
	downloadsFailed atomic.Uint64
	bytesServed     atomic.Uint64
	rateRejected    atomic.Uint64
	streamRejected  atomic.Uint64
	bwRejected      atomic.Uint64
	activeConns     atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncJoin(reconnected bool) {
	m.joins.Add(1)
	if reconnected {
		m.reconnects.Add(1)
	}
}

func (m *Metrics) IncMessage() {
	m.messages.Add(1)
}

func (m *Metrics) IncUpload() {
	m.uploads.Add(1)
}

func (m *Metrics) IncShareCreated() {
	m.sharesCreated.Add(1)
}

func (m *Metrics) IncDownload(ok bool, bytes int64) {
	if !ok {
		m.downloadsFailed.Add(1)
		return
	}
	m.downloadsOK.Add(1)
	if bytes > 0 {
		m.bytesServed.Add(uint64(bytes))
	}
}

// IncRejected counts an admission rejection by reason: "rate", "streams"
// or "bandwidth".
func (m *Metrics) IncRejected(reason string) {
	switch reason {
	case "rate":
		m.rateRejected.Add(1)
	case "streams":
		m.streamRejected.Add(1)
	case "bandwidth":
		m.bwRejected.Add(1)
	}
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

// MetricsSnapshot is the counters block of /api/stats.
type MetricsSnapshot struct {
	Joins             uint64 `json:"joins_total"`
	Reconnects        uint64 `json:"reconnects_total"`
	Messages          uint64 `json:"messages_total"`
	Uploads           uint64 `json:"uploads_total"`
	SharesCreated     uint64 `json:"shares_created_total"`
	DownloadsOK       uint64 `json:"downloads_ok_total"`
	DownloadsFailed   uint64 `json:"downloads_failed_total"`
	BytesServed       uint64 `json:"bytes_served_total"`
	RateRejected      uint64 `json:"rate_rejected_total"`
	StreamRejected    uint64 `json:"stream_rejected_total"`
	BandwidthRejected uint64 `json:"bandwidth_rejected_total"`
	ActiveConnections int64  `json:"active_connections"`
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Joins:             m.joins.Load(),
		Reconnects:        m.reconnects.Load(),
		Messages:          m.messages.Load(),
		Uploads:           m.uploads.Load(),
		SharesCreated:     m.sharesCreated.Load(),
		DownloadsOK:       m.downloadsOK.Load(),
		DownloadsFailed:   m.downloadsFailed.Load(),
		BytesServed:       m.bytesServed.Load(),
		RateRejected:      m.rateRejected.Load(),
		StreamRejected:    m.streamRejected.Load(),
		BandwidthRejected: m.bwRejected.Load(),
		ActiveConnections: m.activeConns.Load(),
	}
}
