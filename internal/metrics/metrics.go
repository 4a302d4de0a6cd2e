// Package metrics exposes transfer counters as a prometheus.Collector,
// so a running client or server can be scraped the same way any other
// Go service is.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates counters for one running engine (client or
// server) and satisfies prometheus.Collector directly, rather than
// registering a family of separate metric objects.
type Collector struct {
	bytesSent        uint64
	bytesReceived    uint64
	chunksSent       uint64
	chunksReceived   uint64
	retransmissions  uint64
	resendsRequested uint64
	authFailures     uint64

	mu            sync.Mutex
	activeByState map[string]int

	bytesSentDesc        *prometheus.Desc
	bytesReceivedDesc    *prometheus.Desc
	chunksSentDesc       *prometheus.Desc
	chunksReceivedDesc   *prometheus.Desc
	retransmissionsDesc  *prometheus.Desc
	resendsRequestedDesc *prometheus.Desc
	authFailuresDesc     *prometheus.Desc
	sessionsDesc         *prometheus.Desc
}

// New builds a Collector whose metric names are prefixed with prefix,
// e.g. "filetransfer_server" or "filetransfer_client".
func New(prefix string) *Collector {
	return &Collector{
		activeByState:        make(map[string]int),
		bytesSentDesc:        prometheus.NewDesc(prefix+"_bytes_sent_total", "Total bytes sent.", nil, nil),
		bytesReceivedDesc:    prometheus.NewDesc(prefix+"_bytes_received_total", "Total bytes received.", nil, nil),
		chunksSentDesc:       prometheus.NewDesc(prefix+"_chunks_sent_total", "Total DATA chunks sent.", nil, nil),
		chunksReceivedDesc:   prometheus.NewDesc(prefix+"_chunks_received_total", "Total DATA chunks accepted.", nil, nil),
		retransmissionsDesc:  prometheus.NewDesc(prefix+"_retransmissions_total", "Total RESEND requests answered by a retransmission.", nil, nil),
		resendsRequestedDesc: prometheus.NewDesc(prefix+"_resends_requested_total", "Total RESEND broadcasts triggered by a receive timeout.", nil, nil),
		authFailuresDesc:     prometheus.NewDesc(prefix+"_auth_failures_total", "Total SEND_REQ rejected by the authentication check.", nil, nil),
		sessionsDesc:         prometheus.NewDesc(prefix+"_sessions", "Current number of sessions per state.", []string{"state"}, nil),
	}
}

func (c *Collector) AddBytesSent(n int)     { atomic.AddUint64(&c.bytesSent, uint64(n)) }
func (c *Collector) AddBytesReceived(n int) { atomic.AddUint64(&c.bytesReceived, uint64(n)) }
func (c *Collector) IncChunksSent()         { atomic.AddUint64(&c.chunksSent, 1) }
func (c *Collector) IncChunksReceived()     { atomic.AddUint64(&c.chunksReceived, 1) }
func (c *Collector) IncRetransmissions()    { atomic.AddUint64(&c.retransmissions, 1) }
func (c *Collector) IncResendsRequested()   { atomic.AddUint64(&c.resendsRequested, 1) }
func (c *Collector) IncAuthFailures()       { atomic.AddUint64(&c.authFailures, 1) }

// SetSessionState moves one session's accounting from "from" to "to"; an
// empty from means the session is new.
func (c *Collector) SetSessionState(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if from != "" {
		c.activeByState[from]--
	}
	c.activeByState[to]++
}

// RemoveSession drops a session's accounting entirely, for when it
// terminates rather than transitioning to another state.
func (c *Collector) RemoveSession(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeByState[state]--
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.bytesSentDesc
	descs <- c.bytesReceivedDesc
	descs <- c.chunksSentDesc
	descs <- c.chunksReceivedDesc
	descs <- c.retransmissionsDesc
	descs <- c.resendsRequestedDesc
	descs <- c.authFailuresDesc
	descs <- c.sessionsDesc
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	metrics <- prometheus.MustNewConstMetric(c.bytesSentDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.bytesSent)))
	metrics <- prometheus.MustNewConstMetric(c.bytesReceivedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.bytesReceived)))
	metrics <- prometheus.MustNewConstMetric(c.chunksSentDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.chunksSent)))
	metrics <- prometheus.MustNewConstMetric(c.chunksReceivedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.chunksReceived)))
	metrics <- prometheus.MustNewConstMetric(c.retransmissionsDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.retransmissions)))
	metrics <- prometheus.MustNewConstMetric(c.resendsRequestedDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.resendsRequested)))
	metrics <- prometheus.MustNewConstMetric(c.authFailuresDesc, prometheus.CounterValue, float64(atomic.LoadUint64(&c.authFailures)))

	c.mu.Lock()
	defer c.mu.Unlock()
	for state, n := range c.activeByState {
		if n <= 0 {
			continue
		}
		metrics <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(n), state)
	}
}
