// Package metrics exposes Prometheus counters and gauges for the Master and
// Receiver roles, plus the HTTP endpoint Prometheus scrapes them from.
//
// The reference internal/metrics package kept plain atomic-counter structs
// with a GetSnapshot method; here the counters are Prometheus collectors
// instead (so a scraper can pull them directly), but the per-role grouping
// and the "cheap to bump from a hot path" shape carry over unchanged.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MasterMetrics aggregates what the transmission driver observes. A nil
// *MasterMetrics is valid everywhere it's used; every method is a no-op on
// a nil receiver so callers never need to guard with an existence check.
type MasterMetrics struct {
	ChunksSent      prometheus.Counter
	BytesSent       prometheus.Counter
	NacksReceived   prometheus.Counter
	Retransmissions prometheus.Counter
	WindowsComplete prometheus.Counter
	RoundCount      *prometheus.GaugeVec // labeled by window_id
	KnownUAVs       prometheus.Gauge
}

// NewMasterMetrics registers the Master's collectors on reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer for a process-wide one.
func NewMasterMetrics(reg prometheus.Registerer) *MasterMetrics {
	f := promauto.With(reg)
	return &MasterMetrics{
		ChunksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_master_chunks_sent_total",
			Help: "DATA_CHUNK frames sent, including retransmissions.",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_master_bytes_sent_total",
			Help: "Payload bytes sent across all message kinds.",
		}),
		NacksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_master_nacks_received_total",
			Help: "NACK messages received from any UAV.",
		}),
		Retransmissions: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_master_retransmissions_total",
			Help: "Chunks retransmitted during repair rounds.",
		}),
		WindowsComplete: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_master_windows_completed_total",
			Help: "Windows that reached completion by NACK stabilization (exhausted windows are not counted).",
		}),
		RoundCount: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcastrelay_master_window_round_count",
			Help: "Repair rounds consumed by the window named in the window_id label.",
		}, []string{"window_id"}),
		KnownUAVs: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcastrelay_master_known_uavs",
			Help: "Population count of known_uavs_bitmap.",
		}),
	}
}

// AddChunksSent, AddBytesSent, etc. are all nil-receiver safe: a Driver
// built without metrics wiring (nil *MasterMetrics) can call them unconditionally.
func (m *MasterMetrics) AddChunksSent(n int) { if m != nil { m.ChunksSent.Add(float64(n)) } }
func (m *MasterMetrics) AddBytesSent(n int)  { if m != nil { m.BytesSent.Add(float64(n)) } }
func (m *MasterMetrics) IncNacksReceived()   { if m != nil { m.NacksReceived.Inc() } }
func (m *MasterMetrics) AddRetransmissions(n int) {
	if m != nil {
		m.Retransmissions.Add(float64(n))
	}
}
func (m *MasterMetrics) IncWindowsComplete() { if m != nil { m.WindowsComplete.Inc() } }
func (m *MasterMetrics) SetRoundCount(windowID uint32, rounds int) {
	if m != nil {
		m.RoundCount.WithLabelValues(itoa(windowID)).Set(float64(rounds))
	}
}
func (m *MasterMetrics) SetKnownUAVs(n int) { if m != nil { m.KnownUAVs.Set(float64(n)) } }

// ReceiverMetrics aggregates what one Receiver process observes.
type ReceiverMetrics struct {
	ChunksReceived    prometheus.Counter
	CRCFailures       prometheus.Counter
	NacksSent         prometheus.Counter
	NacksSuppressed   prometheus.Counter
	WindowsCompleted  prometheus.Counter
	BytesWritten      prometheus.Counter
}

// NewReceiverMetrics registers the Receiver's collectors on reg.
func NewReceiverMetrics(reg prometheus.Registerer) *ReceiverMetrics {
	f := promauto.With(reg)
	return &ReceiverMetrics{
		ChunksReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_receiver_chunks_received_total",
			Help: "DATA_CHUNK frames accepted (CRC-valid, not duplicate).",
		}),
		CRCFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_receiver_crc_failures_total",
			Help: "DATA_CHUNK frames dropped for a CRC mismatch.",
		}),
		NacksSent: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_receiver_nacks_sent_total",
			Help: "NACKs actually emitted (timer fired uncancelled).",
		}),
		NacksSuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_receiver_nacks_suppressed_total",
			Help: "Pending NACK contexts cancelled by an overheard covering NACK.",
		}),
		WindowsCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_receiver_windows_completed_total",
			Help: "Windows whose received_bitmap reached expected_bitmap.",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "mcastrelay_receiver_bytes_written_total",
			Help: "Bytes written to the output file.",
		}),
	}
}

func (m *ReceiverMetrics) IncChunksReceived() { if m != nil { m.ChunksReceived.Inc() } }
func (m *ReceiverMetrics) IncCRCFailures()    { if m != nil { m.CRCFailures.Inc() } }
func (m *ReceiverMetrics) IncNacksSent()      { if m != nil { m.NacksSent.Inc() } }
func (m *ReceiverMetrics) IncNacksSuppressed() {
	if m != nil {
		m.NacksSuppressed.Inc()
	}
}
func (m *ReceiverMetrics) IncWindowsCompleted() { if m != nil { m.WindowsCompleted.Inc() } }
func (m *ReceiverMetrics) AddBytesWritten(n int) {
	if m != nil {
		m.BytesWritten.Add(float64(n))
	}
}

// Handler returns the HTTP handler a role serves /metrics with.
func Handler() http.Handler {
	return promhttp.Handler()
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	digits := [10]byte{}
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}
