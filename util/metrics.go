package util

import (
  "time"

  "github.com/prometheus/client_golang/prometheus"
)

const (
  DirSent     = "sent"
  DirReceived = "received"
  ResultOk       = "ok"
  ResultRollback = "rollback"
  ResultStuck    = "stuck"
  ResultIncomplete = "incomplete"
)

// Counters for one process run.
// There is no http surface: they are dumped to a node exporter textfile at the end of a run.
type Metrics struct {
  registry    *prometheus.Registry
  transfers   *prometheus.CounterVec
  chunks      *prometheus.CounterVec
  bytes       *prometheus.CounterVec
  last_success *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
  m := &Metrics{
    registry: prometheus.NewRegistry(),
    transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
      Name: "thinsendrcv_transfers_total",
      Help: "Replication attempts by result.",
    }, []string{"volume", "result"}),
    chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
      Name: "thinsendrcv_chunks_total",
      Help: "Chunks streamed by direction.",
    }, []string{"direction"}),
    bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
      Name: "thinsendrcv_bytes_total",
      Help: "Payload bytes streamed by direction.",
    }, []string{"direction"}),
    last_success: prometheus.NewGaugeVec(prometheus.GaugeOpts{
      Name: "thinsendrcv_last_success_timestamp_seconds",
      Help: "Unix time of the last committed replication.",
    }, []string{"volume"}),
  }
  m.registry.MustRegister(m.transfers, m.chunks, m.bytes, m.last_success)
  return m
}

func (self *Metrics) Registry() *prometheus.Registry { return self.registry }

// All methods accept a nil receiver so that metrics stay optional.
func (self *Metrics) ObserveTransfer(volume string, result string) {
  if self == nil { return }
  self.transfers.WithLabelValues(volume, result).Inc()
}

func (self *Metrics) AddChunk(direction string, size int64) {
  if self == nil { return }
  self.chunks.WithLabelValues(direction).Inc()
  self.bytes.WithLabelValues(direction).Add(float64(size))
}

func (self *Metrics) MarkSuccess(volume string, ts time.Time) {
  if self == nil { return }
  self.last_success.WithLabelValues(volume).Set(float64(ts.Unix()))
}

func (self *Metrics) WriteTextfile(path string) error {
  if self == nil || path == "" { return nil }
  return prometheus.WriteToTextfile(path, self.registry)
}
