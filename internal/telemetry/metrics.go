package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors for the receiver cycle.
type Metrics struct {
	Cycles          *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	Runs            *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	TriggerWait     prometheus.Histogram
	TriggerToDone   prometheus.Histogram
	ChannelLevel    *prometheus.GaugeVec
	LastFingerprint prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optosync",
			Name:      "cycles_total",
			Help:      "Receiver cycles by outcome.",
		}, []string{"outcome"}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optosync",
			Name:      "config_messages_total",
			Help:      "Configuration messages assembled from the serial link, by outcome.",
		}, []string{"outcome"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "optosync",
			Name:      "runs_total",
			Help:      "Controller runs by result.",
		}, []string{"result"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optosync",
			Name:      "run_duration_seconds",
			Help:      "Time from gate release until both channels are done.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 120},
		}),
		TriggerWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optosync",
			Name:      "trigger_wait_seconds",
			Help:      "Time spent waiting for the trigger after the configuration arrived.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		TriggerToDone: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "optosync",
			Name:      "trigger_to_done_seconds",
			Help:      "Time from trigger detection until the run finished.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 45, 60, 120},
		}),
		ChannelLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "optosync",
			Name:      "channel_level",
			Help:      "Current native output level per channel.",
		}, []string{"channel"}),
		LastFingerprint: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "optosync",
			Name:      "config_fingerprint",
			Help:      "CRC-16 of the last configuration received.",
		}),
	}
	reg.MustRegister(m.Cycles, m.Messages, m.Runs, m.RunDuration, m.TriggerWait,
		m.TriggerToDone, m.ChannelLevel, m.LastFingerprint)
	return m
}
