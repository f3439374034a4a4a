// Package metrics defines the prometheus collectors exported by the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "cribwatch"

	bufferLabelName  = "buffer"
	verdictLabelName = "verdict"
	resultLabelName  = "result"
)

// Buffer label values for FramesDropped.
const (
	BufferSample = "sample"
	BufferStream = "stream"
	BufferDecode = "decode"
)

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "number of registered sessions",
		})

	RecordingsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recordings_active",
			Help:      "number of sessions currently recording",
		})

	FramesIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_ingested_total",
			Help:      "frames accepted into a session",
		})

	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "frames dropped by buffer bounds or decode failures",
		}, []string{bufferLabelName})

	ClipsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_written_total",
			Help:      "sample clips written by the scheduler",
		})

	Detections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "detection runs by verdict",
		}, []string{verdictLabelName})

	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_sent_total",
			Help:      "push notifications by outcome",
		}, []string{resultLabelName})

	DetectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "wall time of one detection run",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		})
)

// Register registers every collector with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(SessionsActive)
	r.MustRegister(RecordingsActive)
	r.MustRegister(FramesIngested)
	r.MustRegister(FramesDropped)
	r.MustRegister(ClipsWritten)
	r.MustRegister(Detections)
	r.MustRegister(NotificationsSent)
	r.MustRegister(DetectionDuration)
}
