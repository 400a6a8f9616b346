// Package metrics holds the Prometheus collectors for the recorder.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/capture"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
)

// Metrics contains all Prometheus metrics for the recorder.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec
	StartFailures   *prometheus.CounterVec

	// Capture metrics
	SegmentsClosed  prometheus.Counter
	SegmentsFailed  prometheus.Counter
	FramesDecoded   prometheus.Counter
	AudioSeconds    prometheus.Counter
	PacketsDropped  prometheus.Counter
	SegmentDuration prometheus.Histogram

	// Mixdown metrics
	MixdownDuration prometheus.Histogram
	MixdownResults  *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_sessions_active",
			Help: "Number of recording sessions currently running",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
		SessionsStopped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_sessions_stopped_total",
			Help: "Total number of recording sessions stopped, by reason",
		}, []string{"reason"}),
		StartFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_session_start_failures_total",
			Help: "Total number of rejected or failed session starts, by kind",
		}, []string{"kind"}),
		SegmentsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_segments_closed_total",
			Help: "Total number of speaker segments persisted",
		}),
		SegmentsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_segments_failed_total",
			Help: "Total number of speaker segments that failed",
		}),
		FramesDecoded: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_frames_decoded_total",
			Help: "Total number of opus frames decoded to PCM",
		}),
		AudioSeconds: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_audio_seconds_total",
			Help: "Total seconds of PCM audio decoded across all speakers",
		}),
		PacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "recorder_packets_dropped_total",
			Help: "Total number of voice packets dropped because a subscriber was full",
		}),
		SegmentDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_segment_duration_seconds",
			Help:    "Duration of persisted speaker segments",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900},
		}),
		MixdownDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_mixdown_duration_seconds",
			Help:    "Wall time spent producing the mixed artifact",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		MixdownResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_mixdowns_total",
			Help: "Total number of mixdowns, by result",
		}, []string{"result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_requests_total",
			Help: "Total number of HTTP API requests",
		}, []string{"route", "method", "code"}),
	}
}

// Tap counts decoded frames and audio seconds.
func (m *Metrics) Tap() capture.Tap {
	return capture.TapFunc(func(_ string, frame []int16) {
		m.FramesDecoded.Inc()
		m.AudioSeconds.Add(float64(len(frame)/audio.Channels) / audio.SampleRate)
	})
}

// OnDrop counts a dropped packet.
func (m *Metrics) OnDrop(string) { m.PacketsDropped.Inc() }

// ObserveSegment records a finished capture handle.
func (m *Metrics) ObserveSegment(res capture.Result) {
	switch {
	case res.Err != nil:
		m.SegmentsFailed.Inc()
	case res.Segment != nil:
		m.SegmentsClosed.Inc()
		m.SegmentDuration.Observe(res.Segment.Duration().Seconds())
	}
}

// ObserveMixdown records a finished mixdown.
func (m *Metrics) ObserveMixdown(took time.Duration, err error) {
	m.MixdownDuration.Observe(took.Seconds())
	switch {
	case err == nil:
		m.MixdownResults.WithLabelValues("ok").Inc()
	case errors.Is(err, mixdown.ErrNoAudioCaptured):
		m.MixdownResults.WithLabelValues("no_audio").Inc()
	default:
		m.MixdownResults.WithLabelValues("failed").Inc()
	}
}
