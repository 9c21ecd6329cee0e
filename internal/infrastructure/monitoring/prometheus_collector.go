package monitoring

import (
	"time"

	"duocall/internal/core/domain"
	"duocall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.CallMetrics.
type PrometheusCollector struct {
	// Counters
	callsStarted     *prometheus.CounterVec
	callsEnded       *prometheus.CounterVec
	levelChanges     *prometheus.CounterVec
	candidates       *prometheus.CounterVec
	activeCalls      prometheus.Gauge
	qualityLevel     prometheus.Gauge
	framerateCap     prometheus.Gauge
	batteryLevel     prometheus.Gauge
	batteryCharging  prometheus.Gauge
	outboundBitrate  prometheus.Gauge
	availableBitrate prometheus.Gauge

	// Histograms
	setupLatency prometheus.Histogram
	callDuration prometheus.Histogram
	rtt          prometheus.Histogram
	loss         prometheus.Histogram
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the call metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		callsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_calls_started_total",
			Help: "Calls started, by local role",
		}, []string{"role"}),

		callsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_calls_ended_total",
			Help: "Calls ended, by end reason",
		}, []string{"reason"}),

		levelChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_quality_level_changes_total",
			Help: "Quality level changes, by direction and cause",
		}, []string{"direction", "cause"}),

		candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duocall_remote_candidates_total",
			Help: "Remote ICE candidates, by outcome",
		}, []string{"result"}),

		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_active_calls",
			Help: "Calls currently in progress",
		}),

		qualityLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_quality_level",
			Help: "Current quality level (0 audio_only .. 4 hd)",
		}),

		framerateCap: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_framerate_cap_fps",
			Help: "Encoder framerate cap applied by the retransmission throttle",
		}),

		batteryLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_battery_level_ratio",
			Help: "Battery level between 0 and 1",
		}),

		batteryCharging: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_battery_charging",
			Help: "1 while the battery is charging",
		}),

		outboundBitrate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_outbound_bitrate_kbps",
			Help: "Measured outbound bitrate",
		}),

		availableBitrate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duocall_available_outbound_bitrate_kbps",
			Help: "Congestion controller estimate of the outbound bitrate",
		}),

		setupLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duocall_call_setup_seconds",
			Help:    "Time from call start until the transport connected",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duocall_call_duration_seconds",
			Help:    "Duration of answered calls",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		rtt: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duocall_rtt_seconds",
			Help:    "Round trip time per quality sample",
			Buckets: []float64{0.01, 0.05, 0.1, 0.15, 0.3, 0.4, 0.8, 1.6},
		}),

		loss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "duocall_packet_loss_percent",
			Help:    "Worst direction packet loss per quality sample",
			Buckets: []float64{0.5, 1, 3, 5, 10, 20, 50},
		}),
	}
}

func (p *PrometheusCollector) CallStarted(role domain.Role) {
	p.callsStarted.WithLabelValues(string(role)).Inc()
	p.activeCalls.Inc()
}

func (p *PrometheusCollector) CallEnded(reason domain.EndReason, duration time.Duration) {
	p.callsEnded.WithLabelValues(string(reason)).Inc()
	p.activeCalls.Dec()
	if duration > 0 {
		p.callDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) SetupCompleted(_ domain.Role, elapsed time.Duration) {
	p.setupLatency.Observe(elapsed.Seconds())
}

func (p *PrometheusCollector) QualityChanged(from, to domain.QualityLevel, cause string) {
	direction := "up"
	if to < from {
		direction = "down"
	}
	p.levelChanges.WithLabelValues(direction, cause).Inc()
	p.qualityLevel.Set(float64(to))
}

func (p *PrometheusCollector) ObserveSample(sample domain.NetworkSample) {
	p.rtt.Observe(sample.RTT.Seconds())
	p.loss.Observe(sample.Loss())
	p.outboundBitrate.Set(sample.OutboundKbps)
	p.availableBitrate.Set(sample.AvailableKbps)
}

func (p *PrometheusCollector) FramerateCapped(fps int) {
	p.framerateCap.Set(float64(fps))
}

func (p *PrometheusCollector) BatteryUpdated(status domain.BatteryStatus) {
	if !status.Known {
		return
	}
	p.batteryLevel.Set(status.Level)
	charging := 0.0
	if status.Charging {
		charging = 1
	}
	p.batteryCharging.Set(charging)
}

func (p *PrometheusCollector) CandidateHandled(result string) {
	p.candidates.WithLabelValues(result).Inc()
}
