package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iqstream"

// Pipeline holds the sender side collectors. A nil *Pipeline records
// nothing.
type Pipeline struct {
	framesRead    prometheus.Counter
	framesDropped prometheus.Counter
	framesSent    prometheus.Counter
	datagrams     prometheus.Counter
	sendErrors    prometheus.Counter
	refused       prometheus.Counter
	queueDepth    prometheus.Gauge
	sendLatency   prometheus.Histogram
	state         *prometheus.GaugeVec
}

// NewPipeline registers the sender collectors with reg.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		framesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Sample frames read from the SDR source.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames evicted from the queue by the drop-oldest policy.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames transmitted without a transport error.",
		}),
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "UDP datagrams written.",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Frames whose transmission reported a transport error.",
		}),
		refused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_refused_total",
			Help:      "Datagrams the destination refused (ICMP port unreachable).",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Frames currently buffered between source and sink.",
		}),
		sendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_latency_seconds",
			Help:      "Time from frame capture to the end of its transmission.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_state",
			Help:      "1 for the pipeline's current lifecycle state.",
		}, []string{"state"}),
	}
	reg.MustRegister(p.framesRead, p.framesDropped, p.framesSent, p.datagrams,
		p.sendErrors, p.refused, p.queueDepth, p.sendLatency, p.state)
	return p
}

func (p *Pipeline) FrameRead() {
	if p != nil {
		p.framesRead.Inc()
	}
}

func (p *Pipeline) FrameDropped() {
	if p != nil {
		p.framesDropped.Inc()
	}
}

func (p *Pipeline) FrameSent(latencySeconds float64) {
	if p == nil {
		return
	}
	p.framesSent.Inc()
	p.sendLatency.Observe(latencySeconds)
}

func (p *Pipeline) DatagramsSent(n int) {
	if p != nil && n > 0 {
		p.datagrams.Add(float64(n))
	}
}

func (p *Pipeline) DatagramsRefused(n uint64) {
	if p != nil && n > 0 {
		p.refused.Add(float64(n))
	}
}

func (p *Pipeline) SendError() {
	if p != nil {
		p.sendErrors.Inc()
	}
}

func (p *Pipeline) QueueDepth(n int) {
	if p != nil {
		p.queueDepth.Set(float64(n))
	}
}

// State marks current as the active state and clears the others.
func (p *Pipeline) State(current string, all []string) {
	if p == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		p.state.WithLabelValues(s).Set(v)
	}
}

// Receiver holds the detector side collectors. A nil *Receiver records
// nothing.
type Receiver struct {
	samples prometheus.Counter
	scores  prometheus.Counter
	score   prometheus.Gauge
}

// NewReceiver registers the detector collectors with reg.
func NewReceiver(reg prometheus.Registerer) *Receiver {
	r := &Receiver{
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_received_total",
			Help:      "Complex samples decoded from received datagrams.",
		}),
		scores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_scores_total",
			Help:      "Detection scores computed.",
		}),
		score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "detection_score",
			Help:      "Most recent detection score (0..1).",
		}),
	}
	reg.MustRegister(r.samples, r.scores, r.score)
	return r
}

func (r *Receiver) SamplesReceived(n int) {
	if r != nil {
		r.samples.Add(float64(n))
	}
}

func (r *Receiver) Score(v float64) {
	if r == nil {
		return
	}
	r.scores.Inc()
	r.score.Set(v)
}

// Handler serves the collectors of g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
