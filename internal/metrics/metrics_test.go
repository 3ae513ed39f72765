package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPipelineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipeline(reg)

	m.FrameRead()
	m.FrameRead()
	m.FrameDropped()
	m.DatagramsSent(6)
	m.FrameSent(0.002)
	m.DatagramsRefused(4)
	m.SendError()
	m.QueueDepth(3)
	m.State("running", []string{"idle", "running", "stopped"})

	if got := testutil.ToFloat64(m.framesRead); got != 2 {
		t.Fatalf("expected frames read 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.datagrams); got != 6 {
		t.Fatalf("expected datagrams 6, got %f", got)
	}
	if got := testutil.ToFloat64(m.refused); got != 4 {
		t.Fatalf("expected refused 4, got %f", got)
	}
	if got := testutil.ToFloat64(m.queueDepth); got != 3 {
		t.Fatalf("expected queue depth 3, got %f", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("running")); got != 1 {
		t.Fatalf("expected running state 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.state.WithLabelValues("idle")); got != 0 {
		t.Fatalf("expected idle state 0, got %f", got)
	}
	if samples := testutil.CollectAndCount(m.sendLatency); samples != 1 {
		t.Fatalf("expected latency histogram to be collected once, got %d", samples)
	}
}

func TestNilMetricsAreNoOps(t *testing.T) {
	var p *Pipeline
	p.FrameRead()
	p.FrameSent(0)
	p.DatagramsSent(1)
	p.DatagramsRefused(1)
	p.State("idle", []string{"idle"})
	var r *Receiver
	r.Score(0.5)
	r.SamplesReceived(10)
}

func TestHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewReceiver(reg)
	r.Score(0.75)
	r.SamplesReceived(1024)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"iqstream_detection_score 0.75", "iqstream_samples_received_total 1024"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}
