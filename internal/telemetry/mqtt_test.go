package telemetry

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/iqstream/internal/logging"
)

func TestMQTTConfigDefaults(t *testing.T) {
	cfg := MQTTConfig{Broker: "localhost:1883"}.withDefaults()
	if cfg.Topic != "iqstream/detections" {
		t.Fatalf("unexpected topic %q", cfg.Topic)
	}
	if !strings.HasPrefix(cfg.ClientID, "iqdetect-") {
		t.Fatalf("unexpected client id %q", cfg.ClientID)
	}
	if cfg.ConnectTimeout != 5*time.Second || cfg.PublishTimeout != 2*time.Second {
		t.Fatalf("unexpected timeouts %+v", cfg)
	}
}

func TestBrokerURL(t *testing.T) {
	if got := brokerURL("host:1883"); got != "tcp://host:1883" {
		t.Fatalf("unexpected url %q", got)
	}
	if got := brokerURL("ssl://host:8883"); got != "ssl://host:8883" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestNewMQTTReporterValidates(t *testing.T) {
	logger := logging.New(logging.Error, logging.Text, io.Discard)
	if _, err := NewMQTTReporter(MQTTConfig{}, logger); err == nil {
		t.Fatal("expected missing broker error")
	}
	if _, err := NewMQTTReporter(MQTTConfig{Broker: "127.0.0.1:1", QoS: 3}, logger); err == nil {
		t.Fatal("expected qos error")
	}
}

func TestNewMQTTReporterUnreachableBroker(t *testing.T) {
	logger := logging.New(logging.Error, logging.Text, io.Discard)
	_, err := NewMQTTReporter(MQTTConfig{Broker: "127.0.0.1:1", ConnectTimeout: 300 * time.Millisecond}, logger)
	if err == nil {
		t.Fatal("expected connect error")
	}
}
