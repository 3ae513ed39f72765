package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/rjboer/iqstream/internal/logging"
)

// MQTTConfig configures the MQTT reporter.
type MQTTConfig struct {
	Broker         string // host:port or a full URL such as tcp://host:1883
	Topic          string
	ClientID       string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func (c MQTTConfig) withDefaults() MQTTConfig {
	if c.Topic == "" {
		c.Topic = "iqstream/detections"
	}
	if c.ClientID == "" {
		c.ClientID = "iqdetect-" + uuid.NewString()[:8]
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	return c
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// MQTTReporter publishes scores as JSON to an MQTT topic. Publish failures
// are logged and counted; they never stop detection.
type MQTTReporter struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger logging.Logger
	errors atomic.Uint64
	sent   atomic.Uint64
}

// NewMQTTReporter connects to the broker. The client reconnects on its own
// after the first successful connection.
func NewMQTTReporter(cfg MQTTConfig, logger logging.Logger) (*MQTTReporter, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker is required")
	}
	cfg = cfg.withDefaults()
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt: invalid qos %d", cfg.QoS)
	}
	if logger == nil {
		logger = logging.Default()
	}
	r := &MQTTReporter{
		cfg:    cfg,
		logger: logger.With(logging.F("subsystem", "mqtt"), logging.F("broker", cfg.Broker)),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		r.logger.Info("mqtt connection established", logging.F("client_id", cfg.ClientID))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		r.logger.Warn("mqtt connection lost, will auto-reconnect", logging.Err(err))
	}
	r.client = mqtt.NewClient(opts)

	token := r.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		r.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt: connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return r, nil
}

// Report implements Reporter.
func (r *MQTTReporter) Report(s Score) {
	if err := r.publish(s); err != nil {
		n := r.errors.Add(1)
		if n == 1 || n%100 == 0 {
			r.logger.Warn("mqtt publish failed", logging.F("errors", n), logging.Err(err))
		}
		return
	}
	r.sent.Add(1)
}

func (r *MQTTReporter) publish(s Score) error {
	if !r.client.IsConnectionOpen() {
		return errors.New("mqtt not connected")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	token := r.client.Publish(r.cfg.Topic, r.cfg.QoS, false, payload)
	if !token.WaitTimeout(r.cfg.PublishTimeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// Stats returns the published and failed counts.
func (r *MQTTReporter) Stats() (sent, failed uint64) {
	return r.sent.Load(), r.errors.Load()
}

// Close disconnects from the broker.
func (r *MQTTReporter) Close() {
	r.client.Disconnect(250)
}
