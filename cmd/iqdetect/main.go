package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"github.com/rjboer/iqstream/internal/detect"
	"github.com/rjboer/iqstream/internal/logging"
	"github.com/rjboer/iqstream/internal/mdns"
	"github.com/rjboer/iqstream/internal/metrics"
	"github.com/rjboer/iqstream/internal/telemetry"
	"github.com/rjboer/iqstream/internal/transport"
)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.LookupEnv)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if cfg.discover {
		streams, err := mdns.Discover(ctx, cfg.discoverTimeout)
		if err != nil {
			logger.Warn("mdns discovery failed", logging.Err(err))
		}
		cfg = applyDiscovered(cfg, streams, logger)
	}

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("run: %v", err)
	}
}

type cliConfig struct {
	listen          string
	sampleRate      float64
	target          float64
	bandwidth       float64
	window          int
	interval        time.Duration
	webAddr         string
	historyLimit    int
	stdout          bool
	mqttBroker      string
	mqttTopic       string
	streamID        string
	discover        bool
	discoverTimeout time.Duration
	logLevel        string
	logFormat       string

	// set records flags given explicitly on the command line.
	set map[string]bool
}

func parseConfig(args []string, lookup func(string) (string, bool)) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("iqdetect", flag.ContinueOnError)
	fs.StringVar(&cfg.listen, "listen", envString(lookup, "IQDETECT_LISTEN", ":4001"), "UDP listen address (host:port, multicast group allowed)")
	fs.Float64Var(&cfg.sampleRate, "sample-rate", envFloat(lookup, "IQDETECT_SAMPLE_RATE", 2e6), "Sender sample rate in Hz")
	fs.Float64Var(&cfg.target, "target", envFloat(lookup, "IQDETECT_TARGET", 200e3), "Target offset from centre in Hz")
	fs.Float64Var(&cfg.bandwidth, "bandwidth", envFloat(lookup, "IQDETECT_BANDWIDTH", 5e3), "Gaussian detection bandwidth in Hz (0 = nearest bin)")
	fs.IntVar(&cfg.window, "window", envInt(lookup, "IQDETECT_WINDOW", detect.DefaultWindow), "Samples per analysis window")
	fs.DurationVar(&cfg.interval, "interval", envDuration(lookup, "IQDETECT_INTERVAL", detect.DefaultInterval), "Detection interval")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "IQDETECT_WEB_ADDR", ":8080"), "Web telemetry and metrics listen address (empty disables)")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "IQDETECT_HISTORY_LIMIT", 500), "Maximum scores to keep in telemetry history")
	fs.BoolVar(&cfg.stdout, "stdout", envBool(lookup, "IQDETECT_STDOUT", false), "Log every score")
	fs.StringVar(&cfg.mqttBroker, "mqtt-broker", envString(lookup, "IQDETECT_MQTT_BROKER", ""), "MQTT broker host:port (empty disables)")
	fs.StringVar(&cfg.mqttTopic, "mqtt-topic", envString(lookup, "IQDETECT_MQTT_TOPIC", "iqstream/detections"), "MQTT topic for scores")
	fs.StringVar(&cfg.streamID, "stream-id", envString(lookup, "IQDETECT_STREAM_ID", ""), "Stream identifier attached to scores")
	fs.BoolVar(&cfg.discover, "discover", envBool(lookup, "IQDETECT_DISCOVER", false), "Browse mDNS for an iqstream sender before listening")
	fs.DurationVar(&cfg.discoverTimeout, "discover-timeout", envDuration(lookup, "IQDETECT_DISCOVER_TIMEOUT", 3*time.Second), "mDNS browse duration")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "IQDETECT_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "IQDETECT_LOG_FORMAT", "text"), "Log format (text|json)")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	cfg.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { cfg.set[f.Name] = true })
	return cfg, nil
}

func (c cliConfig) detectConfig() detect.Config {
	return detect.Config{
		SampleRate: c.sampleRate,
		TargetHz:   c.target,
		Bandwidth:  c.bandwidth,
		Window:     c.window,
		Interval:   c.interval,
		StreamID:   c.streamID,
	}
}

func newLogger(cfg cliConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.logLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.logFormat)
	if err != nil {
		return nil, err
	}
	return logging.New(level, format, os.Stderr), nil
}

// applyDiscovered adopts the first discovered stream's parameters for
// settings not given on the command line.
func applyDiscovered(cfg cliConfig, streams []mdns.Stream, logger logging.Logger) cliConfig {
	for _, s := range streams {
		logger.Info("discovered stream",
			logging.F("instance", s.Instance),
			logging.F("host", s.Hostname),
			logging.F("stream", s.TXT["stream"]),
			logging.F("dest", s.TXT["dest"]),
			logging.F("rate", s.TXT["rate"]))
	}
	if len(streams) == 0 {
		logger.Warn("no iqstream senders found")
		return cfg
	}
	txt := streams[0].TXT
	if rate, err := strconv.ParseFloat(txt["rate"], 64); err == nil && rate > 0 && !cfg.set["sample-rate"] {
		cfg.sampleRate = rate
	}
	if id := txt["stream"]; id != "" && !cfg.set["stream-id"] {
		cfg.streamID = id
	}
	if dest := txt["dest"]; dest != "" && !cfg.set["listen"] {
		if host, port, err := net.SplitHostPort(dest); err == nil {
			if ip := net.ParseIP(host); ip != nil && ip.IsMulticast() {
				cfg.listen = dest
			} else {
				cfg.listen = ":" + port
			}
		}
	}
	return cfg
}

// run receives datagrams and scores them until ctx ends.
func run(ctx context.Context, cfg cliConfig, logger logging.Logger) error {
	reg := prometheus.NewRegistry()
	rm := metrics.NewReceiver(reg)

	var reporters telemetry.MultiReporter
	if cfg.webAddr != "" {
		hub := telemetry.NewHub(cfg.historyLimit, logger)
		reporters = append(reporters, hub)
		go telemetry.NewWebServer(cfg.webAddr, hub, metrics.Handler(reg), logger).Start(ctx)
	}
	if cfg.stdout || cfg.webAddr == "" {
		reporters = append(reporters, telemetry.NewStdoutReporter(logger))
	}
	if cfg.mqttBroker != "" {
		mq, err := telemetry.NewMQTTReporter(telemetry.MQTTConfig{Broker: cfg.mqttBroker, Topic: cfg.mqttTopic}, logger)
		if err != nil {
			return err
		}
		defer mq.Close()
		reporters = append(reporters, mq)
	}

	det, err := detect.New(cfg.detectConfig(), reporters, rm, logger)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	recv, err := transport.Listen(cfg.listen, logger)
	if err != nil {
		return err
	}
	defer recv.Close()
	logger.Info("listening", logging.F("addr", recv.Addr().String()))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = det.Run(ctx)
	}()
	var recvErr error
	go func() {
		defer wg.Done()
		recvErr = recv.Run(ctx, det.Add)
	}()
	wg.Wait()
	return recvErr
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
