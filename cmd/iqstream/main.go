package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sys/unix"

	"github.com/rjboer/iqstream/internal/config"
	"github.com/rjboer/iqstream/internal/logging"
	"github.com/rjboer/iqstream/internal/mdns"
	"github.com/rjboer/iqstream/internal/metrics"
	"github.com/rjboer/iqstream/internal/pipeline"
	"github.com/rjboer/iqstream/internal/sdr"
	"github.com/rjboer/iqstream/internal/telemetry"
	"github.com/rjboer/iqstream/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:], os.LookupEnv)
	case "validate":
		err = validateCommand(os.Args[2:], os.LookupEnv, os.Stdout)
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	default:
		printUsage(os.Stderr)
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("iqstream %s: %v", cmd, err)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `usage: iqstream <command> [flags]

commands:
  run       stream SDR samples to a UDP destination
  validate  check a configuration and print the resolved settings
  stats     poll a running instance's metrics endpoint

Every setting can come from -config FILE, an IQSTREAM_<NAME> environment
variable or a flag; flags win over the environment, which wins over the file.
Run "iqstream run -h" for the full flag list.`)
}

func parseConfig(name string, args []string, lookup func(string) (string, bool)) (config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fl := config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, fmt.Errorf("unexpected arguments %v", fs.Args())
	}
	return config.Resolve(fl, lookup)
}

func newLogger(cfg config.Config, out io.Writer) logging.Logger {
	// Validate already rejected unknown names.
	level, _ := logging.ParseLevel(cfg.LogLevel)
	format, _ := logging.ParseFormat(cfg.LogFormat)
	return logging.New(level, format, out)
}

func runCommand(args []string, lookup func(string) (string, bool)) error {
	cfg, err := parseConfig("run", args, lookup)
	if err != nil {
		return err
	}
	if cfg.StreamID == "" {
		cfg.StreamID = uuid.NewString()
	}
	logger := newLogger(cfg, os.Stderr)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

// run streams until ctx ends or the device fails. Device errors are
// returned; a capture file reaching its end is a normal finish.
func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	logger = logger.With(logging.F("stream", cfg.StreamID))

	src, err := sdr.Open(ctx, cfg.SDRConfig())
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	sink, err := transport.Dial(ctx, cfg.SinkConfig(), logger)
	if err != nil {
		_ = src.Close()
		return fmt.Errorf("open sink: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := pipeline.New(src, sink, pipeline.Options{
		Capacity: cfg.QueueCapacity,
		Policy:   cfg.Policy(),
		Logger:   logger,
		Metrics:  metrics.NewPipeline(reg),
		StreamID: cfg.StreamID,
	})
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("close pipeline", logging.Err(err))
		}
	}()

	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	if cfg.MetricsAddr != "" {
		go telemetry.NewWebServer(cfg.MetricsAddr, nil, metrics.Handler(reg), logger).Start(serveCtx)
	}
	if cfg.MDNS {
		adv, err := advertise(cfg, src.Info())
		if err != nil {
			logger.Warn("mdns advertisement failed", logging.Err(err))
		} else {
			defer adv.Shutdown()
			logger.Info("advertising stream", logging.F("service", mdns.Service))
		}
	}

	// Start with a context of its own so a signal drains through Stop.
	if err := p.Start(context.Background()); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = p.Stop(stopCtx)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("drain did not finish in time", logging.F("timeout", shutdownTimeout))
			err = nil
		}
	case <-p.Done():
		err = p.Err()
	}

	if err != nil && errors.Is(err, io.EOF) {
		logger.Info("capture file finished")
		return nil
	}
	return err
}

func advertise(cfg config.Config, info sdr.DeviceInfo) (*mdns.Advertisement, error) {
	instance := cfg.MDNSInstance
	if instance == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "localhost"
		}
		instance = "iqstream on " + host
	}
	return mdns.Advertise(instance, cfg.DestinationPort, streamTXT(cfg, info))
}

func streamTXT(cfg config.Config, info sdr.DeviceInfo) map[string]string {
	return map[string]string{
		"stream":       cfg.StreamID,
		"format":       "cf32le",
		"dest":         cfg.SinkConfig().Addr(),
		"rate":         strconv.FormatFloat(info.SampleRate, 'f', -1, 64),
		"center":       strconv.FormatFloat(info.CenterFreq, 'f', -1, 64),
		"max_datagram": strconv.Itoa(cfg.MaxDatagramSize),
		"device":       info.Name,
	}
}

func validateCommand(args []string, lookup func(string) (string, bool), out io.Writer) error {
	cfg, err := parseConfig("validate", args, lookup)
	if err != nil {
		return err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "config looks good")
	_, err = out.Write(data)
	return err
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			values, err := fetchMetrics(ctx, *url)
			if err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
				continue
			}
			fmt.Println(formatSnapshot(values))
		}
	}
}

var statsMetrics = []string{
	"iqstream_frames_read_total",
	"iqstream_frames_sent_total",
	"iqstream_frames_dropped_total",
	"iqstream_datagrams_sent_total",
	"iqstream_send_errors_total",
	"iqstream_queue_length",
}

func fetchMetrics(ctx context.Context, url string) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return parseMetrics(resp.Body, statsMetrics)
}

func parseMetrics(r io.Reader, names []string) (map[string]float64, error) {
	values := make(map[string]float64, len(names))
	for _, n := range names {
		values[n] = 0
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		name, raw, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		if _, want := values[name]; !want {
			continue
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			values[name] = v
		}
	}
	return values, scanner.Err()
}

func formatSnapshot(values map[string]float64) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%.0f", strings.TrimPrefix(k, "iqstream_"), values[k]))
	}
	return time.Now().Format(time.TimeOnly) + " " + strings.Join(parts, " ")
}
