// Package config loads iqstream settings from a YAML file, IQSTREAM_*
// environment variables and command-line flags, in that order of
// increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rjboer/iqstream/internal/logging"
	"github.com/rjboer/iqstream/internal/queue"
	"github.com/rjboer/iqstream/internal/sdr"
	"github.com/rjboer/iqstream/internal/transport"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IQSTREAM_"

type Config struct {
	StreamID string `yaml:"stream_id"`

	Backend         string  `yaml:"backend"`
	URI             string  `yaml:"uri"`
	Path            string  `yaml:"path"`
	Loop            bool    `yaml:"loop"`
	Paced           bool    `yaml:"paced"`
	SampleRate      float64 `yaml:"sample_rate"`
	CenterFrequency float64 `yaml:"center_frequency"`
	Gain            float64 `yaml:"gain"`
	FrameSize       int     `yaml:"frame_size"`
	ToneOffset      float64 `yaml:"tone_offset"`

	DestinationHost   string        `yaml:"destination_host"`
	DestinationPort   int           `yaml:"destination_port"`
	MaxDatagramSize   int           `yaml:"max_datagram_size"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	TOS               int           `yaml:"tos"`
	MulticastTTL      int           `yaml:"multicast_ttl"`
	MulticastLoopback bool          `yaml:"multicast_loopback"`

	QueueCapacity  int    `yaml:"queue_capacity"`
	OverflowPolicy string `yaml:"overflow_policy"`

	MetricsAddr  string `yaml:"metrics_addr"`
	MDNS         bool   `yaml:"mdns"`
	MDNSInstance string `yaml:"mdns_instance"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	c := Config{Paced: true}
	c.applyDefaults()
	return c
}

// Load reads a YAML file and fills unset fields with defaults. An empty path
// returns Default().
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	// keys absent from the file keep their defaults; explicit zeros stay zero
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = string(sdr.BackendMock)
	}
	if c.SampleRate == 0 {
		c.SampleRate = 2e6
	}
	if c.CenterFrequency == 0 {
		c.CenterFrequency = 915e6
	}
	if c.Gain == 0 {
		c.Gain = 40
	}
	if c.FrameSize == 0 {
		c.FrameSize = sdr.DefaultFrameSize
	}
	if c.ToneOffset == 0 {
		c.ToneOffset = 200e3
	}
	if c.DestinationHost == "" {
		c.DestinationHost = "127.0.0.1"
	}
	if c.DestinationPort == 0 {
		c.DestinationPort = 4001
	}
	if c.MaxDatagramSize == 0 {
		c.MaxDatagramSize = transport.DefaultMaxDatagramSize
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = transport.DefaultWriteTimeout
	}
	if c.MulticastTTL == 0 {
		c.MulticastTTL = 1
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = queue.DefaultCapacity
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = queue.DropOldest.String()
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks every setting and reports all problems at once.
func (c Config) Validate() error {
	var errs []error
	backend, err := sdr.ParseBackend(c.Backend)
	if err != nil {
		errs = append(errs, err)
	} else {
		sc := c.SDRConfig()
		sc.Backend = backend
		if err := sc.Validate(sdr.LimitsFor(backend)); err != nil {
			errs = append(errs, err)
		}
	}
	if backend == sdr.BackendFile && c.Path == "" {
		errs = append(errs, errors.New("path is required for the file backend"))
	}
	if err := c.SinkConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.QueueCapacity <= 0 || c.QueueCapacity > queue.MaxCapacity {
		errs = append(errs, fmt.Errorf("queue_capacity must be in 1..%d, got %d", queue.MaxCapacity, c.QueueCapacity))
	}
	if _, err := queue.ParsePolicy(c.OverflowPolicy); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SDRConfig converts the device settings. The backend is left empty when
// it does not parse; Validate reports that case.
func (c Config) SDRConfig() sdr.Config {
	backend, _ := sdr.ParseBackend(c.Backend)
	return sdr.Config{
		Backend:    backend,
		SampleRate: c.SampleRate,
		CenterFreq: c.CenterFrequency,
		Gain:       c.Gain,
		FrameSize:  c.FrameSize,
		ToneOffset: c.ToneOffset,
		URI:        c.URI,
		Path:       c.Path,
		Loop:       c.Loop,
		Paced:      c.Paced,
	}
}

// SinkConfig converts the destination settings.
func (c Config) SinkConfig() transport.SinkConfig {
	return transport.SinkConfig{
		Host:              c.DestinationHost,
		Port:              c.DestinationPort,
		MaxDatagramSize:   c.MaxDatagramSize,
		WriteTimeout:      c.WriteTimeout,
		TOS:               c.TOS,
		MulticastTTL:      c.MulticastTTL,
		MulticastLoopback: c.MulticastLoopback,
	}
}

// Policy returns the parsed overflow policy, DropOldest when invalid.
func (c Config) Policy() queue.Policy {
	p, err := queue.ParsePolicy(c.OverflowPolicy)
	if err != nil {
		return queue.DropOldest
	}
	return p
}

// Marshal renders the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// field describes one overridable setting. The YAML key doubles as the env
// suffix (upper-cased) and the flag name (dashes for underscores).
type field struct {
	key   string
	usage string
	ptr   func(c *Config) any
}

var fields = []field{
	{"stream_id", "stream identifier (random when empty)", func(c *Config) any { return &c.StreamID }},
	{"backend", "SDR backend (mock|rtltcp|file)", func(c *Config) any { return &c.Backend }},
	{"uri", "rtl_tcp server host:port", func(c *Config) any { return &c.URI }},
	{"path", "cf32 capture file for the file backend", func(c *Config) any { return &c.Path }},
	{"loop", "restart the capture file at EOF", func(c *Config) any { return &c.Loop }},
	{"paced", "release mock/file frames at the sample rate", func(c *Config) any { return &c.Paced }},
	{"sample_rate", "sample rate in Hz", func(c *Config) any { return &c.SampleRate }},
	{"center_frequency", "centre frequency in Hz", func(c *Config) any { return &c.CenterFrequency }},
	{"gain", "receiver gain in dB", func(c *Config) any { return &c.Gain }},
	{"frame_size", "complex samples per frame", func(c *Config) any { return &c.FrameSize }},
	{"tone_offset", "mock tone offset from centre in Hz", func(c *Config) any { return &c.ToneOffset }},
	{"destination_host", "UDP destination host", func(c *Config) any { return &c.DestinationHost }},
	{"destination_port", "UDP destination port", func(c *Config) any { return &c.DestinationPort }},
	{"max_datagram_size", "maximum UDP payload bytes", func(c *Config) any { return &c.MaxDatagramSize }},
	{"write_timeout", "per-datagram write timeout", func(c *Config) any { return &c.WriteTimeout }},
	{"tos", "IPv4 type-of-service byte", func(c *Config) any { return &c.TOS }},
	{"multicast_ttl", "multicast TTL", func(c *Config) any { return &c.MulticastTTL }},
	{"multicast_loopback", "loop multicast datagrams back locally", func(c *Config) any { return &c.MulticastLoopback }},
	{"queue_capacity", "frame queue capacity", func(c *Config) any { return &c.QueueCapacity }},
	{"overflow_policy", "queue overflow policy (drop-oldest|block-producer)", func(c *Config) any { return &c.OverflowPolicy }},
	{"metrics_addr", "Prometheus listen address (empty disables)", func(c *Config) any { return &c.MetricsAddr }},
	{"mdns", "advertise the stream over mDNS", func(c *Config) any { return &c.MDNS }},
	{"mdns_instance", "mDNS instance name", func(c *Config) any { return &c.MDNSInstance }},
	{"log_level", "log level (debug|info|warn|error)", func(c *Config) any { return &c.LogLevel }},
	{"log_format", "log format (text|json)", func(c *Config) any { return &c.LogFormat }},
}

func envKey(key string) string   { return EnvPrefix + strings.ToUpper(key) }
func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

func setField(p any, raw string) error {
	switch v := p.(type) {
	case *string:
		*v = raw
	case *bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		*v = b
	case *int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return err
		}
		*v = n
	case *float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		*v = f
	case *time.Duration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*v = d
	default:
		return fmt.Errorf("unsupported field type %T", p)
	}
	return nil
}

// ApplyEnv overrides fields from IQSTREAM_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, f := range fields {
		key := envKey(f.key)
		raw, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setField(f.ptr(c), raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

type override struct {
	f   field
	raw string
}

// Flags records command-line overrides so they can be applied after the
// file and environment have been read.
type Flags struct {
	Path      string
	overrides []override
}

// RegisterFlags adds -config and one flag per setting to fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	fl := &Flags{}
	fs.StringVar(&fl.Path, "config", "", "YAML config file")
	def := Default()
	for _, f := range fields {
		f := f
		usage := f.usage
		if v := fmt.Sprint(deref(f.ptr(&def))); v != "" {
			usage = fmt.Sprintf("%s (default %s)", f.usage, v)
		}
		set := func(raw string) error {
			var scratch Config
			if err := setField(f.ptr(&scratch), raw); err != nil {
				return err
			}
			fl.overrides = append(fl.overrides, override{f: f, raw: raw})
			return nil
		}
		if _, ok := f.ptr(&def).(*bool); ok {
			fs.BoolFunc(flagName(f.key), usage, set)
			continue
		}
		fs.Func(flagName(f.key), usage, set)
	}
	return fl
}

// Apply writes recorded flag values into c in command-line order.
func (fl *Flags) Apply(c *Config) {
	for _, o := range fl.overrides {
		// values were checked when the flag was parsed
		_ = setField(o.f.ptr(c), o.raw)
	}
}

// Resolve loads fl.Path, applies the environment and then flags, and
// validates the result.
func Resolve(fl *Flags, lookup func(string) (string, bool)) (Config, error) {
	cfg, err := Load(fl.Path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}
	fl.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func deref(p any) any {
	switch v := p.(type) {
	case *string:
		return *v
	case *bool:
		return *v
	case *int:
		return *v
	case *float64:
		return *v
	case *time.Duration:
		return *v
	}
	return nil
}
