// Package config loads loopcast's settings. Values come from defaults, an
// optional YAML file, the environment and finally command-line flags, each
// layer overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/loopcast/internal/ingest"
)

// Defaults.
const (
	DefaultMoQAddr      = ":4443"
	DefaultAPIAddr      = ":4444"
	DefaultSRTAddr      = ":6000"
	DefaultInterval     = 50 * time.Millisecond
	DefaultCertValidity = 14 * 24 * time.Hour
)

// ErrNoStreams is returned by Validate when nothing is configured to play.
var ErrNoStreams = errors.New("config: no streams configured")

// StreamConfig describes one looping stream.
type StreamConfig struct {
	Key      string        `yaml:"key"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
	WarmUp   time.Duration `yaml:"warmUp"`
	MaxLoops int           `yaml:"maxLoops"`
	// Push lists SRT listeners ("host:port") the stream is pushed to at
	// startup.
	Push []string `yaml:"push"`
}

// Config is the full application configuration.
type Config struct {
	MoQAddr      string         `yaml:"moqAddr"`
	APIAddr      string         `yaml:"apiAddr"`
	SRTAddr      string         `yaml:"srtAddr"`
	WebDir       string         `yaml:"webDir"`
	Interval     time.Duration  `yaml:"interval"`
	CertValidity time.Duration  `yaml:"certValidity"`
	Debug        bool           `yaml:"debug"`
	Streams      []StreamConfig `yaml:"streams"`
}

// Default returns a Config with every listener on its default port and no
// streams.
func Default() *Config {
	return &Config{
		MoQAddr:      DefaultMoQAddr,
		APIAddr:      DefaultAPIAddr,
		SRTAddr:      DefaultSRTAddr,
		Interval:     DefaultInterval,
		CertValidity: DefaultCertValidity,
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables read with getenv.
// An empty variable leaves the setting unchanged.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	c.MoQAddr = envOr(getenv, "MOQ_ADDR", c.MoQAddr)
	c.APIAddr = envOr(getenv, "API_ADDR", c.APIAddr)
	c.SRTAddr = envOr(getenv, "SRT_ADDR", c.SRTAddr)
	c.WebDir = envOr(getenv, "WEB_DIR", c.WebDir)
	if getenv("DEBUG") != "" {
		c.Debug = true
	}
	if v := getenv("LOOP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LOOP_INTERVAL: %w", err)
		}
		c.Interval = d
	}
	return nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}

// AddStreamArg adds a stream from a command-line argument of the form
// "key=path" or "path". Without a key, the file's base name is used.
func (c *Config) AddStreamArg(arg string) error {
	key, path, ok := strings.Cut(arg, "=")
	if !ok {
		path = arg
		key = ingest.KeyFromPath(arg)
	}
	if path == "" {
		return fmt.Errorf("stream %q: empty path", arg)
	}
	c.Streams = append(c.Streams, StreamConfig{Key: key, Path: path})
	return nil
}

// Validate fills per-stream defaults and checks the configuration.
func (c *Config) Validate() error {
	if c.MoQAddr == "" {
		return errors.New("config: moqAddr is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("config: interval must be positive, got %s", c.Interval)
	}
	if c.CertValidity <= 0 || c.CertValidity > DefaultCertValidity {
		return fmt.Errorf("config: certValidity must be in (0, %s], got %s", DefaultCertValidity, c.CertValidity)
	}
	if len(c.Streams) == 0 {
		return ErrNoStreams
	}

	seen := make(map[string]bool, len(c.Streams))
	for i := range c.Streams {
		s := &c.Streams[i]
		if s.Path == "" {
			return fmt.Errorf("config: stream %d: path is required", i)
		}
		if s.Key == "" {
			s.Key = ingest.KeyFromPath(s.Path)
		}
		if strings.Contains(s.Key, "/") {
			return fmt.Errorf("config: stream %q: key must not contain '/'", s.Key)
		}
		if seen[s.Key] {
			return fmt.Errorf("config: duplicate stream key %q", s.Key)
		}
		seen[s.Key] = true
		if s.Interval == 0 {
			s.Interval = c.Interval
		}
		if s.Interval < 0 || s.WarmUp < 0 || s.MaxLoops < 0 {
			return fmt.Errorf("config: stream %q: negative interval, warm-up or loop count", s.Key)
		}
	}
	return nil
}
