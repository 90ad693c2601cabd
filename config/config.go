// Package config loads, validates, and overrides spaced's daemon
// configuration: one Config struct decoded with json-iterator,
// overridable by environment variables and then CLI flags, validated
// with explicit field checks rather than a validation library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/sirikata/spaced/cmn/cos"
)

// ServerAddr is one entry of the static server layout (spec.md §6):
// every space-server process needs to know how to reach every other one
// over OHDP.
type ServerAddr struct {
	ID   cos.ServerID `json:"id"`
	Host string       `json:"host"`
	Port int          `json:"port"`
}

// OSegConfig names the backing store for the OSeg directory (spec.md
// §4.2): the embedded BuntDB file at Path, or, when Host is set, the
// Redis-compatible server at Host:Port (cmd/spaced's openOSegStore makes
// that choice). Prefix is the directory key prefix for either backend.
type OSegConfig struct {
	Path          string `json:"path"`           // buntdb file path, or ":memory:"
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port,omitempty"`
	Prefix        string `json:"prefix"`
	CacheCapacity int    `json:"cache_capacity"`
}

// Config is spaced's full daemon configuration.
type Config struct {
	Self   cos.ServerID `json:"self"`
	Layout []ServerAddr `json:"layout"`
	OSeg   OSegConfig   `json:"oseg"`

	// Capacity is this server's configured inbound bytes/sec budget, fed
	// to forwarder.Receiver for used-weight reporting (spec.md §4.6).
	Capacity float64 `json:"capacity"`

	JWTSecret string `json:"jwt_secret"`

	MetricsAddr string `json:"metrics_addr"`

	StatsPeriod          Duration `json:"stats_period"`
	MigrationTimeout     Duration `json:"migration_timeout"`
	OSegLookupTimeout    Duration `json:"oseg_lookup_timeout"`
	ReceiverSamplePeriod Duration `json:"receiver_sample_period"`
}

// Duration wraps time.Duration with JSON text encoding ("30s") instead of
// a raw nanosecond integer, for human-editable config files.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return jsoniter.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := jsoniter.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns a Config with workable values for a single-process,
// single-server deployment (tests, local development). JWTSecret is left
// empty, and Validate rejects an empty secret, so callers must set it.
func Default() *Config {
	return &Config{
		Self: 1,
		OSeg: OSegConfig{
			Path:          ":memory:",
			Prefix:        "oseg:",
			CacheCapacity: 4096,
		},
		Capacity:             10 << 20, // 10 MiB/s
		MetricsAddr:          ":9090",
		StatsPeriod:          Duration(10 * time.Second),
		MigrationTimeout:     Duration(5 * time.Second),
		OSegLookupTimeout:    Duration(2 * time.Second),
		ReceiverSamplePeriod: Duration(time.Second),
	}
}

// Load reads and decodes a JSON config file, starting from Default() so
// unset fields keep their default rather than zero-valuing.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	c := Default()
	if err := jsoniter.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// env-var names, all prefixed SPACED_ to avoid collision with the shared
// environment of a co-located process.
const (
	envSelf        = "SPACED_SELF"
	envOSegPath    = "SPACED_OSEG_PATH"
	envOSegHost    = "SPACED_OSEG_HOST"
	envOSegPort    = "SPACED_OSEG_PORT"
	envOSegPrefix  = "SPACED_OSEG_PREFIX"
	envCapacity    = "SPACED_CAPACITY"
	envJWTSecret   = "SPACED_JWT_SECRET"
	envMetricsAddr = "SPACED_METRICS_ADDR"
)

// ApplyEnv overrides c's fields from the environment, for the handful of
// settings an orchestrator (systemd unit, container, test harness) would
// rather inject than bake into the on-disk config file.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(envSelf); ok {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", envSelf, v, err)
		}
		c.Self = cos.ServerID(id)
	}
	if v, ok := os.LookupEnv(envOSegPath); ok {
		c.OSeg.Path = v
	}
	if v, ok := os.LookupEnv(envOSegHost); ok {
		c.OSeg.Host = v
	}
	if v, ok := os.LookupEnv(envOSegPort); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", envOSegPort, v, err)
		}
		c.OSeg.Port = p
	}
	if v, ok := os.LookupEnv(envOSegPrefix); ok {
		c.OSeg.Prefix = v
	}
	if v, ok := os.LookupEnv(envCapacity); ok {
		cap, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", envCapacity, v, err)
		}
		c.Capacity = cap
	}
	if v, ok := os.LookupEnv(envJWTSecret); ok {
		c.JWTSecret = v
	}
	if v, ok := os.LookupEnv(envMetricsAddr); ok {
		c.MetricsAddr = v
	}
	return nil
}

// Validate checks the field invariants cmd/spaced relies on before
// wiring any component: a Config that validates is safe to pass to
// every package's constructor without further nil/zero checks there.
func (c *Config) Validate() error {
	if c.Self == 0 {
		return fmt.Errorf("config: self server id must be nonzero")
	}
	if c.OSeg.Path == "" {
		return fmt.Errorf("config: oseg.path must be set")
	}
	if c.OSeg.Prefix == "" {
		return fmt.Errorf("config: oseg.prefix must be set")
	}
	if c.OSeg.CacheCapacity <= 0 {
		return fmt.Errorf("config: oseg.cache_capacity must be positive")
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("config: capacity must be positive")
	}
	if len(c.JWTSecret) == 0 {
		return fmt.Errorf("config: jwt_secret must be set")
	}
	seen := make(map[cos.ServerID]bool, len(c.Layout))
	selfInLayout := false
	for _, s := range c.Layout {
		if s.ID == 0 {
			return fmt.Errorf("config: layout entry has zero server id")
		}
		if seen[s.ID] {
			return fmt.Errorf("config: layout has duplicate server id %d", s.ID)
		}
		seen[s.ID] = true
		if s.Host == "" {
			return fmt.Errorf("config: layout entry %d has empty host", s.ID)
		}
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("config: layout entry %d has invalid port %d", s.ID, s.Port)
		}
		if s.ID == c.Self {
			selfInLayout = true
		}
	}
	if len(c.Layout) > 0 && !selfInLayout {
		return fmt.Errorf("config: self server id %d not present in layout", c.Self)
	}
	if c.MigrationTimeout.D() <= 0 {
		return fmt.Errorf("config: migration_timeout must be positive")
	}
	if c.OSegLookupTimeout.D() <= 0 {
		return fmt.Errorf("config: oseg_lookup_timeout must be positive")
	}
	return nil
}
