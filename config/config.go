package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"ownet/errors"
)

// Config represents the client configuration
type Config struct {
	Logging struct {
		Level  string
		Format string
	}
	Queue struct {
		Write  int
		Events int
	}
	Scan struct {
		// Interval between topology scans. Zero disables rescanning.
		Interval time.Duration
		// InitialDelay postpones the first scan. Zero means scan inline
		// before AddServer returns.
		InitialDelay time.Duration
		// Random spreads scan intervals by a uniform factor in
		// [1-1/(2r), 1+1/(2r)]. Zero disables jitter.
		Random int
	}
	// Polling starts per-bus poll tasks after each scan.
	Polling bool
	// LoadStructs fetches structure schemas for discovered families.
	LoadStructs bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Logging.Level = LogLevel
	cfg.Logging.Format = LogFormat

	cfg.Queue.Write = WriteQueueSize
	cfg.Queue.Events = EventsBufferSize

	cfg.Polling = true
	cfg.LoadStructs = true

	return cfg
}

// Load builds the configuration from defaults and OWNET_* environment
// overrides. A .env file in the working directory is honoured if present.
func Load() (*Config, error) {
	_ = godotenv.Load(EnvFile)

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"log_level", "log_format",
		"queue_write", "queue_events",
		"scan_interval", "scan_initial_delay", "scan_random",
		"polling", "load_structs",
	} {
		_ = v.BindEnv(key)
	}

	cfg := DefaultConfig()

	if s := v.GetString("log_level"); s != "" {
		cfg.Logging.Level = s
	}

	if s := v.GetString("log_format"); s != "" {
		cfg.Logging.Format = s
	}

	if n := v.GetInt("queue_write"); n != 0 {
		cfg.Queue.Write = n
	}

	if n := v.GetInt("queue_events"); n != 0 {
		cfg.Queue.Events = n
	}

	if d := v.GetDuration("scan_interval"); d != 0 {
		cfg.Scan.Interval = d
	}

	if d := v.GetDuration("scan_initial_delay"); d != 0 {
		cfg.Scan.InitialDelay = d
	}

	if n := v.GetInt("scan_random"); n != 0 {
		cfg.Scan.Random = n
	}

	if v.IsSet("polling") {
		cfg.Polling = v.GetBool("polling")
	}

	if v.IsSet("load_structs") {
		cfg.LoadStructs = v.GetBool("load_structs")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Queue.Write <= 0 {
		return errors.ErrInvalidWriteQueue
	}

	if c.Queue.Events <= 0 {
		return errors.ErrInvalidEventsBuffer
	}

	if c.Scan.Interval != 0 && c.Scan.Interval < MinScanInterval {
		return errors.ErrScanTooOften
	}

	if c.Scan.Random < 0 {
		return errors.ErrInvalidScanRandom
	}

	return nil
}
