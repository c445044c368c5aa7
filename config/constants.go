package config

import "time"

// Application metadata
const (
	AppName = "ownet"
	Version = "0.3.0"

	EnvPrefix = "OWNET"
	EnvFile   = ".env"
)

// Logging defaults
const (
	LogLevel  = "info"
	LogFormat = "console"
)

// Wire defaults
const (
	DefaultHost = "localhost"
	DefaultPort = 4304
)

// Per-message timeouts
const (
	NopTimeout   = 500 * time.Millisecond
	ReadTimeout  = 2 * time.Second
	WriteTimeout = 1 * time.Second
	DirTimeout   = 10 * time.Second
)

// Connection engine timing
const (
	WriterKeepAlive  = 10 * time.Second
	ReaderFrameLimit = 15 * time.Second

	ConnectBackoff    = 200 * time.Millisecond
	ConnectBackoffMax = 10 * time.Second

	BusyBackoff    = 100 * time.Millisecond
	BusyBackoffMax = 2 * time.Second

	BackoffFactor = 1.5
)

// Queue capacities
const (
	WriteQueueSize   = 100
	EventsBufferSize = 1000
)

// Scanning and polling
const (
	MinScanInterval = time.Second

	// DS18x20 conversion time after a simultaneous trigger.
	ConversionDelay = 1200 * time.Millisecond

	// Eviction threshold for the unseen counter: an entity is evicted on
	// the first missed scan after its counter already exceeds this value,
	// so it survives three consecutive misses and goes on the fourth.
	UnseenLimit = 2

	PollJitter = 0.025
)
