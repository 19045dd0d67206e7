// Package config provides the configuration schema and loader for the
// callbridge telephony bridge.
package config

import (
	"net"
	"strconv"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreDriver selects the call log backend.
type StoreDriver string

const (
	StoreNone     StoreDriver = ""
	StorePostgres StoreDriver = "postgres"
	StoreSQLite   StoreDriver = "sqlite"
	StoreMySQL    StoreDriver = "mysql"
)

// IsValid reports whether d is a recognised store driver. The empty driver
// disables the call log.
func (d StoreDriver) IsValid() bool {
	switch d {
	case StoreNone, StorePostgres, StoreSQLite, StoreMySQL:
		return true
	}
	return false
}

// Defaults.
const (
	DefaultListenHost      = "0.0.0.0"
	DefaultListenPort      = 8080
	DefaultListenPath      = "/media"
	DefaultAdminAddr       = ":9090"
	DefaultBotSampleRate   = 16000
	DefaultAudioSampleRate = 8000
	DefaultBatchSize       = 20
	DefaultFlushInterval   = 5 * time.Second
	DefaultMaxAttempts     = 5
	DefaultBackoff         = 500 * time.Millisecond
	DefaultDrainGrace      = 500 * time.Millisecond
	DefaultHandshake       = 5 * time.Second
	DefaultQueueFrames     = 10
	DefaultShutdownTimeout = 10 * time.Second
	DefaultSQLiteDSN       = "callbridge.db"
)

// BridgeConfig is the root configuration. It is loaded once at startup with
// [Load] or [LoadFromReader] and never mutated afterwards.
type BridgeConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Bot      BotConfig      `yaml:"bot"`
	SaaS     SaaSConfig     `yaml:"saas"`
	Audio    AudioConfig    `yaml:"audio"`
	Bridge   SessionConfig  `yaml:"bridge"`
	Store    StoreConfig    `yaml:"store"`
}

// ServerConfig holds logging and process-level settings.
type ServerConfig struct {
	LogLevel LogLevel `yaml:"log_level"`

	// AdminAddr is a separate HTTP listener for health, metrics and the
	// session list. Empty means those routes share the provider listener,
	// which is only possible for WebSocket providers.
	AdminAddr string `yaml:"admin_addr"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig selects the telephony provider and where it connects.
type ProviderConfig struct {
	Type       provider.Type `yaml:"type"`
	ListenHost string        `yaml:"listen_host"`
	ListenPort int           `yaml:"listen_port"`

	// ListenPath is the HTTP route of WebSocket providers.
	ListenPath string `yaml:"listen_path"`
}

// ListenAddr returns host:port.
func (p ProviderConfig) ListenAddr() string {
	return net.JoinHostPort(p.ListenHost, strconv.Itoa(p.ListenPort))
}

// BotConfig locates the voice-bot backend.
type BotConfig struct {
	URL        string      `yaml:"url"`
	SampleRate int         `yaml:"sample_rate"`
	Codec      audio.Codec `yaml:"codec"`
}

// Format returns the bot-side audio format.
func (b BotConfig) Format() audio.Format {
	return audio.Format{Codec: b.Codec, SampleRate: b.SampleRate}
}

// SaaSConfig configures the platform API used for usage reporting.
type SaaSConfig struct {
	APIKey        string        `yaml:"api_key"`
	UsageURL      string        `yaml:"usage_url"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff"`
}

// AudioConfig is the provider-side audio format.
type AudioConfig struct {
	InputCodec  audio.Codec `yaml:"input_codec"`
	OutputCodec audio.Codec `yaml:"output_codec"`
	SampleRate  int         `yaml:"sample_rate"`
}

// Input returns the inbound wire format.
func (a AudioConfig) Input() audio.Format {
	return audio.Format{Codec: a.InputCodec, SampleRate: a.SampleRate}
}

// Output returns the outbound wire format.
func (a AudioConfig) Output() audio.Format {
	return audio.Format{Codec: a.OutputCodec, SampleRate: a.SampleRate}
}

// SessionConfig tunes per-call behaviour.
type SessionConfig struct {
	// DrainGrace is how long the surviving leg may flush queued audio after
	// the other leg ends.
	DrainGrace time.Duration `yaml:"drain_grace"`

	// HandshakeTimeout bounds the bot dial plus call_start.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// QueueFrames is the per-direction frame queue; the oldest frame is
	// dropped on overrun.
	QueueFrames int `yaml:"queue_frames"`

	// MaxSessions caps concurrent calls. Zero is unlimited.
	MaxSessions int `yaml:"max_sessions"`
}

// StoreConfig enables the call log.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`
	DSN    string      `yaml:"dsn"`
}
