package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
)

// EnvAPIKey overrides saas.api_key when set, so the key can stay out of the
// config file.
const EnvAPIKey = "CALLBRIDGE_API_KEY"

// defaultWireCodec is the provider-side codec assumed when audio.input_codec
// or audio.output_codec is omitted.
var defaultWireCodec = map[provider.Type]audio.Codec{
	provider.TypeTwilio:        audio.CodecMulaw,
	provider.TypeGenesys:       audio.CodecMulaw,
	provider.TypeAvaya:         audio.CodecMulaw,
	provider.TypeCisco:         audio.CodecMulaw,
	provider.TypeAmazonConnect: audio.CodecPCM16,
	provider.TypeFreeSWITCH:    audio.CodecPCM16,
	provider.TypeAsterisk:      audio.CodecPCM16,
	provider.TypeWebSocket:     audio.CodecPCM16,
}

// FieldError is one invalid configuration field.
type FieldError struct {
	// Field is the dotted YAML path, e.g. "audio.input_codec".
	Field   string
	Message string
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }

// ValidationError lists every invalid field found by [Validate].
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	return "config: invalid configuration:\n" + errors.Join(e.Unwrap()...).Error()
}

// Unwrap exposes each field error to [errors.Is] and [errors.As].
func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, fe := range e.Errors {
		errs[i] = fe
	}
	return errs
}

// Fields returns the dotted paths of all invalid fields.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		out[i] = fe.Field
	}
	return out
}

// Load reads the YAML configuration file at path and returns a validated
// [BridgeConfig]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*BridgeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment override, and validates the result.
func LoadFromReader(r io.Reader) (*BridgeConfig, error) {
	cfg := &BridgeConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.SaaS.APIKey = key
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields and normalizes codec aliases such as
// "ulaw" or "PCMU". Unknown codec names are left untouched for [Validate] to
// report.
func ApplyDefaults(cfg *BridgeConfig) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.AdminAddr == "" && cfg.Provider.Type == provider.TypeAsterisk {
		cfg.Server.AdminAddr = DefaultAdminAddr
	}

	if cfg.Provider.ListenHost == "" {
		cfg.Provider.ListenHost = DefaultListenHost
	}
	if cfg.Provider.ListenPort == 0 {
		cfg.Provider.ListenPort = DefaultListenPort
	}
	if cfg.Provider.ListenPath == "" {
		cfg.Provider.ListenPath = DefaultListenPath
	}

	if cfg.Bot.SampleRate == 0 {
		cfg.Bot.SampleRate = DefaultBotSampleRate
	}
	cfg.Bot.Codec = normalizeCodec(cfg.Bot.Codec, audio.CodecPCM16)

	wire := defaultWireCodec[cfg.Provider.Type]
	if wire == "" {
		wire = audio.CodecPCM16
	}
	cfg.Audio.InputCodec = normalizeCodec(cfg.Audio.InputCodec, wire)
	cfg.Audio.OutputCodec = normalizeCodec(cfg.Audio.OutputCodec, cfg.Audio.InputCodec)
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultAudioSampleRate
	}

	if cfg.SaaS.BatchSize == 0 {
		cfg.SaaS.BatchSize = DefaultBatchSize
	}
	if cfg.SaaS.FlushInterval == 0 {
		cfg.SaaS.FlushInterval = DefaultFlushInterval
	}
	if cfg.SaaS.MaxAttempts == 0 {
		cfg.SaaS.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SaaS.Backoff == 0 {
		cfg.SaaS.Backoff = DefaultBackoff
	}

	if cfg.Bridge.DrainGrace == 0 {
		cfg.Bridge.DrainGrace = DefaultDrainGrace
	}
	if cfg.Bridge.HandshakeTimeout == 0 {
		cfg.Bridge.HandshakeTimeout = DefaultHandshake
	}
	if cfg.Bridge.QueueFrames == 0 {
		cfg.Bridge.QueueFrames = DefaultQueueFrames
	}

	if cfg.Store.Driver == StoreSQLite && cfg.Store.DSN == "" {
		cfg.Store.DSN = DefaultSQLiteDSN
	}
}

func normalizeCodec(c, fallback audio.Codec) audio.Codec {
	if c == "" {
		return fallback
	}
	if parsed, err := audio.ParseCodec(string(c)); err == nil {
		return parsed
	}
	return c
}

// Validate checks that cfg contains a coherent set of values. It returns a
// *[ValidationError] listing every invalid field, or nil.
func Validate(cfg *BridgeConfig) error {
	var v validator

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		v.add("server.log_level", "%q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel)
	}
	if cfg.Server.AdminAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.AdminAddr); err != nil {
			v.add("server.admin_addr", "%q is not host:port", cfg.Server.AdminAddr)
		}
	}
	if cfg.Server.ShutdownTimeout < 0 {
		v.add("server.shutdown_timeout", "must not be negative")
	}

	// Provider
	typ := cfg.Provider.Type
	switch {
	case typ == "":
		v.add("provider.type", "is required; valid values: %s", joinTypes())
	case !typ.IsValid():
		v.add("provider.type", "%q is invalid; valid values: %s", typ, joinTypes())
	}
	if cfg.Provider.ListenPort < 1 || cfg.Provider.ListenPort > 65535 {
		v.add("provider.listen_port", "%d is out of range 1-65535", cfg.Provider.ListenPort)
	}
	if !strings.HasPrefix(cfg.Provider.ListenPath, "/") {
		v.add("provider.listen_path", "%q must start with /", cfg.Provider.ListenPath)
	}
	if typ == provider.TypeAsterisk && cfg.Server.AdminAddr != "" && sameListener(cfg.Server.AdminAddr, cfg.Provider.ListenAddr()) {
		v.add("server.admin_addr", "must differ from the AudioSocket listener %s", cfg.Provider.ListenAddr())
	}

	// Bot
	if cfg.Bot.URL == "" {
		v.add("bot.url", "is required")
	} else if u, err := url.Parse(cfg.Bot.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		v.add("bot.url", "%q must be a ws:// or wss:// URL", cfg.Bot.URL)
	}
	if !audio.ValidSampleRate(cfg.Bot.SampleRate) {
		v.add("bot.sample_rate", "%d is unsupported; valid values: %v", cfg.Bot.SampleRate, audio.SupportedSampleRates())
	}
	if cfg.Bot.Codec != audio.CodecPCM16 {
		v.add("bot.codec", "%q is unsupported; the bot channel carries pcm16", cfg.Bot.Codec)
	}

	// Audio
	inputOK := v.codec("audio.input_codec", cfg.Audio.InputCodec)
	outputOK := v.codec("audio.output_codec", cfg.Audio.OutputCodec)
	rateOK := audio.ValidSampleRate(cfg.Audio.SampleRate)
	if !rateOK {
		v.add("audio.sample_rate", "%d is unsupported; valid values: %v", cfg.Audio.SampleRate, audio.SupportedSampleRates())
	}
	if wc, ok := typ.Constraint(); ok {
		if wc.Codec != "" {
			if inputOK && cfg.Audio.InputCodec != wc.Codec {
				v.add("audio.input_codec", "%s carries only %s", typ, wc.Codec)
			}
			if outputOK && cfg.Audio.OutputCodec != wc.Codec {
				v.add("audio.output_codec", "%s carries only %s", typ, wc.Codec)
			}
		}
		if wc.SampleRate != 0 && rateOK && cfg.Audio.SampleRate != wc.SampleRate {
			v.add("audio.sample_rate", "%s carries only %d Hz", typ, wc.SampleRate)
		}
	}

	// SaaS
	if cfg.SaaS.UsageURL != "" {
		if u, err := url.Parse(cfg.SaaS.UsageURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			v.add("saas.usage_url", "%q must be an http:// or https:// URL", cfg.SaaS.UsageURL)
		}
		if cfg.SaaS.APIKey == "" {
			v.add("saas.api_key", "is required when saas.usage_url is set (or set %s)", EnvAPIKey)
		}
	}
	if cfg.SaaS.BatchSize < 1 {
		v.add("saas.batch_size", "must be at least 1")
	}
	if cfg.SaaS.FlushInterval <= 0 {
		v.add("saas.flush_interval", "must be positive")
	}
	if cfg.SaaS.MaxAttempts < 1 {
		v.add("saas.max_attempts", "must be at least 1")
	}
	if cfg.SaaS.Backoff <= 0 {
		v.add("saas.backoff", "must be positive")
	}

	// Bridge
	if cfg.Bridge.DrainGrace < 0 {
		v.add("bridge.drain_grace", "must not be negative")
	}
	if cfg.Bridge.HandshakeTimeout <= 0 {
		v.add("bridge.handshake_timeout", "must be positive")
	}
	if cfg.Bridge.QueueFrames < 1 {
		v.add("bridge.queue_frames", "must be at least 1")
	}
	if cfg.Bridge.MaxSessions < 0 {
		v.add("bridge.max_sessions", "must not be negative")
	}

	// Store
	switch {
	case !cfg.Store.Driver.IsValid():
		v.add("store.driver", "%q is invalid; valid values: postgres, sqlite, mysql or empty", cfg.Store.Driver)
	case (cfg.Store.Driver == StorePostgres || cfg.Store.Driver == StoreMySQL) && cfg.Store.DSN == "":
		v.add("store.dsn", "is required for driver %s", cfg.Store.Driver)
	}

	return v.err()
}

type validator struct {
	errs []FieldError
}

func (v *validator) add(field, format string, args ...any) {
	v.errs = append(v.errs, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) codec(field string, c audio.Codec) bool {
	if c.IsValid() {
		return true
	}
	v.add(field, "%q is unsupported; valid values: pcm16, mulaw, alaw, opus", c)
	return false
}

func (v *validator) err() error {
	if len(v.errs) == 0 {
		return nil
	}
	return &ValidationError{Errors: v.errs}
}

func joinTypes() string {
	types := provider.Types()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// sameListener reports whether two host:port addresses would collide.
func sameListener(a, b string) bool {
	ah, ap, err1 := net.SplitHostPort(a)
	bh, bp, err2 := net.SplitHostPort(b)
	if err1 != nil || err2 != nil || ap != bp {
		return false
	}
	wildcard := func(h string) bool { return h == "" || h == "0.0.0.0" || h == "::" }
	return ah == bh || wildcard(ah) || wildcard(bh)
}
