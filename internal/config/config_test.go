package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/callbridge/internal/config"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  log_level: debug

provider:
  type: twilio
  listen_port: 8080

bot:
  url: wss://bot.example.com/ws
  sample_rate: 16000

saas:
  api_key: sk-live-123
  usage_url: https://platform.example.com/usage
  flush_interval: 2s

audio:
  input_codec: mulaw
  output_codec: mulaw
  sample_rate: 8000

bridge:
  drain_grace: 250ms
  max_sessions: 50

store:
  driver: sqlite
`

// ── Load ─────────────────────────────────────────────────────────────────────

func TestLoad_SampleConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "callbridge.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Provider.Type != provider.TypeTwilio {
		t.Errorf("provider.type = %q", cfg.Provider.Type)
	}
	if got := cfg.Provider.ListenAddr(); got != "0.0.0.0:8080" {
		t.Errorf("ListenAddr = %q", got)
	}
	if cfg.Provider.ListenPath != config.DefaultListenPath {
		t.Errorf("listen_path = %q, want default", cfg.Provider.ListenPath)
	}
	if want := (audio.Format{Codec: audio.CodecPCM16, SampleRate: 16000}); cfg.Bot.Format() != want {
		t.Errorf("bot format = %s, want %s", cfg.Bot.Format(), want)
	}
	if want := (audio.Format{Codec: audio.CodecMulaw, SampleRate: 8000}); cfg.Audio.Input() != want || cfg.Audio.Output() != want {
		t.Errorf("audio formats = %s / %s", cfg.Audio.Input(), cfg.Audio.Output())
	}
	if cfg.SaaS.FlushInterval != 2*time.Second || cfg.SaaS.BatchSize != config.DefaultBatchSize {
		t.Errorf("saas = %+v", cfg.SaaS)
	}
	if cfg.Bridge.DrainGrace != 250*time.Millisecond || cfg.Bridge.QueueFrames != config.DefaultQueueFrames || cfg.Bridge.MaxSessions != 50 {
		t.Errorf("bridge = %+v", cfg.Bridge)
	}
	if cfg.Store.DSN != config.DefaultSQLiteDSN {
		t.Errorf("store.dsn = %q, want sqlite default", cfg.Store.DSN)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("configs/example.yaml does not load: %v", err)
	}
	if cfg.Provider.Type != provider.TypeTwilio {
		t.Errorf("provider.type = %q, want twilio", cfg.Provider.Type)
	}
	if cfg.Store.Driver != config.StoreNone {
		t.Errorf("store.driver = %q, want empty", cfg.Store.Driver)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	yaml := `
provider:
  type: twilio
  colour: blue
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_EnvAPIKey(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "from-env")
	yaml := `
provider:
  type: websocket
bot:
  url: ws://localhost:9000
saas:
  usage_url: http://localhost:9001/usage
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.SaaS.APIKey != "from-env" {
		t.Errorf("api_key = %q, want from-env", cfg.SaaS.APIKey)
	}
}

// ── Defaults ─────────────────────────────────────────────────────────────────

func TestApplyDefaults_ProviderWireCodec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ  provider.Type
		want audio.Codec
	}{
		{provider.TypeTwilio, audio.CodecMulaw},
		{provider.TypeGenesys, audio.CodecMulaw},
		{provider.TypeAmazonConnect, audio.CodecPCM16},
		{provider.TypeAsterisk, audio.CodecPCM16},
		{provider.TypeFreeSWITCH, audio.CodecPCM16},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			t.Parallel()
			cfg := &config.BridgeConfig{Provider: config.ProviderConfig{Type: tt.typ}}
			config.ApplyDefaults(cfg)
			if cfg.Audio.InputCodec != tt.want || cfg.Audio.OutputCodec != tt.want {
				t.Errorf("codecs = %s/%s, want %s", cfg.Audio.InputCodec, cfg.Audio.OutputCodec, tt.want)
			}
		})
	}
}

func TestApplyDefaults_AsteriskGetsAdminListener(t *testing.T) {
	t.Parallel()
	cfg := &config.BridgeConfig{Provider: config.ProviderConfig{Type: provider.TypeAsterisk}}
	config.ApplyDefaults(cfg)
	if cfg.Server.AdminAddr != config.DefaultAdminAddr {
		t.Errorf("admin_addr = %q, want %q", cfg.Server.AdminAddr, config.DefaultAdminAddr)
	}

	ws := &config.BridgeConfig{Provider: config.ProviderConfig{Type: provider.TypeTwilio}}
	config.ApplyDefaults(ws)
	if ws.Server.AdminAddr != "" {
		t.Errorf("websocket providers share the listener, got admin_addr %q", ws.Server.AdminAddr)
	}
}

func TestApplyDefaults_NormalizesCodecAliases(t *testing.T) {
	t.Parallel()
	yaml := `
provider:
  type: genesys
bot:
  url: ws://bot:9000
audio:
  input_codec: PCMU
  output_codec: ulaw
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Audio.InputCodec != audio.CodecMulaw || cfg.Audio.OutputCodec != audio.CodecMulaw {
		t.Errorf("codecs = %s/%s, want mulaw", cfg.Audio.InputCodec, cfg.Audio.OutputCodec)
	}
}
