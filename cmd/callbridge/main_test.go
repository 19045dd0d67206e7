package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/callbridge/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(args ...string) (string, error) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
provider:
  type: twilio
bot:
  url: ws://bot.example/stream
`)
	out, err := execute("validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok") || !strings.Contains(out, "twilio") {
		t.Errorf("output = %q", out)
	}
}

func TestValidateCommand_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args func(t *testing.T) []string
		want string
	}{
		{
			name: "missing file",
			args: func(t *testing.T) []string {
				return []string{"validate", "-c", filepath.Join(t.TempDir(), "nope.yaml")}
			},
			want: "not found",
		},
		{
			name: "unknown provider",
			args: func(t *testing.T) []string {
				return []string{"validate", "-c", writeConfig(t, "provider:\n  type: carrier-pigeon\nbot:\n  url: ws://b\n")}
			},
			want: "provider.type",
		},
		{
			name: "unknown field",
			args: func(t *testing.T) []string {
				return []string{"validate", "-c", writeConfig(t, "bogus: 1\n")}
			},
			want: "bogus",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := execute(tt.args(t)...)
			if err == nil {
				t.Fatal("validate succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestRunCommand_BadConfig(t *testing.T) {
	t.Parallel()
	if _, err := execute("run", "-c", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("run succeeded without a config file")
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level config.LogLevel
		want  slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		l := newLogger(tt.level)
		if !l.Enabled(context.Background(), tt.want) {
			t.Errorf("newLogger(%q) disables %v", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && l.Enabled(context.Background(), tt.want-4) {
			t.Errorf("newLogger(%q) enables %v", tt.level, tt.want-4)
		}
	}
}

func TestTelemetryConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
provider:
  type: genesys
  listen_port: 9443
bot:
  url: ws://bot.example/stream
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	tc := telemetryConfig(cfg)
	if tc.Provider != "genesys" {
		t.Errorf("Provider = %q, want genesys", tc.Provider)
	}
	if !strings.HasSuffix(tc.InstanceID, cfg.Provider.ListenAddr()) {
		t.Errorf("InstanceID = %q, want suffix %q", tc.InstanceID, cfg.Provider.ListenAddr())
	}
	if tc.BotCodec != string(cfg.Bot.Codec) || tc.BotRate != cfg.Bot.SampleRate {
		t.Errorf("bot = %s@%d, want %s@%d", tc.BotCodec, tc.BotRate, cfg.Bot.Codec, cfg.Bot.SampleRate)
	}
	if tc.ServiceVersion != version {
		t.Errorf("ServiceVersion = %q", tc.ServiceVersion)
	}
}
