package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 9000\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Fatalf("http_port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort != 9090 || cfg.Database.Path != "threadline.db" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Storage.Backend != "memory" || cfg.Logging.Level != "info" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.WhatsApp == nil || cfg.WhatsApp.Enabled {
		t.Fatalf("whatsapp = %+v", cfg.WhatsApp)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("WA_TOKEN", "tok123")
	path := writeConfig(t, `
whatsapp:
  enabled: true
  verify_token: verify
  access_token: ${WA_TOKEN}
  phone_number_id: "555"
agent:
  max_iterations: 7
  typing_interval: 4s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WhatsApp.AccessToken != "tok123" {
		t.Fatalf("access_token = %q", cfg.WhatsApp.AccessToken)
	}
	if cfg.Agent.MaxIterations != 7 || cfg.Agent.TypingInterval != 4*time.Second {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown storage backend": "storage:\n  backend: tape\n",
		"s3 without bucket":       "storage:\n  backend: s3\n",
		"whatsapp without tokens": "whatsapp:\n  enabled: true\n",
		"transcription no key":    "transcription:\n  enabled: true\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
