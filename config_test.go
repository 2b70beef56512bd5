package amira

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "amira.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
provider:
  name: mock
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected default memory backend, got %s", cfg.Store.Backend)
	}
	if cfg.Session.InactivityTimeout != 30*time.Minute {
		t.Errorf("expected default 30m timeout, got %v", cfg.Session.InactivityTimeout)
	}
	if cfg.Session.AssessEvery != 5 {
		t.Errorf("expected default assess_every 5, got %d", cfg.Session.AssessEvery)
	}
}

func TestLoadConfigParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  observability_port: 9100
provider:
  name: gemini
  model: gemini-2.0-flash
  tracing: true
  extractor_call_timeout: 10s
  composer_call_timeout: 25s
  max_utterance_length: 2048
store:
  backend: redis
  redis:
    addr: localhost:6379
    db: 2
session:
  inactivity_timeout: 45m
  sweep_interval: "@every 30s"
report:
  cache: true
  rising_margin: 0.2
limits:
  requests_per_second: 2
  burst: 4
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != 9000 || cfg.Server.ObservabilityPort != 9100 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Provider.Model != "gemini-2.0-flash" || !cfg.Provider.Tracing {
		t.Errorf("unexpected provider config: %+v", cfg.Provider)
	}
	if cfg.Provider.ExtractorCallTimeout != 10*time.Second || cfg.Provider.ComposerCallTimeout != 25*time.Second {
		t.Errorf("unexpected call timeouts: %+v", cfg.Provider)
	}
	if cfg.Provider.MaxUtteranceLength != 2048 {
		t.Errorf("expected max_utterance_length 2048, got %d", cfg.Provider.MaxUtteranceLength)
	}
	if cfg.Store.Backend != "redis" || cfg.Store.Redis.Addr != "localhost:6379" || cfg.Store.Redis.DB != 2 {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Session.InactivityTimeout != 45*time.Minute {
		t.Errorf("expected 45m timeout, got %v", cfg.Session.InactivityTimeout)
	}
	if !cfg.Report.Cache || cfg.Report.RisingMargin != 0.2 {
		t.Errorf("unexpected report config: %+v", cfg.Report)
	}
	if cfg.Limits.RequestsPerSecond != 2 || cfg.Limits.Burst != 4 {
		t.Errorf("unexpected limits config: %+v", cfg.Limits)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "unknown backend",
			content: `
store:
  backend: cassandra
`,
		},
		{
			name: "redis backend without addr",
			content: `
store:
  backend: redis
`,
		},
		{
			name: "firestore backend without project",
			content: `
store:
  backend: firestore
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := LoadConfig(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/amira.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
