package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("GITHUB_TOKEN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LLM.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %q, want %q", cfg.LLM.BaseURL, DefaultBaseURL)
	}
	if cfg.LLM.Model != DefaultModel {
		t.Errorf("Model = %q, want %q", cfg.LLM.Model, DefaultModel)
	}
	if cfg.LLM.Temperature != DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", cfg.LLM.Temperature, DefaultTemperature)
	}
	if !cfg.LLM.Stream {
		t.Error("expected streaming to be enabled by default")
	}
	if cfg.SubmissionsDir != "submissions" {
		t.Errorf("SubmissionsDir = %q, want submissions", cfg.SubmissionsDir)
	}
	if cfg.LLM.APIKey != "" {
		t.Errorf("expected empty API key, got %q", cfg.LLM.APIKey)
	}
}

func TestLoadAPIKeyPrecedence(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "gh-token")
	t.Setenv("LLM_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.APIKey != "gh-token" {
		t.Fatalf("APIKey = %q, want gh-token", cfg.LLM.APIKey)
	}

	t.Setenv("LLM_API_KEY", "  explicit  ")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LLM.APIKey != "explicit" {
		t.Fatalf("APIKey = %q, want explicit", cfg.LLM.APIKey)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LLM_BASE_URL", "http://localhost:9999/v1/")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("LLM_TIMEOUT", "15s")
	t.Setenv("LLM_STREAM", "off")
	t.Setenv("SESSION_IDLE_TTL", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if strings.HasSuffix(cfg.LLM.BaseURL, "/") {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", cfg.LLM.Temperature)
	}
	if cfg.LLM.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", cfg.LLM.Timeout)
	}
	if cfg.LLM.Stream {
		t.Error("expected streaming disabled")
	}
	if cfg.SessionIdleTTL != 60*time.Minute {
		t.Errorf("SessionIdleTTL = %v, want fallback 60m", cfg.SessionIdleTTL)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			Port:           "8080",
			DBPath:         "db",
			SubmissionsDir: "submissions",
			LLM: LLMConfig{
				BaseURL:     DefaultBaseURL,
				Model:       DefaultModel,
				Temperature: DefaultTemperature,
				Timeout:     time.Minute,
			},
			RateLimit: RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Second},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "valid", mutate: func(*Config) {}, ok: true},
		{name: "empty port", mutate: func(c *Config) { c.Port = "" }},
		{name: "empty submissions dir", mutate: func(c *Config) { c.SubmissionsDir = "" }},
		{name: "temperature too high", mutate: func(c *Config) { c.LLM.Temperature = 3 }},
		{name: "zero timeout", mutate: func(c *Config) { c.LLM.Timeout = 0 }},
		{name: "log enabled without dir", mutate: func(c *Config) { c.ConversationLog.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
