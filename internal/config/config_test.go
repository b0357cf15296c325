package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.DefaultProvider != "auto" {
		t.Errorf("DefaultProvider = %q, want auto", cfg.DefaultProvider)
	}
}

func TestLoadProviders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "gpt-4o,gpt-4o-mini")
	t.Setenv("ANTHROPIC_API_KEY", "ak-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].Name != "openai" || cfg.Providers[0].Model != "gpt-4o,gpt-4o-mini" {
		t.Errorf("openai provider misconfigured: %+v", cfg.Providers[0])
	}
	if cfg.Providers[1].Name != "anthropic" {
		t.Errorf("anthropic provider misconfigured: %+v", cfg.Providers[1])
	}
}

func TestValidateRejectsUnknownDefaultProvider(t *testing.T) {
	t.Setenv("AI_PROVIDER", "openai")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for a default provider with no API key")
	}
}
