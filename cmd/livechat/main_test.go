package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    bool
	}{
		{"default.base_url", "https://chat.example.com", false},
		{"default.variant", "customer", false},
		{"default.variant", "admin", true},
		{"default.log_level", "debug", false},
		{"default.log_level", "loud", true},
		{"auth.token", "tok", false},
		{"auth.name", "Ada", false},
		{"auth.color", "red", true},
		{"other.key", "x", true},
		{"nodot", "x", true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			var cfg Config
			err := setConfigValue(&cfg, tt.key, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LIVECHAT_CONFIG_DIR", dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load missing config: %v", err)
	}
	if cfg.Default.BaseURL != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}

	cfg.Default.BaseURL = "http://localhost:9000"
	cfg.Default.Variant = "operator"
	cfg.Auth.Token = "secret-token"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config must be private, got %v", info.Mode().Perm())
	}

	got, err := loadConfig()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if *got != *cfg {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, cfg)
	}

	t.Setenv("LIVECHAT_TOKEN", "from-env")
	applyEnv(got)
	if got.Auth.Token != "from-env" || got.Default.BaseURL != "http://localhost:9000" {
		t.Fatalf("unexpected env override %+v", got)
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("short"); got != "*****" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := maskKey("abcdefghijklmnop"); got != "abcdefgh...mnop" {
		t.Fatalf("unexpected mask %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warning", "error"} {
		if _, err := parseLevel(s); err != nil {
			t.Errorf("%q: %v", s, err)
		}
	}
	if _, err := parseLevel("trace"); err == nil {
		t.Error("expected error for unknown level")
	}
}
