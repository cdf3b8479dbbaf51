package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"basic_config": {"server_address": ":9100", "session_base_dir": "data", "max_workers": 4},
		"providers": {"deepseek": {"model": "deepseek-reasoner"}},
		"databases": {"sqlite3": {"dsn": "test.db"}}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DEEPSEEK_API_KEY", "ds-key")
	t.Setenv("SERPER_API_KEY", "serper-key")
	t.Setenv("REDIS_ADDR", "cache.local:6380")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":9100" {
		t.Fatalf("server address not read: %q", cfg.BasicConfig.ServerAddress)
	}
	if cfg.BasicConfig.SessionBaseDir != filepath.Join(dir, "data") {
		t.Fatalf("session dir not resolved against config dir: %q", cfg.BasicConfig.SessionBaseDir)
	}
	if got := cfg.Databases["sqlite3"].DSN; got != filepath.Join(dir, "test.db") {
		t.Fatalf("sqlite dsn not resolved: %q", got)
	}
	name, prov, err := cfg.Provider("deepseek")
	if err != nil || name != "deepseek" || prov.APIKey != "ds-key" {
		t.Fatalf("provider lookup failed: %s %+v %v", name, prov, err)
	}
	if cfg.Search.SerperAPIKey != "serper-key" {
		t.Fatalf("serper key not applied")
	}
	if !cfg.Redis.Enabled() || cfg.Redis.Host != "cache.local" || cfg.Redis.Port != 6380 {
		t.Fatalf("redis addr not parsed: %+v", cfg.Redis)
	}
	if cfg.BasicConfig.MinWorkers != 1 || cfg.BasicConfig.QueueSize != 32 {
		t.Fatalf("defaults not applied: %+v", cfg.BasicConfig)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestProviderWithoutKey(t *testing.T) {
	cfg := &Config{Providers: map[string]ProviderConfig{"openai": {Model: "o3"}}}
	cfg.BasicConfig.DefaultProvider = "openai"
	if _, _, err := cfg.Provider(""); err == nil {
		t.Fatalf("expected missing api key error")
	}
	if _, _, err := cfg.Provider("claude"); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestMySQLParamsParseTime(t *testing.T) {
	cases := map[string]string{
		"":                          "parseTime=true",
		"charset=utf8mb4":           "charset=utf8mb4&parseTime=true",
		"parseTime=false&loc=Local": "parseTime=false&loc=Local",
	}
	for params, want := range cases {
		cfg := &Config{Databases: map[string]DatabaseConfig{"mysql": {Host: "db", Params: params}}}
		cfg.applyDefaults()
		if got := cfg.Databases["mysql"].Params; got != want {
			t.Fatalf("params %q: got %q, want %q", params, got, want)
		}
	}
}
