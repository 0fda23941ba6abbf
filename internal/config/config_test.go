package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MinimalWithEnvToken(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "threatfeed.toml")
	content := `
[server]
listen_address = ":8081"

[display]
min_confidence = 25

[feed]
ipAddresses = ["1.2.3.4", "5.6.7.8"]
maxAgeInDays = 60
fetchBlacklist = true
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("THREATFEED_CLIENT_lobby_display", "test-token")
	t.Setenv("THREATFEED_API_KEY", "secret-key")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddress != ":8081" {
		t.Errorf("listen_address = %q", cfg.Server.ListenAddress)
	}
	if cfg.Display.MinConfidence != 25 {
		t.Errorf("min_confidence = %d", cfg.Display.MinConfidence)
	}
	if cfg.Display.RotateIntervalMs != 10000 {
		t.Errorf("rotate_interval_ms default = %d", cfg.Display.RotateIntervalMs)
	}
	if cfg.API.BaseURL != DefaultAPIBaseURL {
		t.Errorf("base_url = %q", cfg.API.BaseURL)
	}
	if cfg.Auth.Tokens["test-token"] != "lobby-display" {
		t.Errorf("token should map to lobby-display, got %q", cfg.Auth.Tokens["test-token"])
	}

	feed := Normalize(cfg.Feed)
	if feed.APIKey != "secret-key" {
		t.Error("THREATFEED_API_KEY should override feed apiKey")
	}
	if len(feed.IPAddresses) != 2 || feed.IPAddresses[1] != "5.6.7.8" {
		t.Errorf("ipAddresses = %v", feed.IPAddresses)
	}
	// TOML integers decode as int64 and must be accepted as finite numbers.
	if feed.MaxAgeInDays != 60 {
		t.Errorf("maxAgeInDays = %d", feed.MaxAgeInDays)
	}
	if !feed.FetchBlacklist {
		t.Error("fetchBlacklist should be true")
	}
}

func TestLoad_APIURLOverride(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "threatfeed.toml")
	content := `
[auth.tokens]
"tk" = "display"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_URL", "http://127.0.0.1:9999/api/v2")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.API.BaseURL != "http://127.0.0.1:9999/api/v2" {
		t.Errorf("base_url = %q", cfg.API.BaseURL)
	}
	if cfg.ClientForToken("tk") != "display" {
		t.Errorf("ClientForToken = %q", cfg.ClientForToken("tk"))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(cfgPath, []byte("invalid toml [[["), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("expected error for invalid TOML")
	}
}

func TestValidate_NoTokens(t *testing.T) {
	c := &Config{}
	c.setDefaults()
	if err := c.validate(); err == nil {
		t.Fatal("expected validation error when no tokens")
	}
}

func TestValidate_TLSRequiresReadableCertFiles(t *testing.T) {
	c := &Config{}
	c.setDefaults()
	c.Server.TLS = true
	c.Server.CertFile = "/nonexistent/cert.pem"
	c.Server.KeyFile = "/nonexistent/key.pem"
	c.Auth.Tokens = map[string]string{"tk": "d1"}
	if err := c.validate(); err == nil {
		t.Fatal("expected validation error when cert or key file not readable")
	}
}

func TestValidate_Output(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default none", func(c *Config) {}, false},
		{"stdout", func(c *Config) { c.Output.Type = "stdout" }, false},
		{"unknown", func(c *Config) { c.Output.Type = "kafka" }, true},
		{"elasticsearch without url", func(c *Config) { c.Output.Type = "elasticsearch" }, true},
		{"redis without url", func(c *Config) { c.Output.Type = "redis" }, true},
		{"redis with url", func(c *Config) {
			c.Output.Type = "redis"
			c.Output.RedisURL = "redis://localhost:6379/0"
		}, false},
		{"bad base url", func(c *Config) { c.API.BaseURL = "ftp://example" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{}
			c.setDefaults()
			c.Auth.Tokens = map[string]string{"tk": "d1"}
			tt.mutate(c)
			err := c.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
