package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
url: wss://stream.example.com/v3
token: abc
reconnect_timeout: 500ms
max_reconnect_timeout: 5s
should_reconnect: false
cache_db_name: /tmp/resumesub
cache_mode: end
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.URL != "wss://stream.example.com/v3" {
		t.Errorf("URL = %q, want %q", cfg.URL, "wss://stream.example.com/v3")
	}
	if cfg.ReconnectTimeout != 500*time.Millisecond {
		t.Errorf("ReconnectTimeout = %v, want %v", cfg.ReconnectTimeout, 500*time.Millisecond)
	}
	if cfg.MaxReconnectTimeout != 5*time.Second {
		t.Errorf("MaxReconnectTimeout = %v, want %v", cfg.MaxReconnectTimeout, 5*time.Second)
	}
	if cfg.Reconnect() {
		t.Error("Reconnect() = true, want false")
	}
	if cfg.CacheMode != "end" {
		t.Errorf("CacheMode = %q, want %q", cfg.CacheMode, "end")
	}
}

func TestLoadTOML(t *testing.T) {
	toml := `
url = "wss://stream.example.com/v3"
token_env = "STREAM_TOKEN"
max_reconnect_timeout = "20s"
cache_enabled = false

[store]
driver = "postgres"

[store.postgres]
host = "localhost"
name = "sessions"
user = "client"
`
	path := writeTempFile(t, "config.toml", toml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.TokenEnv != "STREAM_TOKEN" {
		t.Errorf("TokenEnv = %q, want %q", cfg.TokenEnv, "STREAM_TOKEN")
	}
	if cfg.MaxReconnectTimeout != 20*time.Second {
		t.Errorf("MaxReconnectTimeout = %v, want %v", cfg.MaxReconnectTimeout, 20*time.Second)
	}
	if cfg.Caching() {
		t.Error("Caching() = true, want false")
	}
	if cfg.Store.Driver != DriverPostgres {
		t.Errorf("Store.Driver = %q, want %q", cfg.Store.Driver, DriverPostgres)
	}
	if cfg.Store.Postgres.Port != DefaultDBPort {
		t.Errorf("Store.Postgres.Port = %d, want default %d", cfg.Store.Postgres.Port, DefaultDBPort)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_STREAM_TOKEN", "secret123")

	yaml := `
url: wss://stream.example.com/v3
token: ${TEST_STREAM_TOKEN}
`
	path := writeTempFile(t, "config.yaml", yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Token != "secret123" {
		t.Errorf("Token = %q, want %q", cfg.Token, "secret123")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, "config.yaml", "url: wss://stream.example.com/v3\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.ReconnectTimeout != DefaultReconnectTimeout {
		t.Errorf("ReconnectTimeout = %v, want default %v", cfg.ReconnectTimeout, DefaultReconnectTimeout)
	}
	if cfg.MaxReconnectTimeout != DefaultMaxReconnectTimeout {
		t.Errorf("MaxReconnectTimeout = %v, want default %v", cfg.MaxReconnectTimeout, DefaultMaxReconnectTimeout)
	}
	if !cfg.Reconnect() {
		t.Error("Reconnect() = false, want default true")
	}
	if !cfg.Caching() {
		t.Error("Caching() = false, want default true")
	}
	if cfg.CacheMode != DefaultCacheMode {
		t.Errorf("CacheMode = %q, want default %q", cfg.CacheMode, DefaultCacheMode)
	}
	if cfg.Store.Driver != DriverPebble {
		t.Errorf("Store.Driver = %q, want default %q", cfg.Store.Driver, DriverPebble)
	}
}

func TestApplyDefaults_TokenTTL(t *testing.T) {
	cfg := &Config{TokenSigning: SigningConfig{KeyFile: "client.pem", KeyID: "k1"}}
	cfg.ApplyDefaults()

	if cfg.TokenSigning.TTL != DefaultTokenTTL {
		t.Errorf("TokenSigning.TTL = %v, want default %v", cfg.TokenSigning.TTL, DefaultTokenTTL)
	}

	// No key file, no TTL.
	cfg = Default()
	if cfg.TokenSigning.TTL != 0 {
		t.Errorf("TokenSigning.TTL = %v without key file, want 0", cfg.TokenSigning.TTL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of a missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.URL = "wss://stream.example.com/v3"
		return *cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "missing url",
			mutate:  func(c *Config) { c.URL = "" },
			wantErr: "url is required",
		},
		{
			name: "ceiling below initial backoff",
			mutate: func(c *Config) {
				c.ReconnectTimeout = 2 * time.Second
				c.MaxReconnectTimeout = time.Second
			},
			wantErr: "max_reconnect_timeout (1s) cannot be less than reconnect_timeout (2s)",
		},
		{
			name:    "bad cache mode",
			mutate:  func(c *Config) { c.CacheMode = "always" },
			wantErr: `cache_mode must be one of never, end, start, got "always"`,
		},
		{
			name:    "negative dedup window",
			mutate:  func(c *Config) { c.DedupWindow = -1 },
			wantErr: "dedup_window must be >= 0",
		},
		{
			name: "signing key without key id",
			mutate: func(c *Config) {
				c.TokenSigning = SigningConfig{KeyFile: "/etc/keys/client.pem", TTL: time.Minute}
			},
			wantErr: "token_signing.key_id is required with token_signing.key_file",
		},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Store.Driver = "sqlite" },
			wantErr: `store.driver must be "pebble" or "postgres", got "sqlite"`,
		},
		{
			name: "postgres without host",
			mutate: func(c *Config) {
				c.Store.Driver = DriverPostgres
				c.Store.Postgres = DBConfig{Name: "db", User: "user", MaxConns: 2}
			},
			wantErr: "store.postgres.host is required",
		},
		{
			name: "postgres min_conns exceeds max_conns",
			mutate: func(c *Config) {
				c.Store.Driver = DriverPostgres
				c.Store.Postgres = DBConfig{Host: "localhost", Name: "db", User: "user", MaxConns: 2, MinConns: 5}
			},
			wantErr: "store.postgres.min_conns (5) cannot exceed max_conns (2)",
		},
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
