package config

import "time"

// Config is the root configuration for a session client.
type Config struct {
	URL string `yaml:"url" toml:"url"`

	// Credential sources, tried in order: Token, TokenFile, TokenEnv,
	// TokenSigning. A programmatic provider passed to the client takes
	// precedence.
	Token        string        `yaml:"token" toml:"token"`
	TokenFile    string        `yaml:"token_file" toml:"token_file"`
	TokenEnv     string        `yaml:"token_env" toml:"token_env"`
	TokenSigning SigningConfig `yaml:"token_signing" toml:"token_signing"`

	ReconnectTimeout    time.Duration `yaml:"reconnect_timeout" toml:"reconnect_timeout"`         // Initial backoff
	MaxReconnectTimeout time.Duration `yaml:"max_reconnect_timeout" toml:"max_reconnect_timeout"` // Backoff ceiling
	ShouldReconnect     *bool         `yaml:"should_reconnect" toml:"should_reconnect"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	SubscribeTimeout    time.Duration `yaml:"subscribe_timeout" toml:"subscribe_timeout"` // 0 disables

	CacheEnabled *bool  `yaml:"cache_enabled" toml:"cache_enabled"`
	CacheDBName  string `yaml:"cache_db_name" toml:"cache_db_name"` // Pebble directory, empty = in-memory
	CacheMode    string `yaml:"cache_mode" toml:"cache_mode"`       // "never", "end" or "start"
	DedupWindow  int    `yaml:"dedup_window" toml:"dedup_window"`   // Reserved, not consulted

	ErrorBuffer int `yaml:"error_buffer" toml:"error_buffer"`

	Store StoreConfig `yaml:"store" toml:"store"`
}

// SigningConfig mints short-lived RS256 tokens from a local private key.
type SigningConfig struct {
	KeyFile string        `yaml:"key_file" toml:"key_file"` // PEM, PKCS#8 or PKCS#1
	KeyID   string        `yaml:"key_id" toml:"key_id"`     // JWT "kid" header
	Issuer  string        `yaml:"issuer" toml:"issuer"`
	Subject string        `yaml:"subject" toml:"subject"`
	TTL     time.Duration `yaml:"ttl" toml:"ttl"`
}

// StoreConfig selects the SessionStore engine.
type StoreConfig struct {
	Driver   string   `yaml:"driver" toml:"driver"` // "pebble" or "postgres"
	Postgres DBConfig `yaml:"postgres" toml:"postgres"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	Name     string `yaml:"name" toml:"name"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`
	SSLMode  string `yaml:"ssl_mode" toml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns" toml:"max_conns"`
	MinConns int    `yaml:"min_conns" toml:"min_conns"`
}

// Reconnect reports whether automatic reconnection is enabled.
func (c *Config) Reconnect() bool {
	return c.ShouldReconnect == nil || *c.ShouldReconnect
}

// Caching reports whether delivered batches are cached for replay.
func (c *Config) Caching() bool {
	return c.CacheEnabled == nil || *c.CacheEnabled
}
