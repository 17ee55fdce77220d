package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultReconnectTimeout    = 1 * time.Second
	DefaultMaxReconnectTimeout = 10 * time.Second
	DefaultConnectTimeout      = 10 * time.Second
	DefaultCacheMode           = "start"
	DefaultErrorBuffer         = 64
	DefaultTokenTTL            = 5 * time.Minute
	DefaultStoreDriver         = DriverPebble
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 4
	DefaultMinConns            = 1
)

// Store drivers.
const (
	DriverPebble   = "pebble"
	DriverPostgres = "postgres"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued optional fields.
func (c *Config) ApplyDefaults() {
	if c.ReconnectTimeout == 0 {
		c.ReconnectTimeout = DefaultReconnectTimeout
	}
	if c.MaxReconnectTimeout == 0 {
		c.MaxReconnectTimeout = DefaultMaxReconnectTimeout
	}
	if c.ShouldReconnect == nil {
		c.ShouldReconnect = boolPtr(true)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CacheEnabled == nil {
		c.CacheEnabled = boolPtr(true)
	}
	if c.CacheMode == "" {
		c.CacheMode = DefaultCacheMode
	}
	if c.ErrorBuffer == 0 {
		c.ErrorBuffer = DefaultErrorBuffer
	}
	if c.TokenSigning.KeyFile != "" && c.TokenSigning.TTL == 0 {
		c.TokenSigning.TTL = DefaultTokenTTL
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}
	if c.Store.Driver == DriverPostgres {
		applyDBDefaults(&c.Store.Postgres)
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}

func boolPtr(v bool) *bool { return &v }
