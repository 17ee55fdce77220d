package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.New("url is required")
	}

	if c.ReconnectTimeout <= 0 {
		return errors.New("reconnect_timeout must be > 0")
	}
	if c.MaxReconnectTimeout < c.ReconnectTimeout {
		return fmt.Errorf("max_reconnect_timeout (%v) cannot be less than reconnect_timeout (%v)",
			c.MaxReconnectTimeout, c.ReconnectTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be > 0")
	}
	if c.SubscribeTimeout < 0 {
		return errors.New("subscribe_timeout must be >= 0")
	}

	if c.TokenSigning.KeyFile != "" {
		if c.TokenSigning.KeyID == "" {
			return errors.New("token_signing.key_id is required with token_signing.key_file")
		}
		if c.TokenSigning.TTL <= 0 {
			return errors.New("token_signing.ttl must be > 0")
		}
	}

	switch c.CacheMode {
	case "never", "end", "start":
	default:
		return fmt.Errorf("cache_mode must be one of never, end, start, got %q", c.CacheMode)
	}
	if c.DedupWindow < 0 {
		return errors.New("dedup_window must be >= 0")
	}
	if c.ErrorBuffer < 1 {
		return errors.New("error_buffer must be >= 1")
	}

	switch c.Store.Driver {
	case DriverPebble:
	case DriverPostgres:
		if err := c.Store.Postgres.validate("store.postgres"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverPebble, DriverPostgres, c.Store.Driver)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
