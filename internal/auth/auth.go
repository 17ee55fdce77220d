// Package auth provides the bearer credential used to open the stream
// connection.
//
// A Provider is called on every connect attempt, so rotating credentials
// (a token file rewritten by a sidecar, or locally minted short-lived
// tokens) are picked up on reconnect.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rickgao/resumesub/internal/config"
)

// ErrNoCredential is returned when a source yields an empty credential.
var ErrNoCredential = errors.New("auth: empty credential")

// Provider returns a bearer credential for a new connection.
type Provider func(ctx context.Context) (string, error)

// Static returns a Provider that always yields token.
func Static(token string) Provider {
	return func(ctx context.Context) (string, error) {
		if token == "" {
			return "", ErrNoCredential
		}
		return token, nil
	}
}

// FromFile returns a Provider that re-reads path on every call.
func FromFile(path string) Provider {
	return func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("token file %s: %w", path, ErrNoCredential)
		}
		return token, nil
	}
}

// FromEnv returns a Provider that reads the environment variable name on
// every call.
func FromEnv(name string) Provider {
	return func(ctx context.Context) (string, error) {
		token := strings.TrimSpace(os.Getenv(name))
		if token == "" {
			return "", fmt.Errorf("env %s: %w", name, ErrNoCredential)
		}
		return token, nil
	}
}

// FromConfig picks the first configured credential source: token,
// token_file, token_env, then token_signing.
func FromConfig(cfg *config.Config) (Provider, error) {
	switch {
	case cfg.Token != "":
		return Static(cfg.Token), nil
	case cfg.TokenFile != "":
		return FromFile(cfg.TokenFile), nil
	case cfg.TokenEnv != "":
		return FromEnv(cfg.TokenEnv), nil
	case cfg.TokenSigning.KeyFile != "":
		s := cfg.TokenSigning
		creds, err := LoadCredentials(s.KeyID, s.KeyFile)
		if err != nil {
			return nil, err
		}
		return creds.Provider(s.Issuer, s.Subject, s.TTL), nil
	}
	return nil, errors.New("no credential source configured (token, token_file, token_env or token_signing)")
}
