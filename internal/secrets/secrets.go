// Package secrets resolves credential references in configuration values.
// A value of the form "env://NAME" or "vault://secret/data/signoff#dsn" is
// replaced by the referenced secret. Any other value, including URLs with
// other schemes such as "postgres://...", is used literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/signoff/internal/config"
)

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Provider resolves references of one scheme. ref excludes the "scheme://" prefix.
// Implementations must be safe for concurrent use.
type Provider interface {
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// Resolver dispatches references to the provider registered for their scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a Resolver over the given providers.
func NewResolver(providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Scheme()] = p
	}
	return r
}

// FromConfig builds a Resolver with the env provider and, when configured, Vault.
func FromConfig(cfg *config.SecretsConfig) (*Resolver, error) {
	providers := []Provider{NewEnvProvider()}
	if cfg != nil && cfg.Vault != nil {
		vault, err := NewVaultProvider(cfg.Vault)
		if err != nil {
			return nil, err
		}
		providers = append(providers, vault)
	}
	return NewResolver(providers...), nil
}

// Value resolves v when it is a reference of a registered scheme and returns
// it unchanged otherwise.
func (r *Resolver) Value(ctx context.Context, v string) (string, error) {
	scheme, ref, ok := strings.Cut(v, "://")
	if !ok {
		return v, nil
	}
	p, ok := r.providers[scheme]
	if !ok {
		return v, nil
	}
	secret, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s reference: %w", scheme, err)
	}
	return secret, nil
}

// Apply resolves the postgres DSN and the API keys of cfg in place.
func (r *Resolver) Apply(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage != nil && cfg.Storage.Postgres != nil && cfg.Storage.Postgres.DSN != "" {
		dsn, err := r.Value(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn: %w", err)
		}
		cfg.Storage.Postgres.DSN = dsn
	}

	if h := cfg.Gateway.HTTP; h != nil && len(h.APIKeyUserMapping) > 0 {
		keys := make(map[string]string, len(h.APIKeyUserMapping))
		for ref, user := range h.APIKeyUserMapping {
			key, err := r.Value(ctx, ref)
			if err != nil {
				return fmt.Errorf("api key for %q: %w", user, err)
			}
			if key == "" {
				return fmt.Errorf("api key for %q resolved to an empty value", user)
			}
			keys[key] = user
		}
		h.APIKeyUserMapping = keys
	}
	return nil
}
