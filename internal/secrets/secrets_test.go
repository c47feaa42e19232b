package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/signoff/internal/config"
)

func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 3},
		},
	})
	return b
}

func newTestVault(t *testing.T, handler http.HandlerFunc) *VaultProvider {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewVaultProvider(&config.VaultConfig{Address: srv.URL, Token: "test-token", Namespace: "team-a"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	return p
}

// --- Resolver ---

func TestResolver_LiteralValues(t *testing.T) {
	r := NewResolver(NewEnvProvider())
	for _, v := range []string{"", "plain-key", "postgres://u:p@db:5432/signoff", "host=db user=signoff"} {
		got, err := r.Value(context.Background(), v)
		if err != nil || got != v {
			t.Errorf("Value(%q) = %q, %v; want literal", v, got, err)
		}
	}
}

func TestResolver_EnvReference(t *testing.T) {
	t.Setenv("SIGNOFF_TEST_SECRET", "s3cret")
	r := NewResolver(NewEnvProvider())

	got, err := r.Value(context.Background(), "env://SIGNOFF_TEST_SECRET")
	if err != nil || got != "s3cret" {
		t.Fatalf("Value = %q, %v", got, err)
	}

	_, err = r.Value(context.Background(), "env://SIGNOFF_TEST_UNSET")
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("unset variable: err = %v, want ErrSecretNotFound", err)
	}
}

func TestResolver_Apply(t *testing.T) {
	t.Setenv("SIGNOFF_TEST_DSN", "postgres://signoff@db/signoff")
	t.Setenv("SIGNOFF_TEST_KEY", "key-from-env")

	cfg := &config.Config{
		Storage: &config.StorageConfig{
			Driver:   "postgres",
			Postgres: &config.PostgresStorageConfig{DSN: "env://SIGNOFF_TEST_DSN"},
		},
		Gateway: config.GatewayConfig{HTTP: &config.HTTPGatewayConfig{
			APIKeyUserMapping: map[string]string{
				"env://SIGNOFF_TEST_KEY": "alice",
				"literal-key":            "bob",
			},
		}},
	}
	if err := NewResolver(NewEnvProvider()).Apply(context.Background(), cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if cfg.Storage.Postgres.DSN != "postgres://signoff@db/signoff" {
		t.Errorf("dsn = %q", cfg.Storage.Postgres.DSN)
	}
	keys := cfg.Gateway.HTTP.APIKeyUserMapping
	if keys["key-from-env"] != "alice" || keys["literal-key"] != "bob" || len(keys) != 2 {
		t.Errorf("api keys = %v", keys)
	}
}

func TestResolver_ApplyFailsOnUnresolvedKey(t *testing.T) {
	cfg := &config.Config{
		Gateway: config.GatewayConfig{HTTP: &config.HTTPGatewayConfig{
			APIKeyUserMapping: map[string]string{"env://SIGNOFF_TEST_MISSING": "alice"},
		}},
	}
	if err := NewResolver(NewEnvProvider()).Apply(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unresolved key")
	}
}

func TestFromConfig_VaultRequiresAddress(t *testing.T) {
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	if _, err := FromConfig(&config.SecretsConfig{Vault: &config.VaultConfig{Token: "t"}}); err == nil {
		t.Fatal("expected error without vault address")
	}
	if _, err := FromConfig(nil); err != nil {
		t.Fatalf("nil config: %v", err)
	}
}

// --- Vault ---

func TestVaultProvider_ResolveField(t *testing.T) {
	p := newTestVault(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/secret/data/signoff" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Vault-Token") != "test-token" || r.Header.Get("X-Vault-Namespace") != "team-a" {
			t.Errorf("missing vault headers: %v", r.Header)
		}
		_, _ = w.Write(kvV2Response(map[string]any{"dsn": "postgres://vault@db/signoff"}))
	})

	got, err := NewResolver(p).Value(context.Background(), "vault://secret/data/signoff#dsn")
	if err != nil || got != "postgres://vault@db/signoff" {
		t.Fatalf("Value = %q, %v", got, err)
	}
}

func TestVaultProvider_Errors(t *testing.T) {
	tests := []struct {
		name     string
		ref      string
		status   int
		data     map[string]any
		notFound bool
	}{
		{"missing field selector", "secret/data/signoff", http.StatusOK, map[string]any{"dsn": "x"}, false},
		{"path not found", "secret/data/nope#dsn", http.StatusNotFound, nil, true},
		{"forbidden", "secret/data/signoff#dsn", http.StatusForbidden, nil, false},
		{"server error", "secret/data/signoff#dsn", http.StatusBadGateway, nil, false},
		{"field not found", "secret/data/signoff#token", http.StatusOK, map[string]any{"dsn": "x"}, true},
		{"field not a string", "secret/data/signoff#port", http.StatusOK, map[string]any{"port": 5432}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestVault(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				if tt.data != nil {
					_, _ = w.Write(kvV2Response(tt.data))
				}
			})
			_, err := p.Resolve(context.Background(), tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrSecretNotFound) != tt.notFound {
				t.Errorf("errors.Is(ErrSecretNotFound) = %v, want %v (%v)", !tt.notFound, tt.notFound, err)
			}
		})
	}
}

func TestVaultProvider_EnvOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "env-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write(kvV2Response(map[string]any{"key": "v"}))
	}))
	t.Cleanup(srv.Close)
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "env-token")
	t.Setenv("VAULT_NAMESPACE", "")

	p, err := NewVaultProvider(&config.VaultConfig{Address: "http://ignored:1", Token: "file-token"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	if got, err := p.Resolve(context.Background(), "secret/data/x#key"); err != nil || got != "v" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
}
