package server

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
  dev_mode: true
cognito:
  user_pool_id: eu-west-1_AbCdEf
  client_id: yaml-client
  domain: auth.example.com
auth:
  synced_groups: ["editor"]
`)

	t.Setenv("COGNITOGW_SERVER_PUBLIC_URL", "https://gateway.example.com")
	t.Setenv("COGNITOGW_COGNITO_CLIENT_ID", "env-client")
	t.Setenv("COGNITOGW_AUTH_SYNCED_GROUPS", "editor,author")
	t.Setenv("COGNITOGW_AUTH_SESSION_TTL", "2h")
	t.Setenv("COGNITOGW_STORE_REDIS_PREFIX", "gw:")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://gateway.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Cognito.ClientID != "env-client" {
		t.Fatalf("ClientID override mismatch, got %q", cfg.Cognito.ClientID)
	}
	if cfg.Cognito.PoolRegion() != "eu-west-1" {
		t.Fatalf("region should come from the pool id, got %q", cfg.Cognito.PoolRegion())
	}
	if !slices.Equal(cfg.Auth.SyncedGroups, []string{"editor", "author"}) {
		t.Fatalf("SyncedGroups override mismatch, got %v", cfg.Auth.SyncedGroups)
	}
	if cfg.Auth.SessionTTL != 2*time.Hour {
		t.Fatalf("SessionTTL override mismatch, got %s", cfg.Auth.SessionTTL)
	}
	if cfg.Store.Redis.Prefix != "gw:" {
		t.Fatalf("redis prefix override mismatch, got %q", cfg.Store.Redis.Prefix)
	}
	if cfg.CallbackURL() != "https://gateway.example.com/auth/callback" {
		t.Fatalf("unexpected callback url %q", cfg.CallbackURL())
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "# only a comment\n"))
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Auth.DefaultRole != DefaultRole || cfg.Auth.GroupPrefix != DefaultGroupPrefix {
		t.Fatalf("defaults lost: %+v", cfg.Auth)
	}
	if cfg.Auth.CustomAttributeMap["custom:wp_memberrank"] != "wpuef_cid_c6" {
		t.Fatalf("default attribute map lost: %v", cfg.Auth.CustomAttributeMap)
	}
	if cfg.Auth.Button.Color != DefaultButtonColor {
		t.Fatalf("default button color lost: %q", cfg.Auth.Button.Color)
	}
}

func TestLoadConfigFillsDevPoolSettings(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://127.0.0.1:9000/
dev_pool:
  enabled: true
  user:
    email: tester@example.com
    groups: ["WP_editor"]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Cognito.Domain != "http://127.0.0.1:9000/_devpool" {
		t.Fatalf("dev pool domain not applied, got %q", cfg.Cognito.Domain)
	}
	if err := cfg.Cognito.Check(); err != nil {
		t.Fatalf("dev pool settings incomplete: %v", err)
	}
	if cfg.DevPool.User.Email != "tester@example.com" || cfg.DevPool.User.Sub == "" {
		t.Fatalf("dev pool user not merged: %+v", cfg.DevPool.User)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:8080
auth:
  forse_cognito: true
`)
	_, err := LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "typos") {
		t.Fatalf("expected a hint about typos, got %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidatePartialCognitoIsWarningOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cognito.ClientID = "only-client"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("partial cognito settings should not fail validation: %v", err)
	}
}

func TestConfigValidationErrorMessages(t *testing.T) {
	tests := []struct {
		name          string
		setupConfig   func(*Config)
		expectedError []string
	}{
		{
			name:          "missing_public_url",
			setupConfig:   func(c *Config) { c.Server.PublicURL = "" },
			expectedError: []string{"public_url", "required"},
		},
		{
			name:          "invalid_public_url_format",
			setupConfig:   func(c *Config) { c.Server.PublicURL = "localhost:8080" },
			expectedError: []string{"http://", "https://"},
		},
		{
			name:          "invalid_tls_version",
			setupConfig:   func(c *Config) { c.Server.TLS.MinVersion = "1.0" },
			expectedError: []string{"1.2", "1.3"},
		},
		{
			name: "production_without_domains",
			setupConfig: func(c *Config) {
				c.Server.DevMode = false
				c.Server.TLS.Domains = nil
			},
			expectedError: []string{"tls.domains"},
		},
		{
			name:          "cookie_domain_mismatch",
			setupConfig:   func(c *Config) { c.Server.CookieDomain = ".example.org" },
			expectedError: []string{"cookie_domain"},
		},
		{
			name:          "relative_callback_path",
			setupConfig:   func(c *Config) { c.Auth.CallbackPath = "auth/callback" },
			expectedError: []string{"callback_path"},
		},
		{
			name:          "protocol_relative_callback_path",
			setupConfig:   func(c *Config) { c.Auth.CallbackPath = "//evil.example.com/cb" },
			expectedError: []string{"callback_path"},
		},
		{
			name:          "zero_session_ttl",
			setupConfig:   func(c *Config) { c.Auth.SessionTTL = 0 },
			expectedError: []string{"ttl"},
		},
		{
			name:          "missing_default_role",
			setupConfig:   func(c *Config) { c.Auth.DefaultRole = "" },
			expectedError: []string{"default_role"},
		},
		{
			name:          "bad_name_expression",
			setupConfig:   func(c *Config) { c.Auth.NamePolicy.FirstName = []string{"given_name[["} },
			expectedError: []string{"name_policy"},
		},
		{
			name:          "relative_logout_redirect",
			setupConfig:   func(c *Config) { c.Auth.LogoutRedirectURL = "/bye" },
			expectedError: []string{"logout_redirect_url"},
		},
		{
			name:          "forced_without_pool",
			setupConfig:   func(c *Config) { c.Auth.ForceCognito = true },
			expectedError: []string{"force_cognito", "user_pool_id"},
		},
		{
			name:          "unknown_store_driver",
			setupConfig:   func(c *Config) { c.Store.Driver = "etcd" },
			expectedError: []string{"store.driver"},
		},
		{
			name: "redis_without_addr",
			setupConfig: func(c *Config) {
				c.Store.Driver = "redis"
				c.Store.Redis.Addr = ""
			},
			expectedError: []string{"store.redis.addr"},
		},
		{
			name:          "postgres_without_dsn",
			setupConfig:   func(c *Config) { c.Users.Driver = "postgres" },
			expectedError: []string{"postgres_dsn"},
		},
		{
			name:          "seed_without_username",
			setupConfig:   func(c *Config) { c.Users.Seed = []SeedUser{{Email: "a@example.com"}} },
			expectedError: []string{"users.seed[0]"},
		},
		{
			name: "dev_pool_in_production",
			setupConfig: func(c *Config) {
				c.Server.DevMode = false
				c.DevPool.Enabled = true
			},
			expectedError: []string{"dev_pool"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setupConfig(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !containsAny(err.Error(), tt.expectedError) {
				t.Errorf("error should contain one of %v, got: %v", tt.expectedError, err)
			}
		})
	}
}

func TestStripYAMLComments(t *testing.T) {
	in := "# header\nserver:\n  # nested\n  public_url: http://x # trailing kept\n"
	out := string(stripYAMLComments([]byte(in)))
	if strings.Contains(out, "header") || strings.Contains(out, "nested") {
		t.Fatalf("comment lines not stripped: %q", out)
	}
	if !strings.Contains(out, "public_url: http://x # trailing kept") {
		t.Fatalf("content line altered: %q", out)
	}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
