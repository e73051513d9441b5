package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"cognitogate/cognito"
)

// EnvPrefix prefixes every environment override, e.g. COGNITOGW_SERVER_PUBLIC_URL.
const EnvPrefix = "COGNITOGW_"

// Hardcoded flow defaults
const (
	DefaultStateTTL     = 15 * time.Minute
	DefaultSessionTTL   = 12 * time.Hour
	DefaultCallbackPath = "/auth/callback"
	DefaultRole         = "subscriber"
	DefaultGroupPrefix  = "WP_"
	DefaultButtonText   = "Login with Cognito"
	DefaultButtonColor  = "#ff9900"
	DefaultButtonText2  = "#ffffff"
	devPoolMount        = "/_devpool"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server  ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Cognito cognito.Settings `yaml:"cognito" envPrefix:"COGNITO_"`
	Auth    AuthConfig       `yaml:"auth" envPrefix:"AUTH_"`
	Store   StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	Users   UsersConfig      `yaml:"users" envPrefix:"USERS_"`
	DevPool DevPoolConfig    `yaml:"dev_pool" envPrefix:"DEV_POOL_"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" env:"PUBLIC_URL"`
	DevListenAddr   string    `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"DEV_MODE"`
	CookieDomain    string    `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
	SecretsPath     string    `yaml:"secrets_path" env:"SECRETS_PATH"`
	TLS             TLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DOMAINS"`
	Email      string   `yaml:"email" env:"EMAIL"`
	MinVersion string   `yaml:"min_version" env:"MIN_VERSION"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
}

// AuthConfig is the login flow policy.
type AuthConfig struct {
	AutoCreateUsers   bool   `yaml:"auto_create_users" env:"AUTO_CREATE_USERS"`
	DefaultRole       string `yaml:"default_role" env:"DEFAULT_ROLE"`
	ForceCognito      bool   `yaml:"force_cognito" env:"FORCE_COGNITO"`
	LogoutRedirectURL string `yaml:"logout_redirect_url" env:"LOGOUT_REDIRECT_URL"`
	// EmergencyAccessParam overrides the generated emergency token.
	EmergencyAccessParam string            `yaml:"emergency_access_param" env:"EMERGENCY_ACCESS_PARAM"`
	SyncedGroups         []string          `yaml:"synced_groups" env:"SYNCED_GROUPS"`
	GroupPrefix          string            `yaml:"group_prefix" env:"GROUP_PREFIX"`
	AdminRoles           []string          `yaml:"admin_roles" env:"ADMIN_ROLES"`
	CallbackPath         string            `yaml:"callback_path" env:"CALLBACK_PATH"`
	StateTTL             time.Duration     `yaml:"state_ttl" env:"STATE_TTL"`
	SessionTTL           time.Duration     `yaml:"session_ttl" env:"SESSION_TTL"`
	JWKSTTL              time.Duration     `yaml:"jwks_ttl" env:"JWKS_TTL"`
	CustomAttributeMap   map[string]string `yaml:"custom_attribute_map" env:"CUSTOM_ATTRIBUTE_MAP"`
	NamePolicy           NamePolicyConfig  `yaml:"name_policy"`
	Button               ButtonConfig      `yaml:"button" envPrefix:"BUTTON_"`
}

// NamePolicyConfig lists JMESPath expressions tried in order against the ID
// token claims. The first non-empty string result wins.
type NamePolicyConfig struct {
	FirstName   []string `yaml:"first_name"`
	LastName    []string `yaml:"last_name"`
	DisplayName []string `yaml:"display_name"`
}

// ButtonConfig styles the "Login with Cognito" button.
type ButtonConfig struct {
	Text      string `yaml:"text" env:"TEXT"`
	Color     string `yaml:"color" env:"COLOR"`
	TextColor string `yaml:"text_color" env:"TEXT_COLOR"`
}

// StoreConfig selects where state nonces and sessions live.
type StoreConfig struct {
	Driver string      `yaml:"driver" env:"DRIVER"`
	Redis  RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig points at a Redis server shared by gateway replicas.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// UsersConfig selects the user directory.
type UsersConfig struct {
	Driver      string     `yaml:"driver" env:"DRIVER"`
	PostgresDSN string     `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	Seed        []SeedUser `yaml:"seed"`
}

// SeedUser is created at startup when no user with that username exists.
type SeedUser struct {
	Username     string   `yaml:"username"`
	Email        string   `yaml:"email"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
}

// DevPoolConfig enables the in-process user pool emulator in dev mode.
type DevPoolConfig struct {
	Enabled bool        `yaml:"enabled" env:"ENABLED"`
	User    DevPoolUser `yaml:"user" envPrefix:"USER_"`
}

// DevPoolUser is the identity the emulator signs in.
type DevPoolUser struct {
	Sub               string            `yaml:"sub" env:"SUB"`
	Email             string            `yaml:"email" env:"EMAIL"`
	Name              string            `yaml:"name" env:"NAME"`
	GivenName         string            `yaml:"given_name" env:"GIVEN_NAME"`
	FamilyName        string            `yaml:"family_name" env:"FAMILY_NAME"`
	PreferredUsername string            `yaml:"preferred_username" env:"PREFERRED_USERNAME"`
	Groups            []string          `yaml:"groups" env:"GROUPS"`
	Custom            map[string]string `yaml:"custom" env:"CUSTOM"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Use strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		slog.Error("Failed to apply environment overrides", "error", err)
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	cfg.applyDevPoolDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
		},
		Auth: AuthConfig{
			AutoCreateUsers: true,
			DefaultRole:     DefaultRole,
			GroupPrefix:     DefaultGroupPrefix,
			AdminRoles:      []string{"administrator", "editor", "author", "contributor"},
			CallbackPath:    DefaultCallbackPath,
			StateTTL:        DefaultStateTTL,
			SessionTTL:      DefaultSessionTTL,
			JWKSTTL:         cognito.DefaultJWKSTTL,
			CustomAttributeMap: map[string]string{
				"custom:wp_memberrank":     "wpuef_cid_c6",
				"custom:wp_membercategory": "wpuef_cid_c10",
			},
			NamePolicy: DefaultNamePolicy(),
			Button: ButtonConfig{
				Text:      DefaultButtonText,
				Color:     DefaultButtonColor,
				TextColor: DefaultButtonText2,
			},
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis:  RedisConfig{Addr: "127.0.0.1:6379", Prefix: "cognitogate:"},
		},
		Users: UsersConfig{Driver: "memory"},
		DevPool: DevPoolConfig{
			User: DevPoolUser{
				Sub:        "00000000-0000-4000-8000-000000000001",
				Email:      "dev@example.com",
				Name:       "Dev User",
				GivenName:  "Dev",
				FamilyName: "User",
			},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

// DefaultNamePolicy reproduces the claim priority given_name/family_name,
// then custom:first_name/custom:last_name, then name.
func DefaultNamePolicy() NamePolicyConfig {
	return NamePolicyConfig{
		FirstName:   []string{"given_name", `"custom:first_name"`},
		LastName:    []string{"family_name", `"custom:last_name"`},
		DisplayName: []string{"name"},
	}
}

// devPoolSettings are the pool coordinates used when the emulator is enabled.
func (c Config) devPoolSettings() cognito.Settings {
	return cognito.Settings{
		UserPoolID:   "us-east-1_DevPool",
		ClientID:     "dev-client",
		ClientSecret: "dev-secret",
		Region:       "us-east-1",
		Domain:       strings.TrimSuffix(c.Server.PublicURL, "/") + devPoolMount,
	}
}

// DevPoolActive reports whether the emulator is mounted.
func (c Config) DevPoolActive() bool {
	return c.Server.DevMode && c.DevPool.Enabled
}

func (c *Config) applyDevPoolDefaults() {
	if !c.DevPoolActive() {
		return
	}
	def := c.devPoolSettings()
	if c.Cognito.UserPoolID == "" {
		c.Cognito.UserPoolID = def.UserPoolID
	}
	if c.Cognito.ClientID == "" {
		c.Cognito.ClientID = def.ClientID
	}
	if c.Cognito.ClientSecret == "" {
		c.Cognito.ClientSecret = def.ClientSecret
	}
	if c.Cognito.Region == "" {
		c.Cognito.Region = def.Region
	}
	if c.Cognito.Domain == "" {
		c.Cognito.Domain = def.Domain
	}
}

// CallbackURL is the redirect_uri registered with the app client.
func (c Config) CallbackURL() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.Auth.CallbackPath
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}

	publicURL, err := url.Parse(c.Server.PublicURL)
	if err != nil || (publicURL.Scheme != "http" && publicURL.Scheme != "https") || publicURL.Host == "" {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be an absolute http:// or https:// URL")
		return fmt.Errorf("server.public_url must be an absolute http:// or https:// URL, got: %s", c.Server.PublicURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	// Cookie domain should be a suffix of the public URL host
	if c.Server.CookieDomain != "" {
		host := publicURL.Hostname()
		cookieDomain := strings.TrimPrefix(c.Server.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "server.cookie_domain",
				"cookie_domain", c.Server.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("server.cookie_domain '%s' does not match server.public_url domain '%s'", c.Server.CookieDomain, host)
		}
	}

	if !strings.HasPrefix(c.Auth.CallbackPath, "/") || strings.HasPrefix(c.Auth.CallbackPath, "//") {
		slog.Error("Invalid callback path", "field", "auth.callback_path", "value", c.Auth.CallbackPath)
		return fmt.Errorf("auth.callback_path must be an absolute path, got: %q", c.Auth.CallbackPath)
	}
	if c.Auth.StateTTL <= 0 || c.Auth.SessionTTL <= 0 {
		slog.Error("Invalid TTL", "state_ttl", c.Auth.StateTTL, "session_ttl", c.Auth.SessionTTL)
		return errors.New("auth.state_ttl and auth.session_ttl must be positive")
	}
	if c.Auth.DefaultRole == "" {
		slog.Error("Missing required configuration", "field", "auth.default_role")
		return errors.New("auth.default_role is required")
	}
	if _, err := NewNamePolicy(c.Auth.NamePolicy); err != nil {
		slog.Error("Invalid name policy", "field", "auth.name_policy", "error", err)
		return fmt.Errorf("auth.name_policy: %w", err)
	}
	if c.Auth.LogoutRedirectURL != "" {
		u, err := url.Parse(c.Auth.LogoutRedirectURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			slog.Error("Invalid logout redirect", "field", "auth.logout_redirect_url", "value", c.Auth.LogoutRedirectURL)
			return fmt.Errorf("auth.logout_redirect_url must be an absolute http(s) URL, got: %s", c.Auth.LogoutRedirectURL)
		}
	}

	if err := c.Cognito.Check(); err != nil {
		if c.Auth.ForceCognito {
			slog.Error("Forced Cognito login needs a configured pool", "field", "auth.force_cognito", "error", err)
			return fmt.Errorf("auth.force_cognito: %w", err)
		}
		if c.Cognito != (cognito.Settings{}) {
			slog.Warn("Cognito settings incomplete, Cognito login disabled", "error", err)
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			slog.Error("Missing required configuration", "field", "store.redis.addr")
			return errors.New("store.redis.addr is required when store.driver is redis")
		}
	default:
		slog.Error("Invalid store driver", "field", "store.driver", "value", c.Store.Driver, "valid_values", []string{"memory", "redis"})
		return fmt.Errorf("store.driver must be 'memory' or 'redis', got: %s", c.Store.Driver)
	}

	switch c.Users.Driver {
	case "memory":
	case "postgres":
		if c.Users.PostgresDSN == "" {
			slog.Error("Missing required configuration", "field", "users.postgres_dsn")
			return errors.New("users.postgres_dsn is required when users.driver is postgres")
		}
	default:
		slog.Error("Invalid users driver", "field", "users.driver", "value", c.Users.Driver, "valid_values", []string{"memory", "postgres"})
		return fmt.Errorf("users.driver must be 'memory' or 'postgres', got: %s", c.Users.Driver)
	}

	for i, seed := range c.Users.Seed {
		if seed.Username == "" {
			slog.Error("Seed user missing username", "index", i)
			return fmt.Errorf("users.seed[%d]: username is required", i)
		}
	}

	if c.DevPool.Enabled && !c.Server.DevMode {
		slog.Error("Dev pool requires dev mode", "field", "dev_pool.enabled")
		return errors.New("dev_pool.enabled is only allowed with server.dev_mode")
	}

	return nil
}
