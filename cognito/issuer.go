package cognito

import (
	"fmt"
	"net/url"
	"strings"
)

// Settings identifies a user pool and its app client.
type Settings struct {
	UserPoolID   string `yaml:"user_pool_id" env:"USER_POOL_ID"`
	ClientID     string `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"CLIENT_SECRET"`
	Region       string `yaml:"region" env:"REGION"`
	// Domain is the Hosted UI domain, with or without scheme.
	Domain string `yaml:"domain" env:"DOMAIN"`
}

// PoolRegion returns Region, or the prefix of a pool id like "eu-west-1_AbC".
func (s Settings) PoolRegion() string {
	if s.Region != "" {
		return s.Region
	}
	if i := strings.IndexByte(s.UserPoolID, '_'); i > 0 {
		return s.UserPoolID[:i]
	}
	return ""
}

// HostedUIConfigured reports whether redirects to the Hosted UI are possible.
func (s Settings) HostedUIConfigured() bool {
	return strings.TrimSpace(s.Domain) != "" && strings.TrimSpace(s.ClientID) != ""
}

// Check fails with ErrConfiguration when a value needed for login is missing.
func (s Settings) Check() error {
	var missing []string
	if s.UserPoolID == "" {
		missing = append(missing, "user_pool_id")
	}
	if s.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if s.Domain == "" {
		missing = append(missing, "domain")
	}
	if s.PoolRegion() == "" {
		missing = append(missing, "region")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// BaseURL returns the Hosted UI origin.
func (s Settings) BaseURL() string {
	d := strings.TrimSuffix(strings.TrimSpace(s.Domain), "/")
	if strings.HasPrefix(d, "http://") || strings.HasPrefix(d, "https://") {
		return d
	}
	return "https://" + d
}

// AuthorizeURL is the Hosted UI authorization endpoint.
func (s Settings) AuthorizeURL() string { return s.BaseURL() + "/oauth2/authorize" }

// TokenURL is the Hosted UI token endpoint.
func (s Settings) TokenURL() string { return s.BaseURL() + "/oauth2/token" }

// LogoutURL is the Hosted UI logout endpoint.
func (s Settings) LogoutURL() string { return s.BaseURL() + "/logout" }

// LogoutRedirectURL is the Hosted UI logout URL that clears the Cognito
// session and sends the browser to logoutURI.
func (s Settings) LogoutRedirectURL(logoutURI string) string {
	q := url.Values{}
	q.Set("client_id", s.ClientID)
	q.Set("logout_uri", logoutURI)
	return s.LogoutURL() + "?" + q.Encode()
}

// Issuer returns the expected iss claim.
func (s Settings) Issuer() string {
	return IssuerURL(s.PoolRegion(), s.UserPoolID)
}

// IssuerURL is https://cognito-idp.{region}.amazonaws.com/{pool}.
func IssuerURL(region, poolID string) string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, poolID)
}

// JWKSURL is the pool's well-known key set location.
func JWKSURL(region, poolID string) string {
	return IssuerURL(region, poolID) + "/.well-known/jwks.json"
}
