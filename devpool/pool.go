// Package devpool emulates the parts of a Cognito user pool the gateway
// talks to: the Hosted UI authorize, token and logout endpoints and the
// pool's well-known documents. Authorization is granted without a login
// screen for whichever user is configured.
package devpool

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"cognitogate/cognito"
)

// User is the identity the pool signs in.
type User struct {
	Sub               string
	Email             string
	Name              string
	GivenName         string
	FamilyName        string
	PreferredUsername string
	Groups            []string
	Custom            map[string]string
}

// Config describes the emulated pool and app client.
type Config struct {
	PoolID       string
	Region       string
	ClientID     string
	ClientSecret string
	// BaseURL is where Routes is mounted, used in the discovery document.
	BaseURL  string
	CodeTTL  time.Duration
	TokenTTL time.Duration
	User     User
}

type issuedCode struct {
	clientID    string
	redirectURI string
	user        User
	expires     time.Time
}

// Pool serves the emulated endpoints.
type Pool struct {
	cfg    Config
	keys   *KeyRing
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	user  User
	codes map[string]issuedCode
}

// New builds a pool signing with keys.
func New(cfg Config, keys *KeyRing, logger *slog.Logger) *Pool {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 5 * time.Minute
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Pool{
		cfg:    cfg,
		keys:   keys,
		logger: logger,
		now:    time.Now,
		user:   cfg.User,
		codes:  make(map[string]issuedCode),
	}
}

// Issuer is the iss claim of tokens the pool signs.
func (p *Pool) Issuer() string {
	return cognito.IssuerURL(p.cfg.Region, p.cfg.PoolID)
}

// JWKSURL is where the pool publishes its key set.
func (p *Pool) JWKSURL() string {
	return p.cfg.BaseURL + "/" + p.cfg.PoolID + "/.well-known/jwks.json"
}

// Keys exposes the signing keys.
func (p *Pool) Keys() *KeyRing { return p.keys }

// SetUser changes who the next authorization signs in.
func (p *Pool) SetUser(u User) {
	p.mu.Lock()
	p.user = u
	p.mu.Unlock()
}

// Routes returns the pool's HTTP handler.
func (p *Pool) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/oauth2/authorize", p.handleAuthorize)
	r.Post("/oauth2/token", p.handleToken)
	r.Get("/logout", p.handleLogout)
	r.Get("/{pool}/.well-known/jwks.json", p.handleJWKS)
	r.Get("/{pool}/.well-known/openid-configuration", p.handleDiscovery)
	return r
}

func (p *Pool) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.cfg.ClientID {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" {
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	code := randomToken(16)
	p.codes[code] = issuedCode{
		clientID:    p.cfg.ClientID,
		redirectURI: redirectURI,
		user:        p.user,
		expires:     p.now().Add(p.cfg.CodeTTL),
	}
	p.mu.Unlock()

	params := target.Query()
	params.Set("code", code)
	if state := q.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	p.logger.Debug("devpool authorize", "redirect_uri", redirectURI)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Pool) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != p.cfg.ClientID || subtle.ConstantTimeCompare([]byte(secret), []byte(p.cfg.ClientSecret)) != 1 {
		tokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	issued, found := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !found || p.now().After(issued.expires) || issued.redirectURI != r.PostForm.Get("redirect_uri") {
		tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	idToken, err := p.IssueIDToken(issued.user, nil)
	if err != nil {
		p.logger.Error("devpool sign id token", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error")
		return
	}
	accessToken, err := p.signAccessToken(issued.user)
	if err != nil {
		p.logger.Error("devpool sign access token", "error", err)
		tokenError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  accessToken,
		"id_token":      idToken,
		"refresh_token": randomToken(32),
		"token_type":    "Bearer",
		"expires_in":    int(p.cfg.TokenTTL.Seconds()),
	})
}

// IssueIDToken signs an ID token for u. mutate may adjust claims before signing.
func (p *Pool) IssueIDToken(u User, mutate func(jwt.MapClaims)) (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		"sub":            u.Sub,
		"aud":            p.cfg.ClientID,
		"iss":            p.Issuer(),
		"token_use":      "id",
		"auth_time":      now.Unix(),
		"iat":            now.Unix(),
		"exp":            now.Add(p.cfg.TokenTTL).Unix(),
		"email":          u.Email,
		"email_verified": u.Email != "",
	}
	optional := map[string]string{
		"name":               u.Name,
		"given_name":         u.GivenName,
		"family_name":        u.FamilyName,
		"preferred_username": u.PreferredUsername,
	}
	for k, v := range optional {
		if v != "" {
			claims[k] = v
		}
	}
	if len(u.Groups) > 0 {
		claims["cognito:groups"] = u.Groups
	}
	for k, v := range u.Custom {
		if !strings.HasPrefix(k, "custom:") {
			k = "custom:" + k
		}
		claims[k] = v
	}
	if mutate != nil {
		mutate(claims)
	}
	return p.keys.Sign(claims)
}

func (p *Pool) signAccessToken(u User) (string, error) {
	now := p.now()
	return p.keys.Sign(jwt.MapClaims{
		"sub":       u.Sub,
		"client_id": p.cfg.ClientID,
		"iss":       p.Issuer(),
		"token_use": "access",
		"scope":     strings.Join(cognito.Scopes, " "),
		"iat":       now.Unix(),
		"exp":       now.Add(p.cfg.TokenTTL).Unix(),
	})
}

func (p *Pool) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.cfg.ClientID {
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}
	target, err := url.Parse(q.Get("logout_uri"))
	if err != nil || target.Host == "" {
		http.Error(w, "invalid logout_uri", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Pool) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "pool") != p.cfg.PoolID {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, p.keys.PublicJWKS())
}

func (p *Pool) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "pool") != p.cfg.PoolID {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.cfg.BaseURL + "/oauth2/authorize",
		"token_endpoint":                        p.cfg.BaseURL + "/oauth2/token",
		"end_session_endpoint":                  p.cfg.BaseURL + "/logout",
		"jwks_uri":                              p.JWKSURL(),
		"response_types_supported":              []string{"code"},
		"scopes_supported":                      cognito.Scopes,
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func tokenError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
