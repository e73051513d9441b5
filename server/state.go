package server

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidState is returned when a callback state is malformed, forged,
// expired, replayed or not bound to the presenting browser.
var ErrInvalidState = errors.New("invalid state")

const stateCookieName = "gw_state"

// FlowState names where a browser is in the login flow.
type FlowState int

const (
	StateAnonymous FlowState = iota
	StateLoginInitiated
	StateCallbackPending
	StateAuthenticated
	StateLoggedOut
	StateForcedRedirect
	StateEmergencyBypass
)

func (s FlowState) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateLoginInitiated:
		return "login_initiated"
	case StateCallbackPending:
		return "callback_pending"
	case StateAuthenticated:
		return "authenticated"
	case StateLoggedOut:
		return "logged_out"
	case StateForcedRedirect:
		return "forced_redirect"
	case StateEmergencyBypass:
		return "emergency_bypass"
	default:
		return "unknown"
	}
}

// EncodeState builds the opaque state token nonce|base64(target).
func EncodeState(nonce, target string) string {
	return nonce + "|" + base64.StdEncoding.EncodeToString([]byte(target))
}

// DecodeState splits a state token. The target is returned unvalidated.
func DecodeState(state string) (nonce, target string, err error) {
	nonce, encoded, ok := strings.Cut(state, "|")
	if !ok || nonce == "" {
		return "", "", fmt.Errorf("%w: malformed", ErrInvalidState)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("%w: bad target encoding", ErrInvalidState)
	}
	return nonce, string(raw), nil
}

// StateManager issues and redeems login states. Each nonce is stored
// server side with a random binding that is also set as a cookie, so a
// state only redeems once and only in the browser that started the login.
type StateManager struct {
	nonces       NonceStore
	ttl          time.Duration
	secure       bool
	cookieDomain string
	now          func() time.Time
}

// NewStateManager constructs a state manager honouring config.
func NewStateManager(cfg Config, nonces NonceStore) *StateManager {
	return &StateManager{
		nonces:       nonces,
		ttl:          cfg.Auth.StateTTL,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Issue stores a fresh nonce, sets the binding cookie and returns the state
// carrying target.
func (m *StateManager) Issue(ctx context.Context, w http.ResponseWriter, target string) (string, error) {
	now := m.now()
	n := AuthNonce{
		ID:        NewID(),
		Binding:   NewID(),
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.nonces.SaveNonce(ctx, n); err != nil {
		return "", fmt.Errorf("save nonce: %w", err)
	}
	http.SetCookie(w, m.cookie(n.Binding, int(m.ttl.Seconds())))
	return EncodeState(n.ID, target), nil
}

// Redeem consumes the nonce in state and checks the browser binding.
// It returns the embedded target, which callers must still validate.
func (m *StateManager) Redeem(ctx context.Context, w http.ResponseWriter, r *http.Request, state string) (string, error) {
	nonce, target, err := DecodeState(state)
	if err != nil {
		return "", err
	}
	http.SetCookie(w, m.cookie("", -1))

	n, err := m.nonces.ConsumeNonce(ctx, nonce)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: unknown or used nonce", ErrInvalidState)
		}
		return "", fmt.Errorf("consume nonce: %w", err)
	}

	cookie, err := r.Cookie(stateCookieName)
	if err != nil || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(n.Binding)) != 1 {
		return "", fmt.Errorf("%w: browser binding mismatch", ErrInvalidState)
	}
	return target, nil
}

func (m *StateManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     "/",
		Domain:   m.cookieDomain,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
