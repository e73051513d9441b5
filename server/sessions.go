package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

const sessionCookieName = "gw_session"

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
// The cookie is SameSite=Lax so it survives the top-level redirect back
// from the Hosted UI.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          cfg.Auth.SessionTTL,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	ctx := r.Context()
	sess, err := sm.store.GetSession(ctx, cookie.Value)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = time.Now().Add(sm.ttl)
	if err := sm.store.SaveSession(ctx, sess); err != nil {
		sm.logger.Warn("session extend failed", "error", err)
	}
	return &sess, nil
}

// Create establishes a new session for userID and sets the cookie. Any
// session the browser already carried is destroyed first.
func (sm *SessionManager) Create(w http.ResponseWriter, r *http.Request, provider, userID string) (*Session, error) {
	sm.drop(r)

	now := time.Now()
	sess := Session{
		ID:        NewID(),
		UserID:    userID,
		Provider:  provider,
		AuthTime:  now,
		ExpiresAt: now.Add(sm.ttl),
	}
	if err := sm.store.SaveSession(r.Context(), sess); err != nil {
		return nil, err
	}
	http.SetCookie(w, sm.cookie(sess.ID, int(sm.ttl.Seconds())))
	return &sess, nil
}

// Destroy deletes the browser's session and clears the cookie.
func (sm *SessionManager) Destroy(w http.ResponseWriter, r *http.Request) {
	sm.drop(r)
	sm.Clear(w)
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie("", -1))
}

func (sm *SessionManager) drop(r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return
	}
	if err := sm.store.DeleteSession(context.WithoutCancel(r.Context()), cookie.Value); err != nil {
		sm.logger.Warn("session delete failed", "error", err)
	}
}

func (sm *SessionManager) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}
