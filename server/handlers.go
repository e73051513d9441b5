package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"cognitogate/cognito"
	"cognitogate/devpool"
)

const (
	loginPath  = "/login"
	logoutPath = "/logout"
)

// Login page actions that are never intercepted.
var (
	passwordActions = []string{"rp", "resetpass", "lostpassword", "retrievepassword"}
	accountActions  = append(slices.Clone(passwordActions), "register")
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config      Config
	Logger      *slog.Logger
	Site        Site
	Store       Store
	Users       UserStore
	Sessions    *SessionManager
	States      *StateManager
	Provisioner *Provisioner
	// Pool is nil when the Cognito settings are incomplete.
	Pool      *cognito.Pool
	DevPool   *devpool.Pool
	Emergency string
	button    buttonView
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	site, err := NewSite(cfg.Server.PublicURL)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	users, err := openUsers(ctx, cfg.Users)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return buildApp(ctx, cfg, logger, site, store, users)
}

// buildApp takes ownership of store and users and closes both when it fails.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger, site Site, store Store, users UserStore) (app *App, err error) {
	defer func() {
		if err != nil {
			_ = store.Close()
			_ = users.Close()
		}
	}()

	if err = seedUsers(ctx, users, cfg.Users.Seed, cfg.Auth.DefaultRole, logger); err != nil {
		return nil, err
	}

	names, err := NewNamePolicy(cfg.Auth.NamePolicy)
	if err != nil {
		return nil, err
	}

	emergency, err := LoadEmergencyToken(cfg.Server.SecretsPath, cfg.Auth.EmergencyAccessParam)
	if err != nil {
		return nil, err
	}

	app = &App{
		Config:   cfg,
		Logger:   logger,
		Site:     site,
		Store:    store,
		Users:    users,
		Sessions: NewSessionManager(cfg, store, logger),
		States:   NewStateManager(cfg, store),
		Provisioner: NewProvisioner(users, ProvisionOptions{
			AutoCreate:   cfg.Auth.AutoCreateUsers,
			DefaultRole:  cfg.Auth.DefaultRole,
			SyncedGroups: cfg.Auth.SyncedGroups,
			GroupPrefix:  cfg.Auth.GroupPrefix,
			AttributeMap: cfg.Auth.CustomAttributeMap,
			Names:        names,
		}, logger),
		Emergency: emergency,
		button:    newButtonView(cfg.Auth.Button),
	}

	cacheOpts := cognito.CacheOptions{TTL: cfg.Auth.JWKSTTL}
	if cfg.DevPoolActive() {
		var dp *devpool.Pool
		dp, err = newDevPool(cfg, logger)
		if err != nil {
			return nil, err
		}
		app.DevPool = dp
		cacheOpts.URL = func(string, string) string { return dp.JWKSURL() }
		logger.Warn("dev pool enabled", "issuer", dp.Issuer(), "mount", devPoolMount)
	}

	if checkErr := cfg.Cognito.Check(); checkErr != nil {
		logger.Warn("cognito login disabled", "error", checkErr)
		return app, nil
	}
	pool, err := cognito.NewPool(cfg.Cognito, cfg.CallbackURL(), cognito.PoolOptions{
		Cache: cognito.NewJWKSCache(cacheOpts),
	})
	if err != nil {
		return nil, err
	}
	app.Pool = pool
	return app, nil
}

// Close releases the stores.
func (a *App) Close() error {
	return errors.Join(a.Store.Close(), a.Users.Close())
}

func openStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.Driver == "redis" {
		return OpenRedisStore(ctx, cfg.Redis)
	}
	return NewInMemoryStore(), nil
}

func openUsers(ctx context.Context, cfg UsersConfig) (UserStore, error) {
	if cfg.Driver == "postgres" {
		return OpenPostgresUserStore(ctx, cfg.PostgresDSN)
	}
	return NewMemoryUserStore(), nil
}

func seedUsers(ctx context.Context, users UserStore, seeds []SeedUser, defaultRole string, logger *slog.Logger) error {
	for _, seed := range seeds {
		exists, err := users.UsernameExists(ctx, seed.Username)
		if err != nil {
			return fmt.Errorf("seed %s: %w", seed.Username, err)
		}
		if exists {
			continue
		}
		roles := seed.Roles
		if len(roles) == 0 {
			roles = []string{defaultRole}
		}
		u, err := users.Create(ctx, User{
			Username:     seed.Username,
			Email:        seed.Email,
			DisplayName:  seed.Username,
			PasswordHash: seed.PasswordHash,
			Roles:        roles,
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", seed.Username, err)
		}
		logger.Info("user seeded", "user_id", u.ID, "username", u.Username, "roles", roles)
	}
	return nil
}

func newDevPool(cfg Config, logger *slog.Logger) (*devpool.Pool, error) {
	keyPath := ""
	if cfg.Server.SecretsPath != "" {
		keyPath = filepath.Join(cfg.Server.SecretsPath, "devpool_keys.json")
	}
	keys, err := devpool.NewKeyRing(keyPath)
	if err != nil {
		return nil, err
	}
	u := cfg.DevPool.User
	return devpool.New(devpool.Config{
		PoolID:       cfg.Cognito.UserPoolID,
		Region:       cfg.Cognito.PoolRegion(),
		ClientID:     cfg.Cognito.ClientID,
		ClientSecret: cfg.Cognito.ClientSecret,
		BaseURL:      strings.TrimSuffix(cfg.Server.PublicURL, "/") + devPoolMount,
		User: devpool.User{
			Sub:               u.Sub,
			Email:             u.Email,
			Name:              u.Name,
			GivenName:         u.GivenName,
			FamilyName:        u.FamilyName,
			PreferredUsername: u.PreferredUsername,
			Groups:            u.Groups,
			Custom:            u.Custom,
		},
	}, keys, logger.With("component", "devpool")), nil
}

// handleLoginPage runs the login page state machine.
func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, _ := a.currentUser(w, r)
	action := q.Get("action")

	if q.Get("cognito_login") == "1" {
		if q.Get("reauth") == "1" && user != nil {
			a.Sessions.Destroy(w, r)
			a.Logger.Info("reauth.local_logout", "user_id", user.ID)
		}
		a.initiateLogin(w, r, a.requestedTarget(r), StateLoginInitiated)
		return
	}

	if q.Get("cognito_logout") == "1" || action == "logout" {
		a.handleLogout(w, r)
		return
	}

	if q.Get("reauth") == "1" && user != nil {
		a.Sessions.Destroy(w, r)
		if a.Config.Cognito.HostedUIConfigured() {
			target := a.logoutTarget(q.Get("redirect_to"))
			noteRequest(r, user.ID, StateLoggedOut)
			a.Logger.Info("reauth.cognito_logout", "user_id", user.ID, "logout_uri", target)
			http.Redirect(w, r, a.Config.Cognito.LogoutRedirectURL(target), http.StatusFound)
			return
		}
		user = nil
	}

	if user == nil {
		if a.forcedRedirect(r) {
			a.initiateLogin(w, r, a.requestedTarget(r), StateForcedRedirect)
			return
		}
		flow := StateAnonymous
		if a.Config.Auth.ForceCognito && emergencyRequested(q, a.Emergency) {
			flow = StateEmergencyBypass
			a.Logger.Warn("emergency access used", "request_id", RequestIDFromContext(r.Context()))
		}
		noteRequest(r, "", flow)
		a.renderLogin(w, r, http.StatusOK, "")
		return
	}

	if action != "logout" && !slices.Contains(accountActions, action) {
		noteRequest(r, user.ID, StateAuthenticated)
		target := a.Site.SafeTarget(q.Get("redirect_to"))
		if target == "" {
			target = a.defaultLanding(*user)
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	a.renderLogin(w, r, http.StatusOK, "")
}

// forcedRedirect reports whether an anonymous login page request must be
// sent to the Hosted UI.
func (a *App) forcedRedirect(r *http.Request) bool {
	if !a.Config.Auth.ForceCognito || a.Pool == nil {
		return false
	}
	q := r.URL.Query()
	if emergencyRequested(q, a.Emergency) {
		return false
	}
	action := q.Get("action")
	if action == "logout" || slices.Contains(passwordActions, action) {
		return false
	}
	return q.Get("cognito_login") != "1" && q.Get("cognito_logout") != "1"
}

// handleLoginSubmit checks a local username and password.
func (a *App) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	if a.forcedRedirect(r) {
		a.initiateLogin(w, r, a.requestedTarget(r), StateForcedRedirect)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	login := strings.TrimSpace(r.PostForm.Get("username"))
	password := r.PostForm.Get("password")

	user, err := a.Users.FindByUsername(ctx, login)
	if errors.Is(err, ErrUserNotFound) && strings.Contains(login, "@") {
		user, err = a.Users.FindByEmail(ctx, login)
	}
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		a.Logger.Error("user lookup failed", "error", err)
		a.renderLogin(w, r, http.StatusInternalServerError, "Login is temporarily unavailable.")
		return
	}
	if err != nil || user.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		a.Logger.Warn("local login rejected", "username", login)
		a.renderLogin(w, r, http.StatusUnauthorized, "Invalid username or password.")
		return
	}

	if _, err := a.Sessions.Create(w, r, ProviderLocal, user.ID); err != nil {
		a.Logger.Error("session create", "error", err)
		a.renderLogin(w, r, http.StatusInternalServerError, "Login is temporarily unavailable.")
		return
	}
	noteRequest(r, user.ID, StateAuthenticated)
	a.Logger.Info("local login", "user_id", user.ID)

	target := a.Site.SafeTarget(r.PostForm.Get("redirect_to"))
	if target == "" {
		target = a.defaultLanding(user)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// initiateLogin stores a state nonce and redirects to the Hosted UI.
func (a *App) initiateLogin(w http.ResponseWriter, r *http.Request, target string, flow FlowState) {
	if a.Pool == nil {
		a.Logger.Error("cognito login requested but not configured", "error", cognito.ErrConfiguration)
		a.authFailed(w, r, http.StatusServiceUnavailable)
		return
	}
	state, err := a.States.Issue(r.Context(), w, target)
	if err != nil {
		a.Logger.Error("issue state", "error", err)
		a.authFailed(w, r, http.StatusInternalServerError)
		return
	}
	noteRequest(r, "", flow)
	a.Logger.Info("login.initiate", "flow", flow.String(), "has_target", target != "")
	http.Redirect(w, r, a.Pool.AuthCodeURL(state), http.StatusFound)
}

// handleCallback completes the authorization code flow.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		a.Logger.Warn("callback rejected", "reason", "provider_error", "error", providerErr,
			"error_description", q.Get("error_description"))
		a.authFailed(w, r, http.StatusUnauthorized)
		return
	}

	code, state := q.Get("code"), q.Get("state")
	if code == "" || state == "" {
		a.Logger.Warn("callback rejected", "reason", "missing_parameters")
		a.authFailed(w, r, http.StatusBadRequest)
		return
	}
	if a.Pool == nil {
		a.Logger.Error("callback rejected", "reason", "configuration", "error", cognito.ErrConfiguration)
		a.authFailed(w, r, http.StatusServiceUnavailable)
		return
	}
	noteRequest(r, "", StateCallbackPending)

	ctx := r.Context()
	rawTarget, err := a.States.Redeem(ctx, w, r, state)
	if err != nil {
		a.Logger.Warn("callback rejected", "reason", "invalid_state", "error", err)
		a.authFailed(w, r, http.StatusBadRequest)
		return
	}
	target := a.Site.SafeTarget(rawTarget)
	if rawTarget != "" && target == "" {
		a.Logger.Warn("callback dropped redirect target", "target", rawTarget)
	}

	tokens, err := a.Pool.Exchange(ctx, code)
	if err != nil {
		a.Logger.Error("token exchange failed", "error", err)
		a.authFailed(w, r, http.StatusUnauthorized)
		return
	}
	if tokens.IDToken == "" {
		a.Logger.Error("token exchange failed", "error", "response has no id_token")
		a.authFailed(w, r, http.StatusUnauthorized)
		return
	}

	claims, err := a.Pool.VerifyIDToken(ctx, tokens.IDToken)
	if err != nil {
		a.Logger.Warn("callback rejected", "reason", cognito.KindOf(err).String(), "error", err)
		a.authFailed(w, r, http.StatusUnauthorized)
		return
	}

	user, err := a.Provisioner.Provision(ctx, claims)
	if err != nil {
		a.Logger.Error("provisioning failed", "sub", claims.Subject, "error", err)
		a.authFailed(w, r, http.StatusUnauthorized)
		return
	}

	if _, err := a.Sessions.Create(w, r, ProviderCognito, user.ID); err != nil {
		a.Logger.Error("session create", "error", err)
		a.authFailed(w, r, http.StatusInternalServerError)
		return
	}

	if target == "" {
		target = a.defaultLanding(user)
	}
	noteRequest(r, user.ID, StateAuthenticated)
	a.Logger.Info("login.complete", "user_id", user.ID, "sub", claims.Subject)
	http.Redirect(w, r, target, http.StatusFound)
}

// handleLogout clears the local session and, when the Hosted UI is
// configured, the Cognito session as well.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	redirectTo := r.URL.Query().Get("redirect_to")
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil && r.PostForm.Get("redirect_to") != "" {
			redirectTo = r.PostForm.Get("redirect_to")
		}
	}
	target := a.logoutTarget(redirectTo)

	if sess, _ := a.Sessions.Fetch(r); sess != nil {
		a.Logger.Info("logout", "user_id", sess.UserID)
		noteRequest(r, sess.UserID, StateLoggedOut)
	}
	a.Sessions.Destroy(w, r)

	if !a.Config.Cognito.HostedUIConfigured() {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	http.Redirect(w, r, a.Config.Cognito.LogoutRedirectURL(target), http.StatusFound)
}

// logoutTarget picks the configured override, else the caller's own-site
// target, else the homepage.
func (a *App) logoutTarget(redirectTo string) string {
	if forced := a.Config.Auth.LogoutRedirectURL; forced != "" {
		return forced
	}
	if target := a.Site.SafeTarget(redirectTo); target != "" {
		return target
	}
	return a.Site.Home()
}

// requestedTarget returns the own-site redirect_to of the request, falling
// back to a same-site Referer that is not the login page.
func (a *App) requestedTarget(r *http.Request) string {
	if v := r.URL.Query().Get("redirect_to"); v != "" {
		return a.Site.SafeTarget(v)
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil && r.PostForm.Get("redirect_to") != "" {
			return a.Site.SafeTarget(r.PostForm.Get("redirect_to"))
		}
	}
	referer := r.Referer()
	if referer == "" || !strings.HasPrefix(referer, a.Site.URL("/")) {
		return ""
	}
	if u, err := url.Parse(referer); err != nil || u.Path == loginPath {
		return ""
	}
	return a.Site.SafeTarget(referer)
}

// defaultLanding sends elevated users to the dashboard and everyone else home.
func (a *App) defaultLanding(u User) string {
	if u.HasAnyRole(a.Config.Auth.AdminRoles) {
		return a.Site.Admin()
	}
	return a.Site.Home()
}

// currentUser loads the session user. A session whose user vanished is destroyed.
func (a *App) currentUser(w http.ResponseWriter, r *http.Request) (*User, error) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Error("session fetch", "error", err)
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	u, err := a.Users.Get(r.Context(), sess.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			a.Sessions.Destroy(w, r)
			return nil, nil
		}
		a.Logger.Error("session user lookup", "error", err)
		return nil, err
	}
	return &u, nil
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	user, _ := a.currentUser(w, r)
	view := pageView{Title: "Home", LoginURL: a.Site.URL(loginPath), LogoutURL: a.Site.URL(logoutPath)}
	if user != nil {
		view.User = *user
		view.Elevated = user.HasAnyRole(a.Config.Auth.AdminRoles)
		noteRequest(r, user.ID, StateAuthenticated)
	}
	renderTemplate(w, a.Logger, http.StatusOK, pageTemplate, view)
}

func (a *App) handleAdmin(w http.ResponseWriter, r *http.Request) {
	user, _ := a.currentUser(w, r)
	if user == nil {
		http.Redirect(w, r, a.Site.URL(loginPath)+"?redirect_to="+url.QueryEscape(a.Site.Admin()), http.StatusFound)
		return
	}
	noteRequest(r, user.ID, StateAuthenticated)
	view := pageView{Title: "Dashboard", User: *user, LogoutURL: a.Site.URL(logoutPath)}
	if !user.HasAnyRole(a.Config.Auth.AdminRoles) {
		view.Title = "Forbidden"
		view.Message = "Your account cannot access the dashboard."
		renderTemplate(w, a.Logger, http.StatusForbidden, pageTemplate, view)
		return
	}
	view.Elevated = true
	view.Message = "Roles: " + strings.Join(user.Roles, ", ")
	renderTemplate(w, a.Logger, http.StatusOK, pageTemplate, view)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		a.Logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"cognito": a.Pool != nil,
	})
}

func (a *App) renderLogin(w http.ResponseWriter, r *http.Request, status int, errMsg string) {
	q := r.URL.Query()
	view := loginView{
		Action:      r.URL.RequestURI(),
		RedirectTo:  a.Site.SafeTarget(q.Get("redirect_to")),
		ShowCognito: a.Pool != nil && !a.Config.Auth.ForceCognito,
		Button:      a.button,
		Error:       errMsg,
	}
	if r.Method == http.MethodPost && view.RedirectTo == "" {
		view.RedirectTo = a.Site.SafeTarget(r.PostForm.Get("redirect_to"))
	}
	if view.ShowCognito {
		cq := url.Values{"cognito_login": {"1"}}
		if view.RedirectTo != "" {
			cq.Set("redirect_to", view.RedirectTo)
		}
		view.CognitoURL = a.Site.URL(loginPath) + "?" + cq.Encode()
	}
	if slices.Contains(accountActions, q.Get("action")) {
		view.Notice = "Account changes are handled by your identity provider. Contact an administrator for help."
	}
	renderTemplate(w, a.Logger, status, loginTemplate, view)
}

// authFailed renders the generic failure page. Details stay in the log.
func (a *App) authFailed(w http.ResponseWriter, r *http.Request, status int) {
	view := pageView{
		Title:    "Authentication failed",
		Message:  "Authentication failed. Please try again.",
		LoginURL: a.Site.URL(loginPath),
	}
	renderTemplate(w, a.Logger, status, pageTemplate, view)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
