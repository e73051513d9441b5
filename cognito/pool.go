package cognito

import (
	"context"
	"errors"
	"net/http"
)

// PoolOptions customises the network side of a Pool.
type PoolOptions struct {
	Cache      *JWKSCache
	Verifier   *Verifier
	HTTPClient *http.Client
}

// Pool ties a user pool's settings to its key cache, verifier and exchanger.
type Pool struct {
	settings  Settings
	cache     *JWKSCache
	verifier  *Verifier
	exchanger *Exchanger
}

// NewPool validates settings and assembles the pool client.
func NewPool(s Settings, redirectURL string, opts PoolOptions) (*Pool, error) {
	if err := s.Check(); err != nil {
		return nil, err
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewJWKSCache(CacheOptions{HTTPClient: opts.HTTPClient})
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = NewVerifier()
	}
	return &Pool{
		settings:  s,
		cache:     cache,
		verifier:  verifier,
		exchanger: NewExchanger(s, redirectURL, opts.HTTPClient),
	}, nil
}

// Settings returns the pool configuration.
func (p *Pool) Settings() Settings { return p.settings }

// AuthCodeURL returns the Hosted UI login URL carrying state.
func (p *Pool) AuthCodeURL(state string) string {
	return p.exchanger.AuthCodeURL(state)
}

// Exchange redeems an authorization code.
func (p *Pool) Exchange(ctx context.Context, code string) (TokenSet, error) {
	return p.exchanger.Exchange(ctx, code)
}

// LogoutURL returns the Hosted UI logout URL that sends the browser to logoutURI.
func (p *Pool) LogoutURL(logoutURI string) string {
	return p.settings.LogoutRedirectURL(logoutURI)
}

// Expected returns the identity claims an ID token from this pool must carry.
func (p *Pool) Expected() Expected {
	return Expected{Audience: p.settings.ClientID, Issuer: p.settings.Issuer()}
}

// VerifyIDToken checks raw against the cached key set. An unknown kid
// triggers one refetch to pick up rotated keys.
func (p *Pool) VerifyIDToken(ctx context.Context, raw string) (Claims, error) {
	region, poolID := p.settings.PoolRegion(), p.settings.UserPoolID

	jwks, err := p.cache.Get(ctx, poolID, region)
	if err != nil {
		return Claims{}, err
	}
	claims, err := p.verifier.Verify(raw, jwks, p.Expected())
	if !errors.Is(err, ErrUnknownKey) {
		return claims, err
	}

	p.cache.Invalidate(poolID)
	jwks, err = p.cache.Get(ctx, poolID, region)
	if err != nil {
		return Claims{}, err
	}
	return p.verifier.Verify(raw, jwks, p.Expected())
}
