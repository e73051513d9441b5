package cognito

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Scopes requested from the Hosted UI.
var Scopes = []string{"openid", "email", "profile"}

// TokenSet is the token endpoint's answer to a code exchange.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	Expiry       time.Time
}

// Exchanger builds authorize URLs and redeems codes at the Hosted UI.
type Exchanger struct {
	oauth  *oauth2.Config
	client *http.Client
}

// NewExchanger returns an exchanger posting client credentials in the form
// body. redirectURL must match the callback registered with the app client.
func NewExchanger(s Settings, redirectURL string, client *http.Client) *Exchanger {
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	strict := *client
	strict.Transport = statusOKTransport{base: client.Transport}
	return &Exchanger{
		oauth: &oauth2.Config{
			ClientID:     s.ClientID,
			ClientSecret: s.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   s.AuthorizeURL(),
				TokenURL:  s.TokenURL(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: &strict,
	}
}

// statusOKTransport fails every response other than 200 OK before oauth2
// reads the body, which on its own accepts any 2xx.
type statusOKTransport struct {
	base http.RoundTripper
}

func (t statusOKTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("token endpoint returned %s", resp.Status)
	}
	return resp, nil
}

// AuthCodeURL returns the authorization-code request URL for state.
func (e *Exchanger) AuthCodeURL(state string) string {
	return e.oauth.AuthCodeURL(state)
}

// RedirectURL is the callback URL sent with both legs of the flow.
func (e *Exchanger) RedirectURL() string {
	return e.oauth.RedirectURL
}

// Exchange redeems code once. Failures wrap ErrTokenExchange.
func (e *Exchanger) Exchange(ctx context.Context, code string) (TokenSet, error) {
	if code == "" {
		return TokenSet{}, fmt.Errorf("%w: empty code", ErrTokenExchange)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)

	tok, err := e.oauth.Exchange(ctx, code)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	if tok.AccessToken == "" {
		return TokenSet{}, fmt.Errorf("%w: access_token missing", ErrTokenExchange)
	}

	set := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		set.IDToken = idToken
	}
	return set, nil
}
