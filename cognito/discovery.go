package cognito

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Discovery is the subset of the pool's OpenID configuration we report on.
type Discovery struct {
	Issuer      string
	AuthURL     string
	TokenURL    string
	JWKSURL     string
	UserInfoURL string
}

// Discover loads the OpenID configuration published at issuerURL. When the
// document is served from somewhere other than the issuer (a local pool
// emulator), expectedIssuer names the iss the document must declare.
func Discover(ctx context.Context, issuerURL, expectedIssuer string, client *http.Client) (Discovery, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	issuerURL = strings.TrimSuffix(issuerURL, "/")
	if expectedIssuer != "" && expectedIssuer != issuerURL {
		ctx = oidc.InsecureIssuerURLContext(ctx, expectedIssuer)
	}

	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return Discovery{}, fmt.Errorf("discover %s: %w", issuerURL, err)
	}

	var doc struct {
		Issuer      string `json:"issuer"`
		JWKSURL     string `json:"jwks_uri"`
		UserInfoURL string `json:"userinfo_endpoint"`
	}
	if err := provider.Claims(&doc); err != nil {
		return Discovery{}, fmt.Errorf("decode discovery document: %w", err)
	}

	endpoint := provider.Endpoint()
	return Discovery{
		Issuer:      doc.Issuer,
		AuthURL:     endpoint.AuthURL,
		TokenURL:    endpoint.TokenURL,
		JWKSURL:     doc.JWKSURL,
		UserInfoURL: doc.UserInfoURL,
	}, nil
}
