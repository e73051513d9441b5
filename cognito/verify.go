package cognito

import (
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MaxIssuedAtSkew is how far in the future an iat claim may be.
const MaxIssuedAtSkew = 300 * time.Second

// Expected carries the identity claims a token must match.
// An empty Audience disables the audience check.
type Expected struct {
	Audience string
	Issuer   string
}

// Verifier validates RS256 ID tokens against a key set.
type Verifier struct {
	now func() time.Time
}

// NewVerifier returns a verifier using the wall clock.
func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// WithClock returns a copy of v reading time from now.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	return &Verifier{now: now}
}

// Verify checks the token's structure, algorithm, time bounds, signature and
// identity claims, in that order. Failures are *VerificationError values.
func (v *Verifier) Verify(token string, jwks JWKS, exp Expected) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, fail(MalformedToken, "expected 3 segments, got %d", len(parts))
	}

	var header map[string]any
	if err := decodeJSONSegment(parts[0], &header); err != nil {
		return Claims{}, fail(MalformedToken, "header: %v", err)
	}
	var payload map[string]any
	if err := decodeJSONSegment(parts[1], &payload); err != nil {
		return Claims{}, fail(MalformedToken, "payload: %v", err)
	}

	alg, _ := header["alg"].(string)
	if alg != jwt.SigningMethodRS256.Alg() {
		return Claims{}, fail(UnsupportedAlgorithm, "alg %q", alg)
	}
	kid, _ := header["kid"].(string)
	if kid == "" {
		return Claims{}, fail(MalformedToken, "kid missing")
	}
	sig, err := decodeSegment(parts[2])
	if err != nil {
		return Claims{}, fail(MalformedToken, "signature: %v", err)
	}

	claims, err := parseClaims(payload)
	if err != nil {
		return Claims{}, err
	}

	now := v.now()
	if claims.Expires.IsZero() {
		return Claims{}, fail(MalformedToken, "exp missing")
	}
	if claims.Expires.Before(now) {
		return Claims{}, fail(Expired, "expired at %s", claims.Expires.UTC().Format(time.RFC3339))
	}
	if !claims.NotBefore.IsZero() && claims.NotBefore.After(now) {
		return Claims{}, fail(NotYetValid, "valid from %s", claims.NotBefore.UTC().Format(time.RFC3339))
	}
	if !claims.IssuedAt.IsZero() && claims.IssuedAt.After(now.Add(MaxIssuedAtSkew)) {
		return Claims{}, fail(IssuedInFuture, "issued at %s", claims.IssuedAt.UTC().Format(time.RFC3339))
	}

	jwk, ok := jwks.Find(kid)
	if !ok {
		return Claims{}, fail(UnknownKey, "kid %q", kid)
	}
	pub, err := jwk.PublicKey()
	if err != nil {
		return Claims{}, fail(UnknownKey, "kid %q unusable: %v", kid, err)
	}
	if err := jwt.SigningMethodRS256.Verify(parts[0]+"."+parts[1], sig, pub); err != nil {
		return Claims{}, fail(InvalidSignature, "%v", err)
	}

	if exp.Audience != "" && !slices.Contains(claims.Audience, exp.Audience) {
		return Claims{}, fail(InvalidAudience, "aud %v", claims.Audience)
	}
	if claims.Issuer != exp.Issuer {
		return Claims{}, fail(InvalidIssuer, "iss %q", claims.Issuer)
	}
	if claims.TokenUse != "id" {
		return Claims{}, fail(WrongTokenType, "token_use %q", claims.TokenUse)
	}

	return claims, nil
}
