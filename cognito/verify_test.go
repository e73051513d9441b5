package cognito

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testVerifier() *Verifier {
	return NewVerifier().WithClock(fixedClock(testNow))
}

func testExpected() Expected {
	return Expected{Audience: testClient, Issuer: testIssuer}
}

func TestVerifyReturnsIssuedClaims(t *testing.T) {
	k, other := testKeys(t)
	jwks := JWKS{Keys: []JWK{other.jwk, k.jwk}}
	token := k.sign(t, validClaims(testNow))

	claims, err := testVerifier().Verify(token, jwks, testExpected())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if claims.Subject != "2f1c-sub" || claims.Email != "jane@example.com" {
		t.Errorf("subject %q email %q", claims.Subject, claims.Email)
	}
	if claims.GivenName != "Jane" || claims.FamilyName != "Public" {
		t.Errorf("name %q %q", claims.GivenName, claims.FamilyName)
	}
	if !reflect.DeepEqual(claims.Groups, []string{"WP_editor", "members"}) {
		t.Errorf("groups = %v", claims.Groups)
	}
	if !reflect.DeepEqual(claims.Custom, map[string]string{"custom:tier": "gold"}) {
		t.Errorf("custom = %v", claims.Custom)
	}
	if !reflect.DeepEqual(claims.Audience, []string{testClient}) {
		t.Errorf("audience = %v", claims.Audience)
	}
	if got, want := claims.Expires.Unix(), testNow.Add(time.Hour).Unix(); got != want {
		t.Errorf("expires = %d, want %d", got, want)
	}

	payload := strings.Split(token, ".")[1]
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var issued, kept any
	if err := json.Unmarshal(raw, &issued); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if err := json.Unmarshal([]byte(mustJSON(t, claims.Raw)), &kept); err != nil {
		t.Fatalf("unmarshal raw claims: %v", err)
	}
	if !reflect.DeepEqual(issued, kept) {
		t.Errorf("raw claims differ from payload:\n%s\n%s", raw, mustJSON(t, claims.Raw))
	}

	again, err := testVerifier().Verify(token, jwks, testExpected())
	if err != nil {
		t.Fatalf("Verify again: %v", err)
	}
	if !reflect.DeepEqual(claims, again) {
		t.Errorf("second verification returned different claims")
	}
}

func TestVerifyRejections(t *testing.T) {
	k, other := testKeys(t)
	jwks := JWKS{Keys: []JWK{k.jwk}}

	with := func(mutate func(jwt.MapClaims)) string {
		c := validClaims(testNow)
		mutate(c)
		return k.sign(t, c)
	}

	tests := []struct {
		name  string
		token string
		exp   Expected
		want  *VerificationError
	}{
		{"two segments", "a.b", testExpected(), ErrMalformedToken},
		{"four segments", "a.b.c.d", testExpected(), ErrMalformedToken},
		{"header not base64", "%%%." + strings.Split(k.sign(t, validClaims(testNow)), ".")[1] + ".sig", testExpected(), ErrMalformedToken},
		{"header not json", segment("not json") + "." + segment(`{}`) + ".c2ln", testExpected(), ErrMalformedToken},
		{"missing kid", unsignedToken(map[string]any{"alg": "RS256"}, validClaims(testNow)), testExpected(), ErrMalformedToken},
		{"missing exp", with(func(c jwt.MapClaims) { delete(c, "exp") }), testExpected(), ErrMalformedToken},
		{"string exp", with(func(c jwt.MapClaims) { c["exp"] = "tomorrow" }), testExpected(), ErrMalformedToken},
		{"unknown kid", other.sign(t, validClaims(testNow)), testExpected(), ErrUnknownKey},
		{"expired", with(func(c jwt.MapClaims) { c["exp"] = testNow.Add(-time.Second).Unix() }), testExpected(), ErrExpired},
		{"not yet valid", with(func(c jwt.MapClaims) { c["nbf"] = testNow.Add(time.Minute).Unix() }), testExpected(), ErrNotYetValid},
		{"issued in future", with(func(c jwt.MapClaims) { c["iat"] = testNow.Add(301 * time.Second).Unix() }), testExpected(), ErrIssuedInFuture},
		{"wrong audience", with(func(c jwt.MapClaims) { c["aud"] = "someone-else" }), testExpected(), ErrInvalidAudience},
		{"wrong issuer", with(func(c jwt.MapClaims) { c["iss"] = IssuerURL("eu-west-1", testPool) }), testExpected(), ErrInvalidIssuer},
		{"access token", with(func(c jwt.MapClaims) { c["token_use"] = "access" }), testExpected(), ErrWrongTokenType},
		{"missing token_use", with(func(c jwt.MapClaims) { delete(c, "token_use") }), testExpected(), ErrWrongTokenType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testVerifier().Verify(tt.token, jwks, tt.exp)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if got := KindOf(err); got != tt.want.Kind {
				t.Fatalf("KindOf = %v, want %v", got, tt.want.Kind)
			}
		})
	}
}

func TestVerifyTimeBoundaries(t *testing.T) {
	k, _ := testKeys(t)
	jwks := JWKS{Keys: []JWK{k.jwk}}

	c := validClaims(testNow)
	c["exp"] = testNow.Unix()
	c["nbf"] = testNow.Unix()
	c["iat"] = testNow.Add(MaxIssuedAtSkew).Unix()

	if _, err := testVerifier().Verify(k.sign(t, c), jwks, testExpected()); err != nil {
		t.Fatalf("token at exact boundaries rejected: %v", err)
	}
}

func TestVerifyExpiredWinsOverBadSignature(t *testing.T) {
	k, other := testKeys(t)
	jwks := JWKS{Keys: []JWK{k.jwk}}

	c := validClaims(testNow)
	c["exp"] = testNow.Add(-time.Hour).Unix()
	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	forged.Header["kid"] = k.jwk.Kid
	token, err := forged.SignedString(other.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := testVerifier().Verify(token, jwks, testExpected()); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	k, other := testKeys(t)
	jwks := JWKS{Keys: []JWK{k.jwk}}

	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims(testNow))
	forged.Header["kid"] = k.jwk.Kid
	token, err := forged.SignedString(other.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := testVerifier().Verify(token, jwks, testExpected()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("forged: expected ErrInvalidSignature, got %v", err)
	}

	parts := strings.Split(k.sign(t, validClaims(testNow)), ".")
	tampered := validClaims(testNow)
	tampered["email"] = "mallory@example.com"
	parts[1] = segment(mustJSON(t, tampered))
	if _, err := testVerifier().Verify(strings.Join(parts, "."), jwks, testExpected()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered: expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	k, _ := testKeys(t)
	jwks := JWKS{Keys: []JWK{k.jwk}}

	none := unsignedToken(map[string]any{"alg": "none", "kid": k.jwk.Kid}, validClaims(testNow))
	if _, err := testVerifier().Verify(none, jwks, testExpected()); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("alg none: expected ErrUnsupportedAlgorithm, got %v", err)
	}

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(testNow))
	hs.Header["kid"] = k.jwk.Kid
	hsToken, err := hs.SignedString([]byte(k.jwk.N))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := testVerifier().Verify(hsToken, jwks, testExpected()); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("HS256: expected ErrUnsupportedAlgorithm, got %v", err)
	}

	expiredNone := validClaims(testNow)
	expiredNone["exp"] = testNow.Add(-time.Hour).Unix()
	_, err = testVerifier().Verify(unsignedToken(map[string]any{"alg": "none", "kid": k.jwk.Kid}, expiredNone), jwks, testExpected())
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expired alg none: expected ErrUnsupportedAlgorithm, got %v", err)
	}
}

func TestVerifyAudience(t *testing.T) {
	k, _ := testKeys(t)
	jwks := JWKS{Keys: []JWK{k.jwk}}

	c := validClaims(testNow)
	c["aud"] = []string{"other", testClient}
	if _, err := testVerifier().Verify(k.sign(t, c), jwks, testExpected()); err != nil {
		t.Fatalf("audience list containing the client rejected: %v", err)
	}

	c["aud"] = "unrelated"
	if _, err := testVerifier().Verify(k.sign(t, c), jwks, Expected{Issuer: testIssuer}); err != nil {
		t.Fatalf("audience is not enforced when none is expected: %v", err)
	}
}

func TestVerificationErrorMessage(t *testing.T) {
	err := fail(Expired, "expired at %s", "then")
	if got := err.Error(); got != "verify token: expired: expired at then" {
		t.Errorf("Error() = %q", got)
	}
	if got := ErrUnknownKey.Error(); got != "verify token: unknown_key" {
		t.Errorf("ErrUnknownKey.Error() = %q", got)
	}
	if got := KindOf(errors.New("unrelated")); got != KindUnknown {
		t.Errorf("KindOf(plain error) = %v", got)
	}
}

func segment(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func unsignedToken(header map[string]any, claims jwt.MapClaims) string {
	h, _ := json.Marshal(header)
	p, _ := json.Marshal(claims)
	return segment(string(h)) + "." + segment(string(p)) + "."
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}
