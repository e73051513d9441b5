package cognito

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testRegion = "us-east-1"
	testPool   = "us-east-1_TestPool"
	testClient = "client-123"
)

var testIssuer = IssuerURL(testRegion, testPool)

type testKey struct {
	priv *rsa.PrivateKey
	jwk  JWK
}

var (
	keysOnce sync.Once
	keyA     testKey
	keyB     testKey
	keysErr  error
)

// testKeys returns two RSA keys shared across the package's tests.
func testKeys(t *testing.T) (testKey, testKey) {
	t.Helper()
	keysOnce.Do(func() {
		keyA, keysErr = generateTestKey("kid-a", 2048)
		if keysErr != nil {
			return
		}
		keyB, keysErr = generateTestKey("kid-b", 2048)
	})
	if keysErr != nil {
		t.Fatalf("generate test keys: %v", keysErr)
	}
	return keyA, keyB
}

func generateTestKey(kid string, bits int) (testKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return testKey{}, err
	}
	pub := jose.JSONWebKey{Key: &priv.PublicKey, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	raw, err := pub.MarshalJSON()
	if err != nil {
		return testKey{}, err
	}
	var jwk JWK
	if err := json.Unmarshal(raw, &jwk); err != nil {
		return testKey{}, err
	}
	return testKey{priv: priv, jwk: jwk}, nil
}

func (k testKey) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.jwk.Kid
	signed, err := tok.SignedString(k.priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":            "2f1c-sub",
		"email":          "jane@example.com",
		"name":           "Jane Q Public",
		"given_name":     "Jane",
		"family_name":    "Public",
		"cognito:groups": []string{"WP_editor", "members"},
		"custom:tier":    "gold",
		"aud":            testClient,
		"iss":            testIssuer,
		"token_use":      "id",
		"iat":            now.Add(-time.Minute).Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
}

func fixedClock(now time.Time) func() time.Time {
	return func() time.Time { return now }
}
