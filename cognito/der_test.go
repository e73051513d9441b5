package cognito

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"strings"
	"testing"
)

func TestJWKToDERMatchesPKIXEncoding(t *testing.T) {
	a, b := testKeys(t)
	small, err := generateTestKey("small", 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	for _, k := range []testKey{a, b, small} {
		want, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
		if err != nil {
			t.Fatalf("MarshalPKIXPublicKey: %v", err)
		}
		got, err := JWKToDER(k.jwk)
		if err != nil {
			t.Fatalf("JWKToDER(%s): %v", k.jwk.Kid, err)
		}
		if !bytes.Equal(want, got) {
			t.Fatalf("kid %s: DER differs from crypto/x509 encoding", k.jwk.Kid)
		}
	}
}

func TestJWKToPEMVerifiesSignature(t *testing.T) {
	k, _ := testKeys(t)

	out, err := JWKToPEM(k.jwk)
	if err != nil {
		t.Fatalf("JWKToPEM: %v", err)
	}

	block, rest := pem.Decode([]byte(out))
	if block == nil {
		t.Fatalf("output is not PEM: %q", out)
	}
	if len(rest) != 0 || block.Type != "PUBLIC KEY" {
		t.Fatalf("unexpected PEM block %q with %d trailing bytes", block.Type, len(rest))
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if len(line) > 64 {
			t.Fatalf("line longer than 64 columns: %q", line)
		}
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		t.Fatalf("ParsePKIXPublicKey: %v", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		t.Fatalf("parsed key is %T", parsed)
	}

	digest := sha256.Sum256([]byte("signed message"))
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature did not verify with decoded key: %v", err)
	}
}

func TestJWKToDERAcceptsPaddedBase64(t *testing.T) {
	k, _ := testKeys(t)
	padded := k.jwk
	raw, err := base64.RawURLEncoding.DecodeString(k.jwk.E)
	if err != nil {
		t.Fatalf("decode e: %v", err)
	}
	padded.E = base64.URLEncoding.EncodeToString(raw)

	want, err := JWKToDER(k.jwk)
	if err != nil {
		t.Fatalf("JWKToDER: %v", err)
	}
	got, err := JWKToDER(padded)
	if err != nil {
		t.Fatalf("JWKToDER with padding: %v", err)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("padded exponent changed the encoding")
	}
}

func TestJWKToDERRejectsUnusableKeys(t *testing.T) {
	k, _ := testKeys(t)
	tests := map[string]JWK{
		"ec key":        {Kty: "EC", N: k.jwk.N, E: k.jwk.E},
		"missing n":     {Kty: "RSA", E: k.jwk.E},
		"missing e":     {Kty: "RSA", N: k.jwk.N},
		"bad base64":    {Kty: "RSA", N: "***", E: k.jwk.E},
		"empty modulus": {Kty: "RSA", N: "=", E: k.jwk.E},
	}
	for name, jwk := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := JWKToPEM(jwk); !errors.Is(err, ErrUnsupportedKey) {
				t.Fatalf("expected ErrUnsupportedKey, got %v", err)
			}
		})
	}
}

func TestDEREncoders(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want []byte
	}{
		{"integer_strips_leading_zeros", encodeInteger([]byte{0x00, 0x00, 0x01}), []byte{0x02, 0x01, 0x01}},
		{"integer_pads_high_bit", encodeInteger([]byte{0x80}), []byte{0x02, 0x02, 0x00, 0x80}},
		{"integer_exponent", encodeInteger([]byte{0x01, 0x00, 0x01}), []byte{0x02, 0x03, 0x01, 0x00, 0x01}},
		{"integer_zero", encodeInteger([]byte{0x00}), []byte{0x02, 0x01, 0x00}},
		{"length_short", encodeLength(127), []byte{0x7f}},
		{"length_one_byte", encodeLength(128), []byte{0x81, 0x80}},
		{"length_two_bytes", encodeLength(256), []byte{0x82, 0x01, 0x00}},
		{"length_271", encodeLength(271), []byte{0x82, 0x01, 0x0f}},
		{"rsa_oid", encodeOID(rsaEncryptionOID), []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x01, 0x01}},
		{"null", encodeNull(), []byte{0x05, 0x00}},
		{"bit_string", encodeBitString([]byte{0xab, 0xcd}), []byte{0x03, 0x03, 0x00, 0xab, 0xcd}},
	}
	for _, tt := range tests {
		if !bytes.Equal(tt.got, tt.want) {
			t.Errorf("%s: got % x, want % x", tt.name, tt.got, tt.want)
		}
	}
}
