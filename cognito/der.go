package cognito

import (
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// DER tags used by SubjectPublicKeyInfo.
const (
	tagInteger   = 0x02
	tagBitString = 0x03
	tagNull      = 0x05
	tagOID       = 0x06
	tagSequence  = 0x30
)

// rsaEncryptionOID is 1.2.840.113549.1.1.1.
var rsaEncryptionOID = []int{1, 2, 840, 113549, 1, 1, 1}

// ErrUnsupportedKey is returned when a JWK cannot be turned into an RSA public key.
var ErrUnsupportedKey = errors.New("unsupported jwk")

// JWKToPEM encodes the RSA modulus and exponent of jwk as a PEM
// "PUBLIC KEY" block holding a DER SubjectPublicKeyInfo.
func JWKToPEM(jwk JWK) (string, error) {
	der, err := JWKToDER(jwk)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// JWKToDER returns the DER SubjectPublicKeyInfo for an RSA JWK.
func JWKToDER(jwk JWK) ([]byte, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("%w: kty %q", ErrUnsupportedKey, jwk.Kty)
	}
	if jwk.N == "" || jwk.E == "" {
		return nil, fmt.Errorf("%w: missing modulus or exponent", ErrUnsupportedKey)
	}
	n, err := decodeSegment(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("%w: modulus: %v", ErrUnsupportedKey, err)
	}
	e, err := decodeSegment(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("%w: exponent: %v", ErrUnsupportedKey, err)
	}

	rsaPublicKey := encodeSequence(encodeInteger(n), encodeInteger(e))
	algorithm := encodeSequence(encodeOID(rsaEncryptionOID), encodeNull())
	return encodeSequence(algorithm, encodeBitString(rsaPublicKey)), nil
}

// encodeInteger emits an unsigned big-endian value as a DER INTEGER.
func encodeInteger(v []byte) []byte {
	for len(v) > 1 && v[0] == 0 {
		v = v[1:]
	}
	if len(v) == 0 {
		v = []byte{0}
	}
	if v[0]&0x80 != 0 {
		v = append([]byte{0}, v...)
	}
	return encodeTLV(tagInteger, v)
}

func encodeSequence(parts ...[]byte) []byte {
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	body := make([]byte, 0, size)
	for _, p := range parts {
		body = append(body, p...)
	}
	return encodeTLV(tagSequence, body)
}

// encodeBitString prefixes the zero unused-bits byte.
func encodeBitString(v []byte) []byte {
	return encodeTLV(tagBitString, append([]byte{0}, v...))
}

func encodeNull() []byte {
	return []byte{tagNull, 0x00}
}

func encodeOID(arcs []int) []byte {
	body := []byte{byte(40*arcs[0] + arcs[1])}
	for _, arc := range arcs[2:] {
		body = append(body, base128(arc)...)
	}
	return encodeTLV(tagOID, body)
}

func base128(v int) []byte {
	out := []byte{byte(v & 0x7f)}
	for v >>= 7; v > 0; v >>= 7 {
		out = append([]byte{byte(v&0x7f) | 0x80}, out...)
	}
	return out
}

func encodeTLV(tag byte, body []byte) []byte {
	out := append([]byte{tag}, encodeLength(len(body))...)
	return append(out, body...)
}

// encodeLength uses the short form below 128 and the long form otherwise.
func encodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var buf []byte
	for v := n; v > 0; v >>= 8 {
		buf = append([]byte{byte(v)}, buf...)
	}
	return append([]byte{0x80 | byte(len(buf))}, buf...)
}

// decodeSegment accepts base64url with or without padding.
func decodeSegment(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty value")
	}
	return b, nil
}

