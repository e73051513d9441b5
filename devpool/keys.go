package devpool

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	priv *rsa.PrivateKey
	jwk  jose.JSONWebKey
}

// KeyRing holds the pool's signing key and the one it replaced.
type KeyRing struct {
	mu       sync.RWMutex
	current  signingKey
	previous *signingKey
	path     string
}

// NewKeyRing loads keys from path when present, else generates a fresh key.
// An empty path keeps keys in memory only.
func NewKeyRing(path string) (*KeyRing, error) {
	ring := &KeyRing{path: path}
	if path != "" {
		err := ring.load()
		if err == nil {
			return ring, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load dev pool keys: %w", err)
		}
	}
	if err := ring.Rotate(); err != nil {
		return nil, err
	}
	return ring, nil
}

// Rotate generates a new signing key, keeping the old one published.
func (k *KeyRing) Rotate() error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	next := signingKey{
		priv: priv,
		jwk:  jose.JSONWebKey{Key: priv, KeyID: newKID(), Algorithm: string(jose.RS256), Use: "sig"},
	}

	k.mu.Lock()
	if k.current.priv != nil {
		prev := k.current
		k.previous = &prev
	}
	k.current = next
	k.mu.Unlock()

	if k.path != "" {
		return k.persist()
	}
	return nil
}

// Sign issues an RS256 token under the current kid.
func (k *KeyRing) Sign(claims jwt.MapClaims) (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.current.jwk.KeyID
	return tok.SignedString(k.current.priv)
}

// CurrentKID returns the kid new tokens are signed with.
func (k *KeyRing) CurrentKID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current.jwk.KeyID
}

// PublicJWKS returns the key set document served by the pool.
func (k *KeyRing) PublicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := []jose.JSONWebKey{k.current.jwk.Public()}
	if k.previous != nil {
		keys = append(keys, k.previous.jwk.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (k *KeyRing) persist() error {
	k.mu.RLock()
	keys := []jose.JSONWebKey{k.current.jwk}
	if k.previous != nil {
		keys = append(keys, k.previous.jwk)
	}
	k.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(k.path, payload, 0o600)
}

func (k *KeyRing) load() error {
	payload, err := os.ReadFile(k.path)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	var loaded []signingKey
	for _, key := range set.Keys {
		if priv, ok := key.Key.(*rsa.PrivateKey); ok {
			loaded = append(loaded, signingKey{priv: priv, jwk: key})
		}
	}
	if len(loaded) == 0 {
		return errors.New("no private keys in key file")
	}
	k.current = loaded[0]
	if len(loaded) > 1 {
		k.previous = &loaded[1]
	}
	return nil
}

func newKID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "devpool"
	}
	return hex.EncodeToString(buf)
}
