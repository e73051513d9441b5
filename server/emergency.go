package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	emergencyTokenFile = "emergency_token"
	emergencyQueryKey  = "emergency"
)

// LoadEmergencyToken returns override when set. Otherwise it reads the token
// persisted under secretsPath, generating and saving one on first use.
func LoadEmergencyToken(secretsPath, override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}
	path := filepath.Join(secretsPath, emergencyTokenFile)
	b, err := os.ReadFile(path)
	if err == nil {
		if token := strings.TrimSpace(string(b)); token != "" {
			return token, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read emergency token: %w", err)
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate emergency token: %w", err)
	}
	token := hex.EncodeToString(buf)
	if err := os.MkdirAll(secretsPath, 0o700); err != nil {
		return "", fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write emergency token: %w", err)
	}
	return token, nil
}

// emergencyRequested reports whether q carries token, either as a bare
// query key (?<token>) or as emergency=<token>.
func emergencyRequested(q url.Values, token string) bool {
	if token == "" {
		return false
	}
	if _, ok := q[token]; ok {
		return true
	}
	for _, v := range q[emergencyQueryKey] {
		if subtle.ConstantTimeCompare([]byte(v), []byte(token)) == 1 {
			return true
		}
	}
	return false
}
