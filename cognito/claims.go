package cognito

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	claimGroups  = "cognito:groups"
	customPrefix = "custom:"
)

// Claims is the verified payload of a Cognito ID token.
type Claims struct {
	Subject           string
	Email             string
	Name              string
	GivenName         string
	FamilyName        string
	PreferredUsername string
	Groups            []string
	// Custom holds every custom:* attribute keyed by its full claim name.
	Custom map[string]string

	Expires   time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	Audience  []string
	Issuer    string
	TokenUse  string

	// Raw is the decoded payload exactly as issued.
	Raw map[string]any
}

// Get returns a top-level claim as a string.
func (c Claims) Get(name string) string {
	v, ok := c.Raw[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func decodeJSONSegment(seg string, dst *map[string]any) error {
	raw, err := decodeSegment(seg)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if *dst == nil {
		return fmt.Errorf("not a json object")
	}
	return nil
}

func parseClaims(raw map[string]any) (Claims, error) {
	c := Claims{
		Raw:    raw,
		Custom: map[string]string{},
	}
	c.Subject = stringClaim(raw, "sub")
	c.Email = stringClaim(raw, "email")
	c.Name = stringClaim(raw, "name")
	c.GivenName = stringClaim(raw, "given_name")
	c.FamilyName = stringClaim(raw, "family_name")
	c.PreferredUsername = stringClaim(raw, "preferred_username")
	c.Issuer = stringClaim(raw, "iss")
	c.TokenUse = stringClaim(raw, "token_use")
	c.Groups = stringList(raw[claimGroups])
	c.Audience = stringList(raw["aud"])

	for k, v := range raw {
		if strings.HasPrefix(k, customPrefix) {
			c.Custom[k] = stringValue(v)
		}
	}

	var err error
	if c.Expires, err = timeClaim(raw, "exp"); err != nil {
		return Claims{}, err
	}
	if c.NotBefore, err = timeClaim(raw, "nbf"); err != nil {
		return Claims{}, err
	}
	if c.IssuedAt, err = timeClaim(raw, "iat"); err != nil {
		return Claims{}, err
	}
	return c, nil
}

func stringClaim(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// stringList accepts a single string or an array of strings.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// timeClaim returns the zero time when the claim is absent.
func timeClaim(raw map[string]any, key string) (time.Time, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return time.Time{}, nil
	}
	num, ok := v.(json.Number)
	if !ok {
		return time.Time{}, fail(MalformedToken, "%s is not numeric", key)
	}
	f, err := num.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fail(MalformedToken, "%s is not numeric", key)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}
