package server

import (
	"fmt"
	"strings"

	jmespath "github.com/jmespath-community/go-jmespath"
)

// Names are the profile names derived from ID token claims.
type Names struct {
	First   string
	Last    string
	Display string
}

// NamePolicy resolves profile names from claims using JMESPath expressions.
type NamePolicy struct {
	first   []string
	last    []string
	display []string
}

// NewNamePolicy compiles every expression in cfg.
func NewNamePolicy(cfg NamePolicyConfig) (NamePolicy, error) {
	for _, group := range []struct {
		field string
		exprs []string
	}{
		{"first_name", cfg.FirstName},
		{"last_name", cfg.LastName},
		{"display_name", cfg.DisplayName},
	} {
		for _, expr := range group.exprs {
			if strings.TrimSpace(expr) == "" {
				return NamePolicy{}, fmt.Errorf("%s: empty expression", group.field)
			}
			if _, err := jmespath.Compile(expr); err != nil {
				return NamePolicy{}, fmt.Errorf("%s: compile %q: %w", group.field, expr, err)
			}
		}
	}
	return NamePolicy{first: cfg.FirstName, last: cfg.LastName, display: cfg.DisplayName}, nil
}

// Resolve picks names from claims. When the first or last name is still
// missing, the full name is split on its first space to fill the gap.
// Display prefers the full name, then "first last", then first alone.
func (p NamePolicy) Resolve(claims map[string]any) Names {
	first := firstString(p.first, claims)
	last := firstString(p.last, claims)
	full := firstString(p.display, claims)

	if (first == "" || last == "") && strings.TrimSpace(full) != "" {
		parts := strings.SplitN(strings.TrimSpace(full), " ", 2)
		if first == "" {
			first = parts[0]
		}
		if last == "" && len(parts) > 1 {
			last = parts[1]
		}
	}

	n := Names{First: first, Last: last}
	switch {
	case full != "":
		n.Display = full
	case first != "" && last != "":
		n.Display = strings.TrimSpace(first + " " + last)
	case first != "":
		n.Display = first
	}
	return n
}

func firstString(exprs []string, data map[string]any) string {
	for _, expr := range exprs {
		v, err := jmespath.Search(expr, data)
		if err != nil {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}
