package server

import (
	"fmt"
	"net/url"
	"strings"
)

// Site knows the gateway's own origin and decides which redirect targets stay on it.
type Site struct {
	base *url.URL
	root string
}

// NewSite parses the public URL.
func NewSite(publicURL string) (Site, error) {
	u, err := url.Parse(publicURL)
	if err != nil || u.Host == "" {
		return Site{}, fmt.Errorf("invalid public url %q", publicURL)
	}
	return Site{base: u, root: strings.TrimSuffix(u.String(), "/")}, nil
}

// URL joins path onto the site root.
func (s Site) URL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return s.root + path
}

// Home is the homepage.
func (s Site) Home() string { return s.URL("/") }

// Admin is the dashboard for elevated users.
func (s Site) Admin() string { return s.URL("/admin") }

// SafeTarget returns raw as an absolute URL on this site, or "" when raw is
// empty, malformed, uses a scheme other than http(s), or points at another host.
// Paths starting with a single "/" resolve against the site root.
func (s Site) SafeTarget(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !isSafeRedirectURI(raw) {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.User != nil || u.Opaque != "" {
		return ""
	}
	if u.Scheme == "" {
		if u.Host != "" || !strings.HasPrefix(u.Path, "/") {
			return ""
		}
		return s.root + u.RequestURI() + fragment(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if !strings.EqualFold(u.Host, s.base.Host) {
		return ""
	}
	return u.String()
}

func fragment(u *url.URL) string {
	if u.Fragment == "" {
		return ""
	}
	return "#" + u.EscapedFragment()
}

// isSafeRedirectURI rejects scheme tricks and protocol-relative or
// backslash forms that browsers resolve to another host.
func isSafeRedirectURI(uri string) bool {
	lower := strings.ToLower(uri)
	dangerousSchemes := []string{
		"javascript:",
		"data:",
		"file:",
		"vbscript:",
		"about:",
	}
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}

	// Block protocol-relative URLs that could redirect anywhere
	if strings.HasPrefix(uri, "//") || strings.Contains(uri, `\`) {
		return false
	}
	for _, c := range uri {
		if c < 0x20 || c == 0x7f {
			return false
		}
	}
	return true
}
