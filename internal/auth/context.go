// Package auth loads the credentials used for upstream extraction calls and applies them
// to outbound HTTP clients.
package auth

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

// Credential kinds reported by Context.Type.
const (
	TypeNone    = "none"
	TypeCookies = "cookies"
	TypeOAuth   = "oauth"
)

// defaultCookieDomain is used for cookies that carry no domain.
const defaultCookieDomain = ".youtube.com"

// Context is an immutable snapshot of the loaded credentials.
type Context struct {
	Cookies  []*http.Cookie
	Token    string
	Expiry   time.Time
	Source   string
	LoadedAt time.Time
}

// Type returns the credential kind in effect now. A valid bearer token takes
// precedence over cookies; an expired one is not applied, so it does not count.
func (c *Context) Type() string {
	switch {
	case c == nil:
		return TypeNone
	case c.TokenValid(time.Now()):
		return TypeOAuth
	case len(c.Cookies) > 0:
		return TypeCookies
	default:
		return TypeNone
	}
}

// CookieCount returns the number of loaded cookies.
func (c *Context) CookieCount() int {
	if c == nil {
		return 0
	}
	return len(c.Cookies)
}

// TokenValid reports whether the bearer token is present and unexpired at now.
func (c *Context) TokenValid(now time.Time) bool {
	if c == nil || c.Token == "" {
		return false
	}
	return c.Expiry.IsZero() || now.Before(c.Expiry)
}

// Apply installs the credentials on client: a cookie jar seeded with the loaded
// cookies and, while the token is valid, a transport adding the bearer header.
func (c *Context) Apply(client *http.Client) {
	if c == nil || client == nil {
		return
	}

	if len(c.Cookies) > 0 {
		if jar, err := c.jar(); err == nil {
			client.Jar = jar
		}
	}

	if c.TokenValid(time.Now()) {
		base := client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client.Transport = &bearerTransport{base: base, token: c.Token}
	}
}

func (c *Context) jar() (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	byHost := make(map[string][]*http.Cookie)
	for _, cookie := range c.Cookies {
		domain := cookie.Domain
		if domain == "" {
			domain = defaultCookieDomain
		}
		host := strings.TrimPrefix(domain, ".")
		cp := *cookie
		cp.Domain = domain
		byHost[host] = append(byHost[host], &cp)
	}
	for host, cookies := range byHost {
		jar.SetCookies(&url.URL{Scheme: "https", Host: host, Path: "/"}, cookies)
	}
	return jar, nil
}

// bearerTransport adds an Authorization header to requests that do not carry one.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}
