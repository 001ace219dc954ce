// Package session holds the credential material that authenticates protocol
// calls against a provider.
package session

import (
	"errors"
	"sort"
	"strings"
)

// CookieName is the provider session cookie every artifact set must carry.
const CookieName = "session"

var (
	ErrNoSessionCookie = errors.New("session cookie missing")
	ErrNoIdentityToken = errors.New("identity token missing")
)

// Artifacts is replaced as a unit; callers never patch individual fields of a
// stored value.
type Artifacts struct {
	Cookies       map[string]string `json:"cookies"`
	IdentityToken string            `json:"identity_token"`
}

// Validate checks the session cookie and identity token are present.
func (a Artifacts) Validate() error {
	if strings.TrimSpace(a.Cookies[CookieName]) == "" {
		return ErrNoSessionCookie
	}
	if strings.TrimSpace(a.IdentityToken) == "" {
		return ErrNoIdentityToken
	}
	return nil
}

// Empty reports whether no credential material is present at all.
func (a Artifacts) Empty() bool {
	return len(a.Cookies) == 0 && a.IdentityToken == ""
}

func (a Artifacts) Clone() Artifacts {
	out := Artifacts{IdentityToken: a.IdentityToken}
	if a.Cookies != nil {
		out.Cookies = make(map[string]string, len(a.Cookies))
		for k, v := range a.Cookies {
			out.Cookies[k] = v
		}
	}
	return out
}

// CookieHeader renders the cookies as a Cookie header value, sorted by name.
func (a Artifacts) CookieHeader() string {
	names := make([]string, 0, len(a.Cookies))
	for name := range a.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+a.Cookies[name])
	}
	return strings.Join(parts, "; ")
}

// ParseCookieHeader reads "name=value; name2=value2" as copied from a browser.
// Pairs without a name are skipped.
func ParseCookieHeader(header string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(header, ";") {
		name, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		if name = strings.TrimSpace(name); name != "" {
			out[name] = strings.TrimSpace(value)
		}
	}
	return out
}
