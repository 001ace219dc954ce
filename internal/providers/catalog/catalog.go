package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	BypassWAFCookies = "waf_cookies"

	DefaultLoginPath      = "/login"
	DefaultCheckinPath    = "/api/user/sign_in"
	DefaultUserInfoPath   = "/api/user/self"
	DefaultIdentityHeader = "new-api-user"
	DefaultPanelPath      = "/panel"
	DefaultProfilePath    = "/panel/profile"
	DefaultQuotaUnit      = 500000
)

// DefaultBypassCookieNames are the WAF cookies the anyrouter edge issues.
var DefaultBypassCookieNames = []string{"acw_tc", "cdn_sec_tc", "acw_sc__v2"}

var providerNameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ErrInvalidProvider is wrapped by every catalog validation failure.
var ErrInvalidProvider = errors.New("invalid provider profile")

// ValidationError names the provider entry and field that failed validation.
type ValidationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("provider %q: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("provider %q: %s: %s", e.Provider, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidProvider }

// Profile describes how to talk to one upstream service. Profiles are
// immutable once the catalog is loaded and are passed around by value.
type Profile struct {
	Name           string  `json:"name"`
	Domain         string  `json:"domain"`
	LoginPath      string  `json:"login_path"`
	CheckinPath    string  `json:"checkin_path,omitempty"` // empty: check-in is implicit in the user-info call
	UserInfoPath   string  `json:"user_info_path"`
	IdentityHeader string  `json:"identity_header"`
	PanelPath      string  `json:"panel_path"`
	ProfilePath    string  `json:"profile_path"`
	QuotaUnit      float64 `json:"quota_unit"`

	RequiresBypassCookies bool     `json:"requires_bypass_cookies"`
	BypassCookieNames     []string `json:"bypass_cookie_names,omitempty"`
}

// URL joins path onto the profile domain.
func (p Profile) URL(path string) string {
	return p.Domain + path
}

// HasExplicitCheckin reports whether a separate check-in call is required.
func (p Profile) HasExplicitCheckin() bool {
	return p.CheckinPath != ""
}

// Entry is the on-disk shape of one provider entry in YAML or JSON.
type Entry struct {
	Name              string   `yaml:"name" json:"name"`
	Domain            string   `yaml:"domain" json:"domain"`
	LoginPath         string   `yaml:"login_path" json:"login_path"`
	CheckinPath       *string  `yaml:"checkin_path" json:"checkin_path"`
	SignInPath        *string  `yaml:"sign_in_path" json:"sign_in_path"`
	UserInfoPath      string   `yaml:"user_info_path" json:"user_info_path"`
	IdentityHeader    string   `yaml:"identity_header" json:"identity_header"`
	APIUserKey        string   `yaml:"api_user_key" json:"api_user_key"`
	PanelPath         string   `yaml:"panel_path" json:"panel_path"`
	ProfilePath       string   `yaml:"profile_path" json:"profile_path"`
	QuotaUnit         float64  `yaml:"quota_unit" json:"quota_unit"`
	BypassMethod      *string  `yaml:"bypass_method" json:"bypass_method"`
	BypassCookieNames []string `yaml:"bypass_cookies" json:"bypass_cookies"`
}

type fileConfig struct {
	Providers []Entry `yaml:"providers"`
}

// Options selects catalog sources. File is a YAML catalog path; when empty
// the standard locations are searched. JSON is an object keyed by provider
// name, applied last.
type Options struct {
	File string
	JSON string
}

// Catalog is a validated, read-only set of provider profiles.
type Catalog struct {
	byName map[string]Profile
	names  []string
}

// Load builds a catalog from the built-in profiles, then the YAML file, then
// the JSON override. Any malformed entry fails the whole load.
func Load(opts Options) (*Catalog, error) {
	entries := defaultEntries()

	path, err := resolveConfigPath(opts.File)
	if err != nil {
		return nil, err
	}
	if path != "" {
		fromFile, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fromFile...)
	}

	if raw := strings.TrimSpace(opts.JSON); raw != "" {
		fromJSON, err := parseJSON(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, fromJSON...)
	}

	return New(entries...)
}

// New validates entries into a catalog. Later entries replace earlier ones
// with the same name.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Profile, len(entries))}
	for _, entry := range entries {
		profile, err := normalizeEntry(entry)
		if err != nil {
			return nil, err
		}
		if _, exists := c.byName[profile.Name]; !exists {
			c.names = append(c.names, profile.Name)
		}
		c.byName[profile.Name] = profile
	}
	sort.Strings(c.names)
	return c, nil
}

// Get returns the profile registered under name.
func (c *Catalog) Get(name string) (Profile, bool) {
	p, ok := c.byName[normalizeName(name)]
	if !ok {
		return Profile{}, false
	}
	p.BypassCookieNames = append([]string(nil), p.BypassCookieNames...)
	return p, true
}

// Names returns the sorted provider names.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.names...)
}

// Profiles returns all profiles sorted by name.
func (c *Catalog) Profiles() []Profile {
	out := make([]Profile, 0, len(c.names))
	for _, name := range c.names {
		p, _ := c.Get(name)
		out = append(out, p)
	}
	return out
}

func defaultEntries() []Entry {
	none := ""
	waf := BypassWAFCookies
	return []Entry{
		{
			Name:         "anyrouter",
			Domain:       "https://anyrouter.top",
			BypassMethod: &waf,
		},
		{
			Name:        "agentrouter",
			Domain:      "https://agentrouter.org",
			CheckinPath: &none,
		},
	}
}

func loadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %q: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg fileConfig
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse providers file %q: %w: %w", path, ErrInvalidProvider, err)
	}
	return cfg.Providers, nil
}

func parseJSON(raw string) ([]Entry, error) {
	var byName map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &byName); err != nil {
		return nil, fmt.Errorf("failed to parse providers JSON: %w: %w", ErrInvalidProvider, err)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]Entry, 0, len(byName))
	for _, name := range names {
		dec := json.NewDecoder(bytes.NewReader(byName[name]))
		dec.DisallowUnknownFields()
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			return nil, &ValidationError{Provider: name, Reason: err.Error()}
		}
		if entry.Name == "" {
			entry.Name = name
		}
		if normalizeName(entry.Name) != normalizeName(name) {
			return nil, &ValidationError{Provider: name, Field: "name", Reason: fmt.Sprintf("does not match key %q", entry.Name)}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func resolveConfigPath(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("providers file: %w", err)
		}
		return explicit, nil
	}

	candidates := []string{
		"config/providers.yaml",
		"/etc/checkin-nexus/providers.yaml",
	}
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "checkin-nexus", "providers.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func normalizeEntry(cfg Entry) (Profile, error) {
	name := normalizeName(cfg.Name)
	if !providerNameRegexp.MatchString(name) {
		return Profile{}, &ValidationError{Provider: cfg.Name, Field: "name", Reason: "must match " + providerNameRegexp.String()}
	}
	invalid := func(field, reason string) error {
		return &ValidationError{Provider: name, Field: field, Reason: reason}
	}

	domain, err := normalizeDomain(cfg.Domain)
	if err != nil {
		return Profile{}, invalid("domain", err.Error())
	}

	p := Profile{
		Name:           name,
		Domain:         domain,
		LoginPath:      orDefault(cfg.LoginPath, DefaultLoginPath),
		CheckinPath:    DefaultCheckinPath,
		UserInfoPath:   orDefault(cfg.UserInfoPath, DefaultUserInfoPath),
		IdentityHeader: orDefault(firstNonEmpty(cfg.IdentityHeader, cfg.APIUserKey), DefaultIdentityHeader),
		PanelPath:      orDefault(cfg.PanelPath, DefaultPanelPath),
		ProfilePath:    orDefault(cfg.ProfilePath, DefaultProfilePath),
		QuotaUnit:      cfg.QuotaUnit,
	}

	switch {
	case cfg.CheckinPath != nil && cfg.SignInPath != nil:
		return Profile{}, invalid("checkin_path", "set together with sign_in_path")
	case cfg.CheckinPath != nil:
		p.CheckinPath = strings.TrimSpace(*cfg.CheckinPath)
	case cfg.SignInPath != nil:
		p.CheckinPath = strings.TrimSpace(*cfg.SignInPath)
	}

	paths := map[string]string{
		"login_path":     p.LoginPath,
		"user_info_path": p.UserInfoPath,
		"panel_path":     p.PanelPath,
		"profile_path":   p.ProfilePath,
	}
	if p.CheckinPath != "" {
		paths["checkin_path"] = p.CheckinPath
	}
	for field, value := range paths {
		if !strings.HasPrefix(value, "/") {
			return Profile{}, invalid(field, "must start with /")
		}
	}

	if strings.ContainsAny(p.IdentityHeader, " :\t\r\n") {
		return Profile{}, invalid("identity_header", "not a valid header name")
	}

	if p.QuotaUnit == 0 {
		p.QuotaUnit = DefaultQuotaUnit
	}
	if p.QuotaUnit < 0 {
		return Profile{}, invalid("quota_unit", "must be positive")
	}

	if cfg.BypassMethod != nil {
		switch method := strings.ToLower(strings.TrimSpace(*cfg.BypassMethod)); method {
		case "":
		case BypassWAFCookies:
			p.RequiresBypassCookies = true
		default:
			return Profile{}, invalid("bypass_method", fmt.Sprintf("unsupported method %q", method))
		}
	}
	if p.RequiresBypassCookies {
		p.BypassCookieNames = DefaultBypassCookieNames
		if len(cfg.BypassCookieNames) > 0 {
			p.BypassCookieNames = nil
			for _, c := range cfg.BypassCookieNames {
				if c = strings.TrimSpace(c); c == "" {
					return Profile{}, invalid("bypass_cookies", "empty cookie name")
				}
				p.BypassCookieNames = append(p.BypassCookieNames, strings.TrimSpace(c))
			}
		}
		p.BypassCookieNames = append([]string(nil), p.BypassCookieNames...)
	} else if len(cfg.BypassCookieNames) > 0 {
		return Profile{}, invalid("bypass_cookies", "requires bypass_method waf_cookies")
	}

	return p, nil
}

func normalizeDomain(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("must be an absolute http(s) URL")
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	if strings.Trim(u.Path, "/") != "" || u.RawQuery != "" || u.Fragment != "" {
		return "", errors.New("must be an origin without path, query or fragment")
	}
	return u.Scheme + "://" + u.Host, nil
}

func normalizeName(name string) string {
	return strings.TrimSpace(strings.ToLower(name))
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
