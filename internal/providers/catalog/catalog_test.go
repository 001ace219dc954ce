package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadBuiltinProfiles(t *testing.T) {
	c, err := Load(Options{File: writeProvidersFile(t, "providers: []\n")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	anyr, ok := c.Get("anyrouter")
	if !ok {
		t.Fatal("expected anyrouter profile")
	}
	if anyr.Domain != "https://anyrouter.top" || !anyr.HasExplicitCheckin() || !anyr.RequiresBypassCookies {
		t.Fatalf("unexpected anyrouter profile: %+v", anyr)
	}
	if anyr.CheckinPath != DefaultCheckinPath || anyr.IdentityHeader != DefaultIdentityHeader {
		t.Fatalf("defaults not applied: %+v", anyr)
	}
	if len(anyr.BypassCookieNames) != 3 {
		t.Fatalf("expected default bypass cookies, got %v", anyr.BypassCookieNames)
	}

	agent, ok := c.Get("AgentRouter")
	if !ok {
		t.Fatal("expected case-insensitive lookup of agentrouter")
	}
	if agent.HasExplicitCheckin() || agent.RequiresBypassCookies {
		t.Fatalf("agentrouter should use implicit check-in without bypass: %+v", agent)
	}

	if got := c.Names(); len(got) != 2 || got[0] != "agentrouter" || got[1] != "anyrouter" {
		t.Fatalf("Names() = %v", got)
	}
}

func TestLoadFileOverridesAndAdds(t *testing.T) {
	path := writeProvidersFile(t, `providers:
  - name: anyrouter
    domain: https://mirror.anyrouter.top/
    bypass_method: waf_cookies
    bypass_cookies: [acw_tc]
  - name: newrelay
    domain: http://relay.internal:3000
    checkin_path: ""
    user_info_path: /api/user/me
    api_user_key: x-user
    quota_unit: 1000
`)

	c, err := Load(Options{File: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	anyr, _ := c.Get("anyrouter")
	if anyr.Domain != "https://mirror.anyrouter.top" {
		t.Fatalf("expected trailing slash trimmed, got %q", anyr.Domain)
	}
	if len(anyr.BypassCookieNames) != 1 || anyr.BypassCookieNames[0] != "acw_tc" {
		t.Fatalf("bypass cookies = %v", anyr.BypassCookieNames)
	}

	relay, ok := c.Get("newrelay")
	if !ok {
		t.Fatal("expected newrelay profile")
	}
	if relay.HasExplicitCheckin() {
		t.Fatal("explicit empty checkin_path must mean implicit check-in")
	}
	if relay.IdentityHeader != "x-user" || relay.QuotaUnit != 1000 {
		t.Fatalf("unexpected relay profile: %+v", relay)
	}
	if relay.URL(relay.UserInfoPath) != "http://relay.internal:3000/api/user/me" {
		t.Fatalf("URL() = %q", relay.URL(relay.UserInfoPath))
	}
}

func TestLoadJSONOverride(t *testing.T) {
	c, err := Load(Options{
		File: writeProvidersFile(t, "providers: []\n"),
		JSON: `{"agentrouter": {"domain": "https://agentrouter.example", "sign_in_path": "/api/user/checkin"}}`,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	agent, _ := c.Get("agentrouter")
	if agent.Domain != "https://agentrouter.example" || agent.CheckinPath != "/api/user/checkin" {
		t.Fatalf("JSON override not applied: %+v", agent)
	}
}

func TestLoadRejectsMalformedEntries(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "unknown field",
			yaml:  "providers:\n  - name: x\n    domain: https://x.test\n    colour: red\n",
			field: "",
		},
		{
			name:  "relative domain",
			yaml:  "providers:\n  - name: x\n    domain: x.test\n",
			field: "domain",
		},
		{
			name:  "domain with path",
			yaml:  "providers:\n  - name: x\n    domain: https://x.test/api\n",
			field: "domain",
		},
		{
			name:  "bad path",
			yaml:  "providers:\n  - name: x\n    domain: https://x.test\n    login_path: login\n",
			field: "login_path",
		},
		{
			name:  "unsupported bypass",
			yaml:  "providers:\n  - name: x\n    domain: https://x.test\n    bypass_method: captcha_solver\n",
			field: "bypass_method",
		},
		{
			name:  "bad name",
			yaml:  "providers:\n  - name: \"../etc\"\n    domain: https://x.test\n",
			field: "name",
		},
		{
			name:  "negative quota unit",
			yaml:  "providers:\n  - name: x\n    domain: https://x.test\n    quota_unit: -5\n",
			field: "quota_unit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(Options{File: writeProvidersFile(t, tt.yaml)})
			if err == nil {
				t.Fatal("expected load error")
			}
			if !errors.Is(err, ErrInvalidProvider) {
				t.Fatalf("expected ErrInvalidProvider, got %v", err)
			}
			if tt.field == "" {
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if verr.Field != tt.field {
				t.Fatalf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	_, err := Load(Options{
		File: writeProvidersFile(t, "providers: []\n"),
		JSON: `{"x": {"domain": "https://x.test", "unknown": true}}`,
	})
	if !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider, got %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(Options{File: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatal("expected error for missing explicit providers file")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c, err := New(defaultEntries()...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p, _ := c.Get("anyrouter")
	p.BypassCookieNames[0] = "mutated"

	again, _ := c.Get("anyrouter")
	if again.BypassCookieNames[0] == "mutated" {
		t.Fatal("Get() must not expose internal slices")
	}
}
