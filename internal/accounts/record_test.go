package accounts

import (
	"errors"
	"testing"

	"github.com/pysugar/checkin-nexus/internal/session"
)

func validArtifacts() *session.Artifacts {
	return &session.Artifacts{Cookies: map[string]string{"session": "s"}, IdentityToken: "1001"}
}

func TestRecordValidate(t *testing.T) {
	tests := []struct {
		name    string
		rec     Record
		wantErr bool
	}{
		{"password ok", Record{DisplayName: "a", Provider: "anyrouter", AuthMode: AuthPassword, LoginUsername: "u", Password: "p"}, false},
		{"password missing", Record{DisplayName: "a", Provider: "anyrouter", AuthMode: AuthPassword, LoginUsername: "u"}, true},
		{"cookie ok", Record{DisplayName: "a", Provider: "anyrouter", AuthMode: AuthCookie, Artifacts: validArtifacts()}, false},
		{"cookie with password", Record{DisplayName: "a", Provider: "anyrouter", AuthMode: AuthCookie, Password: "p", Artifacts: validArtifacts()}, true},
		{"cookie without artifacts", Record{DisplayName: "a", Provider: "anyrouter", AuthMode: AuthCookie}, true},
		{"cookie without token", Record{DisplayName: "a", Provider: "anyrouter", AuthMode: AuthCookie, Artifacts: &session.Artifacts{Cookies: map[string]string{"session": "s"}}}, true},
		{"no provider", Record{DisplayName: "a", AuthMode: AuthPassword, LoginUsername: "u", Password: "p"}, true},
		{"unknown mode", Record{DisplayName: "a", Provider: "anyrouter", AuthMode: "oauth"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRecord) {
				t.Fatalf("expected ErrInvalidRecord, got %v", err)
			}
		})
	}
}

func TestParseAuthMode(t *testing.T) {
	if m, err := ParseAuthMode("Cookies"); err != nil || m != AuthCookie {
		t.Fatalf("ParseAuthMode(Cookies) = %q, %v", m, err)
	}
	if _, err := ParseAuthMode("token"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
