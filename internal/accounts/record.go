// Package accounts defines the account record the check-in pipeline operates on.
package accounts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pysugar/checkin-nexus/internal/session"
)

// AuthMode selects how an account obtains session artifacts.
type AuthMode string

const (
	// AuthPassword accounts log in through the browser and may re-acquire.
	AuthPassword AuthMode = "password"
	// AuthCookie accounts use owner-supplied artifacts and are never re-acquired.
	AuthCookie AuthMode = "cookie"
)

// ParseAuthMode accepts the persisted names of both modes.
func ParseAuthMode(s string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(s))) {
	case AuthPassword:
		return AuthPassword, nil
	case AuthCookie, "cookies":
		return AuthCookie, nil
	}
	return "", fmt.Errorf("unknown auth mode %q", s)
}

// Record is a decrypted account. SecretErr is set when the stored secrets
// could not be opened; such a record must fail its run without touching the
// provider.
type Record struct {
	ID            string
	DisplayName   string
	Provider      string
	AuthMode      AuthMode
	Enabled       bool
	LoginUsername string
	Password      string
	Artifacts     *session.Artifacts
	NotifyEmail   string
	SecretErr     error
}

var ErrInvalidRecord = errors.New("invalid account record")

// Validate enforces the per-mode credential requirements.
func (r Record) Validate() error {
	if strings.TrimSpace(r.DisplayName) == "" {
		return fmt.Errorf("%w: display name is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidRecord)
	}
	switch r.AuthMode {
	case AuthPassword:
		if strings.TrimSpace(r.LoginUsername) == "" || r.Password == "" {
			return fmt.Errorf("%w: password mode requires username and password", ErrInvalidRecord)
		}
	case AuthCookie:
		if r.Password != "" {
			return fmt.Errorf("%w: cookie mode must not carry a password", ErrInvalidRecord)
		}
		if r.Artifacts == nil {
			return fmt.Errorf("%w: cookie mode requires session artifacts", ErrInvalidRecord)
		}
		if err := r.Artifacts.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalidRecord, r.AuthMode)
	}
	return nil
}

// HasArtifacts reports whether cached artifacts can be used without a login.
func (r Record) HasArtifacts() bool {
	return r.Artifacts != nil && r.Artifacts.Validate() == nil
}

// Label is the name used in logs and notifications.
func (r Record) Label() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ID
}
