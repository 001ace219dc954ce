package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pysugar/checkin-nexus/internal/providers/catalog"
	"github.com/pysugar/checkin-nexus/internal/session"
	"github.com/pysugar/checkin-nexus/internal/util"
)

const (
	usernameSelector = "input#username"
	passwordSelector = "input#password"
)

var (
	announcementTexts     = []string{"关闭公告", "今日关闭"}
	announcementSelectors = []string{".semi-modal-close"}

	submitTexts     = []string{"继续", "Continue", "登录", "Login", "Sign in"}
	submitSelectors = []string{`button[type="submit"]`}

	loginErrorPatterns  = []string{"用户名或密码错误", "登录失败", "账号不存在", "Invalid username or password", "user not found"}
	loginErrorSelectors = []string{".error", ".alert-danger", ".semi-toast-content"}

	identityStorageKeys = []string{"userId", "user_id", "user"}
)

// Timeouts bounds every wait in the login flow.
type Timeouts struct {
	Navigation     time.Duration
	Settle         time.Duration
	Login          time.Duration
	ErrorScanDelay time.Duration
	Header         time.Duration
	Total          time.Duration
	Poll           time.Duration
}

// DefaultTimeouts returns the production login timings.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Navigation:     30 * time.Second,
		Settle:         2 * time.Second,
		Login:          10 * time.Second,
		ErrorScanDelay: 3 * time.Second,
		Header:         10 * time.Second,
		Total:          2 * time.Minute,
		Poll:           250 * time.Millisecond,
	}
}

// Acquirer logs into a provider and extracts session artifacts.
type Acquirer struct {
	launcher Launcher
	timeouts Timeouts
	logger   *log.Logger
}

// NewAcquirer creates an acquirer. Zero timeouts fall back to defaults.
func NewAcquirer(launcher Launcher, timeouts Timeouts, logger *log.Logger) *Acquirer {
	def := DefaultTimeouts()
	fill := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	fill(&timeouts.Navigation, def.Navigation)
	fill(&timeouts.Settle, def.Settle)
	fill(&timeouts.Login, def.Login)
	fill(&timeouts.ErrorScanDelay, def.ErrorScanDelay)
	fill(&timeouts.Header, def.Header)
	fill(&timeouts.Total, def.Total)
	fill(&timeouts.Poll, def.Poll)
	return &Acquirer{launcher: launcher, timeouts: timeouts, logger: logger}
}

// Acquire runs one login. Terminal failures are *AcquisitionError; any other
// error is a system failure. The browser context is closed on every path.
func (a *Acquirer) Acquire(ctx context.Context, profile catalog.Profile, username, password string) (session.Artifacts, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeouts.Total)
	defer cancel()

	lg := a.logger.With("provider", profile.Name, "user", username)
	lg.Info("🔐 Logging in", "url", profile.URL(profile.LoginPath))

	page, err := a.launcher.Launch(ctx)
	if err != nil {
		return session.Artifacts{}, classify("launching browser", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			lg.Warn("⚠️ Closing browser failed", "error", cerr)
		}
	}()

	if err := a.submitLogin(ctx, page, profile, username, password); err != nil {
		return session.Artifacts{}, err
	}

	reached, err := a.waitForPanel(ctx, page, profile)
	if err != nil {
		return session.Artifacts{}, classify("waiting for login redirect", err)
	}
	if !reached {
		if err := sleep(ctx, a.timeouts.ErrorScanDelay); err != nil {
			return session.Artifacts{}, classify("waiting for login error", err)
		}
		text, found, err := a.scanLoginError(ctx, page)
		if err != nil {
			return session.Artifacts{}, classify("scanning login error", err)
		}
		if found {
			lg.Warn("❌ Login rejected", "message", text)
			return session.Artifacts{}, &AcquisitionError{Reason: ReasonInvalidCredentials, Detail: text}
		}
		lg.Warn("⚠️ Login redirect not observed, checking cookies anyway")
	}

	cookies, err := a.collectCookies(ctx, page, profile)
	if err != nil {
		return session.Artifacts{}, err
	}

	token, err := a.identityToken(ctx, page, profile)
	if err != nil {
		return session.Artifacts{}, err
	}

	artifacts := session.Artifacts{Cookies: cookies, IdentityToken: token}
	lg.Info("✅ Acquired session", "cookies", util.MaskMap(cookies), "identity", util.Mask(token))
	return artifacts, nil
}

func (a *Acquirer) submitLogin(ctx context.Context, page Page, profile catalog.Profile, username, password string) error {
	if err := a.step(ctx, a.timeouts.Navigation, func(c context.Context) error {
		return page.Navigate(c, profile.URL(profile.LoginPath))
	}); err != nil {
		return classify("opening login page", err)
	}
	if err := sleep(ctx, a.timeouts.Settle); err != nil {
		return classify("waiting for login page", err)
	}

	// The announcement modal covers the form on first visit.
	if err := a.step(ctx, a.timeouts.Navigation, func(c context.Context) error {
		closed, err := page.ClickButton(c, announcementTexts, announcementSelectors)
		if closed {
			a.logger.Debug("Closed announcement dialog", "provider", profile.Name)
		}
		return err
	}); err != nil && ctx.Err() != nil {
		return classify("closing announcement", ctx.Err())
	}

	if err := a.step(ctx, a.timeouts.Navigation, func(c context.Context) error {
		if err := page.Fill(c, usernameSelector, username); err != nil {
			return fmt.Errorf("filling username: %w", err)
		}
		if err := page.Fill(c, passwordSelector, password); err != nil {
			return fmt.Errorf("filling password: %w", err)
		}
		clicked, err := page.ClickButton(c, submitTexts, submitSelectors)
		if err != nil {
			return fmt.Errorf("clicking submit: %w", err)
		}
		if !clicked {
			return errors.New("submit button not found")
		}
		return nil
	}); err != nil {
		return classify("submitting login form", err)
	}
	return nil
}

// waitForPanel polls the page location until it enters the panel. A false
// result with nil error means the login wait elapsed.
func (a *Acquirer) waitForPanel(ctx context.Context, page Page, profile catalog.Profile) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.timeouts.Login)
	defer cancel()

	ticker := time.NewTicker(a.timeouts.Poll)
	defer ticker.Stop()
	for {
		if loc, err := page.Location(waitCtx); err == nil && strings.Contains(loc, profile.PanelPath) {
			return true, nil
		}
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return false, err
			}
			return false, nil
		case <-ticker.C:
		}
	}
}

func (a *Acquirer) scanLoginError(ctx context.Context, page Page) (string, bool, error) {
	var (
		text  string
		found bool
	)
	err := a.step(ctx, a.timeouts.Navigation, func(c context.Context) error {
		var err error
		text, found, err = page.FindText(c, loginErrorPatterns, loginErrorSelectors)
		return err
	})
	return strings.TrimSpace(text), found, err
}

func (a *Acquirer) collectCookies(ctx context.Context, page Page, profile catalog.Profile) (map[string]string, error) {
	var all map[string]string
	if err := a.step(ctx, a.timeouts.Navigation, func(c context.Context) error {
		var err error
		all, err = page.Cookies(c, profile.Domain)
		return err
	}); err != nil {
		return nil, classify("reading cookies", err)
	}

	sessionValue := all[session.CookieName]
	if sessionValue == "" {
		return nil, &AcquisitionError{Reason: ReasonNoSessionCookie, Detail: fmt.Sprintf("%d cookies present", len(all))}
	}

	cookies := map[string]string{session.CookieName: sessionValue}
	if profile.RequiresBypassCookies {
		for _, name := range profile.BypassCookieNames {
			if v := all[name]; v != "" {
				cookies[name] = v
			} else {
				a.logger.Debug("Bypass cookie absent", "provider", profile.Name, "cookie", name)
			}
		}
	}
	return cookies, nil
}

// identityToken watches API requests made by the profile page for the
// identity header, falling back to values the SPA keeps in localStorage.
func (a *Acquirer) identityToken(ctx context.Context, page Page, profile catalog.Profile) (string, error) {
	apiPrefix := profile.Domain + "/api/"
	values, stop := page.WatchRequestHeader(func(url string) bool {
		return strings.HasPrefix(url, apiPrefix)
	}, profile.IdentityHeader)

	navErr := a.step(ctx, a.timeouts.Navigation, func(c context.Context) error {
		return page.Navigate(c, profile.URL(profile.ProfilePath))
	})
	if navErr != nil {
		if ctx.Err() != nil {
			stop()
			return "", classify("opening profile page", ctx.Err())
		}
		a.logger.Debug("Profile navigation failed", "provider", profile.Name, "error", navErr)
	}

	token, err := awaitValue(ctx, values, a.timeouts.Header)
	stop()
	if err != nil {
		return "", classify("waiting for identity header", err)
	}
	if token != "" {
		return token, nil
	}

	for _, key := range identityStorageKeys {
		var raw string
		err := a.step(ctx, a.timeouts.Navigation, func(c context.Context) error {
			var err error
			raw, err = page.LocalStorageItem(c, key)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", classify("reading localStorage", ctx.Err())
			}
			continue
		}
		if id := parseStoredUserID(raw); id != "" {
			a.logger.Debug("Identity token read from localStorage", "provider", profile.Name, "key", key)
			return id, nil
		}
	}
	return "", &AcquisitionError{Reason: ReasonNoIdentityToken, Detail: "header " + profile.IdentityHeader + " not observed"}
}

func (a *Acquirer) step(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(stepCtx)
}

// awaitValue returns the first non-empty value or "" once d elapses. It only
// fails when ctx itself ends.
func awaitValue(ctx context.Context, values <-chan string, d time.Duration) (string, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case v, ok := <-values:
			if !ok {
				return "", nil
			}
			if v = strings.TrimSpace(v); v != "" {
				return v, nil
			}
		case <-timer.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func parseStoredUserID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" || raw == "undefined" {
		return ""
	}
	if !strings.HasPrefix(raw, "{") {
		return strings.Trim(raw, `"`)
	}
	var user map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return ""
	}
	switch id := user["id"].(type) {
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case string:
		return id
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
