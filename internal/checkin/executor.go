// Package checkin performs the check-in protocol exchange against a provider
// using previously acquired session artifacts.
package checkin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pysugar/checkin-nexus/internal/providers/catalog"
	"github.com/pysugar/checkin-nexus/internal/session"
	"github.com/pysugar/checkin-nexus/internal/util"
)

// DefaultUserAgent matches the desktop Chrome build the login browser reports.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36"

const maxBodyBytes = 1 << 20

// FailureReason classifies a failed execution.
type FailureReason string

const (
	ReasonNone FailureReason = ""
	// ReasonStaleSession means the artifacts were rejected; a fresh login may help.
	ReasonStaleSession FailureReason = "stale_session"
	// ReasonProviderError means the provider answered with a failure unrelated to the session.
	ReasonProviderError FailureReason = "provider_error"
	// ReasonParseError means the provider answered with an unusable payload.
	ReasonParseError FailureReason = "parse_error"
)

// sessionInvalidMarkers are fragments of provider messages that mean the
// session or identity header was rejected.
var sessionInvalidMarkers = []string{
	"未登录",
	"not logged in",
	"access token",
	"new-api-user",
	"unauthorized",
	"invalid session",
	"session expired",
	"登录已过期",
}

// Outcome is the result of one execution. Quota and UsedQuota are set only
// when the user-info query succeeded.
type Outcome struct {
	Succeeded        bool          `json:"succeeded"`
	Quota            *float64      `json:"quota,omitempty"`
	UsedQuota        *float64      `json:"used_quota,omitempty"`
	Message          string        `json:"message"`
	Reason           FailureReason `json:"reason,omitempty"`
	CheckinAttempted bool          `json:"checkin_attempted"`
	CheckinMessage   string        `json:"checkin_message,omitempty"`
}

// Stale reports whether the outcome asks for a fresh acquisition.
func (o Outcome) Stale() bool {
	return o.Reason == ReasonStaleSession
}

// Executor runs the check-in exchange over HTTP.
type Executor struct {
	httpClient *http.Client
	userAgent  string
	logger     *log.Logger
}

// NewExecutor creates an executor with its own HTTP client.
func NewExecutor(timeout time.Duration, userAgent string, logger *log.Logger) *Executor {
	return NewExecutorWithClient(&http.Client{Timeout: timeout}, userAgent, logger)
}

// NewExecutorWithClient creates an executor around client. Redirects are not
// followed: a provider redirecting an API call to its login page is treated
// as a rejected session.
func NewExecutorWithClient(client *http.Client, userAgent string, logger *log.Logger) *Executor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	c := *client
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	if strings.TrimSpace(userAgent) == "" {
		userAgent = DefaultUserAgent
	}
	return &Executor{httpClient: &c, userAgent: userAgent, logger: logger}
}

// Execute performs the explicit check-in call when the profile has one, then
// queries the account balance. Success is decided by the balance query alone.
func (e *Executor) Execute(ctx context.Context, profile catalog.Profile, artifacts session.Artifacts) Outcome {
	if err := artifacts.Validate(); err != nil {
		return Outcome{Reason: ReasonStaleSession, Message: "session artifacts unusable: " + err.Error()}
	}

	var out Outcome
	if profile.HasExplicitCheckin() {
		out.CheckinAttempted = true
		note, rejected := e.checkin(ctx, profile, artifacts)
		if rejected && e.logger != nil {
			e.logger.Debug("check-in call rejected, querying user info anyway", "provider", profile.Name, "note", note)
		}
		out.CheckinMessage = note
	}

	quota, used, reason, msg := e.userInfo(ctx, profile, artifacts)
	if reason != ReasonNone {
		out.Reason = reason
		out.Message = joinNote(msg, out.CheckinMessage)
		return out
	}

	out.Succeeded = true
	out.Quota = &quota
	out.UsedQuota = &used
	out.Message = joinNote(fmt.Sprintf("balance $%.2f, used $%.2f", quota, used), out.CheckinMessage)
	return out
}

// checkin returns a human-readable note and whether the call looked like a
// rejected session. Either way it is only noted; the balance query decides
// the outcome.
func (e *Executor) checkin(ctx context.Context, profile catalog.Profile, artifacts session.Artifacts) (string, bool) {
	req, err := e.newRequest(ctx, http.MethodPost, profile, profile.CheckinPath, artifacts)
	if err != nil {
		return "check-in request: " + err.Error(), false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	status, header, body, err := e.do(req)
	if err != nil {
		return "check-in failed: " + err.Error(), false
	}
	if rejected, why := sessionRejected(profile, status, header, body); rejected {
		return "check-in rejected: " + why, true
	}
	if status < 200 || status >= 300 {
		return fmt.Sprintf("check-in failed: HTTP %d", status), false
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		if strings.Contains(strings.ToLower(string(body)), "success") {
			return "check-in ok", false
		}
		return "check-in returned non-JSON body: " + util.TruncateLog(string(body), 120), false
	}

	msg := firstString(payload, "message", "msg")
	if isSuccessPayload(payload) {
		if msg == "" {
			return "check-in ok", false
		}
		return "check-in ok: " + msg, false
	}
	if looksSessionInvalid(msg) {
		return "check-in rejected: " + msg, true
	}
	if msg == "" {
		msg = "unknown error"
	}
	return "check-in failed: " + msg, false
}

type userInfoResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    *struct {
		Quota     *float64 `json:"quota"`
		UsedQuota *float64 `json:"used_quota"`
	} `json:"data"`
}

func (e *Executor) userInfo(ctx context.Context, profile catalog.Profile, artifacts session.Artifacts) (float64, float64, FailureReason, string) {
	req, err := e.newRequest(ctx, http.MethodGet, profile, profile.UserInfoPath, artifacts)
	if err != nil {
		return 0, 0, ReasonProviderError, "user info request: " + err.Error()
	}

	status, header, body, err := e.do(req)
	if err != nil {
		return 0, 0, ReasonProviderError, "user info failed: " + err.Error()
	}
	if rejected, why := sessionRejected(profile, status, header, body); rejected {
		return 0, 0, ReasonStaleSession, why
	}
	if status < 200 || status >= 300 {
		return 0, 0, ReasonProviderError, fmt.Sprintf("user info failed: HTTP %d: %s", status, util.TruncateLog(string(body), 200))
	}

	var resp userInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, 0, ReasonParseError, fmt.Sprintf("user info payload: %v: %s", err, util.TruncateLog(string(body), 120))
	}
	if !resp.Success {
		if looksSessionInvalid(resp.Message) {
			return 0, 0, ReasonStaleSession, "user info rejected: " + resp.Message
		}
		msg := resp.Message
		if msg == "" {
			msg = "success=false"
		}
		return 0, 0, ReasonProviderError, "user info failed: " + msg
	}
	if resp.Data == nil || resp.Data.Quota == nil || resp.Data.UsedQuota == nil {
		return 0, 0, ReasonParseError, "user info payload missing data.quota or data.used_quota"
	}

	return toDollars(*resp.Data.Quota, profile.QuotaUnit), toDollars(*resp.Data.UsedQuota, profile.QuotaUnit), ReasonNone, ""
}

func (e *Executor) newRequest(ctx context.Context, method string, profile catalog.Profile, path string, artifacts session.Artifacts) (*http.Request, error) {
	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, profile.URL(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Referer", profile.URL(profile.PanelPath))
	req.Header.Set("Origin", profile.Domain)
	req.Header.Set("Cache-Control", "no-store")
	req.Header.Set("Cookie", artifacts.CookieHeader())
	req.Header.Set(profile.IdentityHeader, artifacts.IdentityToken)
	return req, nil
}

func (e *Executor) do(req *http.Request) (int, http.Header, []byte, error) {
	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("reading response: %w", err)
	}
	if e.logger != nil {
		e.logger.Debug("provider call", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode,
			"duration", time.Since(start).Round(time.Millisecond), "body", util.TruncateBytes(body))
	}
	return resp.StatusCode, resp.Header, body, nil
}

// sessionRejected detects transport-level signs that the artifacts are no
// longer accepted.
func sessionRejected(profile catalog.Profile, status int, header http.Header, body []byte) (bool, string) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return true, fmt.Sprintf("HTTP %d", status)
	case status >= 300 && status < 400:
		loc := header.Get("Location")
		if loc == "" || strings.Contains(loc, profile.LoginPath) {
			return true, fmt.Sprintf("HTTP %d redirect to %q", status, loc)
		}
	case profile.RequiresBypassCookies && isChallengePage(header, body):
		return true, "WAF challenge page returned, bypass cookies expired"
	}
	return false, ""
}

func isChallengePage(header http.Header, body []byte) bool {
	if !strings.Contains(strings.ToLower(header.Get("Content-Type")), "text/html") &&
		!bytes.HasPrefix(bytes.TrimSpace(body), []byte("<")) {
		return false
	}
	lower := bytes.ToLower(body)
	return bytes.Contains(lower, []byte("acw_sc__v2")) || bytes.Contains(lower, []byte("arg1="))
}

func isSuccessPayload(m map[string]interface{}) bool {
	if v, ok := m["ret"].(float64); ok && v == 1 {
		return true
	}
	if v, ok := m["code"].(float64); ok && v == 0 {
		return true
	}
	if v, ok := m["success"].(bool); ok && v {
		return true
	}
	return false
}

func looksSessionInvalid(msg string) bool {
	msg = strings.ToLower(msg)
	if msg == "" {
		return false
	}
	for _, marker := range sessionInvalidMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func toDollars(raw, unit float64) float64 {
	if unit <= 0 {
		unit = catalog.DefaultQuotaUnit
	}
	return math.Round(raw/unit*100) / 100
}

func joinNote(msg, note string) string {
	switch {
	case note == "":
		return msg
	case msg == "":
		return note
	}
	return msg + " (" + note + ")"
}
