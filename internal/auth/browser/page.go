// Package browser acquires provider session artifacts by driving a real
// browser through the provider's login form.
package browser

import (
	"context"
	"errors"
	"fmt"
)

// Launcher starts a disposable browser context.
type Launcher interface {
	Launch(ctx context.Context) (Page, error)
}

// Page is the subset of browser automation the login flow needs. Every
// method that waits is bounded by the deadline of its ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// ClickButton clicks the first element matching one of selectors, or the
	// first button whose text contains one of texts. It reports whether
	// anything was clicked.
	ClickButton(ctx context.Context, texts, selectors []string) (bool, error)
	Fill(ctx context.Context, selector, value string) error
	Location(ctx context.Context) (string, error)
	// FindText returns the first page text matching patterns, or the text of
	// the first visible element matching selectors.
	FindText(ctx context.Context, patterns, selectors []string) (string, bool, error)
	Cookies(ctx context.Context, urls ...string) (map[string]string, error)
	// WatchRequestHeader delivers values of header on outgoing requests whose
	// URL satisfies match until stop is called.
	WatchRequestHeader(match func(url string) bool, header string) (values <-chan string, stop func())
	LocalStorageItem(ctx context.Context, key string) (string, error)
	// Close releases the browser context and its on-disk profile.
	Close() error
}

// Reason classifies an acquisition failure.
type Reason string

const (
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonNoSessionCookie    Reason = "no_session_cookie"
	ReasonNoIdentityToken    Reason = "no_identity_token"
	ReasonAutomationTimeout  Reason = "automation_timeout"
)

// AcquisitionError is a terminal acquisition failure for the current run.
type AcquisitionError struct {
	Reason Reason
	Detail string
	Err    error
}

func (e *AcquisitionError) Error() string {
	msg := string(e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// ReasonOf extracts the acquisition reason from err, if any.
func ReasonOf(err error) (Reason, bool) {
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr.Reason, true
	}
	return "", false
}

// classify turns a step error into a timeout failure or a wrapped system error.
func classify(step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &AcquisitionError{Reason: ReasonAutomationTimeout, Detail: step, Err: err}
	}
	return fmt.Errorf("%s: %w", step, err)
}
