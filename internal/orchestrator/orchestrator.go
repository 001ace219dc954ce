// Package orchestrator drives one account through acquisition and check-in.
//
// A run is an explicit loop over State values. The only backwards edge is
// NeedsReacquire -> Acquiring, taken at most maxReacquires times per run.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pysugar/checkin-nexus/internal/accounts"
	"github.com/pysugar/checkin-nexus/internal/auth/browser"
	"github.com/pysugar/checkin-nexus/internal/checkin"
	"github.com/pysugar/checkin-nexus/internal/logging"
	"github.com/pysugar/checkin-nexus/internal/providers/catalog"
	"github.com/pysugar/checkin-nexus/internal/session"
	"github.com/pysugar/checkin-nexus/internal/util"
)

type State string

const (
	StateIdle                 State = "idle"
	StateUsingCachedArtifacts State = "using_cached_artifacts"
	StateAcquiring            State = "acquiring"
	StateExecuting            State = "executing"
	StateNeedsReacquire       State = "needs_reacquire"
	StateSuccess              State = "success"
	StateTerminalFailure      State = "terminal_failure"
)

const maxReacquires = 1

// ReasonSystemFailure is reported for anything outside the acquisition and
// check-in taxonomies: store errors, unknown providers, recovered panics.
const ReasonSystemFailure = "system_failure"

// Store is the slice of the account store a run needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (accounts.Record, error)
	ReplaceArtifacts(ctx context.Context, id string, a session.Artifacts) error
	AppendCheckinLog(ctx context.Context, accountID string, succeeded bool, reason, message string) error
	AppendBalanceRecord(ctx context.Context, accountID string, quota, usedQuota float64) error
}

type Providers interface {
	Get(name string) (catalog.Profile, bool)
}

type Acquirer interface {
	Acquire(ctx context.Context, profile catalog.Profile, username, password string) (session.Artifacts, error)
}

type Executor interface {
	Execute(ctx context.Context, profile catalog.Profile, artifacts session.Artifacts) checkin.Outcome
}

// Result is the resolved outcome of one account run.
type Result struct {
	AccountID    string          `json:"account_id"`
	DisplayName  string          `json:"display_name"`
	Succeeded    bool            `json:"succeeded"`
	Reason       string          `json:"reason,omitempty"`
	Message      string          `json:"message"`
	Outcome      checkin.Outcome `json:"outcome"`
	Acquisitions int             `json:"acquisitions"`
	Executions   int             `json:"executions"`
	States       []State         `json:"states"`
	Duration     time.Duration   `json:"duration"`
}

// Orchestrator runs accounts one at a time. It holds no per-account state
// and may be shared by concurrent runs of different accounts.
type Orchestrator struct {
	store     Store
	providers Providers
	acquirer  Acquirer
	executor  Executor
	logger    *log.Logger
}

func New(store Store, providers Providers, acquirer Acquirer, executor Executor, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		providers: providers,
		acquirer:  acquirer,
		executor:  executor,
		logger:    logger,
	}
}

// RunAccount loads the account by ID and runs it. A lookup failure is
// returned as an error and nothing is logged against the account.
func (o *Orchestrator) RunAccount(ctx context.Context, id string) (Result, error) {
	rec, err := o.store.GetAccount(ctx, id)
	if err != nil && rec.SecretErr == nil {
		return Result{AccountID: id}, err
	}
	return o.Run(ctx, rec), nil
}

// Run executes one account to a terminal state and writes exactly one
// check-in log entry for it.
func (o *Orchestrator) Run(ctx context.Context, rec accounts.Record) (res Result) {
	start := time.Now()
	lg := logging.ForRun(ctx, o.logger).With("account", rec.Label(), "provider", rec.Provider)

	r := &run{
		o:   o,
		rec: rec,
		lg:  lg,
		res: Result{AccountID: rec.ID, DisplayName: rec.Label()},
	}

	defer func() {
		if p := recover(); p != nil {
			lg.Error("💥 Account run panicked", "panic", p, "stack", string(debug.Stack()))
			r.fail(ReasonSystemFailure, fmt.Sprintf("panic: %v", p))
		}
		r.res.Duration = time.Since(start)
		r.record(ctx)
		res = r.res
	}()

	r.drive(ctx)
	return r.res
}

// run carries the mutable state of a single account run. Secrets live here
// only for the duration of Run.
type run struct {
	o   *Orchestrator
	rec accounts.Record
	lg  *log.Logger
	res Result

	profile    catalog.Profile
	artifacts  *session.Artifacts
	reacquires int
}

func (r *run) enter(s State) {
	r.res.States = append(r.res.States, s)
}

func (r *run) fail(reason, message string) {
	r.enter(StateTerminalFailure)
	r.res.Succeeded = false
	r.res.Reason = reason
	r.res.Message = message
}

func (r *run) drive(ctx context.Context) {
	r.enter(StateIdle)

	if r.rec.SecretErr != nil {
		r.fail(ReasonSystemFailure, "account secrets unreadable: "+r.rec.SecretErr.Error())
		return
	}
	profile, ok := r.o.providers.Get(r.rec.Provider)
	if !ok {
		r.fail(ReasonSystemFailure, fmt.Sprintf("unknown provider %q", r.rec.Provider))
		return
	}
	r.profile = profile

	var state State
	switch {
	case r.rec.AuthMode == accounts.AuthCookie:
		state = StateUsingCachedArtifacts
	case r.rec.AuthMode == accounts.AuthPassword && r.rec.HasArtifacts():
		state = StateUsingCachedArtifacts
	case r.rec.AuthMode == accounts.AuthPassword:
		state = StateAcquiring
	default:
		r.fail(ReasonSystemFailure, fmt.Sprintf("unknown auth mode %q", r.rec.AuthMode))
		return
	}

	for {
		r.enter(state)
		switch state {
		case StateUsingCachedArtifacts:
			if r.rec.Artifacts != nil {
				a := r.rec.Artifacts.Clone()
				r.artifacts = &a
			}
			state = StateExecuting

		case StateAcquiring:
			state = r.acquire(ctx)

		case StateExecuting:
			state = r.execute(ctx)

		case StateNeedsReacquire:
			r.reacquires++
			r.artifacts = nil
			state = StateAcquiring

		case StateSuccess, StateTerminalFailure:
			return

		default:
			r.fail(ReasonSystemFailure, fmt.Sprintf("unexpected state %q", state))
			return
		}
	}
}

func (r *run) acquire(ctx context.Context) State {
	r.res.Acquisitions++
	a, err := r.o.acquirer.Acquire(ctx, r.profile, r.rec.LoginUsername, r.rec.Password)
	if err != nil {
		reason := ReasonSystemFailure
		if acqReason, ok := browser.ReasonOf(err); ok {
			reason = string(acqReason)
		}
		r.lg.Warn("❌ Credential acquisition failed", "reason", reason, "error", err)
		r.setFailure(reason, "login failed: "+err.Error())
		return StateTerminalFailure
	}
	if err := a.Validate(); err != nil {
		r.setFailure(ReasonSystemFailure, "acquirer returned incomplete artifacts: "+err.Error())
		return StateTerminalFailure
	}

	r.artifacts = &a
	if err := r.o.store.ReplaceArtifacts(ctx, r.rec.ID, a); err != nil {
		r.lg.Error("❌ Failed to persist session artifacts", "error", err)
	} else {
		r.lg.Info("💾 Stored fresh session artifacts", "identity", util.Mask(a.IdentityToken))
	}
	return StateExecuting
}

func (r *run) execute(ctx context.Context) State {
	if r.artifacts == nil {
		r.setFailure(string(checkin.ReasonStaleSession), "no session artifacts available")
		return StateTerminalFailure
	}

	r.res.Executions++
	out := r.o.executor.Execute(ctx, r.profile, *r.artifacts)
	r.res.Outcome = out

	if out.Succeeded {
		r.res.Succeeded = true
		r.res.Reason = ""
		r.res.Message = out.Message
		return StateSuccess
	}

	if out.Stale() && r.rec.AuthMode == accounts.AuthPassword && r.reacquires < maxReacquires {
		r.lg.Info("🔄 Session rejected, logging in again", "message", out.Message)
		return StateNeedsReacquire
	}

	r.setFailure(string(out.Reason), out.Message)
	return StateTerminalFailure
}

// setFailure records the failure details; the state transition is left to
// the caller.
func (r *run) setFailure(reason, message string) {
	if reason == "" {
		reason = ReasonSystemFailure
	}
	r.res.Succeeded = false
	r.res.Reason = reason
	r.res.Message = message
}

// record writes the balance (on success) and the single log entry for the run.
func (r *run) record(ctx context.Context) {
	// The run's own ctx may already be cancelled; the log entry must still land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if r.res.Succeeded && r.res.Outcome.Quota != nil && r.res.Outcome.UsedQuota != nil {
		if err := r.o.store.AppendBalanceRecord(writeCtx, r.rec.ID, *r.res.Outcome.Quota, *r.res.Outcome.UsedQuota); err != nil {
			r.lg.Error("❌ Failed to append balance record", "error", err)
		}
	}
	if err := r.o.store.AppendCheckinLog(writeCtx, r.rec.ID, r.res.Succeeded, r.res.Reason, r.res.Message); err != nil {
		r.lg.Error("❌ Failed to append check-in log", "error", err)
	}

	if r.res.Succeeded {
		r.lg.Info("✅ Check-in succeeded", "message", r.res.Message, "executions", r.res.Executions, "acquisitions", r.res.Acquisitions)
	} else {
		r.lg.Warn("❌ Check-in failed", "reason", r.res.Reason, "message", r.res.Message)
	}
}
