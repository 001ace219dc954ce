// Package scheduler runs check-in cycles over all enabled accounts, on a
// cron cadence or on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pysugar/checkin-nexus/internal/accounts"
	"github.com/pysugar/checkin-nexus/internal/logging"
	"github.com/pysugar/checkin-nexus/internal/notify"
	"github.com/pysugar/checkin-nexus/internal/orchestrator"
)

// ErrCycleInProgress is returned when a cycle is requested while one runs.
var ErrCycleInProgress = errors.New("check-in cycle already in progress")

const DefaultTitle = "Checkin Nexus 自动签到提醒"

// AccountMailer mails a failure notice to an account's own address.
// *notify.Email satisfies it.
type AccountMailer interface {
	DeliverTo(ctx context.Context, to, title, body string) error
}

type AccountLister interface {
	ListEnabledAccounts(ctx context.Context) ([]accounts.Record, error)
}

// Runner runs one account to completion. *orchestrator.Orchestrator
// satisfies it.
type Runner interface {
	Run(ctx context.Context, rec accounts.Record) orchestrator.Result
	RunAccount(ctx context.Context, id string) (orchestrator.Result, error)
}

type Options struct {
	// Schedule is a standard 5-field cron expression.
	Schedule string
	// Workers bounds concurrent account runs. Values below 2 run sequentially.
	Workers int
	// AccountInterval spaces account starts.
	AccountInterval time.Duration
	Title           string
	// Mailer, when set, also mails each failed account's NotifyEmail.
	Mailer AccountMailer
}

type Scheduler struct {
	store    AccountLister
	runner   Runner
	notifier notify.Notifier
	opts     Options
	logger   *log.Logger

	cycleMu  sync.Mutex
	running  atomic.Bool
	inflight atomic.Int64
	cron     *cron.Cron
	now      func() time.Time
}

func New(store AccountLister, runner Runner, notifier notify.Notifier, opts Options, logger *log.Logger) *Scheduler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Title == "" {
		opts.Title = DefaultTitle
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// RunCycle processes the accounts enabled at cycle start. Per-account
// failures never abort the cycle; the returned error covers only the cycle
// itself (overlap, listing failure). One notification is sent iff any
// account failed.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleReport, error) {
	if !s.cycleMu.TryLock() {
		return CycleReport{}, ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()
	s.running.Store(true)
	defer s.running.Store(false)
	s.inflight.Add(1)
	defer s.inflight.Add(-1)

	runID := logging.GenerateRunID()
	ctx = logging.WithRunID(ctx, runID)
	lg := logging.ForRun(ctx, s.logger)

	report := CycleReport{RunID: runID, StartedAt: s.now()}

	recs, err := s.store.ListEnabledAccounts(ctx)
	if err != nil {
		return report, fmt.Errorf("loading enabled accounts: %w", err)
	}
	if len(recs) == 0 {
		lg.Info("⏭️ No enabled accounts, skipping cycle")
		report.FinishedAt = s.now()
		return report, nil
	}

	lg.Info("🚀 Starting check-in cycle", "accounts", len(recs), "workers", s.opts.Workers)

	results := make([]orchestrator.Result, len(recs))
	recipients := make([]string, len(recs))
	pace := s.limiter()

	process := func(i int) {
		rec := recs[i]
		recipients[i] = rec.NotifyEmail
		// Secrets are released once the account is done.
		defer func() { recs[i] = accounts.Record{} }()

		if ctx.Err() == nil && pace != nil {
			_ = pace.Wait(ctx)
		}
		if ctx.Err() != nil {
			results[i] = cancelledResult(rec)
			return
		}
		results[i] = s.runIsolated(ctx, rec)
	}

	if s.opts.Workers > 1 {
		var g errgroup.Group
		g.SetLimit(s.opts.Workers)
		for i := range recs {
			i := i
			g.Go(func() error {
				process(i)
				return nil
			})
		}
		g.Wait()
	} else {
		for i := range recs {
			process(i)
		}
	}

	report.Results = results
	report.TotalCount = len(results)
	for _, res := range results {
		if res.Succeeded {
			report.SuccessCount++
		}
	}
	report.FinishedAt = s.now()

	lg.Info("🏁 Check-in cycle finished",
		"success", report.SuccessCount,
		"total", report.TotalCount,
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

	if report.FailureCount() > 0 {
		s.notify(ctx, lg, report)
		s.mailAccounts(ctx, lg, report, recipients)
	}
	return report, nil
}

// RunAccount runs one account outside the cadence through the same
// orchestration path as a cycle.
func (s *Scheduler) RunAccount(ctx context.Context, id string) (orchestrator.Result, error) {
	s.inflight.Add(1)
	defer s.inflight.Add(-1)
	ctx = logging.WithRunID(ctx, logging.GenerateRunID())
	return s.runner.RunAccount(ctx, id)
}

// Drain blocks until no cycle or single-account run is in progress, or ctx
// ends. Callers stop new triggers first.
func (s *Scheduler) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for s.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Start registers the cycle on the cron cadence. A tick that fires while the
// previous cycle is still running is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	cronLogger := cron.PrintfLogger(s.logger.StandardLog())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	if _, err := c.AddFunc(s.opts.Schedule, func() {
		if _, err := s.RunCycle(ctx); err != nil {
			s.logger.Error("❌ Scheduled cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("scheduling check-in cycle %q: %w", s.opts.Schedule, err)
	}
	s.cron = c
	c.Start()

	if next := c.Entries(); len(next) > 0 {
		s.logger.Info("⏰ Scheduled check-in cycle", "schedule", s.opts.Schedule, "next", next[0].Next.Format(time.RFC3339))
	}
	return nil
}

// Stop halts the cadence. The returned context is done once a running
// cycle has returned.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

func (s *Scheduler) limiter() *rate.Limiter {
	if s.opts.AccountInterval <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(s.opts.AccountInterval), 1)
}

func (s *Scheduler) runIsolated(ctx context.Context, rec accounts.Record) (res orchestrator.Result) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("💥 Account run escaped with panic", "account", rec.Label(), "panic", p, "stack", string(debug.Stack()))
			res = orchestrator.Result{
				AccountID:   rec.ID,
				DisplayName: rec.Label(),
				Reason:      orchestrator.ReasonSystemFailure,
				Message:     fmt.Sprintf("panic: %v", p),
			}
		}
	}()
	return s.runner.Run(ctx, rec)
}

func (s *Scheduler) notify(ctx context.Context, lg *log.Logger, report CycleReport) {
	// Delivery still happens when the cycle itself was cancelled.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if err := s.notifier.Deliver(sendCtx, s.opts.Title, report.Summary()); err != nil {
		lg.Warn("⚠️ Failure notification not fully delivered", "error", err)
		return
	}
	lg.Info("📧 Failure notification sent", "failures", report.FailureCount())
}

// mailAccounts sends each failed account with a NotifyEmail its own notice.
// Cancelled accounts never ran and are not mailed.
func (s *Scheduler) mailAccounts(ctx context.Context, lg *log.Logger, report CycleReport, recipients []string) {
	if s.opts.Mailer == nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	for i, res := range report.Results {
		if res.Succeeded || res.Reason == ReasonCancelled || recipients[i] == "" {
			continue
		}
		if err := s.opts.Mailer.DeliverTo(sendCtx, recipients[i], s.opts.Title, report.AccountNotice(res)); err != nil {
			lg.Warn("⚠️ Account notice not delivered", "account", res.DisplayName, "error", err)
			continue
		}
		lg.Info("📧 Account notice sent", "account", res.DisplayName)
	}
}

func cancelledResult(rec accounts.Record) orchestrator.Result {
	return orchestrator.Result{
		AccountID:   rec.ID,
		DisplayName: rec.Label(),
		Reason:      ReasonCancelled,
		Message:     "cycle cancelled before this account ran",
	}
}
