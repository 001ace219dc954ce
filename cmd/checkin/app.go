package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/pysugar/checkin-nexus/internal/auth/browser"
	"github.com/pysugar/checkin-nexus/internal/checkin"
	"github.com/pysugar/checkin-nexus/internal/config"
	"github.com/pysugar/checkin-nexus/internal/db"
	"github.com/pysugar/checkin-nexus/internal/notify"
	"github.com/pysugar/checkin-nexus/internal/orchestrator"
	"github.com/pysugar/checkin-nexus/internal/providers/catalog"
	"github.com/pysugar/checkin-nexus/internal/scheduler"
	"github.com/pysugar/checkin-nexus/internal/sealed"
	"gorm.io/gorm"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	db        *gorm.DB
	store     *db.AccountStore
	providers *catalog.Catalog
}

func openApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	sealer, created, err := sealed.LoadOrCreate(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading secret key: %w", err)
	}
	if created {
		logger.Warn("🔑 Generated new secret key, back it up", "path", cfg.KeyPath)
	}

	providers, err := catalog.Load(catalog.Options{File: cfg.ProvidersFile, JSON: cfg.ProvidersJSON})
	if err != nil {
		return nil, fmt.Errorf("loading providers: %w", err)
	}

	database, err := db.InitDB(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        database,
		store:     db.NewAccountStore(database, sealer),
		providers: providers,
	}, nil
}

func (a *app) Close() {
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}

func (a *app) acquirer() *browser.Acquirer {
	launcher := browser.NewChromeLauncher(browser.ChromeOptions{
		Headless:  a.cfg.Browser.Headless,
		ExecPath:  a.cfg.Browser.ExecPath,
		UserAgent: a.cfg.Browser.UserAgent,
		ProxyURL:  a.cfg.Browser.Proxy,
	})
	return browser.NewAcquirer(launcher, browser.Timeouts{
		Navigation:     a.cfg.Browser.NavigationTimeout,
		Login:          a.cfg.Browser.LoginTimeout,
		ErrorScanDelay: a.cfg.Browser.ErrorScanDelay,
		Header:         a.cfg.Browser.HeaderTimeout,
		Total:          a.cfg.Browser.AcquireTimeout,
	}, a.logger.WithPrefix("browser"))
}

func (a *app) orchestrator() *orchestrator.Orchestrator {
	executor := checkin.NewExecutor(a.cfg.HTTP.Timeout, a.cfg.HTTP.UserAgent, a.logger.WithPrefix("executor"))
	return orchestrator.New(a.store, a.providers, a.acquirer(), executor, a.logger)
}

func (a *app) scheduler() (*scheduler.Scheduler, error) {
	notifier, err := buildNotifier(a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	opts := scheduler.Options{
		Schedule:        a.cfg.Schedule,
		Workers:         a.cfg.Workers,
		AccountInterval: a.cfg.AccountInterval,
		Title:           a.cfg.Notify.Title,
	}
	if mailer, err := accountMailer(a.cfg); err != nil {
		return nil, err
	} else if mailer != nil {
		opts.Mailer = mailer
	}
	return scheduler.New(a.store, a.orchestrator(), notifier, opts, a.logger), nil
}

// accountMailer returns the SMTP sender for per-account notices, or nil when
// no SMTP login is configured.
func accountMailer(cfg *config.Config) (*notify.Email, error) {
	if !cfg.Notify.Email.HasCredentials() {
		return nil, nil
	}
	return notify.NewEmail(notify.EmailConfig{
		User:   cfg.Notify.Email.User,
		Pass:   cfg.Notify.Email.Pass,
		To:     cfg.Notify.Email.To,
		Server: cfg.Notify.Email.SMTPServer,
	})
}

// buildNotifier assembles every configured channel. With none configured the
// summary is only logged.
func buildNotifier(cfg *config.Config, logger *log.Logger) (notify.Notifier, error) {
	var channels []notify.Named

	specs, err := cfg.WebhookSpecs()
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		kind, err := notify.ParseKind(spec.Kind)
		if err != nil {
			return nil, err
		}
		var opts []notify.WebhookOption
		if kind == notify.KindTelegram {
			opts = append(opts, notify.WithChatID(cfg.Notify.TelegramChatID))
		}
		hook, err := notify.NewWebhook(kind, spec.Target, opts...)
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.Named{Name: string(kind), Notifier: hook})
	}

	if cfg.Notify.Email.Enabled() {
		email, err := accountMailer(cfg)
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.Named{Name: "email", Notifier: email})
	}

	if cfg.Notify.AMQP.URL != "" {
		pub, err := notify.NewAMQPPublisher(notify.AMQPConfig{
			URL:        cfg.Notify.AMQP.URL,
			Exchange:   cfg.Notify.AMQP.Exchange,
			RoutingKey: cfg.Notify.AMQP.RoutingKey,
		})
		if err != nil {
			return nil, err
		}
		channels = append(channels, notify.Named{Name: "amqp", Notifier: pub})
	}

	if len(channels) == 0 {
		logger.Info("🔕 No notification channels configured")
		return notify.Nop{}, nil
	}
	names := make([]string, 0, len(channels))
	for _, c := range channels {
		names = append(names, c.Name)
	}
	logger.Info("🔔 Notification channels", "channels", names)
	return notify.NewMulti(logger.WithPrefix("notify"), channels...), nil
}
