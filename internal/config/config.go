// Package config loads service settings. Environment variables override the
// optional config file, which overrides the defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHECKIN"

type Config struct {
	DataDir         string        `mapstructure:"data_dir"`
	DatabasePath    string        `mapstructure:"database_path"`
	KeyPath         string        `mapstructure:"key_path"`
	ProvidersFile   string        `mapstructure:"providers_file"`
	ProvidersJSON   string        `mapstructure:"providers_json"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	Schedule        string        `mapstructure:"schedule"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	Workers         int           `mapstructure:"workers"`
	AccountInterval time.Duration `mapstructure:"account_interval"`

	Server  ServerConfig  `mapstructure:"server"`
	Browser BrowserConfig `mapstructure:"browser"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	AdminPassword string `mapstructure:"admin_password"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	Proxy             string        `mapstructure:"proxy"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	LoginTimeout      time.Duration `mapstructure:"login_timeout"`
	ErrorScanDelay    time.Duration `mapstructure:"error_scan_delay"`
	HeaderTimeout     time.Duration `mapstructure:"header_timeout"`
	AcquireTimeout    time.Duration `mapstructure:"acquire_timeout"`
}

type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

type NotifyConfig struct {
	Title          string      `mapstructure:"title"`
	Webhooks       []string    `mapstructure:"webhooks"`
	TelegramChatID string      `mapstructure:"telegram_chat_id"`
	Email          EmailConfig `mapstructure:"email"`
	AMQP           AMQPConfig  `mapstructure:"amqp"`
	Legacy         LegacyHooks `mapstructure:"legacy"`
}

type EmailConfig struct {
	User       string `mapstructure:"user"`
	Pass       string `mapstructure:"pass"`
	To         string `mapstructure:"to"`
	SMTPServer string `mapstructure:"smtp_server"`
}

// Enabled reports whether enough is set to mail the operator.
func (e EmailConfig) Enabled() bool {
	return e.HasCredentials() && e.To != ""
}

// HasCredentials reports whether SMTP login is configured, which is all that
// per-account notices need.
func (e EmailConfig) HasCredentials() bool {
	return e.User != "" && e.Pass != ""
}

type AMQPConfig struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// LegacyHooks holds the single-purpose webhook variables older deployments
// set directly in the environment.
type LegacyHooks struct {
	DingTalk    string `mapstructure:"dingtalk"`
	Feishu      string `mapstructure:"feishu"`
	WeCom       string `mapstructure:"wecom"`
	PushPlus    string `mapstructure:"pushplus"`
	ServerChan  string `mapstructure:"serverchan"`
	TelegramBot string `mapstructure:"telegram"`
}

// WebhookSpec is one parsed notify.webhooks entry.
type WebhookSpec struct {
	Kind   string
	Target string
}

// legacyEnv maps keys to the bare environment names they also accept.
var legacyEnv = map[string]string{
	"providers_json":           "PROVIDERS",
	"notify.email.user":        "EMAIL_USER",
	"notify.email.pass":        "EMAIL_PASS",
	"notify.email.to":          "EMAIL_TO",
	"notify.email.smtp_server": "CUSTOM_SMTP_SERVER",
	"notify.telegram_chat_id":  "TELEGRAM_CHAT_ID",
	"notify.legacy.dingtalk":   "DINGDING_WEBHOOK",
	"notify.legacy.feishu":     "FEISHU_WEBHOOK",
	"notify.legacy.wecom":      "WEIXIN_WEBHOOK",
	"notify.legacy.pushplus":   "PUSHPLUS_TOKEN",
	"notify.legacy.serverchan": "SERVERPUSHKEY",
	"notify.legacy.telegram":   "TELEGRAM_BOT_TOKEN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "data")
	v.SetDefault("database_path", "")
	v.SetDefault("key_path", "")
	v.SetDefault("providers_file", "")
	v.SetDefault("providers_json", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("schedule", "0 */6 * * *")
	v.SetDefault("run_on_start", false)
	v.SetDefault("workers", 1)
	v.SetDefault("account_interval", "2s")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_password", "")

	// The provider WAF rejects headless Chrome.
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.login_timeout", "10s")
	v.SetDefault("browser.error_scan_delay", "3s")
	v.SetDefault("browser.header_timeout", "10s")
	v.SetDefault("browser.acquire_timeout", "2m")

	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.user_agent", "")

	v.SetDefault("notify.title", "")
	v.SetDefault("notify.webhooks", []string{})
	v.SetDefault("notify.telegram_chat_id", "")
	v.SetDefault("notify.email.user", "")
	v.SetDefault("notify.email.pass", "")
	v.SetDefault("notify.email.to", "")
	v.SetDefault("notify.email.smtp_server", "")
	v.SetDefault("notify.amqp.url", "")
	v.SetDefault("notify.amqp.exchange", "checkin.events")
	v.SetDefault("notify.amqp.routing_key", "checkin.cycle.failed")
	for _, kind := range []string{"dingtalk", "feishu", "wecom", "pushplus", "serverchan", "telegram"} {
		v.SetDefault("notify.legacy."+kind, "")
	}
}

// Load reads configuration. configFile may be empty, in which case
// ./checkin.{yaml,toml,json} is used when present.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("checkin")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "checkin.db")
	}
	if c.KeyPath == "" {
		c.KeyPath = filepath.Join(c.DataDir, "secret.key")
	}
	// A single env value may carry several comma separated entries.
	var hooks []string
	for _, h := range c.Notify.Webhooks {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hooks = append(hooks, part)
			}
		}
	}
	c.Notify.Webhooks = hooks
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.AccountInterval < 0 {
		errs = append(errs, fmt.Errorf("account_interval must not be negative"))
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("schedule %q: %w", c.Schedule, err))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"browser.navigation_timeout", c.Browser.NavigationTimeout},
		{"browser.login_timeout", c.Browser.LoginTimeout},
		{"browser.error_scan_delay", c.Browser.ErrorScanDelay},
		{"browser.header_timeout", c.Browser.HeaderTimeout},
		{"browser.acquire_timeout", c.Browser.AcquireTimeout},
		{"http.timeout", c.HTTP.Timeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if _, err := c.WebhookSpecs(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WebhookSpecs parses notify.webhooks ("kind=target") and appends the
// legacy single-purpose variables.
func (c *Config) WebhookSpecs() ([]WebhookSpec, error) {
	var specs []WebhookSpec
	for _, raw := range c.Notify.Webhooks {
		kind, target, ok := strings.Cut(raw, "=")
		kind, target = strings.TrimSpace(kind), strings.TrimSpace(target)
		if !ok || kind == "" || target == "" {
			return nil, fmt.Errorf("notify.webhooks entry %q: want kind=target", raw)
		}
		specs = append(specs, WebhookSpec{Kind: strings.ToLower(kind), Target: target})
	}

	legacy := []WebhookSpec{
		{"dingtalk", c.Notify.Legacy.DingTalk},
		{"feishu", c.Notify.Legacy.Feishu},
		{"wecom", c.Notify.Legacy.WeCom},
		{"pushplus", c.Notify.Legacy.PushPlus},
		{"serverchan", c.Notify.Legacy.ServerChan},
		{"telegram", c.Notify.Legacy.TelegramBot},
	}
	for _, s := range legacy {
		if strings.TrimSpace(s.Target) != "" {
			specs = append(specs, WebhookSpec{Kind: s.Kind, Target: strings.TrimSpace(s.Target)})
		}
	}
	return specs, nil
}
