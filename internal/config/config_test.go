package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// chdirTemp isolates tests from a checkin.yaml in the package directory.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Schedule != "0 */6 * * *" || cfg.Workers != 1 || cfg.AccountInterval != 2*time.Second {
		t.Fatalf("unexpected cycle defaults %+v", cfg)
	}
	if cfg.DatabasePath != filepath.Join("data", "checkin.db") || cfg.KeyPath != filepath.Join("data", "secret.key") {
		t.Fatalf("derived paths = %q %q", cfg.DatabasePath, cfg.KeyPath)
	}
	if cfg.Browser.Headless {
		t.Fatal("browser must default to headed mode")
	}
	if cfg.Browser.AcquireTimeout != 2*time.Minute || cfg.Browser.LoginTimeout != 10*time.Second {
		t.Fatalf("browser timeouts %+v", cfg.Browser)
	}
	if cfg.Server.Addr() != "127.0.0.1:8080" {
		t.Fatalf("addr = %q", cfg.Server.Addr())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	content := `
data_dir: /var/lib/checkin
workers: 2
server:
  port: 9090
browser:
  headless: true
notify:
  webhooks:
    - dingtalk=https://oapi.dingtalk.test/robot/send?access_token=x
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHECKIN_SERVER_PORT", "7070")
	t.Setenv("CHECKIN_ACCOUNT_INTERVAL", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workers != 2 || !cfg.Browser.Headless {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Server.Port != 7070 || cfg.AccountInterval != 5*time.Second {
		t.Fatalf("env must override file: port=%d interval=%v", cfg.Server.Port, cfg.AccountInterval)
	}
	if cfg.DatabasePath != filepath.Join("/var/lib/checkin", "checkin.db") {
		t.Fatalf("database path = %q", cfg.DatabasePath)
	}
	specs, err := cfg.WebhookSpecs()
	if err != nil || len(specs) != 1 || specs[0].Kind != "dingtalk" {
		t.Fatalf("WebhookSpecs() = %+v, %v", specs, err)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	chdirTemp(t)
	t.Setenv("PROVIDERS", `{"custom":{"domain":"https://custom.test"}}`)
	t.Setenv("EMAIL_USER", "bot@example.com")
	t.Setenv("EMAIL_PASS", "pw")
	t.Setenv("EMAIL_TO", "ops@example.com")
	t.Setenv("FEISHU_WEBHOOK", "https://open.feishu.test/hook/x")
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot-token")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !strings.Contains(cfg.ProvidersJSON, "custom.test") {
		t.Fatalf("providers json = %q", cfg.ProvidersJSON)
	}
	if !cfg.Notify.Email.Enabled() {
		t.Fatalf("email config = %+v", cfg.Notify.Email)
	}
	if cfg.Notify.TelegramChatID != "42" {
		t.Fatalf("chat id = %q", cfg.Notify.TelegramChatID)
	}
	specs, err := cfg.WebhookSpecs()
	if err != nil {
		t.Fatal(err)
	}
	kinds := map[string]string{}
	for _, s := range specs {
		kinds[s.Kind] = s.Target
	}
	if kinds["feishu"] != "https://open.feishu.test/hook/x" || kinds["telegram"] != "bot-token" {
		t.Fatalf("legacy webhooks not picked up: %+v", specs)
	}
}

func TestPrefixedEnvWinsOverLegacy(t *testing.T) {
	chdirTemp(t)
	t.Setenv("EMAIL_USER", "legacy@example.com")
	t.Setenv("CHECKIN_NOTIFY_EMAIL_USER", "new@example.com")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Notify.Email.User != "new@example.com" {
		t.Fatalf("user = %q", cfg.Notify.Email.User)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad schedule", map[string]string{"CHECKIN_SCHEDULE": "every six hours"}, "schedule"},
		{"zero workers", map[string]string{"CHECKIN_WORKERS": "0"}, "workers"},
		{"zero timeout", map[string]string{"CHECKIN_HTTP_TIMEOUT": "0s"}, "http.timeout"},
		{"bad port", map[string]string{"CHECKIN_SERVER_PORT": "70000"}, "server.port"},
		{"bad webhook", map[string]string{"CHECKIN_NOTIFY_WEBHOOKS": "https://no-kind.test"}, "kind=target"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	chdirTemp(t)
	if _, err := Load("/nonexistent/checkin.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestWebhookEnvListSplitsOnComma(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CHECKIN_NOTIFY_WEBHOOKS", "wecom=https://qyapi.test/a, generic=https://hooks.test/b")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	specs, _ := cfg.WebhookSpecs()
	if len(specs) != 2 || specs[1].Kind != "generic" || specs[1].Target != "https://hooks.test/b" {
		t.Fatalf("specs = %+v", specs)
	}
}
