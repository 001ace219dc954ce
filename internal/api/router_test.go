package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/checkin-nexus/internal/accounts"
	"github.com/pysugar/checkin-nexus/internal/db"
	"github.com/pysugar/checkin-nexus/internal/logging"
	"github.com/pysugar/checkin-nexus/internal/orchestrator"
	"github.com/pysugar/checkin-nexus/internal/scheduler"
	"github.com/pysugar/checkin-nexus/internal/sealed"
	"github.com/pysugar/checkin-nexus/internal/session"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeTrigger struct {
	mu      sync.Mutex
	running bool
	cycles  int
	done    chan struct{}
	results map[string]orchestrator.Result
}

func (f *fakeTrigger) RunCycle(ctx context.Context) (scheduler.CycleReport, error) {
	f.mu.Lock()
	f.cycles++
	f.mu.Unlock()
	if f.done != nil {
		defer close(f.done)
	}
	return scheduler.CycleReport{RunID: "abcd1234", SuccessCount: 1, TotalCount: 2}, nil
}

func (f *fakeTrigger) RunAccount(ctx context.Context, id string) (orchestrator.Result, error) {
	res, ok := f.results[id]
	if !ok {
		return orchestrator.Result{}, fmt.Errorf("%w: %s", db.ErrAccountNotFound, id)
	}
	return res, nil
}

func (f *fakeTrigger) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type testEnv struct {
	handler http.Handler
	key     string
	store   *db.AccountStore
	trigger *fakeTrigger
}

func newTestEnv(t *testing.T, adminPassword string) *testEnv {
	t.Helper()
	database, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		t.Fatal(err)
	}
	key, err := db.RegenerateAPIKey(database)
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := sealed.Generate()
	if err != nil {
		t.Fatal(err)
	}
	store := db.NewAccountStore(database, sealer)
	trigger := &fakeTrigger{results: map[string]orchestrator.Result{}}

	h := NewRouter(Deps{
		Base:          context.Background(),
		DB:            database,
		Store:         store,
		Trigger:       trigger,
		AdminPassword: adminPassword,
		Logger:        logging.Discard(),
	})
	return &testEnv{handler: h, key: key, store: store, trigger: trigger}
}

func (e *testEnv) do(t *testing.T, method, path string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPublicEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	if rec := env.do(t, http.MethodGet, "/api/health", false); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/version", false)
	if rec.Code != http.StatusOK || decode(t, rec)["version"] == nil {
		t.Fatalf("version: %d %s", rec.Code, rec.Body.String())
	}
}

func TestProtectedEndpointsRequireKey(t *testing.T) {
	env := newTestEnv(t, "")
	for _, path := range []string{"/api/logs", "/api/accounts", "/api/stats"} {
		if rec := env.do(t, http.MethodGet, path, false); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s without key: status = %d", path, rec.Code)
		}
	}
	if rec := env.do(t, http.MethodPost, "/api/checkin", false); rec.Code != http.StatusUnauthorized {
		t.Errorf("checkin without key: status = %d", rec.Code)
	}
}

func TestCheckinAllStartsInBackground(t *testing.T) {
	env := newTestEnv(t, "")
	env.trigger.done = make(chan struct{})

	rec := env.do(t, http.MethodPost, "/api/checkin", true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	select {
	case <-env.trigger.done:
	case <-time.After(time.Second):
		t.Fatal("background cycle did not run")
	}
}

func TestCheckinAllWait(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/checkin?wait=true", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["success_count"].(float64) != 1 || body["total_count"].(float64) != 2 {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckinAllConflict(t *testing.T) {
	env := newTestEnv(t, "")
	env.trigger.running = true
	if rec := env.do(t, http.MethodPost, "/api/checkin", true); rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.trigger.cycles != 0 {
		t.Fatal("no cycle may start while one runs")
	}
}

func TestCheckinAccount(t *testing.T) {
	env := newTestEnv(t, "")
	env.trigger.results["ok"] = orchestrator.Result{AccountID: "ok", Succeeded: true, Message: "balance $1.00"}
	env.trigger.results["bad"] = orchestrator.Result{AccountID: "bad", Reason: "stale_session"}

	if rec := env.do(t, http.MethodPost, "/api/checkin/ok", true); rec.Code != http.StatusOK {
		t.Fatalf("ok: status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/checkin/bad", true)
	if rec.Code != http.StatusBadGateway || decode(t, rec)["reason"] != "stale_session" {
		t.Fatalf("bad: %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/api/checkin/missing", true); rec.Code != http.StatusNotFound {
		t.Fatalf("missing: status = %d", rec.Code)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	rec, err := env.store.CreateAccount(ctx, accounts.Record{
		DisplayName: "main",
		Provider:    "anyrouter",
		AuthMode:    accounts.AuthCookie,
		Enabled:     true,
		Artifacts:   &session.Artifacts{Cookies: map[string]string{"session": "very-secret-cookie"}, IdentityToken: "7"},
	})
	if err != nil {
		t.Fatal(err)
	}
	env.store.AppendBalanceRecord(ctx, rec.ID, 12.5, 3.25)
	env.store.AppendCheckinLog(ctx, rec.ID, true, "", "balance $12.50")

	resp := env.do(t, http.MethodGet, "/api/accounts", true)
	if resp.Code != http.StatusOK || strings.Contains(resp.Body.String(), "very-secret-cookie") {
		t.Fatalf("accounts must not leak secrets: %s", resp.Body.String())
	}

	resp = env.do(t, http.MethodGet, "/api/logs?account_id="+rec.ID+"&limit=5", true)
	if resp.Code != http.StatusOK || decode(t, resp)["count"].(float64) != 1 {
		t.Fatalf("logs: %d %s", resp.Code, resp.Body.String())
	}

	resp = env.do(t, http.MethodGet, "/api/balance/"+rec.ID, true)
	if resp.Code != http.StatusOK || decode(t, resp)["count"].(float64) != 1 {
		t.Fatalf("balance: %d %s", resp.Code, resp.Body.String())
	}
	if resp := env.do(t, http.MethodGet, "/api/balance/nope", true); resp.Code != http.StatusNotFound {
		t.Fatalf("unknown balance account: status = %d", resp.Code)
	}

	resp = env.do(t, http.MethodGet, "/api/stats?hours=1", true)
	if body := decode(t, resp); body["success_count"].(float64) != 1 {
		t.Fatalf("stats: %v", body)
	}
}

func TestAPIKeyEndpointsUseAdminPassword(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	if rec := env.do(t, http.MethodGet, "/api/config/apikey", false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/config/apikey/regenerate", nil)
	req.SetBasicAuth("admin", "s3cret")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("regenerate status = %d", rec.Code)
	}
	newKey := decode(t, rec)["api_key"].(string)
	if newKey == env.key || !strings.HasPrefix(newKey, "sk-") {
		t.Fatalf("unexpected new key %q", newKey)
	}
	if rec := env.do(t, http.MethodGet, "/api/logs", true); rec.Code != http.StatusUnauthorized {
		t.Fatal("old key must stop working after regeneration")
	}
}
