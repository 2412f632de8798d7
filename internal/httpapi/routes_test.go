package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palctl/internal/config"
	"palctl/internal/control"
	"palctl/internal/notifier"
	"palctl/internal/palapi"
	rtsup "palctl/internal/runtime/supervisor"
	"palctl/internal/session"
	"palctl/internal/storage"
	"palctl/pkg/logx"
)

type fakeControl struct {
	mu      sync.Mutex
	err     error
	lead    time.Duration
	kicked  string
	message string
	players []palapi.Player
}

func (f *fakeControl) seen() (time.Duration, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lead, f.kicked, f.message
}

func (f *fakeControl) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeControl) Info(context.Context) (palapi.ServerInfo, error) {
	return palapi.ServerInfo{Name: "fake", PlayersOnline: 2}, f.fail()
}

func (f *fakeControl) Players(context.Context) ([]palapi.Player, error) { return f.players, f.fail() }
func (f *fakeControl) Durations() map[string]int64                      { return map[string]int64{"steam_1": 90} }
func (f *fakeControl) Sessions() []session.Record                       { return []session.Record{{ID: "steam_1"}} }

func (f *fakeControl) Announce(_ context.Context, msg string) (palapi.Report, error) {
	f.mu.Lock()
	f.message = msg
	f.mu.Unlock()
	return palapi.Report{Op: "announce", Accepted: "POST announce [json]"}, f.fail()
}

func (f *fakeControl) Save(context.Context) (control.SaveStatus, palapi.Report, error) {
	if err := f.fail(); err != nil {
		return "", palapi.Report{}, err
	}
	return control.SaveInProgress, palapi.Report{Op: "save"}, nil
}

func (f *fakeControl) Shutdown(_ context.Context, seconds int, _ string) (palapi.Report, error) {
	return palapi.Report{Op: "shutdown", Accepted: fmt.Sprintf("waittime=%d", seconds)}, f.fail()
}

func (f *fakeControl) RestartNow(_ context.Context, lead time.Duration) (control.JobStatus, error) {
	f.mu.Lock()
	f.lead = lead
	f.mu.Unlock()
	return control.JobStatus{ID: "job-1", Reason: "manual", Stage: control.StageAnnouncing}, f.fail()
}

func (f *fakeControl) RestartStatus() control.RestartState { return control.RestartState{} }

func (f *fakeControl) Countdown(ctx context.Context, lead time.Duration) (control.JobStatus, error) {
	return f.RestartNow(ctx, lead)
}

func (f *fakeControl) CancelCountdown(context.Context) error { return f.fail() }

func (f *fakeControl) StartScheduler() (control.SchedulerStatus, error) {
	return control.SchedulerStatus{Enabled: true}, f.fail()
}

func (f *fakeControl) StopScheduler() control.SchedulerStatus { return control.SchedulerStatus{} }
func (f *fakeControl) SchedulerStatus() control.SchedulerStatus {
	return control.SchedulerStatus{Times: []string{"03:00"}}
}

func (f *fakeControl) Backup(context.Context) (control.BackupResult, error) {
	return control.BackupResult{Path: "/b/palworld-save-x.zip"}, f.fail()
}

func (f *fakeControl) Kick(_ context.Context, id, msg string) (palapi.Report, error) {
	f.mu.Lock()
	f.kicked, f.message = id, msg
	f.mu.Unlock()
	return palapi.Report{Op: "kick"}, f.fail()
}

func (f *fakeControl) Ban(context.Context, string, string) (palapi.Report, error) {
	return palapi.Report{Op: "ban"}, f.fail()
}

func (f *fakeControl) Unban(context.Context, string) (palapi.Report, error) {
	return palapi.Report{Op: "unban"}, f.fail()
}

func (f *fakeControl) Loops() map[string]control.LoopState {
	return map[string]control.LoopState{"autosave": {Generation: 3, Active: 1}}
}

type memConfig struct {
	mu       sync.Mutex
	cfg      *config.Config
	replaced *config.Config
}

func (m *memConfig) Get() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *memConfig) Replace(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg, m.replaced = cfg, cfg
	m.mu.Unlock()
	return nil
}

func (m *memConfig) lastReplaced() *config.Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaced
}

type fixture struct {
	ctl *fakeControl
	cfg *memConfig
	srv *httptest.Server
}

func newFixture(t *testing.T, token string, audit storage.Store) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Server.BaseURL = "http://127.0.0.1:8212"
	cfg.Server.Password = "hunter2"
	f := &fixture{ctl: &fakeControl{}, cfg: &memConfig{cfg: cfg}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "palctl_up 1\n")
	})
	svc := New(Config{}, Deps{Control: f.ctl, Config: f.cfg, Audit: audit, Metrics: metrics}, logx.Nop())
	f.srv = httptest.NewServer(svc.Handler(token))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestBearerToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "s3cret", nil)

	status, _ := f.do(t, http.MethodGet, "/api/scheduler", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/scheduler", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ = f.do(t, http.MethodGet, "/healthz?token=s3cret", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodGet, "/healthz?token=wrong", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", nil)
	status, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body)

	status, body = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "palctl_up 1")
}

func TestSaveReportsInProgress(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", nil)
	status, body := f.do(t, http.MethodPost, "/api/save", "")
	assert.Equal(t, http.StatusOK, status)
	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "in_progress", out.Status)
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", nil)
	cases := []struct {
		err    error
		status int
		body   string
	}{
		{control.ErrActionsDisabled, http.StatusForbidden, "disabled"},
		{palapi.ErrNoBaseURL, http.StatusPreconditionFailed, "base url"},
		{&palapi.AttemptsError{Op: "save", Errs: []error{&palapi.AuthError{URL: "http://x/save"}}}, http.StatusBadGateway, "credential rejected"},
		{&palapi.AttemptsError{Op: "save", Errs: []error{&palapi.TransportError{URL: "http://x/save", Err: errors.New("refused")}}}, http.StatusBadGateway, "refused"},
		{control.ErrRestartInProgress, http.StatusConflict, "already in progress"},
	}
	for _, tc := range cases {
		f.ctl.mu.Lock()
		f.ctl.err = tc.err
		f.ctl.mu.Unlock()
		status, body := f.do(t, http.MethodPost, "/api/save", "")
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Contains(t, body, tc.body)
	}
}

func TestRestartLead(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", nil)

	status, body := f.do(t, http.MethodPost, "/api/restart", `{"lead_seconds":30}`)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Contains(t, body, `"id":"job-1"`)
	lead, _, _ := f.ctl.seen()
	assert.Equal(t, 30*time.Second, lead)

	status, _ = f.do(t, http.MethodPost, "/api/restart", "")
	assert.Equal(t, http.StatusAccepted, status)
	lead, _, _ = f.ctl.seen()
	assert.Equal(t, time.Duration(-1), lead, "no lead means the configured default")

	status, _ = f.do(t, http.MethodPost, "/api/countdown", `{"lead_seconds":-5}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/countdown", `{"lead_seconds":`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPlayerRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", nil)

	status, body := f.do(t, http.MethodGet, "/api/players", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", body)

	status, _ = f.do(t, http.MethodPost, "/api/players/steam_76561198000000001/kick", `{"message":"bye"}`)
	assert.Equal(t, http.StatusOK, status)
	_, kicked, msg := f.ctl.seen()
	assert.Equal(t, "steam_76561198000000001", kicked)
	assert.Equal(t, "bye", msg)

	status, body = f.do(t, http.MethodGet, "/api/players/durations", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"steam_1":90}`, body)
}

func TestConfigRoundTripKeepsSecrets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", nil)

	status, body := f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, status)
	assert.NotContains(t, body, "hunter2")

	edited := strings.Replace(body, `"actions_enabled":true`, `"actions_enabled":false`, 1)
	status, _ = f.do(t, http.MethodPut, "/api/config", edited)
	require.Equal(t, http.StatusOK, status)
	replaced := f.cfg.lastReplaced()
	require.NotNil(t, replaced)
	assert.Equal(t, "hunter2", replaced.Server.Password)
	assert.False(t, replaced.Control.ActionsEnabled)

	status, _ = f.do(t, http.MethodPut, "/api/config", `{"nope":1}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPut, "/api/config", `{"restart":{"times":["25:00"]}}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body, "invalid config")
}

func TestAuditRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", nil)
	status, _ := f.do(t, http.MethodGet, "/api/audit", "")
	assert.Equal(t, http.StatusNotFound, status)

	store, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir() + "/palctl"}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendAudit(ctx, storage.AuditEntry{At: time.Now(), Source: "operator", Action: fmt.Sprintf("a%d", i), OK: true}))
	}
	f = newFixture(t, "", store)
	status, body := f.do(t, http.MethodGet, "/api/audit?limit=2", "")
	require.Equal(t, http.StatusOK, status)
	var entries []storage.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "a2", entries[0].Action)

	status, _ = f.do(t, http.MethodGet, "/api/audit?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIRateLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", nil)
	ok, limited := 0, ""
	for i := 0; i < 2*apiRequestsPerMinute+1 && limited == ""; i++ {
		code, body := f.do(t, http.MethodGet, "/api/loops", "")
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited = body
		default:
			t.Fatalf("request %d: status %d", i, code)
		}
	}
	assert.GreaterOrEqual(t, ok, apiRequestsPerMinute)
	assert.Contains(t, limited, "rate limit")

	// health checks are not limited
	code, _ := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
}

type fakeNotify struct{}

func (fakeNotify) Enabled() bool   { return true }
func (fakeNotify) Sinks() []string { return []string{"webhook"} }
func (fakeNotify) History() []notifier.HistoryItem {
	return []notifier.HistoryItem{{Severity: "warning", Text: "Autosave failed: boom", Delivered: []string{"webhook"}}}
}

func TestNotificationsAndRuntimeRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "", nil)
	code, _ := f.do(t, http.MethodGet, "/api/notifications", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/api/runtime", "")
	assert.Equal(t, http.StatusNotFound, code)

	svc := New(Config{}, Deps{
		Control: f.ctl,
		Config:  f.cfg,
		Notify:  fakeNotify{},
		Runtime: func() map[string]rtsup.Snapshot {
			return map[string]rtsup.Snapshot{"control": {Tasks: []rtsup.TaskStats{{Name: "loop.autosave", Active: 1}}}}
		},
	}, logx.Nop())
	srv := httptest.NewServer(svc.Handler(""))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/notifications")
	require.NoError(t, err)
	var got struct {
		Enabled bool                   `json:"enabled"`
		Sinks   []string               `json:"sinks"`
		History []notifier.HistoryItem `json:"history"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.True(t, got.Enabled)
	assert.Equal(t, []string{"webhook"}, got.Sinks)
	require.Len(t, got.History, 1)
	assert.Equal(t, "Autosave failed: boom", got.History[0].Text)

	resp, err = http.Get(srv.URL + "/api/runtime")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "loop.autosave")
}
