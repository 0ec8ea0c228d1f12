package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/models"
	"operator-autopilot/internal/notify"
	"operator-autopilot/internal/storage"
	"operator-autopilot/internal/stream"
)

type fakeMonitor struct {
	mu      sync.Mutex
	enabled bool
}

func (m *fakeMonitor) Status(context.Context) (models.MonitoringStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return models.MonitoringEnabled, nil
	}
	return models.MonitoringDisabled, nil
}

func (m *fakeMonitor) SetMonitoring(_ context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
	return nil
}

func (m *fakeMonitor) Info() stream.SessionInfo {
	return stream.SessionInfo{State: models.SessionIdle.String(), Owner: "tab-1"}
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	started [][]models.BroadcastJob
	allErr  error
}

func (f *fakeBroadcaster) Start(_ context.Context, jobs []models.BroadcastJob) (<-chan models.QueueResult, error) {
	if len(jobs) == 0 {
		return nil, apperr.New(apperr.CodeConfiguration, "broadcast queue is empty")
	}
	f.mu.Lock()
	f.started = append(f.started, jobs)
	f.mu.Unlock()
	ch := make(chan models.QueueResult, 1)
	ch <- models.QueueResult{Jobs: len(jobs)}
	close(ch)
	return ch, nil
}

func (f *fakeBroadcaster) StartAll(context.Context, models.JobKind) (<-chan models.QueueResult, error) {
	return nil, f.allErr
}

func (f *fakeBroadcaster) State(context.Context) (models.BroadcastQueueState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.started) == 0 {
		return models.BroadcastQueueState{}, nil
	}
	return models.BroadcastQueueState{Status: models.QueueRunning, Queue: f.started[len(f.started)-1]}, nil
}

type fixture struct {
	srv         *httptest.Server
	bus         *Bus
	monitor     *fakeMonitor
	broadcaster *fakeBroadcaster
	profiles    *storage.ProfileStore
	stats       *storage.StatsStore
	center      *notify.Center
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		monitor:     &fakeMonitor{enabled: true},
		broadcaster: &fakeBroadcaster{},
		profiles:    storage.NewProfileStore(db),
		stats:       storage.NewStatsStore(db),
		center:      notify.NewCenter(storage.NewNotificationStore(db, 100), storage.NewKVStore(db), nil, zerolog.Nop()),
	}
	f.bus = NewBus(zerolog.Nop())
	Register(context.Background(), f.bus, Deps{
		Monitor:     f.monitor,
		Broadcaster: f.broadcaster,
		Configs:     f.profiles,
		Stats:       f.stats,
		Notices:     f.center,
	})
	f.srv = httptest.NewServer(Router(f.bus, zerolog.Nop()))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, Result) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var res Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return resp.StatusCode, res
}

func TestAutoReplyConfigLifecycle(t *testing.T) {
	f := newFixture(t)

	status, res := f.do(t, http.MethodPut, "/profiles/101/autoreply", map[string]any{
		"triggers": map[string]any{
			"wink": map[string]any{"text": "thanks!"},
		},
		"broadcast_message": "hello all",
	})
	require.Equal(t, http.StatusOK, status, res.Error)
	assert.True(t, res.OK)

	status, res = f.do(t, http.MethodGet, "/profiles/101/autoreply", nil)
	require.Equal(t, http.StatusOK, status)
	data, ok := res.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello all", data["broadcast_message"])

	stored, err := f.profiles.GetConfig(context.Background(), "101")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "thanks!", stored.For(models.TriggerWink).Text)

	status, res = f.do(t, http.MethodDelete, "/profiles/101/autoreply", nil)
	require.Equal(t, http.StatusOK, status)

	status, res = f.do(t, http.MethodGet, "/profiles/101/autoreply", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, res.OK)
	assert.Equal(t, string(apperr.CodeConfiguration), res.Code)
}

func TestBroadcastEndpoints(t *testing.T) {
	f := newFixture(t)

	status, res := f.do(t, http.MethodPost, "/broadcast", map[string]any{"jobs": []any{}})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "empty")

	status, res = f.do(t, http.MethodPost, "/broadcast", map[string]any{
		"jobs": []map[string]any{{"external_id": 101, "message": "hi", "kind": "chat"}},
	})
	require.Equal(t, http.StatusOK, status, res.Error)
	require.Len(t, f.broadcaster.started, 1)
	assert.Equal(t, models.ExternalID("101"), f.broadcaster.started[0][0].ExternalID)

	f.broadcaster.allErr = apperr.New(apperr.CodeLockContention, "a broadcast is already running")
	status, res = f.do(t, http.MethodPost, "/broadcast/all", map[string]any{"kind": "letter"})
	assert.Equal(t, http.StatusConflict, status)
	assert.False(t, res.OK)

	status, _ = f.do(t, http.MethodPost, "/broadcast/all", map[string]any{"kind": "fax"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, res = f.do(t, http.MethodGet, "/broadcast", nil)
	require.Equal(t, http.StatusOK, status)
	data := res.Data.(map[string]any)
	assert.Equal(t, "running", data["status"])
}

func TestStatusMonitoringAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.stats.Increment(ctx, models.CounterIncomingLikes))

	status, res := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, status, res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, "enabled", data["monitoring"])

	status, res = f.do(t, http.MethodPost, "/monitoring", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disabled", res.Data)

	status, _ = f.do(t, http.MethodPost, "/stats/reset", nil)
	require.Equal(t, http.StatusOK, status)
	st, err := f.stats.Get(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.IncomingLikes)
}

func TestNamesAndNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	status, _ := f.do(t, http.MethodPut, "/names/900", map[string]any{"name": "Regular Bob"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Regular Bob", f.profiles.ResolveName(ctx, "900"))

	f.center.Notify(ctx, models.Notification{Title: "one", Type: models.NotificationLike})
	f.center.Notify(ctx, models.Notification{Title: "two", Type: models.NotificationLike})

	status, res := f.do(t, http.MethodGet, "/notifications?limit=1", nil)
	require.Equal(t, http.StatusOK, status)
	items := res.Data.([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "two", items[0].(map[string]any)["title"])
}

func TestInvalidBodyAndUnknownRoute(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/monitoring", bytes.NewBufferString("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, res := f.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.False(t, res.OK)
}

func TestBus_TypedCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st, err := Call[models.MonitoringStatus](ctx, f.bus, SetMonitoring{Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, models.MonitoringEnabled, st)

	res := f.bus.Dispatch(ctx, struct{ Unknown int }{})
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "no handler")

	_, err = Call[*models.AutoReplyConfig](ctx, f.bus, GetAutoReply{ProfileID: "404"})
	assert.Error(t, err)
}
