package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"operator-autopilot/internal/api"
	"operator-autopilot/internal/config"
	"operator-autopilot/internal/models"
	"operator-autopilot/internal/policy"
	"operator-autopilot/internal/storage"
)

type recordingNotifier struct {
	mu    sync.Mutex
	items []models.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, item models.Notification) {
	n.mu.Lock()
	n.items = append(n.items, item)
	n.mu.Unlock()
}

func (n *recordingNotifier) all() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Notification(nil), n.items...)
}

type fakeMail struct {
	err    error
	thread *api.MailThread
	calls  atomic.Int32
}

func (m *fakeMail) MailThread(ctx context.Context, userID, counterpartyID models.ExternalID, mailID string) (*api.MailThread, error) {
	m.calls.Add(1)
	return m.thread, m.err
}

type harness struct {
	d        *Dispatcher
	db       *storage.Database
	stats    *storage.StatsStore
	locks    *storage.LockStore
	profiles *storage.ProfileStore
	notifier *recordingNotifier
	sends    *atomic.Int32
	cfg      *config.Config
	deps     Deps
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat/message" {
			sends.Add(1)
		}
		_, _ = w.Write([]byte(`{"status":true}`))
	}))
	t.Cleanup(srv.Close)

	db, err := storage.Open(filepath.Join(t.TempDir(), "d.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Site.ConsoleURL = "https://console.example"
	cfg.AutoReply.PhotoDelay = 0
	if mutate != nil {
		mutate(cfg)
	}

	client := api.NewClient(api.Options{BaseURL: srv.URL}, api.StaticToken("t"), zerolog.Nop())
	stats := storage.NewStatsStore(db)
	h := &harness{
		db:       db,
		stats:    stats,
		locks:    storage.NewLockStore(db),
		profiles: storage.NewProfileStore(db),
		notifier: &recordingNotifier{},
		sends:    &sends,
		cfg:      cfg,
	}
	h.deps = Deps{
		Notifier: h.notifier,
		Counters: stats,
		Locks:    h.locks,
		Profiles: h.profiles,
		Keys:     storage.NewKVStore(db),
		Mail:     &fakeMail{err: errors.New("not found")},
		Policy:   policy.New(zerolog.Nop()),
		Sender:   policy.NewExecutor(client, stats, 0, zerolog.Nop()),
	}
	h.d = New(cfg, h.deps, "tab-self", zerolog.Nop())
	h.d.lookupDelay = time.Millisecond

	require.NoError(t, h.profiles.SaveConfig(context.Background(), &models.AutoReplyConfig{
		ProfileExternalID: "101",
		Triggers: map[models.TriggerKind]models.ReplyContent{
			models.TriggerWink: {Text: "thanks for the wink"},
			models.TriggerLike: {Text: "thanks for the like"},
			models.TriggerView: {Text: "hello there"},
		},
	}))
	return h
}

func (h *harness) counters(t *testing.T) *models.Stats {
	t.Helper()
	st, err := h.stats.Get(context.Background())
	require.NoError(t, err)
	return st
}

func likeEvent() models.InboundEvent {
	return models.InboundEvent{
		Action:              models.ActionLiked,
		ID:                  "e-1",
		SenderExternalID:    "900",
		RecipientExternalID: "101",
		Content:             "",
		CreatedAt:           "2024-05-01 10:00:00",
		Connect:             0,
	}
}

func TestRoute_DuplicateLikedSendsOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.True(t, h.d.Route(ctx, likeEvent()))
	time.Sleep(500 * time.Millisecond)
	assert.False(t, h.d.Route(ctx, likeEvent()))

	assert.Equal(t, int32(1), h.sends.Load(), "exactly one auto-reply call")
	st := h.counters(t)
	assert.Equal(t, 1, st.IncomingLikes)
	assert.Equal(t, 1, st.OutgoingMessages)
	assert.Len(t, h.notifier.all(), 1)
}

func TestRoute_HeldAutoReplyLockSkipsSend(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ok, err := h.locks.TryAcquire(ctx, models.LockAutoReply, "tab-other", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ev := models.InboundEvent{
		Action:              models.ActionMessage,
		MessageType:         models.MessageWink,
		ID:                  "w-1",
		SenderExternalID:    "900",
		RecipientExternalID: "101",
	}
	assert.True(t, h.d.Route(ctx, ev))

	assert.Zero(t, h.sends.Load())
	assert.Equal(t, 1, h.counters(t).IncomingWinks, "stats still counted")
	require.Len(t, h.notifier.all(), 1)
	assert.Equal(t, models.NotificationWink, h.notifier.all()[0].Type)

	// The other holder's lease is untouched
	lock, err := h.locks.Get(ctx, models.LockAutoReply)
	require.NoError(t, err)
	assert.Equal(t, "tab-other", lock.Owner)
}

func TestRoute_ReleasesAutoReplyLockAfterSend(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.d.Route(ctx, likeEvent()))
	held, err := h.locks.IsHeld(ctx, models.LockAutoReply)
	require.NoError(t, err)
	assert.False(t, held)
}

type slowSender struct {
	delay   time.Duration
	during  func()
	actions atomic.Int32
}

func (s *slowSender) Execute(ctx context.Context, actions []models.OutboundAction) (sent, failed int) {
	time.Sleep(s.delay)
	s.during()
	s.actions.Add(int32(len(actions)))
	return len(actions), 0
}

func TestRoute_SlowSendKeepsAutoReplyLock(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.AutoReply.LockTTL = 40 * time.Millisecond })
	ctx := context.Background()

	var otherGotLock atomic.Bool
	sender := &slowSender{delay: 150 * time.Millisecond}
	sender.during = func() {
		ok, err := h.locks.TryAcquire(ctx, models.LockAutoReply, "tab-other", time.Second)
		require.NoError(t, err)
		otherGotLock.Store(ok)
	}
	h.deps.Sender = sender
	h.d = New(h.cfg, h.deps, "tab-self", zerolog.Nop())

	require.True(t, h.d.Route(ctx, likeEvent()))
	assert.Equal(t, int32(1), sender.actions.Load())
	assert.False(t, otherGotLock.Load(), "lock expired while the send was in flight")

	held, err := h.locks.IsHeld(ctx, models.LockAutoReply)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestRoute_NewUserGating(t *testing.T) {
	ctx := context.Background()

	returningView := models.InboundEvent{Action: models.ActionViewed, ID: "v-1", SenderExternalID: "900", RecipientExternalID: "101", Connect: 1}
	newView := returningView
	newView.ID = "v-2"
	newView.Connect = 0
	returningLike := likeEvent()
	returningLike.Connect = 1

	t.Run("views gate on first contact", func(t *testing.T) {
		h := newHarness(t, nil)
		h.d.Route(ctx, returningView)
		assert.Zero(t, h.sends.Load())
		h.d.Route(ctx, newView)
		assert.Equal(t, int32(1), h.sends.Load())
		assert.Equal(t, 2, h.counters(t).IncomingViews)
	})

	t.Run("likes reply to returning contacts by default", func(t *testing.T) {
		h := newHarness(t, nil)
		h.d.Route(ctx, returningLike)
		assert.Equal(t, int32(1), h.sends.Load())
	})

	t.Run("likes gated when configured", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) { c.Dispatch.GateLikesOnNewUser = true })
		h.d.Route(ctx, returningLike)
		assert.Zero(t, h.sends.Load())
		assert.Equal(t, 1, h.counters(t).IncomingLikes)
	})
}

func TestRoute_DropsUninterestingEvents(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.False(t, h.d.Route(ctx, models.InboundEvent{Action: models.ActionUnknown, ID: "x"}))
	assert.False(t, h.d.Route(ctx, models.InboundEvent{Action: models.ActionMessage, MessageType: models.MessagePhoto, ID: "p"}))
	assert.Zero(t, h.d.Recent().Len())
	assert.Empty(t, h.notifier.all())
}

func TestRoute_TextMessageNotifiesWithoutReply(t *testing.T) {
	h := newHarness(t, nil)

	ok := h.d.Route(context.Background(), models.InboundEvent{
		Action:              models.ActionMessage,
		MessageType:         models.MessageText,
		ID:                  "m-1",
		ChatUID:             "chat-7",
		SenderExternalID:    "900",
		SenderName:          "Bob",
		RecipientExternalID: "101",
		Content:             "hello!",
	})
	require.True(t, ok)

	assert.Zero(t, h.sends.Load())
	items := h.notifier.all()
	require.Len(t, items, 1)
	assert.Equal(t, "Message from Bob", items[0].Title)
	assert.Equal(t, "https://console.example/chat/chat-7", items[0].Options.ChatURL)
	assert.True(t, items[0].Options.RequireInteraction)
	assert.Equal(t, 1, h.counters(t).IncomingMessages)
}

func TestRoute_NameOverrideWins(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.profiles.SetNameOverride(ctx, "900", "Regular Bob"))

	ev := likeEvent()
	ev.SenderName = "bob_1980"
	h.d.Route(ctx, ev)

	require.Len(t, h.notifier.all(), 1)
	assert.Contains(t, h.notifier.all()[0].Body, "Regular Bob")
}

func TestRoute_MailLinkDegradesGracefully(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	mail := h.deps.Mail.(*fakeMail)

	ev := models.InboundEvent{Action: models.ActionReadMail, MailID: "m-1", SenderExternalID: "900", RecipientExternalID: "101"}
	require.True(t, h.d.Route(ctx, ev))
	assert.Equal(t, int32(2), mail.calls.Load(), "lookup retried once")
	require.Len(t, h.notifier.all(), 1)
	assert.Empty(t, h.notifier.all()[0].Options.ChatURL)
	assert.Equal(t, 1, h.counters(t).ReadMails)

	mail.err = nil
	mail.thread = &api.MailThread{ChatUID: "th-1"}
	limits := models.InboundEvent{Action: models.ActionLimitsUpdate, SenderExternalID: "900", RecipientExternalID: "101", LimitsUpdatedAt: "1714550000", MessageLimit: 3}
	require.True(t, h.d.Route(ctx, limits))
	require.Len(t, h.notifier.all(), 2)
	assert.Equal(t, "https://console.example/letter/th-1", h.notifier.all()[1].Options.ChatURL)
	assert.Equal(t, 1, h.counters(t).LimitUpdates)
}

func TestRoute_BoundedKeysReprocessEvicted(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Dispatch.RecentKeyCapacity = 2 })
	ctx := context.Background()

	event := func(id string) models.InboundEvent {
		return models.InboundEvent{Action: models.ActionViewed, ID: models.ExternalID(id), SenderExternalID: "900", RecipientExternalID: "101", Connect: 1}
	}

	assert.True(t, h.d.Route(ctx, event("a")))
	assert.True(t, h.d.Route(ctx, event("b")))
	assert.False(t, h.d.Route(ctx, event("a")))
	assert.True(t, h.d.Route(ctx, event("c")))
	assert.True(t, h.d.Route(ctx, event("a")), "evicted key is processed again")
	assert.Equal(t, 4, h.counters(t).IncomingViews)
}

func TestDispatcher_KeysSurviveReload(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.True(t, h.d.Route(ctx, likeEvent()))

	reloaded := New(h.cfg, h.deps, "tab-self", zerolog.Nop())
	require.NoError(t, reloaded.Load(ctx))
	assert.False(t, reloaded.Route(ctx, likeEvent()))
	assert.Equal(t, int32(1), h.sends.Load())
}

func TestHandleFrame_UsesEventNameAsAction(t *testing.T) {
	h := newHarness(t, nil)

	payload, err := json.Marshal(map[string]any{
		"id":                    42,
		"sender_external_id":    900,
		"recipient_external_id": 101,
		"connect":               1,
	})
	require.NoError(t, err)

	h.d.HandleFrame(context.Background(), "viewed_photos", payload)
	h.d.HandleFrame(context.Background(), "message", json.RawMessage(`{not json`))

	require.Len(t, h.notifier.all(), 1)
	assert.Contains(t, h.notifier.all()[0].Body, "photos")
}

func TestRecentKeys_EvictsOldest(t *testing.T) {
	r := NewRecentKeys(3, []string{"a", "b", "c", "d"})
	assert.Equal(t, []string{"b", "c", "d"}, r.Keys())
	assert.False(t, r.Contains("a"))

	assert.False(t, r.Add("c"))
	assert.True(t, r.Add("e"))
	assert.Equal(t, []string{"c", "d", "e"}, r.Keys())

	for i := 0; i < 10; i++ {
		r.Add(fmt.Sprintf("k%d", i))
	}
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"k7", "k8", "k9"}, r.Keys())
}

func TestEventKey(t *testing.T) {
	base := likeEvent()

	same := base
	assert.Equal(t, EventKey(base), EventKey(same))

	later := base
	later.CreatedAt = "2024-05-01 10:00:01"
	assert.NotEqual(t, EventKey(base), EventKey(later))

	asView := base
	asView.Action = models.ActionViewed
	assert.NotEqual(t, EventKey(base), EventKey(asView), "action is part of the key")

	long := base
	long.Content = strings.Repeat("x", 500)
	key := EventKey(long)
	assert.NotContains(t, key, strings.Repeat("x", 100))
	assert.Less(t, len(key), 120)

	mail := models.InboundEvent{Action: models.ActionMail, MailID: "55", SenderExternalID: "900", RecipientExternalID: "101", Content: "a"}
	otherContent := mail
	otherContent.Content = "b"
	assert.Equal(t, EventKey(mail), EventKey(otherContent), "mail keys ignore content")
}
