package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/models"
)

func openTestDB(t *testing.T) (*Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "autopilot.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestKVStore_RoundTrip(t *testing.T) {
	db, _ := openTestDB(t)
	kv := NewKVStore(db)
	ctx := context.Background()

	var missing []string
	found, err := kv.Get(ctx, FieldRecentKeys, &missing)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, kv.Set(ctx, FieldRecentKeys, []string{"a", "b"}))
	var keys []string
	found, err = kv.Get(ctx, FieldRecentKeys, &keys)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"a", "b"}, keys)

	enabled, err := kv.GetBool(ctx, FieldMonitoringEnabled, true)
	require.NoError(t, err)
	assert.True(t, enabled, "unset flag falls back to default")

	require.NoError(t, kv.Set(ctx, FieldMonitoringEnabled, false))
	enabled, err = kv.GetBool(ctx, FieldMonitoringEnabled, true)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, kv.Set(ctx, FieldAuthToken, "tok"))
	token, err := kv.GetString(ctx, FieldAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "tok", token)

	require.NoError(t, kv.Delete(ctx, FieldAuthToken))
	token, err = kv.GetString(ctx, FieldAuthToken)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestLockStore_NonReentrantAndExpiring(t *testing.T) {
	db, _ := openTestDB(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	db.SetClock(clock.Now)
	locks := NewLockStore(db)
	ctx := context.Background()

	ok, err := locks.TryAcquire(ctx, models.LockAutoReply, "tab-a", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = locks.TryAcquire(ctx, models.LockAutoReply, "tab-b", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "held lock must not be taken by another owner")

	ok, err = locks.TryAcquire(ctx, models.LockAutoReply, "tab-a", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "lock is not reentrant")

	held, err := locks.IsHeld(ctx, models.LockAutoReply)
	require.NoError(t, err)
	assert.True(t, held)

	clock.Advance(10 * time.Second)

	held, err = locks.IsHeld(ctx, models.LockAutoReply)
	require.NoError(t, err)
	assert.False(t, held, "lock expires at expiresAt")

	ok, err = locks.TryAcquire(ctx, models.LockAutoReply, "tab-b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	lock, err := locks.Get(ctx, models.LockAutoReply)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "tab-b", lock.Owner)
}

func TestLockStore_RenewAndRelease(t *testing.T) {
	db, _ := openTestDB(t)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	db.SetClock(clock.Now)
	locks := NewLockStore(db)
	ctx := context.Background()

	ok, err := locks.TryAcquire(ctx, models.LockSocket, "tab-a", 90*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(60 * time.Second)
	renewed, err := locks.Renew(ctx, models.LockSocket, "tab-a", 90*time.Second)
	require.NoError(t, err)
	assert.True(t, renewed)

	renewed, err = locks.Renew(ctx, models.LockSocket, "tab-b", 90*time.Second)
	require.NoError(t, err)
	assert.False(t, renewed, "only the owner renews")

	// Release by a non-owner is a no-op
	require.NoError(t, locks.Release(ctx, models.LockSocket, "tab-b"))
	held, err := locks.IsHeld(ctx, models.LockSocket)
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, locks.Release(ctx, models.LockSocket, "tab-a"))
	lock, err := locks.Get(ctx, models.LockSocket)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

// Two processes sharing one database file race for the same lease. The
// conditional upsert is evaluated inside SQLite's write lock, so exactly one
// of them wins; the loser sees a held lease and backs off.
func TestLockStore_ConcurrentAcquireAcrossConnections(t *testing.T) {
	_, path := openTestDB(t)

	const contenders = 8
	dbs := make([]*Database, contenders)
	for i := range dbs {
		db, err := Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		dbs[i] = db
	}

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
	)
	for i, db := range dbs {
		wg.Add(1)
		go func(i int, db *Database) {
			defer wg.Done()
			<-start
			ok, err := NewLockStore(db).TryAcquire(context.Background(), models.LockBroadcast, fmt.Sprintf("tab-%d", i), time.Minute)
			assert.NoError(t, err)
			if ok {
				winners.Add(1)
			}
		}(i, db)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestStatsStore_IncrementAndReset(t *testing.T) {
	db, _ := openTestDB(t)
	stats := NewStatsStore(db)
	ctx := context.Background()

	require.NoError(t, stats.Increment(ctx, models.CounterIncomingLikes))
	require.NoError(t, stats.Increment(ctx, models.CounterIncomingLikes))
	require.NoError(t, stats.Add(ctx, models.CounterSuccessfulChatSends, 3))
	assert.Error(t, stats.Increment(ctx, models.Counter("bogus; DROP TABLE stats")))

	st, err := stats.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.IncomingLikes)
	assert.Equal(t, 3, st.SuccessfulChatSends)
	assert.False(t, st.LastUpdate.IsZero())

	require.NoError(t, stats.Reset(ctx))
	st, err = stats.Get(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.IncomingLikes)
	assert.Zero(t, st.SuccessfulChatSends)
	assert.False(t, st.LastReset.IsZero())
}

func TestStatsStore_ConcurrentIncrements(t *testing.T) {
	db, _ := openTestDB(t)
	stats := NewStatsStore(db)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, stats.Increment(context.Background(), models.CounterOutgoingMessages))
		}()
	}
	wg.Wait()

	st, err := stats.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, st.OutgoingMessages)
}

func TestNotificationStore_CapsHistoryNewestFirst(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewNotificationStore(db, 3)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Record(ctx, &models.Notification{
			Title: fmt.Sprintf("n%d", i),
			Type:  models.NotificationLike,
		}))
	}

	list, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "n5", list[0].Title)
	assert.Equal(t, "n3", list[2].Title)
	assert.Equal(t, models.NotificationLike, list[0].Type)

	require.NoError(t, store.Clear(ctx))
	list, err = store.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestProfileStore_ConfigsAndNames(t *testing.T) {
	db, _ := openTestDB(t)
	store := NewProfileStore(db)
	ctx := context.Background()

	cfg, err := store.GetConfig(ctx, "101")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, store.SaveConfig(ctx, &models.AutoReplyConfig{
		ProfileExternalID: "101",
		Triggers: map[models.TriggerKind]models.ReplyContent{
			models.TriggerWink: {Text: "hi"},
		},
		BroadcastMessage: "hello all",
	}))

	cfg, err = store.GetConfig(ctx, "101")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "hi", cfg.For(models.TriggerWink).Text)
	assert.True(t, cfg.For(models.TriggerLike).IsEmpty())

	all, err := store.ListConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.DeleteConfig(ctx, "101"))
	cfg, err = store.GetConfig(ctx, "101")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	assert.Equal(t, "555", store.ResolveName(ctx, "555"))

	require.NoError(t, store.CacheProfiles(ctx, []models.Profile{{ExternalID: "555", Name: "Anna"}}))
	assert.Equal(t, "Anna", store.ResolveName(ctx, "555"))

	require.NoError(t, store.SetNameOverride(ctx, "555", "Anna (VIP)"))
	assert.Equal(t, "Anna (VIP)", store.ResolveName(ctx, "555"))

	require.NoError(t, store.SetNameOverride(ctx, "555", ""))
	assert.Equal(t, "Anna", store.ResolveName(ctx, "555"))
}

func TestClosedDatabase_ReportsHostInvalidated(t *testing.T) {
	db, _ := openTestDB(t)
	require.NoError(t, db.Close())

	err := NewStatsStore(db).Increment(context.Background(), models.CounterReadMails)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeHostInvalidated))
}
