package browser

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"operator-autopilot/internal/api"
	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/storage"
)

type stubConsole struct {
	token string
	err   error
	calls int
}

func (s *stubConsole) Token(context.Context) (string, error) {
	s.calls++
	return s.token, s.err
}

func newKV(t *testing.T) *storage.KVStore {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "b.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.NewKVStore(db)
}

func TestResolver_Order(t *testing.T) {
	ctx := context.Background()

	t.Run("configured token wins", func(t *testing.T) {
		console := &stubConsole{token: "from-console"}
		r := NewResolver(" env-token ", console, newKV(t), zerolog.Nop())
		token, err := r.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "env-token", token)
		assert.Zero(t, console.calls)
	})

	t.Run("console token is persisted", func(t *testing.T) {
		kv := newKV(t)
		r := NewResolver("", &stubConsole{token: "from-console"}, kv, zerolog.Nop())
		token, err := r.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "from-console", token)

		stored, err := kv.GetString(ctx, storage.FieldAuthToken)
		require.NoError(t, err)
		assert.Equal(t, "from-console", stored)
	})

	t.Run("falls back to stored token", func(t *testing.T) {
		kv := newKV(t)
		require.NoError(t, kv.Set(ctx, storage.FieldAuthToken, "stored"))
		r := NewResolver("", &stubConsole{err: errors.New("not logged in")}, kv, zerolog.Nop())
		token, err := r.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, "stored", token)
	})

	t.Run("host gone is not masked", func(t *testing.T) {
		kv := newKV(t)
		require.NoError(t, kv.Set(ctx, storage.FieldAuthToken, "stored"))
		r := NewResolver("", &stubConsole{err: ErrHostGone}, kv, zerolog.Nop())
		_, err := r.Token(ctx)
		assert.True(t, apperr.Is(err, apperr.CodeHostInvalidated))
	})

	t.Run("nothing available", func(t *testing.T) {
		r := NewResolver("", nil, newKV(t), zerolog.Nop())
		_, err := r.Token(ctx)
		assert.ErrorIs(t, err, api.ErrNoToken)
	})
}

func TestCookieConversion(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cookies := []*proto.NetworkCookie{
		{Name: "sid", Value: "1", Domain: ".console.example", Path: "/", Expires: proto.TimeSinceEpoch(now.Add(time.Hour).Unix()), HTTPOnly: true, Secure: true, SameSite: proto.NetworkCookieSameSiteStrict},
		{Name: "old", Value: "2", Domain: ".console.example", Path: "/", Expires: proto.TimeSinceEpoch(now.Add(-time.Hour).Unix())},
		{Name: "session", Value: "3", Domain: ".console.example", Path: "/", SameSite: proto.NetworkCookieSameSiteNone},
	}

	data := FromNetworkCookies(cookies)
	require.Len(t, data, 3)
	assert.Equal(t, "Strict", data[0].SameSite)
	assert.Equal(t, "Lax", data[1].SameSite)
	assert.Equal(t, "None", data[2].SameSite)

	params := ToCookieParams(data, now)
	require.Len(t, params, 2, "expired cookie dropped")
	assert.Equal(t, "sid", params[0].Name)
	assert.Equal(t, proto.NetworkCookieSameSiteStrict, params[0].SameSite)
	assert.True(t, params[0].HTTPOnly)
	assert.Equal(t, "session", params[1].Name)
}

func TestNormalizeToken(t *testing.T) {
	tests := map[string]string{
		"abc":             "abc",
		`"abc"`:           "abc",
		"Bearer abc":      "abc",
		` "bearer  abc" `: "abc",
		"":                "",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeToken(in), in)
	}
}
