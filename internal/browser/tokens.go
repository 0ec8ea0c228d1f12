package browser

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"operator-autopilot/internal/api"
	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/storage"
)

// Resolver finds the auth token: a configured token first, then the live
// console, then the last token persisted by any process
type Resolver struct {
	static  string
	console api.TokenSource
	store   FieldStore
	logger  zerolog.Logger
}

// NewResolver creates a resolver. console may be nil when no browser runs.
func NewResolver(static string, console api.TokenSource, store FieldStore, logger zerolog.Logger) *Resolver {
	return &Resolver{
		static:  strings.TrimSpace(static),
		console: console,
		store:   store,
		logger:  logger.With().Str("component", "tokens").Logger(),
	}
}

// Token implements api.TokenSource
func (r *Resolver) Token(ctx context.Context) (string, error) {
	if r.static != "" {
		return r.static, nil
	}

	if r.console != nil {
		token, err := r.console.Token(ctx)
		switch {
		case err == nil:
			if err := r.store.Set(ctx, storage.FieldAuthToken, token); err != nil {
				r.logger.Warn().Err(err).Msg("Failed to persist token")
			}
			return token, nil
		case apperr.Is(err, apperr.CodeHostInvalidated):
			return "", err
		default:
			r.logger.Warn().Err(err).Msg("Console token unavailable, using stored token")
		}
	}

	var token string
	found, err := r.store.Get(ctx, storage.FieldAuthToken, &token)
	if err != nil {
		return "", err
	}
	if !found || strings.TrimSpace(token) == "" {
		return "", api.ErrNoToken
	}
	return token, nil
}
