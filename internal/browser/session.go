// Package browser - cookie persistence
package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"operator-autopilot/internal/storage"
)

// FieldStore persists JSON fields
type FieldStore interface {
	Get(ctx context.Context, field string, out any) (bool, error)
	Set(ctx context.Context, field string, v any) error
}

// CookieData represents a serializable cookie
type CookieData struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite"`
}

// CookieJar saves and restores the console's cookies in the shared store
type CookieJar struct {
	store  FieldStore
	logger zerolog.Logger
}

// NewCookieJar creates a cookie jar backed by store
func NewCookieJar(store FieldStore, logger zerolog.Logger) *CookieJar {
	return &CookieJar{
		store:  store,
		logger: logger.With().Str("component", "cookies").Logger(),
	}
}

// Save stores every browser cookie
func (j *CookieJar) Save(ctx context.Context, b *rod.Browser) error {
	cookies, err := b.Context(ctx).GetCookies()
	if err != nil {
		return fmt.Errorf("failed to get cookies: %w", err)
	}

	data := FromNetworkCookies(cookies)
	if err := j.store.Set(ctx, storage.FieldBrowserCookies, data); err != nil {
		return fmt.Errorf("failed to save cookies: %w", err)
	}
	j.logger.Debug().Int("count", len(data)).Msg("Cookies saved")
	return nil
}

// Restore loads unexpired cookies into the browser
func (j *CookieJar) Restore(ctx context.Context, b *rod.Browser) error {
	var data []CookieData
	found, err := j.store.Get(ctx, storage.FieldBrowserCookies, &data)
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}
	if !found {
		j.logger.Debug().Msg("No saved cookies found")
		return nil
	}

	params := ToCookieParams(data, time.Now())
	if len(params) > 0 {
		if err := b.Context(ctx).SetCookies(params); err != nil {
			return fmt.Errorf("failed to set cookies: %w", err)
		}
	}

	j.logger.Info().
		Int("loaded", len(params)).
		Int("total", len(data)).
		Msg("Cookies restored")
	return nil
}

// FromNetworkCookies converts browser cookies to their stored form
func FromNetworkCookies(cookies []*proto.NetworkCookie) []CookieData {
	out := make([]CookieData, 0, len(cookies))
	for _, c := range cookies {
		sameSite := "Lax"
		switch c.SameSite {
		case proto.NetworkCookieSameSiteStrict:
			sameSite = "Strict"
		case proto.NetworkCookieSameSiteNone:
			sameSite = "None"
		}
		out = append(out, CookieData{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: sameSite,
		})
	}
	return out
}

// ToCookieParams converts stored cookies back, dropping those expired at now.
// Session cookies (no expiry) are kept.
func ToCookieParams(data []CookieData, now time.Time) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(data))
	for _, c := range data {
		if c.Expires > 0 && c.Expires < float64(now.Unix()) {
			continue
		}

		sameSite := proto.NetworkCookieSameSiteLax
		switch c.SameSite {
		case "Strict":
			sameSite = proto.NetworkCookieSameSiteStrict
		case "None":
			sameSite = proto.NetworkCookieSameSiteNone
		}

		out = append(out, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  proto.TimeSinceEpoch(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: sameSite,
		})
	}
	return out
}
