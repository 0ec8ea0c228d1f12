// Package browser keeps the operator console open in a headless browser so
// the auth token can be read from the page and the host's liveness observed.
package browser

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog"

	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/config"
)

// ErrHostGone is returned once the browser has disconnected
var ErrHostGone = apperr.New(apperr.CodeHostInvalidated, "console browser is gone")

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// Console is a browser session on the operator console
type Console struct {
	browser    *rod.Browser
	page       *rod.Page
	cfg        config.BrowserConfig
	consoleURL string
	cookies    *CookieJar
	logger     zerolog.Logger
}

// Launch starts the browser, restores saved cookies and opens the console
func Launch(ctx context.Context, cfg config.BrowserConfig, consoleURL string, cookies *CookieJar, logger zerolog.Logger) (*Console, error) {
	logger = logger.With().Str("component", "browser").Logger()
	logger.Info().Bool("headless", cfg.Headless).Msg("Launching console browser")

	if consoleURL == "" {
		return nil, apperr.New(apperr.CodeConfiguration, "console url is required for the browser")
	}

	l := launcher.New().Headless(cfg.Headless)
	if cfg.UserDataDir != "" {
		absPath, err := filepath.Abs(cfg.UserDataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for user data dir: %w", err)
		}
		if err := os.MkdirAll(absPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create user data directory: %w", err)
		}
		l = l.UserDataDir(absPath)
	}

	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Set("disable-dev-shm-usage")
	l = l.Set("no-first-run")
	l = l.Set("no-default-browser-check")
	l = l.Set("user-agent", userAgents[rand.Intn(len(userAgents))])

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeTransport, err, "failed to launch browser")
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, apperr.Wrap(apperr.CodeTransport, err, "failed to connect to browser")
	}

	c := &Console{
		browser:    b,
		cfg:        cfg,
		consoleURL: consoleURL,
		cookies:    cookies,
		logger:     logger,
	}

	if cookies != nil {
		if err := cookies.Restore(ctx, b); err != nil {
			logger.Warn().Err(err).Msg("Failed to restore cookies")
		}
	}

	if err := c.open(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	logger.Info().Str("url", consoleURL).Msg("Console opened")
	return c, nil
}

func (c *Console) open(ctx context.Context) error {
	page, err := stealth.Page(c.browser)
	if err != nil {
		return fmt.Errorf("failed to create stealth page: %w", err)
	}

	if c.cfg.ViewportWidth > 0 && c.cfg.ViewportHeight > 0 {
		err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:  c.cfg.ViewportWidth,
			Height: c.cfg.ViewportHeight,
		})
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to set viewport")
		}
	}

	p := page.Context(ctx)
	if err := p.Navigate(c.consoleURL); err != nil {
		return apperr.Wrap(apperr.CodeTransport, err, "failed to open console")
	}
	if err := p.WaitLoad(); err != nil {
		c.logger.Warn().Err(err).Msg("WaitLoad failed, continuing anyway")
	}

	c.page = page
	return nil
}

// Token reads the console's auth token from localStorage. The console must
// be logged in; an empty value is a configuration error.
func (c *Console) Token(ctx context.Context) (string, error) {
	if !c.Alive() {
		return "", ErrHostGone
	}

	key := c.cfg.TokenStorageKey
	if key == "" {
		key = "token"
	}

	res, err := c.page.Context(ctx).Eval(`k => localStorage.getItem(k)`, key)
	if err != nil {
		if !c.Alive() {
			return "", ErrHostGone
		}
		return "", fmt.Errorf("failed to read token from console: %w", err)
	}
	if res.Value.Nil() {
		return "", apperr.New(apperr.CodeConfiguration, "console is not logged in")
	}

	token := normalizeToken(res.Value.Str())
	if token == "" {
		return "", apperr.New(apperr.CodeConfiguration, "console is not logged in")
	}

	if c.cookies != nil {
		if err := c.cookies.Save(ctx, c.browser); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to save cookies")
		}
	}
	return token, nil
}

// Alive reports whether the browser is still connected
func (c *Console) Alive() bool {
	if c.browser == nil || c.page == nil {
		return false
	}
	pages, err := c.browser.Pages()
	return err == nil && pages != nil
}

// Watch closes the returned channel once the browser disconnects or ctx ends
func (c *Console) Watch(ctx context.Context, interval time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.Alive() {
					c.logger.Error().Msg("Console browser disconnected")
					return
				}
			}
		}
	}()
	return gone
}

// Close saves cookies and closes the browser
func (c *Console) Close() error {
	c.logger.Info().Msg("Closing console browser")
	if c.cookies != nil && c.Alive() {
		if err := c.cookies.Save(context.Background(), c.browser); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to save cookies")
		}
	}
	return c.browser.Close()
}

// normalizeToken strips JSON quoting and a bearer prefix some consoles store
func normalizeToken(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.Trim(t, `"`)
	if len(t) > 7 && strings.EqualFold(t[:7], "bearer ") {
		t = strings.TrimSpace(t[7:])
	}
	return t
}
