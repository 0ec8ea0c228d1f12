// Package api is a thin typed client for the external site's REST endpoints.
// Calls are single request/response; retrying is left to the caller.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"operator-autopilot/internal/apperr"
)

// ErrNoToken is returned when no auth token is available for a request
var ErrNoToken = apperr.New(apperr.CodeConfiguration, "no auth token available")

// TokenSource supplies the bearer token for API and stream requests
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, typically from CONSOLE_TOKEN
type StaticToken string

// Token returns the fixed token
func (t StaticToken) Token(context.Context) (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// Client calls the external site's API
type Client struct {
	baseURL    string
	licenseURL string
	licenseKey string
	http       *http.Client
	tokens     TokenSource
	logger     zerolog.Logger
}

// Options configures a Client
type Options struct {
	BaseURL    string
	LicenseURL string
	LicenseKey string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewClient creates an API client
func NewClient(opts Options, tokens TokenSource, logger zerolog.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		licenseURL: opts.LicenseURL,
		licenseKey: opts.LicenseKey,
		http:       hc,
		tokens:     tokens,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// envelope is the site's common response wrapper
type envelope struct {
	Status   *bool           `json:"status"`
	Message  string          `json:"message"`
	Error    string          `json:"error"`
	Response json.RawMessage `json:"response"`
}

// StatusError describes a rejected call: a non-2xx status or status:false body
type StatusError struct {
	Method     string
	Path       string
	HTTPStatus int
	Message    string
}

func (e *StatusError) Error() string {
	if e.HTTPStatus >= 300 {
		return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.Path, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s %s: rejected: %s", e.Method, e.Path, e.Message)
}

// IsRejected reports whether err is a StatusError from the site
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// do performs one call. body is JSON-encoded when non-nil; out receives the
// envelope's response field (or the whole body when there is no envelope).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNoToken
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeTransport, err, method+" "+path)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return apperr.Wrap(apperr.CodeTransport, err, "read "+path)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("API call")

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return apperr.Wrap(apperr.CodeAPI, &StatusError{
			Method:     method,
			Path:       path,
			HTTPStatus: resp.StatusCode,
			Message:    summarize(raw),
		}, "request failed")
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return apperr.Wrap(apperr.CodeAPI, err, "decode "+path)
	}
	if env.Status != nil && !*env.Status {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return apperr.Wrap(apperr.CodeAPI, &StatusError{
			Method:     method,
			Path:       path,
			HTTPStatus: resp.StatusCode,
			Message:    msg,
		}, "request rejected")
	}

	if out == nil {
		return nil
	}
	payload := env.Response
	if env.Status == nil && len(payload) == 0 {
		payload = raw
	}
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return apperr.Wrap(apperr.CodeAPI, err, "decode "+path+" response")
	}
	return nil
}

func summarize(raw []byte) string {
	var env envelope
	if json.Unmarshal(raw, &env) == nil {
		if env.Message != "" {
			return env.Message
		}
		if env.Error != "" {
			return env.Error
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
