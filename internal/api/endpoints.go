package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/models"
)

// ListProfiles returns the operator's profiles
func (c *Client) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	var out []models.Profile
	if err := c.do(ctx, http.MethodGet, "/operator/profiles", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListChats returns one page of chat threads for a profile. chatType is an
// optional filter; an empty string lists every type.
func (c *Client) ListChats(ctx context.Context, userID models.ExternalID, page, limit int, chatType string) ([]ChatThread, error) {
	body := map[string]any{
		"user_id": userID,
		"page":    page,
		"limit":   limit,
	}
	if chatType != "" {
		body["type"] = chatType
	}

	var out []ChatThread
	if err := c.do(ctx, http.MethodPost, "/chat/chats", nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LastMessages looks up the newest message of each chat
func (c *Client) LastMessages(ctx context.Context, chatUIDs []string) ([]LastMessage, error) {
	if len(chatUIDs) == 0 {
		return nil, nil
	}
	var out []LastMessage
	if err := c.do(ctx, http.MethodPost, "/chat/last-messages", nil, map[string]any{"chat_uids": chatUIDs}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChatHistory returns one page of a chat's messages
func (c *Client) ChatHistory(ctx context.Context, chatUID string, page int) ([]ChatMessage, error) {
	q := url.Values{"page": {strconv.Itoa(page)}}
	var out []ChatMessage
	if err := c.do(ctx, http.MethodGet, "/chat/history/"+url.PathEscape(chatUID), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OperatorMedia lists media the operator sent in a chat
func (c *Client) OperatorMedia(ctx context.Context, chatUID string) ([]MediaItem, error) {
	var out []MediaItem
	if err := c.do(ctx, http.MethodGet, "/chat/operator-media/"+url.PathEscape(chatUID), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OperatorMediaInLetters lists media the operator attached to letters in a chat
func (c *Client) OperatorMediaInLetters(ctx context.Context, chatUID string) ([]MediaItem, error) {
	var out []MediaItem
	if err := c.do(ctx, http.MethodGet, "/mail/operator-media/"+url.PathEscape(chatUID), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MediaLibrary lists a profile's photo and video library
func (c *Client) MediaLibrary(ctx context.Context, externalID models.ExternalID) ([]MediaItem, error) {
	var out []MediaItem
	if err := c.do(ctx, http.MethodGet, "/media/library/"+url.PathEscape(externalID.String()), nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SendText sends a text chat message
func (c *Client) SendText(ctx context.Context, target models.ChatTarget, text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.New(apperr.CodeConfiguration, "empty message")
	}
	return c.SendMessage(ctx, SendMessageRequest{
		SenderID:    target.ProfileID,
		RecipientID: target.CounterpartyID,
		MessageType: models.MessageText.Wire(),
		Content:     text,
	})
}

// SendPhoto sends a photo from the profile's library
func (c *Client) SendPhoto(ctx context.Context, target models.ChatTarget, photo models.PhotoRef) error {
	if photo.URL == "" {
		return apperr.New(apperr.CodeConfiguration, "photo has no url")
	}
	return c.SendMessage(ctx, SendMessageRequest{
		SenderID:    target.ProfileID,
		RecipientID: target.CounterpartyID,
		MessageType: models.MessagePhoto.Wire(),
		Content:     photo.URL,
		Filename:    photo.Filename,
		ContentID:   photo.ContentID,
	})
}

// SendLike sends a like reaction
func (c *Client) SendLike(ctx context.Context, target models.ChatTarget) error {
	return c.SendMessage(ctx, SendMessageRequest{
		SenderID:    target.ProfileID,
		RecipientID: target.CounterpartyID,
		MessageType: models.MessageLike.Wire(),
	})
}

// SendMessage posts a raw chat message
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) error {
	if req.SenderID.IsZero() || req.RecipientID.IsZero() {
		return apperr.New(apperr.CodeConfiguration, "message needs sender and recipient")
	}
	return c.do(ctx, http.MethodPost, "/chat/message", nil, req, nil)
}

// SendLetter posts one mailbox letter to every recipient
func (c *Client) SendLetter(ctx context.Context, req SendLetterRequest) error {
	if req.SenderID.IsZero() || len(req.Recipients) == 0 {
		return apperr.New(apperr.CodeConfiguration, "letter needs sender and recipients")
	}
	if strings.TrimSpace(req.Content) == "" {
		return apperr.New(apperr.CodeConfiguration, "empty letter")
	}
	return c.do(ctx, http.MethodPost, "/mail/letter", nil, req, nil)
}

// ProfileDetail fetches a profile's detail view
func (c *Client) ProfileDetail(ctx context.Context, externalID models.ExternalID) (*ProfileDetail, error) {
	var out ProfileDetail
	if err := c.do(ctx, http.MethodGet, "/operator/profile/"+url.PathEscape(externalID.String()), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MailThread fetches the mail thread between a profile and a counterparty
func (c *Client) MailThread(ctx context.Context, userID, counterpartyID models.ExternalID, mailID string) (*MailThread, error) {
	q := url.Values{
		"user_id":         {userID.String()},
		"counterparty_id": {counterpartyID.String()},
	}
	if mailID != "" {
		q.Set("mail_id", mailID)
	}
	var out MailThread
	if err := c.do(ctx, http.MethodGet, "/mail/thread", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckSubscription asks the licence endpoint whether the key is active.
// Without a configured endpoint the check always passes.
func (c *Client) CheckSubscription(ctx context.Context) error {
	if c.licenseURL == "" {
		return nil
	}

	q := url.Values{"key": {c.licenseKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.licenseURL+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to build licence request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeTransport, err, "licence check")
	}
	defer func() { _ = resp.Body.Close() }()

	var body struct {
		Active bool   `json:"active"`
		Reason string `json:"reason"`
	}
	if resp.StatusCode != http.StatusOK {
		return apperr.Newf(apperr.CodeConfiguration, "licence check: http %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return apperr.Wrap(apperr.CodeAPI, err, "decode licence response")
	}
	if !body.Active {
		return apperr.Newf(apperr.CodeConfiguration, "subscription inactive: %s", body.Reason)
	}
	return nil
}

// ChatURL builds the console deep link for a chat
func ChatURL(consoleURL, chatUID string) string {
	if consoleURL == "" || chatUID == "" {
		return ""
	}
	return strings.TrimRight(consoleURL, "/") + "/chat/" + url.PathEscape(chatUID)
}

// LetterURL builds the console deep link for a mail thread
func LetterURL(consoleURL string, thread *MailThread) string {
	if thread == nil {
		return ""
	}
	if thread.URL != "" {
		return thread.URL
	}
	if consoleURL == "" || thread.ChatUID == "" {
		return ""
	}
	return strings.TrimRight(consoleURL, "/") + "/letter/" + url.PathEscape(thread.ChatUID)
}
