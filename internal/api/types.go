package api

import "operator-autopilot/internal/models"

// ChatThread is one entry of the chat listing
type ChatThread struct {
	ChatUID        string            `json:"chat_uid"`
	ProfileID      models.ExternalID `json:"female_external_id"`
	CounterpartyID models.ExternalID `json:"male_external_id"`
	Type           string            `json:"type,omitempty"`
}

// LastMessage is the newest message of a chat thread
type LastMessage struct {
	ChatUID             string             `json:"chat_uid"`
	SenderExternalID    models.ExternalID  `json:"sender_external_id"`
	RecipientExternalID models.ExternalID  `json:"recipient_external_id"`
	MessageType         models.MessageType `json:"message_type"`
	Content             string             `json:"message_content"`
	CreatedAt           string             `json:"date_created"`
}

// TargetFor derives the (profile, counterparty) pair as seen from profile.
// It reports false when profile is on neither side of the message.
func (m LastMessage) TargetFor(profile models.ExternalID) (models.ChatTarget, bool) {
	switch profile {
	case m.SenderExternalID:
		return models.ChatTarget{ProfileID: profile, CounterpartyID: m.RecipientExternalID}, !m.RecipientExternalID.IsZero()
	case m.RecipientExternalID:
		return models.ChatTarget{ProfileID: profile, CounterpartyID: m.SenderExternalID}, !m.SenderExternalID.IsZero()
	}
	return models.ChatTarget{}, false
}

// ChatMessage is one entry of a chat history page
type ChatMessage struct {
	ID                  string             `json:"id"`
	SenderExternalID    models.ExternalID  `json:"sender_external_id"`
	RecipientExternalID models.ExternalID  `json:"recipient_external_id"`
	MessageType         models.MessageType `json:"message_type"`
	Content             string             `json:"message_content"`
	CreatedAt           string             `json:"date_created"`
}

// MediaItem is a photo or video in a library or chat
type MediaItem struct {
	ID        string `json:"id"`
	URL       string `json:"link"`
	Filename  string `json:"filename"`
	ContentID string `json:"content_id"`
	Type      string `json:"content_type"`
}

// PhotoRef converts the item to an auto-reply photo reference
func (m MediaItem) PhotoRef() models.PhotoRef {
	return models.PhotoRef{URL: m.URL, Filename: m.Filename, ContentID: m.ContentID}
}

// ProfileDetail is the detail view used for mirror/site lookup
type ProfileDetail struct {
	ExternalID models.ExternalID `json:"external_id"`
	Name       string            `json:"name"`
	SiteID     int               `json:"site_id"`
	Mirror     string            `json:"mirror"`
}

// MailThread is the detail of a mail thread used for deep links
type MailThread struct {
	ChatUID string `json:"chat_uid"`
	MailID  string `json:"mail_id"`
	URL     string `json:"url"`
}

// SendMessageRequest is one chat send
type SendMessageRequest struct {
	SenderID    models.ExternalID `json:"sender_id"`
	RecipientID models.ExternalID `json:"recipient_id"`
	MessageType string            `json:"message_type"`
	Content     string            `json:"message_content"`
	Filename    string            `json:"filename,omitempty"`
	ContentID   string            `json:"content_id,omitempty"`
}

// SendLetterRequest is one mailbox letter, possibly to many recipients
type SendLetterRequest struct {
	SenderID    models.ExternalID   `json:"sender_id"`
	Recipients  []models.ExternalID `json:"recipients"`
	Content     string              `json:"message_content"`
	Attachments []models.PhotoRef   `json:"attachments,omitempty"`
}
