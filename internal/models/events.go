package models

import (
	"encoding/json"
	"strings"
)

// Action is the closed set of inbound event kinds. Anything the site sends
// that is not listed here decodes to ActionUnknown and is ignored.
type Action int

const (
	ActionUnknown Action = iota
	ActionViewed
	ActionViewedPhotos
	ActionLiked
	ActionMessage
	ActionMail
	ActionReadMail
	ActionLimitsUpdate
)

var actionNames = map[Action]string{
	ActionUnknown:      "unknown",
	ActionViewed:       "viewed",
	ActionViewedPhotos: "viewed_photos",
	ActionLiked:        "liked",
	ActionMessage:      "message",
	ActionMail:         "mail",
	ActionReadMail:     "read_mail",
	ActionLimitsUpdate: "limits_update",
}

var actionAliases = map[string]Action{
	"viewed":        ActionViewed,
	"view":          ActionViewed,
	"viewed_photos": ActionViewedPhotos,
	"view_photos":   ActionViewedPhotos,
	"liked":         ActionLiked,
	"like":          ActionLiked,
	"message":       ActionMessage,
	"mail":          ActionMail,
	"letter":        ActionMail,
	"read_mail":     ActionReadMail,
	"limits_update": ActionLimitsUpdate,
	"update_limits": ActionLimitsUpdate,
}

// ParseAction maps a wire action tag to an Action
func ParseAction(s string) Action {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	if a, ok := actionAliases[s]; ok {
		return a
	}
	return ActionUnknown
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// IsMailFamily reports whether the action is keyed by mail ids rather than message ids
func (a Action) IsMailFamily() bool {
	return a == ActionMail || a == ActionReadMail || a == ActionLimitsUpdate
}

// UnmarshalJSON decodes a wire action tag
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*a = ActionUnknown
		return nil
	}
	*a = ParseAction(s)
	return nil
}

// MarshalJSON encodes the canonical tag
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// MessageType is the sub-type of a chat message
type MessageType int

const (
	MessageUnknown MessageType = iota
	MessageText
	MessageWink
	MessagePhoto
	MessageLike
)

var messageTypeWire = map[MessageType]string{
	MessageText:  "SENT_TEXT",
	MessageWink:  "SENT_WINK",
	MessagePhoto: "SENT_IMAGE",
	MessageLike:  "SENT_LIKE",
}

// ParseMessageType maps a wire message type to a MessageType
func ParseMessageType(s string) MessageType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SENT_TEXT", "TEXT":
		return MessageText
	case "SENT_WINK", "WINK":
		return MessageWink
	case "SENT_IMAGE", "IMAGE", "PHOTO":
		return MessagePhoto
	case "SENT_LIKE", "LIKE":
		return MessageLike
	default:
		return MessageUnknown
	}
}

// Wire returns the tag the site expects for outgoing messages
func (m MessageType) Wire() string {
	return messageTypeWire[m]
}

func (m MessageType) String() string {
	if w, ok := messageTypeWire[m]; ok {
		return w
	}
	return "UNKNOWN"
}

// UnmarshalJSON decodes a wire message type
func (m *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*m = MessageUnknown
		return nil
	}
	*m = ParseMessageType(s)
	return nil
}

// MarshalJSON encodes the wire tag
func (m MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// InboundEvent is a decoded application-level event. Treat as immutable.
type InboundEvent struct {
	Action              Action      `json:"action"`
	ID                  ExternalID  `json:"id"`
	ChatUID             string      `json:"chat_uid"`
	SenderExternalID    ExternalID  `json:"sender_external_id"`
	RecipientExternalID ExternalID  `json:"recipient_external_id"`
	SenderName          string      `json:"sender_name,omitempty"`
	MessageType         MessageType `json:"message_type"`
	Content             string      `json:"message_content"`
	CreatedAt           string      `json:"date_created"`
	// Connect is 0 for a first-time contact and 1 for a returning one
	Connect         int        `json:"connect"`
	MailID          ExternalID `json:"mail_id,omitempty"`
	LimitsUpdatedAt string     `json:"limits_updated_at,omitempty"`
	MessageLimit    int        `json:"message_limit,omitempty"`
	LetterLimit     int        `json:"letter_limit,omitempty"`
}

// IsNewContact reports whether the counterparty has never been in contact before
func (e InboundEvent) IsNewContact() bool {
	return e.Connect == 0
}

// Counterparty returns the profile the event is about and the other side
func (e InboundEvent) Counterparty() ChatTarget {
	return ChatTarget{ProfileID: e.RecipientExternalID, CounterpartyID: e.SenderExternalID}
}
