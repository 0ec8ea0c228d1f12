package models

import "time"

// TriggerKind is the inbound event type that may provoke an automated response
type TriggerKind string

const (
	TriggerWink TriggerKind = "wink"
	TriggerLike TriggerKind = "like"
	TriggerView TriggerKind = "view"
)

// TriggerKinds lists every trigger kind in display order
var TriggerKinds = []TriggerKind{TriggerWink, TriggerLike, TriggerView}

// PhotoRef points to a photo in the profile's media library
type PhotoRef struct {
	URL       string `json:"url" yaml:"url"`
	Filename  string `json:"filename" yaml:"filename"`
	ContentID string `json:"content_id" yaml:"content_id"`
}

// ReplyContent is what to send for one trigger kind
type ReplyContent struct {
	Text  string    `json:"text,omitempty" yaml:"text,omitempty"`
	Photo *PhotoRef `json:"photo,omitempty" yaml:"photo,omitempty"`
}

// IsEmpty reports whether neither text nor photo is configured
func (c ReplyContent) IsEmpty() bool {
	return c.Text == "" && (c.Photo == nil || c.Photo.URL == "")
}

// AutoReplyConfig is the per-profile automation configuration
type AutoReplyConfig struct {
	ProfileExternalID ExternalID                   `json:"profile_external_id" yaml:"profile_external_id"`
	Triggers          map[TriggerKind]ReplyContent `json:"triggers" yaml:"triggers"`

	// Broadcast texts used by "all profiles" campaigns
	BroadcastMessage string `json:"broadcast_message,omitempty" yaml:"broadcast_message,omitempty"`
	BroadcastLetter  string `json:"broadcast_letter,omitempty" yaml:"broadcast_letter,omitempty"`

	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// For returns the reply content configured for a trigger
func (c *AutoReplyConfig) For(kind TriggerKind) ReplyContent {
	if c == nil || c.Triggers == nil {
		return ReplyContent{}
	}
	return c.Triggers[kind]
}

// OutboundKind distinguishes outbound automation actions
type OutboundKind string

const (
	OutboundText  OutboundKind = "send_text"
	OutboundPhoto OutboundKind = "send_photo"
)

// OutboundAction is one send decided by the automation policy
type OutboundAction struct {
	Kind   OutboundKind
	Target ChatTarget
	Text   string
	Photo  PhotoRef
}
