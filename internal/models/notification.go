package models

import "time"

// NotificationType tags a notification for per-type filtering
type NotificationType string

const (
	NotificationView      NotificationType = "view"
	NotificationLike      NotificationType = "like"
	NotificationWink      NotificationType = "wink"
	NotificationMessage   NotificationType = "message"
	NotificationMail      NotificationType = "mail"
	NotificationReadMail  NotificationType = "read_mail"
	NotificationLimits    NotificationType = "limits"
	NotificationBroadcast NotificationType = "broadcast"
	NotificationSystem    NotificationType = "system"
)

// Notification priorities
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// NotificationOptions are presentation hints for the notification collaborator
type NotificationOptions struct {
	RequireInteraction bool   `json:"requireInteraction"`
	Priority           int    `json:"priority"`
	ChatURL            string `json:"chatUrl,omitempty"`
}

// Notification is an outbound automation event for the presentation layer
type Notification struct {
	ID        int64               `json:"id,omitempty"`
	Title     string              `json:"title"`
	Body      string              `json:"body"`
	Type      NotificationType    `json:"notificationType"`
	Options   NotificationOptions `json:"options"`
	CreatedAt time.Time           `json:"created_at"`
}
