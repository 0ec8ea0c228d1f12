package models

import "time"

// SessionState is the lifecycle state of the streaming session
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionHandshakePending
	SessionOpen
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionHandshakePending:
		return "handshake_pending"
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// Live reports whether the state counts toward the single-writer invariant
func (s SessionState) Live() bool {
	return s == SessionConnecting || s == SessionHandshakePending || s == SessionOpen
}

// MonitoringStatus is the user-visible monitoring indicator
type MonitoringStatus string

const (
	MonitoringRunning  MonitoringStatus = "running"
	MonitoringEnabled  MonitoringStatus = "enabled"
	MonitoringDisabled MonitoringStatus = "disabled"
)

// Counter names one Stats counter
type Counter string

const (
	CounterIncomingViews       Counter = "incoming_views"
	CounterIncomingLikes       Counter = "incoming_likes"
	CounterIncomingWinks       Counter = "incoming_winks"
	CounterIncomingMessages    Counter = "incoming_messages"
	CounterIncomingLetters     Counter = "incoming_letters"
	CounterOutgoingMessages    Counter = "outgoing_messages"
	CounterSuccessfulChatSends Counter = "successful_chat_sends"
	CounterReadMails           Counter = "read_mails"
	CounterLimitUpdates        Counter = "limit_updates"
)

// Counters lists every counter
var Counters = []Counter{
	CounterIncomingViews,
	CounterIncomingLikes,
	CounterIncomingWinks,
	CounterIncomingMessages,
	CounterIncomingLetters,
	CounterOutgoingMessages,
	CounterSuccessfulChatSends,
	CounterReadMails,
	CounterLimitUpdates,
}

// Stats holds monotonic activity counters
type Stats struct {
	IncomingViews       int       `json:"incoming_views"`
	IncomingLikes       int       `json:"incoming_likes"`
	IncomingWinks       int       `json:"incoming_winks"`
	IncomingMessages    int       `json:"incoming_messages"`
	IncomingLetters     int       `json:"incoming_letters"`
	OutgoingMessages    int       `json:"outgoing_messages"`
	SuccessfulChatSends int       `json:"successful_chat_sends"`
	ReadMails           int       `json:"read_mails"`
	LimitUpdates        int       `json:"limit_updates"`
	LastUpdate          time.Time `json:"last_update"`
	LastReset           time.Time `json:"last_reset"`
}

// OperationLock is an advisory, time-bounded lease on a named operation
type OperationLock struct {
	Operation string    `json:"operation"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HeldAt reports whether the lock is held at the given instant
func (l OperationLock) HeldAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Well-known lock names
const (
	LockAutoReply = "autoreply"
	LockBroadcast = "broadcast"
	LockSocket    = "socket"
)
