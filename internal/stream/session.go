package stream

import (
	"time"

	"operator-autopilot/internal/models"
)

// Session is the state of this process's streaming connection. It is owned
// by one Controller and only touched under the controller's mutex.
type Session struct {
	State            models.SessionState
	ReconnectAttempt int
	LastPongAt       time.Time
	PendingPingAt    time.Time
	Initialized      bool

	conn      Conn
	// gen identifies the current connection so callbacks from a replaced
	// connection's goroutines are ignored.
	gen       uint64
	stop      chan struct{}
	handshake *time.Timer
}

// SessionInfo is a read-only copy of the session for status reporting
type SessionInfo struct {
	State            string    `json:"state"`
	ReconnectAttempt int       `json:"reconnect_attempt"`
	LastPongAt       time.Time `json:"last_pong_at"`
	PendingPingAt    time.Time `json:"pending_ping_at"`
	Initialized      bool      `json:"initialized"`
	Owner            string    `json:"owner"`
	Exhausted        bool      `json:"exhausted"`
	Stopped          bool      `json:"stopped"`
}

// reset returns every attribute to its initial value, keeping the generation
// counter monotonic.
func (s *Session) reset() {
	gen := s.gen + 1
	*s = Session{gen: gen}
}

// stopHeartbeat ends the ping and watchdog goroutines of the current
// connection and disarms its handshake deadline.
func (s *Session) stopHeartbeat() {
	s.stopHandshake()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

func (s *Session) stopHandshake() {
	if s.handshake != nil {
		s.handshake.Stop()
		s.handshake = nil
	}
}

// BackoffDelay is the reconnect delay after failed attempt n (1-indexed):
// min(base * 2^(n-1), max).
func BackoffDelay(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
