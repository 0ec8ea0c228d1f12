// Package stream holds the single streaming connection to the site's event
// channel: framing, handshake, heartbeat, reconnection and the cross-process
// single-writer lease.
package stream

import (
	"bytes"
	"encoding/json"

	"operator-autopilot/internal/apperr"
)

// Control frames of the wire protocol
const (
	frameHello = "0"
	frameJoin  = "40"
	framePing  = "2"
	framePong  = "3"
	frameLeave = "41"
)

// FrameKind classifies a raw frame
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameOpen
	FrameConnectAck
	FramePing
	FramePong
	FrameClose
	FrameEvent
)

func (k FrameKind) String() string {
	switch k {
	case FrameOpen:
		return "open"
	case FrameConnectAck:
		return "connect_ack"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	case FrameEvent:
		return "event"
	}
	return "unknown"
}

// Frame is one parsed inbound frame
type Frame struct {
	Kind    FrameKind
	Channel string
	Event   string
	Payload json.RawMessage
}

// ParseFrame classifies raw. Frames starting with prefix are data frames;
// anything else is classified by its leading packet type, so control payloads
// may contain brackets. Data frames on other channels come back as
// FrameUnknown with no error. Malformed data frames return a protocol error.
func ParseFrame(raw []byte, prefix string) (Frame, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Frame{}, apperr.New(apperr.CodeProtocol, "empty frame")
	}

	if prefix != "" && bytes.HasPrefix(raw, []byte(prefix)) {
		if i := bytes.IndexByte(raw, '['); i >= 0 {
			return parseEvent(string(raw[:i]), raw[i:])
		}
	}

	if f, ok := parseControl(raw); ok {
		return f, nil
	}
	if i := bytes.IndexByte(raw, '['); i >= 0 {
		return Frame{Kind: FrameUnknown, Channel: string(raw[:i])}, nil
	}
	return Frame{Kind: FrameUnknown}, nil
}

func parseControl(raw []byte) (Frame, bool) {
	s := string(raw)
	switch {
	case s == frameJoin || bytes.HasPrefix(raw, []byte(frameJoin+"{")) || bytes.HasPrefix(raw, []byte(frameJoin+"/")):
		return Frame{Kind: FrameConnectAck}, true
	case s == frameLeave || bytes.HasPrefix(raw, []byte(frameLeave+"/")):
		return Frame{Kind: FrameClose}, true
	case raw[0] == '0':
		return Frame{Kind: FrameOpen, Payload: json.RawMessage(raw[1:])}, true
	case s == framePing:
		return Frame{Kind: FramePing}, true
	case raw[0] == '3':
		return Frame{Kind: FramePong}, true
	case raw[0] == '1':
		return Frame{Kind: FrameClose}, true
	}
	return Frame{}, false
}

func parseEvent(channel string, body []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return Frame{}, apperr.Wrap(apperr.CodeProtocol, err, "decode event frame")
	}
	if len(parts) == 0 {
		return Frame{}, apperr.New(apperr.CodeProtocol, "event frame has no name")
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil || name == "" {
		return Frame{}, apperr.New(apperr.CodeProtocol, "event name is not a string")
	}

	f := Frame{Kind: FrameEvent, Channel: channel, Event: name}
	if len(parts) > 1 {
		f.Payload = parts[1]
	}
	return f, nil
}
