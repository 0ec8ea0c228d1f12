package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalID_AcceptsNumbersAndStrings(t *testing.T) {
	var v struct {
		A ExternalID `json:"a"`
		B ExternalID `json:"b"`
		C ExternalID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12345678, "b": " 42 ", "c": null}`), &v))

	assert.Equal(t, ExternalID("12345678"), v.A)
	assert.Equal(t, ExternalID("42"), v.B)
	assert.True(t, v.C.IsZero())
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in   string
		want Action
	}{
		{"viewed", ActionViewed},
		{"VIEW", ActionViewed},
		{"viewed-photos", ActionViewedPhotos},
		{"Liked", ActionLiked},
		{"message", ActionMessage},
		{"letter", ActionMail},
		{"read_mail", ActionReadMail},
		{"update limits", ActionLimitsUpdate},
		{"typing", ActionUnknown},
		{"", ActionUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			assert.Equal(t, tc.want, ParseAction(tc.in))
		})
	}
}

func TestInboundEvent_Decode(t *testing.T) {
	payload := `{
		"action": "message",
		"id": "m-1",
		"chat_uid": "c-9",
		"sender_external_id": 100,
		"recipient_external_id": "200",
		"message_type": "SENT_WINK",
		"message_content": "",
		"date_created": "2024-05-01 10:00:00",
		"connect": 1
	}`

	var ev InboundEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &ev))

	assert.Equal(t, ActionMessage, ev.Action)
	assert.Equal(t, MessageWink, ev.MessageType)
	assert.Equal(t, ExternalID("100"), ev.SenderExternalID)
	assert.False(t, ev.IsNewContact())
	assert.Equal(t, ChatTarget{ProfileID: "200", CounterpartyID: "100"}, ev.Counterparty())
}

func TestInboundEvent_UnknownTagsDoNotFail(t *testing.T) {
	var ev InboundEvent
	require.NoError(t, json.Unmarshal([]byte(`{"action": 7, "message_type": "SENT_GIFT"}`), &ev))
	assert.Equal(t, ActionUnknown, ev.Action)
	assert.Equal(t, MessageUnknown, ev.MessageType)
}

func TestQueueState_Resumable(t *testing.T) {
	jobs := []BroadcastJob{{ExternalID: "1"}, {ExternalID: "2"}}

	assert.True(t, BroadcastQueueState{Status: QueueRunning, Index: 1, Queue: jobs}.Resumable())
	assert.False(t, BroadcastQueueState{Status: QueueRunning, Index: 2, Queue: jobs}.Resumable())
	assert.False(t, BroadcastQueueState{Status: QueueFinished, Index: 0, Queue: jobs}.Resumable())
	assert.False(t, BroadcastQueueState{Status: QueueRunning}.Resumable())
}
