package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"operator-autopilot/internal/models"
)

type call struct {
	kind string
	at   time.Time
}

type fakeSender struct {
	mu       sync.Mutex
	calls    []call
	failText bool
}

func (s *fakeSender) SendText(ctx context.Context, target models.ChatTarget, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{"text:" + text, time.Now()})
	if s.failText {
		return errors.New("status false")
	}
	return nil
}

func (s *fakeSender) SendPhoto(ctx context.Context, target models.ChatTarget, photo models.PhotoRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{"photo:" + photo.Filename, time.Now()})
	return nil
}

type countingStats struct {
	mu sync.Mutex
	n  map[models.Counter]int
}

func (c *countingStats) Increment(ctx context.Context, counter models.Counter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = map[models.Counter]int{}
	}
	c.n[counter]++
	return nil
}

var wink = models.InboundEvent{
	Action:              models.ActionMessage,
	MessageType:         models.MessageWink,
	SenderExternalID:    "900",
	RecipientExternalID: "101",
}

func configWith(content models.ReplyContent) *models.AutoReplyConfig {
	return &models.AutoReplyConfig{
		ProfileExternalID: "101",
		Triggers:          map[models.TriggerKind]models.ReplyContent{models.TriggerWink: content},
	}
}

func TestDecide(t *testing.T) {
	p := New(zerolog.Nop())
	photo := &models.PhotoRef{URL: "https://cdn.example/a.jpg", Filename: "a.jpg", ContentID: "5"}

	tests := []struct {
		name  string
		cfg   *models.AutoReplyConfig
		kinds []models.OutboundKind
	}{
		{"nil config", nil, nil},
		{"nothing configured", configWith(models.ReplyContent{}), nil},
		{"whitespace text only", configWith(models.ReplyContent{Text: "   "}), nil},
		{"text only", configWith(models.ReplyContent{Text: "hi"}), []models.OutboundKind{models.OutboundText}},
		{"photo only", configWith(models.ReplyContent{Photo: photo}), []models.OutboundKind{models.OutboundPhoto}},
		{"text then photo", configWith(models.ReplyContent{Text: "hi", Photo: photo}), []models.OutboundKind{models.OutboundText, models.OutboundPhoto}},
		{"data url rejected", configWith(models.ReplyContent{Text: "hi", Photo: &models.PhotoRef{URL: "data:image/png;base64,AAAA"}}), []models.OutboundKind{models.OutboundText}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actions := p.Decide(models.TriggerWink, tt.cfg, wink)
			var kinds []models.OutboundKind
			for _, a := range actions {
				kinds = append(kinds, a.Kind)
				assert.Equal(t, models.ChatTarget{ProfileID: "101", CounterpartyID: "900"}, a.Target)
			}
			assert.Equal(t, tt.kinds, kinds)
		})
	}
}

func TestDecide_OtherTriggerNotConfigured(t *testing.T) {
	p := New(zerolog.Nop())
	assert.Empty(t, p.Decide(models.TriggerLike, configWith(models.ReplyContent{Text: "hi"}), wink))
}

func TestExecute_TextThenDelayedPhoto(t *testing.T) {
	sender := &fakeSender{}
	stats := &countingStats{}
	delay := 40 * time.Millisecond
	e := NewExecutor(sender, stats, delay, zerolog.Nop())

	actions := New(zerolog.Nop()).Decide(models.TriggerWink,
		configWith(models.ReplyContent{Text: "hi", Photo: &models.PhotoRef{URL: "https://cdn/a.jpg", Filename: "a.jpg"}}), wink)

	sent, failed := e.Execute(context.Background(), actions)
	assert.Equal(t, 2, sent)
	assert.Zero(t, failed)

	require.Len(t, sender.calls, 2)
	assert.Equal(t, "text:hi", sender.calls[0].kind)
	assert.Equal(t, "photo:a.jpg", sender.calls[1].kind)
	assert.GreaterOrEqual(t, sender.calls[1].at.Sub(sender.calls[0].at), delay)
	assert.Equal(t, 2, stats.n[models.CounterOutgoingMessages])
}

func TestExecute_FailedTextStillSendsPhoto(t *testing.T) {
	sender := &fakeSender{failText: true}
	e := NewExecutor(sender, nil, 0, zerolog.Nop())

	sent, failed := e.Execute(context.Background(), []models.OutboundAction{
		{Kind: models.OutboundText, Text: "hi"},
		{Kind: models.OutboundPhoto, Photo: models.PhotoRef{URL: "https://cdn/a.jpg", Filename: "a.jpg"}},
	})
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
}

func TestExecute_CancelledDuringDelay(t *testing.T) {
	sender := &fakeSender{}
	e := NewExecutor(sender, nil, time.Hour, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	sent, failed := e.Execute(ctx, []models.OutboundAction{
		{Kind: models.OutboundText, Text: "hi"},
		{Kind: models.OutboundPhoto, Photo: models.PhotoRef{URL: "https://cdn/a.jpg"}},
	})
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
}

func TestIsDataURL(t *testing.T) {
	assert.True(t, IsDataURL(" DATA:image/png;base64,xx"))
	assert.False(t, IsDataURL("https://cdn/data:x"))
}
