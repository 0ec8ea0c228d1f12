package dispatch

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"operator-autopilot/internal/models"
)

// Contents longer than this are keyed by hash
const maxLiteralContent = 64

// EventKey derives the deduplication identity of an event. Equal keys mean
// the same logical event.
func EventKey(ev models.InboundEvent) string {
	if ev.Action.IsMailFamily() {
		return strings.Join([]string{
			ev.Action.String(),
			ev.SenderExternalID.String(),
			ev.RecipientExternalID.String(),
			ev.MailID.String(),
			ev.LimitsUpdatedAt,
		}, "|")
	}

	return strings.Join([]string{
		ev.Action.String(),
		ev.ID.String(),
		ev.ChatUID,
		ev.SenderExternalID.String(),
		ev.RecipientExternalID.String(),
		contentPart(ev.Content),
		ev.CreatedAt,
	}, "|")
}

func contentPart(content string) string {
	if len(content) <= maxLiteralContent && !strings.Contains(content, "|") {
		return content
	}
	return "h" + strconv.FormatUint(xxhash.Sum64String(content), 16)
}
