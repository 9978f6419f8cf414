package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/nkamdem/palabre/internal/remote"
)

// PendingPrefix marks locally-generated message identifiers. Server ids are
// opaque but never carry this prefix, so the two spaces cannot collide.
const PendingPrefix = "pending-"

// Message is the in-memory projection of one conversation message. At most
// one Message is ever visible per (conversation, createdAt, sender, body).
type Message struct {
	ID              string
	ConversationKey string
	SenderID        string
	ReceiverID      string
	Body            *string
	MediaURL        *string
	ClientKey       string
	CreatedAt       time.Time
	IsRead          bool
	IsPending       bool
}

// Pending reports whether the message still awaits server confirmation.
func (m Message) Pending() bool {
	return m.IsPending || strings.HasPrefix(m.ID, PendingPrefix)
}

func fromRow(row remote.MessageRow) Message {
	return Message{
		ID:              row.ID,
		ConversationKey: row.ChatKey,
		SenderID:        row.SenderID,
		ReceiverID:      row.ReceiverID,
		Body:            row.Message,
		MediaURL:        row.ImageURL,
		ClientKey:       row.ClientKey,
		CreatedAt:       row.CreatedAt,
		IsRead:          row.IsRead,
	}
}

// sortMessages orders by createdAt ascending, ties broken by arrival order.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func sameBody(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
