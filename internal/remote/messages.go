package remote

import "context"

// Messages wraps the messages table.
type Messages struct {
	c *Client
}

// NewMessages creates the messages table service.
func NewMessages(c *Client) *Messages {
	return &Messages{c: c}
}

// List returns all messages of one conversation ordered by created_at
// ascending. Server timestamps are monotonic per conversation.
func (m *Messages) List(ctx context.Context, conversationKey string) ([]MessageRow, error) {
	var rows []MessageRow
	err := m.c.From("messages").
		Eq("chat_key", conversationKey).
		Order("created_at", true).
		Select(ctx, &rows)
	return rows, err
}

// Insert writes one message and returns the server-confirmed row with the
// authoritative id and timestamp.
func (m *Messages) Insert(ctx context.Context, row NewMessage) (MessageRow, error) {
	var confirmed MessageRow
	err := m.c.From("messages").InsertReturning(ctx, []NewMessage{row}, &confirmed)
	return confirmed, err
}

// MarkRead flips is_read on every unread message addressed to receiverID in
// one conversation. A single update covers a whole unread burst.
func (m *Messages) MarkRead(ctx context.Context, conversationKey, receiverID string) error {
	return m.c.From("messages").
		Eq("chat_key", conversationKey).
		Eq("receiver_id", receiverID).
		Eq("is_read", false).
		Update(ctx, map[string]any{"is_read": true})
}
