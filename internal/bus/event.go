package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used across the daemon:
//
//	chat.message_upserted   — a message was added or confirmed in a conversation
//	chat.send_failed        — an optimistic send was rolled back
//	chat.peer_updated       — the peer's users row changed (presence projection)
//	chat.peer_typing        — the peer's typing state flipped
//	contacts.changed        — the contact directory changed
//	forum.invalidated       — the forum feed cache was invalidated
//	session.signed_in       — an authenticated session became active
//	session.signed_out      — the session ended
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
