package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nkamdem/palabre/internal/remote"
	"go.uber.org/zap"
)

func (s *Session) handleChange(c remote.Change) {
	var row remote.MessageRow
	if len(c.Record) > 0 {
		if err := json.Unmarshal(c.Record, &row); err != nil {
			s.logger.Warn("bad message change payload", zap.Error(err))
			return
		}
	}
	switch c.Type {
	case remote.ChangeInsert:
		s.applyInsert(row)
	case remote.ChangeUpdate:
		s.applyUpdate(row)
	case remote.ChangeDelete:
		s.applyDelete(c)
	}
}

// applyInsert reconciles an inserted row against the local list. An insert
// is either a duplicate (already applied), the confirmation of an
// optimistic entry, or a genuinely new message.
func (s *Session) applyInsert(row remote.MessageRow) {
	msg := fromRow(row)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	for _, m := range s.messages {
		if m.ID == msg.ID {
			// Echo of a send we already confirmed.
			s.mu.Unlock()
			return
		}
	}
	if i := s.matchPendingLocked(msg); i >= 0 {
		s.messages[i] = msg
	} else {
		s.messages = append(s.messages, msg)
	}
	sortMessages(s.messages)
	s.persistLocked()
	if msg.ReceiverID == s.selfID && !msg.IsRead {
		s.scheduleMarkReadLocked()
	}
	s.mu.Unlock()

	s.publish("chat.message_upserted", UpsertNote{ConversationKey: s.key, MessageID: msg.ID})
}

// matchPendingLocked finds the optimistic entry an inserted row confirms.
// The client key is authoritative; the content heuristic only covers rows
// written by clients that did not attach one.
func (s *Session) matchPendingLocked(msg Message) int {
	if msg.ClientKey != "" {
		for i, m := range s.messages {
			if m.Pending() && m.ClientKey == msg.ClientKey {
				return i
			}
		}
	}
	for i, m := range s.messages {
		if m.Pending() && m.SenderID == msg.SenderID &&
			sameBody(m.Body, msg.Body) && sameBody(m.MediaURL, msg.MediaURL) &&
			within(m.CreatedAt, msg.CreatedAt, s.dedupWindow) {
			return i
		}
	}
	return -1
}

// applyUpdate replaces the matching message in place. createdAt is
// immutable server-side, so the local ordering cannot regress; updates for
// unknown ids (evicted or never loaded) are dropped.
func (s *Session) applyUpdate(row remote.MessageRow) {
	msg := fromRow(row)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	found := false
	for i, m := range s.messages {
		if m.ID == msg.ID {
			msg.CreatedAt = m.CreatedAt
			s.messages[i] = msg
			found = true
			break
		}
	}
	if found {
		s.persistLocked()
	}
	s.mu.Unlock()

	if found {
		s.publish("chat.message_upserted", UpsertNote{ConversationKey: s.key, MessageID: msg.ID})
	}
}

func (s *Session) applyDelete(c remote.Change) {
	var old remote.MessageRow
	if len(c.OldRecord) > 0 {
		if err := json.Unmarshal(c.OldRecord, &old); err != nil {
			s.logger.Warn("bad message delete payload", zap.Error(err))
			return
		}
	}
	if old.ID == "" {
		return
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	kept := s.messages[:0]
	removed := false
	for _, m := range s.messages {
		if m.ID == old.ID {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	if removed {
		s.persistLocked()
	}
	s.mu.Unlock()

	if removed {
		s.publish("chat.message_upserted", UpsertNote{ConversationKey: s.key, MessageID: old.ID})
	}
}

// scheduleMarkReadLocked arms a short timer so a burst of incoming messages
// collapses into one mark-read write.
func (s *Session) scheduleMarkReadLocked() {
	if s.readTimer != nil {
		return
	}
	s.readTimer = time.AfterFunc(s.readDelay, s.flushMarkRead)
}

func (s *Session) flushMarkRead() {
	s.mu.Lock()
	s.readTimer = nil
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.backend.MarkRead(ctx, s.key, s.selfID); err != nil {
		// Read receipts are best-effort; the flags converge on the next open.
		s.logger.Warn("mark read failed", zap.Error(err))
	}
}

// containsEquivalent reports whether list already holds msg: same id, same
// client key, or the content heuristic within the dedup window.
func containsEquivalent(list []Message, msg Message, window time.Duration) bool {
	for _, m := range list {
		if m.ID == msg.ID {
			return true
		}
		if msg.ClientKey != "" && m.ClientKey == msg.ClientKey {
			return true
		}
		if m.SenderID == msg.SenderID && sameBody(m.Body, msg.Body) &&
			sameBody(m.MediaURL, msg.MediaURL) && within(m.CreatedAt, msg.CreatedAt, window) {
			return true
		}
	}
	return false
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}
