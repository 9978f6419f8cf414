package chat

import (
	"context"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nkamdem/palabre/internal/remote"
	"go.uber.org/zap"
)

// SendText sends a text message optimistically: the entry is visible and
// persisted before the remote write, then confirmed in place or rolled back.
func (s *Session) SendText(ctx context.Context, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return ErrEmptyMessage
	}
	return s.send(ctx, &body, nil)
}

// SendMedia uploads the media bytes first, then sends a message carrying
// the resulting public URL. The upload is not optimistic; only the message
// row is.
func (s *Session) SendMedia(ctx context.Context, data []byte, contentType string) error {
	if s.uploader == nil {
		return fmt.Errorf("media uploads not configured")
	}
	if len(data) == 0 {
		return ErrEmptyMessage
	}

	path := fmt.Sprintf("chat/%s_%s_%d%s", s.key, s.selfID, time.Now().UnixMilli(), extFor(contentType))
	if err := s.uploader.Upload(ctx, path, data, remote.UploadOptions{
		ContentType: contentType,
		Overwrite:   true,
	}); err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	url := s.uploader.PublicURL(path)
	return s.send(ctx, nil, &url)
}

func (s *Session) send(ctx context.Context, body, mediaURL *string) error {
	if s.activity != nil {
		s.activity()
	}

	clientKey := uuid.NewString()
	pending := Message{
		ID:              PendingPrefix + clientKey,
		ConversationKey: s.key,
		SenderID:        s.selfID,
		ReceiverID:      s.peerID(),
		Body:            body,
		MediaURL:        mediaURL,
		ClientKey:       clientKey,
		CreatedAt:       time.Now().UTC(),
		IsPending:       true,
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.messages = append(s.messages, pending)
	s.persistLocked()
	s.mu.Unlock()
	s.publish("chat.message_upserted", UpsertNote{ConversationKey: s.key, MessageID: pending.ID})

	confirmed, err := s.backend.Insert(ctx, remote.NewMessage{
		ChatKey:    s.key,
		SenderID:   s.selfID,
		ReceiverID: pending.ReceiverID,
		Message:    body,
		ImageURL:   mediaURL,
		ClientKey:  clientKey,
	})
	if err != nil {
		s.rollback(pending.ID)
		s.publish("chat.send_failed", SendFailure{
			ConversationKey: s.key,
			PendingID:       pending.ID,
			Err:             err.Error(),
		})
		return fmt.Errorf("send message: %w", err)
	}

	s.confirm(pending.ID, fromRow(confirmed))
	s.notifyPeer(ctx, body)
	return nil
}

// confirm swaps the optimistic entry for the server row. The realtime echo
// may have confirmed it first; then there is nothing left to swap and the
// echo's copy stands.
func (s *Session) confirm(pendingID string, msg Message) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	swapped := false
	present := false
	for i, m := range s.messages {
		if m.ID == pendingID {
			s.messages[i] = msg
			swapped = true
			break
		}
		if m.ID == msg.ID {
			present = true
			break
		}
	}
	if !swapped && !present {
		s.messages = append(s.messages, msg)
	}
	sortMessages(s.messages)
	s.persistLocked()
	s.mu.Unlock()

	s.publish("chat.message_upserted", UpsertNote{ConversationKey: s.key, MessageID: msg.ID})
}

// rollback removes a failed optimistic entry, restoring the list to its
// pre-send contents. Removing an already-absent id is a no-op, so a
// repeated rollback cannot disturb anything.
func (s *Session) rollback(pendingID string) {
	s.mu.Lock()
	kept := s.messages[:0]
	removed := false
	for _, m := range s.messages {
		if m.ID == pendingID {
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
}

// notifyPeer hands the delivered message to the push sender. Delivery is
// fire-and-forget; the message itself is already confirmed.
func (s *Session) notifyPeer(ctx context.Context, body *string) {
	peer := s.Peer()
	if s.push == nil || peer.PushToken == "" {
		return
	}
	text := "📷 Photo"
	if body != nil {
		text = *body
	}
	err := s.push.Send(ctx, peer.PushToken, s.selfName, text, map[string]string{
		"type":     "message",
		"chat_key": s.key,
	})
	if err != nil {
		s.logger.Warn("push notification failed", zap.Error(err))
	}
}

func (s *Session) peerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer.ID
}

func extFor(contentType string) string {
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[len(exts)-1]
	}
	return ".jpg"
}
