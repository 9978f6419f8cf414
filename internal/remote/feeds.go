package remote

import (
	"context"
	"encoding/json"
	"time"
)

// TypingSignal is an ephemeral "is typing" broadcast. It exists only on the
// wire; receivers derive their own decaying "peer is typing" state from it.
type TypingSignal struct {
	ConversationKey string `json:"conversation_key"`
	UserID          string `json:"user_id"`
	SentAt          int64  `json:"sent_at"`
}

// MessageChanges subscribes to INSERT and UPDATE events for one
// conversation's messages. The returned cancel leaves the topic; the feed
// channel closes and no further events arrive once it returns.
func (r *Realtime) MessageChanges(ctx context.Context, conversationKey string) (<-chan Change, func(), error) {
	ch := r.Channel("messages:"+conversationKey, ChannelOptions{})
	feed, _ := ch.OnChange(ChangeAll, "messages", "chat_key=eq."+conversationKey, 256)
	if err := ch.Subscribe(ctx); err != nil {
		r.RemoveChannel(ctx, ch)
		return nil, nil, err
	}
	cancel := func() { r.RemoveChannel(context.Background(), ch) }
	return feed, cancel, nil
}

// UserChanges subscribes to UPDATE events on one user's row (presence and
// profile drift). An empty userID subscribes to every users-row event.
func (r *Realtime) UserChanges(ctx context.Context, userID string) (<-chan Change, func(), error) {
	topic := "users"
	filter := ""
	if userID != "" {
		topic = "user_status:" + userID
		filter = "id=eq." + userID
	}
	ch := r.Channel(topic, ChannelOptions{})
	var feed <-chan Change
	if userID != "" {
		feed, _ = ch.OnChange(ChangeUpdate, "users", filter, 64)
	} else {
		feed, _ = ch.OnChange(ChangeAll, "users", "", 64)
	}
	if err := ch.Subscribe(ctx); err != nil {
		r.RemoveChannel(ctx, ch)
		return nil, nil, err
	}
	cancel := func() { r.RemoveChannel(context.Background(), ch) }
	return feed, cancel, nil
}

// ForumChanges subscribes to every forum_posts and forum_likes event. The
// feed is used only for invalidation, so both tables share one channel.
func (r *Realtime) ForumChanges(ctx context.Context) (<-chan Change, func(), error) {
	ch := r.Channel("forum", ChannelOptions{})
	posts, _ := ch.OnChange(ChangeAll, "forum_posts", "", 64)
	likes, _ := ch.OnChange(ChangeAll, "forum_likes", "", 64)
	if err := ch.Subscribe(ctx); err != nil {
		r.RemoveChannel(ctx, ch)
		return nil, nil, err
	}

	merged := make(chan Change, 128)
	done := make(chan struct{})
	go func() {
		defer close(merged)
		for posts != nil || likes != nil {
			select {
			case c, ok := <-posts:
				if !ok {
					posts = nil
					continue
				}
				merged <- c
			case c, ok := <-likes:
				if !ok {
					likes = nil
					continue
				}
				merged <- c
			case <-done:
				return
			}
		}
	}()
	cancel := func() {
		close(done)
		r.RemoveChannel(context.Background(), ch)
	}
	return merged, cancel, nil
}

// TypingChannel is the ephemeral typing-signal transport for one
// conversation. Broadcasts are configured not to echo back to the sender.
type TypingChannel struct {
	rt  *Realtime
	ch  *Channel
	key string
}

// Typing joins the typing topic for a conversation.
func (r *Realtime) Typing(ctx context.Context, conversationKey string) (*TypingChannel, error) {
	ch := r.Channel("typing:"+conversationKey, ChannelOptions{BroadcastSelf: false})
	if err := ch.Subscribe(ctx); err != nil {
		r.RemoveChannel(ctx, ch)
		return nil, err
	}
	return &TypingChannel{rt: r, ch: ch, key: conversationKey}, nil
}

// Send broadcasts a typing signal authored by userID.
func (t *TypingChannel) Send(ctx context.Context, userID string) error {
	return t.ch.SendBroadcast(ctx, "typing", TypingSignal{
		ConversationKey: t.key,
		UserID:          userID,
		SentAt:          time.Now().UnixMilli(),
	})
}

// Signals returns a feed of inbound typing signals with a cancel func.
func (t *TypingChannel) Signals(buf int) (<-chan TypingSignal, func()) {
	raw, cancelRaw := t.ch.OnBroadcast("typing", buf)
	out := make(chan TypingSignal, buf)
	go func() {
		defer close(out)
		for b := range raw {
			var sig TypingSignal
			if err := json.Unmarshal(b.Payload, &sig); err != nil {
				continue
			}
			out <- sig
		}
	}()
	return out, cancelRaw
}

// Close leaves the typing topic.
func (t *TypingChannel) Close() {
	t.rt.RemoveChannel(context.Background(), t.ch)
}
