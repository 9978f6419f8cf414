package remote

import "time"

// UserRow is a row of the users table.
type UserRow struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar"`
	PushToken string    `json:"push_token"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
}

// MessageRow is a row of the messages table.
type MessageRow struct {
	ID         string    `json:"id"`
	ChatKey    string    `json:"chat_key"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Message    *string   `json:"message"`
	ImageURL   *string   `json:"image_url"`
	ClientKey  string    `json:"client_key,omitempty"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewMessage is the insert payload for the messages table. The server assigns
// id and created_at; client_key travels with the row so the realtime echo can
// be matched back to the optimistic entry without heuristics.
type NewMessage struct {
	ChatKey    string  `json:"chat_key"`
	SenderID   string  `json:"sender_id"`
	ReceiverID string  `json:"receiver_id"`
	Message    *string `json:"message"`
	ImageURL   *string `json:"image_url"`
	ClientKey  string  `json:"client_key,omitempty"`
}

// CallRow is a row of the calls table. Only signaling; media transport is
// out of scope.
type CallRow struct {
	ID         string    `json:"id"`
	CallerID   string    `json:"caller_id"`
	ReceiverID string    `json:"receiver_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Duration   int       `json:"duration"`
	CreatedAt  time.Time `json:"created_at"`
}

// ForumPostRow is a row of the forum_posts table with the joined author.
type ForumPostRow struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	ImageURL      *string   `json:"image_url"`
	LikesCount    int       `json:"likes_count"`
	CommentsCount int       `json:"comments_count"`
	CreatedAt     time.Time `json:"created_at"`
	Author        *PostAuthor `json:"users,omitempty"`
}

// PostAuthor is the embedded users projection on forum reads.
type PostAuthor struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	Email  string `json:"email"`
}

// ForumLikeRow is a row of the forum_likes table.
type ForumLikeRow struct {
	PostID string `json:"post_id"`
	UserID string `json:"user_id"`
}

// ForumCommentRow is a row of the forum_comments table.
type ForumCommentRow struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
