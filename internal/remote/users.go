package remote

import (
	"context"
	"time"
)

// Users wraps the users table.
type Users struct {
	c *Client
}

// NewUsers creates the users table service.
func NewUsers(c *Client) *Users {
	return &Users{c: c}
}

// Get fetches one user by id. Returns ErrNoRows when the id is unknown.
func (u *Users) Get(ctx context.Context, id string) (UserRow, error) {
	var row UserRow
	err := u.c.From("users").Eq("id", id).Single(ctx, &row)
	return row, err
}

// ListOthers returns every user except selfID.
func (u *Users) ListOthers(ctx context.Context, selfID string) ([]UserRow, error) {
	var rows []UserRow
	err := u.c.From("users").Neq("id", selfID).Select(ctx, &rows)
	return rows, err
}

// SetPresence writes the online flag and last-seen timestamp for a user.
func (u *Users) SetPresence(ctx context.Context, id string, online bool) error {
	return u.c.From("users").Eq("id", id).Update(ctx, map[string]any{
		"is_online": online,
		"last_seen": time.Now().UTC().Format(time.RFC3339),
	})
}

// SetPushToken stores the device push token for a user.
func (u *Users) SetPushToken(ctx context.Context, id, token string) error {
	return u.c.From("users").Eq("id", id).Update(ctx, map[string]any{
		"push_token": token,
	})
}
