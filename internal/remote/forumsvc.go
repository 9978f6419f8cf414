package remote

import "context"

// Forum wraps the forum_posts, forum_likes and forum_comments tables.
type Forum struct {
	c *Client
}

// NewForum creates the forum table service.
func NewForum(c *Client) *Forum {
	return &Forum{c: c}
}

// ListPosts returns the newest posts with the author projection joined in.
func (f *Forum) ListPosts(ctx context.Context, limit int) ([]ForumPostRow, error) {
	var rows []ForumPostRow
	err := f.c.From("forum_posts").
		Columns("*, users(name,avatar,email)").
		Order("created_at", false).
		Limit(limit).
		Select(ctx, &rows)
	return rows, err
}

// LikedPostIDs returns the ids of posts the user has liked.
func (f *Forum) LikedPostIDs(ctx context.Context, userID string) (map[string]bool, error) {
	var rows []ForumLikeRow
	err := f.c.From("forum_likes").Eq("user_id", userID).Select(ctx, &rows)
	if err != nil {
		return nil, err
	}
	liked := make(map[string]bool, len(rows))
	for _, r := range rows {
		liked[r.PostID] = true
	}
	return liked, nil
}

// InsertPost creates a post.
func (f *Forum) InsertPost(ctx context.Context, userID, title, content string, imageURL *string) error {
	return f.c.From("forum_posts").Insert(ctx, []map[string]any{{
		"user_id":   userID,
		"title":     title,
		"content":   content,
		"image_url": imageURL,
	}})
}

// UpdatePost edits a post owned by the caller.
func (f *Forum) UpdatePost(ctx context.Context, postID, title, content string, imageURL *string) error {
	return f.c.From("forum_posts").Eq("id", postID).Update(ctx, map[string]any{
		"title":     title,
		"content":   content,
		"image_url": imageURL,
	})
}

// DeletePost removes a post.
func (f *Forum) DeletePost(ctx context.Context, postID string) error {
	return f.c.From("forum_posts").Eq("id", postID).Delete(ctx)
}

// Like records a like for (postID, userID).
func (f *Forum) Like(ctx context.Context, postID, userID string) error {
	return f.c.From("forum_likes").Insert(ctx, []ForumLikeRow{{
		PostID: postID,
		UserID: userID,
	}})
}

// Unlike removes the like for (postID, userID).
func (f *Forum) Unlike(ctx context.Context, postID, userID string) error {
	return f.c.From("forum_likes").Eq("post_id", postID).Eq("user_id", userID).Delete(ctx)
}

// ListComments returns the comments of a post, oldest first.
func (f *Forum) ListComments(ctx context.Context, postID string) ([]ForumCommentRow, error) {
	var rows []ForumCommentRow
	err := f.c.From("forum_comments").
		Eq("post_id", postID).
		Order("created_at", true).
		Select(ctx, &rows)
	return rows, err
}

// InsertComment adds a comment to a post.
func (f *Forum) InsertComment(ctx context.Context, postID, userID, content string) error {
	return f.c.From("forum_comments").Insert(ctx, []map[string]any{{
		"post_id": postID,
		"user_id": userID,
		"content": content,
	}})
}
