package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Storage talks to the object store under {base}/storage/v1.
type Storage struct {
	c      *Client
	bucket string
}

// NewStorage creates a storage client bound to one bucket.
func NewStorage(c *Client, bucket string) *Storage {
	return &Storage{c: c, bucket: bucket}
}

// UploadOptions control a single upload.
type UploadOptions struct {
	ContentType string
	Overwrite   bool
}

// Upload writes data under path in the bucket.
func (s *Storage) Upload(ctx context.Context, path string, data []byte, opts UploadOptions) error {
	rawURL := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.c.baseURL, s.bucket, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.c.anonKey)
	req.Header.Set("Authorization", "Bearer "+s.c.anonKey)
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.Overwrite {
		req.Header.Set("x-upsert", "true")
	}

	resp, err := s.c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// PublicURL returns the public URL for an object path.
func (s *Storage) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.c.baseURL, s.bucket, path)
}

// Remove deletes the given object paths from the bucket.
func (s *Storage) Remove(ctx context.Context, paths []string) error {
	rawURL := fmt.Sprintf("%s/storage/v1/object/%s", s.c.baseURL, s.bucket)
	_, err := s.c.do(ctx, http.MethodDelete, rawURL, map[string]any{"prefixes": paths}, nil)
	return err
}
