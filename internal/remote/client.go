// Package remote implements the client side of the backend boundary: the
// row-oriented store over HTTP, the realtime change/broadcast feed over
// websocket, object storage, and push delivery.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Client talks to the row API under {base}/rest/v1.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a row-store client for the given project base URL.
func NewClient(baseURL, anonKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// From starts a query against a table.
func (c *Client) From(table string) *Query {
	return &Query{c: c, table: table, columns: "*"}
}

// Query is a filtered, ordered read or write against one table.
type Query struct {
	c       *Client
	table   string
	columns string
	filters []string
	order   string
	limit   int
}

// Columns sets the select projection, e.g. "*, users(name,avatar,email)".
func (q *Query) Columns(cols string) *Query {
	q.columns = cols
	return q
}

// Eq adds an equality predicate.
func (q *Query) Eq(column string, value any) *Query {
	return q.filter(column, "eq", value)
}

// Neq adds an inequality predicate.
func (q *Query) Neq(column string, value any) *Query {
	return q.filter(column, "neq", value)
}

// Gt adds a greater-than predicate.
func (q *Query) Gt(column string, value any) *Query {
	return q.filter(column, "gt", value)
}

// Lt adds a less-than predicate.
func (q *Query) Lt(column string, value any) *Query {
	return q.filter(column, "lt", value)
}

func (q *Query) filter(column, op string, value any) *Query {
	q.filters = append(q.filters, fmt.Sprintf("%s=%s.%v", url.QueryEscape(column), op, url.QueryEscape(fmt.Sprint(value))))
	return q
}

// Order sets the result ordering.
func (q *Query) Order(column string, ascending bool) *Query {
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	q.order = column + "." + dir
	return q
}

// Limit caps the number of returned rows.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) queryString() string {
	params := []string{"select=" + url.QueryEscape(q.columns)}
	params = append(params, q.filters...)
	if q.order != "" {
		params = append(params, "order="+url.QueryEscape(q.order))
	}
	if q.limit > 0 {
		params = append(params, "limit="+strconv.Itoa(q.limit))
	}
	return strings.Join(params, "&")
}

// Select runs the read and decodes the row array into dest.
func (q *Query) Select(ctx context.Context, dest any) error {
	body, err := q.c.do(ctx, http.MethodGet, q.url(), nil, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dest)
}

// Single runs the read and decodes exactly one row into dest. It returns
// ErrNoRows when nothing matches and ErrMultipleRows when more than one
// row does.
func (q *Query) Single(ctx context.Context, dest any) error {
	q.limit = 2
	body, err := q.c.do(ctx, http.MethodGet, q.url(), nil, nil)
	if err != nil {
		return err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("decode rows: %w", err)
	}
	switch len(rows) {
	case 0:
		return ErrNoRows
	case 1:
		return json.Unmarshal(rows[0], dest)
	default:
		return ErrMultipleRows
	}
}

// Insert writes one row and discards the response.
func (q *Query) Insert(ctx context.Context, row any) error {
	_, err := q.c.do(ctx, http.MethodPost, q.url(), row, nil)
	return err
}

// InsertReturning writes one row and decodes the server-assigned row
// (authoritative id and created_at) into dest.
func (q *Query) InsertReturning(ctx context.Context, row any, dest any) error {
	body, err := q.c.do(ctx, http.MethodPost, q.url(), row,
		map[string]string{"Prefer": "return=representation"})
	if err != nil {
		return err
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("decode inserted row: %w", err)
	}
	if len(rows) == 0 {
		return ErrNoRows
	}
	return json.Unmarshal(rows[0], dest)
}

// Update patches all rows matching the filters.
func (q *Query) Update(ctx context.Context, patch any) error {
	_, err := q.c.do(ctx, http.MethodPatch, q.url(), patch, nil)
	return err
}

// Delete removes all rows matching the filters.
func (q *Query) Delete(ctx context.Context) error {
	_, err := q.c.do(ctx, http.MethodDelete, q.url(), nil, nil)
	return err
}

func (q *Query) url() string {
	return q.c.baseURL + "/rest/v1/" + q.table + "?" + q.queryString()
}

func (c *Client) do(ctx context.Context, method, rawURL string, payload any, headers map[string]string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.anonKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}
