package remote

import "context"

// Calls wraps the calls table. Rows carry signaling only.
type Calls struct {
	c *Client
}

// NewCalls creates the calls table service.
func NewCalls(c *Client) *Calls {
	return &Calls{c: c}
}

// Insert records an initiated call.
func (s *Calls) Insert(ctx context.Context, callerID, receiverID, callType string) error {
	return s.c.From("calls").Insert(ctx, []map[string]any{{
		"caller_id":   callerID,
		"receiver_id": receiverID,
		"type":        callType,
		"status":      "calling",
		"duration":    0,
	}})
}
