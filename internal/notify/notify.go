// Package notify is the push-delivery boundary. Delivery is fire-and-forget;
// nothing in the core waits on or retries a push.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Sender delivers one push notification to a device token.
type Sender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// Noop logs and drops every push. This build ships without a delivery
// backend; the interface keeps call sites honest for when one lands.
type Noop struct {
	logger *zap.Logger
}

// NewNoop creates the no-op sender.
func NewNoop(logger *zap.Logger) *Noop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Noop{logger: logger}
}

// Send logs the would-be notification and returns nil.
func (n *Noop) Send(_ context.Context, token, title, body string, _ map[string]string) error {
	n.logger.Info("push delivery disabled",
		zap.String("token", token),
		zap.String("title", title),
		zap.String("body", body))
	return nil
}
