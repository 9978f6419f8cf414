// Package calls records call signaling. Media transport is out of scope;
// a call here is a table row plus a push to wake the callee.
package calls

import (
	"context"
	"fmt"

	"github.com/nkamdem/palabre/internal/notify"
	"github.com/nkamdem/palabre/internal/remote"
	"go.uber.org/zap"
)

// Call types accepted by Place.
const (
	TypeAudio = "audio"
	TypeVideo = "video"
)

// Backend is the remote calls capability the service needs.
type Backend interface {
	Insert(ctx context.Context, callerID, receiverID, callType string) error
}

// Service places calls on behalf of one signed-in user.
type Service struct {
	selfID   string
	selfName string
	backend  Backend
	push     notify.Sender
	logger   *zap.Logger
}

// New creates the call service.
func New(selfID, selfName string, backend Backend, push notify.Sender, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{selfID: selfID, selfName: selfName, backend: backend, push: push, logger: logger}
}

// Place records an outgoing call and pushes a ring notification to the
// callee. The push is best-effort; the call row is the source of truth.
func (s *Service) Place(ctx context.Context, callee remote.UserRow, callType string) error {
	if callType != TypeAudio && callType != TypeVideo {
		return fmt.Errorf("unknown call type %q", callType)
	}
	if err := s.backend.Insert(ctx, s.selfID, callee.ID, callType); err != nil {
		return fmt.Errorf("record call: %w", err)
	}

	if s.push != nil && callee.PushToken != "" {
		title := "📞 Appel entrant"
		if callType == TypeVideo {
			title = "📹 Appel vidéo entrant"
		}
		err := s.push.Send(ctx, callee.PushToken, title, s.selfName, map[string]string{
			"type":      "call",
			"call_type": callType,
			"caller_id": s.selfID,
		})
		if err != nil {
			s.logger.Warn("call push failed", zap.Error(err))
		}
	}
	return nil
}
