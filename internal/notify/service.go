// Package notify records notifications and pushes them to live clients, and
// delivers outbound email.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/kalambet/sitewalk/internal/hub"
	"github.com/kalambet/sitewalk/internal/storage"
)

// Notification types.
const (
	TypeSessionComplete = "session_complete"
	TypeDiscrepancies   = "discrepancies"
	TypeError           = "error"
	TypeDigest          = "digest"
	TypeJobsInactive    = "jobs_inactive"
)

// Store persists notifications.
type Store interface {
	InsertNotification(ctx context.Context, n storage.Notification) (storage.Notification, error)
}

// Broadcaster pushes an event to live clients.
type Broadcaster interface {
	Broadcast(ev hub.Event) int
}

// Publisher is what the pipeline and scheduler need from this package.
type Publisher interface {
	Publish(ctx context.Context, n storage.Notification, payload any)
}

// Service persists a notification and then broadcasts it. Both steps are
// fire-and-forget: failures are logged, never returned.
type Service struct {
	store  Store
	hub    Broadcaster
	logger *slog.Logger
}

// NewService creates a Service. hub may be nil when no live clients exist
// (for example in one-shot CLI runs).
func NewService(store Store, hub Broadcaster) *Service {
	return &Service{store: store, hub: hub, logger: slog.Default()}
}

// Publish records n with payload encoded as JSON and broadcasts it, scoped
// to n.JobID.
func (s *Service) Publish(ctx context.Context, n storage.Notification, payload any) {
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.logger.Warn("encoding notification payload", "type", n.Type, "error", err)
		} else {
			n.PayloadJSON = string(b)
		}
	}

	saved, err := s.store.InsertNotification(ctx, n)
	if err != nil {
		s.logger.Warn("persisting notification failed", "type", n.Type, "error", err)
		saved = n
	}
	if s.hub == nil {
		return
	}
	delivered := s.hub.Broadcast(hub.Event{Type: kindFor(n.Type), JobID: n.JobID, Data: saved})
	s.logger.Debug("notification broadcast", "type", n.Type, "delivered", delivered)
}

func kindFor(typ string) hub.Kind {
	switch typ {
	case TypeSessionComplete:
		return hub.KindSessionComplete
	case TypeDiscrepancies:
		return hub.KindDiscrepancies
	case TypeError:
		return hub.KindError
	default:
		return hub.KindNotification
	}
}
