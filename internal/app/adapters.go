package app

import (
	"context"
	"errors"

	"github.com/petervdpas/guardcall/internal/call"
	"github.com/petervdpas/guardcall/internal/signal"
	"github.com/petervdpas/guardcall/internal/storage"
)

// records binds the call coordinator's collaborators to the local database.
type records struct {
	db *storage.DB
}

var (
	_ call.EmergencyChecker = records{}
	_ call.TimelineLogger   = records{}
	_ call.Notifier         = records{}
)

// EmergencyStatus treats an unknown emergency as unresolved.
func (r records) EmergencyStatus(_ context.Context, contextID string) (call.EmergencyStatus, error) {
	resolved, err := r.db.EmergencyResolved(contextID)
	if errors.Is(err, storage.ErrNotFound) {
		return call.EmergencyStatus{}, nil
	}
	if err != nil {
		return call.EmergencyStatus{}, err
	}
	return call.EmergencyStatus{Resolved: resolved}, nil
}

func (r records) AppendTimelineEntry(_ context.Context, contextID string, contextType signal.ContextType, action, note string) error {
	return r.db.AppendTimeline(storage.TimelineEntry{
		ContextID:   contextID,
		ContextType: string(contextType),
		Action:      action,
		Note:        note,
	})
}

func (r records) CreateNotification(_ context.Context, n call.Notification) error {
	return r.db.PutNotification(storage.Notification{
		ID:         n.ID,
		ToUserID:   n.ToUserID,
		ToRole:     n.ToRole,
		FromUserID: n.FromUserID,
		FromName:   n.FromName,
		Type:       n.Type,
		CallID:     n.CallID,
		Message:    n.Message,
		CreatedAt:  n.CreatedAt,
		Seen:       n.Seen,
	})
}
