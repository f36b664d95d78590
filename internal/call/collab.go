package call

import (
	"context"
	"time"

	"github.com/petervdpas/guardcall/internal/signal"
)

// EmergencyStatus is the part of an emergency record a caller checks before
// dialing into it.
type EmergencyStatus struct {
	Resolved bool `json:"resolved"`
}

// EmergencyChecker reads emergency records.
type EmergencyChecker interface {
	EmergencyStatus(ctx context.Context, contextID string) (EmergencyStatus, error)
}

// TimelineLogger appends lifecycle entries to a context record.
type TimelineLogger interface {
	AppendTimelineEntry(ctx context.Context, contextID string, contextType signal.ContextType, action, note string) error
}

// Notification is a message for one user.
type Notification struct {
	ID         string    `json:"id"`
	ToUserID   string    `json:"toUserId"`
	ToRole     string    `json:"toRole"`
	FromUserID string    `json:"fromUserId"`
	FromName   string    `json:"fromName"`
	Type       string    `json:"type"`
	CallID     string    `json:"callId"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"createdAt"`
	Seen       bool      `json:"seen"`
}

// NotificationMissedCall is the Type of missed-call notifications.
const NotificationMissedCall = "missed_call"

// Notifier stores notifications. Creating a notification whose ID already
// exists must be a no-op.
type Notifier interface {
	CreateNotification(ctx context.Context, n Notification) error
}

// Identity is the user a coordinator acts for.
type Identity struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
}

// Peer names the other party of a call.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

type nopCollab struct{}

func (nopCollab) EmergencyStatus(context.Context, string) (EmergencyStatus, error) {
	return EmergencyStatus{}, nil
}

func (nopCollab) AppendTimelineEntry(context.Context, string, signal.ContextType, string, string) error {
	return nil
}

func (nopCollab) CreateNotification(context.Context, Notification) error { return nil }
