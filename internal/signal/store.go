package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("signal: session not found")
	ErrExists            = errors.New("signal: session already exists")
	ErrLiveSession       = errors.New("signal: caller already has a live session")
	ErrAlreadyTerminal   = errors.New("signal: session already terminal")
	ErrInvalidTransition = errors.New("signal: invalid status transition")
	ErrForbidden         = errors.New("signal: field not owned by writer")
	ErrStatusChanged     = errors.New("signal: status changed")
	ErrInvalid           = errors.New("signal: invalid record")
)

// Update is a partial write to a session. By names the writing party; the
// store refuses fields that party does not own. Expect, when set, makes the
// write conditional on the current status.
type Update struct {
	By     Party               `json:"by"`
	Status Status              `json:"status,omitempty"`
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
	Expect Status              `json:"expect,omitempty"`
}

// Change is one observed state of a watched session.
type Change struct {
	ID      string   `json:"id"`
	Session *Session `json:"session,omitempty"`
	Deleted bool     `json:"deleted,omitempty"`
}

// Store is a replicated record store holding call sessions and their
// candidate lists.
//
// Watch functions deliver the current state first and every later change
// after it, in order, until cancel is called. Cancel closes the channel.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, u Update) (*Session, error)
	Delete(ctx context.Context, id string) error
	AppendCandidate(ctx context.Context, id string, side Side, c Candidate) error
	Candidates(ctx context.Context, id string, side Side) ([]Candidate, error)
	ListByParticipant(ctx context.Context, userID string) ([]*Session, error)

	Watch(id string) (<-chan Change, func())
	WatchCandidates(id string, side Side) (<-chan Candidate, func())
	WatchIncoming(userID string) (<-chan Change, func())
}

// ValidateNew checks a session about to be created.
func ValidateNew(s *Session) error {
	switch {
	case s == nil:
		return fmt.Errorf("%w: nil session", ErrInvalid)
	case strings.TrimSpace(s.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalid)
	case s.CallerID == "" || s.ReceiverID == "":
		return fmt.Errorf("%w: caller and receiver are required", ErrInvalid)
	case s.CallerID == s.ReceiverID:
		return fmt.Errorf("%w: caller and receiver must differ", ErrInvalid)
	case s.Status != StatusRinging:
		return fmt.Errorf("%w: new session must be ringing", ErrInvalid)
	case !s.CallType.Valid():
		return fmt.Errorf("%w: call type %q", ErrInvalid, s.CallType)
	case s.ContextType != "" && !s.ContextType.Valid():
		return fmt.Errorf("%w: context type %q", ErrInvalid, s.ContextType)
	case s.Offer == nil:
		return fmt.Errorf("%w: offer is required", ErrInvalid)
	case s.Answer != nil:
		return fmt.Errorf("%w: answer must be empty", ErrInvalid)
	}
	return nil
}

// Apply validates u against cur and returns the updated copy. It enforces
// per-field ownership and the status transition table; it never modifies cur.
func Apply(cur *Session, u Update, now time.Time) (*Session, error) {
	if u.By != Caller && u.By != Receiver {
		return nil, fmt.Errorf("%w: unknown party %q", ErrForbidden, u.By)
	}
	if u.Offer != nil && u.By != Caller {
		return nil, fmt.Errorf("%w: offer belongs to the caller", ErrForbidden)
	}
	if u.Answer != nil && u.By != Receiver {
		return nil, fmt.Errorf("%w: answer belongs to the receiver", ErrForbidden)
	}
	if u.Status == StatusAccepted && u.By != Receiver {
		return nil, fmt.Errorf("%w: only the receiver accepts", ErrForbidden)
	}
	if u.Status != "" && !u.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalid, u.Status)
	}

	if cur.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, cur.Status)
	}
	if u.Expect != "" && cur.Status != u.Expect {
		return nil, fmt.Errorf("%w: want %s, have %s", ErrStatusChanged, u.Expect, cur.Status)
	}
	if (u.Offer != nil || u.Answer != nil) && cur.Status != StatusRinging {
		return nil, fmt.Errorf("%w: descriptions are fixed once %s", ErrInvalidTransition, cur.Status)
	}
	if u.Status != "" && !CanTransition(cur.Status, u.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, u.Status)
	}

	next := cur.Clone()
	if u.Offer != nil {
		o := *u.Offer
		next.Offer = &o
	}
	if u.Answer != nil {
		a := *u.Answer
		next.Answer = &a
	}
	if u.Status == StatusAccepted && next.Answer == nil {
		return nil, fmt.Errorf("%w: accepted requires an answer", ErrInvalidTransition)
	}
	if u.Status != "" {
		next.Status = u.Status
	}
	next.Rev = cur.Rev + 1
	next.UpdatedAt = now
	return next, nil
}

// CallerLine is the write capability of the calling party on one session.
type CallerLine struct {
	store Store
	id    string
}

// AsCaller binds st to session id for writes owned by the caller.
func AsCaller(st Store, id string) CallerLine { return CallerLine{store: st, id: id} }

func (l CallerLine) SessionID() string { return l.id }

// Finish writes a terminal status.
func (l CallerLine) Finish(ctx context.Context, status Status) error {
	return finish(ctx, l.store, l.id, Caller, status, "")
}

// FinishIf writes a terminal status only while the session has status expect.
func (l CallerLine) FinishIf(ctx context.Context, status, expect Status) error {
	return finish(ctx, l.store, l.id, Caller, status, expect)
}

func (l CallerLine) AddCandidate(ctx context.Context, c Candidate) error {
	return l.store.AppendCandidate(ctx, l.id, CallerCandidates, c)
}

// ReceiverLine is the write capability of the called party on one session.
type ReceiverLine struct {
	store Store
	id    string
}

// AsReceiver binds st to session id for writes owned by the receiver.
func AsReceiver(st Store, id string) ReceiverLine { return ReceiverLine{store: st, id: id} }

func (l ReceiverLine) SessionID() string { return l.id }

// Accept stores the answer and moves the session to accepted in one write.
func (l ReceiverLine) Accept(ctx context.Context, answer SessionDescription) error {
	_, err := l.store.Update(ctx, l.id, Update{
		By:     Receiver,
		Status: StatusAccepted,
		Answer: &answer,
		Expect: StatusRinging,
	})
	return err
}

func (l ReceiverLine) Finish(ctx context.Context, status Status) error {
	return finish(ctx, l.store, l.id, Receiver, status, "")
}

func (l ReceiverLine) FinishIf(ctx context.Context, status, expect Status) error {
	return finish(ctx, l.store, l.id, Receiver, status, expect)
}

func (l ReceiverLine) AddCandidate(ctx context.Context, c Candidate) error {
	return l.store.AppendCandidate(ctx, l.id, CalleeCandidates, c)
}

func finish(ctx context.Context, st Store, id string, by Party, status, expect Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}
	_, err := st.Update(ctx, id, Update{By: by, Status: status, Expect: expect})
	return err
}
