// Package signal is the shared record a call is negotiated over: one session
// record per call plus two append-only candidate lists. Stores only validate
// field ownership and status transitions; they know nothing else about calls.
package signal

import (
	"time"
)

// Status is the lifecycle status of a call session.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusEnded    Status = "ended"
	StatusRejected Status = "rejected"
	StatusMissed   Status = "missed"
)

// Terminal reports whether no further transition is defined from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusMissed:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRinging, StatusAccepted, StatusEnded, StatusRejected, StatusMissed:
		return true
	}
	return false
}

// CanTransition reports whether a session may move from one status to another.
//
//	ringing  -> accepted | ended | rejected | missed
//	accepted -> ended | rejected | missed
func CanTransition(from, to Status) bool {
	switch from {
	case StatusRinging:
		return to == StatusAccepted || to.Terminal()
	case StatusAccepted:
		return to.Terminal()
	}
	return false
}

// CallType selects which media a call carries.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

func (t CallType) Valid() bool { return t == CallAudio || t == CallVideo }

// ContextType names the kind of record a call exists to support.
type ContextType string

const (
	ContextSOS      ContextType = "sos"
	ContextSafeWalk ContextType = "safe_walk"
)

func (t ContextType) Valid() bool { return t == ContextSOS || t == ContextSafeWalk }

// Party identifies which side of a session performs a write.
type Party string

const (
	Caller   Party = "caller"
	Receiver Party = "receiver"
)

// Side names one of the two candidate lists of a session.
type Side string

const (
	CallerCandidates Side = "callerCandidates"
	CalleeCandidates Side = "calleeCandidates"
)

func (s Side) Valid() bool { return s == CallerCandidates || s == CalleeCandidates }

// SessionDescription is an SDP offer or answer as stored on the record.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one network candidate entry of a candidate list.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Session is the shared call record.
type Session struct {
	ID           string              `json:"id"`
	CallerID     string              `json:"callerId"`
	ReceiverID   string              `json:"receiverId"`
	CallerName   string              `json:"callerName"`
	ReceiverName string              `json:"receiverName"`
	CallerRole   string              `json:"callerRole"`
	ReceiverRole string              `json:"receiverRole"`
	Status       Status              `json:"status"`
	CallType     CallType            `json:"callType"`
	ContextID    string              `json:"contextId,omitempty"`
	ContextType  ContextType         `json:"contextType,omitempty"`
	Offer        *SessionDescription `json:"offer,omitempty"`
	Answer       *SessionDescription `json:"answer,omitempty"`
	Rev          int64               `json:"rev"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// Live reports whether the session still has a non-terminal status.
func (s *Session) Live() bool { return !s.Status.Terminal() }

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Offer != nil {
		o := *s.Offer
		c.Offer = &o
	}
	if s.Answer != nil {
		a := *s.Answer
		c.Answer = &a
	}
	return &c
}

// PartyOf returns which side userID is on, or "" when not a participant.
func (s *Session) PartyOf(userID string) Party {
	switch userID {
	case s.CallerID:
		return Caller
	case s.ReceiverID:
		return Receiver
	}
	return ""
}

// Other returns the id, name and role of the participant that is not userID.
func (s *Session) Other(userID string) (id, name, role string) {
	if userID == s.CallerID {
		return s.ReceiverID, s.ReceiverName, s.ReceiverRole
	}
	return s.CallerID, s.CallerName, s.CallerRole
}

// OwnSide returns the candidate list a party appends to.
func OwnSide(p Party) Side {
	if p == Caller {
		return CallerCandidates
	}
	return CalleeCandidates
}

// RemoteSide returns the candidate list a party consumes.
func RemoteSide(p Party) Side {
	if p == Caller {
		return CalleeCandidates
	}
	return CallerCandidates
}
