// Package hub shares one signal.Store between processes over WebSocket. The
// server fronts a local store; the client implements signal.Store by
// forwarding every call to it.
package hub

import (
	"errors"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/guardcall/internal/signal"
)

var log = logging.Logger("hub")

// UserHeader names the user a connection acts for. A connection that sets
// it may only write the fields that user owns; one without it is trusted
// with every operation.
const UserHeader = "X-Guardcall-User"

type Op string

const (
	OpCreate          Op = "create"
	OpGet             Op = "get"
	OpUpdate          Op = "update"
	OpDelete          Op = "delete"
	OpAppend          Op = "append"
	OpCandidates      Op = "candidates"
	OpList            Op = "list"
	OpWatch           Op = "watch"
	OpWatchCandidates Op = "watch_candidates"
	OpWatchIncoming   Op = "watch_incoming"
	OpUnwatch         Op = "unwatch"

	// OpReply answers the request with the same id.
	OpReply Op = "reply"
	// OpEvent carries one delivery of subscription Sub.
	OpEvent Op = "event"
)

// Frame is the single message shape in both directions.
type Frame struct {
	ID  uint64 `json:"id,omitempty"`
	Op  Op     `json:"op"`
	Sub uint64 `json:"sub,omitempty"`

	SessionID string      `json:"session_id,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Side      signal.Side `json:"side,omitempty"`

	Session    *signal.Session    `json:"session,omitempty"`
	Update     *signal.Update     `json:"update,omitempty"`
	Candidate  *signal.Candidate  `json:"candidate,omitempty"`
	Candidates []signal.Candidate `json:"candidates,omitempty"`
	Sessions   []*signal.Session  `json:"sessions,omitempty"`
	Change     *signal.Change     `json:"change,omitempty"`

	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

const codeInternal = "internal"

var codes = []struct {
	code string
	err  error
}{
	{"not_found", signal.ErrNotFound},
	{"exists", signal.ErrExists},
	{"live_session", signal.ErrLiveSession},
	{"already_terminal", signal.ErrAlreadyTerminal},
	{"invalid_transition", signal.ErrInvalidTransition},
	{"forbidden", signal.ErrForbidden},
	{"status_changed", signal.ErrStatusChanged},
	{"invalid", signal.ErrInvalid},
}

// codeOf returns the wire code of a store error.
func codeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return codeInternal
}

// RemoteError is a store error reported by the hub. It unwraps to the
// matching signal sentinel, so errors.Is works across the wire.
type RemoteError struct {
	Code string
	Msg  string
}

func (e *RemoteError) Error() string { return e.Msg }

func (e *RemoteError) Unwrap() error {
	for _, c := range codes {
		if c.code == e.Code {
			return c.err
		}
	}
	return nil
}

func errorFrame(id uint64, err error) Frame {
	return Frame{ID: id, Op: OpReply, Code: codeOf(err), Error: err.Error()}
}
