package call

import "errors"

var (
	// ErrMediaAccessDenied means the camera or microphone could not be
	// opened. It is not retried.
	ErrMediaAccessDenied = errors.New("call: media access denied")
	// ErrSignalingWrite means the session record could not be written.
	ErrSignalingWrite = errors.New("call: signaling write failed")
	// ErrStaleSessionConflict means a live session of this caller already
	// exists and blocks a new one.
	ErrStaleSessionConflict = errors.New("call: live session already exists")
	// ErrRemoteTerminated means the other party ended the call first.
	ErrRemoteTerminated = errors.New("call: remote party ended the call")

	ErrBusy              = errors.New("call: another call is in progress")
	ErrNoActiveCall      = errors.New("call: no such call")
	ErrNotParticipant    = errors.New("call: not a participant")
	ErrEmergencyResolved = errors.New("call: emergency already resolved")
	ErrClosed            = errors.New("call: coordinator closed")
)
