package call

// Phase is the coordinator's local view of its call.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseDialing  Phase = "dialing"
	PhaseIncoming Phase = "incoming"
	PhaseActive   Phase = "active"
)

// Event is an input to the phase machine.
type Event string

const (
	EvLocalStart     Event = "local_start"
	EvLocalAccept    Event = "local_accept"
	EvLocalEnd       Event = "local_end"
	EvRemoteRinging  Event = "remote_ringing"
	EvRemoteAccepted Event = "remote_accepted"
	EvRemoteEnd      Event = "remote_end"
	EvIncomingGone   Event = "incoming_gone"
	EvTimeout        Event = "timeout"
	EvSetupFailed    Event = "setup_failed"
)

// transitions is the whole phase machine. A missing entry means the event
// is ignored in that phase.
var transitions = map[Phase]map[Event]Phase{
	PhaseIdle: {
		EvLocalStart:    PhaseDialing,
		EvRemoteRinging: PhaseIncoming,
		EvLocalAccept:   PhaseActive,
	},
	PhaseDialing: {
		EvRemoteAccepted: PhaseActive,
		EvRemoteEnd:      PhaseIdle,
		EvLocalEnd:       PhaseIdle,
		EvTimeout:        PhaseIdle,
		EvSetupFailed:    PhaseIdle,
	},
	PhaseIncoming: {
		EvLocalAccept:  PhaseActive,
		EvLocalEnd:     PhaseIdle,
		EvIncomingGone: PhaseIdle,
		EvSetupFailed:  PhaseIdle,
	},
	PhaseActive: {
		EvLocalEnd:    PhaseIdle,
		EvRemoteEnd:   PhaseIdle,
		EvSetupFailed: PhaseIdle,
	},
}

// Next returns the phase ev leads to from p, and false when ev does not
// apply in p.
func Next(p Phase, ev Event) (Phase, bool) {
	next, ok := transitions[p][ev]
	return next, ok
}
