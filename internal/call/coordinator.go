// Package call coordinates the lifecycle of one-to-one calls negotiated over
// a shared session record. A Coordinator reduces local commands, record
// changes and timer firings on a single event loop, so its call state is
// never touched from two goroutines.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/guardcall/internal/media"
	"github.com/petervdpas/guardcall/internal/metrics"
	"github.com/petervdpas/guardcall/internal/signal"
)

var log = logging.Logger("call")

const opTimeout = 10 * time.Second

// Options configures a Coordinator. Store, Devices, Peers and
// Identity.UserID are required; zero durations take their defaults.
type Options struct {
	Identity   Identity
	Store      signal.Store
	Devices    media.Devices
	Peers      media.PeerFactory
	ICEServers []media.ICEServer

	Emergencies EmergencyChecker
	Timeline    TimelineLogger
	Notifier    Notifier

	Clock       clock.Clock
	RingTimeout time.Duration
	DeleteGrace time.Duration
	StaleAfter  time.Duration
	MaxCallAge  time.Duration
	// SweepInterval is how often abandoned sessions are swept while the
	// coordinator runs. It defaults to half of StaleAfter.
	SweepInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.RingTimeout <= 0 {
		o.RingTimeout = 30 * time.Second
	}
	if o.DeleteGrace <= 0 {
		o.DeleteGrace = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 120 * time.Second
	}
	if o.MaxCallAge <= 0 {
		o.MaxCallAge = 240 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.StaleAfter / 2
	}
	if o.Emergencies == nil {
		o.Emergencies = nopCollab{}
	}
	if o.Timeline == nil {
		o.Timeline = nopCollab{}
	}
	if o.Notifier == nil {
		o.Notifier = nopCollab{}
	}
}

// CallRequest describes an outbound call.
type CallRequest struct {
	ReceiverID   string             `json:"receiverId"`
	ReceiverName string             `json:"receiverName"`
	ReceiverRole string             `json:"receiverRole"`
	ContextID    string             `json:"contextId"`
	ContextType  signal.ContextType `json:"contextType"`
	Video        bool               `json:"video"`
}

// Incoming is a ringing call addressed to this user.
type Incoming struct {
	ID          string             `json:"id"`
	CallerID    string             `json:"callerId"`
	CallerName  string             `json:"callerName"`
	CallerRole  string             `json:"callerRole"`
	CallType    signal.CallType    `json:"callType"`
	ContextID   string             `json:"contextId"`
	ContextType signal.ContextType `json:"contextType"`
	CreatedAt   time.Time          `json:"createdAt"`
}

func incomingOf(s *signal.Session) Incoming {
	return Incoming{
		ID:          s.ID,
		CallerID:    s.CallerID,
		CallerName:  s.CallerName,
		CallerRole:  s.CallerRole,
		CallType:    s.CallType,
		ContextID:   s.ContextID,
		ContextType: s.ContextType,
		CreatedAt:   s.CreatedAt,
	}
}

// State is an observable snapshot of the coordinator.
type State struct {
	Phase        Phase              `json:"phase"`
	CallID       string             `json:"callId,omitempty"`
	Party        signal.Party       `json:"party,omitempty"`
	Status       signal.Status      `json:"status,omitempty"`
	CallType     signal.CallType    `json:"callType,omitempty"`
	ContextID    string             `json:"contextId,omitempty"`
	ContextType  signal.ContextType `json:"contextType,omitempty"`
	Remote       Peer               `json:"remote"`
	Muted        bool               `json:"muted"`
	VideoEnabled bool               `json:"videoEnabled"`
	Facing       media.Facing       `json:"facing,omitempty"`
	LiveTracks   int                `json:"liveTracks"`
}

// activeCall is the local half of the call being driven. Only the event
// loop touches it.
type activeCall struct {
	gen    uint64
	id     string
	party  signal.Party
	record *signal.Session
	media  *media.Session

	recordReady   bool
	remoteReady   bool
	pendingLocal  []signal.Candidate
	pendingRemote []signal.Candidate
	unsubs        []func()
	watchdogGen   uint64
	counted       bool
}

// Coordinator drives the calls of one user.
type Coordinator struct {
	self     Identity
	opts     Options
	store    signal.Store
	clock    clock.Clock
	watchdog *Watchdog
	reaper   *Reaper

	work      chan func()
	done      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
	notices   *signal.Feed[func()]

	// Owned by the event loop.
	phase          Phase
	gen            uint64
	call           *activeCall
	incoming       *signal.Session
	incomingCancel func()
	incomingExpiry *clock.Timer

	dmu     sync.Mutex
	deletes map[string]*clock.Timer

	lmu        sync.Mutex
	nextID     int
	incomingFn map[int]func(Incoming)
	stateFn    map[int]func(State)
	localFn    func([]media.Track)
	remoteFn   func([]media.RemoteTrack)

	smu      sync.RWMutex
	snapshot State
}

// New starts a coordinator and begins watching for calls addressed to
// opts.Identity.
func New(opts Options) (*Coordinator, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("call: store is required")
	case opts.Devices == nil || opts.Peers == nil:
		return nil, errors.New("call: media devices and peer factory are required")
	case opts.Identity.UserID == "":
		return nil, errors.New("call: identity user id is required")
	}
	opts.setDefaults()

	c := &Coordinator{
		self:       opts.Identity,
		opts:       opts,
		store:      opts.Store,
		clock:      opts.Clock,
		reaper:     NewReaper(opts.Store, opts.Clock, opts.StaleAfter, opts.MaxCallAge),
		work:       make(chan func()),
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		notices:    signal.NewFeed[func()](),
		phase:      PhaseIdle,
		deletes:    make(map[string]*clock.Timer),
		incomingFn: make(map[int]func(Incoming)),
		stateFn:    make(map[int]func(State)),
		snapshot:   State{Phase: PhaseIdle},
	}
	c.watchdog = NewWatchdog(opts.Clock, opts.RingTimeout, func(gen uint64) {
		c.post(func() { c.onTimeout(gen) })
	})

	go c.loop()
	go func() {
		for fn := range c.notices.C() {
			fn()
		}
	}()
	go c.sweepLoop(c.clock.Ticker(opts.SweepInterval))

	ch, cancel := c.store.WatchIncoming(c.self.UserID)
	c.incomingCancel = cancel
	go forward(c, ch, c.onIncomingChange)

	log.Infof("coordinator ready for %s (%s)", c.self.UserID, c.self.Role)
	return c, nil
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.work:
			fn()
		case <-c.done:
			return
		}
	}
}

// post queues fn on the event loop. It reports false once the loop is gone.
func (c *Coordinator) post(fn func()) bool {
	select {
	case c.work <- fn:
		return true
	case <-c.done:
		return false
	}
}

// exec runs fn on the event loop and waits for its result.
func (c *Coordinator) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	res := make(chan error, 1)
	if !c.post(func() { res <- fn(ctx) }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrClosed
	}
}

// forward moves values from a subscription onto the event loop until the
// subscription is cancelled or the coordinator closes.
func forward[T any](c *Coordinator, ch <-chan T, handle func(T)) {
	for v := range ch {
		v := v
		if !c.post(func() { handle(v) }) {
			return
		}
	}
}

func (c *Coordinator) notify(fn func()) { c.notices.Push(fn) }

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// fire applies ev to the phase machine.
func (c *Coordinator) fire(ev Event) bool {
	next, ok := Next(c.phase, ev)
	if !ok {
		log.Debugf("ignoring %s while %s", ev, c.phase)
		return false
	}
	if next != c.phase {
		log.Debugf("phase %s -> %s on %s", c.phase, next, ev)
	}
	c.phase = next
	return true
}

func (c *Coordinator) current(gen uint64) *activeCall {
	if c.call != nil && c.call.gen == gen {
		return c.call
	}
	return nil
}

// ── Listeners ────────────────────────────────────────────────────────────────

// OnIncoming registers fn for ringing calls addressed to this user. The
// returned func removes it.
func (c *Coordinator) OnIncoming(fn func(Incoming)) func() {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.incomingFn[id] = fn
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.incomingFn, id)
		c.lmu.Unlock()
	}
}

// OnStateChange registers fn for every change of State.
func (c *Coordinator) OnStateChange(fn func(State)) func() {
	c.lmu.Lock()
	c.nextID++
	id := c.nextID
	c.stateFn[id] = fn
	c.lmu.Unlock()
	return func() {
		c.lmu.Lock()
		delete(c.stateFn, id)
		c.lmu.Unlock()
	}
}

// SetLocalStreamListener sets the listener for the local track set.
func (c *Coordinator) SetLocalStreamListener(fn func([]media.Track)) {
	c.lmu.Lock()
	c.localFn = fn
	c.lmu.Unlock()
}

// SetRemoteStreamListener sets the listener for remote tracks.
func (c *Coordinator) SetRemoteStreamListener(fn func([]media.RemoteTrack)) {
	c.lmu.Lock()
	c.remoteFn = fn
	c.lmu.Unlock()
}

// State returns the latest snapshot.
func (c *Coordinator) State() State {
	c.smu.RLock()
	defer c.smu.RUnlock()
	return c.snapshot
}

func (c *Coordinator) publish() {
	s := State{Phase: c.phase}
	switch {
	case c.call != nil:
		call := c.call
		rec := call.record
		s.CallID = call.id
		s.Party = call.party
		s.Muted = call.media.Muted()
		s.VideoEnabled = call.media.VideoEnabled()
		s.Facing = call.media.Facing()
		s.LiveTracks = call.media.LiveTracks()
		if rec != nil {
			s.Status = rec.Status
			s.CallType = rec.CallType
			s.ContextID = rec.ContextID
			s.ContextType = rec.ContextType
			id, name, role := rec.Other(c.self.UserID)
			s.Remote = Peer{ID: id, Name: name, Role: role}
		}
	case c.incoming != nil:
		rec := c.incoming
		s.CallID = rec.ID
		s.Party = signal.Receiver
		s.Status = rec.Status
		s.CallType = rec.CallType
		s.ContextID = rec.ContextID
		s.ContextType = rec.ContextType
		s.Remote = Peer{ID: rec.CallerID, Name: rec.CallerName, Role: rec.CallerRole}
	}

	c.smu.Lock()
	changed := s != c.snapshot
	c.snapshot = s
	c.smu.Unlock()
	if !changed {
		return
	}

	c.lmu.Lock()
	fns := make([]func(State), 0, len(c.stateFn))
	for _, fn := range c.stateFn {
		fns = append(fns, fn)
	}
	c.lmu.Unlock()
	for _, fn := range fns {
		fn := fn
		c.notify(func() { fn(s) })
	}
}

// ── Media ────────────────────────────────────────────────────────────────────

func (c *Coordinator) newMedia() *media.Session {
	ms := media.NewSession(c.opts.Devices, c.opts.Peers, c.opts.ICEServers)
	ms.OnLocalStream(func(tracks []media.Track) {
		c.lmu.Lock()
		fn := c.localFn
		c.lmu.Unlock()
		if fn != nil {
			c.notify(func() { fn(tracks) })
		}
	})
	ms.OnRemoteStream(func(tracks []media.RemoteTrack) {
		c.lmu.Lock()
		fn := c.remoteFn
		c.lmu.Unlock()
		if fn != nil {
			c.notify(func() { fn(tracks) })
		}
	})
	return ms
}

func mediaError(err error) error {
	if errors.Is(err, media.ErrAccessDenied) {
		return fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
	}
	return fmt.Errorf("open media: %w", err)
}

// ── StartCall ────────────────────────────────────────────────────────────────

// StartCall places a call and returns the new session id once the ringing
// record is stored.
func (c *Coordinator) StartCall(ctx context.Context, req CallRequest) (string, error) {
	var id string
	err := c.exec(ctx, func(ctx context.Context) error {
		var err error
		id, err = c.startCall(ctx, req)
		return err
	})
	return id, err
}

func (c *Coordinator) startCall(ctx context.Context, req CallRequest) (string, error) {
	if req.ReceiverID == "" || req.ReceiverID == c.self.UserID {
		return "", fmt.Errorf("%w: receiver %q", signal.ErrInvalid, req.ReceiverID)
	}
	if req.ContextType != "" && !req.ContextType.Valid() {
		return "", fmt.Errorf("%w: context type %q", signal.ErrInvalid, req.ContextType)
	}
	if c.phase != PhaseIdle {
		return "", fmt.Errorf("%w: %s", ErrBusy, c.phase)
	}

	if req.ContextType == signal.ContextSOS && req.ContextID != "" {
		st, err := c.opts.Emergencies.EmergencyStatus(ctx, req.ContextID)
		switch {
		case err != nil:
			log.Warnf("emergency status %s: %v", req.ContextID, err)
		case st.Resolved:
			return "", fmt.Errorf("%w: %s", ErrEmergencyResolved, req.ContextID)
		}
	}

	c.gen++
	ms := c.newMedia()
	if err := ms.Open(ctx, req.Video); err != nil {
		metrics.SetupFailures.WithLabelValues("media").Inc()
		return "", mediaError(err)
	}

	call := &activeCall{gen: c.gen, id: uuid.NewString(), party: signal.Caller, media: ms}
	c.call = call
	c.relayLocalCandidates(call)

	offer, err := ms.Peer().CreateOffer(ctx)
	if err != nil {
		c.abort(call, "offer")
		return "", fmt.Errorf("create offer: %w", err)
	}

	callType := signal.CallAudio
	if req.Video {
		callType = signal.CallVideo
	}
	rec := &signal.Session{
		ID:           call.id,
		CallerID:     c.self.UserID,
		ReceiverID:   req.ReceiverID,
		CallerName:   c.self.Name,
		ReceiverName: req.ReceiverName,
		CallerRole:   c.self.Role,
		ReceiverRole: req.ReceiverRole,
		Status:       signal.StatusRinging,
		CallType:     callType,
		ContextID:    req.ContextID,
		ContextType:  req.ContextType,
		Offer:        &offer,
	}
	err = c.store.Create(ctx, rec)
	if errors.Is(err, signal.ErrLiveSession) {
		n, rerr := c.reaper.ReleaseOrphans(ctx, c.self.UserID, call.id)
		switch {
		case rerr != nil:
			log.Warnf("call %s: release orphaned sessions: %v", call.id, rerr)
		case n > 0:
			log.Infof("call %s: released %d orphaned session(s), retrying", call.id, n)
			err = c.store.Create(ctx, rec)
		}
	}
	if err != nil {
		c.abort(call, "create")
		if errors.Is(err, signal.ErrLiveSession) {
			return "", fmt.Errorf("%w: %w", ErrStaleSessionConflict, err)
		}
		return "", fmt.Errorf("%w: %w", ErrSignalingWrite, err)
	}
	rec.Rev = 1
	call.record = rec
	call.recordReady = true
	c.flushLocalCandidates(ctx, call)

	c.fire(EvLocalStart)
	call.counted = true
	metrics.ActiveCalls.Inc()
	metrics.CallsStarted.Inc()
	call.watchdogGen = c.watchdog.Arm()
	c.watchRecord(call)

	c.appendTimeline(ctx, rec, "Call Started", "")
	log.Infof("call %s: dialing %s (%s, context %s/%s)", call.id, req.ReceiverID, callType, req.ContextType, req.ContextID)
	c.publish()
	return call.id, nil
}

// ── JoinCall ─────────────────────────────────────────────────────────────────

// JoinCall answers the ringing session id.
func (c *Coordinator) JoinCall(ctx context.Context, id string) error {
	return c.exec(ctx, func(ctx context.Context) error { return c.joinCall(ctx, id) })
}

func (c *Coordinator) joinCall(ctx context.Context, id string) error {
	if c.phase != PhaseIdle && c.phase != PhaseIncoming {
		return fmt.Errorf("%w: %s", ErrBusy, c.phase)
	}

	rec, err := c.store.Get(ctx, id)
	if errors.Is(err, signal.ErrNotFound) {
		c.dropIncoming(id)
		return fmt.Errorf("%w: session %s is gone", ErrRemoteTerminated, id)
	}
	if err != nil {
		return fmt.Errorf("%w: read session: %w", ErrSignalingWrite, err)
	}
	if rec.PartyOf(c.self.UserID) != signal.Receiver {
		return fmt.Errorf("%w: %s", ErrNotParticipant, id)
	}
	if rec.Status != signal.StatusRinging {
		c.dropIncoming(id)
		return fmt.Errorf("%w: session is %s", ErrRemoteTerminated, rec.Status)
	}

	c.gen++
	c.incoming = nil
	ms := c.newMedia()
	if err := ms.Open(ctx, rec.CallType == signal.CallVideo); err != nil {
		metrics.SetupFailures.WithLabelValues("media").Inc()
		c.rejectAfterFailure(rec)
		c.fireIfBusy(EvSetupFailed)
		c.publish()
		return mediaError(err)
	}

	call := &activeCall{gen: c.gen, id: rec.ID, party: signal.Receiver, record: rec, media: ms}
	c.call = call
	c.relayLocalCandidates(call)

	answer, err := ms.Peer().CreateAnswer(ctx, *rec.Offer)
	if err != nil {
		c.abort(call, "answer")
		c.rejectAfterFailure(rec)
		c.publish()
		return fmt.Errorf("create answer: %w", err)
	}
	call.remoteReady = true

	if err := signal.AsReceiver(c.store, rec.ID).Accept(ctx, answer); err != nil {
		c.abort(call, "accept")
		c.publish()
		if errors.Is(err, signal.ErrStatusChanged) || errors.Is(err, signal.ErrAlreadyTerminal) ||
			errors.Is(err, signal.ErrNotFound) {
			return fmt.Errorf("%w: %w", ErrRemoteTerminated, err)
		}
		return fmt.Errorf("%w: %w", ErrSignalingWrite, err)
	}
	accepted := rec.Clone()
	accepted.Status = signal.StatusAccepted
	accepted.Answer = &answer
	accepted.Rev++
	call.record = accepted
	call.recordReady = true
	c.flushLocalCandidates(ctx, call)

	c.fire(EvLocalAccept)
	call.counted = true
	metrics.ActiveCalls.Inc()
	metrics.CallsJoined.Inc()
	c.watchRecord(call)

	log.Infof("call %s: joined call from %s (%s)", rec.ID, rec.CallerID, rec.CallType)
	c.publish()
	return nil
}

// rejectAfterFailure tells a waiting caller that this side cannot take the
// call, so it is not left ringing.
func (c *Coordinator) rejectAfterFailure(rec *signal.Session) {
	ctx, cancel := opContext()
	defer cancel()
	if _, err := c.writeTerminal(ctx, rec, signal.Receiver, signal.StatusRejected, false); err != nil {
		log.Warnf("call %s: reject after failed join: %v", rec.ID, err)
	}
}

func (c *Coordinator) dropIncoming(id string) {
	if c.incoming != nil && c.incoming.ID == id {
		c.incoming = nil
		c.fire(EvIncomingGone)
		c.publish()
	}
}

func (c *Coordinator) fireIfBusy(ev Event) {
	if c.phase == PhaseIdle {
		return
	}
	if !c.fire(ev) {
		c.phase = PhaseIdle
	}
}

// ── EndCall ──────────────────────────────────────────────────────────────────

// Decline rejects a ringing call addressed to this user.
func (c *Coordinator) Decline(ctx context.Context, id string) error {
	return c.EndCall(ctx, id, signal.StatusRejected)
}

// EndCall writes a terminal status to session id and releases everything
// held for it. A record that is already terminal or gone counts as ended.
func (c *Coordinator) EndCall(ctx context.Context, id string, reason signal.Status) error {
	if !reason.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", signal.ErrInvalidTransition, reason)
	}
	return c.exec(ctx, func(ctx context.Context) error {
		if call := c.call; call != nil && call.id == id {
			return c.finish(ctx, call, reason, false)
		}
		return c.endOther(ctx, id, reason)
	})
}

// endOther ends a session this coordinator is not driving, such as a
// ringing call being declined.
func (c *Coordinator) endOther(ctx context.Context, id string, reason signal.Status) error {
	rec, err := c.store.Get(ctx, id)
	if errors.Is(err, signal.ErrNotFound) {
		c.dropIncoming(id)
		return fmt.Errorf("%w: %s", ErrNoActiveCall, id)
	}
	if err != nil {
		return fmt.Errorf("%w: read session: %w", ErrSignalingWrite, err)
	}
	party := rec.PartyOf(c.self.UserID)
	if party == "" {
		return fmt.Errorf("%w: %s", ErrNotParticipant, id)
	}
	// Hanging up a call that is still ringing here declines it.
	if party == signal.Receiver && rec.Status == signal.StatusRinging && reason == signal.StatusEnded {
		reason = signal.StatusRejected
	}

	_, werr := c.writeTerminal(ctx, rec, party, reason, false)
	c.appendTimeline(ctx, rec, "Call Finished", string(reason))
	if c.incoming != nil && c.incoming.ID == id {
		c.incoming = nil
		c.fire(EvLocalEnd)
		c.publish()
	}
	return werr
}

type writeOutcome int

const (
	wrote writeOutcome = iota
	alreadyDone
	lostToAccept
	writeFailed
)

// writeTerminal writes reason to rec as party. The write is first tried on
// the condition that the record is still ringing, which decides whether the
// receiver gets a missed-call notification from the caller.
func (c *Coordinator) writeTerminal(ctx context.Context, rec *signal.Session, party signal.Party, reason signal.Status, fromWatchdog bool) (writeOutcome, error) {
	finish := func(expect signal.Status) error {
		if party == signal.Caller {
			return signal.AsCaller(c.store, rec.ID).FinishIf(ctx, reason, expect)
		}
		return signal.AsReceiver(c.store, rec.ID).FinishIf(ctx, reason, expect)
	}

	err := finish(signal.StatusRinging)
	whileRinging := err == nil
	if errors.Is(err, signal.ErrStatusChanged) {
		if fromWatchdog {
			return lostToAccept, nil
		}
		err = finish("")
	}

	switch {
	case err == nil:
		metrics.CallOutcomes.WithLabelValues(string(reason), "local").Inc()
		if whileRinging && party == signal.Caller && (reason == signal.StatusEnded || reason == signal.StatusMissed) {
			c.notifyMissed(ctx, rec)
		}
		c.scheduleDelete(rec.ID)
		return wrote, nil
	case errors.Is(err, signal.ErrAlreadyTerminal), errors.Is(err, signal.ErrNotFound):
		log.Debugf("call %s: %s write found record finished: %v", rec.ID, reason, err)
		return alreadyDone, nil
	default:
		return writeFailed, fmt.Errorf("%w: %w", ErrSignalingWrite, err)
	}
}

// finish ends the driven call. Local resources are released even when the
// terminal write fails.
func (c *Coordinator) finish(ctx context.Context, call *activeCall, reason signal.Status, fromWatchdog bool) error {
	out, err := c.writeTerminal(ctx, call.record, call.party, reason, fromWatchdog)
	if out == lostToAccept {
		log.Infof("call %s: ring timeout lost to accept", call.id)
		return nil
	}
	c.appendTimeline(ctx, call.record, "Call Finished", string(reason))

	ev := EvLocalEnd
	if fromWatchdog {
		ev = EvTimeout
	}
	c.teardown(call, ev)
	log.Infof("call %s: finished locally (%s)", call.id, reason)
	c.publish()
	return err
}

func (c *Coordinator) notifyMissed(ctx context.Context, rec *signal.Session) {
	toID, _, toRole := rec.Other(c.self.UserID)
	fromName := c.self.Name
	if fromName == "" {
		fromName = c.self.UserID
	}
	n := Notification{
		ID:         "missed_" + rec.ID,
		ToUserID:   toID,
		ToRole:     toRole,
		FromUserID: c.self.UserID,
		FromName:   fromName,
		Type:       NotificationMissedCall,
		CallID:     rec.ID,
		Message:    fmt.Sprintf("Missed call from %s", fromName),
		CreatedAt:  c.clock.Now(),
	}
	if err := c.opts.Notifier.CreateNotification(ctx, n); err != nil {
		metrics.NotificationFailures.Inc()
		log.Warnf("call %s: missed-call notification for %s: %v", rec.ID, toID, err)
	}
}

func (c *Coordinator) appendTimeline(ctx context.Context, rec *signal.Session, action, note string) {
	if rec == nil || rec.ContextID == "" {
		return
	}
	if err := c.opts.Timeline.AppendTimelineEntry(ctx, rec.ContextID, rec.ContextType, action, note); err != nil {
		log.Warnf("call %s: timeline %q: %v", rec.ID, action, err)
	}
}

// scheduleDelete removes the record after the grace delay so the other
// side can still observe the terminal status.
func (c *Coordinator) scheduleDelete(id string) {
	c.dmu.Lock()
	defer c.dmu.Unlock()
	if _, ok := c.deletes[id]; ok {
		return
	}
	c.deletes[id] = c.clock.AfterFunc(c.opts.DeleteGrace, func() {
		c.dmu.Lock()
		delete(c.deletes, id)
		c.dmu.Unlock()
		c.deleteRecord(id)
	})
}

func (c *Coordinator) deleteRecord(id string) {
	ctx, cancel := opContext()
	defer cancel()
	if err := c.store.Delete(ctx, id); err != nil {
		log.Warnf("call %s: delete record: %v", id, err)
		return
	}
	log.Debugf("call %s: record deleted", id)
}

// ── Teardown ─────────────────────────────────────────────────────────────────

// teardown releases a call in order: timers, peer connection, local
// tracks, then subscriptions.
func (c *Coordinator) teardown(call *activeCall, ev Event) {
	if c.call != call {
		return
	}
	c.watchdog.Stop()
	call.media.Close()
	for _, unsub := range call.unsubs {
		unsub()
	}
	call.unsubs = nil
	if call.counted {
		metrics.ActiveCalls.Dec()
	}
	c.call = nil
	c.fireIfBusy(ev)
}

func (c *Coordinator) abort(call *activeCall, stage string) {
	metrics.SetupFailures.WithLabelValues(stage).Inc()
	log.Warnf("call %s: setup failed at %s", call.id, stage)
	c.teardown(call, EvSetupFailed)
}

// ── Remote events ────────────────────────────────────────────────────────────

func (c *Coordinator) watchRecord(call *activeCall) {
	gen := call.gen

	ch, cancel := c.store.Watch(call.id)
	call.unsubs = append(call.unsubs, cancel)
	go forward(c, ch, func(ch signal.Change) { c.onRecordChange(gen, ch) })

	cands, cancelCands := c.store.WatchCandidates(call.id, signal.RemoteSide(call.party))
	call.unsubs = append(call.unsubs, cancelCands)
	go forward(c, cands, func(cand signal.Candidate) { c.onRemoteCandidate(gen, cand) })
}

func (c *Coordinator) onRecordChange(gen uint64, ch signal.Change) {
	call := c.current(gen)
	if call == nil {
		return
	}
	if ch.Deleted {
		log.Infof("call %s: record disappeared", call.id)
		c.remoteEnded(call, "gone")
		return
	}

	rec := ch.Session
	call.record = rec
	switch {
	case rec.Status == signal.StatusAccepted:
		if call.party != signal.Caller || call.remoteReady || c.phase != PhaseDialing {
			break
		}
		c.watchdog.Stop()
		if rec.Answer == nil {
			break
		}
		if err := call.media.Peer().SetAnswer(*rec.Answer); err != nil {
			if errors.Is(err, media.ErrNoPendingOffer) {
				log.Debugf("call %s: answer without pending offer", call.id)
				break
			}
			log.Errorf("call %s: apply answer: %v", call.id, err)
			metrics.SetupFailures.WithLabelValues("answer").Inc()
			ctx, cancel := opContext()
			defer cancel()
			if err := c.finish(ctx, call, signal.StatusEnded, false); err != nil {
				log.Warnf("call %s: end after failed answer: %v", call.id, err)
			}
			return
		}
		call.remoteReady = true
		c.applyPendingRemote(call)
		c.fire(EvRemoteAccepted)
		log.Infof("call %s: accepted by %s", call.id, rec.ReceiverID)
	case rec.Status.Terminal():
		log.Infof("call %s: remote wrote %s", call.id, rec.Status)
		c.remoteEnded(call, string(rec.Status))
		return
	}
	c.publish()
}

func (c *Coordinator) remoteEnded(call *activeCall, status string) {
	metrics.CallOutcomes.WithLabelValues(status, "remote").Inc()
	c.teardown(call, EvRemoteEnd)
	c.publish()
}

func (c *Coordinator) onRemoteCandidate(gen uint64, cand signal.Candidate) {
	call := c.current(gen)
	if call == nil {
		return
	}
	if !call.remoteReady {
		call.pendingRemote = append(call.pendingRemote, cand)
		return
	}
	c.addRemoteCandidate(call, cand)
}

func (c *Coordinator) applyPendingRemote(call *activeCall) {
	pending := call.pendingRemote
	call.pendingRemote = nil
	for _, cand := range pending {
		c.addRemoteCandidate(call, cand)
	}
}

func (c *Coordinator) addRemoteCandidate(call *activeCall, cand signal.Candidate) {
	// Duplicates and late arrivals fail harmlessly.
	if err := call.media.Peer().AddCandidate(cand); err != nil {
		log.Debugf("call %s: add remote candidate: %v", call.id, err)
	}
}

func (c *Coordinator) relayLocalCandidates(call *activeCall) {
	gen := call.gen
	feed := signal.NewFeed[signal.Candidate]()
	call.media.Peer().OnCandidate(feed.Push)
	call.unsubs = append(call.unsubs, feed.Close)
	go forward(c, feed.C(), func(cand signal.Candidate) { c.onLocalCandidate(gen, cand) })
}

func (c *Coordinator) onLocalCandidate(gen uint64, cand signal.Candidate) {
	call := c.current(gen)
	if call == nil {
		return
	}
	if !call.recordReady {
		call.pendingLocal = append(call.pendingLocal, cand)
		return
	}
	ctx, cancel := opContext()
	defer cancel()
	c.appendLocalCandidate(ctx, call, cand)
}

func (c *Coordinator) flushLocalCandidates(ctx context.Context, call *activeCall) {
	pending := call.pendingLocal
	call.pendingLocal = nil
	for _, cand := range pending {
		c.appendLocalCandidate(ctx, call, cand)
	}
}

func (c *Coordinator) appendLocalCandidate(ctx context.Context, call *activeCall, cand signal.Candidate) {
	var err error
	if call.party == signal.Caller {
		err = signal.AsCaller(c.store, call.id).AddCandidate(ctx, cand)
	} else {
		err = signal.AsReceiver(c.store, call.id).AddCandidate(ctx, cand)
	}
	if err != nil {
		log.Warnf("call %s: append local candidate: %v", call.id, err)
	}
}

// ── Incoming ─────────────────────────────────────────────────────────────────

func (c *Coordinator) onIncomingChange(ch signal.Change) {
	rec := ch.Session
	if rec != nil && rec.Status == signal.StatusRinging {
		if c.incoming != nil && c.incoming.ID == rec.ID {
			c.incoming = rec
			c.publish()
			return
		}
		if c.phase != PhaseIdle {
			log.Infof("call %s: ignoring ringing call from %s while %s", rec.ID, rec.CallerID, c.phase)
			return
		}
		if c.reaper.Stale(rec, c.clock.Now()) {
			log.Infof("call %s: ignoring stale ringing call from %s", rec.ID, rec.CallerID)
			return
		}
		c.incoming = rec
		c.fire(EvRemoteRinging)
		c.armIncomingExpiry(rec)
		log.Infof("call %s: incoming %s call from %s", rec.ID, rec.CallType, rec.CallerID)
		c.publish()

		in := incomingOf(rec)
		c.lmu.Lock()
		for _, fn := range c.incomingFn {
			fn := fn
			c.notify(func() { fn(in) })
		}
		c.lmu.Unlock()
		return
	}

	if c.incoming != nil && c.incoming.ID == ch.ID {
		log.Infof("call %s: caller withdrew", ch.ID)
		c.incoming = nil
		c.fire(EvIncomingGone)
		c.publish()
	}
}

// armIncomingExpiry drops rec once it is old enough to be stale, so a
// caller that vanished without ending the call does not ring forever.
func (c *Coordinator) armIncomingExpiry(rec *signal.Session) {
	if c.incomingExpiry != nil {
		c.incomingExpiry.Stop()
	}
	id := rec.ID
	wait := rec.CreatedAt.Add(c.opts.StaleAfter).Sub(c.clock.Now())
	c.incomingExpiry = c.clock.AfterFunc(wait, func() {
		c.post(func() { c.onIncomingExpired(id) })
	})
}

func (c *Coordinator) onIncomingExpired(id string) {
	if c.incoming == nil || c.incoming.ID != id {
		return
	}
	log.Infof("call %s: caller %s never ended the call, dropping it", id, c.incoming.CallerID)
	c.incoming = nil
	c.incomingExpiry = nil
	c.fire(EvIncomingGone)
	c.publish()
	c.deleteRecord(id)
}

// ── Local controls ───────────────────────────────────────────────────────────

// ToggleMute sets whether the microphone is muted.
func (c *Coordinator) ToggleMute(ctx context.Context, muted bool) error {
	return c.exec(ctx, func(context.Context) error {
		if c.call == nil {
			return ErrNoActiveCall
		}
		c.call.media.SetMuted(muted)
		c.publish()
		return nil
	})
}

// ToggleVideo sets whether the camera track is sent.
func (c *Coordinator) ToggleVideo(ctx context.Context, enabled bool) error {
	return c.exec(ctx, func(context.Context) error {
		if c.call == nil {
			return ErrNoActiveCall
		}
		c.call.media.SetVideoEnabled(enabled)
		c.publish()
		return nil
	})
}

// SwitchCamera moves the outbound video to the opposite-facing camera.
func (c *Coordinator) SwitchCamera(ctx context.Context) (media.Facing, error) {
	var facing media.Facing
	err := c.exec(ctx, func(ctx context.Context) error {
		if c.call == nil {
			return ErrNoActiveCall
		}
		f, err := c.call.media.SwitchCamera(ctx)
		if err != nil {
			if errors.Is(err, media.ErrAccessDenied) {
				return fmt.Errorf("%w: %w", ErrMediaAccessDenied, err)
			}
			return err
		}
		facing = f
		c.publish()
		return nil
	})
	return facing, err
}

// SanitizeStaleCalls deletes abandoned sessions of userID, or of this
// coordinator's user when userID is empty. The session being driven is kept.
func (c *Coordinator) SanitizeStaleCalls(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		userID = c.self.UserID
	}
	return c.reaper.Sweep(ctx, userID, c.State().CallID)
}

func (c *Coordinator) sweepLoop(t *clock.Ticker) {
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ctx, cancel := opContext()
			n, err := c.SanitizeStaleCalls(ctx, "")
			cancel()
			switch {
			case err != nil:
				log.Warnf("periodic sweep: %v", err)
			case n > 0:
				log.Infof("periodic sweep removed %d session(s)", n)
			}
		case <-c.done:
			return
		}
	}
}

// ── Watchdog ─────────────────────────────────────────────────────────────────

func (c *Coordinator) onTimeout(gen uint64) {
	call := c.call
	if call == nil || call.watchdogGen != gen || c.phase != PhaseDialing {
		return
	}
	metrics.WatchdogFired.Inc()
	log.Infof("call %s: no answer after %s", call.id, c.opts.RingTimeout)
	ctx, cancel := opContext()
	defer cancel()
	if err := c.finish(ctx, call, signal.StatusMissed, true); err != nil {
		log.Warnf("call %s: mark missed: %v", call.id, err)
	}
}

// ── Close ────────────────────────────────────────────────────────────────────

// Close ends a live call, stops watching for incoming calls, runs pending
// record deletions and stops the event loop.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := opContext()
		defer cancel()
		err := c.exec(ctx, func(ctx context.Context) error {
			if call := c.call; call != nil {
				if err := c.finish(ctx, call, signal.StatusEnded, false); err != nil {
					log.Warnf("call %s: end on close: %v", call.id, err)
				}
			}
			if c.incomingCancel != nil {
				c.incomingCancel()
				c.incomingCancel = nil
			}
			if c.incomingExpiry != nil {
				c.incomingExpiry.Stop()
				c.incomingExpiry = nil
			}
			c.incoming = nil
			c.phase = PhaseIdle
			return nil
		})
		if err != nil {
			log.Warnf("close: %v", err)
		}
		close(c.done)
		<-c.loopDone

		c.dmu.Lock()
		var pending []string
		for id, t := range c.deletes {
			if t.Stop() {
				pending = append(pending, id)
			}
			delete(c.deletes, id)
		}
		c.dmu.Unlock()
		for _, id := range pending {
			c.deleteRecord(id)
		}
		c.notices.Close()
		log.Infof("coordinator for %s closed", c.self.UserID)
	})
	return nil
}
