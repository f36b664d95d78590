package signal

import (
	"context"
	"errors"
	"sync"
	"time"
)

const refreshTimeout = 5 * time.Second

// source is the read side a watchSet diffs against.
type source interface {
	Get(ctx context.Context, id string) (*Session, error)
	candidatesFrom(ctx context.Context, id string, side Side, offset int) ([]Candidate, error)
	ringingFor(ctx context.Context, userID string) ([]*Session, error)
}

type sessionWatch struct {
	id   string
	rev  int64
	gone bool
	feed *Feed[Change]
}

type candidateWatch struct {
	id   string
	side Side
	seen int
	feed *Feed[Candidate]
}

type incomingWatch struct {
	userID string
	known  map[string]int64
	feed   *Feed[Change]
}

// watchSet tracks subscriptions and turns store snapshots into change
// events. Stores call refresh after every write; the diff against the last
// delivered revision decides what each subscriber sees.
type watchSet struct {
	src source

	mu         sync.Mutex
	next       uint64
	sessions   map[uint64]*sessionWatch
	candidates map[uint64]*candidateWatch
	incoming   map[uint64]*incomingWatch
}

func newWatchSet(src source) *watchSet {
	return &watchSet{
		src:        src,
		sessions:   make(map[uint64]*sessionWatch),
		candidates: make(map[uint64]*candidateWatch),
		incoming:   make(map[uint64]*incomingWatch),
	}
}

func (w *watchSet) watchSession(id string) (<-chan Change, func()) {
	sw := &sessionWatch{id: id, rev: -1, feed: NewFeed[Change]()}

	w.mu.Lock()
	w.next++
	key := w.next
	w.sessions[key] = sw
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	w.refreshSession(ctx, sw)
	cancel()
	w.mu.Unlock()

	return sw.feed.C(), func() {
		w.mu.Lock()
		delete(w.sessions, key)
		w.mu.Unlock()
		sw.feed.Close()
	}
}

func (w *watchSet) watchCandidates(id string, side Side) (<-chan Candidate, func()) {
	cw := &candidateWatch{id: id, side: side, feed: NewFeed[Candidate]()}

	w.mu.Lock()
	w.next++
	key := w.next
	w.candidates[key] = cw
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	w.refreshCandidates(ctx, cw)
	cancel()
	w.mu.Unlock()

	return cw.feed.C(), func() {
		w.mu.Lock()
		delete(w.candidates, key)
		w.mu.Unlock()
		cw.feed.Close()
	}
}

func (w *watchSet) watchIncoming(userID string) (<-chan Change, func()) {
	iw := &incomingWatch{userID: userID, known: make(map[string]int64), feed: NewFeed[Change]()}

	w.mu.Lock()
	w.next++
	key := w.next
	w.incoming[key] = iw
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	w.refreshIncoming(ctx, iw)
	cancel()
	w.mu.Unlock()

	return iw.feed.C(), func() {
		w.mu.Lock()
		delete(w.incoming, key)
		w.mu.Unlock()
		iw.feed.Close()
	}
}

// refresh re-reads every watched key and pushes what changed.
func (w *watchSet) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sw := range w.sessions {
		w.refreshSession(ctx, sw)
	}
	for _, cw := range w.candidates {
		w.refreshCandidates(ctx, cw)
	}
	for _, iw := range w.incoming {
		w.refreshIncoming(ctx, iw)
	}
}

func (w *watchSet) empty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions)+len(w.candidates)+len(w.incoming) == 0
}

func (w *watchSet) closeAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, sw := range w.sessions {
		sw.feed.Close()
		delete(w.sessions, k)
	}
	for k, cw := range w.candidates {
		cw.feed.Close()
		delete(w.candidates, k)
	}
	for k, iw := range w.incoming {
		iw.feed.Close()
		delete(w.incoming, k)
	}
}

func (w *watchSet) refreshSession(ctx context.Context, sw *sessionWatch) {
	s, err := w.src.Get(ctx, sw.id)
	switch {
	case errors.Is(err, ErrNotFound):
		if !sw.gone {
			sw.gone = true
			sw.feed.Push(Change{ID: sw.id, Deleted: true})
		}
	case err != nil:
		log.Warnf("watch %s: %v", sw.id, err)
	case s.Rev != sw.rev || sw.gone:
		sw.rev = s.Rev
		sw.gone = false
		sw.feed.Push(Change{ID: sw.id, Session: s})
	}
}

func (w *watchSet) refreshCandidates(ctx context.Context, cw *candidateWatch) {
	list, err := w.src.candidatesFrom(ctx, cw.id, cw.side, cw.seen)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warnf("watch %s/%s: %v", cw.id, cw.side, err)
		}
		return
	}
	for _, c := range list {
		cw.feed.Push(c)
	}
	cw.seen += len(list)
}

func (w *watchSet) refreshIncoming(ctx context.Context, iw *incomingWatch) {
	ringing, err := w.src.ringingFor(ctx, iw.userID)
	if err != nil {
		log.Warnf("watch incoming %s: %v", iw.userID, err)
		return
	}

	current := make(map[string]struct{}, len(ringing))
	for _, s := range ringing {
		current[s.ID] = struct{}{}
		if rev, ok := iw.known[s.ID]; ok && rev == s.Rev {
			continue
		}
		iw.known[s.ID] = s.Rev
		iw.feed.Push(Change{ID: s.ID, Session: s})
	}

	// Anything that left the ringing set is reported once with its new state.
	for id := range iw.known {
		if _, ok := current[id]; ok {
			continue
		}
		delete(iw.known, id)
		s, err := w.src.Get(ctx, id)
		if err != nil {
			iw.feed.Push(Change{ID: id, Deleted: true})
			continue
		}
		iw.feed.Push(Change{ID: id, Session: s})
	}
}
