package signal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signal")

// MemStore is an in-process Store. Every client holding the same MemStore
// sees the same records, which makes it the store of choice for tests and
// for running both parties inside one process.
type MemStore struct {
	clock clock.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
	cands    map[string]map[Side][]Candidate

	watch *watchSet
}

// NewMemStore creates an empty store. A nil clock uses wall time.
func NewMemStore(clk clock.Clock) *MemStore {
	if clk == nil {
		clk = clock.New()
	}
	m := &MemStore{
		clock:    clk,
		sessions: make(map[string]*Session),
		cands:    make(map[string]map[Side][]Candidate),
	}
	m.watch = newWatchSet(m)
	return m
}

func (m *MemStore) Create(ctx context.Context, s *Session) error {
	if err := ValidateNew(s); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, s.ID)
	}
	for _, cur := range m.sessions {
		if cur.CallerID == s.CallerID && cur.Live() {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s has %s", ErrLiveSession, s.CallerID, cur.ID)
		}
	}
	now := m.clock.Now()
	rec := s.Clone()
	rec.Rev = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.sessions[s.ID] = rec
	m.cands[s.ID] = make(map[Side][]Candidate)
	m.mu.Unlock()

	m.watch.refresh()
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

func (m *MemStore) Update(_ context.Context, id string, u Update) (*Session, error) {
	m.mu.Lock()
	cur, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next, err := Apply(cur, u, m.clock.Now())
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.sessions[id] = next
	m.mu.Unlock()

	m.watch.refresh()
	return next.Clone(), nil
}

func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	delete(m.cands, id)
	m.mu.Unlock()

	if ok {
		m.watch.refresh()
	}
	return nil
}

func (m *MemStore) AppendCandidate(_ context.Context, id string, side Side, c Candidate) error {
	if !side.Valid() {
		return fmt.Errorf("%w: side %q", ErrInvalid, side)
	}
	m.mu.Lock()
	lists, ok := m.cands[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	lists[side] = append(lists[side], c)
	m.mu.Unlock()

	m.watch.refresh()
	return nil
}

func (m *MemStore) Candidates(ctx context.Context, id string, side Side) ([]Candidate, error) {
	return m.candidatesFrom(ctx, id, side, 0)
}

func (m *MemStore) candidatesFrom(_ context.Context, id string, side Side, offset int) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lists, ok := m.cands[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	list := lists[side]
	if offset >= len(list) {
		return nil, nil
	}
	out := make([]Candidate, len(list)-offset)
	copy(out, list[offset:])
	return out, nil
}

func (m *MemStore) ListByParticipant(_ context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	var out []*Session
	for _, s := range m.sessions {
		if s.CallerID == userID || s.ReceiverID == userID {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

func (m *MemStore) ringingFor(_ context.Context, userID string) ([]*Session, error) {
	m.mu.RLock()
	var out []*Session
	for _, s := range m.sessions {
		if s.ReceiverID == userID && s.Status == StatusRinging {
			out = append(out, s.Clone())
		}
	}
	m.mu.RUnlock()
	sortByCreated(out)
	return out, nil
}

func (m *MemStore) Watch(id string) (<-chan Change, func()) {
	return m.watch.watchSession(id)
}

func (m *MemStore) WatchCandidates(id string, side Side) (<-chan Candidate, func()) {
	return m.watch.watchCandidates(id, side)
}

func (m *MemStore) WatchIncoming(userID string) (<-chan Change, func()) {
	return m.watch.watchIncoming(userID)
}

// Close ends every open watch.
func (m *MemStore) Close() error {
	m.watch.closeAll()
	return nil
}

func sortByCreated(list []*Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
