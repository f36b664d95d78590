package call

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/guardcall/internal/metrics"
	"github.com/petervdpas/guardcall/internal/signal"
)

// Reaper deletes sessions that no live client will ever finish: terminal
// ones whose writer never deleted them, ringing ones past the ring window,
// and accepted ones older than any real call.
type Reaper struct {
	store      signal.Store
	clock      clock.Clock
	staleAfter time.Duration
	maxCallAge time.Duration
}

func NewReaper(st signal.Store, clk clock.Clock, staleAfter, maxCallAge time.Duration) *Reaper {
	if clk == nil {
		clk = clock.New()
	}
	return &Reaper{store: st, clock: clk, staleAfter: staleAfter, maxCallAge: maxCallAge}
}

// Stale reports whether s should be reaped at now.
func (r *Reaper) Stale(s *signal.Session, now time.Time) bool {
	age := now.Sub(s.CreatedAt)
	switch {
	case s.Status.Terminal():
		return true
	case s.Status == signal.StatusRinging:
		return age > r.staleAfter
	case s.Status == signal.StatusAccepted:
		return age > r.maxCallAge
	}
	return false
}

// Sweep deletes the stale sessions of userID, never the one named keep.
// It returns how many were deleted. Individual delete failures are logged
// and skipped.
func (r *Reaper) Sweep(ctx context.Context, userID, keep string) (int, error) {
	list, err := r.store.ListByParticipant(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions of %s: %w", userID, err)
	}

	now := r.clock.Now()
	n := 0
	for _, s := range list {
		if s.ID == keep || !r.Stale(s, now) {
			continue
		}
		if err := r.store.Delete(ctx, s.ID); err != nil {
			log.Warnf("reaper: delete %s: %v", s.ID, err)
			continue
		}
		log.Infof("reaper: deleted %s session %s (age %s)", s.Status, s.ID, now.Sub(s.CreatedAt).Round(time.Second))
		n++
	}
	metrics.ReaperDeleted.Add(float64(n))
	return n, nil
}

// ReleaseOrphans ends and deletes the live sessions userID placed as caller,
// except keep. One agent runs per user, so a live caller session its agent
// is not driving was left behind by an earlier run. The receiver sees the
// ended status before the record goes away.
func (r *Reaper) ReleaseOrphans(ctx context.Context, userID, keep string) (int, error) {
	list, err := r.store.ListByParticipant(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list sessions of %s: %w", userID, err)
	}

	n := 0
	for _, s := range list {
		if s.ID == keep || s.CallerID != userID || !s.Live() {
			continue
		}
		err := signal.AsCaller(r.store, s.ID).Finish(ctx, signal.StatusEnded)
		if err != nil && !errors.Is(err, signal.ErrAlreadyTerminal) && !errors.Is(err, signal.ErrNotFound) {
			log.Warnf("reaper: end orphan %s: %v", s.ID, err)
			continue
		}
		if err := r.store.Delete(ctx, s.ID); err != nil && !errors.Is(err, signal.ErrNotFound) {
			log.Warnf("reaper: delete orphan %s: %v", s.ID, err)
			continue
		}
		log.Infof("reaper: released orphaned %s session %s to %s", s.Status, s.ID, s.ReceiverID)
		n++
	}
	metrics.ReaperDeleted.Add(float64(n))
	return n, nil
}
