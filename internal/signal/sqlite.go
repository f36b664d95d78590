package signal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/petervdpas/guardcall/internal/storage"
)

const (
	updateRetries = 5
	pollInterval  = 2 * time.Second
	kickDebounce  = 25 * time.Millisecond
)

// SQLStore keeps sessions in a SQLite file. Several processes may open the
// same file; changes written by another process reach local watches through
// file notifications on the database directory, with a slow poll as backstop.
type SQLStore struct {
	db    *sql.DB
	path  string
	clock clock.Clock

	watch   *watchSet
	watcher *fsnotify.Watcher
	kick    chan struct{}
	closed  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// OpenSQLStore opens or creates the session database at dbPath. A nil clock
// uses wall time.
func OpenSQLStore(dbPath string, clk clock.Clock) (*SQLStore, error) {
	if clk == nil {
		clk = clock.New()
	}
	db, err := storage.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_sessions (
			id            TEXT PRIMARY KEY,
			caller_id     TEXT NOT NULL,
			receiver_id   TEXT NOT NULL,
			caller_name   TEXT DEFAULT '',
			receiver_name TEXT DEFAULT '',
			caller_role   TEXT DEFAULT '',
			receiver_role TEXT DEFAULT '',
			status        TEXT NOT NULL,
			call_type     TEXT NOT NULL,
			context_id    TEXT DEFAULT '',
			context_type  TEXT DEFAULT '',
			offer         TEXT DEFAULT '',
			answer        TEXT DEFAULT '',
			rev           INTEGER NOT NULL,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_live_caller
			ON call_sessions(caller_id) WHERE status IN ('ringing', 'accepted');
		CREATE INDEX IF NOT EXISTS call_sessions_receiver ON call_sessions(receiver_id, status);

		CREATE TABLE IF NOT EXISTS call_candidates (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			side       TEXT NOT NULL,
			payload    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS call_candidates_session ON call_candidates(session_id, side, seq);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session tables: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		watcher.Close()
		db.Close()
		return nil, fmt.Errorf("watch db dir: %w", err)
	}

	s := &SQLStore{
		db:      db,
		path:    dbPath,
		clock:   clk,
		watcher: watcher,
		kick:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	s.watch = newWatchSet(s)

	s.wg.Add(2)
	go s.watchLoop()
	go s.refreshLoop()

	log.Infof("session store opened at %s", dbPath)
	return s, nil
}

// Path returns the database file path.
func (s *SQLStore) Path() string { return s.path }

func (s *SQLStore) Create(ctx context.Context, rec *Session) error {
	if err := ValidateNew(rec); err != nil {
		return err
	}
	offer, err := encodeDesc(rec.Offer)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_sessions WHERE id = ?`, rec.ID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrExists, rec.ID)
	}
	var live string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM call_sessions
		WHERE caller_id = ? AND status IN ('ringing', 'accepted')`, rec.CallerID).Scan(&live)
	if err == nil {
		return fmt.Errorf("%w: %s has %s", ErrLiveSession, rec.CallerID, live)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	now := s.clock.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO call_sessions
			(id, caller_id, receiver_id, caller_name, receiver_name, caller_role, receiver_role,
			 status, call_type, context_id, context_type, offer, answer, rev, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 1, ?, ?)`,
		rec.ID, rec.CallerID, rec.ReceiverID, rec.CallerName, rec.ReceiverName,
		rec.CallerRole, rec.ReceiverRole, string(rec.Status), string(rec.CallType),
		rec.ContextID, string(rec.ContextType), offer, now, now,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: %s", ErrLiveSession, rec.CallerID)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.watch.refresh()
	return nil
}

const sessionColumns = `id, caller_id, receiver_id, caller_name, receiver_name, caller_role, receiver_role,
	status, call_type, context_id, context_type, offer, answer, rev, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*Session, error) {
	var (
		rec                     Session
		status, callType, ctype string
		offer, answer           string
		created, updated        int64
	)
	if err := r.Scan(&rec.ID, &rec.CallerID, &rec.ReceiverID, &rec.CallerName, &rec.ReceiverName,
		&rec.CallerRole, &rec.ReceiverRole, &status, &callType, &rec.ContextID, &ctype,
		&offer, &answer, &rec.Rev, &created, &updated); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.CallType = CallType(callType)
	rec.ContextType = ContextType(ctype)
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)

	var err error
	if rec.Offer, err = decodeDesc(offer); err != nil {
		return nil, err
	}
	if rec.Answer, err = decodeDesc(answer); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	rec, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

// Update applies u with an optimistic revision check, retrying when another
// writer got there first.
func (s *SQLStore) Update(ctx context.Context, id string, u Update) (*Session, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := Apply(cur, u, s.clock.Now())
		if err != nil {
			return nil, err
		}
		offer, err := encodeDesc(next.Offer)
		if err != nil {
			return nil, err
		}
		answer, err := encodeDesc(next.Answer)
		if err != nil {
			return nil, err
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE call_sessions
			SET status = ?, offer = ?, answer = ?, rev = ?, updated_at = ?
			WHERE id = ? AND rev = ?`,
			string(next.Status), offer, answer, next.Rev, next.UpdatedAt.UnixMilli(), id, cur.Rev,
		)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			s.watch.refresh()
			return next, nil
		}
		log.Debugf("update %s lost revision race at rev %d, retrying", id, cur.Rev)
	}
	return nil, fmt.Errorf("update %s: too many concurrent writers", id)
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM call_candidates WHERE session_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM call_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.watch.refresh()
	}
	return nil
}

func (s *SQLStore) AppendCandidate(ctx context.Context, id string, side Side, c Candidate) error {
	if !side.Valid() {
		return fmt.Errorf("%w: side %q", ErrInvalid, side)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO call_candidates (session_id, side, payload)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM call_sessions WHERE id = ?)`,
		id, string(side), string(payload), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.watch.refresh()
	return nil
}

func (s *SQLStore) Candidates(ctx context.Context, id string, side Side) ([]Candidate, error) {
	return s.candidatesFrom(ctx, id, side, 0)
}

func (s *SQLStore) candidatesFrom(ctx context.Context, id string, side Side, offset int) ([]Candidate, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_sessions WHERE id = ?`, id).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM call_candidates
		WHERE session_id = ? AND side = ?
		ORDER BY seq LIMIT -1 OFFSET ?`, id, string(side), offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c Candidate
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListByParticipant(ctx context.Context, userID string) ([]*Session, error) {
	return s.query(ctx, `
		SELECT `+sessionColumns+` FROM call_sessions
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY created_at, id`, userID, userID)
}

func (s *SQLStore) ringingFor(ctx context.Context, userID string) ([]*Session, error) {
	return s.query(ctx, `
		SELECT `+sessionColumns+` FROM call_sessions
		WHERE receiver_id = ? AND status = 'ringing'
		ORDER BY created_at, id`, userID)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Watch(id string) (<-chan Change, func()) {
	return s.watch.watchSession(id)
}

func (s *SQLStore) WatchCandidates(id string, side Side) (<-chan Candidate, func()) {
	return s.watch.watchCandidates(id, side)
}

func (s *SQLStore) WatchIncoming(userID string) (<-chan Change, func()) {
	return s.watch.watchIncoming(userID)
}

// Close ends every watch and closes the database.
func (s *SQLStore) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.watcher.Close()
		s.wg.Wait()
		s.watch.closeAll()
		err = s.db.Close()
	})
	return err
}

// watchLoop turns writes to the database files into refresh kicks.
func (s *SQLStore) watchLoop() {
	defer s.wg.Done()
	base := filepath.Base(s.path)
	for {
		select {
		case <-s.closed:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				select {
				case s.kick <- struct{}{}:
				default:
				}
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("db watcher error: %v", err)
		}
	}
}

func (s *SQLStore) refreshLoop() {
	defer s.wg.Done()
	ticker := s.clock.Ticker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-s.kick:
			// Coalesce the burst of events one commit produces.
			time.Sleep(kickDebounce)
			select {
			case <-s.kick:
			default:
			}
		case <-ticker.C:
		}
		if s.watch.empty() {
			continue
		}
		s.watch.refresh()
	}
}

func encodeDesc(d *SessionDescription) (string, error) {
	if d == nil {
		return "", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	return string(b), nil
}

func decodeDesc(raw string) (*SessionDescription, error) {
	if raw == "" {
		return nil, nil
	}
	var d SessionDescription
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decode description: %w", err)
	}
	return &d, nil
}
