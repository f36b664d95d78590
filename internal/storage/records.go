package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TimelineEntry is one line of a context record's timeline.
type TimelineEntry struct {
	ContextID   string    `json:"context_id"`
	ContextType string    `json:"context_type"`
	Action      string    `json:"action"`
	Note        string    `json:"note"`
	CreatedAt   time.Time `json:"created_at"`
}

// Notification is a message addressed to one user.
type Notification struct {
	ID         string    `json:"id"`
	ToUserID   string    `json:"to_user_id"`
	ToRole     string    `json:"to_role"`
	FromUserID string    `json:"from_user_id"`
	FromName   string    `json:"from_name"`
	Type       string    `json:"type"`
	CallID     string    `json:"call_id"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
	Seen       bool      `json:"seen"`
}

// EmergencyResolved reports whether an emergency record is resolved.
// Unknown ids return ErrNotFound.
func (d *DB) EmergencyResolved(id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var resolved int
	err := d.db.QueryRow(`SELECT resolved FROM _emergencies WHERE id = ?`, id).Scan(&resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: emergency %s", ErrNotFound, id)
	}
	if err != nil {
		return false, err
	}
	return resolved != 0, nil
}

// SetEmergencyResolved creates or updates an emergency record.
func (d *DB) SetEmergencyResolved(id string, resolved bool) error {
	r := 0
	if resolved {
		r = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _emergencies (id, resolved, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			resolved   = excluded.resolved,
			updated_at = CURRENT_TIMESTAMP`,
		id, r,
	)
	return err
}

// AppendTimeline adds an entry to a context's timeline.
func (d *DB) AppendTimeline(e TimelineEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _timeline (context_id, context_type, action, note, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ContextID, e.ContextType, e.Action, e.Note, e.CreatedAt.UnixMilli(),
	)
	return err
}

// Timeline returns a context's entries, oldest first.
func (d *DB) Timeline(contextID string) ([]TimelineEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`
		SELECT context_id, context_type, action, note, created_at
		FROM _timeline WHERE context_id = ? ORDER BY _id`, contextID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineEntry
	for rows.Next() {
		var e TimelineEntry
		var ms int64
		if err := rows.Scan(&e.ContextID, &e.ContextType, &e.Action, &e.Note, &ms); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutNotification stores n. A notification with an existing id is left
// untouched, so retries never duplicate it.
func (d *DB) PutNotification(n Notification) error {
	if n.ID == "" || n.ToUserID == "" {
		return errors.New("notification id and recipient are required")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	seen := 0
	if n.Seen {
		seen = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO _notifications
			(id, to_user_id, to_role, from_user_id, from_name, type, call_id, message, created_at, seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ToUserID, n.ToRole, n.FromUserID, n.FromName, n.Type, n.CallID, n.Message,
		n.CreatedAt.UnixMilli(), seen,
	)
	return err
}

// Notifications returns the notifications addressed to userID, newest first.
func (d *DB) Notifications(userID string, unseenOnly bool) ([]Notification, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	q := `SELECT id, to_user_id, to_role, from_user_id, from_name, type, call_id, message, created_at, seen
		FROM _notifications WHERE to_user_id = ?`
	if unseenOnly {
		q += ` AND seen = 0`
	}
	q += ` ORDER BY created_at DESC, id`

	rows, err := d.db.Query(q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var ms int64
		var seen int
		if err := rows.Scan(&n.ID, &n.ToUserID, &n.ToRole, &n.FromUserID, &n.FromName,
			&n.Type, &n.CallID, &n.Message, &ms, &seen); err != nil {
			return nil, err
		}
		n.CreatedAt = time.UnixMilli(ms)
		n.Seen = seen != 0
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkSeen flags a notification as seen by its recipient.
func (d *DB) MarkSeen(userID, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`UPDATE _notifications SET seen = 1 WHERE id = ? AND to_user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: notification %s", ErrNotFound, id)
	}
	return nil
}
