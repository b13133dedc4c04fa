package directory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/couchpad/couchpad/internal/metrics"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	is_locked INTEGER NOT NULL DEFAULT 0,
	selected_target TEXT,
	latest_input TEXT,
	created_at DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_code ON sessions(code);

CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	role TEXT NOT NULL,
	is_host INTEGER NOT NULL DEFAULT 0,
	joined_at DATETIME NOT NULL,
	last_seen DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_devices_session_id ON devices(session_id);

CREATE TABLE IF NOT EXISTS signals (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_receiver_id ON signals(receiver_id, seq);
`

// SQLite is the durable Directory backed by mattn/go-sqlite3.
//
// SQLite has no cross-process change notification, so the watch feeds are
// served by an in-process broadcaster fed by this adapter's own writes. That
// matches the deployment model: the relay binary owns the store and every
// remote endpoint observes changes through it. The polling backstop covers
// anything a restart loses.
type SQLite struct {
	db       *sql.DB
	capacity int

	// notify reuses the Memory watcher plumbing for fan-out.
	notify *Memory
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db, capacity: MaxPhoneDevices, notify: NewMemory()}, nil
}

// SetCapacity overrides the per-session phone limit. Call before serving.
func (s *SQLite) SetCapacity(n int) {
	s.capacity = n
}

// SetMetrics points the fan-out's drop counters at a shared registry.
func (s *SQLite) SetMetrics(reg *metrics.Metrics) {
	s.notify.SetMetrics(reg)
}

func (s *SQLite) CreateSession(ctx context.Context, code string) (Session, error) {
	id, err := newID()
	if err != nil {
		return Session{}, err
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, code, is_locked, created_at) VALUES (?, ?, 0, ?)`,
		id, code, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, ErrCodeInUse
		}
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return Session{ID: id, Code: code, CreatedAt: now}, nil
}

func (s *SQLite) GetSessionByCode(ctx context.Context, code string) (Session, error) {
	return s.getSession(ctx, `SELECT id, code, is_locked, selected_target, latest_input, created_at FROM sessions WHERE code = ?`, code)
}

func (s *SQLite) GetSession(ctx context.Context, id string) (Session, error) {
	return s.getSession(ctx, `SELECT id, code, is_locked, selected_target, latest_input, created_at FROM sessions WHERE id = ?`, id)
}

func (s *SQLite) getSession(ctx context.Context, query, arg string) (Session, error) {
	var (
		sess           Session
		locked         int
		selectedTarget sql.NullString
		latestInput    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&sess.ID, &sess.Code, &locked, &selectedTarget, &latestInput, &sess.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	sess.IsLocked = locked != 0
	if selectedTarget.Valid {
		sess.SelectedTarget = json.RawMessage(selectedTarget.String)
	}
	if latestInput.Valid {
		sess.LatestInput = json.RawMessage(latestInput.String)
	}
	return sess, nil
}

func (s *SQLite) CreateDevice(ctx context.Context, sessionID, name string, role Role, isHost bool) (Device, error) {
	id, err := newID()
	if err != nil {
		return Device{}, err
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Device{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if err != nil {
		return Device{}, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return Device{}, ErrSessionNotFound
	}

	// The invariants are checked inside the same transaction that performs
	// the insert, so two concurrent joiners serialize here rather than both
	// passing a stale read.
	if role == RoleConsole {
		var consoles int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM devices WHERE session_id = ? AND role = ?`,
			sessionID, RoleConsole,
		).Scan(&consoles)
		if err != nil {
			return Device{}, fmt.Errorf("count consoles: %w", err)
		}
		if consoles > 0 {
			return Device{}, ErrConsoleExists
		}
	} else {
		var phones int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM devices WHERE session_id = ? AND role = ?`,
			sessionID, RolePhone,
		).Scan(&phones)
		if err != nil {
			return Device{}, fmt.Errorf("count phones: %w", err)
		}
		if phones >= s.capacity {
			return Device{}, ErrCapacityExceeded
		}
		if isHost {
			var hosts int
			err = tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM devices WHERE session_id = ? AND is_host = 1`,
				sessionID,
			).Scan(&hosts)
			if err != nil {
				return Device{}, fmt.Errorf("count hosts: %w", err)
			}
			if hosts > 0 {
				return Device{}, ErrHostExists
			}
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO devices (id, session_id, name, role, is_host, joined_at, last_seen) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, sessionID, name, role, boolToInt(isHost), now, now,
	)
	if err != nil {
		return Device{}, fmt.Errorf("create device: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Device{}, fmt.Errorf("commit: %w", err)
	}

	dev := Device{
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		Role:      role,
		IsHost:    isHost,
		JoinedAt:  now,
		LastSeen:  now,
	}
	s.broadcastSession(ctx, sessionID)
	return dev, nil
}

func (s *SQLite) ListDevices(ctx context.Context, sessionID string) ([]Device, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if exists == 0 {
		return nil, ErrSessionNotFound
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, name, role, is_host, joined_at, last_seen FROM devices WHERE session_id = ? ORDER BY joined_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var (
			dev    Device
			isHost int
			role   string
		)
		if err := rows.Scan(&dev.ID, &dev.SessionID, &dev.Name, &role, &isHost, &dev.JoinedAt, &dev.LastSeen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		dev.Role = Role(role)
		dev.IsHost = isHost != 0
		out = append(out, dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

func (s *SQLite) RemoveDevice(ctx context.Context, deviceID string) error {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM devices WHERE id = ?`, deviceID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup device: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, deviceID); err != nil {
		return fmt.Errorf("remove device: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM signals WHERE receiver_id = ?`, deviceID); err != nil {
		return fmt.Errorf("purge signals: %w", err)
	}
	s.broadcastSession(ctx, sessionID)
	return nil
}

func (s *SQLite) TouchDevice(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET last_seen = ? WHERE id = ?`, time.Now().UTC(), deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (s *SQLite) SetLocked(ctx context.Context, sessionID string, locked bool) error {
	return s.updateSessionField(ctx, sessionID, `UPDATE sessions SET is_locked = ? WHERE id = ?`, boolToInt(locked))
}

func (s *SQLite) SetSelectedTarget(ctx context.Context, sessionID string, payload json.RawMessage) error {
	return s.updateSessionField(ctx, sessionID, `UPDATE sessions SET selected_target = ? WHERE id = ?`, rawToNullString(payload))
}

func (s *SQLite) SetLatestInput(ctx context.Context, sessionID string, payload json.RawMessage) error {
	return s.updateSessionField(ctx, sessionID, `UPDATE sessions SET latest_input = ? WHERE id = ?`, rawToNullString(payload))
}

func (s *SQLite) updateSessionField(ctx context.Context, sessionID, query string, value any) error {
	res, err := s.db.ExecContext(ctx, query, value, sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	s.broadcastSession(ctx, sessionID)
	return nil
}

func (s *SQLite) AppendSignal(ctx context.Context, rec SignalRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signals (session_id, sender_id, receiver_id, kind, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.SenderID, rec.ReceiverID, rec.Kind, string(rec.Payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	// Live push. Subscribers created later replay from the table instead.
	s.notify.pushSignal(rec)
	return nil
}

func (s *SQLite) WatchSession(sessionID string) (<-chan SessionEvent, func()) {
	return s.notify.WatchSession(sessionID)
}

func (s *SQLite) WatchSignals(receiverDeviceID string) (<-chan SignalRecord, func()) {
	// Replay the durable backlog, then hand over to the live feed. The
	// database is the single source for the backlog; the notify plumbing
	// carries pushes only.
	ch, cancel := s.notify.watchSignalsLive(receiverDeviceID)

	rows, err := s.db.Query(
		`SELECT session_id, sender_id, receiver_id, kind, payload, created_at FROM signals WHERE receiver_id = ? ORDER BY seq`,
		receiverDeviceID,
	)
	if err != nil {
		return ch, cancel
	}
	defer rows.Close()

	out := make(chan SignalRecord, signalBuffer)
	var backlog []SignalRecord
	for rows.Next() {
		var (
			rec     SignalRecord
			payload string
		)
		if err := rows.Scan(&rec.SessionID, &rec.SenderID, &rec.ReceiverID, &rec.Kind, &payload, &rec.CreatedAt); err != nil {
			break
		}
		rec.Payload = json.RawMessage(payload)
		backlog = append(backlog, rec)
	}

	done := make(chan struct{})
	go func() {
		defer close(out)
		for _, rec := range backlog {
			select {
			case out <- rec:
			case <-done:
				return
			}
		}
		for {
			select {
			case rec, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- rec:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once bool
	return out, func() {
		if !once {
			once = true
			close(done)
		}
		cancel()
	}
}

func (s *SQLite) Close() error {
	_ = s.notify.Close()
	return s.db.Close()
}

func (s *SQLite) broadcastSession(ctx context.Context, sessionID string) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	devs, err := s.ListDevices(ctx, sessionID)
	if err != nil {
		return
	}
	s.notify.broadcast(sess, devs)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rawToNullString(payload json.RawMessage) sql.NullString {
	if payload == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(payload), Valid: true}
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 exposes typed errors, but matching on the message
	// avoids coupling this check to the driver's error types.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
