package devstub

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gridview/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// measurementLayout is how the monitoring service stores sample times.
const measurementLayout = "2006-01-02 15:04:05"

// Store persists the collaborators' state in SQLite.
type Store struct {
	db *sql.DB
}

// MessageRecord is one stored conversation line.
type MessageRecord struct {
	Sender    string  `json:"sender"`
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

// SessionRecord is the chat service's view of one conversation.
type SessionRecord struct {
	UserID         string  `json:"user_id"`
	LastMessage    string  `json:"last_message"`
	LastActive     float64 `json:"last_active"`
	MessageCount   int     `json:"message_count"`
	AdminRequested bool    `json:"admin_requested"`
	AdminJoined    bool    `json:"admin_joined"`
}

// OpenStore opens dsn and applies migrations. ":memory:" is supported.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps in-memory databases shared and serializes writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			user_id TEXT PRIMARY KEY,
			last_active REAL NOT NULL DEFAULT 0,
			admin_requested INTEGER NOT NULL DEFAULT 0,
			admin_joined INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			ts REAL NOT NULL,
			FOREIGN KEY (user_id) REFERENCES chat_sessions(user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_user ON chat_messages(user_id, id)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			consumption INTEGER NOT NULL DEFAULT 0,
			owner_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS measurements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			value REAL NOT NULL,
			FOREIGN KEY (device_id) REFERENCES devices(device_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_measurements_device ON measurements(device_id, ts)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// AppendMessage records a message and marks the session active.
func (s *Store) AppendMessage(ctx context.Context, userID, sender, text string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ts := epoch(at)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (user_id, last_active) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET last_active = excluded.last_active`,
		userID, ts); err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (user_id, sender, text, ts) VALUES (?, ?, ?, ?)`,
		userID, sender, text, ts); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return tx.Commit()
}

// AppendSystemMessage records a message without touching last_active.
func (s *Store) AppendSystemMessage(ctx context.Context, userID, text string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (user_id, last_active) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
		userID, epoch(at)); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (user_id, sender, text, ts) VALUES (?, 'system', ?, ?)`,
		userID, text, epoch(at)); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return tx.Commit()
}

// RequestAdmin flags the session as waiting for an operator, creating
// it if needed.
func (s *Store) RequestAdmin(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (user_id, last_active, admin_requested) VALUES (?, ?, 1)
		 ON CONFLICT(user_id) DO UPDATE SET admin_requested = 1`,
		userID, epoch(at))
	return err
}

// JoinAdmin marks the session joined and clears the request. It returns
// ErrNotFound for an unknown session.
func (s *Store) JoinAdmin(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET admin_joined = 1, admin_requested = 0 WHERE user_id = ?`, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AdminJoined reports whether an operator has joined userID's session.
func (s *Store) AdminJoined(ctx context.Context, userID string) (bool, error) {
	var joined bool
	err := s.db.QueryRowContext(ctx,
		`SELECT admin_joined FROM chat_sessions WHERE user_id = ?`, userID).Scan(&joined)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return joined, err
}

// ListSessions returns every session, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.user_id, s.last_active, s.admin_requested, s.admin_joined,
			(SELECT COUNT(*) FROM chat_messages m WHERE m.user_id = s.user_id),
			COALESCE((SELECT m.text FROM chat_messages m WHERE m.user_id = s.user_id ORDER BY m.id DESC LIMIT 1), '')
		FROM chat_sessions s
		ORDER BY s.last_active DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []SessionRecord{}
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.UserID, &r.LastActive, &r.AdminRequested, &r.AdminJoined, &r.MessageCount, &r.LastMessage); err != nil {
			return nil, err
		}
		sessions = append(sessions, r)
	}
	return sessions, rows.Err()
}

// History returns userID's messages, oldest first.
func (s *Store) History(ctx context.Context, userID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender, text, ts FROM chat_messages WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []MessageRecord{}
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.Sender, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CreateDevice inserts or replaces a catalog entry.
func (s *Store) CreateDevice(ctx context.Context, d domain.Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (device_id, name, consumption) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET name = excluded.name, consumption = excluded.consumption`,
		d.ID, d.Name, d.Consumption)
	return err
}

// AssignDevice sets or clears (ownerID == "") the owner of a device.
func (s *Store) AssignDevice(ctx context.Context, deviceID, ownerID string) error {
	var owner any
	if ownerID != "" {
		owner = ownerID
	}
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET owner_id = ? WHERE device_id = ?`, owner, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDevice returns a catalog entry and its owner ("" when unassigned).
func (s *Store) GetDevice(ctx context.Context, deviceID string) (domain.Device, string, error) {
	var d domain.Device
	var owner sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, name, consumption, owner_id FROM devices WHERE device_id = ?`, deviceID).
		Scan(&d.ID, &d.Name, &d.Consumption, &owner)
	if err == sql.ErrNoRows {
		return domain.Device{}, "", ErrNotFound
	}
	if err != nil {
		return domain.Device{}, "", err
	}
	return d, owner.String, nil
}

// ListDevices returns the catalog, optionally filtered by owner.
func (s *Store) ListDevices(ctx context.Context, ownerID string) ([]domain.Device, error) {
	query := `SELECT device_id, name, consumption FROM devices ORDER BY name, device_id`
	args := []any{}
	if ownerID != "" {
		query = `SELECT device_id, name, consumption FROM devices WHERE owner_id = ? ORDER BY name, device_id`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []domain.Device{}
	for rows.Next() {
		var d domain.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.Consumption); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// RecordMeasurement stores one sample at its wall-clock time.
func (s *Store) RecordMeasurement(ctx context.Context, sample domain.Sample) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO measurements (device_id, user_id, ts, value) VALUES (?, ?, ?, ?)`,
		sample.DeviceID, sample.OwnerID, sample.Timestamp.Format(measurementLayout), sample.Value)
	return err
}

// DailyConsumption sums a device's samples per hour of date. Hours
// without samples are omitted.
func (s *Store) DailyConsumption(ctx context.Context, deviceID string, date domain.Date) ([]domain.HourlyValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CAST(substr(ts, 12, 2) AS INTEGER) AS hour, SUM(value)
		FROM measurements
		WHERE device_id = ? AND substr(ts, 1, 10) = ?
		GROUP BY hour
		ORDER BY hour`, deviceID, date.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := []domain.HourlyValue{}
	for rows.Next() {
		var v domain.HourlyValue
		if err := rows.Scan(&v.Hour, &v.Value); err != nil {
			return nil, err
		}
		v.Value = math.Round(v.Value*1000) / 1000
		values = append(values, v)
	}
	return values, rows.Err()
}
