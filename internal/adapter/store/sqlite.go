package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"guardian-ai/internal/domain"
)

// SQLiteStore implements domain.LifecycleStore on a single SQLite file.
// Payload chunks are stored exactly as the manager holds them, so they stay
// sealed when an encryptor is configured.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration. The file is restricted to the owner.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open lifecycle db: %w", err)
	}
	// Save and Purge are whole-database rewrites; serialize them.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate lifecycle db: %w", err)
	}
	if dbPath != ":memory:" {
		if err := os.Chmod(dbPath, 0o600); err != nil {
			db.Close()
			return nil, fmt.Errorf("restrict lifecycle db: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS policy (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			consent_mode    TEXT NOT NULL,
			ttl_hours       INTEGER NOT NULL,
			show_indicators INTEGER NOT NULL,
			auto_delete     INTEGER NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS capture_records (
			id           TEXT PRIMARY KEY,
			created_at   TEXT NOT NULL,
			ttl_hours    INTEGER NOT NULL,
			state        TEXT NOT NULL,
			session      TEXT NOT NULL,
			stopped_at   TEXT NOT NULL DEFAULT '',
			payload_size INTEGER NOT NULL DEFAULT 0,
			consent_mode TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS capture_chunks (
			record_id TEXT NOT NULL REFERENCES capture_records(id) ON DELETE CASCADE,
			seq       INTEGER NOT NULL,
			data      BLOB NOT NULL,
			PRIMARY KEY (record_id, seq)
		);

		CREATE TABLE IF NOT EXISTS transmissions (
			seq        INTEGER PRIMARY KEY,
			id         TEXT NOT NULL UNIQUE,
			timestamp  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			purpose    TEXT NOT NULL
		);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces the persisted state with snap in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap domain.LifecycleSnapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("SQLiteStore.Save", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = clearTables(ctx, tx); err != nil {
		return storeErr("SQLiteStore.Save", err)
	}

	p := snap.Policy
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO policy (id, consent_mode, ttl_hours, show_indicators, auto_delete, updated_at) VALUES (1, ?, ?, ?, ?, ?)",
		string(p.ConsentMode), p.TTLHours, p.ShowIndicators, p.AutoDelete, formatTime(time.Now()),
	); err != nil {
		return storeErr("SQLiteStore.Save", err)
	}

	for _, r := range snap.Records {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO capture_records (id, created_at, ttl_hours, state, session, stopped_at, payload_size, consent_mode)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, formatTime(r.CreatedAt), r.TTLHours, string(r.State), string(r.Session),
			formatTime(r.StoppedAt), r.PayloadSize, string(r.ConsentMode),
		); err != nil {
			return storeErr("SQLiteStore.Save", err)
		}
		for seq, chunk := range snap.Payloads[r.ID] {
			if _, err = tx.ExecContext(ctx,
				"INSERT INTO capture_chunks (record_id, seq, data) VALUES (?, ?, ?)",
				r.ID, seq, chunk,
			); err != nil {
				return storeErr("SQLiteStore.Save", err)
			}
		}
	}

	for i, e := range snap.Transmissions {
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO transmissions (seq, id, timestamp, kind, size_bytes, purpose) VALUES (?, ?, ?, ?, ?, ?)",
			i, e.ID, formatTime(e.Timestamp), string(e.Kind), e.SizeBytes, e.Purpose,
		); err != nil {
			return storeErr("SQLiteStore.Save", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return storeErr("SQLiteStore.Save", err)
	}
	return nil
}

// Load returns the persisted snapshot, or nil when nothing was saved yet.
func (s *SQLiteStore) Load(ctx context.Context) (*domain.LifecycleSnapshot, error) {
	var (
		snap          domain.LifecycleSnapshot
		mode, updated string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT consent_mode, ttl_hours, show_indicators, auto_delete, updated_at FROM policy WHERE id = 1",
	).Scan(&mode, &snap.Policy.TTLHours, &snap.Policy.ShowIndicators, &snap.Policy.AutoDelete, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("SQLiteStore.Load", err)
	}
	snap.Policy.ConsentMode = domain.ConsentMode(mode)

	if snap.Records, err = s.loadRecords(ctx); err != nil {
		return nil, storeErr("SQLiteStore.Load", err)
	}
	if snap.Payloads, err = s.loadChunks(ctx); err != nil {
		return nil, storeErr("SQLiteStore.Load", err)
	}
	if snap.Transmissions, err = s.loadTransmissions(ctx); err != nil {
		return nil, storeErr("SQLiteStore.Load", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) loadRecords(ctx context.Context) ([]domain.CaptureRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, ttl_hours, state, session, stopped_at, payload_size, consent_mode
		 FROM capture_records ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.CaptureRecord
	for rows.Next() {
		var (
			r                                   domain.CaptureRecord
			created, stopped, state, sess, mode string
		)
		if err := rows.Scan(&r.ID, &created, &r.TTLHours, &state, &sess, &stopped, &r.PayloadSize, &mode); err != nil {
			return nil, err
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		if r.StoppedAt, err = parseTime(stopped); err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		r.State = domain.CaptureState(state)
		r.Session = domain.SessionState(sess)
		r.ConsentMode = domain.ConsentMode(mode)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) loadChunks(ctx context.Context) (map[string][][]byte, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT record_id, data FROM capture_chunks ORDER BY record_id, seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payloads := make(map[string][][]byte)
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		payloads[id] = append(payloads[id], data)
	}
	return payloads, rows.Err()
}

func (s *SQLiteStore) loadTransmissions(ctx context.Context) ([]domain.TransmissionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, timestamp, kind, size_bytes, purpose FROM transmissions ORDER BY seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.TransmissionLogEntry
	for rows.Next() {
		var (
			e        domain.TransmissionLogEntry
			ts, kind string
		)
		if err := rows.Scan(&e.ID, &ts, &kind, &e.SizeBytes, &e.Purpose); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("transmission %s: %w", e.ID, err)
		}
		e.Kind = domain.TransmissionKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Purge deletes every persisted row and compacts the file so deleted
// pages do not linger on disk.
func (s *SQLiteStore) Purge(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("SQLiteStore.Purge", err)
	}
	if err := clearTables(ctx, tx); err != nil {
		tx.Rollback()
		return storeErr("SQLiteStore.Purge", err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr("SQLiteStore.Purge", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return storeErr("SQLiteStore.Purge", err)
	}
	return nil
}

func clearTables(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range []string{
		"DELETE FROM capture_chunks",
		"DELETE FROM capture_records",
		"DELETE FROM transmissions",
		"DELETE FROM policy",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func storeErr(op string, err error) error {
	return domain.NewDomainError(op, domain.ErrStore, err.Error())
}

var _ domain.LifecycleStore = (*SQLiteStore)(nil)
