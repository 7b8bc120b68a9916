package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcliao/observer-state/internal/model"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	opts options

	mu      sync.Mutex // guards entropy
	entropy *rand.Rand
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		opts:    buildOptions(opts),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS observer_snapshots (
		storage_key     TEXT PRIMARY KEY,
		room_code       TEXT NOT NULL,
		revision        TEXT NOT NULL,
		suspicion       TEXT,
		analytics       TEXT,
		phase_history   TEXT,
		last_updated_at TEXT NOT NULL,
		written_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_updated ON observer_snapshots(last_updated_at);

	CREATE TABLE IF NOT EXISTS observer_events (
		storage_key TEXT NOT NULL REFERENCES observer_snapshots(storage_key) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		occurred_at INTEGER NOT NULL,
		subject_id  TEXT NOT NULL,
		kind        TEXT NOT NULL,
		phase       TEXT,
		content     TEXT NOT NULL,
		payload     TEXT NOT NULL,
		PRIMARY KEY (storage_key, occurred_at, subject_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON observer_events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_seq ON observer_events(storage_key, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Write(ctx context.Context, roomCode string, snap model.Snapshot) error {
	out, err := prepareWrite(roomCode, snap, s.opts.persistCap)
	if err != nil {
		return err
	}

	suspicion, err := json.Marshal(out.Suspicion)
	if err != nil {
		return fmt.Errorf("encode suspicion: %w", err)
	}
	analytics, err := json.Marshal(out.Analytics)
	if err != nil {
		return fmt.Errorf("encode analytics: %w", err)
	}
	phases, err := json.Marshal(out.PhaseHistory)
	if err != nil {
		return fmt.Errorf("encode phase history: %w", err)
	}

	key := StorageKey(roomCode)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO observer_snapshots (storage_key, room_code, revision, suspicion, analytics, phase_history, last_updated_at, written_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(storage_key) DO UPDATE SET
			revision = excluded.revision,
			suspicion = excluded.suspicion,
			analytics = excluded.analytics,
			phase_history = excluded.phase_history,
			last_updated_at = excluded.last_updated_at,
			written_at = excluded.written_at`,
		key, roomCode, s.newID(), string(suspicion), string(analytics), string(phases),
		out.LastUpdatedAt.UTC().Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM observer_events WHERE storage_key = ?`, key); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}

	for i, e := range out.Events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		k := e.Key()
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO observer_events (storage_key, seq, occurred_at, subject_id, kind, phase, content, payload)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			key, i, k.OccurredAt, k.SubjectID, string(k.Kind), e.Phase, e.Content, string(payload))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Read(ctx context.Context, roomCode string) (*model.Snapshot, error) {
	if err := validateRoom(roomCode); err != nil {
		return nil, err
	}

	// Both tables are read in one transaction so a concurrent Write from
	// another process cannot interleave between them.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	snap, decodeErr, err := readSnapshot(ctx, tx, roomCode)
	tx.Rollback()
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, s.dropCorrupt(ctx, roomCode, decodeErr)
	}
	return snap, nil
}

// readSnapshot loads roomCode inside tx. A row that cannot be decoded is
// reported through decodeErr so the caller can drop it after tx ends.
func readSnapshot(ctx context.Context, tx *sql.Tx, roomCode string) (snap *model.Snapshot, decodeErr, err error) {
	key := StorageKey(roomCode)

	var suspicion, analytics, phases sql.NullString
	var lastUpdated string
	err = tx.QueryRowContext(ctx,
		`SELECT suspicion, analytics, phase_history, last_updated_at
		 FROM observer_snapshots WHERE storage_key = ?`, key).
		Scan(&suspicion, &analytics, &phases, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read snapshot: %w", err)
	}

	out := model.Snapshot{RoomCode: roomCode}
	if err := decodeSnapshotRow(&out, suspicion, analytics, phases, lastUpdated); err != nil {
		return nil, err, nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT payload FROM observer_events WHERE storage_key = ? ORDER BY seq`, key)
	if err != nil {
		return nil, nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	out.Events = []model.Event{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, nil, err
		}
		var e model.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err), nil
		}
		out.Events = append(out.Events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return &out, nil, nil
}

func decodeSnapshotRow(snap *model.Snapshot, suspicion, analytics, phases sql.NullString, lastUpdated string) error {
	t, err := time.Parse(time.RFC3339Nano, lastUpdated)
	if err != nil {
		return fmt.Errorf("decode last_updated_at: %w", err)
	}
	snap.LastUpdatedAt = t
	if suspicion.Valid {
		if err := json.Unmarshal([]byte(suspicion.String), &snap.Suspicion); err != nil {
			return fmt.Errorf("decode suspicion: %w", err)
		}
	}
	if analytics.Valid {
		if err := json.Unmarshal([]byte(analytics.String), &snap.Analytics); err != nil {
			return fmt.Errorf("decode analytics: %w", err)
		}
	}
	if phases.Valid {
		if err := json.Unmarshal([]byte(phases.String), &snap.PhaseHistory); err != nil {
			return fmt.Errorf("decode phase history: %w", err)
		}
	}
	return nil
}

// dropCorrupt deletes an unreadable entry and reports it as absent.
func (s *SQLiteStore) dropCorrupt(ctx context.Context, roomCode string, cause error) error {
	s.opts.log.WithError(cause).WithField("room", roomCode).Warn("Dropping corrupt snapshot")
	if err := s.Delete(ctx, roomCode); err != nil {
		s.opts.log.WithError(err).WithField("room", roomCode).Warn("Failed to delete corrupt snapshot")
	}
	return ErrNotFound
}

func (s *SQLiteStore) Delete(ctx context.Context, roomCode string) error {
	if err := validateRoom(roomCode); err != nil {
		return err
	}
	key := StorageKey(roomCode)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM observer_events WHERE storage_key = ?`, key); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM observer_snapshots WHERE storage_key = ?`, key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListRoomCodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT storage_key FROM observer_snapshots ORDER BY storage_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if room, ok := RoomCodeFromKey(key); ok {
			rooms = append(rooms, room)
		}
	}
	return rooms, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
