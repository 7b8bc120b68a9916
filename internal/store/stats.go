package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath      string      `json:"db_path"`
	DBSizeBytes int64       `json:"db_size_bytes"`
	TotalRooms  int         `json:"total_rooms"`
	TotalEvents int         `json:"total_events"`
	Rooms       []RoomStats `json:"rooms"`
}

// RoomStats holds per-room counts.
type RoomStats struct {
	RoomCode      string `json:"room_code"`
	Events        int    `json:"events"`
	Revision      string `json:"revision"`
	LastUpdatedAt string `json:"last_updated_at"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context, dbPath string) (*Stats, error) {
	st := &Stats{DBPath: dbPath}

	// DB file size
	if info, err := os.Stat(dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observer_snapshots`).Scan(&st.TotalRooms)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observer_events`).Scan(&st.TotalEvents)

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.room_code, COUNT(e.seq) AS cnt, s.revision, s.last_updated_at
		FROM observer_snapshots s
		LEFT JOIN observer_events e ON e.storage_key = s.storage_key
		GROUP BY s.storage_key ORDER BY s.last_updated_at DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var r RoomStats
		if err := rows.Scan(&r.RoomCode, &r.Events, &r.Revision, &r.LastUpdatedAt); err != nil {
			return st, err
		}
		st.Rooms = append(st.Rooms, r)
	}

	return st, rows.Err()
}
