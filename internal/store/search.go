package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rcliao/observer-state/internal/model"
)

// SearchParams holds parameters for searching stored events.
type SearchParams struct {
	Query    string
	Kind     string
	RoomCode string
	Limit    int
}

// SearchResult is an event match together with the room it was stored under.
type SearchResult struct {
	RoomCode string `json:"roomCode"`
	model.Event
}

// SearchEvents finds stored events whose content or subject matches the
// query substring, newest first, across all rooms.
func (s *SQLiteStore) SearchEvents(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	query := "%" + p.Query + "%"

	where := []string{"(e.content LIKE ? OR e.subject_id LIKE ? OR e.payload LIKE ?)"}
	args := []interface{}{query, query, query}

	if p.Kind != "" {
		where = append(where, "e.kind = ?")
		args = append(args, p.Kind)
	}
	if p.RoomCode != "" {
		where = append(where, "s.storage_key = ?")
		args = append(args, StorageKey(p.RoomCode))
	}

	sql := fmt.Sprintf(`
		SELECT s.room_code, e.payload
		FROM observer_events e
		INNER JOIN observer_snapshots s ON s.storage_key = e.storage_key
		WHERE %s
		ORDER BY e.occurred_at DESC
		LIMIT ?`, strings.Join(where, " AND "))

	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var room, payload string
		if err := rows.Scan(&room, &payload); err != nil {
			return nil, err
		}
		var e model.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			// Corrupt rows are cleaned up by Read; skip them here.
			continue
		}
		results = append(results, SearchResult{RoomCode: room, Event: e})
	}

	return results, rows.Err()
}
