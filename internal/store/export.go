package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/rcliao/observer-state/internal/merge"
	"github.com/rcliao/observer-state/internal/model"
)

// ExportAll returns every readable snapshot in st, optionally limited to one room.
func ExportAll(ctx context.Context, st Store, roomCode string) ([]model.Snapshot, error) {
	rooms := []string{roomCode}
	if roomCode == "" {
		var err error
		rooms, err = st.ListRoomCodes(ctx)
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
	}

	snapshots := []model.Snapshot{}
	for _, room := range rooms {
		snap, err := st.Read(ctx, room)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", room, err)
		}
		snapshots = append(snapshots, *snap)
	}
	return snapshots, nil
}

// Import stores snapshots from an export. A room that already has a stored
// snapshot is merged with the imported one rather than overwritten. Imported
// events always pass through the merge engine, so files edited by hand or
// written by other tools are sorted and deduplicated before trimming.
func Import(ctx context.Context, st Store, snapshots []model.Snapshot, opts merge.Options) (int, error) {
	imported := 0
	for _, snap := range snapshots {
		if err := validateRoom(snap.RoomCode); err != nil {
			return imported, fmt.Errorf("import snapshot %d: %w", imported, err)
		}

		base := model.NewSnapshot(snap.RoomCode, snap.LastUpdatedAt)
		existing, err := st.Read(ctx, snap.RoomCode)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return imported, fmt.Errorf("read %s: %w", snap.RoomCode, err)
		default:
			base = *existing
		}
		snap = merge.Snapshots(base, snap, opts)

		if err := st.Write(ctx, snap.RoomCode, snap); err != nil {
			return imported, fmt.Errorf("write %s: %w", snap.RoomCode, err)
		}
		imported++
	}
	return imported, nil
}
