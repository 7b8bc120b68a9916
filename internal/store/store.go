// Package store provides durable per-room snapshot storage and its SQLite,
// file and in-memory implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/observer-state/internal/logging"
	"github.com/rcliao/observer-state/internal/merge"
	"github.com/rcliao/observer-state/internal/model"
)

// KeyPrefix is prepended to room codes to form storage keys.
const KeyPrefix = "observer-snapshot:"

// ErrNotFound is returned by Read when no usable snapshot is stored for a
// room. Corrupt entries are reported the same way after being removed.
var ErrNotFound = errors.New("snapshot not found")

// Store defines the durable snapshot storage interface. Implementations do no
// merging; they persist and return whole snapshots.
type Store interface {
	// Write persists a copy of snap trimmed to the persisted event cap.
	Write(ctx context.Context, roomCode string, snap model.Snapshot) error

	// Read loads the snapshot for roomCode or returns ErrNotFound.
	Read(ctx context.Context, roomCode string) (*model.Snapshot, error)

	// Delete removes the room's snapshot. Deleting a missing room is not an error.
	Delete(ctx context.Context, roomCode string) error

	// ListRoomCodes returns every room with a stored snapshot.
	ListRoomCodes(ctx context.Context) ([]string, error)

	// Close releases the underlying medium.
	Close() error
}

// StorageKey maps a room code to its storage key.
func StorageKey(roomCode string) string {
	return KeyPrefix + roomCode
}

// RoomCodeFromKey reverses StorageKey.
func RoomCodeFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", false
	}
	return strings.TrimPrefix(key, KeyPrefix), true
}

// Option configures a store.
type Option func(*options)

type options struct {
	persistCap int
	log        *logrus.Entry
}

// WithPersistCap sets how many of the newest events a write keeps.
func WithPersistCap(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.persistCap = n
		}
	}
}

// WithLogger sets the logger used to report corrupt entries.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{persistCap: model.DefaultPersistedMaxEvents}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.NewLogger("store")
	}
	return o
}

func validateRoom(roomCode string) error {
	if strings.TrimSpace(roomCode) == "" {
		return errors.New("room code is empty")
	}
	return nil
}

// prepareWrite returns the copy of snap a store should persist.
func prepareWrite(roomCode string, snap model.Snapshot, persistCap int) (model.Snapshot, error) {
	if err := validateRoom(roomCode); err != nil {
		return model.Snapshot{}, err
	}
	if snap.RoomCode != "" && snap.RoomCode != roomCode {
		return model.Snapshot{}, fmt.Errorf("snapshot belongs to room %q, not %q", snap.RoomCode, roomCode)
	}
	out := merge.Trim(snap.Clone(), persistCap)
	out.RoomCode = roomCode
	if out.Events == nil {
		out.Events = []model.Event{}
	}
	return out, nil
}
