package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rcliao/observer-state/internal/model"
)

// MemoryStore keeps encoded snapshots in a map. Nothing survives the
// process, but reads and writes behave like the durable stores: values are
// copied through JSON and undecodable entries are dropped.
type MemoryStore struct {
	opts    options
	entries map[string][]byte
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:    buildOptions(opts),
		entries: make(map[string][]byte),
	}
}

func (s *MemoryStore) Write(ctx context.Context, roomCode string, snap model.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := prepareWrite(roomCode, snap, s.opts.persistCap)
	if err != nil {
		return err
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.Put(StorageKey(roomCode), data)
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, roomCode string) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateRoom(roomCode); err != nil {
		return nil, err
	}

	key := StorageKey(roomCode)
	s.mu.RLock()
	data, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.RoomCode != roomCode {
		if err == nil {
			err = fmt.Errorf("snapshot names room %q", snap.RoomCode)
		}
		s.opts.log.WithError(err).WithField("room", roomCode).Warn("Dropping corrupt snapshot")
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if snap.Events == nil {
		snap.Events = []model.Event{}
	}
	return &snap, nil
}

func (s *MemoryStore) Delete(ctx context.Context, roomCode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRoom(roomCode); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, StorageKey(roomCode))
	return nil
}

func (s *MemoryStore) ListRoomCodes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if room, ok := RoomCodeFromKey(key); ok {
			rooms = append(rooms, room)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

// Put stores a raw value under key. Exposed so callers can seed entries
// written by other tools, corrupt ones included.
func (s *MemoryStore) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = data
}

// Exists reports whether a raw entry is stored for roomCode.
func (s *MemoryStore) Exists(roomCode string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[StorageKey(roomCode)]
	return ok
}

func (s *MemoryStore) Close() error { return nil }
