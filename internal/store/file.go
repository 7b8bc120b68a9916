package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rcliao/observer-state/internal/model"
)

const (
	fileDirMode   = 0o700
	fileMode      = 0o600
	fileExt       = ".json"
	tempFilePatrn = ".snapshot-*.json.tmp"
)

// FileStore keeps one JSON document per room in a directory.
type FileStore struct {
	root string
	opts options
	mu   sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store rooted at dir. The directory is created on
// first write.
func NewFileStore(dir string, opts ...Option) *FileStore {
	return &FileStore{root: filepath.Clean(dir), opts: buildOptions(opts)}
}

// file names are the escaped storage key, so distinct rooms never share a file.
func (s *FileStore) pathFor(roomCode string) string {
	return filepath.Join(s.root, url.PathEscape(StorageKey(roomCode))+fileExt)
}

func (s *FileStore) Write(ctx context.Context, roomCode string, snap model.Snapshot) error {
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.root, fileDirMode); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.root, tempFilePatrn)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.pathFor(roomCode)); err != nil {
		return fmt.Errorf("replace snapshot %q: %w", roomCode, err)
	}
	return nil
}

func (s *FileStore) Read(ctx context.Context, roomCode string) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateRoom(roomCode); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(s.pathFor(roomCode))
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot %q: %w", roomCode, err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.RoomCode != roomCode {
		if err == nil {
			err = fmt.Errorf("snapshot names room %q", snap.RoomCode)
		}
		s.opts.log.WithError(err).WithField("room", roomCode).Warn("Dropping corrupt snapshot")
		if err := s.Delete(ctx, roomCode); err != nil {
			s.opts.log.WithError(err).WithField("room", roomCode).Warn("Failed to delete corrupt snapshot")
		}
		return nil, ErrNotFound
	}
	if snap.Events == nil {
		snap.Events = []model.Event{}
	}
	return &snap, nil
}

func (s *FileStore) Delete(ctx context.Context, roomCode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRoom(roomCode); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pathFor(roomCode))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete snapshot %q: %w", roomCode, err)
	}
	return nil
}

func (s *FileStore) ListRoomCodes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entries, err := os.ReadDir(s.root)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshot directory: %w", err)
	}

	var rooms []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		if room, ok := RoomCodeFromKey(key); ok {
			rooms = append(rooms, room)
		}
	}
	sort.Strings(rooms)
	return rooms, nil
}

func (s *FileStore) Close() error { return nil }
