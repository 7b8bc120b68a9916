package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/observer-state/internal/merge"
	"github.com/rcliao/observer-state/internal/model"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func quietLogger() *logrus.Entry {
	l, _ := logtest.NewNullLogger()
	return logrus.NewEntry(l)
}

func sampleSnapshot(room string, n int) model.Snapshot {
	s := model.NewSnapshot(room, t0)
	for i := 0; i < n; i++ {
		round := i / 10
		s.Events = append(s.Events, model.Event{
			Kind:        model.KindPrivateAction,
			Content:     fmt.Sprintf("action %d", i),
			SubjectID:   fmt.Sprintf("p%d", i%5),
			SubjectName: "Player",
			SubjectKind: model.SubjectAutomated,
			OccurredAt:  t0.Add(time.Duration(i) * time.Second),
			Phase:       "night",
			Round:       &round,
			Context:     map[string]any{"alive": float64(7)},
		})
	}
	s.Suspicion = model.SuspicionMatrix{"o1": {"p1": 6.5}}
	votes := 3
	s.Analytics.TotalVotes = &votes
	s.PhaseHistory = []model.PhaseRecord{{Phase: "night", StartedAt: t0, Round: 1}}
	return s
}

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), WithLogger(quietLogger()))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}},
		{"file", func(t *testing.T) Store {
			return NewFileStore(filepath.Join(t.TempDir(), "snapshots"), WithLogger(quietLogger()))
		}},
		{"memory", func(t *testing.T) Store {
			return NewMemoryStore(WithLogger(quietLogger()))
		}},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			st := f.open(t)
			in := sampleSnapshot("ABC123", 5)

			require.NoError(t, st.Write(ctx, "ABC123", in))
			got, err := st.Read(ctx, "ABC123")
			require.NoError(t, err)

			assert.Equal(t, "ABC123", got.RoomCode)
			assert.Equal(t, in.Keys(), got.Keys())
			assert.Equal(t, in.Events[2].Content, got.Events[2].Content)
			require.NotNil(t, got.Events[2].Round)
			assert.Equal(t, 0, *got.Events[2].Round)
			assert.Equal(t, 6.5, got.Suspicion["o1"]["p1"])
			require.NotNil(t, got.Analytics.TotalVotes)
			assert.Equal(t, 3, *got.Analytics.TotalVotes)
			assert.Len(t, got.PhaseHistory, 1)
			assert.True(t, in.LastUpdatedAt.Equal(got.LastUpdatedAt))
		})
	}
}

func TestStoreWriteTrimsToPersistCap(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			st := f.open(t)
			in := sampleSnapshot("ABC123", 80)

			require.NoError(t, st.Write(ctx, "ABC123", in))
			got, err := st.Read(ctx, "ABC123")
			require.NoError(t, err)

			require.Len(t, got.Events, model.DefaultPersistedMaxEvents)
			keys := in.Keys()
			for _, e := range got.Events {
				assert.Contains(t, keys, e.Key())
			}
			assert.Equal(t, in.Events[79].Key(), got.Events[49].Key(), "newest events are kept")
			assert.Len(t, in.Events, 80, "caller's snapshot is not trimmed")
		})
	}
}

func TestStoreReadMissing(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			_, err := f.open(t).Read(context.Background(), "NOPE")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			st := f.open(t)
			require.NoError(t, st.Write(ctx, "ABC123", sampleSnapshot("ABC123", 2)))

			require.NoError(t, st.Delete(ctx, "ABC123"))
			require.NoError(t, st.Delete(ctx, "ABC123"))

			_, err := st.Read(ctx, "ABC123")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreListRoomCodes(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			ctx := context.Background()
			st := f.open(t)
			for _, room := range []string{"ZZZ999", "ABC123", "room/with:odd chars"} {
				require.NoError(t, st.Write(ctx, room, sampleSnapshot(room, 1)))
			}

			rooms, err := st.ListRoomCodes(ctx)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"ABC123", "ZZZ999", "room/with:odd chars"}, rooms)

			got, err := st.Read(ctx, "room/with:odd chars")
			require.NoError(t, err)
			assert.Equal(t, "room/with:odd chars", got.RoomCode)
		})
	}
}

func TestStoreRejectsMismatchedRoom(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			err := f.open(t).Write(context.Background(), "ABC123", sampleSnapshot("OTHER1", 1))
			assert.ErrorContains(t, err, "belongs to room")
		})
	}
}

func TestStoreRejectsEmptyRoom(t *testing.T) {
	for _, f := range storeFactories() {
		t.Run(f.name, func(t *testing.T) {
			err := f.open(t).Write(context.Background(), "  ", model.Snapshot{})
			assert.ErrorContains(t, err, "room code is empty")
		})
	}
}

func TestStorageKeyRoundTrip(t *testing.T) {
	key := StorageKey("ABC123")
	assert.Equal(t, "observer-snapshot:ABC123", key)

	room, ok := RoomCodeFromKey(key)
	assert.True(t, ok)
	assert.Equal(t, "ABC123", room)

	_, ok = RoomCodeFromKey("something-else")
	assert.False(t, ok)
}

func TestMemoryStoreDropsCorruptEntry(t *testing.T) {
	ctx := context.Background()
	logger, hook := logtest.NewNullLogger()
	st := NewMemoryStore(WithLogger(logrus.NewEntry(logger)))
	st.Put(StorageKey("BAD001"), []byte("{not json"))

	_, err := st.Read(ctx, "BAD001")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, st.Exists("BAD001"))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestMemoryStoreDropsMisnamedEntry(t *testing.T) {
	ctx := context.Background()
	logger, hook := logtest.NewNullLogger()
	st := NewMemoryStore(WithLogger(logrus.NewEntry(logger)))
	st.Put(StorageKey("ZZZ999"), []byte(`{"roomCode":"OTHER1","events":[]}`))

	_, err := st.Read(ctx, "ZZZ999")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, st.Exists("ZZZ999"))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestFileStoreDropsCorruptAndMisnamedFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := NewFileStore(dir, WithLogger(quietLogger()))

	require.NoError(t, st.Write(ctx, "ABC123", sampleSnapshot("ABC123", 2)))
	require.NoError(t, os.WriteFile(st.pathFor("ABC123"), []byte("{truncated"), 0o600))

	_, err := st.Read(ctx, "ABC123")
	assert.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(st.pathFor("ABC123"))
	assert.True(t, os.IsNotExist(statErr), "corrupt file is removed")

	// A file whose body names another room is treated the same way.
	require.NoError(t, st.Write(ctx, "OTHER1", sampleSnapshot("OTHER1", 1)))
	require.NoError(t, os.Rename(st.pathFor("OTHER1"), st.pathFor("ZZZ999")))
	_, err = st.Read(ctx, "ZZZ999")
	assert.ErrorIs(t, err, ErrNotFound)

	rooms, err := st.ListRoomCodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestImportMergesWithStored(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(WithLogger(quietLogger()))
	stored := sampleSnapshot("ABC123", 3)
	require.NoError(t, st.Write(ctx, "ABC123", stored))

	incoming := model.NewSnapshot("ABC123", t0)
	incoming.Events = append(incoming.Events, stored.Events[2], model.Event{
		Kind: model.KindPrivateReasoning, SubjectID: "p9", OccurredAt: t0.Add(time.Minute),
	})

	n, err := Import(ctx, st, []model.Snapshot{incoming, sampleSnapshot("NEW001", 1)}, merge.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := st.Read(ctx, "ABC123")
	require.NoError(t, err)
	assert.Len(t, got.Events, 4)

	all, err := ExportAll(ctx, st, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := ExportAll(ctx, st, "NEW001")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "NEW001", one[0].RoomCode)
}

func TestImportSortsAndDedupesUnorderedExport(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore(WithLogger(quietLogger()))

	ordered := sampleSnapshot("ABC123", 60).Events
	incoming := model.NewSnapshot("ABC123", t0)
	for i := len(ordered) - 1; i >= 0; i-- {
		incoming.Events = append(incoming.Events, ordered[i])
	}
	incoming.Events = append(incoming.Events, ordered[30])

	n, err := Import(ctx, st, []model.Snapshot{incoming}, merge.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.Read(ctx, "ABC123")
	require.NoError(t, err)
	require.Len(t, got.Events, model.DefaultPersistedMaxEvents)
	assert.True(t, got.Events[0].OccurredAt.Equal(t0.Add(10*time.Second)))
	assert.True(t, got.Events[len(got.Events)-1].OccurredAt.Equal(t0.Add(59*time.Second)))

	seen := make(map[model.EventKey]bool)
	for i, e := range got.Events {
		assert.False(t, seen[e.Key()], "duplicate key at %d", i)
		seen[e.Key()] = true
		if i > 0 {
			assert.False(t, e.Before(got.Events[i-1]), "event %d out of order", i)
		}
	}
}
