package session

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/observer-state/internal/model"
	"github.com/rcliao/observer-state/internal/store"
)

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

// countingStore wraps a store and counts writes, optionally failing them.
type countingStore struct {
	store.Store

	mu      sync.Mutex
	writes  int
	deletes int
	failErr error
}

func (c *countingStore) Write(ctx context.Context, room string, snap model.Snapshot) error {
	c.mu.Lock()
	c.writes++
	err := c.failErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Store.Write(ctx, room, snap)
}

func (c *countingStore) Delete(ctx context.Context, room string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.Store.Delete(ctx, room)
}

func (c *countingStore) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func quietLogger() *logrus.Entry {
	l, _ := logtest.NewNullLogger()
	return logrus.NewEntry(l)
}

func newCountingStore() *countingStore {
	return &countingStore{Store: store.NewMemoryStore(store.WithLogger(quietLogger()))}
}

// newSession returns an observing session in room ABC123 whose timers never
// fire unless the test shortens them.
func newSession(t *testing.T, st store.Store, cfg Config) *Session {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = time.Hour
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = time.Hour
	}
	s := New(st, cfg, quietLogger())
	require.NoError(t, s.EnterRoom(context.Background(), "ABC123"))
	s.EnableObserverMode()
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func ev(kind model.EventKind, subject string, offset time.Duration, content string) model.Event {
	return model.Event{
		Kind:       kind,
		SubjectID:  subject,
		OccurredAt: t0.Add(offset),
		Content:    content,
		Phase:      "night",
	}
}

func TestLatestIsReverseChronologicalAndCountsByKind(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})

	require.True(t, s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "first")))
	require.True(t, s.RecordEvent(ev(model.KindAIReasoning, "p2", time.Second, "second")))
	require.True(t, s.RecordEvent(ev(model.KindPrivateAction, "p3", 2*time.Second, "third")))

	latest := s.Latest(2, Filter{})
	require.Len(t, latest, 2)
	assert.Equal(t, "third", latest[0].Content)
	assert.Equal(t, "second", latest[1].Content)

	counts := s.CountsByKind()
	assert.Equal(t, 2, counts[model.KindPrivateAction])
	assert.Equal(t, 1, counts[model.KindAIReasoning])
}

func TestLatestFilters(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})

	s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "a"))
	day := ev(model.KindPrivateReasoning, "p1", time.Second, "b")
	day.Phase = "day"
	s.RecordEvent(day)
	s.RecordEvent(ev(model.KindPrivateReasoning, "p2", 2*time.Second, "c"))
	s.RecordEvent(ev("future-kind", "p2", 3*time.Second, "d"))

	got := s.Latest(0, Filter{Kind: model.KindPrivateReasoning})
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].Content)

	got = s.Latest(0, Filter{Kind: model.KindPrivateReasoning, Phase: "night"})
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Content)

	got = s.Latest(0, Filter{SubjectID: "p2"})
	assert.Len(t, got, 2)

	assert.Len(t, s.Latest(0, Filter{}), 4, "unknown kinds count toward the unfiltered view")
	assert.Equal(t, 1, s.CountsByKind()["future-kind"])
}

func TestDuplicateEventFirstWins(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})

	first := ev(model.KindPrivateReasoning, "p1", 0, "original reasoning")
	second := first
	second.Content = "corrected reasoning"

	assert.True(t, s.RecordEvent(first))
	assert.False(t, s.RecordEvent(second))

	snap := s.Snapshot()
	require.Len(t, snap.Events, 1)
	assert.Equal(t, "original reasoning", snap.Events[0].Content)
}

func TestSuspicionDefaultsToNeutral(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})

	assert.Equal(t, 5.0, s.SuspicionLevel("p7"))
	assert.Equal(t, 5.0, s.TrustLevel("p7"))
}

func TestSuspicionIsMeanAcrossObservers(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})

	require.NoError(t, s.UpdateSuspicion("o1", "p1", 8))
	require.NoError(t, s.UpdateSuspicion("o2", "p1", 4))
	require.NoError(t, s.UpdateSuspicion("o2", "p2", 14))
	require.NoError(t, s.UpdateSuspicion("o3", "p3", -2))

	assert.InDelta(t, 6.0, s.SuspicionLevel("p1"), 1e-9)
	assert.InDelta(t, 4.0, s.TrustLevel("p1"), 1e-9)
	assert.Equal(t, 10.0, s.SuspicionLevel("p2"), "scores are clamped")
	assert.Equal(t, 0.0, s.SuspicionLevel("p3"))
}

func TestUpdateSuspicionRejectsNonFiniteScores(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	s := newSession(t, st, Config{})

	require.NoError(t, s.UpdateSuspicion("o1", "p1", 7))
	for _, score := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		assert.ErrorIs(t, s.UpdateSuspicion("o1", "p1", score), ErrInvalidScore)
	}

	assert.Equal(t, 7.0, s.SuspicionLevel("p1"))
	assert.Equal(t, 3.0, s.TrustLevel("p1"))
	require.NoError(t, s.Flush(ctx))

	require.True(t, s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "after")))
	require.NoError(t, s.Flush(ctx))
	got, err := st.Read(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 7.0, got.Suspicion["o1"]["p1"])
}

func TestExternalSnapshotDropsNonFiniteScores(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, newCountingStore(), Config{})

	snap := model.NewSnapshot("ABC123", t0)
	snap.Suspicion = model.SuspicionMatrix{"o1": {"p1": math.NaN(), "p2": 12}}
	require.NoError(t, s.ApplyExternalSnapshot(snap))

	assert.Equal(t, model.NeutralSuspicion, s.SuspicionLevel("p1"))
	assert.Equal(t, 10.0, s.SuspicionLevel("p2"))
	assert.NoError(t, s.Flush(ctx))
}

func TestLeaveRoomCancelsPendingWrite(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	s := newSession(t, st, Config{Debounce: 50 * time.Millisecond})

	s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "pending"))
	require.NoError(t, s.LeaveRoom(ctx))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, st.Writes())

	_, err := st.Read(ctx, "ABC123")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, "", s.RoomCode())
	assert.Empty(t, s.Snapshot().Events)
}

func TestLeaveRoomDeletesPersistedSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	s := newSession(t, st, Config{})

	s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "saved"))
	require.NoError(t, s.Flush(ctx))
	_, err := st.Read(ctx, "ABC123")
	require.NoError(t, err)

	require.NoError(t, s.LeaveRoom(ctx))
	_, err = st.Read(ctx, "ABC123")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBoundedGrowthAndOrdering(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})

	// Interleave old and new timestamps.
	for i := 0; i < 250; i++ {
		offset := time.Duration(i) * time.Second
		if i%2 == 1 {
			offset = time.Duration(500-i) * time.Second
		}
		s.RecordEvent(ev(model.KindPrivateAction, "p1", offset, ""))

		events := s.Snapshot().Events
		require.LessOrEqual(t, len(events), model.DefaultMaxEvents)
		require.True(t, sort.SliceIsSorted(events, func(a, b int) bool {
			return events[a].Before(events[b])
		}), "events sorted after event %d", i)
	}
	assert.Len(t, s.Snapshot().Events, model.DefaultMaxEvents)
}

func TestObserverModeOffDropsMutations(t *testing.T) {
	st := newCountingStore()
	s := newSession(t, st, Config{Debounce: 10 * time.Millisecond})
	s.DisableObserverMode()

	assert.False(t, s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "")))
	other := model.NewSnapshot("ABC123", t0)
	other.Events = append(other.Events, ev(model.KindPrivateAction, "p2", 0, ""))
	assert.NoError(t, s.ApplyExternalSnapshot(other))
	assert.NoError(t, s.UpdateSuspicion("o1", "p1", 9))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.Snapshot().Events)
	assert.Equal(t, 5.0, s.SuspicionLevel("p1"))
	assert.Equal(t, 0, st.Writes())

	s.EnableObserverMode()
	assert.True(t, s.ObserverMode())
	assert.True(t, s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "")))
}

func TestApplyExternalSnapshot(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})

	s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "local"))
	require.NoError(t, s.UpdateSuspicion("o1", "p1", 2))

	remote := model.NewSnapshot("ABC123", t0)
	remote.Events = append(remote.Events,
		ev(model.KindPrivateAction, "p1", 0, "server copy"),
		ev(model.KindPrivateReasoning, "p2", time.Second, "new"),
	)
	remote.Suspicion = model.SuspicionMatrix{"o1": {"p1": 7}}
	rounds := 3
	remote.Analytics.TotalRounds = &rounds

	require.NoError(t, s.ApplyExternalSnapshot(remote))

	snap := s.Snapshot()
	require.Len(t, snap.Events, 2)
	assert.Equal(t, "local", snap.Events[0].Content, "duplicate keys keep the held copy")
	assert.Equal(t, 7.0, s.SuspicionLevel("p1"), "the incoming snapshot wins on conflict")
	require.NotNil(t, s.Analytics().TotalRounds)
	assert.Equal(t, 3, *s.Analytics().TotalRounds)
}

func TestApplyExternalSnapshotRejectsOtherRoom(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})
	s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "mine"))
	before := s.Snapshot()

	stale := model.NewSnapshot("OLD999", t0)
	stale.Events = append(stale.Events, ev(model.KindPrivateAction, "p9", time.Second, "stale"))
	stale.Suspicion = model.SuspicionMatrix{"o1": {"p1": 9}}

	err := s.ApplyExternalSnapshot(stale)
	assert.ErrorIs(t, err, ErrRoomMismatch)
	assert.Equal(t, before, s.Snapshot())
}

func TestMutationsWithoutRoom(t *testing.T) {
	s := New(newCountingStore(), Config{}, quietLogger())
	s.EnableObserverMode()

	assert.False(t, s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "")))
	assert.ErrorIs(t, s.ApplyExternalSnapshot(model.NewSnapshot("ABC123", t0)), ErrNoActiveRoom)
	assert.ErrorIs(t, s.UpdateSuspicion("o1", "p1", 1), ErrNoActiveRoom)
	assert.ErrorIs(t, s.EnterRoom(context.Background(), "  "), ErrEmptyRoom)
	assert.NoError(t, s.LeaveRoom(context.Background()))
}

func TestDebounceCoalescesBurst(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	s := newSession(t, st, Config{Debounce: 40 * time.Millisecond})

	for i := 0; i < 10; i++ {
		s.RecordEvent(ev(model.KindPrivateAction, "p1", time.Duration(i)*time.Second, ""))
	}
	assert.Equal(t, 0, st.Writes(), "nothing is written synchronously")

	require.Eventually(t, func() bool { return st.Writes() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, st.Writes())

	got, err := st.Read(ctx, "ABC123")
	require.NoError(t, err)
	assert.Len(t, got.Events, 10)
}

func TestMaxDelayForcesWriteDuringContinuousActivity(t *testing.T) {
	st := newCountingStore()
	s := newSession(t, st, Config{Debounce: 80 * time.Millisecond, MaxDelay: 150 * time.Millisecond})

	for i := 0; i < 20; i++ {
		s.RecordEvent(ev(model.KindPrivateAction, "p1", time.Duration(i)*time.Second, ""))
		time.Sleep(20 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, st.Writes(), 1)
}

func TestPersistFailureIsLoggedNotReturned(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	st.failErr = errors.New("disk full")
	logger, hook := logtest.NewNullLogger()
	s := New(st, Config{Debounce: 10 * time.Millisecond, MaxDelay: time.Hour}, logrus.NewEntry(logger))
	require.NoError(t, s.EnterRoom(ctx, "ABC123"))
	s.EnableObserverMode()

	assert.True(t, s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "kept")))

	require.Eventually(t, func() bool { return st.Writes() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel && e.Message == "Failed to persist observer snapshot" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, s.Snapshot().Events, 1, "memory is unaffected by a failed write")
}

func TestFlushReturnsStoreError(t *testing.T) {
	st := newCountingStore()
	s := newSession(t, st, Config{})
	s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, ""))

	st.failErr = errors.New("disk full")
	assert.Error(t, s.Flush(context.Background()))
	assert.NoError(t, s.Flush(context.Background()), "nothing left pending")
}

func TestEnterRoomRestoresPersistedSnapshot(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	saved := model.NewSnapshot("ROOM42", t0)
	saved.Events = append(saved.Events, ev(model.KindPrivateAction, "p1", 0, "from disk"))
	require.NoError(t, st.Store.Write(ctx, "ROOM42", saved))

	s := New(st, Config{Debounce: time.Hour}, quietLogger())
	require.NoError(t, s.EnterRoom(ctx, "ROOM42"))

	latest := s.Latest(1, Filter{})
	require.Len(t, latest, 1)
	assert.Equal(t, "from disk", latest[0].Content)
	assert.Equal(t, "ROOM42", s.RoomCode())
}

func TestEnterRoomSwitchFlushesPreviousAndDropsIt(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	s := newSession(t, st, Config{})

	s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "room one"))
	require.NoError(t, s.EnterRoom(ctx, "XYZ789"))

	assert.Equal(t, 1, st.Writes(), "pending write for the old room is flushed")
	prev, err := st.Read(ctx, "ABC123")
	require.NoError(t, err)
	assert.Len(t, prev.Events, 1)

	assert.Equal(t, "XYZ789", s.RoomCode())
	assert.Empty(t, s.Snapshot().Events)
	assert.Equal(t, "XYZ789", s.Snapshot().RoomCode)
}

func TestReEnterSameRoomMergesMemoryWithStored(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	s := newSession(t, st, Config{})

	s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, "memory"))

	// Another writer stored an event for the same room.
	other := model.NewSnapshot("ABC123", t0)
	other.Events = append(other.Events, ev(model.KindPrivateReasoning, "p2", time.Minute, "stored"))
	require.NoError(t, st.Store.Write(ctx, "ABC123", other))

	s.RecordEvent(ev(model.KindPrivateAction, "p3", 2*time.Minute, "newer memory"))

	require.NoError(t, s.EnterRoom(ctx, "ABC123"))

	contents := []string{}
	for _, e := range s.Snapshot().Events {
		contents = append(contents, e.Content)
	}
	assert.Equal(t, []string{"memory", "stored", "newer memory"}, contents)
	assert.Equal(t, 0, st.Writes(), "re-entering does not flush over the stored copy")

	require.NoError(t, s.Flush(ctx))
	got, err := st.Read(ctx, "ABC123")
	require.NoError(t, err)
	assert.Len(t, got.Events, 3)
}

func TestEnterRoomWithCorruptEntryStartsEmpty(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore(store.WithLogger(quietLogger()))
	mem.Put(store.StorageKey("BAD001"), []byte("{nope"))

	s := New(mem, Config{Debounce: time.Hour}, quietLogger())
	require.NoError(t, s.EnterRoom(ctx, "BAD001"))

	assert.Empty(t, s.Snapshot().Events)
	assert.False(t, mem.Exists("BAD001"))
}

func TestRecordPhaseAndUpdateAnalytics(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})

	require.NoError(t, s.RecordPhase(model.PhaseRecord{Phase: "night", StartedAt: t0, Round: 1}))
	require.NoError(t, s.RecordPhase(model.PhaseRecord{Phase: "day", StartedAt: t0.Add(time.Minute), Round: 1}))
	require.NoError(t, s.RecordPhase(model.PhaseRecord{Phase: "day", StartedAt: t0.Add(time.Minute), Round: 1}))

	votes, rounds := 4, 2
	require.NoError(t, s.UpdateAnalytics(model.Analytics{TotalVotes: &votes, RoleCounts: map[string]int{"wolf": 2}}))
	require.NoError(t, s.UpdateAnalytics(model.Analytics{TotalRounds: &rounds, RoleCounts: map[string]int{"seer": 1}}))

	phases := s.PhaseHistory()
	require.Len(t, phases, 2)
	assert.Equal(t, "day", phases[1].Phase)

	a := s.Analytics()
	require.NotNil(t, a.TotalVotes)
	require.NotNil(t, a.TotalRounds)
	assert.Equal(t, 4, *a.TotalVotes, "absent fields keep their value")
	assert.Equal(t, 2, *a.TotalRounds)
	assert.Equal(t, map[string]int{"wolf": 2, "seer": 1}, a.RoleCounts)
}

func TestStats(t *testing.T) {
	s := newSession(t, newCountingStore(), Config{})

	s.RecordEvent(ev(model.KindPrivateAction, "p2", 0, ""))
	day := ev(model.KindPrivateReasoning, "p1", time.Second, "")
	day.Phase = "day"
	s.RecordEvent(day)

	st := s.Stats()
	assert.Equal(t, "ABC123", st.RoomCode)
	assert.True(t, st.ObserverMode)
	assert.Equal(t, 2, st.TotalEvents)
	assert.Equal(t, []string{"p1", "p2"}, st.Subjects)
	assert.Equal(t, []string{"night", "day"}, st.Phases)
	require.NotNil(t, st.FirstEventAt)
	assert.True(t, st.FirstEventAt.Equal(t0))
	assert.True(t, st.LastEventAt.Equal(t0.Add(time.Second)))
}

func TestCloseFlushesAndStopsScheduling(t *testing.T) {
	ctx := context.Background()
	st := newCountingStore()
	s := New(st, Config{Debounce: 20 * time.Millisecond}, quietLogger())
	require.NoError(t, s.EnterRoom(ctx, "ABC123"))
	s.EnableObserverMode()

	s.RecordEvent(ev(model.KindPrivateAction, "p1", 0, ""))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 1, st.Writes())

	s.RecordEvent(ev(model.KindPrivateAction, "p1", time.Second, ""))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, st.Writes())
	assert.Len(t, s.Snapshot().Events, 2)
}
