// Package session owns the observer snapshot of the room being watched. It
// routes every mutation through the merge engine and persists the result
// through a store.Store on a debounced schedule.
package session

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/observer-state/internal/merge"
	"github.com/rcliao/observer-state/internal/metrics"
	"github.com/rcliao/observer-state/internal/model"
	"github.com/rcliao/observer-state/internal/store"
)

const (
	DefaultDebounce = 400 * time.Millisecond
	DefaultMaxDelay = 5 * time.Second
)

var (
	// ErrNoActiveRoom is returned by mutations made before EnterRoom.
	ErrNoActiveRoom = errors.New("no active room")
	// ErrRoomMismatch is returned when a snapshot for another room is applied.
	ErrRoomMismatch = errors.New("snapshot belongs to a different room")
	// ErrEmptyRoom is returned by EnterRoom for a blank room code.
	ErrEmptyRoom = errors.New("room code is empty")
	// ErrInvalidScore is returned by UpdateSuspicion for NaN or infinite scores.
	ErrInvalidScore = errors.New("suspicion score is not a finite number")
)

// Config controls persistence timing and merge bounds.
type Config struct {
	// Debounce is the quiet period after the last mutation before a write.
	Debounce time.Duration
	// MaxDelay caps how long a continuous stream of mutations can postpone
	// a write. Zero uses DefaultMaxDelay; negative disables the cap.
	MaxDelay time.Duration
	Merge    merge.Options
}

// DefaultConfig returns the timing used by the CLI.
func DefaultConfig() Config {
	return Config{
		Debounce: DefaultDebounce,
		MaxDelay: DefaultMaxDelay,
		Merge:    merge.DefaultOptions(),
	}
}

// Session is the single owner of the active room's observer state. It is safe
// for concurrent use.
type Session struct {
	st  store.Store
	cfg Config
	log *logrus.Entry

	mu           sync.Mutex
	room         string
	snap         model.Snapshot
	observing    bool
	closed       bool
	timer        *time.Timer
	gen          uint64    // bumped on every schedule or cancel; stale timers compare against it
	firstPending time.Time // first unsaved mutation, zero when nothing is pending

	// writeMu serializes store writes and deletes issued by this session.
	// Lock order is writeMu then mu.
	writeMu sync.Mutex
}

// New creates a session backed by st. Observer mode starts disabled.
func New(st store.Store, cfg Config, log *logrus.Entry) *Session {
	d := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = d.Debounce
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{st: st, cfg: cfg, log: log}
}

// EnterRoom makes room the active room. Pending changes for a previous room
// are written first. The durable snapshot for room is loaded and, when the
// session was already in room, merged with what is held in memory and
// written back. A read failure leaves the session with an empty snapshot.
func (s *Session) EnterRoom(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return ErrEmptyRoom
	}

	s.mu.Lock()
	prev := s.room
	s.mu.Unlock()
	if prev != "" && prev != room {
		// Errors are already logged by the write path.
		_ = s.Flush(ctx)
	}

	loaded, err := s.st.Read(ctx, room)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.WithError(err).WithField("room", room).Warn("Failed to load observer snapshot")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.room
	same := prev == room
	current := model.NewSnapshot(room, s.now())
	if same {
		current = s.snap
	} else {
		s.cancelPendingLocked()
	}
	if loaded != nil {
		// In-memory state is the fresher side.
		current = merge.Snapshots(*loaded, current, s.cfg.Merge)
		current.RoomCode = room
	}

	s.room = room
	s.snap = current
	if same && loaded != nil {
		s.schedulePersistLocked()
	}
	metrics.HeldEvents.Set(float64(len(current.Events)))
	s.log.WithFields(logrus.Fields{
		"room":     room,
		"previous": prev,
		"events":   len(current.Events),
		"restored": loaded != nil,
	}).Info("Entered room")
	return nil
}

// LeaveRoom cancels any pending write, clears the in-memory snapshot and
// deletes the room's durable entry.
func (s *Session) LeaveRoom(ctx context.Context) error {
	s.mu.Lock()
	room := s.room
	s.cancelPendingLocked()
	s.room = ""
	s.snap = model.Snapshot{}
	s.mu.Unlock()

	if room == "" {
		return nil
	}
	metrics.HeldEvents.Set(0)

	// A timer that fired before the cancel holds writeMu until its write
	// lands, so the delete below always runs last.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.st.Delete(ctx, room); err != nil {
		s.log.WithError(err).WithField("room", room).Warn("Failed to delete observer snapshot")
		return err
	}
	s.log.WithField("room", room).Info("Left room")
	return nil
}

func (s *Session) EnableObserverMode() {
	s.mu.Lock()
	s.observing = true
	s.mu.Unlock()
}

func (s *Session) DisableObserverMode() {
	s.mu.Lock()
	s.observing = false
	s.mu.Unlock()
}

func (s *Session) ObserverMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observing
}

// RecordEvent merges one inbound event. It reports whether the snapshot now
// holds e: duplicates, events received outside observer mode and events
// received with no active room all return false.
func (s *Session) RecordEvent(e model.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.observing || s.room == "" {
		metrics.EventsDropped.Inc()
		return false
	}

	next, added := merge.AppendEvent(s.snap, e, s.cfg.Merge)
	if !added {
		metrics.EventsDuplicate.Inc()
		s.log.WithFields(logrus.Fields{
			"room":    s.room,
			"kind":    e.Kind,
			"subject": e.SubjectID,
		}).Debug("Dropped duplicate observer event")
		return false
	}
	s.snap = next
	metrics.EventsRecorded.WithLabelValues(metrics.KindLabel(e.Kind)).Inc()
	metrics.HeldEvents.Set(float64(len(next.Events)))
	s.schedulePersistLocked()
	return true
}

// ApplyExternalSnapshot merges a full snapshot delivered by the transport,
// typically after a reconnect. Its values win over local ones on conflict.
// A snapshot for another room is rejected with ErrRoomMismatch and leaves
// the session untouched.
func (s *Session) ApplyExternalSnapshot(snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.observing {
		metrics.EventsDropped.Inc()
		return nil
	}
	if err := s.checkRoomLocked(snap.RoomCode); err != nil {
		metrics.SnapshotsRejected.Inc()
		s.log.WithError(err).WithFields(logrus.Fields{
			"room":     s.room,
			"incoming": snap.RoomCode,
		}).Warn("Rejected external snapshot")
		return err
	}

	s.applyLocked(snap)
	metrics.SnapshotsApplied.Inc()
	return nil
}

// UpdateSuspicion sets one observer's score for a subject, clamped to 0-10.
func (s *Session) UpdateSuspicion(observerID, subjectID string, score float64) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return ErrInvalidScore
	}
	score = min(max(score, 0), model.MaxScore)
	return s.mutate(model.Snapshot{
		Suspicion: model.SuspicionMatrix{observerID: {subjectID: score}},
	})
}

// RecordPhase appends a phase transition to the history.
func (s *Session) RecordPhase(rec model.PhaseRecord) error {
	return s.mutate(model.Snapshot{PhaseHistory: []model.PhaseRecord{rec}})
}

// UpdateAnalytics merges a, field by field, over the current analytics.
func (s *Session) UpdateAnalytics(a model.Analytics) error {
	return s.mutate(model.Snapshot{Analytics: a})
}

func (s *Session) mutate(incoming model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.room == "" {
		return ErrNoActiveRoom
	}
	if !s.observing {
		return nil
	}
	incoming.RoomCode = s.room
	s.applyLocked(incoming)
	return nil
}

func (s *Session) applyLocked(incoming model.Snapshot) {
	s.snap = merge.Snapshots(s.snap, incoming, s.cfg.Merge)
	s.snap.RoomCode = s.room
	metrics.HeldEvents.Set(float64(len(s.snap.Events)))
	s.schedulePersistLocked()
}

func (s *Session) checkRoomLocked(room string) error {
	if s.room == "" {
		return ErrNoActiveRoom
	}
	if room != s.room {
		return ErrRoomMismatch
	}
	return nil
}

func (s *Session) now() time.Time {
	if s.cfg.Merge.Now != nil {
		return s.cfg.Merge.Now()
	}
	return time.Now()
}
