package session

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rcliao/observer-state/internal/metrics"
	"github.com/rcliao/observer-state/internal/model"
)

// schedulePersistLocked is the only place writes get scheduled. Each call
// restarts the debounce window; once MaxDelay has passed since the first
// unsaved mutation the timer is shortened so the write happens anyway.
func (s *Session) schedulePersistLocked() {
	if s.room == "" || s.closed {
		return
	}
	now := time.Now()
	if s.firstPending.IsZero() {
		s.firstPending = now
	}

	delay := s.cfg.Debounce
	if s.cfg.MaxDelay > 0 {
		if remaining := s.cfg.MaxDelay - now.Sub(s.firstPending); remaining < delay {
			delay = max(remaining, 0)
		}
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() {
		_ = s.flush(context.Background(), gen, true)
	})
}

// cancelPendingLocked drops the scheduled write, if any. A timer callback
// already running sees the bumped generation and does nothing.
func (s *Session) cancelPendingLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.firstPending = time.Time{}
}

// Flush writes pending changes now instead of waiting for the debounce.
// Unlike the scheduled write it returns the store error.
func (s *Session) Flush(ctx context.Context) error {
	return s.flush(ctx, 0, false)
}

// Close flushes pending changes and stops scheduling new writes. The
// in-memory snapshot stays readable.
func (s *Session) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	s.closed = true
	s.cancelPendingLocked()
	s.mu.Unlock()
	return err
}

// flush writes the current snapshot if a write is pending. Timer callbacks
// pass their generation and bail out when it is stale.
func (s *Session) flush(ctx context.Context, gen uint64, fromTimer bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if (fromTimer && gen != s.gen) || s.firstPending.IsZero() || s.room == "" {
		s.mu.Unlock()
		return nil
	}
	waited := time.Since(s.firstPending)
	room := s.room
	snap := s.snap.Clone()
	s.cancelPendingLocked()
	s.mu.Unlock()

	return s.write(ctx, room, snap, waited)
}

func (s *Session) write(ctx context.Context, room string, snap model.Snapshot, waited time.Duration) error {
	start := time.Now()
	err := s.st.Write(ctx, room, snap)
	metrics.ObservePersist(start, err)

	log := s.log.WithFields(logrus.Fields{
		"room":   room,
		"events": len(snap.Events),
		"waited": waited.Round(time.Millisecond),
	})
	if err != nil {
		log.WithError(err).Warn("Failed to persist observer snapshot")
		return err
	}
	log.Debug("Persisted observer snapshot")
	return nil
}
