// Package gc prunes stored observer snapshots that have not been updated
// within a retention window. It only touches durable storage.
package gc

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/rcliao/observer-state/internal/metrics"
	"github.com/rcliao/observer-state/internal/store"
)

const DefaultRetention = 24 * time.Hour

type Config struct {
	// Retention is how long a snapshot may go without updates before it is
	// deleted.
	Retention time.Duration
	Now       func() time.Time
}

// Report describes one collection pass.
type Report struct {
	RunID    string        `json:"run_id"`
	Scanned  int           `json:"scanned"`
	Expired  int           `json:"expired"`
	Corrupt  int           `json:"corrupt"`
	Kept     int           `json:"kept"`
	Failed   int           `json:"failed"`
	Deleted  []string      `json:"deleted,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

type Collector struct {
	st  store.Store
	cfg Config
	log *logrus.Entry
}

func New(st store.Store, cfg Config, log *logrus.Entry) *Collector {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Collector{st: st, cfg: cfg, log: log}
}

// Run scans every stored room once. Snapshots last updated more than
// Retention ago are deleted. Rooms that list but no longer read back were
// corrupt; the store has already removed them. A failure on one room is
// counted and logged and does not stop the pass.
func (c *Collector) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := Report{RunID: ulid.MustNew(ulid.Timestamp(start), rand.Reader).String()}
	log := c.log.WithField("run", rep.RunID)

	rooms, err := c.st.ListRoomCodes(ctx)
	if err != nil {
		return rep, fmt.Errorf("list rooms: %w", err)
	}

	cutoff := c.cfg.Now().Add(-c.cfg.Retention)
	for _, room := range rooms {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++

		snap, err := c.st.Read(ctx, room)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rep.Corrupt++
			metrics.GCDeleted.WithLabelValues("corrupt").Inc()
			continue
		case err != nil:
			rep.Failed++
			log.WithError(err).WithField("room", room).Warn("Failed to read snapshot")
			continue
		}

		if !snap.LastUpdatedAt.Before(cutoff) {
			rep.Kept++
			continue
		}
		if err := c.st.Delete(ctx, room); err != nil {
			rep.Failed++
			log.WithError(err).WithField("room", room).Warn("Failed to delete expired snapshot")
			continue
		}
		rep.Expired++
		rep.Deleted = append(rep.Deleted, room)
		metrics.GCDeleted.WithLabelValues("expired").Inc()
		log.WithFields(logrus.Fields{
			"room":            room,
			"last_updated_at": snap.LastUpdatedAt,
		}).Debug("Deleted expired snapshot")
	}

	rep.Duration = time.Since(start)
	metrics.GCRuns.Inc()
	log.WithFields(logrus.Fields{
		"scanned": rep.Scanned,
		"expired": rep.Expired,
		"corrupt": rep.Corrupt,
		"kept":    rep.Kept,
		"failed":  rep.Failed,
	}).Info("Garbage collection finished")
	return rep, nil
}

// RunEvery runs a pass once per interval until ctx is done. fn, when set,
// receives every completed report.
func (c *Collector) RunEvery(ctx context.Context, interval time.Duration, fn func(Report)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := c.Run(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.log.WithError(err).Warn("Garbage collection failed")
				}
				continue
			}
			if fn != nil {
				fn(rep)
			}
		}
	}
}
