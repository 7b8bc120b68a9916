// Package merge combines observer snapshots, dropping duplicate events and
// bounding list sizes.
package merge

import (
	"math"
	"sort"
	"time"

	"github.com/rcliao/observer-state/internal/model"
)

// DuplicatePolicy decides which copy of an event survives when two share a key.
type DuplicatePolicy int

const (
	// KeepFirst drops the incoming copy of an event already present.
	KeepFirst DuplicatePolicy = iota
	// KeepLast replaces the stored copy with the incoming one.
	KeepLast
)

// Options configures merging.
type Options struct {
	MaxEvents       int
	MaxPhaseHistory int
	Duplicates      DuplicatePolicy
	Now             func() time.Time
}

// DefaultOptions returns the in-memory limits.
func DefaultOptions() Options {
	return Options{
		MaxEvents:       model.DefaultMaxEvents,
		MaxPhaseHistory: model.DefaultMaxPhaseHistory,
		Duplicates:      KeepFirst,
		Now:             time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxEvents <= 0 {
		o.MaxEvents = d.MaxEvents
	}
	if o.MaxPhaseHistory <= 0 {
		o.MaxPhaseHistory = d.MaxPhaseHistory
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Snapshots merges incoming into base and returns a new snapshot. Neither
// input is modified.
//
// The merge is right-biased: on conflicting suspicion cells or analytics
// fields the incoming value wins. Event membership does not depend on
// argument order. The result keeps base's room code.
func Snapshots(base, incoming model.Snapshot, opts Options) model.Snapshot {
	opts = opts.withDefaults()

	out := model.Snapshot{
		RoomCode:      base.RoomCode,
		Events:        mergeEvents(base.Events, incoming.Events, opts),
		Suspicion:     mergeSuspicion(base.Suspicion, incoming.Suspicion),
		Analytics:     mergeAnalytics(base.Analytics, incoming.Analytics),
		PhaseHistory:  mergePhases(base.PhaseHistory, incoming.PhaseHistory, opts.MaxPhaseHistory),
		LastUpdatedAt: opts.Now().UTC(),
	}
	if out.RoomCode == "" {
		out.RoomCode = incoming.RoomCode
	}
	return out
}

// AppendEvent adds e to s. A duplicate is dropped silently under KeepFirst:
// s comes back unchanged and the bool is false.
func AppendEvent(s model.Snapshot, e model.Event, opts Options) (model.Snapshot, bool) {
	if opts.Duplicates == KeepFirst && s.HasEvent(e) {
		return s, false
	}
	merged := Snapshots(s, model.Snapshot{RoomCode: s.RoomCode, Events: []model.Event{e}}, opts)
	return merged, merged.HasEvent(e)
}

// Trim returns s with only its newest max events. It expects s.Events to be
// sorted already.
func Trim(s model.Snapshot, max int) model.Snapshot {
	if max <= 0 || len(s.Events) <= max {
		return s
	}
	s.Events = s.Events[len(s.Events)-max:]
	return s
}

func mergeEvents(base, incoming []model.Event, opts Options) []model.Event {
	seen := make(map[model.EventKey]int, len(base)+len(incoming))
	events := make([]model.Event, 0, len(base)+len(incoming))
	for _, e := range base {
		k := e.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = len(events)
		events = append(events, e.Clone())
	}
	for _, e := range incoming {
		k := e.Key()
		if i, ok := seen[k]; ok {
			if opts.Duplicates == KeepLast {
				events[i] = e.Clone()
			}
			continue
		}
		seen[k] = len(events)
		events = append(events, e.Clone())
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})

	if len(events) > opts.MaxEvents {
		events = events[len(events)-opts.MaxEvents:]
	}
	return events
}

func mergeSuspicion(base, incoming model.SuspicionMatrix) model.SuspicionMatrix {
	if base == nil && incoming == nil {
		return nil
	}
	out := base.Clone()
	if out == nil {
		out = make(model.SuspicionMatrix, len(incoming))
	}
	for observer, row := range incoming {
		dst, ok := out[observer]
		if !ok {
			dst = make(map[string]float64, len(row))
			out[observer] = dst
		}
		for subject, score := range row {
			// Non-finite scores cannot be JSON encoded.
			if math.IsNaN(score) || math.IsInf(score, 0) {
				continue
			}
			dst[subject] = min(max(score, 0), model.MaxScore)
		}
	}
	return out
}

func mergeAnalytics(base, incoming model.Analytics) model.Analytics {
	out := base.Clone()
	in := incoming.Clone()
	out.GameDurationSeconds = pick(out.GameDurationSeconds, in.GameDurationSeconds)
	out.TotalRounds = pick(out.TotalRounds, in.TotalRounds)
	out.TotalMessages = pick(out.TotalMessages, in.TotalMessages)
	out.TotalVotes = pick(out.TotalVotes, in.TotalVotes)
	out.TotalActions = pick(out.TotalActions, in.TotalActions)
	out.PhaseActionCounts = mergeCounts(out.PhaseActionCounts, in.PhaseActionCounts)
	out.RoleCounts = mergeCounts(out.RoleCounts, in.RoleCounts)
	return out
}

func pick[T any](base, incoming *T) *T {
	if incoming != nil {
		return incoming
	}
	return base
}

func mergeCounts(base, incoming map[string]int) map[string]int {
	if len(incoming) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]int, len(incoming))
	}
	for k, v := range incoming {
		base[k] = v
	}
	return base
}

// Phase records are deduplicated too, otherwise merging a snapshot with
// itself would double its history.
func mergePhases(base, incoming []model.PhaseRecord, max int) []model.PhaseRecord {
	if len(base) == 0 && len(incoming) == 0 {
		return nil
	}
	seen := make(map[model.PhaseKey]bool, len(base)+len(incoming))
	out := make([]model.PhaseRecord, 0, len(base)+len(incoming))
	for _, list := range [][]model.PhaseRecord{base, incoming} {
		for _, p := range list {
			k := p.Key()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, p.Clone())
		}
	}
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}
