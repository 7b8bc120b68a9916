// Package model defines the observer event and snapshot data types.
package model

import (
	"maps"
	"time"
)

const (
	DefaultMaxEvents          = 100
	DefaultPersistedMaxEvents = 50
	DefaultMaxPhaseHistory    = 20

	// NeutralSuspicion is reported for subjects nobody has scored yet.
	NeutralSuspicion = 5.0
	MaxScore         = 10.0
)

// EventKind categorizes an observer event. The set is open: kinds not listed
// in KnownKinds are stored as-is.
type EventKind string

const (
	KindRestrictedChannel   EventKind = "restricted-channel-message"
	KindPrivateReasoning    EventKind = "private-reasoning"
	KindPrivateAction       EventKind = "private-action"
	KindRoleInternalThought EventKind = "role-internal-thought"
	KindAIReasoning         EventKind = "ai_reasoning"
)

// KnownKinds are the event kinds the server is known to emit.
var KnownKinds = map[EventKind]bool{
	KindRestrictedChannel:   true,
	KindPrivateReasoning:    true,
	KindPrivateAction:       true,
	KindRoleInternalThought: true,
	KindAIReasoning:         true,
}

// SubjectKind tells human participants from automated ones.
type SubjectKind string

const (
	SubjectHuman     SubjectKind = "human"
	SubjectAutomated SubjectKind = "automated"
)

// Event is one privileged occurrence observed during a game round.
// Subject fields are a snapshot taken when the event happened.
type Event struct {
	Kind         EventKind      `json:"kind"`
	Content      string         `json:"content"`
	SubjectID    string         `json:"subjectId"`
	SubjectName  string         `json:"subjectName,omitempty"`
	SubjectKind  SubjectKind    `json:"subjectKind,omitempty"`
	SubjectModel string         `json:"subjectModel,omitempty"`
	SubjectRole  string         `json:"subjectRole,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
	Phase        string         `json:"phase,omitempty"`
	Round        *int           `json:"round,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// EventKey is the composite identity of an event. Two events with equal keys
// are the same event.
type EventKey struct {
	OccurredAt int64 // unix nanoseconds, UTC
	SubjectID  string
	Kind       EventKind
}

// Key returns the event's dedup key.
func (e Event) Key() EventKey {
	return EventKey{
		OccurredAt: e.OccurredAt.UnixNano(),
		SubjectID:  e.SubjectID,
		Kind:       e.Kind,
	}
}

// Before reports whether e happened strictly before other.
func (e Event) Before(other Event) bool {
	return e.OccurredAt.Before(other.OccurredAt)
}

// Clone returns a copy of e that shares no mutable state with it.
func (e Event) Clone() Event {
	c := e
	if e.Round != nil {
		r := *e.Round
		c.Round = &r
	}
	if e.Context != nil {
		c.Context = maps.Clone(e.Context)
	}
	return c
}

// PhaseRecord marks a phase transition.
type PhaseRecord struct {
	Phase           string    `json:"phase"`
	StartedAt       time.Time `json:"startedAt"`
	Round           int       `json:"round"`
	DurationSeconds *int64    `json:"durationSeconds,omitempty"`
	ActionCount     *int      `json:"actionCount,omitempty"`
}

// PhaseKey identifies a phase record for deduplication.
type PhaseKey struct {
	Phase     string
	StartedAt int64
	Round     int
}

func (p PhaseRecord) Key() PhaseKey {
	return PhaseKey{Phase: p.Phase, StartedAt: p.StartedAt.UnixNano(), Round: p.Round}
}

func (p PhaseRecord) Clone() PhaseRecord {
	p.DurationSeconds = clonePtr(p.DurationSeconds)
	p.ActionCount = clonePtr(p.ActionCount)
	return p
}

// Analytics holds derived counters. Nil scalars mean "not reported" so a
// partial update leaves the rest untouched on merge.
type Analytics struct {
	GameDurationSeconds *int64         `json:"gameDurationSeconds,omitempty"`
	TotalRounds         *int           `json:"totalRounds,omitempty"`
	TotalMessages       *int           `json:"totalMessages,omitempty"`
	TotalVotes          *int           `json:"totalVotes,omitempty"`
	TotalActions        *int           `json:"totalActions,omitempty"`
	PhaseActionCounts   map[string]int `json:"phaseActionCounts,omitempty"`
	RoleCounts          map[string]int `json:"roleCounts,omitempty"`
}

// Clone returns a deep copy of a.
func (a Analytics) Clone() Analytics {
	return Analytics{
		GameDurationSeconds: clonePtr(a.GameDurationSeconds),
		TotalRounds:         clonePtr(a.TotalRounds),
		TotalMessages:       clonePtr(a.TotalMessages),
		TotalVotes:          clonePtr(a.TotalVotes),
		TotalActions:        clonePtr(a.TotalActions),
		PhaseActionCounts:   maps.Clone(a.PhaseActionCounts),
		RoleCounts:          maps.Clone(a.RoleCounts),
	}
}

// SuspicionMatrix maps observer id -> subject id -> score (0-10).
type SuspicionMatrix map[string]map[string]float64

// Clone returns a deep copy of m.
func (m SuspicionMatrix) Clone() SuspicionMatrix {
	if m == nil {
		return nil
	}
	out := make(SuspicionMatrix, len(m))
	for observer, row := range m {
		out[observer] = maps.Clone(row)
	}
	return out
}

// Snapshot is the complete observer state for one game room.
type Snapshot struct {
	RoomCode      string          `json:"roomCode"`
	Events        []Event         `json:"events"`
	Suspicion     SuspicionMatrix `json:"suspicionMatrix,omitempty"`
	Analytics     Analytics       `json:"analytics"`
	PhaseHistory  []PhaseRecord   `json:"phaseHistory,omitempty"`
	LastUpdatedAt time.Time       `json:"lastUpdatedAt"`
}

// NewSnapshot returns an empty snapshot for room.
func NewSnapshot(room string, now time.Time) Snapshot {
	return Snapshot{
		RoomCode:      room,
		Events:        []Event{},
		LastUpdatedAt: now.UTC(),
	}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	c := Snapshot{
		RoomCode:      s.RoomCode,
		Suspicion:     s.Suspicion.Clone(),
		Analytics:     s.Analytics.Clone(),
		LastUpdatedAt: s.LastUpdatedAt,
	}
	if s.Events != nil {
		c.Events = make([]Event, len(s.Events))
		for i, e := range s.Events {
			c.Events[i] = e.Clone()
		}
	}
	if s.PhaseHistory != nil {
		c.PhaseHistory = make([]PhaseRecord, len(s.PhaseHistory))
		for i, p := range s.PhaseHistory {
			c.PhaseHistory[i] = p.Clone()
		}
	}
	return c
}

// Keys returns the set of event keys present in s.
func (s Snapshot) Keys() map[EventKey]struct{} {
	keys := make(map[EventKey]struct{}, len(s.Events))
	for _, e := range s.Events {
		keys[e.Key()] = struct{}{}
	}
	return keys
}

// HasEvent reports whether an event with e's key is already present.
func (s Snapshot) HasEvent(e Event) bool {
	k := e.Key()
	for _, existing := range s.Events {
		if existing.Key() == k {
			return true
		}
	}
	return false
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
