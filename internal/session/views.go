package session

import (
	"sort"
	"time"

	"github.com/rcliao/observer-state/internal/model"
)

// Filter narrows Latest. Zero fields match everything.
type Filter struct {
	Kind      model.EventKind
	Phase     string
	SubjectID string
}

func (f Filter) match(e model.Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	return true
}

// Latest returns up to n matching events, newest first. n <= 0 returns all.
func (s *Session) Latest(n int, f Filter) []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []model.Event{}
	for i := len(s.snap.Events) - 1; i >= 0; i-- {
		if n > 0 && len(out) == n {
			break
		}
		if e := s.snap.Events[i]; f.match(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// SuspicionLevel is the mean score given to subjectID across every observer
// that scored it, or NeutralSuspicion when nobody has.
func (s *Session) SuspicionLevel(subjectID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return suspicionOf(s.snap.Suspicion, subjectID)
}

// TrustLevel is the complement of SuspicionLevel on the 0-10 scale.
func (s *Session) TrustLevel(subjectID string) float64 {
	return model.MaxScore - s.SuspicionLevel(subjectID)
}

func suspicionOf(m model.SuspicionMatrix, subjectID string) float64 {
	var sum float64
	var n int
	for _, row := range m {
		if score, ok := row[subjectID]; ok {
			sum += score
			n++
		}
	}
	if n == 0 {
		return model.NeutralSuspicion
	}
	return sum / float64(n)
}

// CountsByKind counts held events per kind, unknown kinds included.
func (s *Session) CountsByKind() map[model.EventKind]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[model.EventKind]int)
	for _, e := range s.snap.Events {
		counts[e.Kind]++
	}
	return counts
}

// Stats summarizes the held snapshot.
type Stats struct {
	RoomCode      string                  `json:"roomCode"`
	ObserverMode  bool                    `json:"observerMode"`
	TotalEvents   int                     `json:"totalEvents"`
	ByKind        map[model.EventKind]int `json:"byKind"`
	Subjects      []string                `json:"subjects"`
	Phases        []string                `json:"phases"`
	FirstEventAt  *time.Time              `json:"firstEventAt,omitempty"`
	LastEventAt   *time.Time              `json:"lastEventAt,omitempty"`
	LastUpdatedAt time.Time               `json:"lastUpdatedAt"`
}

func (s *Session) Stats() Stats {
	counts := s.CountsByKind()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		RoomCode:      s.room,
		ObserverMode:  s.observing,
		TotalEvents:   len(s.snap.Events),
		ByKind:        counts,
		Subjects:      []string{},
		Phases:        []string{},
		LastUpdatedAt: s.snap.LastUpdatedAt,
	}
	subjects := make(map[string]bool)
	phases := make(map[string]bool)
	for _, e := range s.snap.Events {
		if e.SubjectID != "" && !subjects[e.SubjectID] {
			subjects[e.SubjectID] = true
			st.Subjects = append(st.Subjects, e.SubjectID)
		}
		if e.Phase != "" && !phases[e.Phase] {
			phases[e.Phase] = true
			st.Phases = append(st.Phases, e.Phase)
		}
	}
	sort.Strings(st.Subjects)
	if n := len(s.snap.Events); n > 0 {
		first, last := s.snap.Events[0].OccurredAt, s.snap.Events[n-1].OccurredAt
		st.FirstEventAt, st.LastEventAt = &first, &last
	}
	return st
}

// Snapshot returns a copy of the held snapshot.
func (s *Session) Snapshot() model.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

func (s *Session) Analytics() model.Analytics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Analytics.Clone()
}

func (s *Session) PhaseHistory() []model.PhaseRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PhaseRecord, len(s.snap.PhaseHistory))
	for i, p := range s.snap.PhaseHistory {
		out[i] = p.Clone()
	}
	return out
}

// RoomCode returns the active room, or "" when none.
func (s *Session) RoomCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}
