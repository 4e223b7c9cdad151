package session

import (
	"sync"
	"time"
)

// Outcome is how a round ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeErrored       Outcome = "errored"
	OutcomeLicenseFailed Outcome = "license_failed"
)

// RoundSummary records one finished round.
type RoundSummary struct {
	ID        string        `json:"id"`
	Mode      Mode          `json:"mode"`
	Outcome   Outcome       `json:"outcome"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   time.Time     `json:"endedAt"`
	Duration  time.Duration `json:"duration"`
	Progress  int           `json:"progress"`
	Error     string        `json:"error,omitempty"`
	Outputs   []string      `json:"outputs,omitempty"`
}

func (r *RoundSummary) Clone() *RoundSummary {
	c := *r
	if len(r.Outputs) > 0 {
		c.Outputs = append([]string(nil), r.Outputs...)
	}
	return &c
}

// Store keeps a bounded history of finished rounds, oldest dropped first.
type Store struct {
	mu     sync.RWMutex
	rounds []*RoundSummary
	limit  int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 50
	}
	return &Store{limit: limit}
}

func (s *Store) Add(r *RoundSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds = append(s.rounds, r.Clone())
	if over := len(s.rounds) - s.limit; over > 0 {
		s.rounds = append(s.rounds[:0:0], s.rounds[over:]...)
	}
}

func (s *Store) Get(id string) (*RoundSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rounds {
		if r.ID == id {
			return r.Clone(), true
		}
	}
	return nil, false
}

// GetAll returns copies of every stored round, newest first.
func (s *Store) GetAll() []*RoundSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*RoundSummary, 0, len(s.rounds))
	for i := len(s.rounds) - 1; i >= 0; i-- {
		result = append(result, s.rounds[i].Clone())
	}
	return result
}

// Last returns the most recent round.
func (s *Store) Last() (*RoundSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.rounds) == 0 {
		return nil, false
	}
	return s.rounds[len(s.rounds)-1].Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rounds)
}
