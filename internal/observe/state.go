// Package observe exposes the engine's state to read-only observers.
package observe

import (
	"sync"
	"time"

	"github.com/unipass/backend/internal/domain"
)

// State is everything an observer can see. Observers never mutate it; all
// changes flow through the service operations.
type State struct {
	Identity           string                    `json:"identity"`
	OnboardingComplete bool                      `json:"onboardingComplete"`
	Profile            *domain.Profile           `json:"profile,omitempty"`
	FirstDegree        []domain.Profile          `json:"firstDegree"`
	SecondDegree       []domain.Profile          `json:"secondDegree"`
	CurrentMeetup      *domain.Meetup            `json:"currentMeetup,omitempty"`
	Meetups            []domain.Meetup           `json:"meetups"`
	Interactions       []domain.InteractionEntry `json:"interactions"`
	Nearby             []string                  `json:"nearby"`
	NearbyProfiles     []domain.Profile          `json:"nearbyProfiles"`
	PendingPeers       []string                  `json:"pendingPeers"`
	RefreshNeeded      bool                      `json:"refreshNeeded"`
	Revision           uint64                    `json:"revision"`
	UpdatedAt          time.Time                 `json:"updatedAt"`
}

func (s State) clone() State {
	out := s
	if s.Profile != nil {
		p := s.Profile.Clone()
		out.Profile = &p
	}
	if s.CurrentMeetup != nil {
		m := *s.CurrentMeetup
		m.Participants = append([]string(nil), s.CurrentMeetup.Participants...)
		out.CurrentMeetup = &m
	}
	out.FirstDegree = append([]domain.Profile(nil), s.FirstDegree...)
	out.SecondDegree = append([]domain.Profile(nil), s.SecondDegree...)
	out.Meetups = append([]domain.Meetup(nil), s.Meetups...)
	out.Interactions = append([]domain.InteractionEntry(nil), s.Interactions...)
	out.Nearby = append([]string(nil), s.Nearby...)
	out.NearbyProfiles = append([]domain.Profile(nil), s.NearbyProfiles...)
	out.PendingPeers = append([]string(nil), s.PendingPeers...)
	return out
}

// Store holds the current State and fans changes out to subscribers.
// Delivery is latest-wins: a slow subscriber skips intermediate states but
// always ends up with the newest one.
type Store struct {
	mu     sync.Mutex
	state  State
	subs   map[int]chan State
	nextID int
	nowFn  func() time.Time
}

// NewStore returns a Store seeded with initial.
func NewStore(initial State) *Store {
	return &Store{
		state: initial.clone(),
		subs:  make(map[int]chan State),
		nowFn: time.Now,
	}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies fn to the state and notifies subscribers.
func (s *Store) Update(fn func(*State)) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	fn(&next)
	next.Revision = s.state.Revision + 1
	next.UpdatedAt = s.nowFn().UTC()
	s.state = next

	for _, ch := range s.subs {
		deliver(ch, next.clone())
	}
	return next.clone()
}

// Subscribe returns a channel receiving the current state immediately and
// every later state. cancel closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan State, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.state.clone()
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func deliver(ch chan State, st State) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}
