package domain

import "time"

// Interaction is one append-only row in the "who you've met" log.
type Interaction struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Peer      string    `json:"peer"`
	Timestamp time.Time `json:"timestamp"`
}

// InteractionEntry joins an interaction with the peer's profile and its
// current degree relative to the owner.
type InteractionEntry struct {
	Interaction Interaction `json:"interaction"`
	Peer        *Profile    `json:"peer,omitempty"`
	Degree      string      `json:"degree"`
}
