package generator

import "time"

// Config drives the synthetic campus generator.
type Config struct {
	NumProfiles int
	// FriendChance is the probability that any two students are already friends.
	FriendChance float64
	NumMeetups   int
	// MaxParticipants caps the initial participants of a generated meetup.
	MaxParticipants int
	// Horizon bounds how far ahead meetups are scheduled.
	Horizon time.Duration
	Seed    int64
	// Now anchors scheduled times; zero means time.Now.
	Now time.Time
}

// DefaultConfig returns a small campus suitable for local development.
func DefaultConfig() Config {
	return Config{
		NumProfiles:     200,
		FriendChance:    0.03,
		NumMeetups:      25,
		MaxParticipants: 4,
		Horizon:         7 * 24 * time.Hour,
		Seed:            42,
	}
}
