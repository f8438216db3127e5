package domain

import "time"

// Meetup is a scheduled, location-tagged gathering.
type Meetup struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Location      string    `json:"location"`
	ScheduledTime time.Time `json:"scheduledTime"`
	Participants  []string  `json:"participants"`
	Version       int64     `json:"-"`
}

// HasParticipant reports whether id is a participant.
func (m Meetup) HasParticipant(id string) bool {
	id = NormalizeIdentity(id)
	for _, p := range m.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// AddParticipant appends id unless it is already present.
func (m *Meetup) AddParticipant(id string) bool {
	id = NormalizeIdentity(id)
	if id == "" || m.HasParticipant(id) {
		return false
	}
	m.Participants = append(m.Participants, id)
	return true
}

// RemoveParticipant drops id from the participant list.
func (m *Meetup) RemoveParticipant(id string) bool {
	id = NormalizeIdentity(id)
	out := m.Participants[:0:0]
	removed := false
	for _, p := range m.Participants {
		if p == id {
			removed = true
			continue
		}
		out = append(out, p)
	}
	m.Participants = out
	return removed
}

// SoleParticipant reports whether id is the only participant left.
func (m Meetup) SoleParticipant(id string) bool {
	return len(m.Participants) == 1 && m.HasParticipant(id)
}
