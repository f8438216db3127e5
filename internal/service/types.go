package service

import (
	"time"

	"github.com/unipass/backend/internal/domain"
)

// ProfileInput is the inbound payload for profile edits and onboarding.
type ProfileInput struct {
	Name         string   `json:"name"`
	FieldOfStudy string   `json:"fieldOfStudy"`
	Year         string   `json:"year"`
	Bio          string   `json:"bio"`
	Hometown     string   `json:"hometown"`
	Tags         []string `json:"tags"`
	// Photo holds raw image bytes; nil keeps the current photo.
	Photo []byte `json:"photo,omitempty"`
}

// ProfileSeed is a profile loaded from a dataset file.
type ProfileSeed struct {
	Identity     string   `yaml:"identity" json:"identity"`
	Name         string   `yaml:"name" json:"name"`
	FieldOfStudy string   `yaml:"fieldOfStudy" json:"fieldOfStudy"`
	Year         string   `yaml:"year" json:"year"`
	Bio          string   `yaml:"bio" json:"bio"`
	Hometown     string   `yaml:"hometown" json:"hometown"`
	Tags         []string `yaml:"tags" json:"tags"`
	Friends      []string `yaml:"friends" json:"friends"`
}

// MeetupSeed is a meetup loaded from a dataset file.
type MeetupSeed struct {
	ID            string    `yaml:"id" json:"id"`
	Title         string    `yaml:"title" json:"title"`
	Description   string    `yaml:"description" json:"description"`
	Location      string    `yaml:"location" json:"location"`
	ScheduledTime time.Time `yaml:"scheduledTime" json:"scheduledTime"`
	Participants  []string  `yaml:"participants" json:"participants"`
}

// Dataset is the on-disk seed format shared by the generator and the ingest tool.
type Dataset struct {
	Profiles []ProfileSeed `yaml:"profiles" json:"profiles"`
	Meetups  []MeetupSeed  `yaml:"meetups" json:"meetups"`
}

// ToProfile converts the seed into a domain profile.
func (in ProfileSeed) ToProfile() domain.Profile {
	p := domain.NewProfile(in.Identity)
	p.DisplayName = sanitizeString(in.Name)
	if p.DisplayName == "" {
		p.DisplayName = domain.DefaultDisplayName
	}
	p.FieldOfStudy = sanitizeString(in.FieldOfStudy)
	p.YearLabel = sanitizeString(in.Year)
	p.Bio = sanitizeString(in.Bio)
	p.Hometown = sanitizeString(in.Hometown)
	p.Tags = normalizeTags(in.Tags)
	for _, f := range in.Friends {
		p.AddFriend(f)
	}
	return p
}

// ToMeetup converts the seed into a domain meetup.
func (in MeetupSeed) ToMeetup() domain.Meetup {
	m := domain.Meetup{
		ID:            in.ID,
		Title:         sanitizeString(in.Title),
		Description:   sanitizeString(in.Description),
		Location:      sanitizeString(in.Location),
		ScheduledTime: in.ScheduledTime.UTC(),
	}
	for _, p := range in.Participants {
		m.AddParticipant(p)
	}
	return m
}
