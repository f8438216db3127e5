package socialgraph

import (
	"time"

	"github.com/unipass/backend/internal/docstore"
	"github.com/unipass/backend/internal/domain"
)

// Record types in the document store.
const (
	TypeProfile     = "Profile"
	TypeMeetup      = "Meetup"
	TypeInteraction = "Interaction"
)

// Field names per record type. The lists double as query projections.
var (
	profileFields     = []string{"uuid", "name", "studying", "year", "tags", "bio", "hometown", "friends", "photo", "photoType"}
	meetupFields      = []string{"title", "description", "location", "date", "participants"}
	interactionFields = []string{"owner", "peer", "timestamp"}
	resolveFields     = []string{"uuid"}
)

func encodeProfile(p domain.Profile) docstore.Record {
	fields := map[string]any{
		"uuid":     p.Identity,
		"name":     p.DisplayName,
		"studying": p.FieldOfStudy,
		"year":     p.YearLabel,
		"tags":     nonNil(p.Tags),
		"bio":      p.Bio,
		"hometown": p.Hometown,
		"friends":  nonNil(p.Friends),
	}
	if p.Photo != nil {
		fields["photo"] = p.Photo.URL
		fields["photoType"] = p.Photo.ContentType
	}
	return docstore.Record{Type: TypeProfile, ID: p.Identity, Version: p.Version, Fields: fields}
}

func decodeProfile(rec docstore.Record) domain.Profile {
	p := domain.Profile{
		Identity:     rec.ID,
		DisplayName:  rec.String("name"),
		FieldOfStudy: rec.String("studying"),
		YearLabel:    rec.String("year"),
		Tags:         nonNil(rec.Strings("tags")),
		Bio:          rec.String("bio"),
		Hometown:     rec.String("hometown"),
		Friends:      nonNil(rec.Strings("friends")),
		Version:      rec.Version,
	}
	if url := rec.String("photo"); url != "" {
		p.Photo = &domain.AssetRef{URL: url, ContentType: rec.String("photoType")}
	}
	p.Normalize()
	return p
}

func encodeMeetup(m domain.Meetup) docstore.Record {
	return docstore.Record{
		Type:    TypeMeetup,
		ID:      m.ID,
		Version: m.Version,
		Fields: map[string]any{
			"title":        m.Title,
			"description":  m.Description,
			"location":     m.Location,
			"date":         docstore.FormatTime(m.ScheduledTime),
			"participants": nonNil(m.Participants),
		},
	}
}

func decodeMeetup(rec docstore.Record) domain.Meetup {
	return domain.Meetup{
		ID:            rec.ID,
		Title:         rec.String("title"),
		Description:   rec.String("description"),
		Location:      rec.String("location"),
		ScheduledTime: rec.Time("date"),
		Participants:  nonNil(rec.Strings("participants")),
		Version:       rec.Version,
	}
}

func encodeInteraction(i domain.Interaction) docstore.Record {
	return docstore.Record{
		Type: TypeInteraction,
		ID:   i.ID,
		Fields: map[string]any{
			"owner":     i.Owner,
			"peer":      i.Peer,
			"timestamp": docstore.FormatTime(i.Timestamp),
		},
	}
}

func decodeInteraction(rec docstore.Record) domain.Interaction {
	return domain.Interaction{
		ID:        rec.ID,
		Owner:     rec.String("owner"),
		Peer:      rec.String("peer"),
		Timestamp: rec.Time("timestamp"),
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func normalizeSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = domain.NormalizeIdentity(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func timeOrNow(t time.Time, now func() time.Time) time.Time {
	if t.IsZero() {
		return now()
	}
	return t
}
