package generator

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/unipass/backend/internal/service"
)

// Generator produces synthetic students, friendships and meetups in the
// seed format read by the ingest tool.
type Generator struct {
	cfg       Config
	rand      *rand.Rand
	fragments fragments
}

// New returns a configured Generator instance.
func New(cfg Config) *Generator {
	def := DefaultConfig()
	if cfg.NumProfiles <= 0 {
		cfg.NumProfiles = def.NumProfiles
	}
	if cfg.FriendChance < 0 {
		cfg.FriendChance = 0
	}
	if cfg.NumMeetups < 0 {
		cfg.NumMeetups = 0
	}
	if cfg.MaxParticipants <= 0 {
		cfg.MaxParticipants = def.MaxParticipants
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}

	return &Generator{
		cfg:       cfg,
		rand:      rand.New(rand.NewSource(cfg.Seed)),
		fragments: defaultFragments(),
	}
}

// Generate synthesises a dataset. It respects context cancellation.
// Friendships are symmetric and every student is in at most one meetup.
func (g *Generator) Generate(ctx context.Context) (service.Dataset, error) {
	profiles := make([]service.ProfileSeed, g.cfg.NumProfiles)
	for i := range profiles {
		if err := ctx.Err(); err != nil {
			return service.Dataset{}, err
		}
		id, err := g.identity()
		if err != nil {
			return service.Dataset{}, err
		}
		profiles[i] = g.profile(id)
	}

	friends := make([]map[int]struct{}, len(profiles))
	for i := range friends {
		friends[i] = make(map[int]struct{})
	}
	for i := 0; i < len(profiles); i++ {
		if err := ctx.Err(); err != nil {
			return service.Dataset{}, err
		}
		for j := i + 1; j < len(profiles); j++ {
			if g.rand.Float64() < g.cfg.FriendChance {
				friends[i][j] = struct{}{}
				friends[j][i] = struct{}{}
			}
		}
	}
	for i := range profiles {
		idx := make([]int, 0, len(friends[i]))
		for j := range friends[i] {
			idx = append(idx, j)
		}
		sort.Ints(idx)
		profiles[i].Friends = make([]string, 0, len(idx))
		for _, j := range idx {
			profiles[i].Friends = append(profiles[i].Friends, profiles[j].Identity)
		}
	}

	meetups, err := g.meetups(ctx, profiles)
	if err != nil {
		return service.Dataset{}, err
	}
	return service.Dataset{Profiles: profiles, Meetups: meetups}, nil
}

func (g *Generator) identity() (string, error) {
	id, err := uuid.NewRandomFromReader(g.rand)
	if err != nil {
		return "", fmt.Errorf("generate identity: %w", err)
	}
	return strings.ToUpper(id.String()), nil
}

func (g *Generator) profile(id string) service.ProfileSeed {
	first := g.pick(g.fragments.first)
	last := g.pick(g.fragments.last)
	field := g.pick(g.fragments.fields)
	return service.ProfileSeed{
		Identity:     id,
		Name:         first + " " + last,
		FieldOfStudy: field,
		Year:         g.pick(service.YearOptions),
		Bio:          fmt.Sprintf("%s student who is into %s.", field, g.pick(g.fragments.interests)),
		Hometown:     g.pick(g.fragments.hometowns),
		Tags:         g.tags(),
	}
}

func (g *Generator) tags() []string {
	n := 1 + g.rand.Intn(4)
	perm := g.rand.Perm(len(g.fragments.interests))
	out := make([]string, 0, n)
	for _, i := range perm[:n] {
		out = append(out, g.fragments.interests[i])
	}
	return out
}

func (g *Generator) meetups(ctx context.Context, profiles []service.ProfileSeed) ([]service.MeetupSeed, error) {
	free := g.rand.Perm(len(profiles))
	out := make([]service.MeetupSeed, 0, g.cfg.NumMeetups)
	for i := 0; i < g.cfg.NumMeetups && len(free) > 0; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := 1 + g.rand.Intn(g.cfg.MaxParticipants)
		if n > len(free) {
			n = len(free)
		}
		participants := make([]string, 0, n)
		for _, idx := range free[:n] {
			participants = append(participants, profiles[idx].Identity)
		}
		free = free[n:]

		offset := time.Duration(g.rand.Int63n(int64(g.cfg.Horizon)))
		activity := g.pick(g.fragments.activities)
		out = append(out, service.MeetupSeed{
			ID:            fmt.Sprintf("seed-meetup-%04d", i+1),
			Title:         activity,
			Description:   fmt.Sprintf("%s, all welcome.", activity),
			Location:      g.pick(g.fragments.locations),
			ScheduledTime: g.cfg.Now.Add(offset).Truncate(15 * time.Minute).UTC(),
			Participants:  participants,
		})
	}
	return out, nil
}

func (g *Generator) pick(options []string) string {
	return options[g.rand.Intn(len(options))]
}

type fragments struct {
	first      []string
	last       []string
	fields     []string
	interests  []string
	hometowns  []string
	activities []string
	locations  []string
}

func defaultFragments() fragments {
	return fragments{
		first:      []string{"Jane", "John", "Alex", "Priya", "Liu", "Maria", "Omar", "Sofia", "Noah", "Emma", "Lucas", "Mia", "Ava", "Ethan", "Zara"},
		last:       []string{"Doe", "Smith", "Chen", "Patel", "Garcia", "Khan", "Kim", "Ivanov", "Nguyen", "Silva", "Brown", "Lee"},
		fields:     []string{"Computer Science", "Biology", "Economics", "History", "Mathematics", "Physics", "Architecture", "Music", "Psychology"},
		interests:  []string{"climbing", "chess", "jazz", "film", "running", "cooking", "robotics", "poetry", "soccer", "photography", "gaming", "hiking"},
		hometowns:  []string{"San Francisco", "New York", "Seattle", "Austin", "Chicago", "Miami", "Denver", "Boston", "Los Angeles"},
		activities: []string{"Study group", "Pickup soccer", "Coffee chat", "Board games", "Open mic", "Library session", "Lunch"},
		locations:  []string{"Main Library", "Student Union", "Quad", "Rec Center", "Science Hall", "Dining Commons"},
	}
}
