// Package meetup keeps each identity in at most one meetup at a time.
//
// Every change is a fetch-then-save pair against the shared store. A save
// that loses a version race is retried once against a fresh copy; beyond that
// two devices racing on the same meetup resolve as last-write-wins.
package meetup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/logging"
)

// Store is the subset of the social graph client the coordinator uses.
type Store interface {
	FetchMeetup(ctx context.Context, id string) (*domain.Meetup, error)
	FetchMeetupsInvolving(ctx context.Context, identities []string) ([]domain.Meetup, error)
	CreateMeetup(ctx context.Context, m domain.Meetup) (domain.Meetup, error)
	SaveMeetup(ctx context.Context, m domain.Meetup) (domain.Meetup, error)
	DeleteMeetup(ctx context.Context, id string) error
}

// Status is the outcome of a join or create.
type Status string

const (
	StatusJoined               Status = "joined"
	StatusAlreadyMember        Status = "already_member"
	StatusConfirmationRequired Status = "confirmation_required"
)

// JoinResult describes what a join or create did. When confirmation is
// required nothing was written and Blocking lists the meetups that would be
// deleted.
type JoinResult struct {
	Status   Status          `json:"status"`
	Meetup   *domain.Meetup  `json:"meetup,omitempty"`
	Left     []string        `json:"left,omitempty"`
	Deleted  []string        `json:"deleted,omitempty"`
	Blocking []domain.Meetup `json:"blocking,omitempty"`
}

// LeaveResult describes a leave.
type LeaveResult struct {
	Meetup  *domain.Meetup `json:"meetup,omitempty"`
	Deleted bool           `json:"deleted"`
}

// Draft holds user input for a new meetup.
type Draft struct {
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Location      string    `json:"location"`
	ScheduledTime time.Time `json:"scheduledTime"`
}

// Coordinator acts on behalf of one identity.
type Coordinator struct {
	store  Store
	self   string
	nowFn  func() time.Time
	logger *slog.Logger
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source used to reject past-dated meetups.
func WithClock(fn func() time.Time) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.nowFn = fn
		}
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logging.OrDiscard(l).With("component", "meetup")
	}
}

// New returns a coordinator for self.
func New(store Store, self string, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		self:   domain.NormalizeIdentity(self),
		nowFn:  time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join adds self to meetup id, leaving any other meetup first. Leaving a
// meetup in which self is the sole participant deletes it, so without force
// that case returns StatusConfirmationRequired and writes nothing.
func (c *Coordinator) Join(ctx context.Context, id string, force bool) (JoinResult, error) {
	target, err := c.store.FetchMeetup(ctx, id)
	if err != nil {
		return JoinResult{}, err
	}
	if target == nil {
		return JoinResult{}, fmt.Errorf("join meetup %s: %w", id, domain.ErrNotFound)
	}

	others, err := c.otherMemberships(ctx, target.ID)
	if err != nil {
		return JoinResult{}, err
	}
	if target.HasParticipant(c.self) && len(others) == 0 {
		return JoinResult{Status: StatusAlreadyMember, Meetup: target}, nil
	}
	if blocking := c.blocking(others); len(blocking) > 0 && !force {
		return JoinResult{Status: StatusConfirmationRequired, Meetup: target, Blocking: blocking}, nil
	}

	res := JoinResult{Status: StatusJoined}
	if err := c.leaveAll(ctx, others, &res); err != nil {
		return res, err
	}

	joined, _, err := c.mutate(ctx, target.ID, func(m *domain.Meetup) bool {
		return m.AddParticipant(c.self)
	})
	if err != nil {
		return res, err
	}
	if joined == nil {
		return res, fmt.Errorf("join meetup %s: %w", id, domain.ErrNotFound)
	}
	res.Meetup = joined
	c.logger.Info("joined meetup", "meetup", joined.ID, "left", len(res.Left), "deleted", len(res.Deleted))
	return res, nil
}

// Leave removes self from meetup id, deleting the meetup when it becomes empty.
func (c *Coordinator) Leave(ctx context.Context, id string) (LeaveResult, error) {
	m, deleted, err := c.mutate(ctx, id, func(m *domain.Meetup) bool {
		return m.RemoveParticipant(c.self)
	})
	if err != nil {
		return LeaveResult{}, err
	}
	if m == nil && !deleted {
		return LeaveResult{}, fmt.Errorf("leave meetup %s: %w", id, domain.ErrNotFound)
	}
	if deleted {
		c.logger.Info("left meetup and deleted it", "meetup", id)
	}
	return LeaveResult{Meetup: m, Deleted: deleted}, nil
}

// Create validates the draft and stores a meetup with self as its only
// participant, after leaving any current meetup under the same confirmation
// rule as Join.
func (c *Coordinator) Create(ctx context.Context, d Draft, force bool) (JoinResult, error) {
	if err := c.validate(d); err != nil {
		return JoinResult{}, err
	}

	others, err := c.otherMemberships(ctx, "")
	if err != nil {
		return JoinResult{}, err
	}
	if blocking := c.blocking(others); len(blocking) > 0 && !force {
		return JoinResult{Status: StatusConfirmationRequired, Blocking: blocking}, nil
	}

	res := JoinResult{Status: StatusJoined}
	if err := c.leaveAll(ctx, others, &res); err != nil {
		return res, err
	}

	created, err := c.store.CreateMeetup(ctx, domain.Meetup{
		Title:         strings.TrimSpace(d.Title),
		Description:   strings.TrimSpace(d.Description),
		Location:      strings.TrimSpace(d.Location),
		ScheduledTime: d.ScheduledTime.UTC(),
		Participants:  []string{c.self},
	})
	if err != nil {
		return res, err
	}
	res.Meetup = &created
	c.logger.Info("created meetup", "meetup", created.ID, "title", created.Title)
	return res, nil
}

// Current returns the meetup self belongs to, or nil.
func (c *Coordinator) Current(ctx context.Context) (*domain.Meetup, error) {
	ms, err := c.store.FetchMeetupsInvolving(ctx, []string{c.self})
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, nil
	}
	SortByTime(ms)
	return &ms[0], nil
}

// Relevant returns the meetups involving self or any of identities, soonest first.
func (c *Coordinator) Relevant(ctx context.Context, identities []string) ([]domain.Meetup, error) {
	ids := append([]string{c.self}, identities...)
	ms, err := c.store.FetchMeetupsInvolving(ctx, ids)
	if err != nil {
		return nil, err
	}
	SortByTime(ms)
	return ms, nil
}

// SortByTime orders meetups by scheduled time, then id.
func SortByTime(ms []domain.Meetup) {
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].ScheduledTime.Equal(ms[j].ScheduledTime) {
			return ms[i].ScheduledTime.Before(ms[j].ScheduledTime)
		}
		return ms[i].ID < ms[j].ID
	})
}

func (c *Coordinator) validate(d Draft) error {
	if strings.TrimSpace(d.Title) == "" {
		return domain.NewValidationError("title", "must not be empty")
	}
	if strings.TrimSpace(d.Location) == "" {
		return domain.NewValidationError("location", "must not be empty")
	}
	if d.ScheduledTime.IsZero() {
		return domain.NewValidationError("scheduledTime", "is required")
	}
	if d.ScheduledTime.Before(c.nowFn()) {
		return domain.NewValidationError("scheduledTime", "must not be in the past")
	}
	return nil
}

func (c *Coordinator) otherMemberships(ctx context.Context, exceptID string) ([]domain.Meetup, error) {
	ms, err := c.store.FetchMeetupsInvolving(ctx, []string{c.self})
	if err != nil {
		return nil, err
	}
	out := ms[:0]
	for _, m := range ms {
		if m.ID != exceptID && m.HasParticipant(c.self) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Coordinator) blocking(others []domain.Meetup) []domain.Meetup {
	var out []domain.Meetup
	for _, m := range others {
		if m.SoleParticipant(c.self) {
			out = append(out, m)
		}
	}
	return out
}

func (c *Coordinator) leaveAll(ctx context.Context, others []domain.Meetup, res *JoinResult) error {
	for _, m := range others {
		_, deleted, err := c.mutate(ctx, m.ID, func(m *domain.Meetup) bool {
			return m.RemoveParticipant(c.self)
		})
		if err != nil {
			return fmt.Errorf("leave meetup %s: %w", m.ID, err)
		}
		res.Left = append(res.Left, m.ID)
		if deleted {
			res.Deleted = append(res.Deleted, m.ID)
		}
	}
	return nil
}

// mutate applies fn to a fresh copy of meetup id and writes the result,
// deleting the meetup when no participants remain. A vanished meetup yields
// (nil, false, nil). A version conflict is retried once.
func (c *Coordinator) mutate(ctx context.Context, id string, fn func(*domain.Meetup) bool) (*domain.Meetup, bool, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		m, err := c.store.FetchMeetup(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if m == nil {
			return nil, false, nil
		}
		if !fn(m) {
			return m, false, nil
		}
		if len(m.Participants) == 0 {
			if err := c.store.DeleteMeetup(ctx, id); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		}
		saved, err := c.store.SaveMeetup(ctx, *m)
		if err == nil {
			return &saved, false, nil
		}
		lastErr = err
		if !errors.Is(err, domain.ErrConflict) {
			return nil, false, err
		}
		c.logger.Debug("meetup write conflict, re-fetching", "meetup", id)
	}
	return nil, false, lastErr
}
