// Package socialgraph is the typed client for profiles, meetups and the
// interaction log held in the remote document store.
package socialgraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/unipass/backend/internal/docstore"
	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/logging"
	"github.com/unipass/backend/internal/retry"
)

// resolveLimit bounds prefix lookups; two results are enough to notice a collision.
const resolveLimit = 2

// Mutation edits a profile in place and reports whether anything changed.
// Returning false skips the save.
type Mutation func(p *domain.Profile) (bool, error)

// Client is safe for concurrent use. Every method blocks until the store
// answers; retries are explicit through AwaitProfile and Retry.
type Client struct {
	store  docstore.Store
	policy retry.Policy
	logger *slog.Logger
	newID  func() string
	nowFn  func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logging.OrDiscard(l).With("component", "socialgraph")
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithClock overrides the time source used for default timestamps.
func WithClock(fn func() time.Time) Option {
	return func(c *Client) {
		if fn != nil {
			c.nowFn = fn
		}
	}
}

// New builds a client over store using policy for every retried operation.
func New(store docstore.Store, policy retry.Policy, opts ...Option) *Client {
	c := &Client{
		store:  store,
		policy: policy,
		logger: logging.Discard(),
		newID:  func() string { return uuid.NewString() },
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Policy returns the shared backoff policy.
func (c *Client) Policy() retry.Policy {
	return c.policy
}

// Retry runs op under the shared backoff policy.
func (c *Client) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	return c.policy.Do(ctx, op)
}

// FetchProfile returns nil without error when the profile is absent or not
// yet visible.
func (c *Client) FetchProfile(ctx context.Context, identity string) (*domain.Profile, error) {
	identity = domain.NormalizeIdentity(identity)
	recs, err := c.store.Query(ctx, docstore.Query{
		Type:   TypeProfile,
		Filter: docstore.Equals{Field: docstore.IDField, Value: identity},
		Fields: profileFields,
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", identity, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	p := decodeProfile(recs[0])
	return &p, nil
}

// FetchProfiles batch-loads profiles. Missing identities are simply absent.
// An empty input issues no query.
func (c *Client) FetchProfiles(ctx context.Context, identities []string) ([]domain.Profile, error) {
	ids := normalizeSet(identities)
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := c.store.Query(ctx, docstore.Query{
		Type:   TypeProfile,
		Filter: docstore.In{Field: docstore.IDField, Values: ids},
		Fields: profileFields,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %d profiles: %w", len(ids), err)
	}
	out := make([]domain.Profile, 0, len(recs))
	for _, rec := range recs {
		out = append(out, decodeProfile(rec))
	}
	return out, nil
}

// ResolvePrefix maps a truncated identity to a full one. The lowest matching
// identity wins when several share the prefix.
func (c *Client) ResolvePrefix(ctx context.Context, prefix string) (string, error) {
	prefix = domain.NormalizeIdentity(prefix)
	recs, err := c.store.Query(ctx, docstore.Query{
		Type:   TypeProfile,
		Filter: docstore.HasPrefix{Field: docstore.IDField, Prefix: prefix},
		Fields: resolveFields,
		Limit:  resolveLimit,
	})
	if err != nil {
		return "", fmt.Errorf("resolve prefix %s: %w", prefix, err)
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("resolve prefix %s: %w", prefix, domain.ErrNotFound)
	}
	if len(recs) > 1 {
		c.logger.Warn("identity prefix is ambiguous, using first match",
			"prefix", prefix, "chosen", recs[0].ID, "other", recs[1].ID)
	}
	return recs[0].ID, nil
}

// CreateProfile inserts the placeholder profile. It fails with
// domain.ErrConflict when one exists; callers treat that as already created.
func (c *Client) CreateProfile(ctx context.Context, identity string) (domain.Profile, error) {
	p := domain.NewProfile(identity)
	if !domain.ValidIdentity(p.Identity) {
		return domain.Profile{}, domain.NewValidationError("identity", "malformed identity")
	}
	rec, err := c.store.Create(ctx, encodeProfile(p))
	if err != nil {
		return domain.Profile{}, fmt.Errorf("create profile %s: %w", p.Identity, err)
	}
	return decodeProfile(rec), nil
}

// AwaitProfile fetches a profile, retrying with backoff while it is absent.
func (c *Client) AwaitProfile(ctx context.Context, identity string) (domain.Profile, error) {
	return retry.DoValue(ctx, c.policy, func(ctx context.Context) (domain.Profile, error) {
		p, err := c.FetchProfile(ctx, identity)
		if err != nil {
			return domain.Profile{}, err
		}
		if p == nil {
			return domain.Profile{}, fmt.Errorf("await profile %s: %w", identity, domain.ErrNotFound)
		}
		return *p, nil
	})
}

// MutateProfile performs a version-checked read-modify-write. A missing
// profile yields domain.ErrNotFound. On a version conflict the profile is
// re-fetched and the mutation applied once more; a second conflict is
// returned to the caller.
func (c *Client) MutateProfile(ctx context.Context, identity string, fn Mutation) (domain.Profile, bool, error) {
	identity = domain.NormalizeIdentity(identity)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		current, err := c.FetchProfile(ctx, identity)
		if err != nil {
			return domain.Profile{}, false, err
		}
		if current == nil {
			return domain.Profile{}, false, fmt.Errorf("mutate profile %s: %w", identity, domain.ErrNotFound)
		}

		next := current.Clone()
		changed, err := fn(&next)
		if err != nil {
			return domain.Profile{}, false, err
		}
		if !changed {
			return *current, false, nil
		}
		next.Identity = current.Identity
		next.Version = current.Version
		next.Normalize()

		rec, err := c.store.Save(ctx, encodeProfile(next))
		if err == nil {
			return decodeProfile(rec), true, nil
		}
		lastErr = fmt.Errorf("mutate profile %s: %w", identity, err)
		if !errors.Is(err, domain.ErrConflict) {
			return domain.Profile{}, false, lastErr
		}
		c.logger.Debug("profile write conflict, re-fetching", "identity", identity, "attempt", attempt)
	}
	return domain.Profile{}, false, lastErr
}

// UpdateProfile applies an unconditional edit.
func (c *Client) UpdateProfile(ctx context.Context, identity string, edit func(p *domain.Profile)) (domain.Profile, error) {
	p, _, err := c.MutateProfile(ctx, identity, func(p *domain.Profile) (bool, error) {
		edit(p)
		return true, nil
	})
	return p, err
}

// FetchMeetup returns nil without error when the meetup does not exist.
func (c *Client) FetchMeetup(ctx context.Context, id string) (*domain.Meetup, error) {
	recs, err := c.store.Query(ctx, docstore.Query{
		Type:   TypeMeetup,
		Filter: docstore.Equals{Field: docstore.IDField, Value: id},
		Fields: meetupFields,
		Limit:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch meetup %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	m := decodeMeetup(recs[0])
	return &m, nil
}

// FetchMeetupsInvolving returns meetups with at least one participant in identities.
func (c *Client) FetchMeetupsInvolving(ctx context.Context, identities []string) ([]domain.Meetup, error) {
	ids := normalizeSet(identities)
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := c.store.Query(ctx, docstore.Query{
		Type:   TypeMeetup,
		Filter: docstore.ContainsAny{Field: "participants", Values: ids},
		Fields: meetupFields,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch meetups involving %d identities: %w", len(ids), err)
	}
	out := make([]domain.Meetup, 0, len(recs))
	for _, rec := range recs {
		out = append(out, decodeMeetup(rec))
	}
	return out, nil
}

// CreateMeetup stores a new meetup, assigning an id when empty.
func (c *Client) CreateMeetup(ctx context.Context, m domain.Meetup) (domain.Meetup, error) {
	if m.ID == "" {
		m.ID = c.newID()
	}
	rec, err := c.store.Create(ctx, encodeMeetup(m))
	if err != nil {
		return domain.Meetup{}, fmt.Errorf("create meetup %s: %w", m.ID, err)
	}
	return decodeMeetup(rec), nil
}

// SaveMeetup writes m at its fetched version.
func (c *Client) SaveMeetup(ctx context.Context, m domain.Meetup) (domain.Meetup, error) {
	rec, err := c.store.Save(ctx, encodeMeetup(m))
	if err != nil {
		return domain.Meetup{}, fmt.Errorf("save meetup %s: %w", m.ID, err)
	}
	return decodeMeetup(rec), nil
}

// DeleteMeetup removes a meetup; deleting a missing one succeeds.
func (c *Client) DeleteMeetup(ctx context.Context, id string) error {
	if err := c.store.Delete(ctx, TypeMeetup, id); err != nil {
		return fmt.Errorf("delete meetup %s: %w", id, err)
	}
	return nil
}

// AppendInteraction adds one row to the owner's interaction log. A zero
// timestamp means now.
func (c *Client) AppendInteraction(ctx context.Context, owner, peer string, at time.Time) (domain.Interaction, error) {
	i := domain.Interaction{
		ID:        c.newID(),
		Owner:     domain.NormalizeIdentity(owner),
		Peer:      domain.NormalizeIdentity(peer),
		Timestamp: timeOrNow(at, c.nowFn).UTC(),
	}
	if _, err := c.store.Create(ctx, encodeInteraction(i)); err != nil {
		return domain.Interaction{}, fmt.Errorf("append interaction %s->%s: %w", i.Owner, i.Peer, err)
	}
	return i, nil
}

// FetchInteractions returns every interaction row owned by owner.
func (c *Client) FetchInteractions(ctx context.Context, owner string) ([]domain.Interaction, error) {
	owner = domain.NormalizeIdentity(owner)
	recs, err := c.store.Query(ctx, docstore.Query{
		Type:   TypeInteraction,
		Filter: docstore.Equals{Field: "owner", Value: owner},
		Fields: interactionFields,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch interactions of %s: %w", owner, err)
	}
	out := make([]domain.Interaction, 0, len(recs))
	for _, rec := range recs {
		out = append(out, decodeInteraction(rec))
	}
	return out, nil
}
