// Package service wires the discovery pipeline, reconciliation, expansion
// and meetups together for one device identity, and publishes the result as
// observable state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/expand"
	"github.com/unipass/backend/internal/logging"
	"github.com/unipass/backend/internal/meetup"
	"github.com/unipass/backend/internal/metrics"
	"github.com/unipass/backend/internal/observe"
	"github.com/unipass/backend/internal/reconcile"
	"github.com/unipass/backend/internal/socialgraph"
)

// OnboardingStore persists the onboarding flag on the device.
type OnboardingStore interface {
	OnboardingComplete(ctx context.Context) (bool, error)
	SetOnboardingComplete(ctx context.Context, done bool) error
}

// Deps are the collaborators of a Service.
type Deps struct {
	Self       string
	Graph      *socialgraph.Client
	Onboarding OnboardingStore
	State      *observe.Store
	Images     ImageEncoder
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// OnAbandon is told about peers reconciliation gave up on.
	OnAbandon func(peer string)
	Clock     func() time.Time
}

// Service is the single owner of the device's engine state. It is created at
// process start and torn down with Close.
type Service struct {
	self       string
	graph      *socialgraph.Client
	engine     *reconcile.Engine
	expander   *expand.Expander
	meetups    *meetup.Coordinator
	state      *observe.Store
	onboarding OnboardingStore
	images     ImageEncoder
	logger     *slog.Logger
	onAbandon  func(string)
	nowFn      func() time.Time

	refreshMu sync.Mutex
	recompute chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a Service. Start must be called before discovery events are fed in.
func New(deps Deps) (*Service, error) {
	self := domain.NormalizeIdentity(deps.Self)
	if !domain.ValidIdentity(self) || domain.IsTruncated(self) {
		return nil, domain.NewValidationError("identity", "malformed local identity")
	}
	if deps.Graph == nil {
		return nil, errors.New("service: graph client is required")
	}
	logger := logging.OrDiscard(deps.Logger).With("component", "service")
	nowFn := deps.Clock
	if nowFn == nil {
		nowFn = time.Now
	}
	state := deps.State
	if state == nil {
		state = observe.NewStore(observe.State{})
	}
	images := deps.Images
	if images == nil {
		images = InlineImageEncoder{}
	}

	s := &Service{
		self:       self,
		graph:      deps.Graph,
		expander:   expand.New(deps.Graph),
		meetups:    meetup.New(deps.Graph, self, meetup.WithClock(nowFn), meetup.WithLogger(deps.Logger)),
		state:      state,
		onboarding: deps.Onboarding,
		images:     images,
		logger:     logger,
		onAbandon:  deps.OnAbandon,
		nowFn:      nowFn,
		recompute:  make(chan struct{}, 1),
	}
	s.engine = reconcile.New(deps.Graph, self, reconcile.Options{
		Policy:      deps.Graph.Policy(),
		Logger:      deps.Logger,
		Metrics:     deps.Metrics,
		OnEdgeAdded: s.edgeAdded,
		OnAbandon:   s.peerAbandoned,
	})
	s.state.Update(func(st *observe.State) { st.Identity = self })
	return s, nil
}

// Self returns the local identity.
func (s *Service) Self() string {
	return s.self
}

// State returns the observable state store.
func (s *Service) State() *observe.Store {
	return s.state
}

// Start bootstraps the local profile and runs the first refresh. Peers
// discovered before bootstrap finishes wait on the reconciliation queue.
func (s *Service) Start(ctx context.Context) error {
	s.engine.Start()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.recomputeLoop(loopCtx)

	if s.onboarding != nil {
		done, err := s.onboarding.OnboardingComplete(ctx)
		if err != nil {
			return fmt.Errorf("read onboarding flag: %w", err)
		}
		s.state.Update(func(st *observe.State) { st.OnboardingComplete = done })
	}

	profile, err := s.bootstrap(ctx)
	if err != nil {
		return err
	}
	s.engine.LocalProfileReady(profile)
	s.state.Update(func(st *observe.State) {
		st.Profile = &profile
	})
	s.logger.Info("local profile ready", "identity", s.self, "friends", len(profile.Friends))

	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("initial refresh failed", "error", err)
	}
	return nil
}

// bootstrap creates the local profile when missing and waits until it is
// visible to queries.
func (s *Service) bootstrap(ctx context.Context) (domain.Profile, error) {
	existing, err := s.graph.FetchProfile(ctx, s.self)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("fetch local profile: %w", err)
	}
	if existing != nil {
		return *existing, nil
	}
	if _, err := s.graph.CreateProfile(ctx, s.self); err != nil && !errors.Is(err, domain.ErrConflict) {
		return domain.Profile{}, fmt.Errorf("create local profile: %w", err)
	}
	p, err := s.graph.AwaitProfile(ctx, s.self)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("await local profile: %w", err)
	}
	return p, nil
}

// HandleDiscovered feeds a deduplicated full identity into reconciliation.
func (s *Service) HandleDiscovered(_ context.Context, identity string) {
	identity = domain.NormalizeIdentity(identity)
	if identity == s.self {
		return
	}
	s.engine.AddFriendIfNeeded(identity)
	s.state.Update(func(st *observe.State) {
		st.Nearby = domain.OrderedSet(append(st.Nearby, identity))
	})
	// The next recompute loads the peer's profile into NearbyProfiles.
	s.trigger()
}

// Refresh recomputes the whole observable state from the store.
func (s *Service) Refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	profile, err := s.graph.FetchProfile(ctx, s.self)
	if err != nil {
		return fmt.Errorf("refresh profile: %w", err)
	}
	if profile == nil {
		s.logger.Debug("local profile not visible yet, skipping refresh")
		return nil
	}
	s.engine.UpdateLocalProfile(*profile)

	network, err := s.expander.Compute(ctx, s.self, profile.Friends)
	if err != nil {
		return fmt.Errorf("refresh network: %w", err)
	}
	relevant, err := s.meetups.Relevant(ctx, network.Identities())
	if err != nil {
		return fmt.Errorf("refresh meetups: %w", err)
	}
	log, err := s.interactionLog(ctx, network)
	if err != nil {
		return fmt.Errorf("refresh interactions: %w", err)
	}
	nearby, err := s.graph.FetchProfiles(ctx, s.state.Snapshot().Nearby)
	if err != nil {
		return fmt.Errorf("refresh nearby: %w", err)
	}
	pending := s.engine.Pending()

	var current *domain.Meetup
	for i := range relevant {
		if relevant[i].HasParticipant(s.self) {
			current = &relevant[i]
			break
		}
	}

	s.state.Update(func(st *observe.State) {
		st.Profile = profile
		st.FirstDegree = network.First
		st.SecondDegree = network.Second
		st.Meetups = relevant
		st.CurrentMeetup = current
		st.Interactions = log
		st.NearbyProfiles = nearby
		st.PendingPeers = pending
		st.RefreshNeeded = false
	})
	return nil
}

// UpdateProfile validates and saves the local profile's editable fields.
func (s *Service) UpdateProfile(ctx context.Context, in ProfileInput) (domain.Profile, error) {
	in, err := normalizeProfileInput(in)
	if err != nil {
		return domain.Profile{}, err
	}
	photo, err := s.images.Encode(in.Photo)
	if err != nil {
		return domain.Profile{}, err
	}

	saved, err := s.graph.UpdateProfile(ctx, s.self, func(p *domain.Profile) {
		p.DisplayName = in.Name
		p.FieldOfStudy = in.FieldOfStudy
		p.YearLabel = in.Year
		p.Bio = in.Bio
		p.Hometown = in.Hometown
		p.Tags = in.Tags
		if photo != nil {
			p.Photo = photo
		}
	})
	if err != nil {
		return domain.Profile{}, err
	}
	s.engine.UpdateLocalProfile(saved)
	s.state.Update(func(st *observe.State) { st.Profile = &saved })
	return saved, nil
}

// CompleteOnboarding saves the profile and sets the onboarding flag.
func (s *Service) CompleteOnboarding(ctx context.Context, in ProfileInput) (domain.Profile, error) {
	p, err := s.UpdateProfile(ctx, in)
	if err != nil {
		return domain.Profile{}, err
	}
	if s.onboarding != nil {
		if err := s.onboarding.SetOnboardingComplete(ctx, true); err != nil {
			return p, fmt.Errorf("save onboarding flag: %w", err)
		}
	}
	s.state.Update(func(st *observe.State) { st.OnboardingComplete = true })
	return p, nil
}

// CreateMeetup creates a meetup with self as its sole participant.
func (s *Service) CreateMeetup(ctx context.Context, d meetup.Draft, force bool) (meetup.JoinResult, error) {
	res, err := s.meetups.Create(ctx, d, force)
	if err == nil && res.Status != meetup.StatusConfirmationRequired {
		s.invalidate()
	}
	return res, err
}

// JoinMeetup joins meetup id; see meetup.Coordinator.Join.
func (s *Service) JoinMeetup(ctx context.Context, id string, force bool) (meetup.JoinResult, error) {
	res, err := s.meetups.Join(ctx, id, force)
	if err == nil && res.Status == meetup.StatusJoined {
		s.invalidate()
	}
	return res, err
}

// LeaveMeetup leaves meetup id.
func (s *Service) LeaveMeetup(ctx context.Context, id string) (meetup.LeaveResult, error) {
	res, err := s.meetups.Leave(ctx, id)
	if err == nil {
		s.invalidate()
	}
	return res, err
}

// Meetups lists the meetups involving self or anyone in its 1st or 2nd degree.
func (s *Service) Meetups(ctx context.Context) ([]domain.Meetup, error) {
	network, err := s.network(ctx)
	if err != nil {
		return nil, err
	}
	return s.meetups.Relevant(ctx, network.Identities())
}

// InteractionLog returns the local interaction rows, newest first, each with
// the peer's profile and current degree.
func (s *Service) InteractionLog(ctx context.Context) ([]domain.InteractionEntry, error) {
	network, err := s.network(ctx)
	if err != nil {
		return nil, err
	}
	return s.interactionLog(ctx, network)
}

// Close stops background recomputes and drains reconciliation.
func (s *Service) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.engine.Close(ctx)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
	return err
}

func (s *Service) network(ctx context.Context) (expand.Network, error) {
	profile, err := s.graph.FetchProfile(ctx, s.self)
	if err != nil {
		return expand.Network{}, err
	}
	if profile == nil {
		return expand.Network{}, nil
	}
	return s.expander.Compute(ctx, s.self, profile.Friends)
}

func (s *Service) interactionLog(ctx context.Context, network expand.Network) ([]domain.InteractionEntry, error) {
	rows, err := s.graph.FetchInteractions(ctx, s.self)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.After(rows[j].Timestamp)
		}
		return rows[i].ID < rows[j].ID
	})

	peers := make([]string, 0, len(rows))
	for _, r := range rows {
		peers = append(peers, r.Peer)
	}
	profiles, err := s.graph.FetchProfiles(ctx, domain.OrderedSet(peers))
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Profile, len(profiles))
	for _, p := range profiles {
		byID[p.Identity] = p
	}

	out := make([]domain.InteractionEntry, 0, len(rows))
	for _, r := range rows {
		entry := domain.InteractionEntry{Interaction: r, Degree: network.Degree(r.Peer)}
		if p, ok := byID[r.Peer]; ok {
			entry.Peer = &p
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *Service) edgeAdded(p domain.Profile) {
	s.state.Update(func(st *observe.State) {
		st.Profile = &p
		st.RefreshNeeded = true
	})
	s.trigger()
}

func (s *Service) peerAbandoned(peer string) {
	if s.onAbandon != nil {
		s.onAbandon(peer)
	}
}

func (s *Service) invalidate() {
	s.state.Update(func(st *observe.State) { st.RefreshNeeded = true })
	s.trigger()
}

func (s *Service) trigger() {
	select {
	case s.recompute <- struct{}{}:
	default:
	}
}

// recomputeLoop coalesces refresh requests from edge additions and meetup changes.
func (s *Service) recomputeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.recompute:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("background refresh failed", "error", err)
			}
		}
	}
}
