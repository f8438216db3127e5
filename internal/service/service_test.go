package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipass/backend/internal/docstore"
	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/meetup"
	"github.com/unipass/backend/internal/retry"
	"github.com/unipass/backend/internal/socialgraph"
)

const (
	idA = "AAAAAAAA-0000-4000-8000-000000000001"
	idB = "BBBBBBBB-0000-4000-8000-000000000002"
	idC = "CCCCCCCC-0000-4000-8000-000000000003"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubOnboarding struct {
	mu   sync.Mutex
	done bool
	err  error
}

func (s *stubOnboarding) OnboardingComplete(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done, s.err
}

func (s *stubOnboarding) SetOnboardingComplete(_ context.Context, done bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.done = done
	return nil
}

type harness struct {
	store      *docstore.Memory
	graph      *socialgraph.Client
	onboarding *stubOnboarding
	svc        *Service
	now        time.Time
}

func newHarness(t *testing.T, opts ...docstore.MemoryOption) *harness {
	t.Helper()
	store := docstore.NewMemory(opts...)
	graph := socialgraph.New(store, retry.New(time.Millisecond, 8))
	h := &harness{
		store:      store,
		graph:      graph,
		onboarding: &stubOnboarding{},
		now:        time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	svc, err := New(Deps{
		Self:       idA,
		Graph:      graph,
		Onboarding: h.onboarding,
		Clock:      func() time.Time { return h.now },
	})
	require.NoError(t, err)
	h.svc = svc
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Close(ctx)
	})
	return h
}

func (h *harness) seedProfile(t *testing.T, id string, friends ...string) {
	t.Helper()
	require.NoError(t, NewSeeder(h.graph).SeedProfile(context.Background(), ProfileSeed{
		Identity: id, Name: "Seed " + id[:4], Tags: []string{"seed"}, Friends: friends,
	}))
}

func validInput() ProfileInput {
	return ProfileInput{
		Name:         "  Ada   Lovelace ",
		FieldOfStudy: "Mathematics",
		Year:         "2nd",
		Bio:          "Analytical engines.",
		Hometown:     "London",
		Tags:         []string{"Math", "math", " Poetry "},
	}
}

func TestNew_RejectsMalformedIdentity(t *testing.T) {
	graph := socialgraph.New(docstore.NewMemory(), retry.Default())
	_, err := New(Deps{Self: "nope", Graph: graph})
	assert.True(t, domain.IsValidation(err))
}

func TestStart_CreatesLocalProfileBehindVisibilityDelay(t *testing.T) {
	h := newHarness(t, docstore.WithVisibilityDelay(5*time.Millisecond))

	require.NoError(t, h.svc.Start(context.Background()))

	st := h.svc.State().Snapshot()
	assert.Equal(t, idA, st.Identity)
	require.NotNil(t, st.Profile)
	assert.Equal(t, domain.DefaultDisplayName, st.Profile.DisplayName)
	_, ok := h.store.Get(socialgraph.TypeProfile, idA)
	assert.True(t, ok)
}

func TestStart_ReportsOnboardingFlag(t *testing.T) {
	h := newHarness(t)
	h.onboarding.done = true
	require.NoError(t, h.svc.Start(context.Background()))
	assert.True(t, h.svc.State().Snapshot().OnboardingComplete)

	h2 := newHarness(t)
	h2.onboarding.err = errors.New("disk full")
	assert.Error(t, h2.svc.Start(context.Background()))
}

func TestHandleDiscovered_BuildsBothEdgesAndRefreshesState(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t, idB, idC)
	h.seedProfile(t, idC, idB)

	h.svc.HandleDiscovered(context.Background(), idB)
	h.svc.HandleDiscovered(context.Background(), idA)
	require.NoError(t, h.svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		st := h.svc.State().Snapshot()
		return len(st.FirstDegree) == 1 && len(st.SecondDegree) == 1 &&
			len(st.Interactions) == 1 && !st.RefreshNeeded
	}, 2*time.Second, 5*time.Millisecond)

	st := h.svc.State().Snapshot()
	assert.Equal(t, []string{idB}, st.Nearby)
	assert.Equal(t, idB, st.FirstDegree[0].Identity)
	assert.Equal(t, idC, st.SecondDegree[0].Identity)
	assert.Equal(t, "1st", st.Interactions[0].Degree)

	require.Eventually(t, func() bool {
		return len(h.svc.State().Snapshot().NearbyProfiles) == 1
	}, 2*time.Second, 5*time.Millisecond)
	nearby := h.svc.State().Snapshot().NearbyProfiles[0]
	assert.Equal(t, idB, nearby.Identity)
	assert.Equal(t, "Seed BBBB", nearby.DisplayName)

	require.Eventually(t, func() bool {
		b, err := h.graph.FetchProfile(context.Background(), idB)
		return err == nil && b != nil && b.HasFriend(idA)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpdateProfile_ValidatesAndNormalizes(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))

	bad := validInput()
	bad.Tags = nil
	_, err := h.svc.UpdateProfile(context.Background(), bad)
	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "tags", verr.Field)

	bad = validInput()
	bad.Year = "7th"
	_, err = h.svc.UpdateProfile(context.Background(), bad)
	assert.True(t, domain.IsValidation(err))

	in := validInput()
	in.Photo = pngHeader
	p, err := h.svc.UpdateProfile(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", p.DisplayName)
	assert.Equal(t, []string{"math", "poetry"}, p.Tags)
	require.NotNil(t, p.Photo)
	assert.Equal(t, "image/png", p.Photo.ContentType)
	assert.Equal(t, "Ada Lovelace", h.svc.State().Snapshot().Profile.DisplayName)
}

func TestUpdateProfile_RejectsNonImagePhoto(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))

	in := validInput()
	in.Photo = []byte("plain text")
	_, err := h.svc.UpdateProfile(context.Background(), in)
	assert.True(t, domain.IsValidation(err))
}

func TestCompleteOnboarding_SetsFlag(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))

	_, err := h.svc.CompleteOnboarding(context.Background(), validInput())
	require.NoError(t, err)
	assert.True(t, h.onboarding.done)
	assert.True(t, h.svc.State().Snapshot().OnboardingComplete)
}

func TestMeetupFlow_ConfirmationThenForce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Start(context.Background()))
	ctx := context.Background()

	draft := meetup.Draft{Title: "Study", Location: "Library", ScheduledTime: h.now.Add(time.Hour)}
	first, err := h.svc.CreateMeetup(ctx, draft, false)
	require.NoError(t, err)
	require.Equal(t, meetup.StatusJoined, first.Status)

	draft.Title = "Lunch"
	second, err := h.svc.CreateMeetup(ctx, draft, false)
	require.NoError(t, err)
	assert.Equal(t, meetup.StatusConfirmationRequired, second.Status)

	second, err = h.svc.CreateMeetup(ctx, draft, true)
	require.NoError(t, err)
	assert.Equal(t, []string{first.Meetup.ID}, second.Deleted)

	ms, err := h.svc.Meetups(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "Lunch", ms[0].Title)

	require.Eventually(t, func() bool {
		st := h.svc.State().Snapshot()
		return st.CurrentMeetup != nil && st.CurrentMeetup.Title == "Lunch" && !st.RefreshNeeded
	}, 2*time.Second, 5*time.Millisecond)

	left, err := h.svc.LeaveMeetup(ctx, second.Meetup.ID)
	require.NoError(t, err)
	assert.True(t, left.Deleted)
}

func TestMeetups_IncludesSecondDegree(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t, idA, idB)
	h.seedProfile(t, idB, idA, idC)
	h.seedProfile(t, idC, idB)
	require.NoError(t, NewSeeder(h.graph).SeedMeetup(context.Background(), MeetupSeed{
		Title: "Climbing", Location: "Gym", ScheduledTime: h.now.Add(2 * time.Hour), Participants: []string{idC},
	}))
	require.NoError(t, NewSeeder(h.graph).SeedMeetup(context.Background(), MeetupSeed{
		Title: "Unrelated", Location: "Elsewhere", ScheduledTime: h.now.Add(time.Hour),
		Participants: []string{"DDDDDDDD-0000-4000-8000-000000000004"},
	}))
	require.NoError(t, h.svc.Start(context.Background()))

	ms, err := h.svc.Meetups(context.Background())
	require.NoError(t, err)
	require.Len(t, ms, 1)
	assert.Equal(t, "Climbing", ms[0].Title)
}

func TestInteractionLog_NewestFirstWithDegrees(t *testing.T) {
	h := newHarness(t)
	h.seedProfile(t, idA, idB)
	h.seedProfile(t, idB, idA, idC)
	h.seedProfile(t, idC, idB)
	ctx := context.Background()

	base := h.now.Add(-time.Hour)
	_, err := h.graph.AppendInteraction(ctx, idA, idB, base)
	require.NoError(t, err)
	_, err = h.graph.AppendInteraction(ctx, idA, idC, base.Add(time.Minute))
	require.NoError(t, err)
	_, err = h.graph.AppendInteraction(ctx, idB, idA, base)
	require.NoError(t, err)

	log, err := h.svc.InteractionLog(ctx)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, idC, log[0].Interaction.Peer)
	assert.Equal(t, "2nd", log[0].Degree)
	assert.Equal(t, idB, log[1].Interaction.Peer)
	assert.Equal(t, "1st", log[1].Degree)
	require.NotNil(t, log[1].Peer)
	assert.Equal(t, "Seed BBBB", log[1].Peer.DisplayName)
}
