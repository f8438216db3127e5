package meetup

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
	"github.com/unipass/backend/internal/retry"
	"github.com/unipass/backend/internal/socialgraph"
)

const (
	idA = "AAAAAAAA-0000-4000-8000-000000000001"
	idB = "BBBBBBBB-0000-4000-8000-000000000002"
)

var now = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store  *docstore.Memory
	client *socialgraph.Client
}

func newFixture() fixture {
	store := docstore.NewMemory()
	return fixture{store: store, client: socialgraph.New(store, retry.New(time.Millisecond, 3))}
}

func (f fixture) coordinator(self string) *Coordinator {
	return New(f.client, self, WithClock(func() time.Time { return now }))
}

func (f fixture) meetup(t *testing.T, id string, at time.Time, participants ...string) {
	t.Helper()
	_, err := f.client.CreateMeetup(context.Background(), domain.Meetup{
		ID: id, Title: id, Location: "Quad", ScheduledTime: at, Participants: participants,
	})
	require.NoError(t, err)
}

func (f fixture) exists(id string) bool {
	_, ok := f.store.Get(socialgraph.TypeMeetup, id)
	return ok
}

func (f fixture) participants(t *testing.T, id string) []string {
	t.Helper()
	m, err := f.client.FetchMeetup(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, m)
	return m.Participants
}

func TestJoin_ConfirmationThenForce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.meetup(t, "M1", now.Add(time.Hour), idA)
	f.meetup(t, "M2", now.Add(2*time.Hour), idB)
	c := f.coordinator(idA)

	res, err := c.Join(ctx, "M2", false)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmationRequired, res.Status)
	require.Len(t, res.Blocking, 1)
	assert.Equal(t, "M1", res.Blocking[0].ID)
	assert.True(t, f.exists("M1"), "no mutation without force")
	assert.Equal(t, []string{idB}, f.participants(t, "M2"))

	res, err = c.Join(ctx, "M2", true)
	require.NoError(t, err)
	assert.Equal(t, StatusJoined, res.Status)
	assert.Equal(t, []string{"M1"}, res.Deleted)
	assert.False(t, f.exists("M1"))
	assert.Equal(t, []string{idB, idA}, f.participants(t, "M2"))
}

func TestJoin_LeavesSharedMeetupWithoutConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.meetup(t, "M1", now.Add(time.Hour), idA, idB)
	f.meetup(t, "M2", now.Add(2*time.Hour), idB)

	res, err := f.coordinator(idA).Join(ctx, "M2", false)
	require.NoError(t, err)
	assert.Equal(t, StatusJoined, res.Status)
	assert.Equal(t, []string{"M1"}, res.Left)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, []string{idB}, f.participants(t, "M1"))
}

func TestJoin_AlreadyMemberIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.meetup(t, "M1", now.Add(time.Hour), idA)

	res, err := f.coordinator(idA).Join(ctx, "M1", false)
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyMember, res.Status)
	assert.Zero(t, f.store.Calls(docstore.OpSave))
}

func TestJoin_MissingMeetup(t *testing.T) {
	f := newFixture()
	_, err := f.coordinator(idA).Join(context.Background(), "nope", true)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestJoin_SingletonInvariant(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	for _, id := range []string{"M1", "M2", "M3"} {
		f.meetup(t, id, now.Add(time.Hour), idB)
	}
	c := f.coordinator(idA)

	for _, id := range []string{"M1", "M2", "M3", "M1"} {
		_, err := c.Join(ctx, id, true)
		require.NoError(t, err)

		ms, err := f.client.FetchMeetupsInvolving(ctx, []string{idA})
		require.NoError(t, err)
		assert.Len(t, ms, 1, "after joining %s", id)
		assert.Equal(t, id, ms[0].ID)
	}
}

func TestLeave_DeletesWhenEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.meetup(t, "M1", now.Add(time.Hour), idA)
	f.meetup(t, "M2", now.Add(time.Hour), idA, idB)

	res, err := f.coordinator(idA).Leave(ctx, "M1")
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	assert.False(t, f.exists("M1"))

	res, err = f.coordinator(idA).Leave(ctx, "M2")
	require.NoError(t, err)
	assert.False(t, res.Deleted)
	assert.Equal(t, []string{idB}, f.participants(t, "M2"))
}

func TestLeave_RetriesConflictOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.meetup(t, "M1", now.Add(time.Hour), idA, idB)
	f.store.FailNext(docstore.OpSave, domain.ErrConflict, 1)

	_, err := f.coordinator(idA).Leave(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, []string{idB}, f.participants(t, "M1"))
	assert.Equal(t, 2, f.store.Calls(docstore.OpSave))
}

func TestLeave_ConcurrentJoinSurvivesViaRefetch(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.meetup(t, "M1", now.Add(time.Hour), idA, idB)

	const idC = "CCCCCCCC-0000-4000-8000-000000000003"
	var once sync.Once
	f.store.BeforeSave(func(docstore.Record) {
		once.Do(func() {
			rec, _ := f.store.Get(socialgraph.TypeMeetup, "M1")
			rec.Fields["participants"] = []string{idA, idB, idC}
			rec.Version++
			f.store.Put(rec)
		})
	})

	_, err := f.coordinator(idA).Leave(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, []string{idB, idC}, f.participants(t, "M1"))
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture()
	c := f.coordinator(idA)
	later := now.Add(time.Hour)

	cases := map[string]Draft{
		"title":         {Title: "  ", Location: "Quad", ScheduledTime: later},
		"location":      {Title: "Lunch", Location: "", ScheduledTime: later},
		"scheduledTime": {Title: "Lunch", Location: "Quad", ScheduledTime: now.Add(-time.Minute)},
	}
	for field, d := range cases {
		_, err := c.Create(context.Background(), d, false)
		var vErr *domain.ValidationError
		require.True(t, errors.As(err, &vErr), field)
		assert.Equal(t, field, vErr.Field)
	}
	assert.Zero(t, f.store.Calls(docstore.OpCreate))
}

func TestCreate_LeavesCurrentMeetup(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.meetup(t, "M1", now.Add(time.Hour), idA)
	c := f.coordinator(idA)
	d := Draft{Title: " Study ", Location: "Library", ScheduledTime: now.Add(3 * time.Hour)}

	res, err := c.Create(ctx, d, false)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmationRequired, res.Status)

	res, err = c.Create(ctx, d, true)
	require.NoError(t, err)
	require.NotNil(t, res.Meetup)
	assert.Equal(t, "Study", res.Meetup.Title)
	assert.Equal(t, []string{idA}, res.Meetup.Participants)
	assert.Equal(t, []string{"M1"}, res.Deleted)

	cur, err := c.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, res.Meetup.ID, cur.ID)
}

func TestRelevant_SortedByTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	const idC = "CCCCCCCC-0000-4000-8000-000000000003"
	f.meetup(t, "late", now.Add(5*time.Hour), idB)
	f.meetup(t, "early", now.Add(time.Hour), idA)
	f.meetup(t, "stranger", now.Add(2*time.Hour), idC)

	ms, err := f.coordinator(idA).Relevant(ctx, []string{idB})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "early", ms[0].ID)
	assert.Equal(t, "late", ms[1].ID)
}
