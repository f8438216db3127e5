package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipass/backend/internal/domain"
)

func seedProfiles(t *testing.T, m *Memory) {
	t.Helper()
	m.Put(Record{Type: "Profile", ID: "A1", Fields: map[string]any{"name": "Ada", "friends": []string{"B2"}}})
	m.Put(Record{Type: "Profile", ID: "B2", Fields: map[string]any{"name": "Bo", "friends": []string{"A1", "C3"}}})
	m.Put(Record{Type: "Profile", ID: "C3", Fields: map[string]any{"name": "Cy", "friends": []string{"B2"}}})
}

func TestMemory_QueryPredicates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedProfiles(t, m)

	cases := []struct {
		name   string
		filter Predicate
		want   []string
	}{
		{"equals id", Equals{Field: IDField, Value: "B2"}, []string{"B2"}},
		{"equals field", Equals{Field: "name", Value: "Cy"}, []string{"C3"}},
		{"in", In{Field: IDField, Values: []string{"C3", "A1", "Z9"}}, []string{"A1", "C3"}},
		{"contains", Contains{Field: "friends", Value: "B2"}, []string{"A1", "C3"}},
		{"contains any", ContainsAny{Field: "friends", Values: []string{"C3", "A1"}}, []string{"B2"}},
		{"prefix", HasPrefix{Field: IDField, Prefix: "B"}, []string{"B2"}},
		{"and", And{Contains{Field: "friends", Value: "B2"}, Equals{Field: "name", Value: "Ada"}}, []string{"A1"}},
		{"slice never equals", Equals{Field: "friends", Value: []string{"B2"}}, nil},
		{"nil filter", nil, []string{"A1", "B2", "C3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recs, err := m.Query(ctx, Query{Type: "Profile", Filter: tc.filter})
			require.NoError(t, err)
			var ids []string
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			assert.Equal(t, tc.want, ids)
		})
	}
}

func TestMemory_ProjectionAndLimit(t *testing.T) {
	m := NewMemory()
	seedProfiles(t, m)

	recs, err := m.Query(context.Background(), Query{Type: "Profile", Fields: []string{"name"}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, map[string]any{"name": "Ada"}, recs[0].Fields)
	assert.Equal(t, "B2", recs[1].ID)
}

func TestMemory_CreateConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	rec, err := m.Create(ctx, Record{Type: "Profile", ID: "A1", Fields: map[string]any{"name": "Ada"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Version)

	_, err = m.Create(ctx, Record{Type: "Profile", ID: "A1"})
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestMemory_SaveVersioning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	created, err := m.Create(ctx, Record{Type: "Profile", ID: "A1", Fields: map[string]any{"name": "Ada", "bio": "hi"}})
	require.NoError(t, err)

	saved, err := m.Save(ctx, Record{Type: "Profile", ID: "A1", Version: created.Version, Fields: map[string]any{"name": "Ada L"}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, saved.Version)
	assert.Equal(t, "hi", saved.String("bio"), "save merges fields")

	_, err = m.Save(ctx, Record{Type: "Profile", ID: "A1", Version: created.Version})
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = m.Save(ctx, Record{Type: "Profile", ID: "Z9", Version: 1})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestMemory_VisibilityDelay(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	m := NewMemory(WithClock(mock), WithVisibilityDelay(time.Second))

	_, err := m.Create(ctx, Record{Type: "Profile", ID: "A1"})
	require.NoError(t, err)

	recs, err := m.Query(ctx, Query{Type: "Profile", Filter: Equals{Field: IDField, Value: "A1"}})
	require.NoError(t, err)
	assert.Empty(t, recs)

	mock.Add(time.Second)
	recs, err = m.Query(ctx, Query{Type: "Profile", Filter: Equals{Field: IDField, Value: "A1"}})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.FailNext(OpQuery, domain.ErrTransient, 2)

	for i := 0; i < 2; i++ {
		_, err := m.Query(ctx, Query{Type: "Profile"})
		assert.ErrorIs(t, err, domain.ErrTransient)
	}
	_, err := m.Query(ctx, Query{Type: "Profile"})
	assert.NoError(t, err)
	assert.Equal(t, 3, m.Calls(OpQuery))
}

func TestMemory_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seedProfiles(t, m)

	require.NoError(t, m.Delete(ctx, "Profile", "A1"))
	require.NoError(t, m.Delete(ctx, "Profile", "A1"))
	_, ok := m.Get("Profile", "A1")
	assert.False(t, ok)
}

func TestQuery_ValidateRejectsBadIdentifiers(t *testing.T) {
	bad := []Query{
		{Type: "Profile) DETACH DELETE n //"},
		{Type: "Profile", Fields: []string{"name, n.secret"}},
		{Type: "Profile", Filter: Equals{Field: "a b", Value: "x"}},
		{Type: "Profile", Limit: -1},
	}
	for _, q := range bad {
		assert.Error(t, q.Validate(), q.Type)
	}
}
