package generator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipass/backend/internal/domain"
)

func testConfig() Config {
	return Config{
		NumProfiles:     40,
		FriendChance:    0.2,
		NumMeetups:      8,
		MaxParticipants: 3,
		Horizon:         48 * time.Hour,
		Seed:            7,
		Now:             time.Date(2030, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	a, err := New(testConfig()).Generate(context.Background())
	require.NoError(t, err)
	b, err := New(testConfig()).Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestGenerate_Invariants(t *testing.T) {
	cfg := testConfig()
	ds, err := New(cfg).Generate(context.Background())
	require.NoError(t, err)
	require.Len(t, ds.Profiles, cfg.NumProfiles)

	friends := make(map[string]map[string]bool, len(ds.Profiles))
	for _, p := range ds.Profiles {
		assert.True(t, domain.ValidIdentity(p.Identity))
		assert.Len(t, p.Identity, domain.FullIdentityLength)
		assert.NotEmpty(t, p.Tags)
		set := make(map[string]bool, len(p.Friends))
		for _, f := range p.Friends {
			assert.NotEqual(t, p.Identity, f)
			set[f] = true
		}
		friends[p.Identity] = set
	}
	for id, set := range friends {
		for f := range set {
			assert.True(t, friends[f][id], "friendship %s -> %s is not symmetric", id, f)
		}
	}

	seen := make(map[string]bool)
	for _, m := range ds.Meetups {
		assert.NotEmpty(t, m.Participants)
		assert.LessOrEqual(t, len(m.Participants), cfg.MaxParticipants)
		assert.False(t, m.ScheduledTime.Before(cfg.Now.Truncate(15*time.Minute)))
		for _, p := range m.Participants {
			assert.False(t, seen[p], "%s is in two meetups", p)
			seen[p] = true
		}
	}
}

func TestGenerate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(testConfig()).Generate(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteReadDataset(t *testing.T) {
	ds, err := New(testConfig()).Generate(context.Background())
	require.NoError(t, err)

	for _, name := range []string{"campus.yaml", "campus.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out", name)
			require.NoError(t, WriteDataset(ds, path))

			got, err := ReadDataset(path)
			require.NoError(t, err)
			require.Len(t, got.Profiles, len(ds.Profiles))
			assert.Equal(t, ds.Profiles[0], got.Profiles[0])
			require.Len(t, got.Meetups, len(ds.Meetups))
			assert.True(t, ds.Meetups[0].ScheduledTime.Equal(got.Meetups[0].ScheduledTime))
		})
	}
}
