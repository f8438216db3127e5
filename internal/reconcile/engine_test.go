package reconcile

import (
	"context"
	"fmt"
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
	idC = "CCCCCCCC-0000-4000-8000-000000000003"
)

var testPolicy = retry.Policy{BaseDelay: time.Millisecond, MaxAttempts: 4}

type fixture struct {
	store  *docstore.Memory
	client *socialgraph.Client
}

func newFixture(t *testing.T, existing ...string) fixture {
	t.Helper()
	store := docstore.NewMemory()
	client := socialgraph.New(store, testPolicy)
	for _, id := range existing {
		_, err := client.CreateProfile(context.Background(), id)
		require.NoError(t, err)
	}
	return fixture{store: store, client: client}
}

func (f fixture) profile(t *testing.T, id string) domain.Profile {
	t.Helper()
	p, err := f.client.FetchProfile(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p, "profile %s", id)
	return *p
}

func (f fixture) interactions(t *testing.T, owner string) []domain.Interaction {
	t.Helper()
	out, err := f.client.FetchInteractions(context.Background(), owner)
	require.NoError(t, err)
	return out
}

func startEngine(t *testing.T, store Store, self string, opts Options) *Engine {
	t.Helper()
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = testPolicy
	}
	e := New(store, self, opts)
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func closeEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}

func TestEngine_AddsBothEdgesAndTwoInteractions(t *testing.T) {
	f := newFixture(t, idA, idB)
	e := startEngine(t, f.client, idA, Options{})

	e.LocalProfileReady(f.profile(t, idA))
	e.AddFriendIfNeeded(idB)
	closeEngine(t, e)

	assert.Equal(t, []string{idB}, f.profile(t, idA).Friends)
	assert.Equal(t, []string{idA}, f.profile(t, idB).Friends)

	fromA := f.interactions(t, idA)
	require.Len(t, fromA, 1)
	assert.Equal(t, idB, fromA[0].Peer)
	fromB := f.interactions(t, idB)
	require.Len(t, fromB, 1)
	assert.Equal(t, idA, fromB[0].Peer)
	assert.True(t, fromA[0].Timestamp.Equal(fromB[0].Timestamp),
		"rows of one friendship share a timestamp: %s vs %s", fromA[0].Timestamp, fromB[0].Timestamp)
}

func TestEngine_IgnoresPeersWithoutFullIdentity(t *testing.T) {
	f := newFixture(t, idA, idB)
	e := startEngine(t, f.client, idA, Options{})

	e.LocalProfileReady(f.profile(t, idA))
	e.AddFriendIfNeeded("------------------------------------")
	e.AddFriendIfNeeded(idB[:28])
	e.AddFriendIfNeeded(idB + "00")
	closeEngine(t, e)

	assert.Empty(t, f.profile(t, idA).Friends)
	assert.Empty(t, f.interactions(t, idA))
}

func TestEngine_PendingQueueFlushesWhenLocalProfileAppears(t *testing.T) {
	f := newFixture(t, idB)
	e := startEngine(t, f.client, idA, Options{})

	e.AddFriendIfNeeded(idB)
	e.AddFriendIfNeeded(idB)
	assert.Equal(t, []string{idB}, e.Pending())

	created, err := f.client.CreateProfile(context.Background(), idA)
	require.NoError(t, err)
	e.LocalProfileReady(created)

	assert.Empty(t, e.Pending())
	closeEngine(t, e)

	assert.Equal(t, []string{idB}, f.profile(t, idA).Friends)
	assert.Equal(t, []string{idA}, f.profile(t, idB).Friends)
	assert.Len(t, f.interactions(t, idA), 1)
	assert.Len(t, f.interactions(t, idB), 1)
}

func TestEngine_NeverBefriendsSelf(t *testing.T) {
	f := newFixture(t, idA)
	e := startEngine(t, f.client, idA, Options{})

	e.LocalProfileReady(f.profile(t, idA))
	e.AddFriendIfNeeded(idA)
	e.AddFriendIfNeeded(" " + idA)
	closeEngine(t, e)

	assert.Empty(t, f.profile(t, idA).Friends)
	assert.Zero(t, f.store.Calls(docstore.OpSave))
}

func TestEngine_KnownFriendSkipsStore(t *testing.T) {
	f := newFixture(t, idA, idB)
	_, err := f.client.UpdateProfile(context.Background(), idA, func(p *domain.Profile) { p.AddFriend(idB) })
	require.NoError(t, err)
	saves := f.store.Calls(docstore.OpSave)

	e := startEngine(t, f.client, idA, Options{})
	e.LocalProfileReady(f.profile(t, idA))
	e.AddFriendIfNeeded(idB)
	closeEngine(t, e)

	assert.Equal(t, saves, f.store.Calls(docstore.OpSave))
}

func TestEngine_ConcurrentRunsAreIdempotent(t *testing.T) {
	f := newFixture(t, idA, idB)

	// Two engines for the same identity race on the same peer.
	e1 := startEngine(t, f.client, idA, Options{})
	e2 := startEngine(t, f.client, idA, Options{})
	local := f.profile(t, idA)
	e1.LocalProfileReady(local)
	e2.LocalProfileReady(local)

	var wg sync.WaitGroup
	for _, e := range []*Engine{e1, e2} {
		wg.Add(1)
		go func(e *Engine) {
			defer wg.Done()
			e.AddFriendIfNeeded(idB)
			e.AddFriendIfNeeded(idB)
		}(e)
	}
	wg.Wait()
	closeEngine(t, e1)
	closeEngine(t, e2)

	assert.Equal(t, []string{idB}, f.profile(t, idA).Friends)
	assert.Equal(t, []string{idA}, f.profile(t, idB).Friends)
}

func TestEngine_RetriesLocalEdgeAfterTransientFailure(t *testing.T) {
	f := newFixture(t, idA, idB)
	f.store.FailNext(docstore.OpSave, fmt.Errorf("socket closed: %w", domain.ErrTransient), 2)

	var mu sync.Mutex
	var edges []domain.Profile
	e := startEngine(t, f.client, idA, Options{
		OnEdgeAdded: func(p domain.Profile) {
			mu.Lock()
			defer mu.Unlock()
			edges = append(edges, p)
		},
	})
	e.LocalProfileReady(f.profile(t, idA))
	e.AddFriendIfNeeded(idB)
	closeEngine(t, e)

	assert.Equal(t, []string{idB}, f.profile(t, idA).Friends)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, edges, 1)
	assert.True(t, edges[0].HasFriend(idB))
}

func TestEngine_AbandonsAfterRetryBudget(t *testing.T) {
	f := newFixture(t, idA, idB)
	f.store.FailNext(docstore.OpSave, domain.ErrTransient, 100)

	abandoned := make(chan string, 1)
	e := startEngine(t, f.client, idA, Options{
		Policy:    retry.Policy{BaseDelay: time.Millisecond, MaxAttempts: 2},
		OnAbandon: func(peer string) { abandoned <- peer },
	})
	e.LocalProfileReady(f.profile(t, idA))
	e.AddFriendIfNeeded(idB)

	select {
	case peer := <-abandoned:
		assert.Equal(t, idB, peer)
	case <-time.After(2 * time.Second):
		t.Fatal("peer was not abandoned")
	}
	n, err := e.InFlight()
	require.NoError(t, err)
	assert.Zero(t, n)
	closeEngine(t, e)

	assert.Empty(t, f.profile(t, idA).Friends)
}

func TestEngine_ReciprocalFailureKeepsLocalEdge(t *testing.T) {
	f := newFixture(t, idA)
	e := startEngine(t, f.client, idA, Options{
		Policy: retry.Policy{BaseDelay: time.Millisecond, MaxAttempts: 2},
	})

	e.LocalProfileReady(f.profile(t, idA))
	e.AddFriendIfNeeded(idC)
	closeEngine(t, e)

	assert.Equal(t, []string{idC}, f.profile(t, idA).Friends)
	assert.Len(t, f.interactions(t, idA), 1)
	assert.Empty(t, f.interactions(t, idC))
}

func TestEngine_DropsPeersAfterClose(t *testing.T) {
	f := newFixture(t, idA, idB)
	e := startEngine(t, f.client, idA, Options{})
	e.LocalProfileReady(f.profile(t, idA))
	closeEngine(t, e)

	e.AddFriendIfNeeded(idB)
	assert.Nil(t, e.Pending())
	_, err := e.InFlight()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, f.profile(t, idA).Friends)
}
