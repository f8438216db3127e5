package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/transport"
)

const (
	peerB = "BBBBBBBB-0000-4000-8000-000000000002"
	peerC = "CCCCCCCC-0000-4000-8000-000000000003"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolvePrefix(ctx context.Context, prefix string) (string, error) {
	args := m.Called(ctx, prefix)
	return args.String(0), args.Error(1)
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) sink(_ context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func source(transportName string, payloads ...string) <-chan transport.Event {
	ch := make(chan transport.Event, len(payloads))
	for _, p := range payloads {
		ch <- transport.Event{Payload: p, Transport: transportName}
	}
	close(ch)
	return ch
}

func newDedup(t *testing.T, r Resolver) *Deduplicator {
	t.Helper()
	d, err := New(r, Options{})
	require.NoError(t, err)
	return d
}

func TestRun_ForwardsEachIdentityOnce(t *testing.T) {
	resolver := new(mockResolver)
	d := newDedup(t, resolver)
	rec := &recorder{}

	err := d.Run(context.Background(), rec.sink,
		source("mdns", peerB, peerB, "  "+peerB),
		source("mdns", peerC, peerB),
	)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{peerB, peerC}, rec.got())
	assert.Equal(t, 2, d.Seen())
	resolver.AssertNotCalled(t, "ResolvePrefix", mock.Anything, mock.Anything)
}

func TestRun_DropsMalformedPayloads(t *testing.T) {
	d := newDedup(t, new(mockResolver))
	rec := &recorder{}

	require.NoError(t, d.Run(context.Background(), rec.sink,
		source("beacon", "", "hello", "ZZZZZZZZ-0000-4000-8000-000000000001", "ABCDEF"),
	))
	assert.Empty(t, rec.got())
}

func TestRun_DropsPayloadsOutsideIdentityShape(t *testing.T) {
	resolver := new(mockResolver)
	d := newDedup(t, resolver)
	rec := &recorder{}

	require.NoError(t, d.Run(context.Background(), rec.sink,
		source("mdns",
			strings.Repeat("-", domain.FullIdentityLength),
			strings.Repeat("0", 58),
			peerB+"-0000",
			"BBBBBBBB00000-4000-8000-000000000002",
		),
		source("beacon", strings.Repeat("-", 28)),
	))
	assert.Empty(t, rec.got())
	assert.Zero(t, d.Seen())
	resolver.AssertNotCalled(t, "ResolvePrefix", mock.Anything, mock.Anything)
}

func TestRun_NormalizesCase(t *testing.T) {
	d := newDedup(t, new(mockResolver))
	rec := &recorder{}

	lower := "bbbbbbbb-0000-4000-8000-000000000002"
	require.NoError(t, d.Run(context.Background(), rec.sink, source("mdns", lower, peerB)))
	assert.Equal(t, []string{peerB}, rec.got())
}

func TestRun_ResolvesPrefixAndMergesWithFullSighting(t *testing.T) {
	resolver := new(mockResolver)
	prefix := peerB[:28]
	resolver.On("ResolvePrefix", mock.Anything, prefix).Return(peerB, nil).Once()

	d := newDedup(t, resolver)
	rec := &recorder{}

	require.NoError(t, d.Run(context.Background(), rec.sink,
		source("beacon", prefix, prefix),
		source("mdns", peerB),
	))

	assert.Equal(t, []string{peerB}, rec.got())
	resolver.AssertExpectations(t)
}

func TestRun_ResolutionFailureIsRetriedOnNextSighting(t *testing.T) {
	resolver := new(mockResolver)
	prefix := peerC[:28]
	resolver.On("ResolvePrefix", mock.Anything, prefix).
		Return("", fmt.Errorf("lookup: %w", domain.ErrNotFound)).Once()
	resolver.On("ResolvePrefix", mock.Anything, prefix).Return(peerC, nil).Once()

	d := newDedup(t, resolver)
	rec := &recorder{}

	require.NoError(t, d.Run(context.Background(), rec.sink, source("beacon", prefix)))
	assert.Empty(t, rec.got())

	require.NoError(t, d.Run(context.Background(), rec.sink, source("beacon", prefix)))
	assert.Equal(t, []string{peerC}, rec.got())
	resolver.AssertExpectations(t)
}

func TestForget_AllowsReofferingPeer(t *testing.T) {
	resolver := new(mockResolver)
	prefix := peerB[:28]
	resolver.On("ResolvePrefix", mock.Anything, prefix).Return(peerB, nil).Twice()

	d := newDedup(t, resolver)
	rec := &recorder{}

	require.NoError(t, d.Run(context.Background(), rec.sink, source("beacon", prefix)))
	d.Forget(peerB)
	assert.Zero(t, d.Seen())

	require.NoError(t, d.Run(context.Background(), rec.sink, source("beacon", prefix)))
	assert.Equal(t, []string{peerB, peerB}, rec.got())
	resolver.AssertExpectations(t)
}

func TestRun_StopsOnCancel(t *testing.T) {
	d := newDedup(t, new(mockResolver))
	ctx, cancel := context.WithCancel(context.Background())

	open := make(chan transport.Event)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, func(context.Context, string) {}, open) }()

	cancel()
	assert.NoError(t, <-done)
}
