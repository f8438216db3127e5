package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unipass/backend/internal/app"
	"github.com/unipass/backend/internal/config"
	"github.com/unipass/backend/internal/docstore"
	"github.com/unipass/backend/internal/domain"
	"github.com/unipass/backend/internal/identity"
	"github.com/unipass/backend/internal/retry"
	"github.com/unipass/backend/internal/socialgraph"
	"github.com/unipass/backend/internal/transport"
)

const (
	selfID = "AAAAAAAA-0000-4000-8000-000000000001"
	peerB  = "BBBBBBBB-0000-4000-8000-000000000002"
	peerC  = "CCCCCCCC-0000-4000-8000-000000000003"
)

type fixture struct {
	env   Env
	store *docstore.Memory
	mdns  *transport.MemoryRadio
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: docstore.NewMemory(),
		mdns:  transport.NewMemoryRadio(transport.PowerReady),
	}
	statePath := filepath.Join(t.TempDir(), "state.db")
	f.env = Env{
		Config: func() (config.Config, error) {
			return config.Config{
				Identity:  config.IdentityConfig{StatePath: statePath},
				Store:     config.StoreConfig{Backend: config.BackendMemory},
				Retry:     config.RetryConfig{BaseDelay: time.Millisecond, MaxAttempts: 4},
				Discovery: config.DiscoveryConfig{CacheSize: 64},
			}, nil
		},
		OpenBackend: func(context.Context, *slog.Logger, config.Config) (app.Backend, error) {
			return app.Backend{Store: f.store}, nil
		},
		OpenIdentity: func(path string) (*identity.Store, error) {
			return identity.Open(path, identity.WithGenerator(func() string { return selfID }))
		},
		Radios: func(config.DiscoveryConfig, *slog.Logger) ([]app.RadioSpec, error) {
			return []app.RadioSpec{{Name: "mdns", Radio: f.mdns}}, nil
		},
	}
	return f
}

func (f *fixture) graph() *socialgraph.Client {
	return socialgraph.New(f.store, retry.New(time.Millisecond, 4))
}

func (f *fixture) run(args ...string) (string, error) {
	cmd := NewRootCommandWithEnv(f.env)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"identity", "show"},
		{"identity", "reset"},
		{"network"},
		{"meetups", "list"},
		{"meetups", "create"},
		{"meetups", "join"},
		{"meetups", "leave"},
		{"interactions"},
		{"discover"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	assert.NotNil(t, cmd.PersistentFlags().Lookup("state"))
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("--format", "xml", "identity", "show")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitConfig, GetExitCode(WrapExitError(ExitConfig, "x", assert.AnError)))
}

func TestIdentityShow(t *testing.T) {
	f := newFixture(t)
	out, err := f.run("--format", "json", "identity", "show")
	require.NoError(t, err)

	var view identityView
	decodeData(t, out, &view)
	assert.Equal(t, selfID, view.Identity)
	assert.False(t, view.OnboardingComplete)

	out, err = f.run("identity", "show")
	require.NoError(t, err)
	assert.Contains(t, out, selfID)
}

func TestIdentityReset_RequiresYes(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("identity", "reset")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))

	out, err := f.run("identity", "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "identity reset")
}

func TestNetwork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	g := f.graph()
	for _, id := range []string{selfID, peerB, peerC} {
		_, err := g.CreateProfile(ctx, id)
		require.NoError(t, err)
	}
	link := func(a, b string) {
		_, err := g.UpdateProfile(ctx, a, func(p *domain.Profile) { p.AddFriend(b) })
		require.NoError(t, err)
	}
	link(selfID, peerB)
	link(peerB, selfID)
	link(peerB, peerC)
	link(peerC, peerB)

	out, err := f.run("--format", "json", "network")
	require.NoError(t, err)

	var view struct {
		Profile domain.Profile   `json:"profile"`
		First   []domain.Profile `json:"first"`
		Second  []domain.Profile `json:"second"`
	}
	decodeData(t, out, &view)
	assert.Equal(t, selfID, view.Profile.Identity)
	require.Len(t, view.First, 1)
	assert.Equal(t, peerB, view.First[0].Identity)
	require.Len(t, view.Second, 1)
	assert.Equal(t, peerC, view.Second[0].Identity)

	out, err = f.run("network", "--id", peerC)
	require.NoError(t, err)
	assert.Contains(t, out, "1st degree (1)")
	assert.Contains(t, out, "2nd degree (1)")
}

func TestNetwork_UnknownIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("network", "--id", "not-an-id")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))

	_, err = f.run("network")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMeetups_CreateRequiresConfirmation(t *testing.T) {
	f := newFixture(t)
	_, err := f.graph().CreateProfile(context.Background(), selfID)
	require.NoError(t, err)
	at := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)

	out, err := f.run("--format", "json", "meetups", "create",
		"--title", "Study group", "--location", "Library", "--at", at)
	require.NoError(t, err)
	var first struct {
		Status string        `json:"status"`
		Meetup domain.Meetup `json:"meetup"`
	}
	decodeData(t, out, &first)
	assert.Equal(t, "joined", first.Status)
	assert.Equal(t, []string{selfID}, first.Meetup.Participants)

	_, err = f.run("meetups", "create", "--title", "Lunch", "--location", "Cafe", "--at", at)
	require.Error(t, err)
	assert.Equal(t, ExitUnconfirmed, GetExitCode(err))

	out, err = f.run("meetups", "create", "--title", "Lunch", "--location", "Cafe", "--at", at, "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted: "+first.Meetup.ID)

	out, err = f.run("--format", "json", "meetups", "list")
	require.NoError(t, err)
	var listed []domain.Meetup
	decodeData(t, out, &listed)
	require.Len(t, listed, 1)
	assert.Equal(t, "Lunch", listed[0].Title)

	out, err = f.run("meetups", "leave", listed[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "was deleted")
}

func TestMeetups_CreateValidation(t *testing.T) {
	f := newFixture(t)
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	_, err := f.run("meetups", "create", "--title", "Late", "--location", "Quad", "--at", past)
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))

	_, err = f.run("meetups", "create", "--title", "Bad", "--location", "Quad", "--at", "tomorrow")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
}

func TestMeetups_JoinMissing(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("meetups", "join", "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInteractions_Empty(t *testing.T) {
	f := newFixture(t)
	_, err := f.graph().CreateProfile(context.Background(), selfID)
	require.NoError(t, err)

	out, err := f.run("interactions")
	require.NoError(t, err)
	assert.Contains(t, out, "WHEN")
}

func TestDiscover(t *testing.T) {
	f := newFixture(t)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.run("--format", "json", "discover", "--duration", "500ms")
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		return f.mdns.Deliver(peerB) > 0
	}, 2*time.Second, 5*time.Millisecond)
	f.mdns.Deliver(selfID)
	f.mdns.Deliver(peerB)

	res := <-done
	require.NoError(t, res.err)
	var found []sighting
	decodeData(t, res.out, &found)
	require.Len(t, found, 1)
	assert.Equal(t, peerB, found[0].Identity)
	assert.Equal(t, []string{selfID}, f.mdns.Advertised())
}

func TestDiscover_RejectsZeroDuration(t *testing.T) {
	f := newFixture(t)
	_, err := f.run("discover", "--duration", "0s")
	require.Error(t, err)
	assert.Equal(t, ExitUsage, GetExitCode(err))
}
