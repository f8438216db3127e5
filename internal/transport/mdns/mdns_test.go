package mdns

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	service  = "_unipass._udp.local."
	identity = "AAAAAAAA-0000-4000-8000-000000000001"
)

func roundTrip(t *testing.T, m *dns.Msg) *dns.Msg {
	t.Helper()
	buf, err := m.Pack()
	require.NoError(t, err)
	out := new(dns.Msg)
	require.NoError(t, out.Unpack(buf))
	return out
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, service, cfg.ServiceName())

	cfg.Service = "unipass"
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	cfg = DefaultConfig()
	cfg.Interval = 0
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
}

func TestAnnouncementCarriesIdentity(t *testing.T) {
	msg := roundTrip(t, BuildAnnouncement(service, identity))

	assert.True(t, msg.Response)
	require.Len(t, msg.Answer, 2)
	ptr, ok := msg.Answer[0].(*dns.PTR)
	require.True(t, ok)
	assert.Equal(t, InstanceName(service, identity), ptr.Ptr)

	assert.Equal(t, []string{identity}, ParseIdentities(service, msg))
}

func TestParseIdentities_FallsBackToInstanceLabel(t *testing.T) {
	msg := BuildAnnouncement(service, identity)
	msg.Answer = msg.Answer[:1]

	ids := ParseIdentities(service, roundTrip(t, msg))
	assert.Equal(t, []string{"aaaaaaaa-0000-4000-8000-000000000001"}, ids)
}

func TestParseIdentities_IgnoresOtherServicesAndQueries(t *testing.T) {
	other := BuildAnnouncement("_printer._tcp.local.", identity)
	assert.Empty(t, ParseIdentities(service, roundTrip(t, other)))

	assert.Empty(t, ParseIdentities(service, roundTrip(t, BuildQuery(service))))
}

func TestParseIdentities_Deduplicates(t *testing.T) {
	a := BuildAnnouncement(service, identity)
	b := BuildAnnouncement(service, "BBBBBBBB-0000-4000-8000-000000000002")
	a.Answer = append(a.Answer, a.Answer...)
	a.Extra = b.Answer

	ids := ParseIdentities(service, roundTrip(t, a))
	assert.ElementsMatch(t, []string{identity, "BBBBBBBB-0000-4000-8000-000000000002"}, ids)
}

func TestRadioAnswersOnlyServiceQueries(t *testing.T) {
	r, err := New(DefaultConfig(), nil)
	require.NoError(t, err)

	announcement, err := BuildAnnouncement(service, identity).Pack()
	require.NoError(t, err)

	query, err := BuildQuery(service).Pack()
	require.NoError(t, err)
	assert.Equal(t, announcement, r.answer(query, announcement))

	otherQuery, err := BuildQuery("_printer._tcp.local.").Pack()
	require.NoError(t, err)
	assert.Nil(t, r.answer(otherQuery, announcement))

	assert.Nil(t, r.answer(announcement, announcement), "responses are not answered")
	assert.Nil(t, r.answer([]byte{0x01}, announcement))
}
