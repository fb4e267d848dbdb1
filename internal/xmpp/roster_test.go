package xmpp

import (
	"testing"

	"github.com/restxmpp/gateway/internal/testutil"
	"github.com/restxmpp/gateway/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbound struct {
	subscribes   []string
	unsubscribes []string
	authorizes   []string
	joins        []string
}

func (f *fakeOutbound) Subscribe(addr string) error {
	f.subscribes = append(f.subscribes, addr)
	return nil
}

func (f *fakeOutbound) Unsubscribe(addr string) error {
	f.unsubscribes = append(f.unsubscribes, addr)
	return nil
}

func (f *fakeOutbound) Authorize(addr string) error {
	f.authorizes = append(f.authorizes, addr)
	return nil
}

func (f *fakeOutbound) JoinRoomAddress(addr string) error {
	f.joins = append(f.joins, addr)
	return nil
}

func newTestRoster(t *testing.T) (*Roster, *IdentityMapper, *fakeOutbound) {
	t.Helper()

	ids, err := NewIdentityMapper()
	require.NoError(t, err)

	out := &fakeOutbound{}
	r := NewRoster(testutil.TestLogger(t), &EventSequencer{}, ids, out, "self@example.com")
	return r, ids, out
}

func TestRoster_HandleRosterPush(t *testing.T) {
	r, ids, _ := newTestRoster(t)

	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "both@example.com", Name: "Both", Subscription: "both", Groups: []string{"friends"}},
		{Address: "bare@example.com", Subscription: "none"},
		{Address: "from@example.com", Subscription: "from"},
	}})

	contact, err := r.Contact(ids.Id("both@example.com"))
	require.NoError(t, err, "expected a subscribed item to materialize")
	assert.Equal(t, "Both", contact.Name)
	assert.Equal(t, types.SubscriptionBoth, contact.Subscription)
	assert.Equal(t, types.AuthorizationGranted, contact.Authorization,
		"expected a from/both subscription to imply granted authorization")
	assert.Equal(t, []string{"friends"}, contact.Groups)

	_, err = r.Contact(ids.Id("bare@example.com"))
	assert.ErrorIs(t, err, ErrNotFound, "expected a bare none item without ask to be ignored")

	_, err = r.Contact(ids.Id("from@example.com"))
	assert.ErrorIs(t, err, ErrNotFound, "expected a bare from item without ask to be ignored")
}

func TestRoster_HandleRosterPush_Remove(t *testing.T) {
	r, ids, _ := newTestRoster(t)

	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "gone@example.com", Subscription: "to"},
	}})
	require.Len(t, r.Contacts(0), 1)

	r.HandleRosterPush(RosterEvent{Set: true, Items: []RosterItem{
		{Address: "gone@example.com", Subscription: "remove"},
	}})

	_, err := r.Contact(ids.Id("gone@example.com"))
	assert.ErrorIs(t, err, ErrNotFound, "expected the removed contact to be gone")
}

func TestRoster_HandleRosterPush_PendingAskResync(t *testing.T) {
	r, _, out := newTestRoster(t)

	// A pending ask in the initial roster result is resynced.
	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "pending@example.com", Subscription: "none", Ask: "subscribe"},
	}})
	assert.Equal(t, []string{"pending@example.com"}, out.unsubscribes, "expected an unsubscribe before re-asking")
	assert.Equal(t, []string{"pending@example.com"}, out.subscribes, "expected a fresh subscribe")

	contact, err := r.ContactByAddress("pending@example.com")
	require.NoError(t, err)
	assert.True(t, contact.AskPending)

	// The same item inside a roster set is not resynced again.
	r.HandleRosterPush(RosterEvent{Set: true, Items: []RosterItem{
		{Address: "pending@example.com", Subscription: "none", Ask: "subscribe"},
	}})
	assert.Len(t, out.subscribes, 1, "expected no resync for a roster set")
}

func TestRoster_PresenceAggregation(t *testing.T) {
	r, _, _ := newTestRoster(t)

	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "alice@example.com", Name: "Alice", Subscription: "both"},
	}})

	r.HandlePresence(PresenceEvent{From: "alice@example.com/desk", Priority: 1})
	contact, err := r.ContactByAddress("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, types.PresenceOnline, contact.Show, "expected one available resource to show online")

	// A higher priority resource takes over.
	r.HandlePresence(PresenceEvent{From: "alice@example.com/phone", Priority: 5, Show: "away", Status: "brb"})
	contact, _ = r.ContactByAddress("alice@example.com")
	assert.Equal(t, types.PresenceAway, contact.Show, "expected the higher priority resource to win")
	assert.Equal(t, "brb", contact.Status)

	// When it goes away, the remaining resource shows again.
	r.HandlePresence(PresenceEvent{From: "alice@example.com/phone", Type: "unavailable"})
	contact, _ = r.ContactByAddress("alice@example.com")
	assert.Equal(t, types.PresenceOnline, contact.Show, "expected fallback to the remaining resource")

	// No resources left means offline.
	r.HandlePresence(PresenceEvent{From: "alice@example.com/desk", Type: "unavailable"})
	contact, _ = r.ContactByAddress("alice@example.com")
	assert.Equal(t, types.PresenceOffline, contact.Show, "expected offline with no live resources")
}

func TestRoster_SelfPresenceIgnored(t *testing.T) {
	r, _, _ := newTestRoster(t)

	r.HandlePresence(PresenceEvent{From: "self@example.com/other-device", Priority: 1})
	assert.Empty(t, r.Contacts(0), "expected own presence to be ignored")
}

func TestRoster_SubscribeRequest(t *testing.T) {
	r, _, out := newTestRoster(t)

	// A stranger's subscribe creates a contact pending authorization.
	r.HandlePresence(PresenceEvent{From: "stranger@example.com", Type: "subscribe"})
	contact, err := r.ContactByAddress("stranger@example.com")
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationRequested, contact.Authorization)
	assert.Empty(t, out.authorizes, "expected no auto-authorization for strangers")

	// A subscribe from someone we already subscribe to is granted back.
	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "friend@example.com", Subscription: "to"},
	}})
	r.HandlePresence(PresenceEvent{From: "friend@example.com", Type: "subscribe"})
	assert.Equal(t, []string{"friend@example.com"}, out.authorizes,
		"expected an automatic subscribed for a contact we subscribe to")
}

func TestRoster_SubscribedGrants(t *testing.T) {
	r, _, _ := newTestRoster(t)

	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "alice@example.com", Subscription: "to"},
	}})

	r.HandlePresence(PresenceEvent{From: "alice@example.com", Type: "subscribed"})
	contact, err := r.ContactByAddress("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationGranted, contact.Authorization)
}

func TestRoster_RoomPresence(t *testing.T) {
	r, ids, _ := newTestRoster(t)

	r.HandlePresence(PresenceEvent{
		From:    "lounge@conference.example.com/alice",
		MUCUser: &MUCUserItem{Address: "alice@example.com"},
	})

	room, err := r.RoomByAddress("lounge@conference.example.com")
	require.NoError(t, err, "expected the room to materialize on first member presence")
	require.Len(t, room.Members, 1)
	assert.Equal(t, "alice", room.Members[0].Nickname)
	assert.Equal(t, "alice@example.com", room.Members[0].Address)
	assert.Empty(t, room.Members[0].ContactId, "expected no contact link for a non-roster member")

	// A member on the roster is cross-linked.
	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "bob@example.com", Subscription: "both"},
	}})
	r.HandlePresence(PresenceEvent{
		From:    "lounge@conference.example.com/bob",
		MUCUser: &MUCUserItem{Address: "bob@example.com"},
	})
	room, _ = r.RoomByAddress("lounge@conference.example.com")
	require.Len(t, room.Members, 2)
	assert.Equal(t, ids.Id("bob@example.com"), room.Members[1].ContactId)

	// Member leave.
	r.HandlePresence(PresenceEvent{
		From:    "lounge@conference.example.com/alice",
		Type:    "unavailable",
		MUCUser: &MUCUserItem{Address: "alice@example.com"},
	})
	room, _ = r.RoomByAddress("lounge@conference.example.com")
	require.Len(t, room.Members, 1)

	// Our own leave removes the room.
	r.HandlePresence(PresenceEvent{
		From:    "lounge@conference.example.com/self",
		Type:    "unavailable",
		MUCUser: &MUCUserItem{Address: "self@example.com"},
	})
	_, err = r.RoomByAddress("lounge@conference.example.com")
	assert.ErrorIs(t, err, ErrNotFound, "expected the room to be dropped when we leave")
}

func TestRoster_HandleInvite(t *testing.T) {
	r, _, out := newTestRoster(t)

	assert.False(t, r.HandleInvite("lounge@conference.example.com", "stranger@example.com"),
		"expected invites from unknown senders to be dropped")
	assert.Empty(t, out.joins)

	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "friend@example.com", Subscription: "both"},
	}})

	assert.True(t, r.HandleInvite("lounge@conference.example.com", "friend@example.com/phone"),
		"expected invites from authorized contacts to be honored")
	assert.Equal(t, []string{"lounge@conference.example.com"}, out.joins)
}

func TestRoster_Offsets(t *testing.T) {
	r, ids, _ := newTestRoster(t)

	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "alice@example.com", Subscription: "both"},
	}})
	id := ids.Id("alice@example.com")

	changed, err := r.SetReadOffset(id, 10)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.SetReadOffset(id, 5)
	require.NoError(t, err)
	assert.False(t, changed, "expected the read cursor to only move forward")

	changed, err = r.SetHistoryOffset(id, 7)
	require.NoError(t, err)
	assert.True(t, changed)

	contact, _ := r.Contact(id)
	assert.Equal(t, int64(10), contact.ReadOffset)
	assert.Equal(t, int64(7), contact.HistoryOffset)

	offsets := r.ReadOffsets()
	assert.Equal(t, int64(10), offsets[id])

	_, err = r.SetReadOffset("unknown", 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoster_ContactsFiltering(t *testing.T) {
	r, _, _ := newTestRoster(t)

	r.HandleRosterPush(RosterEvent{Items: []RosterItem{
		{Address: "a@example.com", Subscription: "both"},
	}})
	contacts := r.Contacts(0)
	require.Len(t, contacts, 1)
	first := contacts[0].EventId

	r.HandleRosterPush(RosterEvent{Set: true, Items: []RosterItem{
		{Address: "b@example.com", Subscription: "to"},
	}})

	contacts = r.Contacts(first)
	require.Len(t, contacts, 1, "expected only contacts changed past the offset")
	assert.Equal(t, "b@example.com", contacts[0].Address)
}
