package xmpp

import (
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/restxmpp/gateway/internal/types"
)

// RosterOutbound is the slice of connection operations the roster state
// machine needs for its defensive resyncs, auto-authorization and
// auto-join behavior.
type RosterOutbound interface {
	Subscribe(addr string) error
	Unsubscribe(addr string) error
	Authorize(addr string) error
	JoinRoomAddress(addr string) error
}

type resourceState struct {
	priority int
	show     types.PresenceState
	status   string
	nick     string
}

// contactData is the per-contact state not exposed to clients: the live
// resource map and the name sources used for display-name resolution.
type contactData struct {
	pushName  string
	nick      string
	resources map[string]*resourceState
}

type roomState struct {
	room    types.Room
	members map[string]types.Member
}

// Roster tracks contact and room lifecycle: subscription and
// authorization state, presence aggregation over resources, and the
// read/history cursors clients move. It is mutated by the connection's
// dispatch goroutine and by caller-context offset updates, so every
// method takes the roster lock.
type Roster struct {
	mu       sync.Mutex
	log      *log.Logger
	seq      *EventSequencer
	ids      *IdentityMapper
	out      RosterOutbound
	selfAddr string

	contacts map[string]*types.Contact
	data     map[string]*contactData
	rooms    map[string]*roomState
}

func NewRoster(logger *log.Logger, seq *EventSequencer, ids *IdentityMapper, out RosterOutbound, selfAddr string) *Roster {
	return &Roster{
		log:      logger,
		seq:      seq,
		ids:      ids,
		out:      out,
		selfAddr: strings.ToLower(BareAddress(selfAddr)),
		contacts: make(map[string]*types.Contact),
		data:     make(map[string]*contactData),
		rooms:    make(map[string]*roomState),
	}
}

func (r *Roster) newContact(id, addr string) *types.Contact {
	c := &types.Contact{
		Id:            id,
		Address:       addr,
		Show:          types.PresenceOffline,
		Subscription:  types.SubscriptionNone,
		Authorization: types.AuthorizationNone,
		EventId:       r.seq.Next(),
	}
	r.contacts[id] = c
	return c
}

func (r *Roster) contactData(id string) *contactData {
	d, ok := r.data[id]
	if !ok {
		d = &contactData{resources: make(map[string]*resourceState)}
		r.data[id] = d
	}
	return d
}

// HandleRosterPush applies a roster result or server-initiated roster
// set. A contact is only materialized once there is an outbound or
// inbound subscription intent; bare "none"/"from" items without a pending
// ask are ignored. A pending ask seen outside a roster set is resynced by
// unsubscribing and re-subscribing.
func (r *Roster) HandleRosterPush(ev RosterEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range ev.Items {
		addr := strings.ToLower(BareAddress(item.Address))
		id := r.ids.Id(addr)

		if item.Subscription == "remove" {
			delete(r.contacts, id)
			delete(r.data, id)
			continue
		}

		if (item.Subscription == "none" || item.Subscription == "from") && item.Ask != "subscribe" {
			continue
		}

		if item.Ask == "subscribe" && !ev.Set {
			if err := r.out.Unsubscribe(addr); err != nil {
				r.log.Printf("roster resync unsubscribe %s: %v", addr, err)
			}
			if err := r.out.Subscribe(addr); err != nil {
				r.log.Printf("roster resync subscribe %s: %v", addr, err)
			}
		}

		c, ok := r.contacts[id]
		if !ok {
			c = r.newContact(id, addr)
		}
		d := r.contactData(id)

		c.EventId = r.seq.Next()
		c.Name = item.Name
		c.AskPending = item.Ask == "subscribe"
		c.Subscription = types.Subscription(item.Subscription)
		if c.Subscription == types.SubscriptionFrom || c.Subscription == types.SubscriptionBoth {
			c.Authorization = types.AuthorizationGranted
		}
		c.Groups = append([]string(nil), item.Groups...)
		d.pushName = item.Name
	}
}

// HandlePresence applies one presence stanza: resource upsert or removal
// for availability, the subscription handshake for subscribe/subscribed,
// and room-member tracking when the stanza carries a group-chat payload.
// Presence from the identity's own address is ignored.
func (r *Roster) HandlePresence(ev PresenceEvent) {
	if ev.MUCUser != nil {
		r.handleRoomPresence(ev)
		return
	}

	bare := strings.ToLower(BareAddress(ev.From))
	if bare == r.selfAddr {
		return
	}
	resource := AddressResource(ev.From)

	var authorizeBack string

	r.mu.Lock()
	id := r.ids.Id(bare)
	d := r.contactData(id)

	switch ev.Type {
	case "":
		res, ok := d.resources[resource]
		if !ok {
			res = &resourceState{show: types.PresenceOnline}
			d.resources[resource] = res
		}
		res.priority = ev.Priority
		res.show = presenceShow(ev.Show)
		res.status = ev.Status
		res.nick = ev.Nick
	case "subscribe":
		c, ok := r.contacts[id]
		if !ok {
			c = r.newContact(id, bare)
			c.Authorization = types.AuthorizationRequested
			c.EventId = r.seq.Next()
		} else if c.Subscription == types.SubscriptionTo {
			authorizeBack = c.Address
		}
	case "subscribed":
		if c, ok := r.contacts[id]; ok {
			c.Authorization = types.AuthorizationGranted
			c.EventId = r.seq.Next()
		}
	case "unavailable":
		delete(d.resources, resource)
	}

	// Recompute the displayed presence from the highest-priority
	// remaining resource; no resources means offline.
	current := &resourceState{show: types.PresenceOffline}
	first := true
	for _, res := range d.resources {
		if first || res.priority > current.priority {
			current = res
			first = false
		}
	}

	if c, ok := r.contacts[id]; ok {
		c.EventId = r.seq.Next()
		c.Show = current.show
		c.Status = current.status
		d.nick = current.nick
		if d.pushName == "" {
			if current.nick != "" {
				c.Name = current.nick
			} else {
				c.Name = bare
			}
		}
	}
	r.mu.Unlock()

	if authorizeBack != "" {
		if err := r.out.Authorize(authorizeBack); err != nil {
			r.log.Printf("auto-authorize %s: %v", authorizeBack, err)
		}
	}
}

func (r *Roster) handleRoomPresence(ev PresenceEvent) {
	roomAddr := strings.ToLower(BareAddress(ev.From))
	nick := AddressResource(ev.From)
	memberAddr := ""
	if ev.MUCUser.Address != "" {
		memberAddr = strings.ToLower(BareAddress(ev.MUCUser.Address))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.ids.Id(roomAddr)

	switch ev.Type {
	case "":
		rs, ok := r.rooms[id]
		if !ok {
			rs = &roomState{
				room:    types.Room{Id: id, Address: roomAddr},
				members: make(map[string]types.Member),
			}
			r.rooms[id] = rs
		}
		rs.room.EventId = r.seq.Next()

		if memberAddr == r.selfAddr {
			return
		}
		contactId := ""
		if memberAddr != "" {
			if _, ok := r.contacts[r.ids.Id(memberAddr)]; ok {
				contactId = r.ids.Id(memberAddr)
			}
		}
		rs.members[nick] = types.Member{
			Address:   memberAddr,
			Nickname:  nick,
			ContactId: contactId,
			Name:      nick,
		}
	case "unavailable":
		rs, ok := r.rooms[id]
		if !ok {
			return
		}
		if memberAddr == r.selfAddr {
			// We left the room.
			delete(r.rooms, id)
			return
		}
		delete(rs.members, nick)
		rs.room.EventId = r.seq.Next()
	}
}

// HandleInvite honors a room invitation only when the nominal inviter is
// an already-authorized contact; anything else is dropped. Returns
// whether a join was issued.
func (r *Roster) HandleInvite(roomAddr, inviterAddr string) bool {
	inviter := strings.ToLower(BareAddress(inviterAddr))

	r.mu.Lock()
	c, ok := r.contacts[r.ids.Id(inviter)]
	authorized := ok && c.Authorization == types.AuthorizationGranted
	r.mu.Unlock()

	if !authorized {
		r.log.Printf("ignoring room invite to %s from unauthorized %s", roomAddr, inviter)
		return false
	}

	if err := r.out.JoinRoomAddress(BareAddress(roomAddr)); err != nil {
		r.log.Printf("auto-join %s: %v", roomAddr, err)
		return false
	}
	return true
}

// Contacts returns contacts with event_id > offset, ordered by event id.
func (r *Roster) Contacts(offset int64) []types.Contact {
	r.mu.Lock()
	result := make([]types.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		if c.EventId > offset {
			result = append(result, copyContact(c))
		}
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].EventId < result[j].EventId
	})
	return result
}

// Rooms returns rooms with event_id > offset, ordered by event id.
func (r *Roster) Rooms(offset int64) []types.Room {
	r.mu.Lock()
	result := make([]types.Room, 0, len(r.rooms))
	for _, rs := range r.rooms {
		if rs.room.EventId > offset {
			result = append(result, copyRoom(rs))
		}
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].EventId < result[j].EventId
	})
	return result
}

func (r *Roster) Contact(id string) (types.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[id]
	if !ok {
		return types.Contact{}, ErrNotFound
	}
	return copyContact(c), nil
}

func (r *Roster) ContactByAddress(addr string) (types.Contact, error) {
	return r.Contact(r.ids.Id(addr))
}

func (r *Roster) Room(id string) (types.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok := r.rooms[id]
	if !ok {
		return types.Room{}, ErrNotFound
	}
	return copyRoom(rs), nil
}

func (r *Roster) RoomByAddress(addr string) (types.Room, error) {
	return r.Room(r.ids.Id(addr))
}

// Resolve maps a conversation id back to its address, reporting whether
// it names a room.
func (r *Roster) Resolve(id string) (addr string, room bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.contacts[id]; ok {
		return c.Address, false, nil
	}
	if rs, ok := r.rooms[id]; ok {
		return rs.room.Address, true, nil
	}
	return "", false, ErrNotFound
}

// SetReadOffset moves a conversation's read cursor. The cursor only moves
// forward; a value at or below the stored one is a no-op. Returns whether
// a change occurred.
func (r *Roster) SetReadOffset(id string, offset int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.contacts[id]; ok {
		if offset <= c.ReadOffset {
			return false, nil
		}
		c.ReadOffset = offset
		c.EventId = r.seq.Next()
		return true, nil
	}
	if rs, ok := r.rooms[id]; ok {
		if offset <= rs.room.ReadOffset {
			return false, nil
		}
		rs.room.ReadOffset = offset
		rs.room.EventId = r.seq.Next()
		return true, nil
	}
	return false, ErrNotFound
}

// SetHistoryOffset moves a conversation's history cursor, monotonic like
// the read cursor.
func (r *Roster) SetHistoryOffset(id string, offset int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.contacts[id]; ok {
		if offset <= c.HistoryOffset {
			return false, nil
		}
		c.HistoryOffset = offset
		c.EventId = r.seq.Next()
		return true, nil
	}
	if rs, ok := r.rooms[id]; ok {
		if offset <= rs.room.HistoryOffset {
			return false, nil
		}
		rs.room.HistoryOffset = offset
		rs.room.EventId = r.seq.Next()
		return true, nil
	}
	return false, ErrNotFound
}

// ReadOffsets returns the read cursor of every contact and room, keyed by
// conversation id. Used for unread counting.
func (r *Roster) ReadOffsets() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	offsets := make(map[string]int64, len(r.contacts)+len(r.rooms))
	for id, c := range r.contacts {
		offsets[id] = c.ReadOffset
	}
	for id, rs := range r.rooms {
		offsets[id] = rs.room.ReadOffset
	}
	return offsets
}

func copyContact(c *types.Contact) types.Contact {
	out := *c
	out.Groups = append([]string(nil), c.Groups...)
	return out
}

func copyRoom(rs *roomState) types.Room {
	out := rs.room
	out.Members = make([]types.Member, 0, len(rs.members))
	for _, m := range rs.members {
		out.Members = append(out.Members, m)
	}
	sort.Slice(out.Members, func(i, j int) bool {
		return out.Members[i].Nickname < out.Members[j].Nickname
	})
	return out
}

func presenceShow(show string) types.PresenceState {
	switch show {
	case "", "chat":
		return types.PresenceOnline
	case "away":
		return types.PresenceAway
	case "dnd":
		return types.PresenceDnd
	case "xa":
		return types.PresenceExtendedAway
	default:
		return types.PresenceOnline
	}
}
