package xmpp

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/restxmpp/gateway/internal/stats"
	"github.com/restxmpp/gateway/internal/types"
)

// reconnectAttempts bounds the retry loop after a dropped connection.
// Exhausting it tears the connection down for good.
const reconnectAttempts = 5

// Observer receives the derived events a connection fans out after its
// state changed. Implemented by sessions.
type Observer interface {
	OnMessage(conversationId, text string, inbound bool)
	OnDelivered(conversationId, wireId string)
	OnContactsChanged()
	OnUnreadChanged()
	OnClosed(err error)
}

// ProtocolConnection owns the single physical connection for one
// identity, along with its roster, conversation store and id spaces. It
// is the only inbound writer into those structures: one dispatch
// goroutine consumes transport events and routes them, while outbound
// operations come in from arbitrary caller contexts. Sessions attach as
// observers; the pool tears the connection down when the last one
// detaches.
type ProtocolConnection struct {
	log    *log.Logger
	dialer Dialer
	server string
	stats  stats.StatsProvider

	address  string
	user     string
	domain   string
	resource string
	secret   string
	roomNick string

	seq    *EventSequencer
	ids    *IdentityMapper
	roster *Roster
	store  *ConversationStore

	presenceHandlers []func(PresenceEvent) HandlerResult
	messageHandlers  []func(MessageEvent) HandlerResult

	mu        sync.Mutex
	conn      Conn
	connected bool
	closing   bool
	observers map[Observer]struct{}
	done      chan struct{}
}

func NewProtocolConnection(logger *log.Logger, dialer Dialer, server, address, secret string, bufferSize int, statsProvider stats.StatsProvider) (*ProtocolConnection, error) {
	bare := strings.ToLower(BareAddress(address))
	if AddressNode(bare) == bare || AddressDomain(bare) == "" {
		return nil, &ValueError{Param: "jid"}
	}

	resource := AddressResource(address)
	if resource == "" {
		resource = "gateway"
	}

	ids, err := NewIdentityMapper()
	if err != nil {
		return nil, fmt.Errorf("new identity mapper: %w", err)
	}

	c := &ProtocolConnection{
		log:       logger,
		dialer:    dialer,
		server:    server,
		stats:     statsProvider,
		address:   bare,
		user:      AddressNode(bare),
		domain:    AddressDomain(bare),
		resource:  resource,
		secret:    secret,
		roomNick:  AddressNode(bare),
		seq:       &EventSequencer{},
		ids:       ids,
		observers: make(map[Observer]struct{}),
	}
	c.roster = NewRoster(logger, c.seq, ids, c, bare)
	c.store = NewConversationStore(c.seq, bufferSize)
	c.store.SetReceiptFunc(c.sendDeliveryReceipt)

	// Handler order matters: the roster tracker runs first, then
	// observer fan-out; a Handled result stops the chain.
	c.presenceHandlers = []func(PresenceEvent) HandlerResult{
		c.trackPresence,
		c.fanOutPresence,
	}
	c.messageHandlers = []func(MessageEvent) HandlerResult{
		c.handleInvite,
		c.handleGroupChatMessage,
		c.handleChatMessage,
	}

	return c, nil
}

// Address returns the bare identity address this connection serves.
func (c *ProtocolConnection) Address() string {
	return c.address
}

// Connect dials, authenticates, requests the initial roster and starts
// the dispatch goroutine. A no-op when already connected.
func (c *ProtocolConnection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	conn, err := c.establish()
	if err != nil {
		return err
	}

	c.conn = conn
	c.connected = true
	c.closing = false
	c.done = make(chan struct{})
	go c.dispatch(conn)

	return nil
}

// establish performs one dial+authenticate+bootstrap cycle. Caller holds
// the lock or is the dispatch goroutine during reconnect.
func (c *ProtocolConnection) establish() (Conn, error) {
	conn, err := c.dialer.Dial(c.server)
	if err != nil {
		return nil, &ConnectionError{Server: c.server, Err: err}
	}

	if err := conn.Authenticate(c.user, c.secret, c.resource); err != nil {
		conn.Close()
		return nil, &AuthError{Address: c.address}
	}

	if _, err := conn.Send(RosterGetStanza{}); err != nil {
		conn.Close()
		return nil, &ConnectionError{Server: c.server, Err: err}
	}
	if _, err := conn.Send(PresenceStanza{}); err != nil {
		conn.Close()
		return nil, &ConnectionError{Server: c.server, Err: err}
	}

	return conn, nil
}

// CheckCredentials validates credentials with a throwaway connect+auth
// cycle, without touching the shared connection. Used when a second
// device attaches to an already-open identity.
func (c *ProtocolConnection) CheckCredentials(address, secret string) (bool, error) {
	conn, err := c.dialer.Dial(c.server)
	if err != nil {
		return false, &ConnectionError{Server: c.server, Err: err}
	}
	defer conn.Close()

	if err := conn.Authenticate(AddressNode(BareAddress(address)), secret, c.resource); err != nil {
		return false, nil
	}
	return true, nil
}

func (c *ProtocolConnection) dispatch(conn Conn) {
	defer close(c.done)

	for {
		for ev := range conn.Events() {
			c.handleEvent(ev)
		}

		c.mu.Lock()
		closing := c.closing
		c.connected = false
		c.mu.Unlock()

		if closing {
			return
		}

		next, err := c.reconnect()
		if err != nil {
			c.log.Printf("connection %s: giving up: %v", c.address, err)
			c.notifyClosed(err)
			return
		}
		conn = next
	}
}

func (c *ProtocolConnection) reconnect() (Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		c.log.Printf("connection %s: reconnect attempt %d/%d", c.address, attempt, reconnectAttempts)
		conn, err := c.establish()
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			conn.Close()
			return nil, fmt.Errorf("connection closed")
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()
		return conn, nil
	}

	return nil, &ConnectionError{Server: c.server, Err: lastErr}
}

func (c *ProtocolConnection) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case PresenceEvent:
		for _, h := range c.presenceHandlers {
			if h(ev) == Handled {
				return
			}
		}
	case MessageEvent:
		for _, h := range c.messageHandlers {
			if h(ev) == Handled {
				return
			}
		}
	case RosterEvent:
		c.roster.HandleRosterPush(ev)
	case StreamErrorEvent:
		if ev.Code >= 500 && ev.Code < 600 {
			c.log.Printf("connection %s: server error %d: %s", c.address, ev.Code, ev.Text)
			// Runs on the dispatch goroutine, so close the transport
			// without waiting for dispatch to exit.
			c.mu.Lock()
			c.closing = true
			conn := c.conn
			c.connected = false
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
		}
	}
}

func (c *ProtocolConnection) trackPresence(ev PresenceEvent) HandlerResult {
	c.roster.HandlePresence(ev)
	return PassThrough
}

func (c *ProtocolConnection) fanOutPresence(ev PresenceEvent) HandlerResult {
	c.notifyContactsChanged()
	return Handled
}

func (c *ProtocolConnection) handleInvite(ev MessageEvent) HandlerResult {
	if ev.InviteFrom == "" {
		return PassThrough
	}
	c.roster.HandleInvite(ev.From, ev.InviteFrom)
	return Handled
}

func (c *ProtocolConnection) handleGroupChatMessage(ev MessageEvent) HandlerResult {
	if ev.Type != "groupchat" {
		return PassThrough
	}
	if ev.Body == "" {
		return Handled
	}

	roomId := c.ids.Id(ev.From)
	c.store.Append(roomId, true, ev.Body, ev.WireId, false)
	c.notifyMessage(roomId, ev.Body, true)
	return Handled
}

func (c *ProtocolConnection) handleChatMessage(ev MessageEvent) HandlerResult {
	if ev.Type != "chat" && ev.Type != "" {
		return PassThrough
	}

	contactId := c.ids.Id(ev.From)

	if ev.Body != "" {
		c.store.Append(contactId, true, ev.Body, ev.WireId, ev.RequestReceipt)
		c.notifyMessage(contactId, ev.Body, true)
		return Handled
	}

	if ev.ReceiptAckId != "" {
		if c.store.MarkDelivered(contactId, ev.ReceiptAckId) {
			c.notifyDelivered(contactId, ev.ReceiptAckId)
		}
		return Handled
	}

	return Handled
}

// sendDeliveryReceipt is the ConversationStore's receipt emitter: it acks
// an inbound message the first time a client reads it.
func (c *ProtocolConnection) sendDeliveryReceipt(conversationId, wireId string) {
	if wireId == "" {
		return
	}
	addr, _, err := c.roster.Resolve(conversationId)
	if err != nil {
		addr, _ = c.ids.Address(conversationId)
	}
	if addr == "" {
		return
	}

	if err := c.send(MessageStanza{To: addr, ReceiptAckId: wireId}); err != nil {
		c.log.Printf("delivery receipt to %s: %v", addr, err)
	}
}

func (c *ProtocolConnection) send(st Stanza) error {
	_, err := c.sendForId(st)
	return err
}

func (c *ProtocolConnection) sendForId(st Stanza) (string, error) {
	c.mu.Lock()
	conn, connected := c.conn, c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return "", &SendError{Reason: "not connected"}
	}

	wireId, err := conn.Send(st)
	if err != nil {
		return "", &SendError{Reason: err.Error()}
	}
	return wireId, nil
}

// IsConnected reports whether the transport is currently up.
func (c *ProtocolConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close shuts the connection down intentionally; the dispatch loop exits
// without reconnecting.
func (c *ProtocolConnection) Close() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.connected = false
	done := c.done
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}

// Send resolves the conversation id, emits the message on the wire and
// records it. Chat messages request a delivery receipt; group-chat
// messages do not.
func (c *ProtocolConnection) Send(conversationId, text string) (types.Message, error) {
	addr, room, err := c.roster.Resolve(conversationId)
	if err != nil {
		return types.Message{}, err
	}

	st := MessageStanza{To: addr, Type: "chat", Body: text, RequestReceipt: true}
	if room {
		st = MessageStanza{To: addr, Type: "groupchat", Body: text}
	}

	wireId, err := c.sendForId(st)
	if err != nil {
		return types.Message{}, err
	}

	msg := c.store.Append(conversationId, false, text, wireId, !room)
	c.notifyMessage(conversationId, text, false)
	return msg, nil
}

// SendByAddress sends a chat message to a raw address that need not be on
// the roster yet.
func (c *ProtocolConnection) SendByAddress(address, text string) (types.Message, error) {
	bare := strings.ToLower(BareAddress(address))
	wireId, err := c.sendForId(MessageStanza{To: bare, Type: "chat", Body: text, RequestReceipt: true})
	if err != nil {
		return types.Message{}, err
	}

	conversationId := c.ids.Id(bare)
	msg := c.store.Append(conversationId, false, text, wireId, true)
	c.notifyMessage(conversationId, text, false)
	return msg, nil
}

// Messages queries the conversation store; conversationIds nil searches
// everything, eventOffset filters event_id > eventOffset.
func (c *ProtocolConnection) Messages(conversationIds []string, eventOffset int64) []types.Message {
	return c.store.Messages(conversationIds, eventOffset)
}

func (c *ProtocolConnection) Contacts(eventOffset int64) ([]types.Contact, error) {
	if !c.IsConnected() {
		return nil, &RosterError{Op: "contacts"}
	}
	return c.roster.Contacts(eventOffset), nil
}

func (c *ProtocolConnection) Contact(id string) (types.Contact, error) {
	if !c.IsConnected() {
		return types.Contact{}, &RosterError{Op: "contact"}
	}
	return c.roster.Contact(id)
}

func (c *ProtocolConnection) ContactByAddress(address string) (types.Contact, error) {
	if !c.IsConnected() {
		return types.Contact{}, &RosterError{Op: "contact"}
	}
	return c.roster.ContactByAddress(address)
}

func (c *ProtocolConnection) Rooms(eventOffset int64) ([]types.Room, error) {
	if !c.IsConnected() {
		return nil, &RosterError{Op: "rooms"}
	}
	return c.roster.Rooms(eventOffset), nil
}

func (c *ProtocolConnection) Room(id string) (types.Room, error) {
	if !c.IsConnected() {
		return types.Room{}, &RosterError{Op: "room"}
	}
	return c.roster.Room(id)
}

func (c *ProtocolConnection) RoomByAddress(address string) (types.Room, error) {
	if !c.IsConnected() {
		return types.Room{}, &RosterError{Op: "room"}
	}
	return c.roster.RoomByAddress(address)
}

// Feed returns contacts and rooms changed since eventOffset in one call.
func (c *ProtocolConnection) Feed(eventOffset int64) ([]types.Contact, []types.Room, error) {
	if !c.IsConnected() {
		return nil, nil, &RosterError{Op: "feed"}
	}
	return c.roster.Contacts(eventOffset), c.roster.Rooms(eventOffset), nil
}

// AddContact creates or renames a roster item and requests a
// subscription to it.
func (c *ProtocolConnection) AddContact(address, name string, groups []string) error {
	if !c.IsConnected() {
		return &RosterError{Op: "add contact"}
	}
	bare := strings.ToLower(BareAddress(address))
	if err := c.send(RosterSetStanza{Address: bare, Name: name, Groups: groups}); err != nil {
		return err
	}
	return c.Subscribe(bare)
}

// UpdateContact renames or regroups an existing roster item. A no-op
// when nothing would change.
func (c *ProtocolConnection) UpdateContact(id, name string, groups []string) error {
	contact, err := c.Contact(id)
	if err != nil {
		return err
	}

	if (name == "" || name == contact.Name) && groups == nil {
		return nil
	}
	if name == "" {
		name = contact.Name
	}
	if groups == nil {
		groups = contact.Groups
	}

	return c.send(RosterSetStanza{Address: contact.Address, Name: name, Groups: groups})
}

// RemoveContact purges the conversation and asks the server to drop the
// roster item; local contact state goes away when the resulting
// subscription=remove push arrives.
func (c *ProtocolConnection) RemoveContact(id string) error {
	contact, err := c.Contact(id)
	if err != nil {
		return err
	}

	c.store.RemoveConversation(id)
	return c.send(RosterSetStanza{Address: contact.Address, Remove: true})
}

// SetAuthorization grants or revokes a contact's authorization. Granting
// also subscribes back, mirroring the add-contact flow.
func (c *ProtocolConnection) SetAuthorization(id string, authorization types.Authorization) error {
	contact, err := c.Contact(id)
	if err != nil {
		return err
	}
	if contact.Authorization == authorization {
		return nil
	}

	switch authorization {
	case types.AuthorizationGranted:
		if err := c.AddContact(contact.Address, "", nil); err != nil {
			return err
		}
		return c.Authorize(contact.Address)
	case types.AuthorizationNone:
		return c.send(PresenceStanza{To: contact.Address, Type: "unsubscribed"})
	default:
		return &ValueError{Param: "authorization"}
	}
}

// SetReadOffset moves a conversation's read cursor and fans out change
// notifications when the cursor or the unread count actually moved.
func (c *ProtocolConnection) SetReadOffset(id string, offset int64) error {
	oldUnread := c.UnreadCount()

	changed, err := c.roster.SetReadOffset(id, offset)
	if err != nil {
		return err
	}
	if changed {
		c.notifyContactsChanged()
	}
	if c.UnreadCount() != oldUnread {
		c.notifyUnreadChanged()
	}
	return nil
}

// SetHistoryOffset moves a conversation's history cursor and drops stored
// messages at or below it.
func (c *ProtocolConnection) SetHistoryOffset(id string, offset int64) error {
	oldUnread := c.UnreadCount()

	changed, err := c.roster.SetHistoryOffset(id, offset)
	if err != nil {
		return err
	}
	if changed {
		c.store.RemoveThrough(id, offset)
		c.notifyContactsChanged()
	}
	if c.UnreadCount() != oldUnread {
		c.notifyUnreadChanged()
	}
	return nil
}

// UnreadCount is the number of conversations whose newest stored message
// is inbound and past the read cursor.
func (c *ProtocolConnection) UnreadCount() int {
	count := 0
	for id, readOffset := range c.roster.ReadOffsets() {
		if last, ok := c.store.Last(id); ok && last.Inbound && readOffset < last.EventId {
			count++
		}
	}
	return count
}

// JoinRoom joins the room at the given address under the identity's room
// nickname.
func (c *ProtocolConnection) JoinRoom(address string) error {
	return c.JoinRoomAddress(strings.ToLower(BareAddress(address)))
}

// CreateRoom joins (and thereby creates) node@conference.<domain> and
// applies the default room configuration.
func (c *ProtocolConnection) CreateRoom(node, name string) error {
	if node == "" {
		return &ValueError{Param: "room"}
	}
	addr := node + "@conference." + c.domain

	if err := c.JoinRoomAddress(addr); err != nil {
		return err
	}
	return c.send(RoomConfigStanza{Room: addr, Name: name})
}

// LeaveRoom leaves a joined room; local room state goes away when the
// server echoes the unavailable presence for our own member.
func (c *ProtocolConnection) LeaveRoom(roomId string) error {
	addr, room, err := c.roster.Resolve(roomId)
	if err != nil {
		return err
	}
	if !room {
		return ErrNotFound
	}

	c.store.RemoveConversation(roomId)
	return c.send(PresenceStanza{To: addr + "/" + c.roomNick, Type: "unavailable"})
}

// InviteToRoom sends a mediated invitation for a roster contact.
func (c *ProtocolConnection) InviteToRoom(roomId, contactId string) error {
	roomAddr, room, err := c.roster.Resolve(roomId)
	if err != nil {
		return err
	}
	if !room {
		return ErrNotFound
	}
	contact, err := c.roster.Contact(contactId)
	if err != nil {
		return err
	}

	return c.send(MessageStanza{To: roomAddr, InviteTo: contact.Address})
}

// InviteManyToRoom invites each contact in turn, stopping at the first
// failure.
func (c *ProtocolConnection) InviteManyToRoom(roomId string, contactIds []string) error {
	for _, contactId := range contactIds {
		if err := c.InviteToRoom(roomId, contactId); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe, Unsubscribe, Authorize and JoinRoomAddress implement
// RosterOutbound for the roster's resync and trust-shortcut flows.

func (c *ProtocolConnection) Subscribe(addr string) error {
	return c.send(PresenceStanza{To: BareAddress(addr), Type: "subscribe"})
}

func (c *ProtocolConnection) Unsubscribe(addr string) error {
	return c.send(PresenceStanza{To: BareAddress(addr), Type: "unsubscribe"})
}

func (c *ProtocolConnection) Authorize(addr string) error {
	return c.send(PresenceStanza{To: BareAddress(addr), Type: "subscribed"})
}

func (c *ProtocolConnection) JoinRoomAddress(addr string) error {
	return c.send(PresenceStanza{To: addr + "/" + c.roomNick, JoinRoom: true})
}

// Observer registration. The pool reads ObserverCount to decide when the
// connection can be torn down.

func (c *ProtocolConnection) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers[o] = struct{}{}
}

func (c *ProtocolConnection) RemoveObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observers, o)
}

func (c *ProtocolConnection) ObserverCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.observers)
}

func (c *ProtocolConnection) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()

	observers := make([]Observer, 0, len(c.observers))
	for o := range c.observers {
		observers = append(observers, o)
	}
	return observers
}

func (c *ProtocolConnection) notifyMessage(conversationId, text string, inbound bool) {
	// Counted here, not per observer, so multi-device identities do not
	// inflate the inbound total.
	if inbound && c.stats != nil {
		c.stats.Incr(stats.MessagesReceived)
	}
	for _, o := range c.snapshotObservers() {
		o.OnMessage(conversationId, text, inbound)
	}
}

func (c *ProtocolConnection) notifyDelivered(conversationId, wireId string) {
	for _, o := range c.snapshotObservers() {
		o.OnDelivered(conversationId, wireId)
	}
}

func (c *ProtocolConnection) notifyContactsChanged() {
	for _, o := range c.snapshotObservers() {
		o.OnContactsChanged()
	}
}

func (c *ProtocolConnection) notifyUnreadChanged() {
	for _, o := range c.snapshotObservers() {
		o.OnUnreadChanged()
	}
}

func (c *ProtocolConnection) notifyClosed(err error) {
	for _, o := range c.snapshotObservers() {
		o.OnClosed(err)
	}
}
