package xmpp

import "strings"

// This file is the wire boundary. Stanza framing, TLS, SASL and XML
// parsing live behind the Dialer/Conn interfaces; the gateway core only
// sees typed stanzas going out and typed events coming in.

// Dialer opens physical connections to a protocol server.
type Dialer interface {
	Dial(server string) (Conn, error)
}

// Conn is one established transport connection. Events delivers inbound
// typed events until the connection closes, at which point the channel is
// closed. Send returns the wire id assigned to the outgoing stanza.
type Conn interface {
	Authenticate(user, secret, resource string) error
	Send(st Stanza) (string, error)
	Events() <-chan Event
	Close() error
}

// Stanza is an outbound protocol element.
type Stanza interface {
	stanza()
}

// PresenceStanza covers availability broadcasts, subscription management
// (Type subscribe/unsubscribe/subscribed/unsubscribed) and room
// join/leave (To set to room@domain/nick, JoinRoom marking the MUC
// payload).
type PresenceStanza struct {
	To       string
	Type     string
	JoinRoom bool
}

// MessageStanza covers chat and groupchat bodies, delivery receipt
// requests and acks, and room invitations.
type MessageStanza struct {
	To             string
	Type           string
	Body           string
	RequestReceipt bool
	ReceiptAckId   string
	InviteTo       string
}

// RosterGetStanza requests the initial roster.
type RosterGetStanza struct{}

// RosterSetStanza creates, renames or removes a roster item.
type RosterSetStanza struct {
	Address string
	Name    string
	Groups  []string
	Remove  bool
}

// RoomConfigStanza submits the default room configuration form after a
// room is created.
type RoomConfigStanza struct {
	Room string
	Name string
}

func (PresenceStanza) stanza()   {}
func (MessageStanza) stanza()    {}
func (RosterGetStanza) stanza()  {}
func (RosterSetStanza) stanza()  {}
func (RoomConfigStanza) stanza() {}

// Event is an inbound typed protocol event.
type Event interface {
	event()
}

// PresenceEvent carries a presence stanza. Type is empty for available
// presence. MUCUser is non-nil when the stanza carries a group-chat
// member payload; its Address is the member's real address when the room
// discloses it.
type PresenceEvent struct {
	From     string
	Type     string
	Priority int
	Show     string
	Status   string
	Nick     string
	MUCUser  *MUCUserItem
}

type MUCUserItem struct {
	Address string
}

// MessageEvent carries a message stanza. WireId is the sender-assigned
// stanza id, referenced by delivery receipts. ReceiptAckId is set when
// the message is a delivery receipt for a previously sent wire id.
// InviteFrom is set when the message is a room invitation; From is then
// the room address.
type MessageEvent struct {
	From           string
	Type           string
	Body           string
	WireId         string
	RequestReceipt bool
	ReceiptAckId   string
	InviteFrom     string
}

// RosterEvent carries a roster result or push. Set is true for a
// server-initiated roster set.
type RosterEvent struct {
	Set   bool
	Items []RosterItem
}

type RosterItem struct {
	Address      string
	Name         string
	Subscription string
	Ask          string
	Groups       []string
}

// StreamErrorEvent carries a protocol-level error stanza.
type StreamErrorEvent struct {
	Code int
	Text string
}

func (PresenceEvent) event()    {}
func (MessageEvent) event()     {}
func (RosterEvent) event()      {}
func (StreamErrorEvent) event() {}

// HandlerResult tells the dispatch loop whether an event handler consumed
// the event or later handlers should still run.
type HandlerResult int

const (
	PassThrough HandlerResult = iota
	Handled
)

// BareAddress strips the resource part of a protocol address.
func BareAddress(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// AddressResource returns the resource part of a protocol address, empty
// if none.
func AddressResource(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// AddressNode returns the local part of an address ("user" in
// "user@server").
func AddressNode(addr string) string {
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		return addr[:i]
	}
	return addr
}

// AddressDomain returns the server part of a bare address.
func AddressDomain(addr string) string {
	bare := BareAddress(addr)
	if i := strings.IndexByte(bare, '@'); i >= 0 {
		return bare[i+1:]
	}
	return bare
}
