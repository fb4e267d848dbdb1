package xmpp

import (
	"fmt"
	"sync"
)

// LoopbackDialer is the development transport. It accepts any non-empty
// username and plays the server side locally: roster requests yield
// an empty roster, roster changes are echoed back as pushes,
// receipt-requesting chat messages are acked, contact subscriptions are
// granted and room joins are confirmed. Deployments
// talking to a real server inject their own Dialer.
type LoopbackDialer struct{}

func NewLoopbackDialer() *LoopbackDialer {
	return &LoopbackDialer{}
}

func (d *LoopbackDialer) Dial(server string) (Conn, error) {
	return &loopbackConn{
		events: make(chan Event, 64),
	}, nil
}

type loopbackConn struct {
	mu     sync.Mutex
	nextId int
	closed bool
	events chan Event
}

func (c *loopbackConn) Authenticate(user, secret, resource string) error {
	if user == "" {
		return fmt.Errorf("missing username")
	}
	return nil
}

func (c *loopbackConn) Send(st Stanza) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", fmt.Errorf("connection closed")
	}

	c.nextId++
	wireId := fmt.Sprintf("lo-%d", c.nextId)

	switch st := st.(type) {
	case RosterGetStanza:
		c.emit(RosterEvent{})
	case RosterSetStanza:
		// Echo the change back as a roster push, the way a real server
		// confirms a roster set.
		if st.Remove {
			c.emit(RosterEvent{Set: true, Items: []RosterItem{{Address: st.Address, Subscription: "remove"}}})
		} else {
			c.emit(RosterEvent{Set: true, Items: []RosterItem{{Address: st.Address, Name: st.Name, Subscription: "to", Groups: st.Groups}}})
		}
	case MessageStanza:
		if st.Type == "chat" && st.RequestReceipt {
			c.emit(MessageEvent{From: st.To, Type: "chat", ReceiptAckId: wireId})
		}
	case PresenceStanza:
		switch {
		case st.Type == "subscribe":
			c.emit(PresenceEvent{From: st.To, Type: "subscribed"})
			c.emit(PresenceEvent{From: st.To + "/loopback", Priority: 1})
		case st.JoinRoom:
			c.emit(PresenceEvent{From: st.To, MUCUser: &MUCUserItem{}})
		}
	}

	return wireId, nil
}

// emit drops the event when the buffer is full; a loopback peer never
// blocks the sender.
func (c *loopbackConn) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

func (c *loopbackConn) Events() <-chan Event {
	return c.events
}

func (c *loopbackConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}
